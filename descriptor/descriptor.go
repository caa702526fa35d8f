// Package descriptor encodes and decodes single packet-DMA descriptor slots.
// The binary layout of a slot belongs to one hardware generation; each
// generation is a [Codec] selected by name at configuration time so the ring
// algorithms never depend on bit positions.
package descriptor

import (
	"sync/atomic"
)

// Size is the number of bytes needed to store a [Descriptor] in memory.
const Size = 16

// MaxRemain is the largest prefetch hint a descriptor can carry.
const MaxRemain = 15

// Descriptor is the hardware record for one ring slot. It is only ever
// accessed through a [Codec], never by field.
type Descriptor struct {
	// addrLo and addrHi hold the DMA address of the slot buffer.
	addrLo uint32
	addrHi uint32
	// control is written by software: length, chain, interrupt, remain,
	// reload and transmit attribute bits.
	control uint32
	// status is written by hardware once the slot was processed.
	status uint32
}

// Flags describe how a descriptor is configured.
type Flags uint32

const (
	// FlagChain links the descriptor to the following slot.
	FlagChain Flags = 1 << iota
	// FlagInterrupt asks the hardware to raise an interrupt once the slot
	// completes.
	FlagInterrupt
	// FlagReload marks a wraparound descriptor pointing back to slot 0.
	FlagReload
	// FlagPurge asks the hardware to drop the frame instead of sending it.
	FlagPurge
	// FlagPriority says the buffer starts with a priority framing header.
	FlagPriority
)

// Errors are the error bits reported in a status word.
type Errors uint8

const (
	ErrorCRC Errors = 1 << iota
	ErrorOverrun
	ErrorTruncated
	ErrorHeader
)

// Attrs are the attribute bits reported in a status word.
type Attrs uint8

const (
	// AttrStart marks the first buffer of a frame.
	AttrStart Attrs = 1 << iota
	// AttrEnd marks the last buffer of a frame.
	AttrEnd
	// AttrVirtual marks a frame classified for the virtual ring path.
	AttrVirtual
	// AttrPurged reports that a transmit descriptor was purged.
	AttrPurged
)

// Status is the decoded status word.
type Status struct {
	Done   bool
	Length int
	Errors Errors
	Attrs  Attrs
}

// Control is the decoded control word.
type Control struct {
	Length int
	Flags  Flags
	Remain int
}

// load and store go through sync/atomic so each word is published to the DMA
// engine as a whole and the control write acts as the release barrier for the
// words written before it.
func load(p *uint32) uint32     { return atomic.LoadUint32(p) }
func store(p *uint32, v uint32) { atomic.StoreUint32(p, v) }
