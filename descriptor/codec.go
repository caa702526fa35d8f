package descriptor

import (
	"errors"
	"fmt"
	"sort"
)

// ErrUnknownGeneration is returned by [Lookup] for an unsupported hardware
// generation.
var ErrUnknownGeneration = errors.New("unknown descriptor generation")

// Codec reads and writes one hardware generation's descriptor layout.
type Codec interface {
	// Name returns the generation name used in configuration.
	Name() string
	// MaxLength is the largest buffer length the length field can hold.
	MaxLength() int

	// Configure writes the buffer address and length, keeps the remain field,
	// applies flags and clears the status word.
	Configure(d *Descriptor, addr uint64, length int, flags Flags)
	// ConfigureReload turns d into a wraparound pointer to ringBase.
	ConfigureReload(d *Descriptor, ringBase uint64)
	SetChain(d *Descriptor, enabled bool)
	// SetRemain writes the prefetch hint, capped at [MaxRemain].
	SetRemain(d *Descriptor, count int)
	// Clear drops the buffer address, length and status. Chain and remain
	// survive.
	Clear(d *Descriptor)

	Address(d *Descriptor) uint64
	Control(d *Descriptor) Control
	DecodeStatus(d *Descriptor) Status
	Done(d *Descriptor) bool

	// Complete is the hardware side of the protocol: it writes the status
	// word of a processed descriptor.
	Complete(d *Descriptor, length int, errs Errors, attrs Attrs)
}

// layout holds the bit positions of one generation.
type layout struct {
	lenShift, lenBits uint
	chain             uint32
	intr              uint32
	reload            uint32
	purge             uint32
	prio              uint32
	remainShift       uint

	done                 uint32
	stLenShift, stLenBit uint
	errShift             uint
	attrShift            uint
}

type fieldCodec struct {
	name string
	l    layout
}

// Gen1 is the first generation layout: length in the low half of the control
// word and the done bit at the top of the status word.
var Gen1 Codec = &fieldCodec{
	name: "gen1",
	l: layout{
		lenShift: 0, lenBits: 16,
		chain:       1 << 16,
		intr:        1 << 17,
		reload:      1 << 18,
		remainShift: 19,
		purge:       1 << 23,
		prio:        1 << 24,

		done:       1 << 31,
		stLenShift: 0, stLenBit: 16,
		errShift:  16,
		attrShift: 24,
	},
}

// Gen2 moves the flag bits to the top of the control word, shortens the
// length field to 14 bits and reports done in bit 0 of the status word.
var Gen2 Codec = &fieldCodec{
	name: "gen2",
	l: layout{
		lenShift: 0, lenBits: 14,
		prio:        1 << 23,
		purge:       1 << 24,
		remainShift: 25,
		reload:      1 << 29,
		intr:        1 << 30,
		chain:       1 << 31,

		done:       1 << 0,
		errShift:   1,
		attrShift:  5,
		stLenShift: 16, stLenBit: 16,
	},
}

var generations = map[string]Codec{
	Gen1.Name(): Gen1,
	Gen2.Name(): Gen2,
}

// Lookup returns the codec registered for the named generation.
func Lookup(name string) (Codec, error) {
	c, ok := generations[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q, possible generations: %v", ErrUnknownGeneration, name, Generations())
	}
	return c, nil
}

// Generations lists the known generation names.
func Generations() []string {
	names := make([]string, 0, len(generations))
	for n := range generations {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (c *fieldCodec) Name() string { return c.name }

func (c *fieldCodec) MaxLength() int { return 1<<c.l.lenBits - 1 }

func (c *fieldCodec) lenMask() uint32    { return 1<<c.l.lenBits - 1 }
func (c *fieldCodec) remainMask() uint32 { return MaxRemain << c.l.remainShift }

func (c *fieldCodec) flagBits(f Flags) uint32 {
	var v uint32
	if f&FlagChain != 0 {
		v |= c.l.chain
	}
	if f&FlagInterrupt != 0 {
		v |= c.l.intr
	}
	if f&FlagReload != 0 {
		v |= c.l.reload
	}
	if f&FlagPurge != 0 {
		v |= c.l.purge
	}
	if f&FlagPriority != 0 {
		v |= c.l.prio
	}
	return v
}

func (c *fieldCodec) flags(v uint32) Flags {
	var f Flags
	if v&c.l.chain != 0 {
		f |= FlagChain
	}
	if v&c.l.intr != 0 {
		f |= FlagInterrupt
	}
	if v&c.l.reload != 0 {
		f |= FlagReload
	}
	if v&c.l.purge != 0 {
		f |= FlagPurge
	}
	if v&c.l.prio != 0 {
		f |= FlagPriority
	}
	return f
}

func (c *fieldCodec) setAddress(d *Descriptor, addr uint64) {
	store(&d.addrLo, uint32(addr))
	store(&d.addrHi, uint32(addr>>32))
}

func (c *fieldCodec) Configure(d *Descriptor, addr uint64, length int, flags Flags) {
	remain := load(&d.control) & c.remainMask()
	c.setAddress(d, addr)
	store(&d.status, 0)
	store(&d.control, remain|(uint32(length)&c.lenMask())<<c.l.lenShift|c.flagBits(flags))
}

func (c *fieldCodec) ConfigureReload(d *Descriptor, ringBase uint64) {
	c.setAddress(d, ringBase)
	store(&d.status, 0)
	store(&d.control, c.l.reload|c.l.chain)
}

func (c *fieldCodec) SetChain(d *Descriptor, enabled bool) {
	v := load(&d.control)
	if enabled {
		v |= c.l.chain
	} else {
		v &^= c.l.chain
	}
	store(&d.control, v)
}

func (c *fieldCodec) SetRemain(d *Descriptor, count int) {
	if count < 0 {
		count = 0
	}
	if count > MaxRemain {
		count = MaxRemain
	}
	v := load(&d.control) &^ c.remainMask()
	store(&d.control, v|uint32(count)<<c.l.remainShift)
}

func (c *fieldCodec) Clear(d *Descriptor) {
	keep := load(&d.control) & (c.remainMask() | c.l.chain)
	store(&d.status, 0)
	c.setAddress(d, 0)
	store(&d.control, keep)
}

func (c *fieldCodec) Address(d *Descriptor) uint64 {
	return uint64(load(&d.addrHi))<<32 | uint64(load(&d.addrLo))
}

func (c *fieldCodec) Control(d *Descriptor) Control {
	v := load(&d.control)
	return Control{
		Length: int(v >> c.l.lenShift & c.lenMask()),
		Flags:  c.flags(v),
		Remain: int(v & c.remainMask() >> c.l.remainShift),
	}
}

func (c *fieldCodec) DecodeStatus(d *Descriptor) Status {
	v := load(&d.status)
	return Status{
		Done:   v&c.l.done != 0,
		Length: int(v >> c.l.stLenShift & (1<<c.l.stLenBit - 1)),
		Errors: Errors(v >> c.l.errShift & 0xf),
		Attrs:  Attrs(v >> c.l.attrShift & 0xf),
	}
}

func (c *fieldCodec) Done(d *Descriptor) bool {
	return load(&d.status)&c.l.done != 0
}

func (c *fieldCodec) Complete(d *Descriptor, length int, errs Errors, attrs Attrs) {
	v := c.l.done |
		(uint32(length)&(1<<c.l.stLenBit-1))<<c.l.stLenShift |
		uint32(errs&0xf)<<c.l.errShift |
		uint32(attrs&0xf)<<c.l.attrShift
	store(&d.status, v)
}
