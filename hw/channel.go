// Package hw defines the register interface of a packet DMA channel.
package hw

// Channel drives one DMA channel. Addresses are descriptor bus addresses as
// returned by ring.Ring.Addr.
//
// The channel walks descriptors from the ring base, follows reload
// descriptors and stops before the descriptor at the halt address. In chain
// mode it also stops after a descriptor without the chain flag, after which
// Check reports false until the channel is set up and started again.
type Channel interface {
	// Setup points the channel at the first descriptor of a ring.
	Setup(base uint64) error
	// Start enables the channel with the halt pointer at halt.
	Start(halt uint64) error
	Stop() error
	// Goto moves the halt pointer.
	Goto(halt uint64)

	// IntrQuery reports whether the channel raised an interrupt.
	IntrQuery() bool
	IntrClear()
	// Check reports whether the channel is still running.
	Check() bool
}

// Interrupter is implemented by channels that signal interrupts on a file
// descriptor which can be waited on.
type Interrupter interface {
	InterruptFD() int
}
