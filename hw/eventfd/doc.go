// Package eventfd provides the interrupt lines used between a DMA engine and
// the poll loops that service it.
package eventfd
