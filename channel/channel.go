// Package channel provides the transport between the event producer and the
// consumer loop.
//
// Reader is a platform-agnostic view of a bounded ring buffer. On Linux the
// kernel BPF ring buffer implements it (see package platform); Ring is an
// in-process implementation with the same semantics, used when no kernel
// producer is available and in tests.
package channel

import (
	"errors"
	"time"
)

// ErrClosed is returned by Poll once the channel has been closed.
var ErrClosed = errors.New("channel closed")

// DefaultCapacity matches max_entries of the kernel "events" map.
const DefaultCapacity = 16 << 20

// Reader is the single consumer-side handle on a channel. It must not be
// used by more than one goroutine at a time.
type Reader interface {
	// Poll waits up to timeout for records and passes each one to fn. The
	// slice is only valid for the duration of the call. A timeout with no
	// records returns (0, nil).
	Poll(timeout time.Duration, fn func(raw []byte)) (int, error)

	// Lost returns the cumulative number of records the producer could
	// not publish because the channel was full.
	Lost() (uint64, error)

	// Close releases the reader. Calling Close more than once is safe.
	Close() error
}
