//go:build linux

package platform

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cilium/ebpf/ringbuf"

	"github.com/jnesss/bpf-syscalltrace/channel"
	"github.com/jnesss/bpf-syscalltrace/types"
)

// recordReader is the part of *ringbuf.Reader the adapter uses.
type recordReader interface {
	SetDeadline(t time.Time)
	ReadInto(rec *ringbuf.Record) error
	Close() error
}

// lostCounter is the part of *ebpf.Map the adapter uses.
type lostCounter interface {
	Lookup(key, valueOut interface{}) error
}

// ringChannel adapts a kernel BPF ring buffer to channel.Reader.
type ringChannel struct {
	rd   recordReader
	lost lostCounter
	rec  ringbuf.Record

	// maxDrain bounds one Poll, since the kernel may refill the ring as
	// fast as it is drained.
	maxDrain int

	closeOnce sync.Once
	closeErr  error
}

// newRingChannel wraps rd. capacity is the ring size in bytes; lost may be
// nil.
func newRingChannel(rd recordReader, lost lostCounter, capacity int) *ringChannel {
	maxDrain := capacity / (channel.HeaderSize + types.Size)
	if maxDrain < 1 {
		maxDrain = 1
	}
	return &ringChannel{rd: rd, lost: lost, maxDrain: maxDrain}
}

func (c *ringChannel) Poll(timeout time.Duration, fn func(raw []byte)) (int, error) {
	deadline := time.Now().Add(timeout)
	c.rd.SetDeadline(deadline)

	n := 0
	for n < c.maxDrain {
		err := c.rd.ReadInto(&c.rec)
		switch {
		case err == nil:
			fn(c.rec.RawSample)
			n++
			if time.Now().After(deadline) {
				return n, nil
			}
			if n == 1 {
				// Drain what is already there without blocking again.
				c.rd.SetDeadline(time.Unix(1, 0))
			}
		case errors.Is(err, os.ErrDeadlineExceeded):
			return n, nil
		case errors.Is(err, ringbuf.ErrClosed):
			return n, channel.ErrClosed
		default:
			return n, err
		}
	}
	return n, nil
}

func (c *ringChannel) Lost() (uint64, error) {
	if c.lost == nil {
		return 0, nil
	}

	var perCPU []uint64
	if err := c.lost.Lookup(uint32(0), &perCPU); err != nil {
		return 0, fmt.Errorf("reading loss counter: %w", err)
	}
	var total uint64
	for _, v := range perCPU {
		total += v
	}
	return total, nil
}

func (c *ringChannel) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.rd.Close()
	})
	return c.closeErr
}
