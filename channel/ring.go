package channel

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// HeaderSize is the per-record header, as in the kernel ring buffer.
const HeaderSize = 8

// Ring is a bounded, byte-sized, multi-producer/single-consumer ring.
//
// Storage is an arena of equally sized frames allocated once. Frame
// ownership moves between two buffered channels: free holds indices that
// producers may reserve, ready holds submitted indices in submit order.
// Both have capacity equal to the frame count, so sends never block.
type Ring struct {
	arena  []byte
	frame  int
	frames int

	free  chan int32
	ready chan int32

	lost   atomic.Uint64
	closed atomic.Bool
	done   chan struct{}
	once   sync.Once
}

// Reservation is space for one record obtained from Reserve.
type Reservation struct {
	ring *Ring
	idx  int32
	size int
}

// NewRing creates a ring of capacity bytes able to carry records of up to
// maxRecord bytes.
func NewRing(capacity, maxRecord int) (*Ring, error) {
	if maxRecord <= 0 {
		return nil, fmt.Errorf("invalid max record size %d", maxRecord)
	}
	frame := align8(HeaderSize + maxRecord)
	frames := capacity / frame
	if frames == 0 {
		return nil, fmt.Errorf("capacity %d too small for %d-byte frames", capacity, frame)
	}

	r := &Ring{
		arena:  make([]byte, frames*frame),
		frame:  frame,
		frames: frames,
		free:   make(chan int32, frames),
		ready:  make(chan int32, frames),
		done:   make(chan struct{}),
	}
	for i := 0; i < frames; i++ {
		r.free <- int32(i)
	}
	return r, nil
}

// Frames returns the number of records the ring holds when full.
func (r *Ring) Frames() int {
	return r.frames
}

// Reserve claims space for a record of size bytes without blocking. When
// the ring is full, or the record cannot fit a frame, the loss counter is
// incremented and ok is false. A closed ring rejects all reservations.
func (r *Ring) Reserve(size int) (res Reservation, ok bool) {
	if r.closed.Load() {
		return Reservation{}, false
	}
	if size < 0 || size > r.frame-HeaderSize {
		r.lost.Add(1)
		return Reservation{}, false
	}

	select {
	case idx := <-r.free:
		off := int(idx) * r.frame
		binary.NativeEndian.PutUint32(r.arena[off:], uint32(size))
		return Reservation{ring: r, idx: idx, size: size}, true
	default:
		r.lost.Add(1)
		return Reservation{}, false
	}
}

// Bytes returns the writable record body.
func (res Reservation) Bytes() []byte {
	off := int(res.idx)*res.ring.frame + HeaderSize
	return res.ring.arena[off : off+res.size]
}

// Submit publishes the record to the consumer.
func (res Reservation) Submit() {
	res.ring.ready <- res.idx
}

// Discard returns the space without publishing anything.
func (res Reservation) Discard() {
	res.ring.free <- res.idx
}

// TryPublish copies b into the ring. It reports false when the ring is
// full; the loss has already been counted.
func (r *Ring) TryPublish(b []byte) bool {
	res, ok := r.Reserve(len(b))
	if !ok {
		return false
	}
	copy(res.Bytes(), b)
	res.Submit()
	return true
}

// Poll implements Reader. After the first record arrives it drains what is
// already queued, at most one full ring per call.
func (r *Ring) Poll(timeout time.Duration, fn func(raw []byte)) (int, error) {
	if r.closed.Load() {
		return 0, ErrClosed
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case idx := <-r.ready:
		r.consume(idx, fn)
	case <-timer.C:
		return 0, nil
	case <-r.done:
		return 0, ErrClosed
	}

	n := 1
	for n < r.frames {
		select {
		case idx := <-r.ready:
			r.consume(idx, fn)
			n++
		default:
			return n, nil
		}
	}
	return n, nil
}

func (r *Ring) consume(idx int32, fn func(raw []byte)) {
	off := int(idx) * r.frame
	size := int(binary.NativeEndian.Uint32(r.arena[off:]))
	fn(r.arena[off+HeaderSize : off+HeaderSize+size])
	r.free <- idx
}

// Lost implements Reader.
func (r *Ring) Lost() (uint64, error) {
	return r.lost.Load(), nil
}

// Close implements Reader.
func (r *Ring) Close() error {
	r.once.Do(func() {
		r.closed.Store(true)
		close(r.done)
	})
	return nil
}

func align8(n int) int {
	return (n + 7) &^ 7
}
