// Package types holds the record layout shared by the kernel-side producer
// and the userspace consumer.
//
// The layout must stay in sync with struct event in bpf/trace_syscalls.bpf.c:
//
//	offset 0   u32  pid (tgid)
//	offset 4   u32  syscall id
//	offset 8   [16] comm
package types

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// NameLen is the kernel's TASK_COMM_LEN.
	NameLen = 16

	// Size is the byte length of a serialized Event on the ring buffer.
	Size = 8 + NameLen
)

// ErrSize is returned by Decode when a sample is not exactly Size bytes.
var ErrSize = errors.New("unexpected event size")

// Event is one syscall entry observed by the producer.
type Event struct {
	PID       uint32
	SyscallID uint32
	Comm      [NameLen]byte
}

// Encode fills dst[:Size] with the record. Names longer than NameLen are
// silently truncated. dst must hold at least Size bytes.
func Encode(dst []byte, pid, syscallID uint32, name []byte) {
	_ = dst[Size-1]
	binary.NativeEndian.PutUint32(dst[0:4], pid)
	binary.NativeEndian.PutUint32(dst[4:8], syscallID)
	comm := dst[8:Size]
	n := copy(comm, name)
	clear(comm[n:])
}

// Decode parses a raw ring buffer sample.
func Decode(raw []byte) (Event, error) {
	if len(raw) != Size {
		return Event{}, fmt.Errorf("%w: got=%d want=%d", ErrSize, len(raw), Size)
	}
	var ev Event
	ev.PID = binary.NativeEndian.Uint32(raw[0:4])
	ev.SyscallID = binary.NativeEndian.Uint32(raw[4:8])
	copy(ev.Comm[:], raw[8:Size])
	return ev, nil
}

// Name returns the command name up to the first NUL byte. A comm that
// fills the whole buffer has no terminator and is returned in full.
func (e Event) Name() string {
	for i, c := range e.Comm {
		if c == 0 {
			return string(e.Comm[:i])
		}
	}
	return string(e.Comm[:])
}
