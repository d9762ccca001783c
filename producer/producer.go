// Package producer is the userspace rendition of the hook-side event
// producer in bpf/trace_syscalls.bpf.c.
//
// Handle runs under the same rules as the BPF program: it does not allocate,
// loop or block, and it drops the event when the channel has no room.
package producer

import (
	"github.com/jnesss/bpf-syscalltrace/channel"
	"github.com/jnesss/bpf-syscalltrace/types"
)

// TriggerContext is what the hook point knows about the current task.
type TriggerContext struct {
	// PIDTGID is packed like bpf_get_current_pid_tgid(): tgid in the
	// upper 32 bits, thread id in the lower.
	PIDTGID   uint64
	SyscallID int64
	Comm      [types.NameLen]byte
}

// Reserver hands out space for one record.
type Reserver interface {
	Reserve(size int) (channel.Reservation, bool)
}

// Handle publishes one record for tc. A failed reservation is dropped
// silently; the channel counts the loss.
func Handle(tc *TriggerContext, rb Reserver) {
	res, ok := rb.Reserve(types.Size)
	if !ok {
		return
	}
	types.Encode(res.Bytes(), uint32(tc.PIDTGID>>32), uint32(tc.SyscallID), tc.Comm[:])
	res.Submit()
}
