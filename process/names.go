// Package process holds the consumer-side view of the traced processes:
// their names, the drop filter and how events are rendered.
package process

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jnesss/bpf-syscalltrace/types"
)

// SelfName returns the comm the kernel reports for this process, so the
// tracer can drop its own syscalls.
func SelfName() string {
	if comm, err := os.ReadFile("/proc/self/comm"); err == nil {
		if name := string(bytes.TrimRight(comm, "\n")); name != "" {
			return name
		}
	}
	return commFromPath(os.Args[0])
}

// commFromPath mimics how the kernel derives comm from an executable path:
// the base name cut to TASK_COMM_LEN-1 bytes.
func commFromPath(path string) string {
	name := filepath.Base(path)
	if len(name) > types.NameLen-1 {
		name = name[:types.NameLen-1]
	}
	return name
}

// FormatSyscallEvent renders one surfaced event.
func FormatSyscallEvent(ev types.Event) string {
	return fmt.Sprintf("PID %d (%s) called syscall ID %d", ev.PID, ev.Name(), ev.SyscallID)
}

// FormatLost renders a loss notification.
func FormatLost(n uint64) string {
	return fmt.Sprintf("Lost %d events", n)
}
