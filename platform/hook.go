// Package platform binds the lifecycle manager to the kernel: it loads the
// compiled BPF collection, attaches its tracepoint program and adapts the
// BPF ring buffer to channel.Reader.
package platform

import (
	"fmt"
	"strings"
)

// Hook names a tracepoint as group and event.
type Hook struct {
	Group string
	Name  string
}

func (h Hook) String() string {
	return h.Group + "/" + h.Name
}

// ParseHook accepts "group/name", "group:name" and the section form
// "tracepoint/group/name".
func ParseHook(s string) (Hook, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "tracepoint/")

	sep := strings.IndexAny(s, "/:")
	if sep < 0 {
		return Hook{}, fmt.Errorf("hook %q: expected group/name", s)
	}
	h := Hook{Group: s[:sep], Name: s[sep+1:]}
	if h.Group == "" || h.Name == "" || strings.ContainsAny(h.Name, "/:") {
		return Hook{}, fmt.Errorf("hook %q: expected group/name", s)
	}
	return h, nil
}
