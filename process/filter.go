package process

import (
	"bytes"
	"fmt"

	lru "github.com/hashicorp/golang-lru"

	"github.com/jnesss/bpf-syscalltrace/types"
)

// DefaultDropPrefixes are interactive-shell and privilege-escalation
// tools whose syscall volume drowns everything else.
var DefaultDropPrefixes = []string{"sshd", "sudo"}

// Filter decides whether an event is suppressed before rendering.
type Filter interface {
	Drop(ev types.Event) bool
}

// FilterFunc adapts a function to Filter.
type FilterFunc func(ev types.Event) bool

// Drop implements Filter.
func (f FilterFunc) Drop(ev types.Event) bool { return f(ev) }

// Chain drops an event if any of its filters does.
type Chain []Filter

// Drop implements Filter.
func (c Chain) Drop(ev types.Event) bool {
	for _, f := range c {
		if f != nil && f.Drop(ev) {
			return true
		}
	}
	return false
}

// PrefixFilter drops events whose process name starts with one of a set of
// prefixes. Decisions are cached per comm with LRU eviction, since the same
// few names account for most syscalls.
type PrefixFilter struct {
	prefixes [][]byte
	cache    *lru.Cache
}

// NewPrefixFilter creates a filter for prefixes. Empty prefixes are
// ignored. A cacheSize of zero disables the decision cache.
func NewPrefixFilter(prefixes []string, cacheSize int) (*PrefixFilter, error) {
	f := &PrefixFilter{}
	for _, p := range prefixes {
		if p == "" {
			continue
		}
		if len(p) > types.NameLen {
			p = p[:types.NameLen]
		}
		f.prefixes = append(f.prefixes, []byte(p))
	}

	if cacheSize > 0 {
		cache, err := lru.New(cacheSize)
		if err != nil {
			return nil, fmt.Errorf("creating filter cache: %w", err)
		}
		f.cache = cache
	}
	return f, nil
}

// Prefixes returns the active prefixes.
func (f *PrefixFilter) Prefixes() []string {
	out := make([]string, len(f.prefixes))
	for i, p := range f.prefixes {
		out[i] = string(p)
	}
	return out
}

// Drop implements Filter.
func (f *PrefixFilter) Drop(ev types.Event) bool {
	if len(f.prefixes) == 0 {
		return false
	}
	if f.cache != nil {
		if v, ok := f.cache.Get(ev.Comm); ok {
			return v.(bool)
		}
	}

	drop := f.match(ev.Comm[:])
	if f.cache != nil {
		f.cache.Add(ev.Comm, drop)
	}
	return drop
}

func (f *PrefixFilter) match(comm []byte) bool {
	if i := bytes.IndexByte(comm, 0); i >= 0 {
		comm = comm[:i]
	}
	for _, p := range f.prefixes {
		if bytes.HasPrefix(comm, p) {
			return true
		}
	}
	return false
}
