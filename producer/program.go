package producer

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/jnesss/bpf-syscalltrace/channel"
	"github.com/jnesss/bpf-syscalltrace/types"
)

// Program is an in-process stand-in for a loaded BPF object: one ring
// buffer channel and a set of hook points it may be attached to.
type Program struct {
	ring        *channel.Ring
	channelName string
	hooks       map[string]bool

	mu       sync.Mutex
	attached atomic.Bool
	closed   bool

	// Detaching takes the write side and so waits for in-flight triggers.
	inflight sync.RWMutex
}

// NewProgram creates a program whose channel is named channelName and
// which accepts the given hook identifiers.
func NewProgram(capacity int, channelName string, hooks ...string) (*Program, error) {
	ring, err := channel.NewRing(capacity, types.Size)
	if err != nil {
		return nil, fmt.Errorf("creating ring: %w", err)
	}
	p := &Program{
		ring:        ring,
		channelName: channelName,
		hooks:       make(map[string]bool, len(hooks)),
	}
	for _, h := range hooks {
		p.hooks[h] = true
	}
	return p, nil
}

// Attach binds the program to hook. Only one attachment may exist at a time.
func (p *Program) Attach(hook string) (io.Closer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, fmt.Errorf("program closed")
	}
	if !p.hooks[hook] {
		return nil, fmt.Errorf("hook point %q not found", hook)
	}
	if !p.attached.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("already attached")
	}
	return &attachment{prog: p}, nil
}

// Channel returns the reader for the named channel.
func (p *Program) Channel(name string) (channel.Reader, error) {
	if name != p.channelName {
		return nil, fmt.Errorf("channel %q not found", name)
	}
	return p.ring, nil
}

// Fire invokes the program for one hook trigger. It reports whether the
// program was attached; it says nothing about whether the record fit.
func (p *Program) Fire(tc *TriggerContext) bool {
	p.inflight.RLock()
	defer p.inflight.RUnlock()
	if !p.attached.Load() {
		return false
	}
	Handle(tc, p.ring)
	return true
}

// Attached reports whether the program is currently bound to a hook.
func (p *Program) Attached() bool {
	return p.attached.Load()
}

// Close releases the program and its ring.
func (p *Program) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.inflight.Lock()
	p.attached.Store(false)
	p.inflight.Unlock()
	return p.ring.Close()
}

type attachment struct {
	prog *Program
	once sync.Once
}

func (a *attachment) Close() error {
	a.once.Do(func() {
		a.prog.inflight.Lock()
		a.prog.attached.Store(false)
		a.prog.inflight.Unlock()
	})
	return nil
}
