// Package lifecycle brings the producer program up and tears it down in a
// fixed order: load, attach, open the channel; then detach, close the
// channel, release the program.
package lifecycle

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/jnesss/bpf-syscalltrace/channel"
)

// State of a Manager.
type State int

const (
	Unloaded State = iota
	Loaded
	Attached
	Running
	Detaching
	Closed
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loaded:
		return "loaded"
	case Attached:
		return "attached"
	case Running:
		return "running"
	case Detaching:
		return "detaching"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Loader opens and verifies a compiled producer artifact.
type Loader interface {
	Load(artifact string) (Program, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(artifact string) (Program, error)

// Load implements Loader.
func (f LoaderFunc) Load(artifact string) (Program, error) { return f(artifact) }

// Program is a loaded producer.
type Program interface {
	// Attach binds the program to the named hook point. Closing the
	// returned handle stops new events.
	Attach(hook string) (io.Closer, error)

	// Channel opens the reader for the named channel object.
	Channel(name string) (channel.Reader, error)

	// Close releases the program. Callers detach first.
	Close() error
}

// Config names what to load and where to attach it.
type Config struct {
	Artifact string
	Hook     string
	Channel  string
}

// Manager owns the program, the attachment and the channel handle.
type Manager struct {
	loader Loader
	config Config
	logger *zap.Logger

	mu     sync.Mutex
	state  State
	prog   Program
	link   io.Closer
	reader channel.Reader
}

// New creates a manager in the Unloaded state.
func New(loader Loader, config Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		loader: loader,
		config: config,
		logger: logger,
		state:  Unloaded,
	}
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start loads, attaches and opens the channel. Any failure undoes the
// steps already taken and leaves the manager Closed (or Unloaded when the
// load itself failed). Nothing is retried.
func (m *Manager) Start() (channel.Reader, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != Unloaded {
		return nil, fmt.Errorf("cannot start from state %s", m.state)
	}

	prog, err := m.loader.Load(m.config.Artifact)
	if err != nil {
		return nil, &LoadError{Artifact: m.config.Artifact, Err: err}
	}
	m.prog = prog
	m.state = Loaded
	m.logger.Info("Producer program loaded", zap.String("artifact", m.config.Artifact))

	link, err := prog.Attach(m.config.Hook)
	if err != nil {
		m.release()
		return nil, &AttachError{Hook: m.config.Hook, Err: err}
	}
	m.link = link
	m.state = Attached
	m.logger.Info("Producer program attached", zap.String("hook", m.config.Hook))

	reader, err := prog.Channel(m.config.Channel)
	if err != nil {
		m.release()
		return nil, &ChannelError{Channel: m.config.Channel, Err: err}
	}
	m.reader = reader
	m.state = Running
	m.logger.Info("Channel reader opened", zap.String("channel", m.config.Channel))

	return reader, nil
}

// Shutdown detaches the program, closes the channel and releases the
// program, in that order. It is safe to call more than once.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == Closed || m.state == Unloaded {
		return nil
	}
	err := m.release()
	m.logger.Info("Producer program released")
	return err
}

// release tears down whatever exists. The attachment goes first so nothing
// publishes into a channel that is being closed.
func (m *Manager) release() error {
	m.state = Detaching

	var errs []error
	if m.link != nil {
		if err := m.link.Close(); err != nil {
			errs = append(errs, fmt.Errorf("detaching: %w", err))
		}
		m.link = nil
	}
	if m.reader != nil {
		if err := m.reader.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing channel: %w", err))
		}
		m.reader = nil
	}
	if m.prog != nil {
		if err := m.prog.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing program: %w", err))
		}
		m.prog = nil
	}

	m.state = Closed
	if err := errors.Join(errs...); err != nil {
		m.logger.Warn("Teardown incomplete", zap.Error(err))
		return err
	}
	return nil
}
