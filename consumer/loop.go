// Package consumer drains the ring buffer, filters and renders events.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/jnesss/bpf-syscalltrace/channel"
	"github.com/jnesss/bpf-syscalltrace/process"
	"github.com/jnesss/bpf-syscalltrace/types"
)

// DefaultPollTimeout bounds how long a stop request can go unnoticed.
const DefaultPollTimeout = 100 * time.Millisecond

// PollError ends the loop: the channel, the loss counter or the output
// failed while running.
type PollError struct {
	Err error
}

func (e *PollError) Error() string {
	return fmt.Sprintf("polling ring buffer: %v", e.Err)
}

func (e *PollError) Unwrap() error { return e.Err }

// Stats is a snapshot of the loop's counters.
type Stats struct {
	Received uint64
	Printed  uint64
	Filtered uint64
	Lost     uint64
	Polls    uint64
}

type counters struct {
	received atomic.Uint64
	printed  atomic.Uint64
	filtered atomic.Uint64
	lost     atomic.Uint64
	polls    atomic.Uint64
}

// Option configures a Loop.
type Option func(*Loop)

// WithPollTimeout sets the per-iteration poll timeout.
func WithPollTimeout(d time.Duration) Option {
	return func(l *Loop) {
		if d > 0 {
			l.pollTimeout = d
		}
	}
}

// WithStatsInterval logs a counter summary every d. Zero disables it.
func WithStatsInterval(d time.Duration) Option {
	return func(l *Loop) { l.statsInterval = d }
}

// WithMetrics mirrors the counters into prometheus.
func WithMetrics(m *Metrics) Option {
	return func(l *Loop) { l.metrics = m }
}

// Loop is the single reader of a channel.
type Loop struct {
	reader channel.Reader
	filter process.Filter
	out    io.Writer
	logger *zap.Logger

	pollTimeout   time.Duration
	statsInterval time.Duration
	metrics       *Metrics

	stopping atomic.Bool
	counts   counters

	// Owned by the goroutine in Run.
	lastLost  uint64
	lastStats time.Time
	fatal     error
}

// New creates a loop reading from reader and writing surfaced events to out.
// A nil filter passes everything.
func New(reader channel.Reader, filter process.Filter, out io.Writer, logger *zap.Logger, opts ...Option) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	if filter == nil {
		filter = process.Chain{}
	}
	l := &Loop{
		reader:      reader,
		filter:      filter,
		out:         out,
		logger:      logger,
		pollTimeout: DefaultPollTimeout,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Stop asks Run to return. It is safe to call from a signal handler
// goroutine; Run notices within one poll timeout.
func (l *Loop) Stop() {
	l.stopping.Store(true)
}

// Stats returns the current counters.
func (l *Loop) Stats() Stats {
	return Stats{
		Received: l.counts.received.Load(),
		Printed:  l.counts.printed.Load(),
		Filtered: l.counts.filtered.Load(),
		Lost:     l.counts.lost.Load(),
		Polls:    l.counts.polls.Load(),
	}
}

func (l *Loop) stopped(ctx context.Context) bool {
	return l.stopping.Load() || ctx.Err() != nil
}

// Run polls until Stop is called or ctx is done. It returns a *PollError
// when consuming cannot continue; the caller then shuts the pipeline down
// as usual.
func (l *Loop) Run(ctx context.Context) error {
	l.lastStats = time.Now()
	l.logger.Info("Consumer loop started", zap.Duration("poll_timeout", l.pollTimeout))

	for !l.stopped(ctx) {
		_, err := l.reader.Poll(l.pollTimeout, l.handle)
		l.counts.polls.Add(1)
		if l.metrics != nil {
			l.metrics.Polls.Inc()
		}

		if l.fatal != nil {
			return &PollError{Err: l.fatal}
		}
		if err != nil {
			if errors.Is(err, channel.ErrClosed) && l.stopped(ctx) {
				break
			}
			l.logger.Error("Ring buffer poll failed", zap.Error(err))
			return &PollError{Err: err}
		}
		if err := l.checkLost(); err != nil {
			return &PollError{Err: err}
		}
		l.maybeLogStats()
	}

	l.logStats("Consumer loop stopped")
	return nil
}

func (l *Loop) handle(raw []byte) {
	if l.fatal != nil {
		return
	}
	l.counts.received.Add(1)
	if l.metrics != nil {
		l.metrics.Received.Inc()
	}

	ev, err := types.Decode(raw)
	if err != nil {
		l.fatal = err
		return
	}

	if l.filter.Drop(ev) {
		l.counts.filtered.Add(1)
		if l.metrics != nil {
			l.metrics.Filtered.Inc()
		}
		return
	}

	if _, err := fmt.Fprintln(l.out, process.FormatSyscallEvent(ev)); err != nil {
		l.fatal = fmt.Errorf("writing output: %w", err)
		return
	}
	l.counts.printed.Add(1)
	if l.metrics != nil {
		l.metrics.Printed.Inc()
	}
}

// checkLost reports losses that happened since the previous poll.
func (l *Loop) checkLost() error {
	total, err := l.reader.Lost()
	if err != nil {
		return fmt.Errorf("reading loss counter: %w", err)
	}
	if total <= l.lastLost {
		return nil
	}

	n := total - l.lastLost
	l.lastLost = total
	l.counts.lost.Add(n)
	if l.metrics != nil {
		l.metrics.Lost.Add(float64(n))
	}
	if _, err := fmt.Fprintln(l.out, process.FormatLost(n)); err != nil {
		return fmt.Errorf("writing output: %w", err)
	}
	return nil
}

func (l *Loop) maybeLogStats() {
	if l.statsInterval <= 0 || time.Since(l.lastStats) < l.statsInterval {
		return
	}
	l.lastStats = time.Now()
	l.logStats("Consumer statistics")
}

func (l *Loop) logStats(msg string) {
	s := l.Stats()
	l.logger.Info(msg,
		zap.Uint64("received", s.Received),
		zap.Uint64("printed", s.Printed),
		zap.Uint64("filtered", s.Filtered),
		zap.Uint64("lost", s.Lost),
		zap.Uint64("polls", s.Polls))
}
