package consumer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jnesss/bpf-syscalltrace/channel"
	"github.com/jnesss/bpf-syscalltrace/lifecycle"
	"github.com/jnesss/bpf-syscalltrace/process"
	"github.com/jnesss/bpf-syscalltrace/producer"
	"github.com/jnesss/bpf-syscalltrace/types"
)

const hook = "raw_syscalls/sys_enter"

func trigger(pid uint32, nr int64, comm string) *producer.TriggerContext {
	tc := &producer.TriggerContext{PIDTGID: uint64(pid) << 32, SyscallID: nr}
	copy(tc.Comm[:], comm)
	return tc
}

// startPipeline loads an in-process program through the lifecycle manager.
func startPipeline(t *testing.T, capacity int) (*producer.Program, *lifecycle.Manager, channel.Reader) {
	t.Helper()
	prog, err := producer.NewProgram(capacity, "events", hook)
	require.NoError(t, err)

	m := lifecycle.New(lifecycle.LoaderFunc(func(string) (lifecycle.Program, error) {
		return prog, nil
	}), lifecycle.Config{Artifact: "in-process", Hook: hook, Channel: "events"}, zaptest.NewLogger(t))

	reader, err := m.Start()
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown() })
	return prog, m, reader
}

func runAsync(loop *Loop) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- loop.Run(context.Background()) }()
	return errc
}

func wait(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
		return nil
	}
}

func lines(s string) []string {
	return strings.Split(strings.TrimRight(s, "\n"), "\n")
}

func TestEndToEndFiltering(t *testing.T) {
	prog, m, reader := startPipeline(t, channel.DefaultCapacity)

	require.True(t, prog.Fire(trigger(100, 1, "bash")))
	require.True(t, prog.Fire(trigger(200, 2, "sshd")))
	require.True(t, prog.Fire(trigger(300, 3, "vim")))

	filter, err := process.NewPrefixFilter([]string{"sshd", "sudo"}, 16)
	require.NoError(t, err)

	var out bytes.Buffer
	loop := New(reader, filter, &out, zaptest.NewLogger(t), WithPollTimeout(10*time.Millisecond))
	errc := runAsync(loop)

	assert.Eventually(t, func() bool { return loop.Stats().Received == 3 }, time.Second, 5*time.Millisecond)
	loop.Stop()
	require.NoError(t, wait(t, errc))
	require.NoError(t, m.Shutdown())

	assert.Equal(t, []string{
		"PID 100 (bash) called syscall ID 1",
		"PID 300 (vim) called syscall ID 3",
	}, lines(out.String()))

	s := loop.Stats()
	assert.Equal(t, uint64(2), s.Printed)
	assert.Equal(t, uint64(1), s.Filtered)
	assert.Zero(t, s.Lost)
	assert.False(t, prog.Attached())
}

func TestLossIsReportedExactlyOnce(t *testing.T) {
	prog, _, reader := startPipeline(t, 32)

	for i := uint32(1); i <= 4; i++ {
		prog.Fire(trigger(i, int64(i), "bash"))
	}

	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)

	var out bytes.Buffer
	loop := New(reader, nil, &out, zaptest.NewLogger(t),
		WithPollTimeout(10*time.Millisecond), WithMetrics(metrics))
	errc := runAsync(loop)

	assert.Eventually(t, func() bool { return loop.Stats().Lost == 3 }, time.Second, 5*time.Millisecond)
	// A few more polls must not report the same loss again.
	time.Sleep(50 * time.Millisecond)
	loop.Stop()
	require.NoError(t, wait(t, errc))

	assert.Equal(t, []string{
		"PID 1 (bash) called syscall ID 1",
		"Lost 3 events",
	}, lines(out.String()))
	assert.Equal(t, float64(3), testutil.ToFloat64(metrics.Lost))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.Printed))
}

func TestStopLatencyBoundedByPollTimeout(t *testing.T) {
	_, _, reader := startPipeline(t, 1024)

	const timeout = 50 * time.Millisecond
	loop := New(reader, nil, &bytes.Buffer{}, zaptest.NewLogger(t), WithPollTimeout(timeout))
	errc := runAsync(loop)
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	loop.Stop()
	require.NoError(t, wait(t, errc))
	assert.Less(t, time.Since(start), timeout+200*time.Millisecond)
}

func TestContextCancelStopsLoop(t *testing.T) {
	_, _, reader := startPipeline(t, 1024)

	ctx, cancel := context.WithCancel(context.Background())
	loop := New(reader, nil, &bytes.Buffer{}, zaptest.NewLogger(t), WithPollTimeout(10*time.Millisecond))
	errc := make(chan error, 1)
	go func() { errc <- loop.Run(ctx) }()

	cancel()
	assert.NoError(t, wait(t, errc))
}

// scriptedReader returns canned results from Poll and Lost.
type scriptedReader struct {
	mu      sync.Mutex
	samples [][]byte
	pollErr error
	lostErr error
	onPoll  func()
}

func (r *scriptedReader) Poll(_ time.Duration, fn func([]byte)) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.onPoll != nil {
		r.onPoll()
	}
	for _, s := range r.samples {
		fn(s)
	}
	n := len(r.samples)
	r.samples = nil
	return n, r.pollErr
}

func (r *scriptedReader) Lost() (uint64, error) { return 0, r.lostErr }
func (r *scriptedReader) Close() error          { return nil }

func TestRunFailures(t *testing.T) {
	boom := errors.New("boom")
	good := make([]byte, types.Size)
	types.Encode(good, 1, 1, []byte("bash"))

	tests := []struct {
		name   string
		reader *scriptedReader
		out    *failingWriter
		is     error
	}{
		{name: "poll error", reader: &scriptedReader{pollErr: boom}, is: boom},
		{name: "closed while running", reader: &scriptedReader{pollErr: channel.ErrClosed}, is: channel.ErrClosed},
		{name: "bad record size", reader: &scriptedReader{samples: [][]byte{make([]byte, 5)}}, is: types.ErrSize},
		{name: "loss counter error", reader: &scriptedReader{lostErr: boom}, is: boom},
		{name: "output error", reader: &scriptedReader{samples: [][]byte{good}}, out: &failingWriter{err: boom}, is: boom},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out io.Writer = &bytes.Buffer{}
			if tt.out != nil {
				out = tt.out
			}
			loop := New(tt.reader, nil, out, zaptest.NewLogger(t))
			err := loop.Run(context.Background())

			var pe *PollError
			require.ErrorAs(t, err, &pe)
			assert.ErrorIs(t, err, tt.is)
		})
	}
}

func TestClosedChannelDuringStopIsClean(t *testing.T) {
	r := &scriptedReader{pollErr: channel.ErrClosed}
	loop := New(r, nil, &bytes.Buffer{}, zaptest.NewLogger(t))
	r.onPoll = loop.Stop

	assert.NoError(t, loop.Run(context.Background()))
}

type failingWriter struct {
	err error
}

func (w *failingWriter) Write([]byte) (int, error) { return 0, w.err }
