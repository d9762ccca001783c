package producer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jnesss/bpf-syscalltrace/channel"
	"github.com/jnesss/bpf-syscalltrace/types"
)

const hook = "raw_syscalls/sys_enter"

func trigger(pid uint32, nr int64, comm string) *TriggerContext {
	tc := &TriggerContext{PIDTGID: uint64(pid)<<32 | 7, SyscallID: nr}
	copy(tc.Comm[:], comm)
	return tc
}

func drain(t *testing.T, r channel.Reader) []types.Event {
	t.Helper()
	var out []types.Event
	_, err := r.Poll(100*time.Millisecond, func(raw []byte) {
		ev, err := types.Decode(raw)
		require.NoError(t, err)
		out = append(out, ev)
	})
	require.NoError(t, err)
	return out
}

func TestHandlePublishesRecord(t *testing.T) {
	ring, err := channel.NewRing(1024, types.Size)
	require.NoError(t, err)

	Handle(trigger(100, 59, "bash"), ring)

	got := drain(t, ring)
	require.Len(t, got, 1)
	assert.Equal(t, uint32(100), got[0].PID, "tgid comes from the upper half")
	assert.Equal(t, uint32(59), got[0].SyscallID)
	assert.Equal(t, "bash", got[0].Name())
}

func TestHandleDropsWhenFull(t *testing.T) {
	ring, err := channel.NewRing(32, types.Size)
	require.NoError(t, err)
	require.Equal(t, 1, ring.Frames())

	Handle(trigger(1, 1, "a"), ring)
	Handle(trigger(2, 2, "b"), ring)
	Handle(trigger(3, 3, "c"), ring)

	lost, err := ring.Lost()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), lost)

	got := drain(t, ring)
	require.Len(t, got, 1)
	assert.Equal(t, uint32(1), got[0].PID)
}

func TestProgramAttachLifecycle(t *testing.T) {
	prog, err := NewProgram(1024, "events", hook)
	require.NoError(t, err)

	assert.False(t, prog.Fire(trigger(1, 1, "x")), "unattached program ignores triggers")

	_, err = prog.Attach("sched/sched_switch")
	assert.Error(t, err)

	link, err := prog.Attach(hook)
	require.NoError(t, err)
	assert.True(t, prog.Attached())

	_, err = prog.Attach(hook)
	assert.Error(t, err, "second attachment")

	assert.True(t, prog.Fire(trigger(1, 1, "x")))

	require.NoError(t, link.Close())
	require.NoError(t, link.Close())
	assert.False(t, prog.Attached())
	assert.False(t, prog.Fire(trigger(2, 2, "y")))

	r, err := prog.Channel("events")
	require.NoError(t, err)
	got := drain(t, r)
	require.Len(t, got, 1)
	assert.Equal(t, uint32(1), got[0].PID)

	_, err = prog.Channel("missing")
	assert.Error(t, err)

	require.NoError(t, prog.Close())
	_, err = prog.Attach(hook)
	assert.Error(t, err)
}

func writeProc(t *testing.T, dir, pid, comm, syscall string) {
	t.Helper()
	p := filepath.Join(dir, pid)
	require.NoError(t, os.MkdirAll(p, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(p, "comm"), []byte(comm+"\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(p, "syscall"), []byte(syscall+"\n"), 0o644))
}

func TestSamplerFiresForBlockedTasks(t *testing.T) {
	dir := t.TempDir()
	writeProc(t, dir, "100", "bash", "61 0xffffffff 0x7ffd 0x0 0x0 0x0 0x0 0x7ffd 0x7f00")
	writeProc(t, dir, "200", "vim", "running")
	writeProc(t, dir, "300", "sleep", "230 0x0 0x0 0x7ffe 0x0 0x0 0x0 0x7ffe 0x7f01")
	writeProc(t, dir, "400", "kthreadd", "-1 0x7ffe 0x7f02")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sys"), 0o755))

	prog, err := NewProgram(1024, "events", hook)
	require.NoError(t, err)
	_, err = prog.Attach(hook)
	require.NoError(t, err)

	s := NewSampler(prog, dir, time.Second, zaptest.NewLogger(t))
	n, err := s.SampleOnce()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	r, err := prog.Channel("events")
	require.NoError(t, err)
	got := drain(t, r)
	require.Len(t, got, 2)

	byPID := map[uint32]types.Event{}
	for _, ev := range got {
		byPID[ev.PID] = ev
	}
	assert.Equal(t, "bash", byPID[100].Name())
	assert.Equal(t, uint32(61), byPID[100].SyscallID)
	assert.Equal(t, "sleep", byPID[300].Name())
	assert.Equal(t, uint32(230), byPID[300].SyscallID)
}

func TestSamplerStopsWhenDetached(t *testing.T) {
	dir := t.TempDir()
	writeProc(t, dir, "100", "bash", "61 0x0")

	prog, err := NewProgram(1024, "events", hook)
	require.NoError(t, err)

	n, err := NewSampler(prog, dir, time.Second, nil).SampleOnce()
	require.NoError(t, err)
	assert.Zero(t, n)
}
