//go:build linux

package platform

import (
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/cilium/ebpf/ringbuf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnesss/bpf-syscalltrace/channel"
	"github.com/jnesss/bpf-syscalltrace/types"
)

// fakeReader serves queued records, then either an error or, when
// endless is set, a fresh record on every read.
type fakeReader struct {
	records   [][]byte
	endless   bool
	err       error
	delay     time.Duration
	deadlines []time.Time
	reads     int
	closes    int
}

func (r *fakeReader) SetDeadline(t time.Time) { r.deadlines = append(r.deadlines, t) }

func (r *fakeReader) ReadInto(rec *ringbuf.Record) error {
	r.reads++
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	if len(r.records) > 0 {
		rec.RawSample = r.records[0]
		r.records = r.records[1:]
		return nil
	}
	if r.endless {
		rec.RawSample = make([]byte, types.Size)
		return nil
	}
	if r.err != nil {
		return r.err
	}
	return fmt.Errorf("epoll wait: %w", os.ErrDeadlineExceeded)
}

func (r *fakeReader) Close() error {
	r.closes++
	return nil
}

type fakeLost struct {
	perCPU []uint64
	err    error
}

func (l *fakeLost) Lookup(key, valueOut interface{}) error {
	if l.err != nil {
		return l.err
	}
	*valueOut.(*[]uint64) = append([]uint64(nil), l.perCPU...)
	return nil
}

func record(pid uint32) []byte {
	b := make([]byte, types.Size)
	types.Encode(b, pid, 1, []byte("bash"))
	return b
}

func TestRingChannelPollDrains(t *testing.T) {
	rd := &fakeReader{records: [][]byte{record(1), record(2), record(3)}}
	c := newRingChannel(rd, nil, 1<<24)

	var pids []uint32
	start := time.Now()
	n, err := c.Poll(time.Second, func(raw []byte) {
		ev, err := types.Decode(raw)
		require.NoError(t, err)
		pids = append(pids, ev.PID)
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []uint32{1, 2, 3}, pids)

	// First read waits up to the timeout, the rest must not block.
	require.Len(t, rd.deadlines, 2)
	assert.WithinDuration(t, start.Add(time.Second), rd.deadlines[0], 100*time.Millisecond)
	assert.True(t, rd.deadlines[1].Before(start))
}

func TestRingChannelPollTimeout(t *testing.T) {
	c := newRingChannel(&fakeReader{}, nil, 1<<24)
	n, err := c.Poll(10*time.Millisecond, func([]byte) { t.Fatal("unexpected record") })
	assert.NoError(t, err)
	assert.Zero(t, n)
}

func TestRingChannelPollBoundedUnderLoad(t *testing.T) {
	// 4 KiB ring of 32-byte frames: at most 128 records per poll.
	rd := &fakeReader{endless: true}
	c := newRingChannel(rd, nil, 4096)

	n, err := c.Poll(time.Second, func([]byte) {})
	require.NoError(t, err)
	assert.Equal(t, 4096/(channel.HeaderSize+types.Size), n)
	assert.Equal(t, n, rd.reads)
}

func TestRingChannelPollStopsAtDeadline(t *testing.T) {
	rd := &fakeReader{endless: true, delay: 5 * time.Millisecond}
	c := newRingChannel(rd, nil, 1<<24)

	start := time.Now()
	n, err := c.Poll(30*time.Millisecond, func([]byte) {})
	require.NoError(t, err)
	assert.Positive(t, n)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestRingChannelPollErrors(t *testing.T) {
	boom := errors.New("boom")

	rd := &fakeReader{records: [][]byte{record(1)}, err: fmt.Errorf("ringbuffer: %w", ringbuf.ErrClosed)}
	n, err := newRingChannel(rd, nil, 1<<24).Poll(time.Second, func([]byte) {})
	assert.Equal(t, 1, n)
	assert.ErrorIs(t, err, channel.ErrClosed)

	_, err = newRingChannel(&fakeReader{err: boom}, nil, 1<<24).Poll(time.Second, func([]byte) {})
	assert.ErrorIs(t, err, boom)
}

func TestRingChannelLost(t *testing.T) {
	total, err := newRingChannel(&fakeReader{}, nil, 1<<24).Lost()
	require.NoError(t, err)
	assert.Zero(t, total)

	total, err = newRingChannel(&fakeReader{}, &fakeLost{perCPU: []uint64{3, 0, 4}}, 1<<24).Lost()
	require.NoError(t, err)
	assert.Equal(t, uint64(7), total)

	boom := errors.New("boom")
	_, err = newRingChannel(&fakeReader{}, &fakeLost{err: boom}, 1<<24).Lost()
	assert.ErrorIs(t, err, boom)
}

func TestRingChannelCloseOnce(t *testing.T) {
	rd := &fakeReader{}
	c := newRingChannel(rd, nil, 1<<24)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, 1, rd.closes)
}
