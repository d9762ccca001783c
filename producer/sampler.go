package producer

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// Sampler drives a Program from /proc when no kernel hook is available.
// Every interval it reads /proc/<pid>/syscall for each process and fires
// one trigger for every task currently blocked in a syscall.
type Sampler struct {
	prog     *Program
	procDir  string
	interval time.Duration
	logger   *zap.Logger
}

// NewSampler creates a sampler reading procDir (normally "/proc").
func NewSampler(prog *Program, procDir string, interval time.Duration, logger *zap.Logger) *Sampler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sampler{
		prog:     prog,
		procDir:  procDir,
		interval: interval,
		logger:   logger,
	}
}

// Run samples until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Starting /proc syscall sampler",
		zap.String("proc_dir", s.procDir),
		zap.Duration("interval", s.interval))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.SampleOnce(); err != nil {
				s.logger.Warn("Sampling /proc failed", zap.Error(err))
			}
		}
	}
}

// SampleOnce scans procDir once and returns the number of triggers fired.
func (s *Sampler) SampleOnce() (int, error) {
	entries, err := os.ReadDir(s.procDir)
	if err != nil {
		return 0, err
	}

	fired := 0
	for _, entry := range entries {
		pid, err := strconv.ParseUint(entry.Name(), 10, 32)
		if err != nil || !entry.IsDir() {
			continue
		}

		nr, ok := s.readSyscall(entry.Name())
		if !ok {
			continue
		}

		tc := TriggerContext{
			PIDTGID:   pid<<32 | pid,
			SyscallID: nr,
		}
		if comm, err := os.ReadFile(filepath.Join(s.procDir, entry.Name(), "comm")); err == nil {
			copy(tc.Comm[:], bytes.TrimRight(comm, "\n"))
		}

		if !s.prog.Fire(&tc) {
			return fired, nil
		}
		fired++
	}
	return fired, nil
}

// readSyscall parses the first field of /proc/<pid>/syscall. Tasks that are
// running in userspace report "running" or -1 and are skipped.
func (s *Sampler) readSyscall(pid string) (int64, bool) {
	data, err := os.ReadFile(filepath.Join(s.procDir, pid, "syscall"))
	if err != nil {
		return 0, false
	}
	fields := bytes.Fields(data)
	if len(fields) == 0 {
		return 0, false
	}
	nr, err := strconv.ParseInt(string(fields[0]), 10, 64)
	if err != nil || nr < 0 {
		return 0, false
	}
	return nr, true
}
