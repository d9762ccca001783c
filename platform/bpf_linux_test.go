//go:build linux

package platform

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestLoadMissingArtifact(t *testing.T) {
	l := NewLoader("", "lost", zaptest.NewLogger(t))
	_, err := l.Load(filepath.Join(t.TempDir(), "missing.bpf.o"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadMalformedArtifact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.bpf.o")
	require.NoError(t, os.WriteFile(path, []byte("not an ELF file"), 0o644))

	l := NewLoader("trace_sys_enter", "lost", zaptest.NewLogger(t))
	_, err := l.Load(path)
	assert.Error(t, err)
}
