package platform

import (
	"errors"

	"go.uber.org/zap"
)

// ErrUnsupported is returned by Load on systems without BPF support.
var ErrUnsupported = errors.New("BPF tracing is only supported on Linux")

// Loader loads a compiled BPF collection from an object file.
type Loader struct {
	// ProgramName selects the program to attach. Empty means the only
	// tracepoint program in the collection.
	ProgramName string

	// LostMap names a per-CPU array whose slot 0 counts records the
	// program could not reserve. Empty disables loss reporting.
	LostMap string

	logger *zap.Logger
}

// NewLoader creates a loader. A nil logger discards output.
func NewLoader(programName, lostMap string, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{
		ProgramName: programName,
		LostMap:     lostMap,
		logger:      logger,
	}
}
