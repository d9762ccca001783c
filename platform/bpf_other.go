//go:build !linux

package platform

import (
	"github.com/jnesss/bpf-syscalltrace/lifecycle"
)

// Load always fails outside Linux.
func (l *Loader) Load(artifact string) (lifecycle.Program, error) {
	return nil, ErrUnsupported
}
