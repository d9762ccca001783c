//go:build linux

package platform

import (
	"errors"
	"fmt"
	"io"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
	"go.uber.org/zap"

	"github.com/jnesss/bpf-syscalltrace/channel"
	"github.com/jnesss/bpf-syscalltrace/lifecycle"
)

// Load reads the object file and loads it into the kernel. Verifier
// rejections are logged with the full verifier output.
func (l *Loader) Load(artifact string) (lifecycle.Program, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		l.logger.Warn("Failed to remove memlock limit", zap.Error(err))
	}

	spec, err := ebpf.LoadCollectionSpec(artifact)
	if err != nil {
		return nil, fmt.Errorf("reading object file: %w", err)
	}

	coll, err := ebpf.NewCollectionWithOptions(spec, ebpf.CollectionOptions{})
	if err != nil {
		var ve *ebpf.VerifierError
		if errors.As(err, &ve) {
			l.logger.Error("BPF verifier rejected program", zap.String("log", fmt.Sprintf("%+v", ve)))
		}
		return nil, fmt.Errorf("loading collection: %w", err)
	}

	prog, err := l.selectProgram(coll)
	if err != nil {
		coll.Close()
		return nil, err
	}

	return &collectionProgram{
		coll:    coll,
		prog:    prog,
		lostMap: l.LostMap,
		logger:  l.logger,
	}, nil
}

func (l *Loader) selectProgram(coll *ebpf.Collection) (*ebpf.Program, error) {
	if l.ProgramName != "" {
		prog, ok := coll.Programs[l.ProgramName]
		if !ok {
			return nil, fmt.Errorf("program %q not found in collection", l.ProgramName)
		}
		return prog, nil
	}

	var found *ebpf.Program
	for name, prog := range coll.Programs {
		if prog.Type() != ebpf.TracePoint {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("collection has several tracepoint programs, select one by name (saw %q)", name)
		}
		found = prog
	}
	if found == nil {
		return nil, errors.New("collection has no tracepoint program")
	}
	return found, nil
}

// collectionProgram is a loaded collection with one selected program.
type collectionProgram struct {
	coll    *ebpf.Collection
	prog    *ebpf.Program
	lostMap string
	logger  *zap.Logger
}

func (p *collectionProgram) Attach(hook string) (io.Closer, error) {
	h, err := ParseHook(hook)
	if err != nil {
		return nil, err
	}
	if t := p.prog.Type(); t != ebpf.TracePoint {
		return nil, fmt.Errorf("program type %s cannot attach to tracepoint %s", t, h)
	}

	l, err := link.Tracepoint(h.Group, h.Name, p.prog, nil)
	if err != nil {
		return nil, fmt.Errorf("attaching tracepoint %s: %w", h, err)
	}
	return l, nil
}

func (p *collectionProgram) Channel(name string) (channel.Reader, error) {
	events, ok := p.coll.Maps[name]
	if !ok {
		return nil, fmt.Errorf("map %q not found in collection", name)
	}
	if t := events.Type(); t != ebpf.RingBuf {
		return nil, fmt.Errorf("map %q has type %s, want %s", name, t, ebpf.RingBuf)
	}

	var lost *ebpf.Map
	if p.lostMap != "" {
		lost, ok = p.coll.Maps[p.lostMap]
		if !ok {
			return nil, fmt.Errorf("loss counter map %q not found in collection", p.lostMap)
		}
		if t := lost.Type(); t != ebpf.PerCPUArray {
			return nil, fmt.Errorf("loss counter map %q has type %s, want %s", p.lostMap, t, ebpf.PerCPUArray)
		}
	} else {
		p.logger.Warn("No loss counter map configured, losses will not be reported")
	}

	rd, err := ringbuf.NewReader(events)
	if err != nil {
		return nil, fmt.Errorf("opening ring buffer reader: %w", err)
	}
	var counter lostCounter
	if lost != nil {
		counter = lost
	}
	return newRingChannel(rd, counter, int(events.MaxEntries())), nil
}

func (p *collectionProgram) Close() error {
	p.coll.Close()
	return nil
}
