// Package sigma drops events that match Sigma rules. Rules are read from
// the enabled_rules directory under the configured rules directory and
// reloaded when files there change.
package sigma

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/bradleyjkemp/sigma-go"
	"github.com/bradleyjkemp/sigma-go/evaluator"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/jnesss/bpf-syscalltrace/types"
)

// Field names exposed to rules.
const (
	FieldImage       = "Image"
	FieldProcessName = "ProcessName"
	FieldProcessID   = "ProcessId"
	FieldSyscallID   = "SyscallId"
)

// Detector evaluates events against the loaded rules.
type Detector struct {
	RulesDir string

	logger     *zap.Logger
	watcher    *fsnotify.Watcher
	evaluators atomic.Pointer[[]*evaluator.RuleEvaluator]
	matches    atomic.Uint64
}

func fieldConfig() sigma.Config {
	return sigma.Config{
		Title: "syscalltrace",
		FieldMappings: map[string]sigma.FieldMapping{
			FieldImage:       {TargetNames: []string{FieldImage}},
			FieldProcessName: {TargetNames: []string{FieldProcessName}},
			FieldProcessID:   {TargetNames: []string{FieldProcessID}},
			FieldSyscallID:   {TargetNames: []string{FieldSyscallID}},
		},
	}
}

// NewDetector loads the rules and starts watching for changes. Call Run
// to apply changes and Close to stop watching.
func NewDetector(rulesDir string, logger *zap.Logger) (*Detector, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	enabledDir := filepath.Join(rulesDir, "enabled_rules")
	if err := os.MkdirAll(enabledDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", enabledDir, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := watcher.Add(enabledDir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", enabledDir, err)
	}

	d := &Detector{
		RulesDir: rulesDir,
		logger:   logger,
		watcher:  watcher,
	}
	if err := d.LoadRules(); err != nil {
		watcher.Close()
		return nil, err
	}
	return d, nil
}

// LoadRules replaces the active rule set with the rules currently on disk.
// Files that fail to parse are skipped with a warning.
func (d *Detector) LoadRules() error {
	enabledDir := filepath.Join(d.RulesDir, "enabled_rules")
	entries, err := os.ReadDir(enabledDir)
	if err != nil {
		return fmt.Errorf("reading rules directory: %w", err)
	}

	evaluators := make([]*evaluator.RuleEvaluator, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !isRuleFile(entry.Name()) {
			continue
		}
		path := filepath.Join(enabledDir, entry.Name())
		ev, err := loadRuleFile(path)
		if err != nil {
			d.logger.Warn("Skipping rule file", zap.String("path", path), zap.Error(err))
			continue
		}
		d.logger.Debug("Loaded rule", zap.String("title", ev.Rule.Title), zap.String("id", ev.Rule.ID))
		evaluators = append(evaluators, ev)
	}

	d.evaluators.Store(&evaluators)
	d.logger.Info("Loaded Sigma rules", zap.Int("count", len(evaluators)), zap.String("dir", enabledDir))
	return nil
}

func isRuleFile(name string) bool {
	ext := filepath.Ext(name)
	return ext == ".yml" || ext == ".yaml"
}

func loadRuleFile(path string) (*evaluator.RuleEvaluator, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if sigma.InferFileType(content) != sigma.RuleFile {
		return nil, fmt.Errorf("not a Sigma rule")
	}
	rule, err := sigma.ParseRule(content)
	if err != nil {
		return nil, err
	}

	return evaluator.ForRule(rule,
		evaluator.WithConfig(fieldConfig()),
		evaluator.WithPlaceholderExpander(func(ctx context.Context, placeholderName string) ([]string, error) {
			return nil, nil
		}),
		// Events are evaluated one at a time; aggregations never fire.
		evaluator.CountImplementation(func(ctx context.Context, key evaluator.GroupedByValues) (float64, error) {
			return 0, nil
		}),
		evaluator.SumImplementation(func(ctx context.Context, key evaluator.GroupedByValues, value float64) (float64, error) {
			return 0, nil
		}),
		evaluator.AverageImplementation(func(ctx context.Context, key evaluator.GroupedByValues, value float64) (float64, error) {
			return 0, nil
		}),
	), nil
}

// Rules returns the number of active rules.
func (d *Detector) Rules() int {
	if evs := d.evaluators.Load(); evs != nil {
		return len(*evs)
	}
	return 0
}

// Matches returns how many events matched a rule so far.
func (d *Detector) Matches() uint64 {
	return d.matches.Load()
}

// Drop reports whether any rule matches ev.
func (d *Detector) Drop(ev types.Event) bool {
	evs := d.evaluators.Load()
	if evs == nil || len(*evs) == 0 {
		return false
	}

	name := ev.Name()
	fields := map[string]interface{}{
		FieldImage:       name,
		FieldProcessName: name,
		FieldProcessID:   int64(ev.PID),
		FieldSyscallID:   int64(ev.SyscallID),
	}

	ctx := context.Background()
	for _, re := range *evs {
		result, err := re.Matches(ctx, fields)
		if err != nil {
			d.logger.Debug("Rule evaluation failed", zap.String("id", re.Rule.ID), zap.Error(err))
			continue
		}
		if result.Match {
			d.matches.Add(1)
			return true
		}
	}
	return false
}

// Run reloads the rules on every change under the rules directory until
// ctx is done or the detector is closed.
func (d *Detector) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".yml") && !strings.HasSuffix(event.Name, ".yaml") {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			d.logger.Info("Detected rule change", zap.String("file", event.Name), zap.String("op", event.Op.String()))
			if err := d.LoadRules(); err != nil {
				d.logger.Error("Reloading rules failed", zap.Error(err))
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Warn("File watcher error", zap.Error(err))
		}
	}
}

// Close stops watching the rules directory.
func (d *Detector) Close() error {
	return d.watcher.Close()
}
