package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jnesss/bpf-syscalltrace/consumer"
	"github.com/jnesss/bpf-syscalltrace/platform"
	"github.com/jnesss/bpf-syscalltrace/process"
)

// Config is the resolved command configuration.
type Config struct {
	Artifact        string
	Program         string
	Hook            string
	Channel         string
	LostMap         string
	PollTimeout     time.Duration
	DropPrefixes    []string
	FilterCacheSize int
	RulesDir        string
	StatsInterval   time.Duration
	MetricsListen   string
	LogLevel        string
	DryRun          bool
	SampleInterval  time.Duration
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("artifact", "trace_syscalls.bpf.o")
	v.SetDefault("program", "trace_sys_enter")
	v.SetDefault("hook", "raw_syscalls/sys_enter")
	v.SetDefault("channel", "events")
	v.SetDefault("lost_map", "lost")
	v.SetDefault("poll_timeout", consumer.DefaultPollTimeout)
	v.SetDefault("drop_prefixes", process.DefaultDropPrefixes)
	v.SetDefault("filter_cache_size", 1024)
	v.SetDefault("rules_dir", "")
	v.SetDefault("stats_interval", time.Duration(0))
	v.SetDefault("metrics_listen", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("dry_run", false)
	v.SetDefault("sample_interval", 100*time.Millisecond)
}

func loadConfig(v *viper.Viper) (Config, error) {
	cfg := Config{
		Artifact:        v.GetString("artifact"),
		Program:         v.GetString("program"),
		Hook:            v.GetString("hook"),
		Channel:         v.GetString("channel"),
		LostMap:         v.GetString("lost_map"),
		PollTimeout:     v.GetDuration("poll_timeout"),
		DropPrefixes:    splitList(v.GetStringSlice("drop_prefixes")),
		FilterCacheSize: v.GetInt("filter_cache_size"),
		RulesDir:        v.GetString("rules_dir"),
		StatsInterval:   v.GetDuration("stats_interval"),
		MetricsListen:   v.GetString("metrics_listen"),
		LogLevel:        v.GetString("log_level"),
		DryRun:          v.GetBool("dry_run"),
		SampleInterval:  v.GetDuration("sample_interval"),
	}
	return cfg, cfg.validate()
}

// splitList accepts both list values and comma separated strings, as env
// values only split on whitespace.
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, s := range strings.Split(item, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func (c Config) validate() error {
	var errs []error
	if c.Artifact == "" && !c.DryRun {
		errs = append(errs, errors.New("artifact must be set"))
	}
	if _, err := platform.ParseHook(c.Hook); err != nil {
		errs = append(errs, err)
	}
	if c.Channel == "" {
		errs = append(errs, errors.New("channel must be set"))
	}
	if c.PollTimeout <= 0 {
		errs = append(errs, fmt.Errorf("poll_timeout must be positive, got %s", c.PollTimeout))
	}
	if c.FilterCacheSize < 0 {
		errs = append(errs, fmt.Errorf("filter_cache_size must not be negative, got %d", c.FilterCacheSize))
	}
	if c.StatsInterval < 0 {
		errs = append(errs, fmt.Errorf("stats_interval must not be negative, got %s", c.StatsInterval))
	}
	if c.DryRun && c.SampleInterval <= 0 {
		errs = append(errs, fmt.Errorf("sample_interval must be positive, got %s", c.SampleInterval))
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// newLogger builds the stderr logger. Debug level switches to the
// development encoder.
func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}

	zc := zap.NewProductionConfig()
	if lvl == zapcore.DebugLevel {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}
	return zc.Build()
}
