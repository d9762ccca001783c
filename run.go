package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/jnesss/bpf-syscalltrace/channel"
	"github.com/jnesss/bpf-syscalltrace/consumer"
	"github.com/jnesss/bpf-syscalltrace/lifecycle"
	"github.com/jnesss/bpf-syscalltrace/platform"
	"github.com/jnesss/bpf-syscalltrace/process"
	"github.com/jnesss/bpf-syscalltrace/producer"
	"github.com/jnesss/bpf-syscalltrace/sigma"
	"github.com/jnesss/bpf-syscalltrace/web"
)

// run wires the pipeline and blocks until SIGINT/SIGTERM or a fatal
// consumer error. The pipeline is always torn down before returning.
func run(ctx context.Context, cfg Config, logger *zap.Logger, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	filter, detector, err := buildFilter(cfg, logger)
	if err != nil {
		return err
	}
	if detector != nil {
		defer detector.Close()
		go detector.Run(ctx)
	}

	var (
		loader lifecycle.Loader
		inproc *producer.Program
	)
	if cfg.DryRun {
		logger.Info("Dry run: sampling /proc instead of loading a BPF program")
		loader = lifecycle.LoaderFunc(func(string) (lifecycle.Program, error) {
			prog, err := producer.NewProgram(channel.DefaultCapacity, cfg.Channel, cfg.Hook)
			inproc = prog
			return prog, err
		})
	} else {
		checkPrivileges(logger)
		loader = platform.NewLoader(cfg.Program, cfg.LostMap, logger)
	}

	mgr := lifecycle.New(loader, lifecycle.Config{
		Artifact: cfg.Artifact,
		Hook:     cfg.Hook,
		Channel:  cfg.Channel,
	}, logger)

	reader, err := mgr.Start()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := consumer.NewMetrics(reg)
	if err != nil {
		return errors.Join(err, mgr.Shutdown())
	}

	loop := consumer.New(reader, filter, out, logger,
		consumer.WithPollTimeout(cfg.PollTimeout),
		consumer.WithStatsInterval(cfg.StatsInterval),
		consumer.WithMetrics(metrics))

	if inproc != nil {
		sampler := producer.NewSampler(inproc, "/proc", cfg.SampleInterval, logger)
		go sampler.Run(ctx)
	}

	if cfg.MetricsListen != "" {
		started := time.Now()
		srv := web.NewServer(cfg.MetricsListen, reg, func() web.Status {
			s := loop.Stats()
			st := web.Status{
				State:    mgr.State().String(),
				Uptime:   time.Since(started).Round(time.Second).String(),
				Received: s.Received,
				Printed:  s.Printed,
				Filtered: s.Filtered,
				Lost:     s.Lost,
				Polls:    s.Polls,
			}
			if detector != nil {
				st.SigmaRules = detector.Rules()
				st.SigmaMatches = detector.Matches()
			}
			return st
		}, logger)
		go func() {
			if err := srv.Start(ctx); err != nil {
				logger.Error("Web server error", zap.Error(err))
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)
	go func() {
		select {
		case s := <-sig:
			logger.Info("Received signal, stopping", zap.String("signal", s.String()))
			loop.Stop()
		case <-ctx.Done():
		}
	}()

	runErr := loop.Run(ctx)
	cancel()
	if runErr != nil {
		logger.Error("Consumer loop failed", zap.Error(runErr))
	}
	return errors.Join(runErr, mgr.Shutdown())
}

// buildFilter drops the configured prefixes, the tracer's own name and,
// when a rules directory is set, events matching a Sigma rule.
func buildFilter(cfg Config, logger *zap.Logger) (process.Filter, *sigma.Detector, error) {
	prefixes := append(append([]string{}, cfg.DropPrefixes...), process.SelfName())
	prefix, err := process.NewPrefixFilter(prefixes, cfg.FilterCacheSize)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("Dropping processes by name prefix", zap.Strings("prefixes", prefix.Prefixes()))

	if cfg.RulesDir == "" {
		return prefix, nil, nil
	}
	detector, err := sigma.NewDetector(cfg.RulesDir, logger)
	if err != nil {
		return nil, nil, err
	}
	return process.Chain{prefix, detector}, detector, nil
}
