package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is set at link time.
var version = "dev"

func main() {
	cmd, err := newRootCmd()
	if err == nil {
		err = cmd.Execute()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("SYSCALLTRACE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

func newRootCmd() (*cobra.Command, error) {
	v := newViper()
	setDefaults(v)
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "syscalltrace",
		Short: "Print every system call entered on this host",
		Long: `syscalltrace attaches a BPF program to the raw_syscalls/sys_enter
tracepoint and prints one line per system call: the calling process id,
its name and the syscall number. Processes whose name starts with one of
the drop prefixes (and the tracer itself) are not printed.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return readConfigFile(v, cfgFile)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync()

			return run(context.Background(), cfg, logger, cmd.OutOrStdout())
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./.syscalltrace.yaml or $HOME/.syscalltrace.yaml)")

	f := cmd.Flags()
	f.String("artifact", v.GetString("artifact"), "compiled BPF object file")
	f.String("program", v.GetString("program"), "program to attach (empty: the only tracepoint program)")
	f.String("hook", v.GetString("hook"), "tracepoint as group/name")
	f.String("channel", v.GetString("channel"), "ring buffer map name")
	f.String("lost-map", v.GetString("lost_map"), "per-CPU loss counter map name (empty disables loss reporting)")
	f.Duration("poll-timeout", v.GetDuration("poll_timeout"), "ring buffer poll timeout")
	f.StringSlice("drop-prefixes", v.GetStringSlice("drop_prefixes"), "process name prefixes to suppress")
	f.Int("filter-cache-size", v.GetInt("filter_cache_size"), "drop decisions cached per process name (0 disables)")
	f.String("rules-dir", "", "directory with Sigma rules whose matches are suppressed")
	f.Duration("stats-interval", 0, "log a statistics summary this often (0 disables)")
	f.String("metrics-listen", "", "serve /metrics and /api/status on this address")
	f.String("log-level", v.GetString("log_level"), "log level (debug, info, warn, error)")
	f.Bool("dry-run", false, "sample /proc instead of loading a BPF program")
	f.Duration("sample-interval", v.GetDuration("sample_interval"), "dry-run /proc sampling interval")

	for _, name := range []string{
		"artifact", "program", "hook", "channel", "lost-map", "poll-timeout",
		"drop-prefixes", "filter-cache-size", "rules-dir", "stats-interval",
		"metrics-listen", "log-level", "dry-run", "sample-interval",
	} {
		if err := v.BindPFlag(strings.ReplaceAll(name, "-", "_"), f.Lookup(name)); err != nil {
			return nil, fmt.Errorf("binding flag %s: %w", name, err)
		}
	}

	cmd.AddCommand(newVersionCmd())
	return cmd, nil
}

func readConfigFile(v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config file: %w", err)
		}
		return nil
	}

	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(home)
	}
	v.SetConfigType("yaml")
	v.SetConfigName(".syscalltrace")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("reading config file: %w", err)
		}
	}
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "syscalltrace %s\n", version)
		},
	}
}
