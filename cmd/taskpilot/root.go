package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"taskpilot/internal/shared/config"
	"taskpilot/internal/shared/logging"
)

const version = "0.3.0"

// cli carries state shared by all subcommands.
type cli struct {
	out    io.Writer
	errOut io.Writer
	flags  *viper.Viper
}

func isTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

func newRootCommand(out, errOut io.Writer) *cobra.Command {
	c := &cli{out: out, errOut: errOut, flags: viper.New()}

	root := &cobra.Command{
		Use:           "taskpilot",
		Short:         "Run and follow streaming agent tasks",
		Long:          "taskpilot creates agent tasks, follows their live event streams, and resolves approval requests.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.String("config", "", "Path to the YAML config file (default ~/"+config.DefaultConfigFileName+")")
	pf.String("base-url", "", "Task server base URL")
	pf.String("token", "", "Session token sent as a bearer token")
	pf.String("user", "", "Acting user id")
	pf.Duration("timeout", 0, "Per-request timeout")
	pf.String("log-level", "", "Log level (debug, info, warn, error)")
	pf.String("metrics-addr", "", "Serve Prometheus metrics on this address")
	pf.String("trace-exporter", "", "Trace exporter (none, otlp, zipkin)")
	pf.String("trace-endpoint", "", "Trace collector endpoint")
	pf.Bool("no-color", false, "Disable colored output")
	if err := c.flags.BindPFlags(pf); err != nil {
		panic(err)
	}

	root.AddCommand(
		newRunCommand(c),
		newWatchCommand(c),
		newCancelCommand(c),
		newApproveCommand(c),
		newHistoryCommand(c),
		newStatusCommand(c),
		newDevServerCommand(c),
		newConfigCommand(c),
	)
	return root
}

// loadConfig layers flags that were set explicitly over file and environment.
func (c *cli) loadConfig(cmd *cobra.Command) (config.RuntimeConfig, config.Metadata, error) {
	changed := func(name string) bool {
		f := cmd.Flags().Lookup(name)
		return f != nil && f.Changed
	}
	var overrides config.Overrides
	str := func(name string) *string {
		if !changed(name) {
			return nil
		}
		v := c.flags.GetString(name)
		return &v
	}
	overrides.BaseURL = str("base-url")
	overrides.SessionToken = str("token")
	overrides.UserID = str("user")
	overrides.LogLevel = str("log-level")
	overrides.MetricsAddr = str("metrics-addr")
	overrides.TraceExporter = str("trace-exporter")
	overrides.TraceEndpoint = str("trace-endpoint")
	if changed("timeout") {
		d := c.flags.GetDuration("timeout")
		overrides.RequestTimeout = &d
	}

	opts := []config.Option{config.WithOverrides(overrides)}
	if path := c.flags.GetString("config"); path != "" {
		opts = append(opts, config.WithConfigPath(path))
	}
	cfg, meta, err := config.Load(opts...)
	if err != nil {
		return cfg, meta, err
	}

	if c.flags.GetBool("no-color") || !isTTY() {
		color.NoColor = true
	}
	logging.Configure(c.errOut, logging.ParseLevel(cfg.LogLevel))
	return cfg, meta, nil
}

// withContainer loads config, wires the client and runs fn.
func (c *cli) withContainer(cmd *cobra.Command, fn func(*Container) error) error {
	cfg, meta, err := c.loadConfig(cmd)
	if err != nil {
		return err
	}
	container, err := buildContainer(cfg, meta)
	if err != nil {
		return err
	}
	defer func() {
		if err := container.Cleanup(); err != nil {
			fmt.Fprintf(c.errOut, "cleanup: %v\n", err)
		}
	}()
	return fn(container)
}

func newConfigCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration and where each value came from",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, meta, err := c.loadConfig(cmd)
			if err != nil {
				return err
			}
			token := "(unset)"
			if cfg.SessionToken != "" {
				token = "(set)"
			}
			rows := []struct{ field, value string }{
				{"base_url", cfg.BaseURL},
				{"session_token", token},
				{"user_id", cfg.UserID},
				{"request_timeout", cfg.RequestTimeout.String()},
				{"stream_open_retries", fmt.Sprint(cfg.StreamOpenRetries)},
				{"max_event_bytes", fmt.Sprint(cfg.MaxEventBytes)},
				{"history_cache_size", fmt.Sprint(cfg.HistoryCacheSize)},
				{"log_level", cfg.LogLevel},
				{"metrics_addr", cfg.MetricsAddr},
				{"trace_exporter", cfg.TraceExporter},
				{"trace_endpoint", cfg.TraceEndpoint},
				{"dev_server_addr", cfg.DevServerAddr},
			}
			for _, r := range rows {
				fmt.Fprintf(c.out, "%-20s %-32s %s\n", r.field, r.value, gray(string(meta.Source(r.field))))
			}
			if meta.Path() != "" {
				fmt.Fprintf(c.out, "\nloaded %s at %s\n", meta.Path(), meta.LoadedAt().Format(time.RFC3339))
			}
			return nil
		},
	}
}
