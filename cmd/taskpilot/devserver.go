package main

import (
	"time"

	"github.com/spf13/cobra"

	"taskpilot/internal/delivery/devserver"
	"taskpilot/internal/shared/logging"
)

func newDevServerCommand(c *cli) *cobra.Command {
	var (
		addr      string
		token     string
		stepDelay time.Duration
		debug     bool
	)
	cmd := &cobra.Command{
		Use:   "dev-server",
		Short: "Run a scripted task server for local development",
		Long: `Run a scripted task server that speaks the task API and event stream.

Keywords in a task's input pick the scenario: "todo", "tool", "approve",
"spawn" and "fail". Anything else gets an echo reply.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := c.loadConfig(cmd)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.DevServerAddr
			}
			serverCfg := devserver.DefaultConfig()
			serverCfg.Token = token
			serverCfg.Debug = debug
			if stepDelay > 0 {
				serverCfg.StepDelay = stepDelay
			}

			ctx, stop := signalContext(cmd)
			defer stop()
			return devserver.New(serverCfg, logging.NewComponentLogger("DevServer")).Run(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from config)")
	cmd.Flags().StringVar(&token, "require-token", "", "Require this bearer token on API requests")
	cmd.Flags().DurationVar(&stepDelay, "step-delay", 0, "Delay between scripted events")
	cmd.Flags().BoolVar(&debug, "debug", false, "Run gin in debug mode")
	return cmd
}
