package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/muaviaUsmani/planner/internal/api"
	"github.com/muaviaUsmani/planner/internal/config"
)

func (a *app) serveCommand() *cobra.Command {
	var mode string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the execution engine",
		Long: `Run the HTTP API, the execution engine, or both (the default).
Several engine processes may share one store; each task is claimed by
exactly one of them.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}
			if mode != "" {
				cfg.Mode = config.Mode(mode)
				if err := cfg.Validate(); err != nil {
					return err
				}
			}

			c, log, closer, err := a.connect(cmd, cfg)
			if err != nil {
				return err
			}
			defer closer()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log.Info("Planner starting", "config", cfg.String())

			if cfg.Mode.RunsEngine() {
				if err := c.Start(ctx); err != nil {
					return fmt.Errorf("failed to start engine: %w", err)
				}
			}

			if cfg.Mode.RunsAPI() {
				srv := api.NewServer(c, api.WithLogger(log))
				if err := srv.ListenAndServe(ctx, ":"+cfg.APIPort); err != nil {
					return fmt.Errorf("API server failed: %w", err)
				}
			} else {
				<-ctx.Done()
			}

			log.Info("Shutdown signal received, stopping gracefully")
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "all, api or engine (overrides MODE)")
	return cmd
}
