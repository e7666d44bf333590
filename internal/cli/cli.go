// Package cli implements the planner command line.
//
//	planner serve                 run the API and/or the execution engine
//	planner schedule --type ...   schedule a task, optionally waiting for its result
//	planner get|status <id>       inspect a task
//	planner list [--pending]      list tasks
//	planner cancel <id>           cancel a pending task
//	planner reschedule <id> ...   move a pending task
//	planner stats                 count tasks by status
//	planner cleanup               remove finished tasks
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/muaviaUsmani/planner/internal/config"
	"github.com/muaviaUsmani/planner/internal/logger"
	"github.com/muaviaUsmani/planner/pkg/client"
)

// Version is stamped at build time
var Version = "dev"

type app struct {
	configFile string
	opts       []client.Option
}

// BuildCLI returns the root command
func BuildCLI(opts ...client.Option) *cobra.Command {
	a := &app{opts: opts}

	root := &cobra.Command{
		Use:   "planner",
		Short: "Delayed-task scheduler with personalized fan-out",
		Long: `planner stores tasks to run at a future time and dispatches them to
type-specific handlers: log messages, email, push, orchestrated
notifications and per-recipient personalized email.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&a.configFile, "config", "c", "", "YAML config file (default $"+config.ConfigFileEnv+")")

	root.AddCommand(
		a.serveCommand(),
		a.scheduleCommand(),
		a.getCommand(),
		a.statusCommand(),
		a.listCommand(),
		a.cancelCommand(),
		a.rescheduleCommand(),
		a.statsCommand(),
		a.cleanupCommand(),
	)
	return root
}

func (a *app) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadConfig(a.configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.Logging.Console.Output = cmd.ErrOrStderr()
	return cfg, nil
}

// connect builds a client for cfg. The returned func closes the client and
// the logger.
func (a *app) connect(cmd *cobra.Command, cfg *config.Config) (*client.Client, logger.Logger, func(), error) {
	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.SetDefault(log)

	opts := append([]client.Option{client.WithLogger(log)}, a.opts...)
	c, err := client.New(cmd.Context(), cfg, opts...)
	if err != nil {
		log.Close()
		return nil, nil, nil, err
	}

	cliLog := log.WithComponent(logger.ComponentCLI)
	closer := func() {
		if err := c.Close(); err != nil {
			cliLog.Warn("Failed to close client", "error", err)
		}
		log.Close()
	}
	return c, cliLog, closer, nil
}

// open loads the config and connects in one step
func (a *app) open(cmd *cobra.Command) (*client.Client, func(), error) {
	cfg, err := a.loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	c, _, closer, err := a.connect(cmd, cfg)
	return c, closer, err
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// resolveTime picks the execution time from --at or --in
func resolveTime(at string, in time.Duration, now time.Time) (time.Time, error) {
	switch {
	case at != "" && in != 0:
		return time.Time{}, fmt.Errorf("--at and --in are mutually exclusive")
	case at != "":
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid --at %q: must be RFC 3339", at)
		}
		return t, nil
	case in != 0:
		return now.Add(in), nil
	default:
		return time.Time{}, fmt.Errorf("one of --at or --in is required")
	}
}
