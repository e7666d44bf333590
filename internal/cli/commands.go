package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/muaviaUsmani/planner/internal/scheduler"
	"github.com/muaviaUsmani/planner/internal/task"
)

func (a *app) scheduleCommand() *cobra.Command {
	var (
		typ            string
		data           string
		dataFile       string
		at             string
		in             time.Duration
		priority       string
		maxRetries     int
		retryDelay     time.Duration
		individual     bool
		recipients     string
		recipientCount int
		wait           time.Duration
	)

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Schedule a task",
		Example: `  planner schedule --type custom --data '{"message":"hello"}' --in 10m
  planner schedule --type individual_email --data-file email.json \
      --individual --recipients '[{"user_id":"u1","variables":{"firstName":"Ann"}}]' \
      --at 2026-12-01T09:00:00Z --wait 2m`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			payload, err := readData(data, dataFile)
			if err != nil {
				return err
			}
			executeAt, err := resolveTime(at, in, time.Now())
			if err != nil {
				return err
			}

			input := scheduler.Input{
				Type:                   task.Type(typ),
				Data:                   payload,
				ExecuteAt:              executeAt,
				Priority:               task.Priority(priority),
				SendIndividualMessages: individual,
			}
			if cmd.Flags().Changed("max-retries") {
				input.RetryPolicy = &task.RetryPolicy{MaxRetries: maxRetries, RetryDelayMs: retryDelay.Milliseconds()}
			}
			if recipients != "" {
				var raw any
				if err := json.Unmarshal([]byte(recipients), &raw); err != nil {
					return fmt.Errorf("invalid --recipients: %w", err)
				}
				if input.PerUserVariables, err = task.ParseRecipients(raw); err != nil {
					return err
				}
			}
			if cmd.Flags().Changed("recipient-count") {
				input.RecipientCount = &recipientCount
			}

			c, closer, err := a.open(cmd)
			if err != nil {
				return err
			}
			defer closer()

			id, err := c.Schedule(cmd.Context(), input)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)

			if wait <= 0 {
				return nil
			}
			exec, err := c.WaitForResult(cmd.Context(), id, wait)
			if err != nil {
				return err
			}
			if exec == nil {
				return fmt.Errorf("timed out after %s waiting for task %s", wait, id)
			}
			if err := printJSON(cmd.OutOrStdout(), exec); err != nil {
				return err
			}
			if exec.IsFailed() {
				return fmt.Errorf("task %s failed: %s", id, exec.Result.Message)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&typ, "type", "t", "", "task type")
	cmd.Flags().StringVarP(&data, "data", "d", "", "task data as a JSON object")
	cmd.Flags().StringVar(&dataFile, "data-file", "", "read task data from a JSON file")
	cmd.Flags().StringVar(&at, "at", "", "execution time (RFC 3339)")
	cmd.Flags().DurationVar(&in, "in", 0, "execute after this delay")
	cmd.Flags().StringVarP(&priority, "priority", "p", "", "high, normal or low (default normal)")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "retries after a failed execution")
	cmd.Flags().DurationVar(&retryDelay, "retry-delay", 30*time.Second, "delay between retries")
	cmd.Flags().BoolVar(&individual, "individual", false, "send one personalized message per recipient")
	cmd.Flags().StringVar(&recipients, "recipients", "", "per_user_variables as a JSON array")
	cmd.Flags().IntVar(&recipientCount, "recipient-count", 0, "expected number of recipients")
	cmd.Flags().DurationVar(&wait, "wait", 0, "wait up to this long for the execution result")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func readData(inline, file string) (task.Data, error) {
	if inline != "" && file != "" {
		return nil, fmt.Errorf("--data and --data-file are mutually exclusive")
	}
	raw := []byte(inline)
	if file != "" {
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read data file: %w", err)
		}
		raw = b
	}
	if len(raw) == 0 {
		return task.Data{}, nil
	}
	var d task.Data
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("task data must be a JSON object: %w", err)
	}
	return d, nil
}

func (a *app) getCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, closer, err := a.open(cmd)
			if err != nil {
				return err
			}
			defer closer()

			t, err := c.GetTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), t)
		},
	}
}

func (a *app) statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>",
		Short: "Show a task's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, closer, err := a.open(cmd)
			if err != nil {
				return err
			}
			defer closer()

			info := c.GetStatus(cmd.Context(), args[0])
			if info == nil {
				return task.NotFound(args[0])
			}
			return printJSON(cmd.OutOrStdout(), info)
		},
	}
}

func (a *app) listCommand() *cobra.Command {
	var (
		pending bool
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		Long:  "List every task in schedule order, or only pending tasks in dispatch order with --pending.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, closer, err := a.open(cmd)
			if err != nil {
				return err
			}
			defer closer()

			var tasks []*task.Task
			if pending {
				tasks, err = c.ListPendingTasks(cmd.Context())
			} else {
				tasks, err = c.ListAllTasks(cmd.Context())
			}
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), tasks)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tPRIORITY\tEXECUTE AT\tRETRIES")
			for _, t := range tasks {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\n",
					t.ID, t.Type, t.Status, t.Priority, t.ExecuteAt.Format(time.RFC3339), t.RetryCount)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&pending, "pending", false, "only pending tasks, in dispatch order")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func (a *app) cancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a pending task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, closer, err := a.open(cmd)
			if err != nil {
				return err
			}
			defer closer()

			if err := c.Cancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cancelled %s\n", args[0])
			return nil
		},
	}
}

func (a *app) rescheduleCommand() *cobra.Command {
	var (
		at string
		in time.Duration
	)
	cmd := &cobra.Command{
		Use:   "reschedule <id>",
		Short: "Move a pending task to a new execution time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			executeAt, err := resolveTime(at, in, time.Now())
			if err != nil {
				return err
			}

			c, closer, err := a.open(cmd)
			if err != nil {
				return err
			}
			defer closer()

			if err := c.Reschedule(cmd.Context(), args[0], executeAt); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rescheduled %s for %s\n", args[0], executeAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "new execution time (RFC 3339)")
	cmd.Flags().DurationVar(&in, "in", 0, "execute after this delay")
	return cmd
}

func (a *app) statsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count tasks by status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, closer, err := a.open(cmd)
			if err != nil {
				return err
			}
			defer closer()

			stats, err := c.GetStats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	}
}

func (a *app) cleanupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove completed and cancelled tasks",
		Long:  "Remove completed and cancelled tasks, and failed tasks when CLEANUP_FAILED is set.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, closer, err := a.open(cmd)
			if err != nil {
				return err
			}
			defer closer()

			n, err := c.Cleanup(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d tasks\n", n)
			return nil
		},
	}
}
