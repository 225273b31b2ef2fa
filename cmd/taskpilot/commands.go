package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"taskpilot/internal/app/approval"
	"taskpilot/internal/app/controller"
	"taskpilot/internal/domain/task"
)

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func newRunCommand(c *cli) *cobra.Command {
	var (
		taskType    string
		session     string
		detach      bool
		autoApprove bool
		wait        time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run <input...>",
		Short: "Create a task and follow it until it finishes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withContainer(cmd, func(app *Container) error {
				ctx, stop := signalContext(cmd)
				defer stop()

				changes, unwatch := app.Store.Watch(512)
				defer unwatch()

				id, err := app.Controller.Create(ctx, controller.CreateOptions{
					Input:         strings.Join(args, " "),
					Type:          task.Type(taskType),
					ChatSessionID: session,
				})
				if err != nil {
					return err
				}
				if detach {
					fmt.Fprintln(c.out, id)
					return nil
				}
				fmt.Fprintf(c.out, "%s %s\n", gray("task"), id)
				return follow(ctx, app, c.out, changes, id, followOptions{
					timeout:     wait,
					autoApprove: autoApprove,
					interactive: isTTY(),
				})
			})
		},
	}
	cmd.Flags().StringVar(&taskType, "type", string(task.TypeSession), "Task type (session or global)")
	cmd.Flags().StringVar(&session, "session", "", "Chat session id to attach the task to")
	cmd.Flags().BoolVar(&detach, "detach", false, "Print the task id and exit without following")
	cmd.Flags().BoolVarP(&autoApprove, "yes", "y", false, "Approve every tool call without asking")
	cmd.Flags().DurationVar(&wait, "wait", 0, "Give up following after this long (exit code 2)")
	return cmd
}

func newWatchCommand(c *cli) *cobra.Command {
	var (
		autoApprove bool
		wait        time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch <task-id>",
		Short: "Follow an existing task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withContainer(cmd, func(app *Container) error {
				ctx, stop := signalContext(cmd)
				defer stop()

				changes, unwatch := app.Store.Watch(512)
				defer unwatch()
				if err := app.Controller.Attach(ctx, args[0]); err != nil {
					return err
				}
				return follow(ctx, app, c.out, changes, args[0], followOptions{
					timeout:     wait,
					autoApprove: autoApprove,
					interactive: isTTY(),
				})
			})
		},
	}
	cmd.Flags().BoolVarP(&autoApprove, "yes", "y", false, "Approve every tool call without asking")
	cmd.Flags().DurationVar(&wait, "wait", 0, "Give up following after this long (exit code 2)")
	return cmd
}

func newCancelCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id...>",
		Short: "Cancel one or more tasks",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withContainer(cmd, func(app *Container) error {
				err := app.Controller.CancelMany(cmd.Context(), args...)
				for _, id := range args {
					fmt.Fprintf(c.out, "%s %s\n", yellow("■ cancel requested"), id)
				}
				return err
			})
		},
	}
}

func newApproveCommand(c *cli) *cobra.Command {
	var reject bool
	cmd := &cobra.Command{
		Use:   "approve <task-id> <approval-id...>",
		Short: "Approve or reject pending tool calls",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withContainer(cmd, func(app *Container) error {
				taskID, ids := args[0], args[1:]
				verdict := green("approved")
				if reject {
					verdict = red("rejected")
				}
				if len(ids) == 1 {
					out, err := app.Gateway.Decide(cmd.Context(), taskID, ids[0], !reject)
					if err != nil {
						return err
					}
					fmt.Fprintf(c.out, "%s %s %s\n", out.ApprovalID, verdict, gray(out.Message))
					return nil
				}
				choices := make([]approval.Choice, 0, len(ids))
				for _, id := range ids {
					choices = append(choices, approval.Choice{ApprovalID: id, Approved: !reject})
				}
				outs, err := app.Gateway.DecideAll(cmd.Context(), taskID, choices)
				if err != nil {
					return err
				}
				for _, out := range outs {
					fmt.Fprintf(c.out, "%s %s\n", out.ApprovalID, verdict)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&reject, "reject", false, "Reject instead of approve")
	return cmd
}

func newHistoryCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "history <task-id>",
		Short: "Print the recorded transcript of a finished task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withContainer(cmd, func(app *Container) error {
				t, err := app.Controller.Hydrate(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				tasks := []*task.Task{t}
				for _, childID := range app.Store.Children(t.ID) {
					if child, ok := app.Store.Get(childID); ok {
						tasks = append(tasks, child)
					}
				}
				printTranscript(c.out, tasks...)
				return nil
			})
		},
	}
}

func newStatusCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "status <task-id>",
		Short: "Show the server's view of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withContainer(cmd, func(app *Container) error {
				rec, err := app.API.GetTask(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(c.out, "%-12s %s\n", bold("task"), rec.TaskID)
				fmt.Fprintf(c.out, "%-12s %s\n", bold("status"), rec.Status)
				if rec.TaskType != "" {
					fmt.Fprintf(c.out, "%-12s %s\n", bold("type"), rec.TaskType)
				}
				if rec.ParentTaskID != "" {
					fmt.Fprintf(c.out, "%-12s %s\n", bold("parent"), rec.ParentTaskID)
				}
				if rec.Description != "" {
					fmt.Fprintf(c.out, "%-12s %s\n", bold("input"), rec.Description)
				}
				fmt.Fprintf(c.out, "%-12s %d%%\n", bold("progress"), rec.Progress)
				if rec.FinalText != "" {
					fmt.Fprintf(c.out, "%-12s %s\n", bold("answer"), rec.FinalText)
				}
				if rec.Error != "" {
					fmt.Fprintf(c.out, "%-12s %s\n", bold("error"), red(rec.Error))
				}
				return nil
			})
		},
	}
}
