package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"foreman/internal/delivery/client"
	"foreman/internal/domain/task"
)

func newTaskCommand(cli *CLI) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "📋 Delegate coding tasks and follow their lifecycle",
	}
	cmd.AddCommand(newTaskSubmitCommand(cli))
	cmd.AddCommand(newTaskStatusCommand(cli))
	cmd.AddCommand(newTaskListCommand(cli))
	cmd.AddCommand(newTaskCancelCommand(cli))
	cmd.AddCommand(newTaskWatchCommand(cli))
	return cmd
}

func newTaskSubmitCommand(cli *CLI) *cobra.Command {
	var (
		taskType     string
		projectPath  string
		agent        string
		contextPairs []string
	)
	cmd := &cobra.Command{
		Use:   "submit <description>",
		Short: "Queue a task for the next free worker",
		Long: `Queue a task. The server routes it to a coding agent by task type unless
--agent pins one, and returns immediately with a task id to poll or watch.

Examples:
  foreman task submit "add retry logic to the uploader"
  foreman task submit --type code_review --project ~/src/shop "review the auth changes"
  foreman task submit --context branch=main --context ticket=SHOP-142 "fix the flaky checkout test"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskContext, err := parsePairs(contextPairs)
			if err != nil {
				return err
			}
			c, err := cli.client()
			if err != nil {
				return err
			}
			receipt, err := c.DelegateTask(cmd.Context(), client.DelegateSpec{
				Description:    strings.Join(args, " "),
				Type:           taskType,
				ProjectPath:    projectPath,
				Context:        taskContext,
				PreferredAgent: agent,
			})
			if err != nil {
				return err
			}
			if cli.rawJSON {
				return printJSON(receipt)
			}
			fmt.Printf("%s Task queued\n", green("✅"))
			fmt.Printf("  %s: %s\n", bold("ID"), cyan(receipt.TaskID))
			fmt.Printf("  %s: %s\n", bold("Status"), statusColor(receipt.Status))
			fmt.Printf("  %s\n", gray("foreman task status "+receipt.TaskID))
			return nil
		},
	}
	cmd.Flags().StringVarP(&taskType, "type", "t", "", "Task type used for agent routing")
	cmd.Flags().StringVarP(&projectPath, "project", "p", "", "Project directory the agent works in")
	cmd.Flags().StringVar(&agent, "agent", "", "Preferred agent, overrides type routing")
	cmd.Flags().StringArrayVarP(&contextPairs, "context", "c", nil, "Context entry key=value (repeatable)")
	return cmd
}

func newTaskStatusCommand(cli *CLI) *cobra.Command {
	return &cobra.Command{
		Use:   "status <task-id>",
		Short: "Show the full record of one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := cli.client()
			if err != nil {
				return err
			}
			record, err := c.TaskStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if cli.rawJSON {
				return printJSON(record)
			}
			printTaskDetail(record)
			return nil
		},
	}
}

func newTaskListCommand(cli *CLI) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every queued or running task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := cli.client()
			if err != nil {
				return err
			}
			list, err := c.ActiveTasks(cmd.Context())
			if err != nil {
				return err
			}
			if cli.rawJSON {
				return printJSON(list)
			}
			if list.Total == 0 {
				fmt.Println(gray("no active tasks"))
				return nil
			}
			// Pad before painting: ANSI escapes would skew printf widths.
			fmt.Println(bold(pad("ID", 34) + " " + pad("STATUS", 10) + " " + pad("TYPE", 18) + " " + pad("AGE", 8) + " DESCRIPTION"))
			for _, record := range list.Tasks {
				fmt.Printf("%s %s %s %s %s\n",
					cyan(pad(record.TaskID, 34)),
					statusPaint(record.Status)(pad(string(record.Status), 10)),
					pad(record.Type, 18),
					pad(formatAge(record.SubmittedAt), 8),
					truncate(record.Description, 60))
			}
			fmt.Printf("\n%s\n", gray(fmt.Sprintf("%d active task(s)", list.Total)))
			return nil
		},
	}
}

func newTaskCancelCommand(cli *CLI) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a queued or running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID := args[0]
			if !cli.assumeYes {
				prompt := promptui.Prompt{
					Label:     fmt.Sprintf("Cancel task %s", taskID),
					IsConfirm: true,
				}
				if _, err := prompt.Run(); err != nil {
					if err == promptui.ErrAbort || err == promptui.ErrInterrupt {
						fmt.Println(gray("left the task alone"))
						return nil
					}
					return err
				}
			}
			c, err := cli.client()
			if err != nil {
				return err
			}
			receipt, err := c.CancelTask(cmd.Context(), taskID)
			if err != nil {
				return err
			}
			if cli.rawJSON {
				return printJSON(receipt)
			}
			fmt.Printf("%s Cancelled %s (was %s)\n", green("✅"), cyan(taskID), statusColor(receipt.PreviousStatus))
			return nil
		},
	}
}

func newTaskWatchCommand(cli *CLI) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [task-id]",
		Short: "Stream task transitions as they happen",
		Long: `Stream every task transition from the server's event feed. With a task id,
only that task's transitions print and the command exits once it reaches a
final state.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := ""
			if len(args) == 1 {
				filter = args[0]
			}
			c, err := cli.client()
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			events, stop, err := c.WatchEvents(ctx)
			if err != nil {
				return err
			}
			defer stop()

			if !cli.rawJSON {
				fmt.Println(gray("watching task transitions, ctrl-c to stop"))
			}
			for event := range events {
				if filter != "" && event.Task.TaskID != filter {
					continue
				}
				if cli.rawJSON {
					if err := printJSON(event); err != nil {
						return err
					}
				} else {
					printTransition(event)
				}
				if filter != "" && event.To.IsTerminal() {
					return nil
				}
			}
			if ctx.Err() == nil && !cli.rawJSON {
				fmt.Println(gray("feed closed by server"))
			}
			return nil
		},
	}
}

func printTransition(event task.Event) {
	fmt.Printf("%s %s %s -> %s\n",
		gray(event.At.Format("15:04:05")),
		cyan(event.Task.TaskID),
		statusColor(event.From),
		statusColor(event.To))
	if event.To == task.StatusFailed && event.Task.Error != nil {
		fmt.Printf("         %s\n", red(event.Task.Error.Message))
	}
}

func printTaskDetail(record task.Task) {
	fmt.Printf("%s %s\n", bold("Task"), cyan(record.TaskID))
	fmt.Printf("  %s: %s\n", bold("Status"), statusColor(record.Status))
	fmt.Printf("  %s: %s\n", bold("Type"), record.Type)
	fmt.Printf("  %s: %s\n", bold("Description"), record.Description)
	fmt.Printf("  %s: %s\n", bold("Project"), record.ProjectPath)
	if record.Agent != "" {
		fmt.Printf("  %s: %s\n", bold("Agent"), blue(record.Agent))
	}
	if record.AssignedWorker != nil {
		fmt.Printf("  %s: %d\n", bold("Worker"), *record.AssignedWorker)
	}
	fmt.Printf("  %s: %s\n", bold("Submitted"), record.SubmittedAt.Local().Format("2006-01-02 15:04:05"))
	if record.StartedAt != nil {
		fmt.Printf("  %s: %s\n", bold("Started"), record.StartedAt.Local().Format("2006-01-02 15:04:05"))
	}
	if record.FinishedAt != nil {
		fmt.Printf("  %s: %s\n", bold("Finished"), record.FinishedAt.Local().Format("2006-01-02 15:04:05"))
	}
	if len(record.Context) > 0 {
		fmt.Printf("  %s:\n", bold("Context"))
		for key, value := range record.Context {
			fmt.Printf("    %s: %s\n", key, value)
		}
	}
	if record.Result != nil {
		fmt.Printf("\n%s\n", bold("Result:"))
		fmt.Printf("  %s: %s\n", bold("Agent"), blue(record.Result.Agent))
		fmt.Printf("  %s: %.1fs\n", bold("Duration"), record.Result.DurationSeconds)
		if record.Result.Summary != "" {
			fmt.Printf("  %s:\n%s\n", bold("Summary"), indent(record.Result.Summary, "    "))
		}
		if len(record.Result.Files) > 0 {
			fmt.Printf("  %s:\n", bold("Files"))
			for _, file := range record.Result.Files {
				fmt.Printf("    %s\n", file)
			}
		}
	}
	if record.Error != nil {
		fmt.Printf("\n%s %s: %s\n", red("❌"), bold(record.Error.Code), record.Error.Message)
		if record.Error.Hint != "" {
			fmt.Printf("%s %s\n", yellow("💡"), record.Error.Hint)
		}
	}
	if record.CorrelationID != "" {
		fmt.Printf("\n%s\n", gray("correlation id: "+record.CorrelationID))
	}
}
