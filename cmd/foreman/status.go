package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"foreman/internal/delivery/server/app"
)

func newWorkersCommand(cli *CLI) *cobra.Command {
	return &cobra.Command{
		Use:   "workers",
		Short: "👷 Show worker pool statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := cli.client()
			if err != nil {
				return err
			}
			stats, err := c.WorkerStats(cmd.Context())
			if err != nil {
				return err
			}
			if cli.rawJSON {
				return printJSON(stats)
			}
			fmt.Printf("%s\n", bold("Worker pool"))
			fmt.Printf("  %s: %d/%d busy, %d queued\n", bold("Now"), stats.ActiveWorkers, stats.MaxWorkers, stats.Queued)
			fmt.Printf("  %s: %d processed, %s, %s, %s\n", bold("Lifetime"),
				stats.TotalProcessed,
				green(fmt.Sprintf("%d completed", stats.Completed)),
				red(fmt.Sprintf("%d failed", stats.Failed)),
				gray(fmt.Sprintf("%d cancelled", stats.Cancelled)))
			return nil
		},
	}
}

func newHealthCommand(cli *CLI) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "🩺 Show the server's health report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := cli.client()
			if err != nil {
				return err
			}
			report, err := c.Health(cmd.Context())
			if err != nil {
				return err
			}
			if cli.rawJSON {
				return printJSON(report)
			}
			printHealthReport(c.BaseURL(), report)
			return nil
		},
	}
}

func printHealthReport(server string, report app.HealthReport) {
	fmt.Printf("%s %s %s\n", healthBadge(report.Status), bold(server), gray("up "+formatUptime(report.UptimeSeconds)))

	if len(report.AvailableAgents) == 0 {
		fmt.Printf("  %s: %s\n", bold("Agents"), red("none detected"))
	} else {
		fmt.Printf("  %s: %s\n", bold("Agents"), blue(strings.Join(report.AvailableAgents, ", ")))
	}

	workers := report.Metrics.Workers
	fmt.Printf("  %s: %d/%d busy, %d queued, %d processed\n", bold("Workers"),
		workers.ActiveWorkers, workers.MaxWorkers, workers.Queued, workers.TotalProcessed)

	dead := report.Metrics.DeadLetter
	if backlog := dead.Pending + dead.Retrying; backlog > 0 || dead.Abandoned > 0 {
		fmt.Printf("  %s: %d awaiting retry, %s\n", bold("Dead letters"),
			backlog, red(fmt.Sprintf("%d abandoned", dead.Abandoned)))
	}

	open := 0
	for _, circuit := range report.Metrics.Circuits {
		if circuit.State == "open" {
			open++
		}
	}
	if open > 0 {
		fmt.Printf("  %s: %s\n", bold("Circuits"), red(fmt.Sprintf("%d open", open)))
	}

	if report.Metrics.Children > 0 {
		fmt.Printf("  %s: %d running\n", bold("Child processes"), report.Metrics.Children)
	}

	for _, check := range report.Checks {
		marker := green("✓")
		if check.Status != app.HealthOK {
			marker = yellow("⚠")
		}
		line := check.Name
		if check.Detail != "" {
			line += ": " + check.Detail
		}
		fmt.Printf("  %s %s\n", marker, line)
	}
}

func healthBadge(status string) string {
	switch status {
	case app.HealthOK:
		return green("✅ " + status)
	case app.HealthDegraded:
		return yellow("⚠️  " + status)
	default:
		return red("❌ " + status)
	}
}

func formatUptime(seconds float64) string {
	d := time.Duration(seconds * float64(time.Second))
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	default:
		return fmt.Sprintf("%dd%dh", int(d.Hours())/24, int(d.Hours())%24)
	}
}

func newToolsCommand(cli *CLI) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "🔌 List the server's remotely callable tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := cli.client()
			if err != nil {
				return err
			}
			names, err := c.Tools(cmd.Context())
			if err != nil {
				return err
			}
			if cli.rawJSON {
				return printJSON(names)
			}
			for _, name := range names {
				fmt.Println(cyan(name))
			}
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("foreman %s\n", appVersion())
		},
	}
}
