package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newFeatureCommand(cli *CLI) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "feature",
		Short: "🧭 Drive feature workflows phase by phase",
	}
	cmd.AddCommand(newFeatureStartCommand(cli))
	cmd.AddCommand(newFeatureSubmitCommand(cli))
	return cmd
}

func newFeatureStartCommand(cli *CLI) *cobra.Command {
	var (
		projectPath  string
		workflowType string
	)
	cmd := &cobra.Command{
		Use:   "start <prompt>",
		Short: "Start a feature workflow on a registered project",
		Long: `Start a feature workflow. The server answers with the feature id and the
rendered prompt for the first phase; hand that prompt to an agent, then
submit the phase's artifacts with 'foreman feature submit'.

Example:
  foreman feature start --project ~/src/shop "csv export for the orders page"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := cli.client()
			if err != nil {
				return err
			}
			receipt, err := c.StartFeature(cmd.Context(), projectPath, strings.Join(args, " "), workflowType)
			if err != nil {
				return err
			}
			if cli.rawJSON {
				return printJSON(receipt)
			}
			fmt.Printf("%s Feature started\n", green("✅"))
			fmt.Printf("  %s: %s\n", bold("ID"), cyan(receipt.FeatureID))
			fmt.Printf("  %s: %s\n", bold("Phase"), blue(receipt.Phase))
			fmt.Printf("\n%s\n%s\n", bold("Phase prompt:"), receipt.RenderedPrompt)
			return nil
		},
	}
	cmd.Flags().StringVarP(&projectPath, "project", "p", "", "Registered project directory (required)")
	cmd.Flags().StringVarP(&workflowType, "workflow", "w", "", "Workflow type, defaults to the server's standard one")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func newFeatureSubmitCommand(cli *CLI) *cobra.Command {
	var (
		projectPath string
		phaseID     string
		resultPairs []string
		resultsJSON string
	)
	cmd := &cobra.Command{
		Use:   "submit <feature-id>",
		Short: "Submit the artifacts of the feature's current phase",
		Long: `Submit a phase's artifacts and advance the feature. Artifacts come from
--results-json, from repeated --result key=value flags, or both; key=value
entries override matching JSON keys.

Examples:
  foreman feature submit feat-2c9XaB --project ~/src/shop --phase define --result definition="a csv export button"
  foreman feature submit feat-2c9XaB --project ~/src/shop --phase decompose --results-json '{"subtasks": ["model", "handler"]}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			results, err := buildResults(resultsJSON, resultPairs)
			if err != nil {
				return err
			}
			c, err := cli.client()
			if err != nil {
				return err
			}
			receipt, err := c.SubmitWork(cmd.Context(), projectPath, args[0], phaseID, results)
			if err != nil {
				return err
			}
			if cli.rawJSON {
				return printJSON(receipt)
			}
			if receipt.NextPhase == "" {
				fmt.Printf("%s Feature completed\n", green("🎉"))
				return nil
			}
			fmt.Printf("%s Phase %s accepted\n", green("✅"), blue(phaseID))
			fmt.Printf("  %s: %s\n", bold("Next phase"), blue(receipt.NextPhase))
			fmt.Printf("\n%s\n%s\n", bold("Phase prompt:"), receipt.RenderedPrompt)
			return nil
		},
	}
	cmd.Flags().StringVarP(&projectPath, "project", "p", "", "Registered project directory (required)")
	cmd.Flags().StringVar(&phaseID, "phase", "", "Phase being submitted (required)")
	cmd.Flags().StringArrayVar(&resultPairs, "result", nil, "Artifact entry key=value (repeatable)")
	cmd.Flags().StringVar(&resultsJSON, "results-json", "", "Artifacts as a JSON object")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("phase")
	return cmd
}
