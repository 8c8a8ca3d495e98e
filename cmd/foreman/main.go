// Command foreman is the operator CLI for the orchestration server. Every
// subcommand is a thin front over the HTTP API: delegate tasks, follow their
// lifecycle, drive feature workflows and inspect server health.
package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"foreman/internal/delivery/client"
)

// Color helpers shared by every command.
var (
	blue   = color.New(color.FgBlue).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// CLI holds the state shared across subcommands.
type CLI struct {
	timeout   time.Duration
	rawJSON   bool
	assumeYes bool
}

// client builds the API client from the resolved server address. Flag beats
// FOREMAN_SERVER beats the config file beats the default.
func (cli *CLI) client() (*client.Client, error) {
	return client.New(client.Config{
		BaseURL: viper.GetString("server"),
		Timeout: cli.timeout,
	}, nil)
}

// NewRootCommand assembles the command tree.
func NewRootCommand() *cobra.Command {
	cli := &CLI{}

	rootCmd := &cobra.Command{
		Use:   "foreman",
		Short: "🛠️  Control plane for the coding-agent orchestration server",
		Long: fmt.Sprintf(`%s

foreman talks to a running orchestration server and drives its remote tool
surface: delegating coding tasks to locally installed agents, walking features
through their workflow phases and inspecting the server's health.

%s
  foreman task submit "add retry logic to the uploader"
  foreman task status task-2c9XaB0qL7fJ
  foreman task watch
  foreman feature start --project ~/src/shop "csv export for orders"
  foreman health

%s
  The server address resolves from --server, then $FOREMAN_SERVER, then the
  server entry of ~/.foreman/foreman-cli.yaml, then %s.`,
			bold("Foreman "+appVersion()),
			bold("EXAMPLES:"),
			bold("SERVER DISCOVERY:"),
			client.DefaultBaseURL),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadClientConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringP("server", "s", client.DefaultBaseURL, "Server base URL")
	rootCmd.PersistentFlags().DurationVar(&cli.timeout, "timeout", 30*time.Second, "Request timeout")
	rootCmd.PersistentFlags().BoolVar(&cli.rawJSON, "json", false, "Print raw JSON responses")
	rootCmd.PersistentFlags().BoolVarP(&cli.assumeYes, "yes", "y", false, "Skip confirmation prompts")
	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))

	rootCmd.AddCommand(newTaskCommand(cli))
	rootCmd.AddCommand(newFeatureCommand(cli))
	rootCmd.AddCommand(newProjectCommand(cli))
	rootCmd.AddCommand(newWorkersCommand(cli))
	rootCmd.AddCommand(newHealthCommand(cli))
	rootCmd.AddCommand(newToolsCommand(cli))
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

// loadClientConfig wires viper: env vars and an optional config file under
// the user's foreman directory.
func loadClientConfig() error {
	viper.SetEnvPrefix("FOREMAN")
	viper.AutomaticEnv()

	viper.SetConfigName("foreman-cli")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("$HOME/.foreman")
	viper.AddConfigPath(".")
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	return nil
}

func main() {
	rootCmd := NewRootCommand()
	if err := rootCmd.Execute(); err != nil {
		printError(err)
		os.Exit(1)
	}
}
