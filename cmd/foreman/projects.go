package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newProjectCommand(cli *CLI) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "📁 Manage the server's project registry",
	}
	cmd.AddCommand(newProjectRegisterCommand(cli))
	cmd.AddCommand(newProjectListCommand(cli))
	return cmd
}

func newProjectRegisterCommand(cli *CLI) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "register <path>",
		Short: "Register a project directory with the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := cli.client()
			if err != nil {
				return err
			}
			registered, err := c.RegisterProject(cmd.Context(), name, args[0])
			if err != nil {
				return err
			}
			if cli.rawJSON {
				return printJSON(registered)
			}
			fmt.Printf("%s Registered %s\n", green("✅"), bold(registered.Name))
			fmt.Printf("  %s: %s\n", bold("ID"), cyan(registered.ID))
			fmt.Printf("  %s: %s\n", bold("Path"), registered.Path)
			fmt.Printf("  %s: %s\n", bold("Status"), blue(string(registered.Status)))
			return nil
		},
	}
	cmd.Flags().StringVarP(&name, "name", "n", "", "Display name, defaults to the directory name")
	return cmd
}

func newProjectListCommand(cli *CLI) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every registered project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := cli.client()
			if err != nil {
				return err
			}
			list, err := c.Projects(cmd.Context())
			if err != nil {
				return err
			}
			if cli.rawJSON {
				return printJSON(list)
			}
			if list.Total == 0 {
				fmt.Println(gray("no projects registered"))
				return nil
			}
			for _, p := range list.Projects {
				fmt.Printf("%s %s %s\n", cyan(pad(p.ID, 33)), bold(pad(p.Name, 20)), gray(p.Path))
				if features := len(p.Features); features > 0 {
					fmt.Printf("%s %s\n", pad("", 33), gray(fmt.Sprintf("%d feature(s), status %s", features, p.Status)))
				}
			}
			fmt.Printf("\n%s\n", gray(fmt.Sprintf("%d project(s)", list.Total)))
			return nil
		},
	}
}
