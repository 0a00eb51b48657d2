// Command tag runs agents against task files and records the results.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		opts       runOptions
	)
	root := &cobra.Command{
		Use:   "tag [description]",
		Short: "Run agents against tasks and evaluate the results",
		Long: `tag runs an agent over every task of a task file, evaluates each
outcome and writes a summary to runs/<experiment>_<task>_<datetime>/.

Pass a task description to create a new task file, or --task to run an
existing one.`,
		Version:       version,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				opts.Description = args[0]
			}
			if err := opts.validate(); err != nil {
				return err
			}
			app, err := newApp(cmd.Context(), configPath, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer app.Close()
			return app.run(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to tag.yaml (default: ./tag.yaml if present)")
	f := root.Flags()
	f.StringVar(&opts.Success, "success", "", "success criteria for a new task")
	f.StringVarP(&opts.Task, "task", "t", "", "task file to run, by path or by name under tasks/")
	f.StringVar(&opts.Env, "env", "", "environment under envs/ to clone for a new task")
	f.StringVar(&opts.Eval, "eval", "", "evaluation command to install for a new task")
	f.StringVarP(&opts.Agent, "agent", "a", "react", "agent to run")

	root.AddCommand(historyCmd(&configPath))
	root.AddCommand(showCmd(&configPath))
	root.AddCommand(agentsCmd())
	return root
}

func historyCmd(configPath *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:          "history",
		Short:        "List recent runs",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := newApp(cmd.Context(), *configPath, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer app.Close()
			return app.history(cmd.Context(), limit, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to list")
	return cmd
}

func showCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:          "show <instance-id>",
		Short:        "Print the stored summary of a run",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context(), *configPath, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer app.Close()
			return app.show(cmd.Context(), args[0], cmd.OutOrStdout())
		},
	}
}

func agentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List the available agents",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			listAgents(cmd.OutOrStdout())
		},
	}
}
