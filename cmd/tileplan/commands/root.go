// Package commands implements the tileplan CLI.
package commands

import (
	"context"
	"io"

	"github.com/spf13/cobra"
)

// Set with -ldflags at build time
var (
	Version = "dev"
	Commit  = "none"
)

type CLI struct {
	rootCmd *cobra.Command
}

func New() *CLI {
	rootCmd := &cobra.Command{
		Use:           "tileplan",
		Short:         "Inspect how images are split into cache tiles",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	c := &CLI{rootCmd: rootCmd}
	rootCmd.AddCommand(c.newPlanCmd())
	rootCmd.AddCommand(c.newVersionCmd())
	return c
}

func (c *CLI) Execute(ctx context.Context) error {
	c.rootCmd.SetContext(ctx)
	return c.rootCmd.Execute()
}

// SetArgs sets the arguments for the root command. Used for testing.
func (c *CLI) SetArgs(args []string) {
	c.rootCmd.SetArgs(args)
}

// SetOutput sets the output and error streams for the root command. Used for testing.
func (c *CLI) SetOutput(out, err io.Writer) {
	c.rootCmd.SetOut(out)
	c.rootCmd.SetErr(err)
}
