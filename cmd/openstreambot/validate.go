package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"openstreambot/internal/config"
	"openstreambot/internal/rules"
)

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [actions-file]",
		Short: "Check an actions file without starting the daemon",
		Long: `Decode an actions file and print a summary of its actions.

Without an argument the actions file named by the configuration is checked.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			} else {
				cfg, err := readConfig(rootOpts.ConfigFile)
				if err != nil {
					return err
				}
				path = cfg.Actions.File
			}
			return runValidate(config.ExpandPath(path), cmd.OutOrStdout())
		},
	}
	return cmd
}

func runValidate(path string, out io.Writer) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read actions file: %w", err)
	}
	actions, err := rules.Decode(b)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tENABLED\tCOOLDOWN\tTRIGGERS\tSTEPS")
	for _, a := range actions {
		kinds := make([]string, 0, len(a.Triggers))
		for _, t := range a.Triggers {
			kinds = append(kinds, string(t.Kind()))
		}
		fmt.Fprintf(tw, "%s\t%t\t%gs\t%s\t%d\n", a.Name, a.Enabled, a.Cooldown, strings.Join(kinds, ","), len(a.SubActions))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(out, "✓ %d actions valid\n", len(actions))
	return nil
}
