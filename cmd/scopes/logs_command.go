package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"scopes/internal/logs"
)

func newLogsCommand(ctx *commandContext) *cobra.Command {
	var lines int
	var follow bool

	cmd := &cobra.Command{
		Use:   "logs [scope-id]",
		Short: "Show the registry log, or the log of one scope",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var scopeID string
			if len(args) == 1 {
				scopeID = args[0]
			}
			path := logs.Path(ctx.configValue(), scopeID)
			out := cmd.OutOrStdout()
			emit := func(line string) { fmt.Fprintln(out, line) }
			if follow {
				return logs.Follow(cmd.Context(), path, lines, emit)
			}
			res, err := logs.Tail(cmd.Context(), path, logs.TailOptions{Offset: -1, Limit: lines})
			if err != nil {
				return err
			}
			if len(res.Lines) == 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "No log output at %s\n", path)
				return nil
			}
			for _, line := range res.Lines {
				emit(line)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "Number of lines to show")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing new lines until interrupted")
	return cmd
}
