package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/nerrad567/shellkit/ports"
)

func newPortCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "port",
		Short: "Print an unused localhost TCP port",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			port, err := ports.GetUnusedLocalhostPort(true)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), port)
			return nil
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "check port...",
		Short: "Report which localhost ports accept connections",
		Long: "Report which localhost ports accept connections.\n\n" +
			"Exits with status 1 when any port is closed.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			list := make([]int, 0, len(args))
			for _, arg := range args {
				p, err := strconv.Atoi(arg)
				if err != nil || p < 1 || p > 65535 {
					return fmt.Errorf("invalid port %q", arg)
				}
				list = append(list, p)
			}

			open := ports.GetConnectablePortsContext(cmd.Context(), list)
			closed := false
			for _, p := range list {
				state := "open"
				if _, ok := open[p]; !ok {
					state = "closed"
					closed = true
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d %s\n", p, state)
			}
			if closed {
				return exitCode(1)
			}
			return nil
		},
	})
	return cmd
}
