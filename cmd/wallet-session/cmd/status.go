package cmd

import (
	"context"
	"fmt"
	"sort"

	"github.com/quantumauth-io/wallet-session-client/internal/session"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Restore the stored session and print it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd.Context(), cmd.OutOrStdout(), func(_ context.Context, m *session.Manager) error {
			return printSnapshot(cmd.OutOrStdout(), m.Snapshot())
		})
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "End the session and clear stored credentials",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd.Context(), cmd.OutOrStdout(), func(ctx context.Context, m *session.Manager) error {
			if err := m.Logout(ctx); err != nil {
				return err
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "logged out")
			return err
		})
	},
}

var contractsCmd = &cobra.Command{
	Use:   "contracts",
	Short: "List the configured contracts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		names := make([]string, 0, len(cfg.Contracts))
		for name := range cfg.Contracts {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%-12s %s\n", name, cfg.Contracts[name].Address); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd, logoutCmd, contractsCmd)
}
