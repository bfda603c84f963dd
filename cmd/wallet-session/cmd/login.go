package cmd

import (
	"context"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/quantumauth-io/wallet-session-client/internal/helpers"
	"github.com/quantumauth-io/wallet-session-client/internal/session"
	"github.com/spf13/cobra"
)

var keyFile string

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Establish a wallet session",
}

var loginKeyCmd = &cobra.Command{
	Use:   "key",
	Short: "Log in with a local private key",
	Long: `Provisions the private key, registers it with the active chain handle and exchanges
a signed challenge for backend credentials. The key is read from --key-file, or
prompted for without echo.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := readPrivateKey()
		if err != nil {
			return err
		}
		return withSession(cmd.Context(), cmd.OutOrStdout(), func(ctx context.Context, m *session.Manager) error {
			if err := m.LoginWithLocalKey(ctx, key); err != nil {
				return err
			}
			return printSnapshot(cmd.OutOrStdout(), m.Snapshot())
		})
	},
}

var loginTokenCmd = &cobra.Command{
	Use:   "token [token]",
	Short: "Log in with a third-party login token",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var token string
		if len(args) == 1 {
			token = strings.TrimSpace(args[0])
		} else {
			raw, err := helpers.PromptSecret("Login token: ")
			if err != nil {
				return err
			}
			token = strings.TrimSpace(string(raw))
			helpers.ZeroBytes(raw)
		}
		if token == "" {
			return errors.New("login token is empty")
		}
		return withSession(cmd.Context(), cmd.OutOrStdout(), func(ctx context.Context, m *session.Manager) error {
			if err := m.LoginWithThirdPartyToken(ctx, token); err != nil {
				return err
			}
			return printSnapshot(cmd.OutOrStdout(), m.Snapshot())
		})
	},
}

func readPrivateKey() (string, error) {
	if keyFile == "" {
		return helpers.PromptPrivateKey()
	}
	raw, err := os.ReadFile(keyFile)
	if err != nil {
		return "", errors.Wrap(err, "read key file")
	}
	defer helpers.ZeroBytes(raw)

	key := strings.TrimSpace(string(raw))
	if !helpers.IsHexKey(key) {
		return "", errors.Newf("%s does not hold a hex private key", keyFile)
	}
	return key, nil
}

func init() {
	rootCmd.AddCommand(loginCmd)
	loginCmd.AddCommand(loginKeyCmd, loginTokenCmd)
	loginKeyCmd.Flags().StringVar(&keyFile, "key-file", "", "File holding the hex private key")
}
