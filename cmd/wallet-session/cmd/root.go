package cmd

import (
	"os"

	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/wallet-session-client/cmd/wallet-session/config"
	"github.com/spf13/cobra"
)

type BuildInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

var (
	build BuildInfo
	cfg   *config.Config

	storageBackend string
	storagePath    string
	networkName    string
)

var rootCmd = &cobra.Command{
	Use:   "wallet-session",
	Short: "Wallet session manager for the Treejer backend",
	Long: `Restores, establishes and ends the wallet session used to talk to the backend and
to the configured contracts. Sessions are established with a local private key or a
third-party login token, and survive restarts through the encrypted session store.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load()
		if err != nil {
			return err
		}
		if err := loaded.ApplyEnv(); err != nil {
			return err
		}
		if err := loaded.NormalizeContracts(); err != nil {
			return err
		}
		if storageBackend != "" {
			loaded.Storage.Backend = storageBackend
		}
		if storagePath != "" {
			loaded.Storage.Path = storagePath
		}
		if networkName != "" {
			loaded.Chain.ActiveNetwork = networkName
		}
		cfg = loaded
		return nil
	},
}

func Execute(info BuildInfo) {
	build = info
	rootCmd.Version = info.Version
	if err := rootCmd.Execute(); err != nil {
		log.Error("wallet-session failed", "error", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&storageBackend, "storage", "", "Session store backend: file, bbolt or memory")
	rootCmd.PersistentFlags().StringVar(&storagePath, "storage-path", "", "Path of the session store")
	rootCmd.PersistentFlags().StringVar(&networkName, "network", "", "Active Ethereum network")
}
