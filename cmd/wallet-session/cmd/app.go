package cmd

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/quantum-go-utils/tpmdevice"
	"github.com/quantumauth-io/wallet-session-client/cmd/wallet-session/config"
	"github.com/quantumauth-io/wallet-session-client/internal/chains"
	"github.com/quantumauth-io/wallet-session-client/internal/constants"
	"github.com/quantumauth-io/wallet-session-client/internal/contracts"
	"github.com/quantumauth-io/wallet-session-client/internal/exchange"
	"github.com/quantumauth-io/wallet-session-client/internal/helpers"
	"github.com/quantumauth-io/wallet-session-client/internal/i18n"
	"github.com/quantumauth-io/wallet-session-client/internal/kvstore"
	"github.com/quantumauth-io/wallet-session-client/internal/metrics"
	"github.com/quantumauth-io/wallet-session-client/internal/netstatus"
	"github.com/quantumauth-io/wallet-session-client/internal/securefile"
	"github.com/quantumauth-io/wallet-session-client/internal/session"
)

// app holds the wired components shared by every command.
type app struct {
	store     kvstore.Store
	chains    *chains.Service
	registry  *contracts.Registry
	metrics   *metrics.Metrics
	manager   *session.Manager
	closeFunc []func()
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{metrics: metrics.New()}
	if err := a.wire(ctx, cfg); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context, cfg *config.Config) (err error) {
	if a.store, err = openStore(cfg.Storage); err != nil {
		return err
	}
	if c, ok := a.store.(interface{ Close() error }); ok {
		a.closeFunc = append(a.closeFunc, func() {
			if err := c.Close(); err != nil {
				log.Error("session store close failed", "error", err)
			}
		})
	}

	if a.registry, err = contracts.NewRegistry(cfg.Contracts); err != nil {
		return err
	}

	a.chains, err = chains.NewService(chains.ServiceConfig{
		Chains:               cfg.ChainsConfig(),
		DefaultActiveNetwork: cfg.Chain.ActiveNetwork,
		PreferredRPCName:     cfg.Chain.PreferredRPC,
		DialRetryWindow:      cfg.DialRetryWindow(),
	})
	if err != nil {
		return err
	}
	a.closeFunc = append(a.closeFunc, func() { _ = a.chains.Close() })
	if err = a.chains.Start(ctx); err != nil {
		return err
	}

	ex, err := exchange.NewClient(exchange.Config{
		BaseURL:      cfg.Backend.APIURL,
		ClientID:     cfg.Backend.ClientID,
		ClientSecret: cfg.Backend.ClientSecret,
		Timeout:      cfg.ExchangeTimeout(),
	})
	if err != nil {
		return err
	}

	seeds := session.LoadSeeds(ctx, a.store)
	locale := seeds.Locale
	if locale == "" {
		locale = cfg.ClientSettings.Locale
	}

	a.manager, err = session.NewManager(session.Config{
		Store:            a.store,
		Exchange:         ex,
		Handles:          a.chains,
		Reachability:     netstatus.NewDialer(cfg.Reachability.ProbeAddress, cfg.ProbeTimeout()),
		Contracts:        a.registry,
		Translator:       i18n.New(locale),
		Metrics:          a.metrics,
		Seeds:            seeds,
		WriteRetryWindow: cfg.WriteRetryWindow(),
	})
	if err != nil {
		return err
	}
	a.closeFunc = append(a.closeFunc, a.manager.Close)
	return nil
}

// Close releases everything in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closeFunc) - 1; i >= 0; i-- {
		a.closeFunc[i]()
	}
	a.closeFunc = nil
}

func openStore(s *config.StorageSettings) (kvstore.Store, error) {
	switch strings.ToLower(strings.TrimSpace(s.Backend)) {
	case config.StorageMemory:
		log.Warn("using in-memory session store; the session will not survive a restart")
		return kvstore.NewMemory(), nil

	case config.StorageBolt:
		path := s.Path
		if path == "" {
			dir, err := storeDir()
			if err != nil {
				return nil, err
			}
			path = filepath.Join(dir, constants.BoltFileName)
		}
		return kvstore.OpenBolt(path)

	case config.StorageFile, "":
		opts := kvstore.FileOptions{Path: s.Path}
		if s.UseTPM {
			opts.Sealer = tpmdevice.NewSealer("")
		}
		pw, err := storagePassword(opts.Sealer == nil)
		if err != nil {
			return nil, err
		}
		opts.Password = pw
		return kvstore.NewFile(opts)

	default:
		return nil, errors.Newf("unknown storage backend %q", s.Backend)
	}
}

// storagePassword reads WS_STORAGE_PASSWORD, falling back to a terminal prompt. With a
// TPM sealer the password is optional and only used when unsealing fails.
func storagePassword(required bool) ([]byte, error) {
	if env := os.Getenv(config.EnvStoragePassword); env != "" {
		pw := []byte(env)
		if err := helpers.ValidatePassword(pw); err != nil {
			return nil, errors.Wrap(err, config.EnvStoragePassword)
		}
		return pw, nil
	}
	if !required {
		return nil, nil
	}
	if !helpers.IsTerminal() {
		return nil, errors.Newf("session store password required: set %s", config.EnvStoragePassword)
	}
	return helpers.PromptPassword("Session store password: ")
}

func storeDir() (string, error) {
	paths, err := securefile.ConfigPathCandidates(constants.AppName, constants.BoltFileName)
	if err != nil {
		return "", err
	}
	found, err := securefile.FirstExisting(paths)
	if err != nil {
		return "", err
	}
	if found != "" {
		return filepath.Dir(found), nil
	}
	return filepath.Dir(paths[0]), nil
}
