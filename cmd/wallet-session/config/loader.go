package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common/hexutil"
	utilsconfig "github.com/quantumauth-io/quantum-go-utils/config"
	utilsEth "github.com/quantumauth-io/quantum-go-utils/ethrpc"
	"github.com/quantumauth-io/wallet-session-client/internal/chains"
	"github.com/quantumauth-io/wallet-session-client/internal/constants"
	"github.com/quantumauth-io/wallet-session-client/internal/contracts"
)

const (
	EnvAPI             = "WS_ENV"
	EnvInfuraKey       = "WS_INFURA_KEY"
	EnvStoragePassword = "WS_STORAGE_PASSWORD"

	StorageFile   = "file"
	StorageBolt   = "bbolt"
	StorageMemory = "memory"
)

type ClientSettings struct {
	LocalHost      string
	Port           string
	Locale         string
	AllowedOrigins []string
}

type BackendSettings struct {
	APIURL                 string
	ClientID               string
	ClientSecret           string
	ExchangeTimeoutSeconds int
	WriteRetryMilliseconds int
}

type ChainSettings struct {
	ActiveNetwork         string
	ChainID               uint64
	PreferredRPC          string
	DialRetryMilliseconds int
}

type StorageSettings struct {
	Backend string
	Path    string
	UseTPM  bool
}

type ReachabilitySettings struct {
	ProbeAddress        string
	TimeoutMilliseconds int
}

type Config struct {
	ClientSettings *ClientSettings
	Backend        *BackendSettings
	EthNetworks    *utilsEth.MultiConfig `mapstructure:"Ethereum"`
	Chain          *ChainSettings
	Contracts      map[string]contracts.Spec `yaml:"Contracts" json:"contracts"`
	Storage        *StorageSettings
	Reachability   *ReachabilitySettings
}

func infuraRPC(chain string, key string) string {
	return fmt.Sprintf("https://%s.infura.io/v3/%s", chain, key)
}

func Load() (*Config, error) {
	home, _ := os.UserHomeDir()
	return loadFrom([]string{
		filepath.Join(home, ".config", constants.AppName),
		filepath.Join(home, "config"),
		".",
	})
}

func loadFrom(paths []string) (*Config, error) {
	cfg, err := utilsconfig.ParseConfigWithEmbedded[Config](paths, EmbeddedConfigYAML)
	if err != nil {
		return nil, err
	}
	cfg.setDefaults()
	return cfg, nil
}

func (c *Config) setDefaults() {
	if c.ClientSettings == nil {
		c.ClientSettings = &ClientSettings{}
	}
	if c.Backend == nil {
		c.Backend = &BackendSettings{}
	}
	if c.EthNetworks == nil {
		c.EthNetworks = &utilsEth.MultiConfig{}
	}
	if c.Chain == nil {
		c.Chain = &ChainSettings{}
	}
	if c.Storage == nil {
		c.Storage = &StorageSettings{}
	}
	if c.Reachability == nil {
		c.Reachability = &ReachabilitySettings{}
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = StorageFile
	}
}

// InjectInfuraKey points the first RPC slot of every network at Infura.
func (c *Config) InjectInfuraKey(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("infura api key is empty")
	}

	for netName, n := range c.EthNetworks.Networks {
		rpcURL := infuraRPC(netName, key)
		if len(n.RPCs) == 0 {
			n.RPCs = []utilsEth.RPC{{Name: "Infura", URL: rpcURL}}
		} else {
			n.RPCs[0].Name = "Infura"
			n.RPCs[0].URL = rpcURL
		}
		// map values are copies
		c.EthNetworks.Networks[netName] = n
	}
	return nil
}

// ApplyEnv applies the WS_* environment overrides.
func (c *Config) ApplyEnv() error {
	if err := c.ApplyAPIURLFromEnv(); err != nil {
		return err
	}
	if key := os.Getenv(EnvInfuraKey); key != "" {
		if err := c.InjectInfuraKey(key); err != nil {
			return err
		}
	}
	return nil
}

// ApplyAPIURLFromEnv selects the backend by WS_ENV. An unset WS_ENV keeps the configured
// URL.
func (c *Config) ApplyAPIURLFromEnv() error {
	raw := strings.TrimSpace(os.Getenv(EnvAPI))

	switch strings.ToLower(raw) {
	case "":
	case "prod", "production":
		c.Backend.APIURL = "https://api.treejer.com"
	case "local":
		c.Backend.APIURL = "http://localhost:3000"
	case "dev", "develop", "development":
		c.Backend.APIURL = "https://dev.api.treejer.com"
	default:
		return fmt.Errorf("invalid %s %q (allowed: local, develop, prod, empty)", EnvAPI, raw)
	}
	return nil
}

// NormalizeContracts validates addresses, canonicalizes them to checksummed hex and
// expands a leading ~ in ABI paths.
func (c *Config) NormalizeContracts() error {
	if c.Contracts == nil {
		c.Contracts = map[string]contracts.Spec{}
		return nil
	}

	home, _ := os.UserHomeDir()
	out := make(map[string]contracts.Spec, len(c.Contracts))
	seen := map[string]string{}

	for name, spec := range c.Contracts {
		n := strings.TrimSpace(name)
		if n == "" {
			return errors.New("Contracts has empty contract name")
		}
		if prev, ok := seen[strings.ToLower(n)]; ok {
			return errors.Newf("Contracts has duplicate entries %q and %q", prev, name)
		}
		seen[strings.ToLower(n)] = name

		addr, err := contracts.ParseAddress(spec.Address)
		if err != nil {
			return errors.Wrapf(err, "Contracts[%q]", name)
		}
		path := strings.TrimSpace(spec.ABIPath)
		if path == "" {
			return errors.Newf("Contracts[%q] has no ABIPath", name)
		}
		if strings.HasPrefix(path, "~/") && home != "" {
			path = filepath.Join(home, path[2:])
		}

		out[n] = contracts.Spec{Address: addr.Hex(), ABIPath: path}
	}

	c.Contracts = out
	return nil
}

// ChainsConfig converts the Ethereum section for the chain service. Chain.ChainID, when
// set, overrides the active network's id. Networks without an id report theirs over RPC.
func (c *Config) ChainsConfig() *chains.AllChainsConfig {
	out := &chains.AllChainsConfig{
		Networks:      make(map[string]chains.NetworkConfig),
		ActiveNetwork: c.Chain.ActiveNetwork,
		ActiveRPC:     c.Chain.PreferredRPC,
	}
	if c.EthNetworks != nil {
		for name, n := range c.EthNetworks.Networks {
			nc := chains.NetworkConfig{Name: name, ChainID: n.ChainID}
			if nc.ChainID == 0 && n.ChainIDHex != "" {
				if id, err := hexutil.DecodeUint64(utilsEth.NormalizeHex0x(n.ChainIDHex)); err == nil {
					nc.ChainID = id
				}
			}
			for _, r := range n.RPCs {
				nc.RPCs = append(nc.RPCs, chains.RPC{Name: r.Name, URL: r.URL})
			}
			out.Networks[name] = nc
		}
	}
	out.Normalize()

	if active, ok := out.Networks[out.ActiveNetwork]; ok && c.Chain.ChainID != 0 {
		active.ChainID = c.Chain.ChainID
		out.Networks[out.ActiveNetwork] = active
	}
	return out
}

func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.ClientSettings.LocalHost, c.ClientSettings.Port)
}

func (c *Config) ExchangeTimeout() time.Duration {
	return time.Duration(c.Backend.ExchangeTimeoutSeconds) * time.Second
}

func (c *Config) WriteRetryWindow() time.Duration {
	return time.Duration(c.Backend.WriteRetryMilliseconds) * time.Millisecond
}

func (c *Config) DialRetryWindow() time.Duration {
	return time.Duration(c.Chain.DialRetryMilliseconds) * time.Millisecond
}

func (c *Config) ProbeTimeout() time.Duration {
	return time.Duration(c.Reachability.TimeoutMilliseconds) * time.Millisecond
}
