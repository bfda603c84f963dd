package chains

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/quantum-go-utils/qa_evm"
	"github.com/quantumauth-io/quantum-go-utils/retry"
)

// DialFunc opens a new Handle for a resolved network.
type DialFunc func(ctx context.Context, chain ResolvedChain) (*Handle, error)

// ReplaceFunc is told when the active handle changes. old is nil on first activation.
type ReplaceFunc func(old, current *Handle)

type ServiceConfig struct {
	Chains               *AllChainsConfig
	DefaultActiveNetwork string
	PreferredRPCName     string
	DialRetryWindow      time.Duration
	Dial                 DialFunc
}

type ResolvedChain struct {
	NetworkName string
	ChainID     uint64
	RPCName     string
	URL         string
}

// Service owns the active Handle. Switching networks or reconnecting produces a new
// Handle; listeners registered with OnReplace are told about every replacement.
type Service struct {
	cfg    ServiceConfig
	active atomic.Pointer[Handle]

	mu        sync.Mutex
	byNetwork map[string]*Handle

	lmu       sync.Mutex
	listeners []ReplaceFunc
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Chains == nil {
		return nil, errors.New("chains config is nil")
	}
	if strings.TrimSpace(cfg.DefaultActiveNetwork) == "" {
		return nil, errors.New("active network is empty")
	}
	if cfg.Dial == nil {
		cfg.Dial = Dial
	}
	return &Service{
		cfg:       cfg,
		byNetwork: make(map[string]*Handle),
	}, nil
}

// Start activates the default network.
func (s *Service) Start(ctx context.Context) error {
	return s.Switch(ctx, s.cfg.DefaultActiveNetwork)
}

// OnReplace registers fn for replacement events. It is not called for the handle that is
// already active at registration time.
func (s *Service) OnReplace(fn ReplaceFunc) {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Service) Active() (*Handle, error) {
	h := s.active.Load()
	if h == nil {
		return nil, errors.New("no active chain")
	}
	return h, nil
}

func (s *Service) ActiveNetwork() (string, error) {
	h, err := s.Active()
	if err != nil {
		return "", err
	}
	return h.Network(), nil
}

// Switch makes networkName active. Switching to the active network is a no-op.
func (s *Service) Switch(ctx context.Context, networkName string) error {
	networkName = strings.ToLower(strings.TrimSpace(networkName))
	if networkName == "" {
		return errors.New("network name is empty")
	}
	if current := s.active.Load(); current != nil && current.Network() == networkName {
		return nil
	}

	h, err := s.handleFor(ctx, networkName)
	if err != nil {
		return err
	}
	s.replace(h)
	return nil
}

// Reconnect dials a fresh handle for the active network and retires the old one.
func (s *Service) Reconnect(ctx context.Context) error {
	old, err := s.Active()
	if err != nil {
		return err
	}
	resolved, err := s.ResolveNetworkByName(old.Network())
	if err != nil {
		return err
	}
	h, err := s.dial(ctx, resolved)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.byNetwork[old.Network()] = h
	s.mu.Unlock()

	s.replace(h)
	old.Close()
	return nil
}

// Close closes all cached handles (call on shutdown).
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, h := range s.byNetwork {
		h.Close()
		delete(s.byNetwork, key)
	}
	s.active.Store(nil)
	return nil
}

func (s *Service) replace(h *Handle) {
	old := s.active.Swap(h)
	if old == h {
		return
	}
	log.Info("active chain handle replaced", "network", h.Network(), "handle_id", h.ID())

	s.lmu.Lock()
	listeners := make([]ReplaceFunc, len(s.listeners))
	copy(listeners, s.listeners)
	s.lmu.Unlock()

	for _, fn := range listeners {
		fn(old, h)
	}
}

// handleFor returns (and caches) the handle for a network WITHOUT changing the active one.
func (s *Service) handleFor(ctx context.Context, networkName string) (*Handle, error) {
	s.mu.Lock()
	if existing := s.byNetwork[networkName]; existing != nil {
		s.mu.Unlock()
		return existing, nil
	}
	s.mu.Unlock()

	resolved, err := s.ResolveNetworkByName(networkName)
	if err != nil {
		return nil, err
	}

	// Dial outside the lock.
	dialed, err := s.dial(ctx, resolved)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing := s.byNetwork[networkName]; existing != nil {
		dialed.Close()
		return existing, nil
	}
	s.byNetwork[networkName] = dialed
	return dialed, nil
}

func (s *Service) dial(ctx context.Context, resolved ResolvedChain) (*Handle, error) {
	window := s.cfg.DialRetryWindow
	if window <= 0 {
		h, err := s.cfg.Dial(ctx, resolved)
		return h, errors.Wrapf(err, "dial %q", resolved.NetworkName)
	}

	cfg := retry.DefaultConfig()
	cfg.MaxDelayBeforeRetrying = window / 4
	cfg.InitialDelayBeforeRetrying = window / 40

	rctx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	var h *Handle
	_, err := retry.Retry(rctx, cfg,
		func(ctx context.Context) ([]interface{}, error) {
			dialed, err := s.cfg.Dial(ctx, resolved)
			if err != nil {
				return nil, err
			}
			h = dialed
			return nil, nil
		},
		nil, // always retry
		"dial chain rpc")
	if err != nil {
		return nil, errors.Wrapf(err, "dial %q", resolved.NetworkName)
	}
	return h, nil
}

func (s *Service) ResolveNetworkByName(networkName string) (ResolvedChain, error) {
	networkName = strings.ToLower(strings.TrimSpace(networkName))
	if networkName == "" {
		return ResolvedChain{}, errors.New("network name is empty")
	}
	network, ok := s.cfg.Chains.Networks[networkName]
	if !ok {
		return ResolvedChain{}, errors.Newf("unknown network %q", networkName)
	}

	var selected *RPC
	if preferred := strings.TrimSpace(s.cfg.PreferredRPCName); preferred != "" {
		for i := range network.RPCs {
			if strings.EqualFold(strings.TrimSpace(network.RPCs[i].Name), preferred) {
				selected = &network.RPCs[i]
				break
			}
		}
	}
	if selected == nil {
		if len(network.RPCs) == 0 {
			return ResolvedChain{}, errors.Newf("network %q has no RPCs configured", networkName)
		}
		selected = &network.RPCs[0]
	}
	if strings.TrimSpace(selected.URL) == "" {
		return ResolvedChain{}, errors.Newf("network %q rpc %q url is empty", networkName, selected.Name)
	}

	return ResolvedChain{
		NetworkName: networkName,
		ChainID:     network.ChainID,
		RPCName:     selected.Name,
		URL:         selected.URL,
	}, nil
}

// Dial connects to the chain over JSON-RPC.
func Dial(ctx context.Context, chain ResolvedChain) (*Handle, error) {
	rc, err := rpc.DialContext(ctx, chain.URL)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to blockchain at %s", chain.RPCName)
	}
	var client qa_evm.BlockchainClient = ethclient.NewClient(rc)
	return NewHandle(chain.NetworkName, client, WithRPC(rc), WithChainID(chain.ChainID)), nil
}
