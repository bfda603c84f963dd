// Package session owns the wallet session: restoration from the persistent store, the
// local-key and third-party-token login flows, logout and refresh. Consumers read
// snapshots; only the Manager mutates state or the chain handle's key registry.
package session

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/awnumar/memguard"
	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/wallet-session-client/internal/chains"
	"github.com/quantumauth-io/wallet-session-client/internal/contracts"
	"github.com/quantumauth-io/wallet-session-client/internal/exchange"
	"github.com/quantumauth-io/wallet-session-client/internal/i18n"
	"github.com/quantumauth-io/wallet-session-client/internal/kvstore"
	"github.com/quantumauth-io/wallet-session-client/internal/metrics"
	"github.com/quantumauth-io/wallet-session-client/internal/netstatus"
)

const (
	HeaderAuthorization = "Authorization"
	HeaderUserID        = "X-User-Id"

	DefaultWriteRetryWindow = 3 * time.Second
)

// Exchanger trades login evidence for backend credentials.
type Exchanger interface {
	ExchangeLocalKey(ctx context.Context, addr common.Address, signer exchange.Signer) (exchange.Credentials, error)
	ExchangeThirdPartyToken(ctx context.Context, token string) (exchange.Credentials, error)
}

// Handles supplies the active chain handle and announces replacements.
type Handles interface {
	Active() (*chains.Handle, error)
	OnReplace(fn chains.ReplaceFunc)
}

type Config struct {
	Store        kvstore.Store
	Exchange     Exchanger
	Handles      Handles
	Reachability netstatus.Checker
	Contracts    *contracts.Registry
	Translator   *i18n.Translator
	Metrics      *metrics.Metrics
	Seeds        Seeds

	// WriteRetryWindow bounds retries of security-relevant storage writes.
	WriteRetryWindow time.Duration
}

type Manager struct {
	store        kvstore.Store
	exchange     Exchanger
	handles      Handles
	reachability netstatus.Checker
	registry     *contracts.Registry
	tr           *i18n.Translator
	metrics      *metrics.Metrics
	seeds        Seeds
	writeWindow  time.Duration

	mu      sync.RWMutex
	state   State
	version uint64

	inFlight atomic.Bool
	started  atomic.Bool

	ready     chan struct{}
	readyOnce sync.Once

	// keyMu guards the provisioned local key and the identity of the handle it was
	// last registered with.
	keyMu          sync.Mutex
	localKey       *memguard.Enclave
	localAddr      common.Address
	registeredWith uint64

	bindings *contracts.Cache

	subMu  sync.Mutex
	subSeq uint64
	subs   map[uint64]*Subscription
	closed bool
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("session: store is required")
	}
	if cfg.Exchange == nil {
		return nil, errors.New("session: exchange service is required")
	}
	if cfg.Handles == nil {
		return nil, errors.New("session: chain handles are required")
	}
	if cfg.Translator == nil {
		cfg.Translator = i18n.New("")
	}
	if cfg.Contracts == nil {
		cfg.Contracts = &contracts.Registry{}
	}
	window := cfg.WriteRetryWindow
	if window == 0 {
		window = DefaultWriteRetryWindow
	}

	m := &Manager{
		store:        cfg.Store,
		exchange:     cfg.Exchange,
		handles:      cfg.Handles,
		reachability: cfg.Reachability,
		registry:     cfg.Contracts,
		tr:           cfg.Translator,
		metrics:      cfg.Metrics,
		seeds:        cfg.Seeds,
		writeWindow:  window,
		ready:        make(chan struct{}),
		bindings:     contracts.NewCache(),
		subs:         make(map[uint64]*Subscription),
	}

	m.state = initialState()
	m.state.WalletAddress = cfg.Seeds.WalletAddress
	m.state.ThirdPartyToken = cfg.Seeds.ThirdPartyToken
	m.state.AccessToken = cfg.Seeds.AccessToken
	m.state.UserID = cfg.Seeds.UserID
	m.state.normalize()

	if cfg.Seeds.PrivateKey != "" {
		m.localKey = memguard.NewEnclave([]byte(cfg.Seeds.PrivateKey))
	}

	cfg.Handles.OnReplace(m.onHandleReplaced)
	return m, nil
}

// Start runs restoration in the background. It may be called once.
func (m *Manager) Start(ctx context.Context) {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		if err := m.restore(ctx); err != nil {
			log.Warn("session restoration finished with error", "error", err)
		}
	}()
}

// Restore runs restoration synchronously. It may be called once, instead of Start.
func (m *Manager) Restore(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return errors.New("session: restoration already started")
	}
	return m.restore(ctx)
}

// Ready is closed once loading has flipped to false.
func (m *Manager) Ready() <-chan struct{} { return m.ready }

func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{State: m.state, Version: m.version}
}

func (m *Manager) Unlocked() bool        { return m.Snapshot().Unlocked }
func (m *Manager) Waiting() bool         { return m.Snapshot().Waiting }
func (m *Manager) Loading() bool         { return m.Snapshot().Loading }
func (m *Manager) WalletAddress() string { return m.Snapshot().WalletAddress }
func (m *Manager) AccessToken() string   { return m.Snapshot().AccessToken }
func (m *Manager) UserID() string        { return m.Snapshot().UserID }

func (m *Manager) LoginMethod() LoginMethod { return m.Snapshot().LoginMethod }

// AuthorizeRequest attaches the session's credentials to an outgoing backend request.
func (m *Manager) AuthorizeRequest(req *http.Request) error {
	snap := m.Snapshot()
	if !snap.Authenticated() {
		return ErrNotAuthenticated
	}
	req.Header.Set(HeaderAuthorization, "Bearer "+snap.AccessToken)
	if snap.UserID != "" {
		req.Header.Set(HeaderUserID, snap.UserID)
	}
	return nil
}

// TransactOpts returns a transactor signing with the provisioned local key on the active
// handle.
func (m *Manager) TransactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	h, err := m.handles.Active()
	if err != nil {
		return nil, err
	}
	addr, err := m.ensureRegistered(h)
	if err != nil {
		return nil, err
	}
	return h.TransactOpts(ctx, addr)
}

// Contract returns the memoized binding of a named contract on the active handle.
func (m *Manager) Contract(name string) (*bind.BoundContract, error) {
	def, err := m.registry.Lookup(name)
	if err != nil {
		return nil, err
	}
	h, err := m.handles.Active()
	if err != nil {
		return nil, err
	}
	return m.bindings.Bind(h, def), nil
}

// Contracts lists the configured contract names.
func (m *Manager) Contracts() []string { return m.registry.Names() }

// Close ends every subscription.
func (m *Manager) Close() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for id, s := range m.subs {
		s.close()
		delete(m.subs, id)
	}
}

// update applies fn to the state as one atomic transition and publishes the result.
// subMu is held across the commit so subscribers see versions in order.
func (m *Manager) update(fn func(s *State)) Snapshot {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	m.mu.Lock()
	fn(&m.state)
	m.state.normalize()
	m.version++
	snap := Snapshot{State: m.state, Version: m.version}
	m.mu.Unlock()

	if !snap.Loading {
		m.readyOnce.Do(func() { close(m.ready) })
	}
	m.metrics.SetUnlocked(snap.Unlocked)
	m.publishLocked(snap)
	return snap
}

// ensureRegistered registers the provisioned key with h unless h is the handle it was
// last registered with.
func (m *Manager) ensureRegistered(h *chains.Handle) (common.Address, error) {
	m.keyMu.Lock()
	defer m.keyMu.Unlock()

	if m.localKey == nil {
		return common.Address{}, ErrNoLocalKey
	}
	if m.registeredWith == h.ID() {
		return m.localAddr, nil
	}

	buf, err := m.localKey.Open()
	if err != nil {
		return common.Address{}, errors.Wrap(err, "open local key")
	}
	defer buf.Destroy()

	addr, err := h.RegisterKey(string(buf.Bytes()))
	if err != nil {
		return common.Address{}, err
	}
	m.registeredWith = h.ID()
	m.localAddr = addr
	log.Info("local key registered with chain handle", "address", addr.Hex(), "handle_id", h.ID())
	return addr, nil
}

// provision replaces the local key and forgets the registration marker when the key
// changes.
func (m *Manager) provision(privateKeyHex string) (common.Address, error) {
	addr, err := chains.AddressFromKey(privateKeyHex)
	if err != nil {
		return common.Address{}, err
	}

	m.keyMu.Lock()
	defer m.keyMu.Unlock()
	if m.localKey != nil && m.localAddr == addr {
		return addr, nil
	}
	m.localKey = memguard.NewEnclave([]byte(privateKeyHex))
	m.localAddr = addr
	m.registeredWith = 0
	return addr, nil
}

func (m *Manager) onHandleReplaced(old, current *chains.Handle) {
	if old != nil {
		m.bindings.Forget(old.ID())
		m.metrics.HandleReplaced()
	}
	if current == nil {
		return
	}
	m.keyMu.Lock()
	hasKey := m.localKey != nil
	m.keyMu.Unlock()
	if !hasKey {
		return
	}
	if _, err := m.ensureRegistered(current); err != nil {
		log.Error("failed to register local key with replacement handle", "handle_id", current.ID(), "error", err)
		m.notify(Notice{
			Kind:     KindHandleMutation,
			Severity: SeverityError,
			Title:    m.tr.T(i18n.LoginFailedTitle),
			Message:  m.tr.T(i18n.KeyRegistrationFailed),
		})
	}
}
