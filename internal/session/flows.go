package session

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/quantum-go-utils/retry"
	"github.com/quantumauth-io/wallet-session-client/internal/chains"
	"github.com/quantumauth-io/wallet-session-client/internal/constants"
	"github.com/quantumauth-io/wallet-session-client/internal/exchange"
	"github.com/quantumauth-io/wallet-session-client/internal/i18n"
	"github.com/quantumauth-io/wallet-session-client/internal/kvstore"
	"github.com/quantumauth-io/wallet-session-client/internal/metrics"
	"golang.org/x/sync/errgroup"
)

// acquire takes the single in-flight flow guard.
func (m *Manager) acquire() (release func(), err error) {
	if !m.inFlight.CompareAndSwap(false, true) {
		return nil, ErrLoginInProgress
	}
	return func() { m.inFlight.Store(false) }, nil
}

// begin marks an exchange as outstanding. waiting is only raised on a locked session.
func (m *Manager) begin() {
	m.update(func(s *State) {
		if !s.Unlocked {
			s.Waiting = true
		}
	})
}

// finish resolves waiting and loading to false. Every flow ends through here exactly once.
func (m *Manager) finish(fn func(s *State)) Snapshot {
	return m.update(func(s *State) {
		if fn != nil {
			fn(s)
		}
		s.Waiting = false
		s.Loading = false
	})
}

func (m *Manager) restore(ctx context.Context) error {
	release, err := m.acquire()
	if err != nil {
		return err
	}
	defer release()

	flowID := uuid.NewString()
	log.Info("restoring session", "flow_id", flowID,
		"has_private_key", m.hasLocalKey(), "has_third_party_token", m.seeds.ThirdPartyToken != "")

	var storedAddress string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, _, err := kvstore.Lookup(gctx, m.store, constants.KeyWalletAddress)
		if err != nil {
			log.Warn("failed to read stored wallet address", "flow_id", flowID, "error", err)
			return nil
		}
		storedAddress = v
		return nil
	})
	g.Go(func() error {
		if !m.hasLocalKey() {
			return nil
		}
		h, err := m.handles.Active()
		if err == nil {
			_, err = m.ensureRegistered(h)
		}
		if err != nil {
			log.Error("failed to register stored private key", "flow_id", flowID, "error", err)
		}
		return nil
	})
	_ = g.Wait()

	if storedAddress != "" {
		m.update(func(s *State) { s.WalletAddress = storedAddress })
	}

	switch {
	case m.seeds.ThirdPartyToken != "":
		return m.thirdPartyFlow(ctx, flowID, m.seeds.ThirdPartyToken, false)
	case m.hasLocalKey():
		return m.localKeyFlow(ctx, flowID, "", false)
	default:
		m.finish(func(s *State) { s.Unlocked = false })
		log.Info("no stored login evidence; session locked", "flow_id", flowID)
		return nil
	}
}

// LoginWithLocalKey registers the private key with the chain handle, persists it and
// exchanges a signed challenge for an access token.
func (m *Manager) LoginWithLocalKey(ctx context.Context, privateKeyHex string) error {
	release, err := m.acquire()
	if err != nil {
		return err
	}
	defer release()

	m.begin()
	return m.localKeyFlow(ctx, uuid.NewString(), strings.TrimSpace(privateKeyHex), true)
}

// LoginWithThirdPartyToken persists the provider token and, when online, exchanges it
// for backend credentials. Offline, the session unlocks without an exchange.
func (m *Manager) LoginWithThirdPartyToken(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("session: third-party token is empty")
	}
	release, err := m.acquire()
	if err != nil {
		return err
	}
	defer release()

	m.begin()
	return m.thirdPartyFlow(ctx, uuid.NewString(), token, true)
}

// Refresh re-runs the exchange for the current login method.
func (m *Manager) Refresh(ctx context.Context) error {
	release, err := m.acquire()
	if err != nil {
		return err
	}
	defer release()

	snap := m.Snapshot()
	flowID := uuid.NewString()
	switch snap.LoginMethod {
	case MethodLocalKey:
		m.begin()
		return m.localKeyFlow(ctx, flowID, "", false)
	case MethodThirdPartyToken:
		m.begin()
		return m.thirdPartyFlow(ctx, flowID, snap.ThirdPartyToken, false)
	default:
		return ErrNotLoggedIn
	}
}

// Logout resets the session to its locked defaults and removes the session's storage
// keys. Keys already registered with the chain handle stay registered.
func (m *Manager) Logout(ctx context.Context) error {
	release, err := m.acquire()
	if err != nil {
		return err
	}
	defer release()

	var failed []string
	for _, key := range constants.SessionKeys {
		if err := m.remove(ctx, key); err != nil {
			failed = append(failed, key)
		}
	}

	m.keyMu.Lock()
	m.localKey = nil
	m.keyMu.Unlock()

	m.update(func(s *State) {
		*s = State{LoginMethod: MethodNone}
	})
	log.Info("session logged out", "storage_failures", len(failed))

	if len(failed) > 0 {
		m.storageNotice()
		return &FlowError{Kind: KindStorage, Err: errors.Newf("failed to remove %s", strings.Join(failed, ", "))}
	}
	return nil
}

// localKeyFlow runs the local-key login. An empty privateKeyHex reuses the provisioned key.
func (m *Manager) localKeyFlow(ctx context.Context, flowID, privateKeyHex string, persistKey bool) error {
	method := string(MethodLocalKey)
	log.Info("login flow started", "flow_id", flowID, "method", method)

	h, err := m.handles.Active()
	if err != nil {
		return m.handleFailure(flowID, method, err)
	}
	if privateKeyHex != "" {
		if _, err := m.provision(privateKeyHex); err != nil {
			return m.handleFailure(flowID, method, err)
		}
	}
	addr, err := m.ensureRegistered(h)
	if err != nil {
		return m.handleFailure(flowID, method, err)
	}

	if persistKey {
		if err := m.set(ctx, constants.KeyPrivateKey, privateKeyHex); err != nil {
			m.storageNotice()
		}
	}

	start := time.Now()
	creds, err := m.exchange.ExchangeLocalKey(ctx, addr, h)
	m.metrics.ExchangeSeconds(method, time.Since(start).Seconds())
	if err == nil {
		err = validate(creds)
	}
	if err != nil {
		return m.exchangeFailure(flowID, method, err)
	}

	storageOK := m.set(ctx, constants.KeyAccessToken, creds.AccessToken) == nil
	storageOK = m.set(ctx, constants.KeyUserID, creds.UserID) == nil && storageOK
	storageOK = m.set(ctx, constants.KeyWalletAddress, addr.Hex()) == nil && storageOK
	storageOK = m.remove(ctx, constants.KeyThirdPartyToken) == nil && storageOK

	m.finish(func(s *State) {
		s.AccessToken = creds.AccessToken
		s.UserID = creds.UserID
		s.Unlocked = true
		s.LoginMethod = MethodLocalKey
		s.ThirdPartyToken = ""
		s.WalletAddress = addr.Hex()
	})
	if !storageOK {
		m.storageNotice()
	}
	m.metrics.Flow(method, metrics.OutcomeSuccess)
	log.Info("login flow succeeded", "flow_id", flowID, "method", method, "address", addr.Hex(), "user_id", creds.UserID)
	return nil
}

// thirdPartyFlow runs the third-party-token login.
func (m *Manager) thirdPartyFlow(ctx context.Context, flowID, token string, persistToken bool) error {
	method := string(MethodThirdPartyToken)
	log.Info("login flow started", "flow_id", flowID, "method", method)

	if persistToken {
		if err := m.set(ctx, constants.KeyThirdPartyToken, token); err != nil {
			m.storageNotice()
		}
	}
	m.update(func(s *State) { s.ThirdPartyToken = token })

	if m.reachability != nil && !m.reachability.IsConnected(ctx) {
		m.finish(func(s *State) {
			s.Unlocked = true
			s.LoginMethod = MethodThirdPartyToken
		})
		m.metrics.Flow(method, metrics.OutcomeOffline)
		log.Warn("backend login unavailable; continuing in offline mode", "flow_id", flowID, "method", method)
		return nil
	}

	start := time.Now()
	creds, err := m.exchange.ExchangeThirdPartyToken(ctx, token)
	m.metrics.ExchangeSeconds(method, time.Since(start).Seconds())
	if err == nil {
		err = validate(creds)
	}
	if err != nil {
		return m.exchangeFailure(flowID, method, err)
	}

	storageOK := m.setOrRemove(ctx, constants.KeyAccessToken, creds.AccessToken) == nil
	storageOK = m.setOrRemove(ctx, constants.KeyUserID, creds.UserID) == nil && storageOK

	wallet, resolveErr := m.resolveWallet(ctx, creds)
	if wallet != "" {
		storageOK = m.set(ctx, constants.KeyWalletAddress, wallet) == nil && storageOK
	}

	m.finish(func(s *State) {
		s.AccessToken = creds.AccessToken
		s.UserID = creds.UserID
		s.Unlocked = true
		s.LoginMethod = MethodThirdPartyToken
		if wallet != "" {
			s.WalletAddress = wallet
		}
	})
	if !storageOK {
		m.storageNotice()
	}
	m.metrics.Flow(method, metrics.OutcomeSuccess)

	if resolveErr != nil {
		log.Warn("could not resolve wallet accounts; keeping previous address", "flow_id", flowID, "error", resolveErr)
		m.notify(Notice{
			Kind:     KindAccountResolution,
			Severity: SeverityWarning,
			Title:    m.tr.T(i18n.WalletLookupTitle),
			Message:  m.tr.T(i18n.WalletLookupMessage),
		})
		return &FlowError{Kind: KindAccountResolution, Err: resolveErr}
	}
	log.Info("login flow succeeded", "flow_id", flowID, "method", method, "wallet", wallet, "user_id", creds.UserID)
	return nil
}

// resolveWallet lists the handle's accounts. The address reported by the exchange wins;
// otherwise the first account is used.
func (m *Manager) resolveWallet(ctx context.Context, creds exchange.Credentials) (string, error) {
	h, err := m.handles.Active()
	if err != nil {
		return "", err
	}
	accounts, err := h.Accounts(ctx)
	if err != nil {
		return "", err
	}
	if creds.WalletAddress != "" {
		return creds.WalletAddress, nil
	}
	if len(accounts) > 0 {
		return accounts[0].Hex(), nil
	}
	return "", nil
}

func validate(creds exchange.Credentials) error {
	if creds.AccessToken != "" && creds.UserID == "" {
		return &exchange.Failure{Code: exchange.CodeDecode, Message: "backend returned an access token without a user id"}
	}
	return nil
}

func (m *Manager) handleFailure(flowID, method string, err error) error {
	log.Error("login flow failed to prepare chain handle", "flow_id", flowID, "method", method, "error", err)
	m.finish(nil)
	m.metrics.Flow(method, metrics.OutcomeFailure)

	msg := m.tr.T(i18n.KeyRegistrationFailed)
	if errors.Is(err, chains.ErrInvalidKey) {
		msg = m.tr.T(i18n.InvalidPrivateKey)
	}
	m.notify(Notice{
		Kind:     KindHandleMutation,
		Severity: SeverityError,
		Title:    m.tr.T(i18n.LoginFailedTitle),
		Message:  msg,
	})
	return &FlowError{Kind: KindHandleMutation, Err: err}
}

func (m *Manager) exchangeFailure(flowID, method string, err error) error {
	m.finish(nil)
	m.metrics.Flow(method, metrics.OutcomeRejected)

	msg := m.tr.T(i18n.LoginFailedMessage)
	attrs := []interface{}{"flow_id", flowID, "method", method, "error", err}
	if f, ok := exchange.AsFailure(err); ok {
		if f.Message != "" {
			msg = f.Message
		}
		attrs = append(attrs, "code", f.Code, "retryable", f.Retryable)
	}
	log.Warn("login flow failed", attrs...)

	m.notify(Notice{
		Kind:     KindExchange,
		Severity: SeverityError,
		Title:    m.tr.T(i18n.LoginFailedTitle),
		Message:  msg,
	})
	return &FlowError{Kind: KindExchange, Err: err}
}

func (m *Manager) storageNotice() {
	m.notify(Notice{
		Kind:     KindStorage,
		Severity: SeverityWarning,
		Title:    m.tr.T(i18n.StorageWriteTitle),
		Message:  m.tr.T(i18n.StorageWriteMessage),
	})
}

func (m *Manager) hasLocalKey() bool {
	m.keyMu.Lock()
	defer m.keyMu.Unlock()
	return m.localKey != nil
}

func (m *Manager) set(ctx context.Context, key, value string) error {
	return m.write(ctx, "set", key, func(ctx context.Context) error {
		return m.store.Set(ctx, key, value)
	})
}

func (m *Manager) remove(ctx context.Context, key string) error {
	return m.write(ctx, "remove", key, func(ctx context.Context) error {
		return m.store.Remove(ctx, key)
	})
}

func (m *Manager) setOrRemove(ctx context.Context, key, value string) error {
	if value == "" {
		return m.remove(ctx, key)
	}
	return m.set(ctx, key, value)
}

// write retries a storage write within the configured window. A persistent failure is
// logged and counted; memory is then ahead of storage until the next successful write.
func (m *Manager) write(ctx context.Context, op, key string, fn func(ctx context.Context) error) error {
	var err error
	if m.writeWindow <= 0 {
		err = fn(ctx)
	} else {
		cfg := retry.DefaultConfig()
		cfg.MaxDelayBeforeRetrying = m.writeWindow / 4
		cfg.InitialDelayBeforeRetrying = m.writeWindow / 40

		rctx, cancel := context.WithTimeout(ctx, m.writeWindow)
		defer cancel()

		_, err = retry.Retry(rctx, cfg,
			func(ctx context.Context) ([]interface{}, error) {
				return nil, fn(ctx)
			},
			nil, // always retry
			"session store "+op)
	}
	if err != nil {
		m.metrics.StorageFailure(op)
		log.Error("session store write failed", "op", op, "key", key, "error", err)
		return errors.Wrapf(err, "%s %s", op, key)
	}
	return nil
}

// LocalAddress returns the address of the provisioned local key, if registered.
func (m *Manager) LocalAddress() (common.Address, bool) {
	m.keyMu.Lock()
	defer m.keyMu.Unlock()
	return m.localAddr, m.localKey != nil && m.registeredWith != 0
}
