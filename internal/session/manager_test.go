package session

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/quantumauth-io/wallet-session-client/internal/chains"
	"github.com/quantumauth-io/wallet-session-client/internal/constants"
	"github.com/quantumauth-io/wallet-session-client/internal/contracts"
	"github.com/quantumauth-io/wallet-session-client/internal/exchange"
	"github.com/quantumauth-io/wallet-session-client/internal/i18n"
	"github.com/quantumauth-io/wallet-session-client/internal/kvstore"
	"github.com/quantumauth-io/wallet-session-client/internal/netstatus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

var testKeyAddr = common.HexToAddress("0x2c7536E3605D9C16a7a3D7b1898e529396a65c23")

type fakeExchange struct {
	localCalls atomic.Int32
	tokenCalls atomic.Int32

	local func(addr common.Address, signer exchange.Signer) (exchange.Credentials, error)
	token func(token string) (exchange.Credentials, error)
}

func (f *fakeExchange) ExchangeLocalKey(_ context.Context, addr common.Address, signer exchange.Signer) (exchange.Credentials, error) {
	f.localCalls.Add(1)
	if f.local == nil {
		return exchange.Credentials{}, errors.New("unexpected local-key exchange")
	}
	return f.local(addr, signer)
}

func (f *fakeExchange) ExchangeThirdPartyToken(_ context.Context, token string) (exchange.Credentials, error) {
	f.tokenCalls.Add(1)
	if f.token == nil {
		return exchange.Credentials{}, errors.New("unexpected token exchange")
	}
	return f.token(token)
}

type staticHandles struct {
	mu        sync.Mutex
	h         *chains.Handle
	listeners []chains.ReplaceFunc
}

func (s *staticHandles) Active() (*chains.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.h, nil
}

func (s *staticHandles) OnReplace(fn chains.ReplaceFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *staticHandles) replace(h *chains.Handle) {
	s.mu.Lock()
	old := s.h
	s.h = h
	listeners := append([]chains.ReplaceFunc(nil), s.listeners...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(old, h)
	}
}

type ethAPI struct{ accounts []common.Address }

func (e *ethAPI) Accounts() []common.Address { return e.accounts }

// rpcHandle returns a handle whose eth_accounts is served in-process. With accounts ==
// nil no eth namespace is registered and every call fails.
func rpcHandle(t *testing.T, accounts []common.Address) *chains.Handle {
	t.Helper()
	srv := rpc.NewServer()
	if accounts != nil {
		require.NoError(t, srv.RegisterName("eth", &ethAPI{accounts: accounts}))
	}
	t.Cleanup(srv.Stop)
	h := chains.NewHandle("test", nil, chains.WithRPC(rpc.DialInProc(srv)), chains.WithChainID(1337))
	t.Cleanup(h.Close)
	return h
}

// failingStore fails every write.
type failingStore struct{ kvstore.Store }

func (failingStore) Set(context.Context, string, string) error { return errors.New("disk full") }

func (failingStore) Remove(context.Context, string) error { return errors.New("disk full") }

type fixture struct {
	m       *Manager
	store   *kvstore.Memory
	ex      *fakeExchange
	handles *staticHandles
	net     *netstatus.Static
}

type fixtureOpt func(*Config)

func newFixture(t *testing.T, seeds Seeds, opts ...fixtureOpt) *fixture {
	t.Helper()
	h := chains.NewHandle("test", nil, chains.WithChainID(1337))
	t.Cleanup(h.Close)

	f := &fixture{
		store:   kvstore.NewMemory(),
		ex:      &fakeExchange{},
		handles: &staticHandles{h: h},
		net:     netstatus.NewStatic(true),
	}
	cfg := Config{
		Store:            f.store,
		Exchange:         f.ex,
		Handles:          f.handles,
		Reachability:     f.net,
		Seeds:            seeds,
		WriteRetryWindow: -1,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	m, err := NewManager(cfg)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	f.m = m
	return f
}

func (f *fixture) stored(t *testing.T, key string) string {
	t.Helper()
	v, _, err := kvstore.Lookup(context.Background(), f.store, key)
	require.NoError(t, err)
	return v
}

func (f *fixture) handle() *chains.Handle {
	h, _ := f.handles.Active()
	return h
}

func expectNotice(t *testing.T, sub *Subscription, kind Kind) Notice {
	t.Helper()
	select {
	case n := <-sub.Notices():
		assert.Equal(t, kind, n.Kind)
		return n
	case <-time.After(time.Second):
		t.Fatalf("no %s notice", kind)
		return Notice{}
	}
}

func assertInvariants(t *testing.T, s Snapshot) {
	t.Helper()
	assert.Equal(t, s.UserID != "", s.AccessToken != "", "userId present iff accessToken present (v%d)", s.Version)
	if s.Unlocked {
		assert.False(t, s.Waiting, "unlocked observed while waiting (v%d)", s.Version)
	}
}

func TestInitialState(t *testing.T) {
	f := newFixture(t, Seeds{UserID: "orphan"})
	s := f.m.Snapshot()
	assert.True(t, s.Loading)
	assert.True(t, s.Waiting)
	assert.False(t, s.Unlocked)
	assert.Equal(t, MethodNone, s.LoginMethod)
	assert.Empty(t, s.UserID, "user id without access token is dropped")
	assertInvariants(t, s)
}

func TestThirdPartyOnlineSuccessPersists(t *testing.T) {
	f := newFixture(t, Seeds{})
	f.ex.token = func(token string) (exchange.Credentials, error) {
		assert.Equal(t, "magic-1", token)
		return exchange.Credentials{AccessToken: "tok1", UserID: "u1", WalletAddress: "0xabc"}, nil
	}

	require.NoError(t, f.m.LoginWithThirdPartyToken(context.Background(), "magic-1"))

	s := f.m.Snapshot()
	assert.True(t, s.Unlocked)
	assert.False(t, s.Waiting)
	assert.False(t, s.Loading)
	assert.Equal(t, "tok1", s.AccessToken)
	assert.Equal(t, "u1", s.UserID)
	assert.Equal(t, "0xabc", s.WalletAddress)
	assert.Equal(t, MethodThirdPartyToken, s.LoginMethod)

	assert.Equal(t, "tok1", f.stored(t, constants.KeyAccessToken))
	assert.Equal(t, "u1", f.stored(t, constants.KeyUserID))
	assert.Equal(t, "0xabc", f.stored(t, constants.KeyWalletAddress))
	assert.Equal(t, "magic-1", f.stored(t, constants.KeyThirdPartyToken))

	select {
	case <-f.m.Ready():
	default:
		t.Fatal("ready not closed")
	}
}

func TestThirdPartyEmptyTokenRemovesStoredCredentials(t *testing.T) {
	f := newFixture(t, Seeds{})
	require.NoError(t, f.store.Set(context.Background(), constants.KeyAccessToken, "stale"))
	require.NoError(t, f.store.Set(context.Background(), constants.KeyUserID, "ustale"))
	f.ex.token = func(string) (exchange.Credentials, error) {
		return exchange.Credentials{WalletAddress: "0xabc"}, nil
	}

	require.NoError(t, f.m.LoginWithThirdPartyToken(context.Background(), "magic-1"))
	assert.Empty(t, f.stored(t, constants.KeyAccessToken))
	assert.Empty(t, f.stored(t, constants.KeyUserID))
	assert.True(t, f.m.Unlocked())
	assertInvariants(t, f.m.Snapshot())
}

func TestThirdPartyOfflineFallback(t *testing.T) {
	f := newFixture(t, Seeds{AccessToken: "old", UserID: "uold"})
	f.net.Set(false)

	require.NoError(t, f.m.LoginWithThirdPartyToken(context.Background(), "magic-1"))

	assert.Zero(t, f.ex.tokenCalls.Load())
	s := f.m.Snapshot()
	assert.True(t, s.Unlocked)
	assert.False(t, s.Waiting)
	assert.False(t, s.Loading)
	assert.Equal(t, "old", s.AccessToken)
	assert.Equal(t, "uold", s.UserID)
	assert.Equal(t, "magic-1", s.ThirdPartyToken)
	assert.Equal(t, "magic-1", f.stored(t, constants.KeyThirdPartyToken))
}

func TestExchangeFailureKeepsPriorToken(t *testing.T) {
	f := newFixture(t, Seeds{AccessToken: "prev", UserID: "uprev"})
	sub := f.m.Subscribe(context.Background())
	f.ex.token = func(string) (exchange.Credentials, error) {
		return exchange.Credentials{}, &exchange.Failure{Code: exchange.CodeRejected, Message: "token expired", Status: 403}
	}

	err := f.m.LoginWithThirdPartyToken(context.Background(), "magic-1")
	require.Error(t, err)
	assert.True(t, IsKind(err, KindExchange))
	fail, ok := exchange.AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, 403, fail.Status)

	s := f.m.Snapshot()
	assert.Equal(t, "prev", s.AccessToken)
	assert.False(t, s.Unlocked)
	assert.False(t, s.Waiting)
	assert.False(t, s.Loading)

	n := expectNotice(t, sub, KindExchange)
	assert.Equal(t, "Login failed", n.Title)
	assert.Equal(t, "token expired", n.Message)
	assert.Equal(t, SeverityError, n.Severity)
}

func TestExchangeFailureWithoutMessageUsesLocalizedFallback(t *testing.T) {
	f := newFixture(t, Seeds{})
	sub := f.m.Subscribe(context.Background())
	f.ex.token = func(string) (exchange.Credentials, error) {
		return exchange.Credentials{}, errors.New("boom")
	}

	require.Error(t, f.m.LoginWithThirdPartyToken(context.Background(), "magic-1"))
	n := expectNotice(t, sub, KindExchange)
	assert.Equal(t, "We could not sign you in. Please try again.", n.Message)
}

func TestTokenWithoutUserIDIsRejected(t *testing.T) {
	f := newFixture(t, Seeds{})
	f.ex.token = func(string) (exchange.Credentials, error) {
		return exchange.Credentials{AccessToken: "tok"}, nil
	}

	err := f.m.LoginWithThirdPartyToken(context.Background(), "magic-1")
	assert.True(t, IsKind(err, KindExchange))
	assert.Empty(t, f.m.AccessToken())
}

func TestLocalKeyLogin(t *testing.T) {
	f := newFixture(t, Seeds{})
	f.ex.local = func(addr common.Address, signer exchange.Signer) (exchange.Credentials, error) {
		assert.Equal(t, testKeyAddr, addr)
		sig, err := signer.SignText(addr, []byte("nonce"))
		require.NoError(t, err)
		assert.Len(t, sig, 65)
		return exchange.Credentials{AccessToken: "tok-key", UserID: "u9"}, nil
	}

	require.NoError(t, f.m.LoginWithLocalKey(context.Background(), "0x"+testKeyHex))

	s := f.m.Snapshot()
	assert.True(t, s.Unlocked)
	assert.False(t, s.Waiting)
	assert.Equal(t, MethodLocalKey, s.LoginMethod)
	assert.Equal(t, "tok-key", s.AccessToken)
	assert.Equal(t, "u9", s.UserID)
	assert.Equal(t, testKeyAddr.Hex(), s.WalletAddress)
	assert.True(t, f.handle().HasAccount(testKeyAddr))

	assert.Equal(t, "0x"+testKeyHex, f.stored(t, constants.KeyPrivateKey))
	assert.Equal(t, "tok-key", f.stored(t, constants.KeyAccessToken))
	assert.Equal(t, "u9", f.stored(t, constants.KeyUserID))
	assert.Equal(t, testKeyAddr.Hex(), f.stored(t, constants.KeyWalletAddress))

	addr, ok := f.m.LocalAddress()
	assert.True(t, ok)
	assert.Equal(t, testKeyAddr, addr)
}

func TestLocalKeyFailureKeepsKeyRegistered(t *testing.T) {
	f := newFixture(t, Seeds{})
	f.ex.local = func(common.Address, exchange.Signer) (exchange.Credentials, error) {
		return exchange.Credentials{}, &exchange.Failure{Code: exchange.CodeTimeout, Retryable: true}
	}

	err := f.m.LoginWithLocalKey(context.Background(), testKeyHex)
	assert.True(t, IsKind(err, KindExchange))
	assert.True(t, f.handle().HasAccount(testKeyAddr))
	assert.Equal(t, testKeyHex, f.stored(t, constants.KeyPrivateKey))
	assert.False(t, f.m.Unlocked())
	assert.False(t, f.m.Waiting())
	assert.Empty(t, f.m.AccessToken())
}

func TestKeyRegistrationIsIdempotent(t *testing.T) {
	f := newFixture(t, Seeds{PrivateKey: testKeyHex})
	f.ex.local = func(common.Address, exchange.Signer) (exchange.Credentials, error) {
		return exchange.Credentials{AccessToken: "t", UserID: "u"}, nil
	}

	require.NoError(t, f.m.Restore(context.Background()))
	require.NoError(t, f.m.LoginWithLocalKey(context.Background(), testKeyHex))
	require.NoError(t, f.m.LoginWithLocalKey(context.Background(), testKeyHex))

	assert.Len(t, f.handle().LocalAccounts(), 1)
	assert.EqualValues(t, 3, f.ex.localCalls.Load())
}

func TestInvalidKeyIsHandleMutationFailure(t *testing.T) {
	f := newFixture(t, Seeds{})
	sub := f.m.Subscribe(context.Background())

	err := f.m.LoginWithLocalKey(context.Background(), "not-a-key")
	assert.True(t, IsKind(err, KindHandleMutation))
	assert.ErrorIs(t, err, chains.ErrInvalidKey)
	assert.Zero(t, f.ex.localCalls.Load())
	assert.False(t, f.m.Unlocked())
	assert.False(t, f.m.Waiting())
	n := expectNotice(t, sub, KindHandleMutation)
	assert.Equal(t, i18n.New("").T(i18n.InvalidPrivateKey), n.Message)
	assert.NotContains(t, n.Message, "length")

	es := newFixture(t, Seeds{}, func(c *Config) { c.Translator = i18n.New("es") })
	esSub := es.m.Subscribe(context.Background())
	_ = es.m.LoginWithLocalKey(context.Background(), "not-a-key")
	n = expectNotice(t, esSub, KindHandleMutation)
	assert.Equal(t, i18n.New("es").T(i18n.InvalidPrivateKey), n.Message)
}

func TestConcurrentLoginIsRejected(t *testing.T) {
	f := newFixture(t, Seeds{})
	entered := make(chan struct{})
	release := make(chan struct{})
	f.ex.token = func(string) (exchange.Credentials, error) {
		close(entered)
		<-release
		return exchange.Credentials{AccessToken: "tok1", UserID: "u1"}, nil
	}

	done := make(chan error, 1)
	go func() { done <- f.m.LoginWithThirdPartyToken(context.Background(), "magic-1") }()
	<-entered

	assert.ErrorIs(t, f.m.LoginWithThirdPartyToken(context.Background(), "magic-2"), ErrLoginInProgress)
	assert.ErrorIs(t, f.m.LoginWithLocalKey(context.Background(), testKeyHex), ErrLoginInProgress)
	assert.ErrorIs(t, f.m.Logout(context.Background()), ErrLoginInProgress)

	close(release)
	require.NoError(t, <-done)
	assert.EqualValues(t, 1, f.ex.tokenCalls.Load())
	assert.Equal(t, "magic-1", f.stored(t, constants.KeyThirdPartyToken))
}

func TestWaitingWhileExchangeOutstanding(t *testing.T) {
	f := newFixture(t, Seeds{})
	require.NoError(t, f.m.Restore(context.Background()))
	require.False(t, f.m.Waiting())

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	f.ex.token = func(string) (exchange.Credentials, error) {
		entered <- struct{}{}
		<-release
		return exchange.Credentials{AccessToken: "tok1", UserID: "u1"}, nil
	}

	done := make(chan error, 1)
	go func() { done <- f.m.LoginWithThirdPartyToken(context.Background(), "magic-1") }()
	<-entered

	s := f.m.Snapshot()
	assert.True(t, s.Waiting)
	assert.False(t, s.Unlocked)

	release <- struct{}{}
	require.NoError(t, <-done)
	s = f.m.Snapshot()
	assert.False(t, s.Waiting)
	assert.True(t, s.Unlocked)

	// A refresh of an unlocked session does not raise waiting.
	go func() { done <- f.m.Refresh(context.Background()) }()
	<-entered
	assert.False(t, f.m.Waiting())
	assert.True(t, f.m.Unlocked())
	release <- struct{}{}
	require.NoError(t, <-done)
	assert.EqualValues(t, 2, f.ex.tokenCalls.Load())
}

func TestLogoutClearsSessionAndKeepsHandleKey(t *testing.T) {
	f := newFixture(t, Seeds{})
	f.ex.local = func(common.Address, exchange.Signer) (exchange.Credentials, error) {
		return exchange.Credentials{AccessToken: "tok-key", UserID: "u9"}, nil
	}
	require.NoError(t, f.m.LoginWithLocalKey(context.Background(), testKeyHex))
	require.NoError(t, f.store.Set(context.Background(), constants.KeyLocale, "es"))

	require.NoError(t, f.m.Logout(context.Background()))

	s := f.m.Snapshot()
	assert.False(t, s.Unlocked)
	assert.Empty(t, s.AccessToken)
	assert.Empty(t, s.UserID)
	assert.Empty(t, s.WalletAddress)
	assert.Equal(t, MethodNone, s.LoginMethod)
	assert.True(t, f.handle().HasAccount(testKeyAddr))

	for _, key := range constants.SessionKeys {
		assert.Empty(t, f.stored(t, key), key)
	}
	assert.Equal(t, "es", f.stored(t, constants.KeyLocale), "non-session keys are untouched")
	assert.ErrorIs(t, f.m.Refresh(context.Background()), ErrNotLoggedIn)
}

func TestRestoreWithOnlyStoredAddress(t *testing.T) {
	f := newFixture(t, Seeds{})
	require.NoError(t, f.store.Set(context.Background(), constants.KeyWalletAddress, "0xdef"))

	require.NoError(t, f.m.Restore(context.Background()))

	s := f.m.Snapshot()
	assert.Equal(t, "0xdef", s.WalletAddress)
	assert.False(t, s.Unlocked)
	assert.False(t, s.Waiting)
	assert.False(t, s.Loading)
	assert.Zero(t, f.ex.tokenCalls.Load())
	assert.Zero(t, f.ex.localCalls.Load())
}

func TestRestoreRunsThirdPartyFlow(t *testing.T) {
	f := newFixture(t, Seeds{ThirdPartyToken: "magic-1", PrivateKey: testKeyHex})
	f.ex.token = func(string) (exchange.Credentials, error) {
		return exchange.Credentials{AccessToken: "tok1", UserID: "u1", WalletAddress: "0xabc"}, nil
	}

	f.m.Start(context.Background())
	select {
	case <-f.m.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("restoration did not finish")
	}

	s := f.m.Snapshot()
	assert.True(t, s.Unlocked)
	assert.Equal(t, MethodThirdPartyToken, s.LoginMethod)
	assert.Zero(t, f.ex.localCalls.Load())
	assert.True(t, f.handle().HasAccount(testKeyAddr), "provisioned key is registered independently")
	assert.Error(t, f.m.Restore(context.Background()))
}

func TestRestoreRunsLocalKeyFlow(t *testing.T) {
	f := newFixture(t, Seeds{PrivateKey: testKeyHex})
	f.ex.local = func(common.Address, exchange.Signer) (exchange.Credentials, error) {
		return exchange.Credentials{AccessToken: "tok-key", UserID: "u9"}, nil
	}

	require.NoError(t, f.m.Restore(context.Background()))
	s := f.m.Snapshot()
	assert.True(t, s.Unlocked)
	assert.False(t, s.Loading)
	assert.Equal(t, MethodLocalKey, s.LoginMethod)
}

func TestAccountResolutionFailureKeepsAddress(t *testing.T) {
	f := newFixture(t, Seeds{WalletAddress: "0xprev"})
	f.handles.replace(rpcHandle(t, nil))
	sub := f.m.Subscribe(context.Background())
	f.ex.token = func(string) (exchange.Credentials, error) {
		return exchange.Credentials{AccessToken: "tok1", UserID: "u1", WalletAddress: "0xnew"}, nil
	}

	err := f.m.LoginWithThirdPartyToken(context.Background(), "magic-1")
	assert.True(t, IsKind(err, KindAccountResolution))

	s := f.m.Snapshot()
	assert.True(t, s.Unlocked)
	assert.False(t, s.Waiting)
	assert.False(t, s.Loading)
	assert.Equal(t, "0xprev", s.WalletAddress)
	assert.Equal(t, "tok1", s.AccessToken)

	n := expectNotice(t, sub, KindAccountResolution)
	assert.Equal(t, SeverityWarning, n.Severity)
}

func TestWalletFallsBackToFirstAccount(t *testing.T) {
	first := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	f := newFixture(t, Seeds{})
	f.handles.replace(rpcHandle(t, []common.Address{first}))
	f.ex.token = func(string) (exchange.Credentials, error) {
		return exchange.Credentials{AccessToken: "tok1", UserID: "u1"}, nil
	}

	require.NoError(t, f.m.LoginWithThirdPartyToken(context.Background(), "magic-1"))
	assert.Equal(t, first.Hex(), f.m.WalletAddress())
	assert.Equal(t, first.Hex(), f.stored(t, constants.KeyWalletAddress))
}

func TestStorageFailureLeavesMemoryAhead(t *testing.T) {
	f := newFixture(t, Seeds{}, func(c *Config) {
		c.Store = failingStore{Store: kvstore.NewMemory()}
	})
	sub := f.m.Subscribe(context.Background())
	f.ex.token = func(string) (exchange.Credentials, error) {
		return exchange.Credentials{AccessToken: "tok1", UserID: "u1", WalletAddress: "0xabc"}, nil
	}

	require.NoError(t, f.m.LoginWithThirdPartyToken(context.Background(), "magic-1"))
	assert.True(t, f.m.Unlocked())
	assert.Equal(t, "tok1", f.m.AccessToken())
	expectNotice(t, sub, KindStorage)
}

func TestStorageWriteIsRetried(t *testing.T) {
	flaky := &flakyStore{Memory: kvstore.NewMemory(), failures: 2}
	f := newFixture(t, Seeds{}, func(c *Config) {
		c.Store = flaky
		c.WriteRetryWindow = 2 * time.Second
	})
	f.ex.token = func(string) (exchange.Credentials, error) {
		return exchange.Credentials{AccessToken: "tok1", UserID: "u1"}, nil
	}

	require.NoError(t, f.m.LoginWithThirdPartyToken(context.Background(), "magic-1"))
	v, err := flaky.Get(context.Background(), constants.KeyThirdPartyToken)
	require.NoError(t, err)
	assert.Equal(t, "magic-1", v)
}

type flakyStore struct {
	*kvstore.Memory
	mu       sync.Mutex
	failures int
}

func (s *flakyStore) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return errors.New("temporarily unavailable")
	}
	s.mu.Unlock()
	return s.Memory.Set(ctx, key, value)
}

func TestHandleReplacementReRegistersKeyAndRebinds(t *testing.T) {
	parsed, err := abi.JSON(strings.NewReader(`[{"type":"function","name":"plant","inputs":[],"outputs":[],"stateMutability":"nonpayable"}]`))
	require.NoError(t, err)
	reg := &contracts.Registry{}
	reg.Add(contracts.Definition{Name: contracts.Planter, Address: common.HexToAddress("0xa1"), ABI: parsed})

	f := newFixture(t, Seeds{PrivateKey: testKeyHex}, func(c *Config) { c.Contracts = reg })
	f.ex.local = func(common.Address, exchange.Signer) (exchange.Credentials, error) {
		return exchange.Credentials{AccessToken: "tok-key", UserID: "u9"}, nil
	}
	require.NoError(t, f.m.Restore(context.Background()))
	require.True(t, f.m.Unlocked())

	first, err := f.m.Contract("planter")
	require.NoError(t, err)
	again, err := f.m.Contract(contracts.Planter)
	require.NoError(t, err)
	assert.Same(t, first, again)

	next := chains.NewHandle("test", nil, chains.WithChainID(1337))
	t.Cleanup(next.Close)
	f.handles.replace(next)

	assert.True(t, next.HasAccount(testKeyAddr))
	rebound, err := f.m.Contract(contracts.Planter)
	require.NoError(t, err)
	assert.NotSame(t, first, rebound)

	_, err = f.m.Contract(contracts.TreeFactory)
	assert.ErrorIs(t, err, contracts.ErrUnknownContract)
	assert.Equal(t, []string{contracts.Planter}, f.m.Contracts())
}

func TestTransactOpts(t *testing.T) {
	f := newFixture(t, Seeds{})
	_, err := f.m.TransactOpts(context.Background())
	assert.ErrorIs(t, err, ErrNoLocalKey)

	f2 := newFixture(t, Seeds{PrivateKey: testKeyHex})
	opts, err := f2.m.TransactOpts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testKeyAddr, opts.From)
}

func TestAuthorizeRequest(t *testing.T) {
	f := newFixture(t, Seeds{})
	req, err := http.NewRequest(http.MethodGet, "https://api.example/trees", nil)
	require.NoError(t, err)
	assert.ErrorIs(t, f.m.AuthorizeRequest(req), ErrNotAuthenticated)

	f2 := newFixture(t, Seeds{AccessToken: "tok1", UserID: "u1"})
	require.NoError(t, f2.m.AuthorizeRequest(req))
	assert.Equal(t, "Bearer tok1", req.Header.Get(HeaderAuthorization))
	assert.Equal(t, "u1", req.Header.Get(HeaderUserID))
}

func TestRefresh(t *testing.T) {
	f := newFixture(t, Seeds{})
	assert.ErrorIs(t, f.m.Refresh(context.Background()), ErrNotLoggedIn)

	n := 0
	f.ex.token = func(string) (exchange.Credentials, error) {
		n++
		return exchange.Credentials{AccessToken: "tok" + string(rune('0'+n)), UserID: "u1"}, nil
	}
	require.NoError(t, f.m.LoginWithThirdPartyToken(context.Background(), "magic-1"))
	require.NoError(t, f.m.Refresh(context.Background()))
	assert.Equal(t, "tok2", f.m.AccessToken())
	assert.Equal(t, "tok2", f.stored(t, constants.KeyAccessToken))
}

func TestSubscribersNeverObserveBrokenInvariants(t *testing.T) {
	f := newFixture(t, Seeds{ThirdPartyToken: "magic-1", AccessToken: "old", UserID: "uold"})
	f.ex.token = func(string) (exchange.Credentials, error) {
		return exchange.Credentials{AccessToken: "tok1", UserID: "u1", WalletAddress: "0xabc"}, nil
	}
	f.ex.local = func(common.Address, exchange.Signer) (exchange.Credentials, error) {
		return exchange.Credentials{}, errors.New("nope")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := f.m.Subscribe(ctx)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					assertInvariants(t, f.m.Snapshot())
				}
			}
		}()
	}

	var last uint64
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for {
			select {
			case s := <-sub.States():
				assert.Greater(t, s.Version+1, last, "versions are delivered in order")
				last = s.Version
				assertInvariants(t, s)
			case <-sub.Done():
				return
			}
		}
	}()

	require.NoError(t, f.m.Restore(ctx))
	_ = f.m.LoginWithLocalKey(ctx, testKeyHex)
	require.NoError(t, f.m.Logout(ctx))
	require.NoError(t, f.m.LoginWithThirdPartyToken(ctx, "magic-2"))

	close(stop)
	wg.Wait()
	cancel()
	<-collected
}

func TestSubscriptionCoalescesAndEnds(t *testing.T) {
	f := newFixture(t, Seeds{})
	sub := f.m.Subscribe(context.Background())

	require.NoError(t, f.m.Restore(context.Background()))
	require.NoError(t, f.m.Logout(context.Background()))

	// Only the latest snapshot is pending.
	s := <-sub.States()
	assert.Equal(t, f.m.Snapshot().Version, s.Version)
	select {
	case <-sub.States():
		t.Fatal("expected a single coalesced snapshot")
	default:
	}

	sub.Cancel()
	sub.Cancel()
	<-sub.Done()

	f.m.Close()
	late := f.m.Subscribe(context.Background())
	<-late.Done()
}

func TestLoadSeeds(t *testing.T) {
	store := kvstore.NewMemory()
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, constants.KeyPrivateKey, testKeyHex))
	require.NoError(t, store.Set(ctx, constants.KeyAccessToken, "tok1"))
	require.NoError(t, store.Set(ctx, constants.KeyUserID, "u1"))
	require.NoError(t, store.Set(ctx, constants.KeyLocale, "es"))

	seeds := LoadSeeds(ctx, store)
	assert.Equal(t, Seeds{PrivateKey: testKeyHex, AccessToken: "tok1", UserID: "u1", Locale: "es"}, seeds)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	assert.Equal(t, Seeds{}, LoadSeeds(cctx, store), "read failures are treated as absent")
}
