package chains

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/awnumar/memguard"
	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
)

var (
	// ErrInvalidKey is returned when a private key cannot be parsed.
	ErrInvalidKey = errors.New("invalid private key")

	// ErrUnknownAccount is returned when signing with an address that was never registered.
	ErrUnknownAccount = errors.New("account not registered with client")

	// ErrHandleClosed is returned after Close.
	ErrHandleClosed = errors.New("client handle closed")
)

var handleSeq atomic.Uint64

// chainIDReader is the optional surface used to learn the chain id from the backend.
type chainIDReader interface {
	ChainID(ctx context.Context) (*big.Int, error)
}

// Handle is one connection to a chain RPC endpoint plus the local keys registered
// against it. A Handle is replaced, never reconfigured: switching endpoints means a new
// Handle with a new ID.
type Handle struct {
	id      uint64
	network string
	backend bind.ContractBackend
	rpc     *rpc.Client
	chainID *big.Int

	mu     sync.RWMutex
	keys   map[common.Address]*memguard.Enclave
	order  []common.Address
	closed bool
}

type HandleOption func(*Handle)

// WithRPC lets the handle ask the endpoint for its accounts (eth_accounts), which is
// how provider-managed wallets expose their address.
func WithRPC(c *rpc.Client) HandleOption {
	return func(h *Handle) { h.rpc = c }
}

// WithChainID pins the chain id instead of asking the backend.
func WithChainID(id uint64) HandleOption {
	return func(h *Handle) {
		if id != 0 {
			h.chainID = new(big.Int).SetUint64(id)
		}
	}
}

func NewHandle(network string, backend bind.ContractBackend, opts ...HandleOption) *Handle {
	h := &Handle{
		id:      handleSeq.Add(1),
		network: network,
		backend: backend,
		keys:    make(map[common.Address]*memguard.Enclave),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ID identifies this handle instance; a replacement always has a different ID.
func (h *Handle) ID() uint64 { return h.id }

func (h *Handle) Network() string { return h.network }

func (h *Handle) Backend() bind.ContractBackend { return h.backend }

// RegisterKey adds a hex private key to the local wallet. Registering a key that is
// already present is a no-op returning the same address.
func (h *Handle) RegisterKey(privateKeyHex string) (common.Address, error) {
	key, err := parseKey(privateKeyHex)
	if err != nil {
		return common.Address{}, err
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return common.Address{}, ErrHandleClosed
	}
	if _, ok := h.keys[addr]; ok {
		return addr, nil
	}
	h.keys[addr] = memguard.NewEnclave(crypto.FromECDSA(key))
	h.order = append(h.order, addr)
	return addr, nil
}

// HasAccount reports whether addr was registered locally.
func (h *Handle) HasAccount(addr common.Address) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.keys[addr]
	return ok
}

// LocalAccounts returns registered addresses in registration order.
func (h *Handle) LocalAccounts() []common.Address {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]common.Address, len(h.order))
	copy(out, h.order)
	return out
}

// Accounts lists local accounts first, then any the RPC endpoint reports that are not
// already local.
func (h *Handle) Accounts(ctx context.Context) ([]common.Address, error) {
	out := h.LocalAccounts()
	if h.rpc == nil {
		return out, nil
	}

	var remote []common.Address
	if err := h.rpc.CallContext(ctx, &remote, "eth_accounts"); err != nil {
		return nil, errors.Wrap(err, "eth_accounts")
	}

	seen := make(map[common.Address]struct{}, len(out))
	for _, a := range out {
		seen[a] = struct{}{}
	}
	for _, a := range remote {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out, nil
}

// SignText signs msg the way personal_sign does (EIP-191 prefix, V in {27,28}).
func (h *Handle) SignText(addr common.Address, msg []byte) ([]byte, error) {
	var sig []byte
	err := h.withKey(addr, func(key *ecdsa.PrivateKey) error {
		s, err := crypto.Sign(accounts.TextHash(msg), key)
		if err != nil {
			return errors.Wrap(err, "sign text")
		}
		s[crypto.RecoveryIDOffset] += 27
		sig = s
		return nil
	})
	return sig, err
}

// Contract binds an ABI to an address over this handle's backend. No I/O happens here.
func (h *Handle) Contract(parsed abi.ABI, address common.Address) *bind.BoundContract {
	return bind.NewBoundContract(address, parsed, h.backend, h.backend, h.backend)
}

// ChainID returns the pinned chain id or asks the backend.
func (h *Handle) ChainID(ctx context.Context) (*big.Int, error) {
	if h.chainID != nil {
		return new(big.Int).Set(h.chainID), nil
	}
	reader, ok := h.backend.(chainIDReader)
	if !ok {
		return nil, errors.Newf("backend does not report chain id (got %T)", h.backend)
	}
	id, err := reader.ChainID(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "chain id")
	}
	return id, nil
}

// TransactOpts returns a keyed transactor for a registered account.
func (h *Handle) TransactOpts(ctx context.Context, addr common.Address) (*bind.TransactOpts, error) {
	chainID, err := h.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	var opts *bind.TransactOpts
	err = h.withKey(addr, func(key *ecdsa.PrivateKey) error {
		o, err := bind.NewKeyedTransactorWithChainID(key, chainID)
		if err != nil {
			return errors.Wrap(err, "keyed transactor")
		}
		o.Context = ctx
		opts = o
		return nil
	})
	return opts, err
}

// Close wipes registered keys and closes the RPC connection.
func (h *Handle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	h.keys = make(map[common.Address]*memguard.Enclave)
	h.order = nil
	if h.rpc != nil {
		h.rpc.Close()
	}
}

func (h *Handle) withKey(addr common.Address, fn func(key *ecdsa.PrivateKey) error) error {
	h.mu.RLock()
	enclave, ok := h.keys[addr]
	closed := h.closed
	h.mu.RUnlock()

	if closed {
		return ErrHandleClosed
	}
	if !ok {
		return errors.Wrapf(ErrUnknownAccount, "%s", addr.Hex())
	}

	buf, err := enclave.Open()
	if err != nil {
		return errors.Wrap(err, "open key enclave")
	}
	defer buf.Destroy()

	key, err := crypto.ToECDSA(buf.Bytes())
	if err != nil {
		return errors.Wrap(err, "to ecdsa")
	}
	return fn(key)
}

// AddressFromKey derives the address of a hex private key without registering it.
func AddressFromKey(privateKeyHex string) (common.Address, error) {
	key, err := parseKey(privateKeyHex)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(key.PublicKey), nil
}

func parseKey(privateKeyHex string) (*ecdsa.PrivateKey, error) {
	s := strings.TrimSpace(privateKeyHex)
	if len(s) >= 2 && (s[:2] == "0x" || s[:2] == "0X") {
		s = s[2:]
	}
	if len(s) != 64 {
		return nil, errors.Wrapf(ErrInvalidKey, "length %d, want 64 hex chars", len(s))
	}
	key, err := crypto.HexToECDSA(s)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidKey, "%v", err)
	}
	return key, nil
}
