package http

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/wallet-session-client/internal/contracts"
	"github.com/quantumauth-io/wallet-session-client/internal/exchange"
	"github.com/quantumauth-io/wallet-session-client/internal/metrics"
	"github.com/quantumauth-io/wallet-session-client/internal/session"
)

// ChainControl selects and redials the active chain handle. chains.Service implements it.
type ChainControl interface {
	ActiveNetwork() (string, error)
	Switch(ctx context.Context, network string) error
	Reconnect(ctx context.Context) error
}

type Handler struct {
	manager   *session.Manager
	contracts *contracts.Registry
	metrics   *metrics.Metrics
	chains    ChainControl
}

// NewHandler builds the API handlers. chainCtl may be nil, which leaves the /api/chain
// routes unmounted.
func NewHandler(manager *session.Manager, registry *contracts.Registry, m *metrics.Metrics, chainCtl ChainControl) *Handler {
	if registry == nil {
		registry = &contracts.Registry{}
	}
	return &Handler{manager: manager, contracts: registry, metrics: m, chains: chainCtl}
}

// -------- DTOs for the local consumer API --------

type localKeyReq struct {
	PrivateKey string `json:"private_key" binding:"required"`
}

type thirdPartyTokenReq struct {
	Token string `json:"token" binding:"required"`
}

type sessionRes struct {
	Loading       bool   `json:"loading"`
	Waiting       bool   `json:"waiting"`
	Unlocked      bool   `json:"unlocked"`
	Authenticated bool   `json:"authenticated"`
	WalletAddress string `json:"wallet_address,omitempty"`
	UserID        string `json:"user_id,omitempty"`
	LoginMethod   string `json:"login_method"`
	Version       uint64 `json:"version"`
}

type switchChainReq struct {
	Network string `json:"network" binding:"required"`
}

type chainRes struct {
	Network      string `json:"network"`
	LocalAccount string `json:"local_account,omitempty"`
}

type contractRes struct {
	Name    string   `json:"name"`
	Address string   `json:"address"`
	Methods []string `json:"methods"`
	Events  []string `json:"events"`
}

type errorRes struct {
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
	Code    string `json:"code,omitempty"`
	Session any    `json:"session,omitempty"`
}

func toSessionRes(s session.Snapshot) sessionRes {
	return sessionRes{
		Loading:       s.Loading,
		Waiting:       s.Waiting,
		Unlocked:      s.Unlocked,
		Authenticated: s.Authenticated(),
		WalletAddress: s.WalletAddress,
		UserID:        s.UserID,
		LoginMethod:   string(s.LoginMethod),
		Version:       s.Version,
	}
}

func (h *Handler) Health(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

// GET /api/session
func (h *Handler) Session(c *gin.Context) {
	c.JSON(http.StatusOK, toSessionRes(h.manager.Snapshot()))
}

// POST /api/session/local-key
func (h *Handler) LoginWithLocalKey(c *gin.Context) {
	var req localKeyReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorRes{Error: err.Error()})
		return
	}
	h.respondFlow(c, h.manager.LoginWithLocalKey(c.Request.Context(), req.PrivateKey))
}

// POST /api/session/third-party-token
func (h *Handler) LoginWithThirdPartyToken(c *gin.Context) {
	var req thirdPartyTokenReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorRes{Error: err.Error()})
		return
	}
	h.respondFlow(c, h.manager.LoginWithThirdPartyToken(c.Request.Context(), req.Token))
}

// POST /api/session/logout
func (h *Handler) Logout(c *gin.Context) {
	h.respondFlow(c, h.manager.Logout(c.Request.Context()))
}

// POST /api/session/refresh
func (h *Handler) Refresh(c *gin.Context) {
	h.respondFlow(c, h.manager.Refresh(c.Request.Context()))
}

// GET /api/contracts
func (h *Handler) ListContracts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"contracts": h.manager.Contracts()})
}

// GET /api/contracts/:name
func (h *Handler) Contract(c *gin.Context) {
	name := c.Param("name")
	def, err := h.contracts.Lookup(name)
	if err != nil {
		c.JSON(http.StatusNotFound, errorRes{Error: err.Error()})
		return
	}
	if _, err := h.manager.Contract(name); err != nil {
		c.JSON(http.StatusServiceUnavailable, errorRes{Error: err.Error()})
		return
	}

	res := contractRes{Name: def.Name, Address: def.Address.Hex(), Methods: []string{}, Events: []string{}}
	for m := range def.ABI.Methods {
		res.Methods = append(res.Methods, m)
	}
	for e := range def.ABI.Events {
		res.Events = append(res.Events, e)
	}
	sort.Strings(res.Methods)
	sort.Strings(res.Events)
	c.JSON(http.StatusOK, res)
}

// GET /api/chain
func (h *Handler) Chain(c *gin.Context) {
	h.respondChain(c, nil)
}

// POST /api/chain/switch
func (h *Handler) SwitchChain(c *gin.Context) {
	var req switchChainReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorRes{Error: err.Error()})
		return
	}
	h.respondChain(c, h.chains.Switch(c.Request.Context(), req.Network))
}

// POST /api/chain/reconnect
func (h *Handler) ReconnectChain(c *gin.Context) {
	h.respondChain(c, h.chains.Reconnect(c.Request.Context()))
}

func (h *Handler) respondChain(c *gin.Context, err error) {
	if err != nil {
		log.Warn("chain change failed", "error", err)
		c.JSON(http.StatusBadGateway, errorRes{Error: err.Error()})
		return
	}
	network, err := h.chains.ActiveNetwork()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, errorRes{Error: err.Error()})
		return
	}
	res := chainRes{Network: network}
	if addr, ok := h.manager.LocalAddress(); ok {
		res.LocalAccount = addr.Hex()
	}
	c.JSON(http.StatusOK, res)
}

// respondFlow maps a flow result to a status code. Warnings (account resolution and
// storage) still succeed because the session itself moved forward.
func (h *Handler) respondFlow(c *gin.Context, err error) {
	snap := toSessionRes(h.manager.Snapshot())
	if err == nil {
		c.JSON(http.StatusOK, snap)
		return
	}

	res := errorRes{Error: err.Error(), Session: snap}
	var fe *session.FlowError
	if errors.As(err, &fe) {
		res.Kind = string(fe.Kind)
	}
	if f, ok := exchange.AsFailure(err); ok {
		res.Code = f.Code
		if f.Message != "" {
			res.Error = f.Message
		}
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrLoginInProgress), errors.Is(err, session.ErrNotLoggedIn):
		status = http.StatusConflict
	case session.IsKind(err, session.KindAccountResolution), session.IsKind(err, session.KindStorage):
		status = http.StatusOK
	case session.IsKind(err, session.KindExchange):
		status = http.StatusBadGateway
	case session.IsKind(err, session.KindHandleMutation):
		status = http.StatusBadRequest
	case fe == nil:
		status = http.StatusBadRequest
	}
	c.JSON(status, res)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}
