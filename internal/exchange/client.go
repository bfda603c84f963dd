package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/quantumauth-io/quantum-go-utils/log"
)

const (
	DefaultTimeout = 15 * time.Second

	pathNonce      = "/user/nonce"
	pathSign       = "/user/sign"
	pathThirdParty = "/user/magic/login"

	headerClientID     = "X-Client-Id"
	headerClientSecret = "X-Client-Secret"

	maxBodyBytes = 1 << 20
)

// Credentials is what a successful exchange yields. WalletAddress is only set by the
// third-party token exchange.
type Credentials struct {
	AccessToken   string
	UserID        string
	WalletAddress string
}

// Signer signs the login challenge with a registered account.
type Signer interface {
	SignText(addr common.Address, msg []byte) ([]byte, error)
}

type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
	HTTPClient   *http.Client
}

// Client talks to the backend's login endpoints.
type Client struct {
	baseURL      string
	clientID     string
	clientSecret string
	timeout      time.Duration
	httpClient   *http.Client
}

func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("exchange: base url is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{
		baseURL:      base,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		timeout:      timeout,
		httpClient:   hc,
	}, nil
}

type nonceRequest struct {
	PublicAddress string `json:"publicAddress"`
}

type nonceResponse struct {
	Message string `json:"message"`
	UserID  string `json:"userId"`
}

type signRequest struct {
	PublicAddress string `json:"publicAddress"`
	Signature     string `json:"signature"`
}

type thirdPartyRequest struct {
	Token string `json:"token"`
}

type tokenResponse struct {
	LoginToken string `json:"loginToken"`
	UserID     string `json:"userId"`
	Wallet     string `json:"wallet"`
}

// ExchangeLocalKey runs the challenge/response login for a locally held key: fetch a
// nonce message, sign it, trade the signature for an access token.
func (c *Client) ExchangeLocalKey(ctx context.Context, addr common.Address, signer Signer) (Credentials, error) {
	if signer == nil {
		return Credentials{}, &Failure{Code: CodeInvalid, Message: "no signer"}
	}

	tctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var nonce nonceResponse
	if err := c.postJSON(tctx, pathNonce, nonceRequest{PublicAddress: addr.Hex()}, &nonce); err != nil {
		return Credentials{}, normalize(ctx, err)
	}
	if nonce.Message == "" {
		return Credentials{}, &Failure{Code: CodeDecode, Message: "backend returned an empty challenge"}
	}

	sig, err := signer.SignText(addr, []byte(nonce.Message))
	if err != nil {
		return Credentials{}, &Failure{Code: CodeSign, Message: "could not sign login challenge", cause: err}
	}

	var out tokenResponse
	req := signRequest{PublicAddress: addr.Hex(), Signature: hexutil.Encode(sig)}
	if err := c.postJSON(tctx, pathSign, req, &out); err != nil {
		return Credentials{}, normalize(ctx, err)
	}

	userID := out.UserID
	if userID == "" {
		userID = nonce.UserID
	}
	return Credentials{AccessToken: out.LoginToken, UserID: userID}, nil
}

// ExchangeThirdPartyToken trades a third-party provider token for backend credentials.
func (c *Client) ExchangeThirdPartyToken(ctx context.Context, token string) (Credentials, error) {
	if strings.TrimSpace(token) == "" {
		return Credentials{}, &Failure{Code: CodeInvalid, Message: "token is empty"}
	}

	tctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var out tokenResponse
	if err := c.postJSON(tctx, pathThirdParty, thirdPartyRequest{Token: token}, &out); err != nil {
		return Credentials{}, normalize(ctx, err)
	}
	return Credentials{AccessToken: out.LoginToken, UserID: out.UserID, WalletAddress: out.Wallet}, nil
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.clientID != "" {
		req.Header.Set(headerClientID, c.clientID)
	}
	if c.clientSecret != "" {
		req.Header.Set(headerClientSecret, c.clientSecret)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		f := failureFromResponse(resp.StatusCode, raw)
		log.Warn("credential exchange rejected", "path", path, "status", resp.StatusCode, "code", f.Code)
		return f
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return &Failure{Code: CodeDecode, Message: "malformed response from backend", Status: resp.StatusCode, cause: err}
	}
	return nil
}
