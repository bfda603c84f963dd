package netstatus

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/quantumauth-io/quantum-go-utils/log"
)

const (
	DefaultProbeAddress = "1.1.1.1:443"
	DefaultTimeout      = 2 * time.Second
)

// Checker answers whether the device currently has network connectivity.
type Checker interface {
	IsConnected(ctx context.Context) bool
}

// Dialer probes reachability by opening a TCP connection to a well-known address.
type Dialer struct {
	Address string
	Timeout time.Duration
	dial    func(ctx context.Context, network, address string) (net.Conn, error)
}

func NewDialer(address string, timeout time.Duration) *Dialer {
	if address == "" {
		address = DefaultProbeAddress
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	d := &net.Dialer{}
	return &Dialer{Address: address, Timeout: timeout, dial: d.DialContext}
}

func (d *Dialer) IsConnected(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()

	conn, err := d.dial(ctx, "tcp", d.Address)
	if err != nil {
		log.Info("reachability probe failed; treating as offline", "address", d.Address, "error", err)
		return false
	}
	_ = conn.Close()
	return true
}

// Static is a Checker with a settable answer.
type Static struct {
	connected atomic.Bool
}

func NewStatic(connected bool) *Static {
	s := &Static{}
	s.connected.Store(connected)
	return s
}

func (s *Static) Set(connected bool) { s.connected.Store(connected) }

func (s *Static) IsConnected(context.Context) bool { return s.connected.Load() }
