package dialer

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/go-i2p/i2pkeys"
	"github.com/go-i2p/onramp"

	apperrors "github.com/go-i2p/netcore/lib/errors"
	"github.com/go-i2p/netcore/lib/pool"
)

// DefaultSAMAddress is the usual SAM bridge address of a local I2P router.
const DefaultSAMAddress = "127.0.0.1:7656"

// StreamDialer opens stream connections to named destinations.
// *onramp.Garlic satisfies it.
type StreamDialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// OpenGarlic starts an I2P tunnel called name on the SAM bridge at samAddr.
// Nil options select onramp.OPT_DEFAULTS. The caller closes the tunnel.
func OpenGarlic(name, samAddr string, options []string) (*onramp.Garlic, error) {
	if samAddr == "" {
		samAddr = DefaultSAMAddress
	}
	if len(options) == 0 {
		options = onramp.OPT_DEFAULTS
	}
	garlic, err := onramp.NewGarlic(name, samAddr, options)
	if err != nil {
		return nil, fmt.Errorf("%w: open i2p tunnel %q on %s: %w", apperrors.ErrConnection, name, samAddr, err)
	}
	log.WithField("tunnel", name).WithField("sam", samAddr).Info("i2p tunnel ready")
	return garlic, nil
}

// GarlicConnector dials I2P destinations through a StreamDialer, with the
// same per-target breaker and Conn wrapping as Connector.
type GarlicConnector struct {
	dialer   StreamDialer
	cfg      Config
	breakers *breakerSet
}

// NewGarlicConnector creates a connector over d. I2P tunnels build slowly,
// so a ConnectTimeout below 30 seconds is raised to it.
func NewGarlicConnector(d StreamDialer, cfg Config) *GarlicConnector {
	if cfg.ConnectTimeout < 30*time.Second {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.Pinger == nil {
		cfg.Pinger = PeekPinger(10 * time.Millisecond)
	}
	return &GarlicConnector{
		dialer:   d,
		cfg:      cfg,
		breakers: newBreakerSet(cfg.Breaker),
	}
}

// Connect dials dest, a base32 or base64 destination.
func (g *GarlicConnector) Connect(ctx context.Context, dest i2pkeys.I2PAddr) (*Conn, error) {
	target := string(dest)
	if target == "" {
		return nil, &apperrors.ResolutionError{Host: target, Err: errNoAddresses}
	}

	b := g.breakers.get(target)
	if b != nil {
		if err := b.Allow(); err != nil {
			return nil, &apperrors.ConnectError{Addr: target, Err: err}
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, g.cfg.ConnectTimeout)
	defer cancel()
	nc, err := g.dialer.DialContext(dialCtx, "tcp", target)
	if b != nil {
		b.Record(err)
	}
	if err != nil {
		log.WithField("destination", target).WithError(err).Debug("i2p dial failed")
		return nil, &apperrors.ConnectError{Addr: target, Err: err}
	}
	log.WithField("destination", target).Debug("connected over i2p")
	return newConn(nc, g.cfg.Pinger), nil
}

// GarlicFactory binds a connector and destination into a pool factory.
func GarlicFactory(g *GarlicConnector, dest i2pkeys.I2PAddr) pool.Factory[*Conn] {
	return func(ctx context.Context) (*Conn, error) {
		return g.Connect(ctx, dest)
	}
}
