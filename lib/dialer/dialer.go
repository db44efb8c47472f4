// Package dialer opens the TCP connections a pool hands out.
//
// A Connector resolves an Endpoint through a Resolver, dials each address in
// turn and wraps the first socket that answers in a Conn. Conn reports
// itself broken after any non-timeout I/O error, which is how the pool
// learns not to requeue it. A per-address circuit breaker makes repeated
// dials to a dead address fail fast.
package dialer

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	apperrors "github.com/go-i2p/netcore/lib/errors"
	"github.com/go-i2p/netcore/lib/pool"
	"github.com/go-i2p/netcore/lib/resilience"
)

// Endpoint is a host and port to connect to.
type Endpoint struct {
	Host string
	Port int
}

// Address returns host:port.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) String() string {
	return e.Address()
}

// Config configures a Connector.
type Config struct {
	// ConnectTimeout bounds each dial attempt.
	// Default: 2 seconds
	ConnectTimeout time.Duration
	// KeepAlive is the TCP keep-alive period. Negative disables it.
	// Default: 30 seconds
	KeepAlive time.Duration
	// Breaker configures the per-address dial breaker. A zero
	// FailureThreshold disables breakers.
	Breaker resilience.BreakerConfig
	// Pinger checks a pooled connection during maintenance. Nil selects
	// PeekPinger.
	Pinger Pinger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 2 * time.Second,
		KeepAlive:      30 * time.Second,
		Breaker:        resilience.DefaultBreakerConfig(),
	}
}

// Connector dials endpoints.
type Connector struct {
	resolver Resolver
	cfg      Config
	dialer   net.Dialer
	breakers *breakerSet
}

// breakerSet lazily creates one breaker per dial target.
type breakerSet struct {
	cfg resilience.BreakerConfig

	mu sync.Mutex
	m  map[string]*resilience.Breaker
}

func newBreakerSet(cfg resilience.BreakerConfig) *breakerSet {
	return &breakerSet{cfg: cfg, m: make(map[string]*resilience.Breaker)}
}

// get returns the breaker for target, or nil when breakers are disabled.
func (s *breakerSet) get(target string) *resilience.Breaker {
	if s.cfg.FailureThreshold <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.m[target]
	if !ok {
		b = resilience.NewBreaker(target, s.cfg)
		b.OnStateChange(resilience.MetricsCallback)
		s.m[target] = b
	}
	return b
}

// NewConnector creates a connector. A nil resolver selects NewNetResolver
// with default settings.
func NewConnector(resolver Resolver, cfg Config) *Connector {
	def := DefaultConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = def.KeepAlive
	}
	if cfg.Pinger == nil {
		cfg.Pinger = PeekPinger(10 * time.Millisecond)
	}
	if resolver == nil {
		resolver = NewNetResolver(nil, 0)
	}
	return &Connector{
		resolver: resolver,
		cfg:      cfg,
		dialer:   net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: cfg.KeepAlive},
		breakers: newBreakerSet(cfg.Breaker),
	}
}

// Connect resolves ep and dials its addresses in order until one answers.
// Dial failures are returned as *errors.ConnectError, resolution failures
// as *errors.ResolutionError.
func (c *Connector) Connect(ctx context.Context, ep Endpoint) (*Conn, error) {
	addrs, err := c.resolver.Resolve(ctx, ep.Host)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, &apperrors.ResolutionError{Host: ep.Host, Err: errNoAddresses}
	}

	port := strconv.Itoa(ep.Port)
	var errs []error
	for _, ip := range addrs {
		addr := net.JoinHostPort(ip, port)
		nc, err := c.dialOne(ctx, addr)
		if err == nil {
			log.WithField("endpoint", ep.String()).WithField("addr", addr).Debug("connected")
			return newConn(nc, c.cfg.Pinger), nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}

	return nil, &apperrors.ConnectError{Addr: ep.Address(), Err: errors.Join(errs...)}
}

func (c *Connector) dialOne(ctx context.Context, addr string) (net.Conn, error) {
	b := c.breakers.get(addr)
	if b != nil {
		if err := b.Allow(); err != nil {
			return nil, &apperrors.ConnectError{Addr: addr, Err: err}
		}
	}

	nc, err := c.dialer.DialContext(ctx, "tcp", addr)
	if b != nil {
		b.Record(err)
	}
	if err != nil {
		log.WithField("addr", addr).WithError(err).Debug("dial failed")
		return nil, &apperrors.ConnectError{Addr: addr, Err: err}
	}
	return nc, nil
}

// Factory binds a connector and endpoint into a pool factory.
func Factory(c *Connector, ep Endpoint) pool.Factory[*Conn] {
	return func(ctx context.Context) (*Conn, error) {
		return c.Connect(ctx, ep)
	}
}
