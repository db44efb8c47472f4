package dialer

import (
	"context"
	"errors"
	"net"
	"time"

	apperrors "github.com/go-i2p/netcore/lib/errors"
)

// Resolver maps a hostname onto addresses.
type Resolver interface {
	Resolve(ctx context.Context, host string) ([]string, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, host string) ([]string, error)

// Resolve calls f.
func (f ResolverFunc) Resolve(ctx context.Context, host string) ([]string, error) {
	return f(ctx, host)
}

var errNoAddresses = errors.New("no addresses")

// NetResolver resolves through a net.Resolver with a per-lookup deadline.
type NetResolver struct {
	resolver *net.Resolver
	timeout  time.Duration
}

// NewNetResolver wraps r. A nil r selects net.DefaultResolver and a
// non-positive timeout selects 2 seconds.
func NewNetResolver(r *net.Resolver, timeout time.Duration) *NetResolver {
	if r == nil {
		r = net.DefaultResolver
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &NetResolver{resolver: r, timeout: timeout}
}

// Resolve returns the addresses of host. IP literals are returned as is.
func (r *NetResolver) Resolve(ctx context.Context, host string) ([]string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []string{ip.String()}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	addrs, err := r.resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, &apperrors.ResolutionError{Host: host, Err: err}
	}
	if len(addrs) == 0 {
		return nil, &apperrors.ResolutionError{Host: host, Err: errNoAddresses}
	}
	return addrs, nil
}
