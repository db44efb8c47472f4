package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	apperrors "github.com/go-i2p/netcore/lib/errors"
	"github.com/go-i2p/netcore/lib/queue"
	"github.com/go-i2p/netcore/lib/resilience"
)

// Errors surfaced by Acquire. They alias the central definitions so callers
// can match either.
var (
	ErrPoolOverloaded       = apperrors.ErrPoolOverloaded
	ErrConnectingOverloaded = apperrors.ErrConnectingOverloaded
	ErrPoolClosed           = apperrors.ErrPoolClosed
)

// Connection is a poolable connection. IsBroken must be monotonic: once a
// connection reports broken it stays broken.
type Connection interface {
	IsBroken() bool
	Ping(ctx context.Context) error
	Close() error
}

// Factory dials a new connection. It blocks until the handshake completes
// or fails.
type Factory[C Connection] func(ctx context.Context) (C, error)

// Config configures a Pool.
type Config struct {
	// Name identifies the pool in logs and metric names.
	Name string
	// InitialSize connections are dialed by New, and maintenance tops the
	// pool back up to this floor.
	// Default: 1
	InitialSize int
	// MaxSize bounds connections that are queued or handed out.
	// Default: 10
	MaxSize int
	// MaxConnecting bounds concurrent dials from Acquire.
	// Default: 5
	MaxConnecting int
	// QueueTimeout bounds how long Acquire waits for a slot.
	// Default: 1 second
	QueueTimeout time.Duration
	// MaintenanceInterval is the period of the ping/top-up loop.
	// Default: 2 seconds
	MaintenanceInterval time.Duration
	// UnavailableThreshold is how old the last success may be before
	// IsAvailable reports false. Must exceed MaintenanceInterval.
	// Default: 60 seconds
	UnavailableThreshold time.Duration
	// PingTimeout bounds each maintenance ping.
	// Default: 1 second
	PingTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Name:                 "default",
		InitialSize:          1,
		MaxSize:              10,
		MaxConnecting:        5,
		QueueTimeout:         time.Second,
		MaintenanceInterval:  resilience.DefaultMaintenanceInterval,
		UnavailableThreshold: resilience.DefaultUnavailableThreshold,
		PingTimeout:          time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Name == "" {
		c.Name = def.Name
	}
	if c.InitialSize < 0 {
		c.InitialSize = 0
	}
	if c.MaxSize <= 0 {
		c.MaxSize = def.MaxSize
	}
	if c.MaxConnecting <= 0 {
		c.MaxConnecting = def.MaxConnecting
	}
	if c.QueueTimeout <= 0 {
		c.QueueTimeout = def.QueueTimeout
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = def.MaintenanceInterval
	}
	if c.UnavailableThreshold <= 0 {
		c.UnavailableThreshold = def.UnavailableThreshold
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = def.PingTimeout
	}
	return c
}

// Validate checks the config after defaults have been applied.
func (c Config) Validate() error {
	c = c.withDefaults()
	if c.InitialSize > c.MaxSize {
		return fmt.Errorf("%w: pool %q initial size %d exceeds max size %d",
			apperrors.ErrConfiguration, c.Name, c.InitialSize, c.MaxSize)
	}
	if c.UnavailableThreshold <= c.MaintenanceInterval {
		return fmt.Errorf("%w: pool %q unavailable threshold %s must exceed maintenance interval %s",
			apperrors.ErrConfiguration, c.Name, c.UnavailableThreshold, c.MaintenanceInterval)
	}
	return nil
}

// Pool hands out connections of type C.
//
// Admission is governed by two semaphores: givenAway bounds connections held
// by callers, connecting bounds dials running on behalf of Acquire. Idle
// connections wait in a lock-free queue of capacity MaxSize.
type Pool[C Connection] struct {
	factory Factory[C]
	cfg     Config

	givenAway  *semaphore.Weighted
	connecting *semaphore.Weighted
	idle       *queue.Bounded[C]
	monitor    *resilience.AvailabilityMonitor

	size   atomic.Int64 // queued + given away
	closed atomic.Bool
	stats  Statistics

	metrics  *poolMetrics
	pingWarn rate.Sometimes

	maintMu     sync.Mutex
	maintCancel context.CancelFunc
	maintWG     sync.WaitGroup
	topUp       atomic.Bool
}

// New creates a pool and dials InitialSize connections in parallel. Failed
// initial dials are logged and left to maintenance; only an invalid config
// is an error.
func New[C Connection](ctx context.Context, factory Factory[C], cfg Config) (*Pool[C], error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	monitor, err := resilience.NewAvailabilityMonitor(cfg.UnavailableThreshold, cfg.MaintenanceInterval)
	if err != nil {
		return nil, err
	}

	p := &Pool[C]{
		factory:    factory,
		cfg:        cfg,
		givenAway:  semaphore.NewWeighted(int64(cfg.MaxSize)),
		connecting: semaphore.NewWeighted(int64(cfg.MaxConnecting)),
		idle:       queue.New[C](cfg.MaxSize),
		monitor:    monitor,
		metrics:    newPoolMetrics(cfg.Name),
		pingWarn:   rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.InitialSize; i++ {
		g.Go(func() error {
			p.pushConnection(gctx)
			return nil
		})
	}
	_ = g.Wait()

	log.WithField("pool", cfg.Name).
		WithField("initialSize", cfg.InitialSize).
		WithField("maxSize", cfg.MaxSize).
		WithField("size", p.size.Load()).
		Debug("pool created")
	return p, nil
}

// Acquire takes a connection from the pool, dialing one if none is idle and
// admission allows. The wait is bounded by the earlier of ctx's deadline and
// QueueTimeout. The returned handle must be released.
func (p *Pool[C]) Acquire(ctx context.Context) (*Handle[C], error) {
	start := time.Now()
	conn, err := p.pop(ctx)
	if err != nil {
		return nil, err
	}
	p.metrics.acquireLatency.Since(start)
	return &Handle[C]{pool: p, conn: conn}, nil
}

func (p *Pool[C]) pop(ctx context.Context) (C, error) {
	var zero C
	if p.closed.Load() {
		return zero, ErrPoolClosed
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.cfg.QueueTimeout)
	defer cancel()

	if err := p.givenAway.Acquire(waitCtx, 1); err != nil {
		if cerr := ctx.Err(); errors.Is(cerr, context.Canceled) {
			return zero, cerr
		}
		p.stats.overload.Add(1)
		p.metrics.overload.Inc()
		return zero, ErrPoolOverloaded
	}

	conn, err := p.popOrCreate(ctx, waitCtx)
	if err != nil {
		p.givenAway.Release(1)
		return zero, err
	}

	p.stats.busy.Add(1)
	p.metrics.busy.Inc()
	return conn, nil
}

func (p *Pool[C]) popOrCreate(ctx, waitCtx context.Context) (C, error) {
	if conn, ok := p.idle.Pop(); ok {
		return conn, nil
	}

	connectingErr := p.connecting.Acquire(waitCtx, 1)
	if connectingErr == nil {
		defer p.connecting.Release(1)
	}

	if conn, ok := p.idle.Pop(); ok {
		return conn, nil
	}

	if connectingErr != nil {
		var zero C
		if cerr := ctx.Err(); errors.Is(cerr, context.Canceled) {
			return zero, cerr
		}
		p.stats.overload.Add(1)
		p.metrics.overload.Inc()
		return zero, ErrConnectingOverloaded
	}

	return p.create(ctx)
}

// release is the Handle.Release path.
func (p *Pool[C]) release(conn C) {
	p.doRelease(conn)
	p.givenAway.Release(1)
	p.stats.busy.Add(-1)
	p.metrics.busy.Dec()
}

// doRelease returns conn to the queue or drops it. Maintenance uses it
// directly since it never took a givenAway unit.
func (p *Pool[C]) doRelease(conn C) {
	broken := conn.IsBroken()
	if !broken {
		p.monitor.AccountSuccess()
	}
	if broken || p.closed.Load() || !p.idle.Push(conn) {
		p.drop(conn)
		return
	}
	// Close may have drained the queue between the check and the push.
	if p.closed.Load() {
		p.drain()
	}
}

func (p *Pool[C]) create(ctx context.Context) (C, error) {
	conn, err := p.factory(ctx)
	if err != nil {
		p.monitor.AccountFailure()
		p.metrics.dialFailures.Inc()
		if !apperrors.Is(err, apperrors.ErrConnection) && !errors.Is(err, context.Canceled) {
			err = &apperrors.ConnectError{Addr: p.cfg.Name, Err: err}
		}
		var zero C
		return zero, err
	}

	p.stats.created.Add(1)
	p.stats.active.Add(1)
	p.size.Add(1)
	p.metrics.created.Inc()
	p.metrics.active.Inc()
	return conn, nil
}

func (p *Pool[C]) pushConnection(ctx context.Context) {
	conn, err := p.create(ctx)
	if err != nil {
		log.WithField("pool", p.cfg.Name).WithError(err).Error("failed to create connection")
		return
	}
	if p.closed.Load() || !p.idle.Push(conn) {
		p.drop(conn)
	}
}

func (p *Pool[C]) drop(conn C) {
	if err := conn.Close(); err != nil {
		log.WithField("pool", p.cfg.Name).WithError(err).Debug("error closing dropped connection")
	}
	p.stats.closed.Add(1)
	p.stats.active.Add(-1)
	p.size.Add(-1)
	p.metrics.closed.Inc()
	p.metrics.active.Dec()
}

func (p *Pool[C]) drain() {
	for {
		conn, ok := p.idle.Pop()
		if !ok {
			return
		}
		p.drop(conn)
	}
}

// StartMaintenance starts the periodic ping and top-up loop. Calling it on
// a running pool is a no-op.
func (p *Pool[C]) StartMaintenance(ctx context.Context) {
	p.maintMu.Lock()
	defer p.maintMu.Unlock()
	if p.maintCancel != nil || p.closed.Load() {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	p.maintCancel = cancel

	p.maintWG.Add(1)
	go func() {
		defer p.maintWG.Done()
		p.maintenanceLoop(ctx)
	}()

	log.WithField("pool", p.cfg.Name).
		WithField("interval", p.cfg.MaintenanceInterval).
		Debug("pool maintenance started")
}

// StopMaintenance stops the loop and waits for any in-flight work.
func (p *Pool[C]) StopMaintenance() {
	p.maintMu.Lock()
	cancel := p.maintCancel
	p.maintCancel = nil
	p.maintMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	p.maintWG.Wait()
	log.WithField("pool", p.cfg.Name).Debug("pool maintenance stopped")
}

func (p *Pool[C]) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.maintain(ctx)
			p.UpdateMetrics()
		}
	}
}

// maintain runs one maintenance tick.
func (p *Pool[C]) maintain(ctx context.Context) {
	conn, ok := p.idle.Pop()
	if !ok {
		p.topUpAsync(ctx)
		return
	}

	pingCtx, cancel := context.WithTimeout(ctx, p.cfg.PingTimeout)
	err := conn.Ping(pingCtx)
	cancel()
	if err != nil {
		p.pingWarn.Do(func() {
			log.WithField("pool", p.cfg.Name).WithError(err).Warn("error while pinging pooled connection")
		})
	}
	p.doRelease(conn)

	p.topUpAsync(ctx)
}

// topUpAsync dials one connection in the background when the pool is under
// its floor. At most one top-up runs at a time.
func (p *Pool[C]) topUpAsync(ctx context.Context) {
	if p.size.Load() >= int64(p.cfg.InitialSize) {
		return
	}
	if !p.topUp.CompareAndSwap(false, true) {
		return
	}
	p.maintWG.Add(1)
	go func() {
		defer p.maintWG.Done()
		defer p.topUp.Store(false)
		p.pushConnection(ctx)
	}()
}

// IsAvailable reports whether the endpoint answered recently.
func (p *Pool[C]) IsAvailable() bool {
	return p.monitor.IsAvailable()
}

// Name returns the configured pool name.
func (p *Pool[C]) Name() string {
	return p.cfg.Name
}

// Config returns the effective configuration.
func (p *Pool[C]) Config() Config {
	return p.cfg
}

// Size returns the number of live connections, queued or handed out.
func (p *Pool[C]) Size() int {
	return int(p.size.Load())
}

// Close stops maintenance and closes every idle connection. Connections
// still handed out are closed when released. Later Acquire calls fail with
// ErrPoolClosed.
func (p *Pool[C]) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return ErrPoolClosed
	}
	p.StopMaintenance()
	p.drain()
	p.UpdateMetrics()
	log.WithField("pool", p.cfg.Name).Debug("pool closed")
	return nil
}
