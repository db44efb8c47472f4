package server

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	apperrors "github.com/go-i2p/netcore/lib/errors"
	"github.com/go-i2p/netcore/lib/task"
)

// DefaultMatchCacheSize is the number of wildcard matches remembered.
const DefaultMatchCacheSize = 1024

// HandlerFunc serves one request by filling in req.Response(). A returned
// error replaces the response with the status errors.HTTPStatus assigns it,
// unless a streamed response was already committed.
type HandlerFunc func(ctx context.Context, req *Request) error

// HandlerConfig describes one registered handler.
type HandlerConfig struct {
	// Name identifies the handler in logs. Defaults to the path.
	Name string
	// Path is a fixed path ("/ping"), a pattern with {name} segments
	// ("/users/{id}/posts") or a prefix ending in * ("/static/*").
	Path string
	// Methods restricts the accepted methods. Empty accepts any.
	Methods []string
	// Timeout bounds the handler run. Zero uses the server default,
	// negative disables it.
	Timeout time.Duration
	// Streamed sends the response with chunked encoding while the handler
	// runs.
	Streamed bool
	// Processor runs the handler tasks. Nil selects task.Default().
	Processor *task.Processor
}

// HandlerInfo is a registered handler.
type HandlerInfo struct {
	cfg     HandlerConfig
	fn      HandlerFunc
	methods map[string]struct{}

	segments []string
	literals int
	prefix   bool
}

// Name returns the handler name.
func (h *HandlerInfo) Name() string {
	return h.cfg.Name
}

// Config returns the handler configuration.
func (h *HandlerInfo) Config() HandlerConfig {
	return h.cfg
}

func (h *HandlerInfo) allows(method string) bool {
	if len(h.methods) == 0 {
		return true
	}
	_, ok := h.methods[method]
	return ok
}

// MatchStatus is the outcome of a registry lookup.
type MatchStatus int

const (
	// Matched means a handler accepts the path and method.
	Matched MatchStatus = iota
	// NotFound means no handler serves the path.
	NotFound
	// MethodNotAllowed means handlers serve the path but not the method.
	MethodNotAllowed
)

// MatchResult is the outcome of Registry.Match.
type MatchResult struct {
	Status   MatchStatus
	Handler  *HandlerInfo
	PathArgs map[string]string
	// Allow lists the accepted methods when Status is MethodNotAllowed.
	Allow string
}

// Registry maps request paths to handlers.
//
// Handlers are added under a mutex until Freeze, which the server calls on
// start. After that lookups take no lock. Fixed paths are matched first,
// then patterns, preferring the pattern with the most literal segments and
// then registration order.
type Registry struct {
	mu       sync.Mutex
	frozen   atomic.Bool
	fixed    map[string][]*HandlerInfo
	patterns []*HandlerInfo
	fallback *HandlerInfo
	cache    *lru.Cache[string, MatchResult]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	cache, err := lru.New[string, MatchResult](DefaultMatchCacheSize)
	if err != nil {
		// Only a non-positive size fails.
		panic(err)
	}
	return &Registry{
		fixed: make(map[string][]*HandlerInfo),
		cache: cache,
	}
}

// Handle registers fn under cfg.
func (r *Registry) Handle(cfg HandlerConfig, fn HandlerFunc) error {
	info, err := newHandlerInfo(cfg, fn)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen.Load() {
		return apperrors.ErrRegistryFrozen
	}

	if info.segments == nil {
		for _, other := range r.fixed[info.cfg.Path] {
			if overlaps(other, info) {
				return fmt.Errorf("%w: handler for %s already registered", apperrors.ErrConfiguration, info.cfg.Path)
			}
		}
		r.fixed[info.cfg.Path] = append(r.fixed[info.cfg.Path], info)
	} else {
		for _, other := range r.patterns {
			if other.cfg.Path == info.cfg.Path && overlaps(other, info) {
				return fmt.Errorf("%w: handler for %s already registered", apperrors.ErrConfiguration, info.cfg.Path)
			}
		}
		r.patterns = append(r.patterns, info)
	}

	log.WithField("handler", info.cfg.Name).
		WithField("path", info.cfg.Path).
		WithField("streamed", info.cfg.Streamed).
		Debug("handler registered")
	return nil
}

// HandleFunc registers fn for path with default settings.
func (r *Registry) HandleFunc(path string, fn HandlerFunc) error {
	return r.Handle(HandlerConfig{Path: path}, fn)
}

// SetFallback registers the handler for requests no other handler
// matches. Its Path is ignored.
func (r *Registry) SetFallback(cfg HandlerConfig, fn HandlerFunc) error {
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	if cfg.Name == "" {
		cfg.Name = "fallback"
	}
	info, err := newHandlerInfo(cfg, fn)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen.Load() {
		return apperrors.ErrRegistryFrozen
	}
	if r.fallback != nil {
		return fmt.Errorf("%w: fallback handler already registered", apperrors.ErrConfiguration)
	}
	r.fallback = info
	return nil
}

// Freeze forbids further registration.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen.Store(true)
	r.mu.Unlock()
}

// Frozen reports whether Freeze was called.
func (r *Registry) Frozen() bool {
	return r.frozen.Load()
}

// Match finds the handler for method and path.
func (r *Registry) Match(method, path string) MatchResult {
	if !r.frozen.Load() {
		r.mu.Lock()
		defer r.mu.Unlock()
	}

	var allowed []*HandlerInfo
	if infos, ok := r.fixed[path]; ok {
		for _, info := range infos {
			if info.allows(method) {
				return MatchResult{Status: Matched, Handler: info}
			}
		}
		allowed = infos
	}

	key := method + " " + path
	if res, ok := r.cache.Get(key); ok {
		return res
	}

	var best *HandlerInfo
	var bestArgs map[string]string
	for _, info := range r.patterns {
		args, ok := info.match(path)
		if !ok {
			continue
		}
		if !info.allows(method) {
			allowed = append(allowed, info)
			continue
		}
		if best == nil || info.literals > best.literals {
			best, bestArgs = info, args
		}
	}
	if best != nil {
		res := MatchResult{Status: Matched, Handler: best, PathArgs: bestArgs}
		r.cache.Add(key, res)
		return res
	}

	if r.fallback != nil && r.fallback.allows(method) {
		return MatchResult{Status: Matched, Handler: r.fallback}
	}
	if len(allowed) > 0 {
		return MatchResult{Status: MethodNotAllowed, Allow: allowHeader(allowed)}
	}
	return MatchResult{Status: NotFound}
}

func newHandlerInfo(cfg HandlerConfig, fn HandlerFunc) (*HandlerInfo, error) {
	if fn == nil {
		return nil, fmt.Errorf("%w: nil handler for %q", apperrors.ErrConfiguration, cfg.Path)
	}
	if !strings.HasPrefix(cfg.Path, "/") {
		return nil, fmt.Errorf("%w: handler path %q must start with /", apperrors.ErrConfiguration, cfg.Path)
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Path
	}
	if cfg.Processor == nil {
		cfg.Processor = task.Default()
	}

	info := &HandlerInfo{cfg: cfg, fn: fn}
	if len(cfg.Methods) > 0 {
		info.methods = make(map[string]struct{}, len(cfg.Methods))
		for _, m := range cfg.Methods {
			info.methods[strings.ToUpper(m)] = struct{}{}
		}
	}

	if !isPattern(cfg.Path) {
		return info, nil
	}

	segments := strings.Split(strings.TrimPrefix(cfg.Path, "/"), "/")
	for i, seg := range segments {
		last := i == len(segments)-1
		switch {
		case last && strings.HasSuffix(seg, "*"):
			info.prefix = true
			if strings.ContainsAny(strings.TrimSuffix(seg, "*"), "{}*") {
				return nil, fmt.Errorf("%w: bad wildcard segment %q in %q", apperrors.ErrConfiguration, seg, cfg.Path)
			}
		case strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}"):
			if len(seg) == 2 || strings.ContainsAny(seg[1:len(seg)-1], "{}*") {
				return nil, fmt.Errorf("%w: bad path argument %q in %q", apperrors.ErrConfiguration, seg, cfg.Path)
			}
		case strings.ContainsAny(seg, "{}*"):
			return nil, fmt.Errorf("%w: bad path segment %q in %q", apperrors.ErrConfiguration, seg, cfg.Path)
		default:
			info.literals++
		}
	}
	info.segments = segments
	return info, nil
}

func isPattern(path string) bool {
	return strings.ContainsAny(path, "{}*")
}

// match reports whether path fits the pattern and returns the captured
// arguments.
func (h *HandlerInfo) match(path string) (map[string]string, bool) {
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	args := make(map[string]string)

	for i, seg := range h.segments {
		last := i == len(h.segments)-1
		if last && h.prefix {
			rest := strings.Join(parts[min(i, len(parts)):], "/")
			head := strings.TrimSuffix(seg, "*")
			if i >= len(parts) && head != "" {
				return nil, false
			}
			if !strings.HasPrefix(rest, head) {
				return nil, false
			}
			args["*"] = strings.TrimPrefix(rest, head)
			return args, true
		}
		if i >= len(parts) {
			return nil, false
		}
		part := parts[i]
		if strings.HasPrefix(seg, "{") {
			if part == "" {
				return nil, false
			}
			args[seg[1:len(seg)-1]] = part
			continue
		}
		if seg != part {
			return nil, false
		}
	}
	if len(parts) != len(h.segments) {
		return nil, false
	}
	return args, true
}

// overlaps reports whether two handlers for the same path accept a common
// method.
func overlaps(a, b *HandlerInfo) bool {
	if len(a.methods) == 0 || len(b.methods) == 0 {
		return true
	}
	for m := range a.methods {
		if _, ok := b.methods[m]; ok {
			return true
		}
	}
	return false
}

func allowHeader(infos []*HandlerInfo) string {
	seen := make(map[string]struct{})
	for _, info := range infos {
		for m := range info.methods {
			seen[m] = struct{}{}
		}
	}
	methods := make([]string, 0, len(seen))
	for m := range seen {
		methods = append(methods, m)
	}
	sort.Strings(methods)
	if len(methods) == 0 {
		return http.MethodGet
	}
	return strings.Join(methods, ", ")
}
