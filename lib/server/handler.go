package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	apperrors "github.com/go-i2p/netcore/lib/errors"
	"github.com/go-i2p/netcore/lib/ratelimit"
	"github.com/go-i2p/netcore/lib/task"
)

// NewRequestHook is called for every parsed request before its handler is
// started.
type NewRequestHook func(req *Request)

// AccessLogFunc is called once per finished response, sent or not.
type AccessLogFunc func(req *Request)

// HandlerSettings configures a RequestHandler.
type HandlerSettings struct {
	// DefaultTimeout bounds handlers whose own Timeout is zero. Zero
	// disables it.
	DefaultTimeout time.Duration
	// RPSLimit caps requests per second across all connections. Zero
	// disables it.
	RPSLimit int
	// PeerRPSLimit caps requests per second from one peer IP. Zero
	// disables it.
	PeerRPSLimit float64
	// PeerBurst is the burst allowed per peer. Defaults to one second's
	// worth of PeerRPSLimit.
	PeerBurst int
}

// RequestHandler matches requests against a Registry and starts their
// handler tasks.
type RequestHandler struct {
	registry *Registry
	settings HandlerSettings
	limiter  *ratelimit.Limiter
	peers    *ratelimit.KeyedLimiter

	hook      atomic.Pointer[NewRequestHook]
	accessLog atomic.Pointer[AccessLogFunc]
}

// NewRequestHandler creates a handler dispatching through registry.
func NewRequestHandler(registry *Registry, settings HandlerSettings) *RequestHandler {
	h := &RequestHandler{
		registry: registry,
		settings: settings,
		limiter:  ratelimit.New(settings.RPSLimit),
	}
	if settings.PeerRPSLimit > 0 {
		burst := settings.PeerBurst
		if burst <= 0 {
			burst = int(settings.PeerRPSLimit)
		}
		h.peers = ratelimit.NewKeyed(settings.PeerRPSLimit, burst, time.Minute)
	}
	h.SetAccessLog(defaultAccessLog)
	return h
}

// Registry returns the handler registry.
func (h *RequestHandler) Registry() *Registry {
	return h.registry
}

// SetRPSLimit changes the shared requests-per-second limit. rps <= 0
// lifts it.
func (h *RequestHandler) SetRPSLimit(rps int) {
	h.limiter.SetRPS(rps)
	log.WithField("rps", rps).Debug("request rate limit changed")
}

// SetNewRequestHook installs hook, replacing any previous one.
func (h *RequestHandler) SetNewRequestHook(hook NewRequestHook) {
	if hook == nil {
		h.hook.Store(nil)
		return
	}
	h.hook.Store(&hook)
}

// SetAccessLog installs fn as the access log. Nil disables access logging.
func (h *RequestHandler) SetAccessLog(fn AccessLogFunc) {
	if fn == nil {
		h.accessLog.Store(nil)
		return
	}
	h.accessLog.Store(&fn)
}

// Close releases the per-peer limiter.
func (h *RequestHandler) Close() {
	if h.peers != nil {
		h.peers.Close()
	}
}

// StartRequestTask routes req and starts its handler under ctx without
// waiting. Requests that must not reach a handler get a task that
// finishes at once with the rejection error.
func (h *RequestHandler) StartRequestTask(ctx context.Context, req *Request) *task.Task[struct{}] {
	if req.rejectErr != nil {
		return rejected(ctx, req.rejectErr)
	}

	match := h.registry.Match(req.Method(), req.Path())
	streamed := match.Status == Matched && match.Handler.cfg.Streamed
	req.response = newResponse(streamed)
	if match.Handler != nil {
		req.handler = match.Handler
		req.handlerName = match.Handler.cfg.Name
		req.pathArgs = match.PathArgs
	}

	if hook := h.hook.Load(); hook != nil {
		(*hook)(req)
	}

	switch match.Status {
	case NotFound:
		return h.reject(ctx, req, apperrors.ErrNotFound)
	case MethodNotAllowed:
		req.response.Header().Set("Allow", match.Allow)
		return h.reject(ctx, req, apperrors.New(http.StatusMethodNotAllowed, http.StatusText(http.StatusMethodNotAllowed)))
	}

	if !h.limiter.Allow() || (h.peers != nil && !h.peers.Allow(peerKey(req.remoteAddr))) {
		RateLimitedTotal.Inc()
		return h.reject(ctx, req, apperrors.ErrRateLimited)
	}

	info := match.Handler
	timeout := info.cfg.Timeout
	if timeout == 0 {
		timeout = h.settings.DefaultTimeout
	}

	return task.Spawn(info.cfg.Processor, ctx, func(ctx context.Context) (struct{}, error) {
		defer req.response.finish()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		err := info.fn(ctx, req)
		if err != nil && errors.Is(err, context.DeadlineExceeded) && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: handler %s: %w", apperrors.ErrTimeout, info.cfg.Name, err)
		}
		return struct{}{}, err
	})
}

// reject answers a request without running its handler. A streamed
// response is finished so the pipeline sends it as a plain one.
func (h *RequestHandler) reject(ctx context.Context, req *Request, err error) *task.Task[struct{}] {
	req.response.finish()
	return rejected(ctx, err)
}

func rejected(ctx context.Context, err error) *task.Task[struct{}] {
	return task.Spawn(task.Default(), task.Shield(ctx), func(context.Context) (struct{}, error) {
		return struct{}{}, err
	})
}

func (h *RequestHandler) writeAccessLog(req *Request) {
	observeRequest(req)
	if fn := h.accessLog.Load(); fn != nil {
		(*fn)(req)
	}
}

func defaultAccessLog(req *Request) {
	start, finish := req.SendTimes()
	resp := req.Response()
	log.WithField("request_id", req.ID.String()).
		WithField("remote", req.RemoteAddr()).
		WithField("method", req.Method()).
		WithField("path", req.Path()).
		WithField("handler", req.HandlerName()).
		WithField("status", resp.Status()).
		WithField("bytes", resp.BytesSent()).
		WithField("send_failed", resp.SendFailed()).
		WithField("duration", finish.Sub(req.ReceivedAt()).String()).
		WithField("send_duration", finish.Sub(start).String()).
		Debug("request served")
}

func peerKey(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}
