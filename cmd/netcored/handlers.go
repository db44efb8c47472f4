package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-i2p/netcore/lib/dialer"
	"github.com/go-i2p/netcore/lib/drivers/mysqlconn"
	apperrors "github.com/go-i2p/netcore/lib/errors"
	"github.com/go-i2p/netcore/lib/metrics"
	"github.com/go-i2p/netcore/lib/pool"
	"github.com/go-i2p/netcore/lib/server"
	"github.com/go-i2p/netcore/version"
)

// deps are the pools the handlers can reach. Any may be nil.
type deps struct {
	upstream *pool.Pool[*dialer.Conn]
	i2p      *pool.Pool[*dialer.Conn]
	mysql    *pool.Pool[*mysqlconn.Conn]
}

func registerHandlers(reg *server.Registry, d *deps) error {
	handlers := []struct {
		cfg server.HandlerConfig
		fn  server.HandlerFunc
	}{
		{server.HandlerConfig{Name: "ping", Path: "/ping", Methods: []string{http.MethodGet, http.MethodHead}}, handlePing},
		{server.HandlerConfig{Name: "hello", Path: "/hello/{name}", Methods: []string{http.MethodGet}}, handleHello},
		{server.HandlerConfig{Name: "hello-world", Path: "/hello", Methods: []string{http.MethodGet}}, handleHello},
		{server.HandlerConfig{Name: "stream", Path: "/stream", Methods: []string{http.MethodGet}, Streamed: true}, handleStream},
		{server.HandlerConfig{Name: "metrics", Path: "/metrics", Methods: []string{http.MethodGet}}, d.handleMetrics},
		{server.HandlerConfig{Name: "upstream-ping", Path: "/upstream/ping", Methods: []string{http.MethodGet}, Timeout: 5 * time.Second}, d.handleUpstreamPing},
		{server.HandlerConfig{Name: "i2p-ping", Path: "/i2p/ping", Methods: []string{http.MethodGet}, Timeout: 60 * time.Second}, d.handleI2PPing},
		{server.HandlerConfig{Name: "mysql-ping", Path: "/mysql/ping", Methods: []string{http.MethodGet}, Timeout: 5 * time.Second}, d.handleMySQLPing},
		{server.HandlerConfig{Name: "pools", Path: "/pools", Methods: []string{http.MethodGet}}, d.handlePools},
	}
	for _, h := range handlers {
		if err := reg.Handle(h.cfg, h.fn); err != nil {
			return err
		}
	}
	return nil
}

func handlePing(ctx context.Context, req *server.Request) error {
	resp := req.Response()
	resp.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, err := resp.WriteString("pong\n")
	return err
}

func handleHello(ctx context.Context, req *server.Request) error {
	name := req.PathArg("name")
	if name == "" {
		name = req.URL().Query().Get("name")
	}
	if name == "" {
		name = "world"
	}
	resp := req.Response()
	resp.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, err := fmt.Fprintf(resp, "hello, %s\n", name)
	return err
}

// handleStream sends ?n= lines (default 5), one chunk per line.
func handleStream(ctx context.Context, req *server.Request) error {
	n := 5
	if v := req.URL().Query().Get("n"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &n); err != nil || n < 0 || n > 1000 {
			return apperrors.New(http.StatusBadRequest, "n must be between 0 and 1000")
		}
	}

	resp := req.Response()
	resp.Header().Set("Content-Type", "text/plain; charset=utf-8")
	resp.Flush()
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(resp, "chunk %d\n", i); err != nil {
			return err
		}
	}
	return nil
}

func (d *deps) handleMetrics(ctx context.Context, req *server.Request) error {
	if d.upstream != nil {
		d.upstream.UpdateMetrics()
	}
	if d.i2p != nil {
		d.i2p.UpdateMetrics()
	}
	if d.mysql != nil {
		d.mysql.UpdateMetrics()
	}
	resp := req.Response()
	resp.Header().Set("Content-Type", metrics.ContentType)
	_, err := resp.WriteString(metrics.Default().Expose())
	return err
}

func (d *deps) handleUpstreamPing(ctx context.Context, req *server.Request) error {
	return pingStreamPool(ctx, req, "upstream", d.upstream)
}

func (d *deps) handleI2PPing(ctx context.Context, req *server.Request) error {
	return pingStreamPool(ctx, req, "i2p", d.i2p)
}

func pingStreamPool(ctx context.Context, req *server.Request, name string, p *pool.Pool[*dialer.Conn]) error {
	if p == nil {
		return apperrors.New(http.StatusNotFound, name+" pool not configured")
	}
	start := time.Now()
	h, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer h.Release()

	if err := h.Conn().Ping(ctx); err != nil {
		h.Conn().MarkBroken()
		return fmt.Errorf("%s ping: %w: %w", name, apperrors.ErrConnection, err)
	}
	return writeJSON(req, map[string]any{
		"ok":       true,
		"remote":   h.Conn().RemoteAddr().String(),
		"duration": time.Since(start).String(),
	})
}

func (d *deps) handleMySQLPing(ctx context.Context, req *server.Request) error {
	if d.mysql == nil {
		return apperrors.New(http.StatusNotFound, "mysql pool not configured")
	}
	h, err := d.mysql.Acquire(ctx)
	if err != nil {
		return err
	}
	defer h.Release()

	rows, err := h.Conn().Query(ctx, "SELECT VERSION()")
	if err != nil {
		return fmt.Errorf("mysql ping: %w: %w", apperrors.ErrConnection, err)
	}
	serverVersion := ""
	if len(rows.Values) > 0 && len(rows.Values[0]) > 0 {
		serverVersion = strings.TrimSpace(fmt.Sprint(asString(rows.Values[0][0])))
	}
	return writeJSON(req, map[string]any{
		"ok":      true,
		"version": serverVersion,
	})
}

func (d *deps) handlePools(ctx context.Context, req *server.Request) error {
	out := map[string]any{"version": version.Full()}
	if d.upstream != nil {
		out["upstream"] = d.upstream.Stats()
	}
	if d.i2p != nil {
		out["i2p"] = d.i2p.Stats()
	}
	if d.mysql != nil {
		out["mysql"] = d.mysql.Stats()
	}
	return writeJSON(req, out)
}

func asString(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

func writeJSON(req *server.Request, v any) error {
	resp := req.Response()
	resp.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(resp).Encode(v)
}
