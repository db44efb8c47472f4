package server

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/go-i2p/netcore/lib/errors"
)

// pipeConn starts a Connection on one end of net.Pipe and returns the
// client end. Finished requests are delivered on the returned channel.
func pipeConn(t *testing.T, reg *Registry, cfg ConnectionConfig) (net.Conn, *Connection, <-chan *Request) {
	t.Helper()
	serverSide, client := net.Pipe()
	return startConn(t, serverSide, client, reg, cfg)
}

func startConn(t *testing.T, serverSide, client net.Conn, reg *Registry, cfg ConnectionConfig) (net.Conn, *Connection, <-chan *Request) {
	t.Helper()
	finished := make(chan *Request, 64)
	h := NewRequestHandler(reg, HandlerSettings{})
	h.SetAccessLog(func(req *Request) { finished <- req })

	c := NewConnection(context.Background(), serverSide, h, &Stats{}, cfg)
	c.Start()
	t.Cleanup(func() {
		_ = client.Close()
		c.Stop()
		select {
		case <-c.Done():
		case <-time.After(5 * time.Second):
			t.Error("connection did not shut down")
		}
	})
	return client, c, finished
}

func send(t *testing.T, conn net.Conn, raw string) {
	t.Helper()
	go func() {
		_, _ = io.WriteString(conn, raw)
	}()
}

func get(path string) string {
	return "GET " + path + " HTTP/1.1\r\nHost: test\r\n\r\n"
}

func readResponse(t *testing.T, br *bufio.Reader) (*http.Response, string) {
	t.Helper()
	resp, err := http.ReadResponse(br, nil)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	return resp, string(body)
}

func waitFinished(t *testing.T, finished <-chan *Request, n int) []*Request {
	t.Helper()
	out := make([]*Request, 0, n)
	for len(out) < n {
		select {
		case req := <-finished:
			out = append(out, req)
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of %d requests finished", len(out), n)
		}
	}
	return out
}

func echoPath(ctx context.Context, req *Request) error {
	_, err := req.Response().WriteString(req.Path())
	return err
}

func TestSequentialOrderSlowFirst(t *testing.T) {
	bDone := make(chan struct{})
	reg := NewRegistry()
	require.NoError(t, reg.HandleFunc("/a", func(ctx context.Context, req *Request) error {
		select {
		case <-bDone:
		case <-ctx.Done():
			return ctx.Err()
		}
		_, err := req.Response().WriteString("A")
		return err
	}))
	require.NoError(t, reg.HandleFunc("/b", func(ctx context.Context, req *Request) error {
		defer close(bDone)
		_, err := req.Response().WriteString("B")
		return err
	}))

	client, _, _ := pipeConn(t, reg, DefaultConnectionConfig())
	send(t, client, get("/a")+get("/b"))

	br := bufio.NewReader(client)
	_, first := readResponse(t, br)
	_, second := readResponse(t, br)
	assert.Equal(t, "A", first, "response for A is written before B's")
	assert.Equal(t, "B", second)
}

func TestResponsesFollowRequestOrder(t *testing.T) {
	for _, pipelined := range []bool{false, true} {
		t.Run(fmt.Sprintf("pipelined=%v", pipelined), func(t *testing.T) {
			reg := NewRegistry()
			require.NoError(t, reg.HandleFunc("/r/{n}", func(ctx context.Context, req *Request) error {
				time.Sleep(time.Duration(rand.Intn(5)) * time.Millisecond)
				_, err := req.Response().WriteString(req.PathArg("n"))
				return err
			}))

			cfg := DefaultConnectionConfig()
			cfg.PipelineResponses = pipelined
			client, c, _ := pipeConn(t, reg, cfg)

			const n = 30
			var raw strings.Builder
			for i := 0; i < n; i++ {
				raw.WriteString(get(fmt.Sprintf("/r/%d", i)))
			}
			send(t, client, raw.String())

			br := bufio.NewReader(client)
			for i := 0; i < n; i++ {
				resp, body := readResponse(t, br)
				assert.Equal(t, http.StatusOK, resp.StatusCode)
				assert.Equal(t, fmt.Sprint(i), body)
			}

			if pipelined {
				assert.Eventually(t, func() bool {
					return c.stats.Snapshot().PipelinesExecuted > 0
				}, time.Second, 5*time.Millisecond)
			}
		})
	}
}

// failingConn fails every write that contains marker.
type failingConn struct {
	net.Conn
	marker string

	mu     sync.Mutex
	writes []string
}

func (f *failingConn) Write(p []byte) (int, error) {
	f.mu.Lock()
	f.writes = append(f.writes, string(p))
	f.mu.Unlock()
	if bytes.Contains(p, []byte(f.marker)) {
		return 0, syscall.EPIPE
	}
	return f.Conn.Write(p)
}

func (f *failingConn) sawWrite(s string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, w := range f.writes {
		if strings.Contains(w, s) {
			return true
		}
	}
	return false
}

func TestWriteFailureInvalidatesChain(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.HandleFunc("/r/{n}", func(ctx context.Context, req *Request) error {
		_, err := req.Response().WriteString("body-" + req.PathArg("n"))
		return err
	}))

	serverSide, client := net.Pipe()
	fc := &failingConn{Conn: serverSide, marker: "body-2"}
	client, _, finished := startConn(t, fc, client, reg, DefaultConnectionConfig())

	go func() { _, _ = io.Copy(io.Discard, client) }()
	send(t, client, get("/r/1")+get("/r/2")+get("/r/3"))

	reqs := waitFinished(t, finished, 3)
	require.Equal(t, "/r/1", reqs[0].Path())
	require.Equal(t, "/r/3", reqs[2].Path())

	assert.False(t, reqs[0].Response().SendFailed())
	assert.True(t, reqs[1].Response().SendFailed())
	assert.True(t, reqs[2].Response().SendFailed(), "later responses short-circuit")
	assert.False(t, reqs[2].Response().SendFailedAt().IsZero())
	assert.False(t, fc.sawWrite("body-3"), "nothing is written after a failure")
}

func TestPipelinedWriteFailure(t *testing.T) {
	release := make(chan struct{})
	reg := NewRegistry()
	require.NoError(t, reg.HandleFunc("/r/{n}", func(ctx context.Context, req *Request) error {
		<-release
		_, err := req.Response().WriteString("body-" + req.PathArg("n"))
		return err
	}))

	serverSide, client := net.Pipe()
	fc := &failingConn{Conn: serverSide, marker: "body-1"}
	cfg := DefaultConnectionConfig()
	cfg.PipelineResponses = true
	client, _, finished := startConn(t, fc, client, reg, cfg)

	go func() { _, _ = io.Copy(io.Discard, client) }()
	send(t, client, get("/r/1")+get("/r/2"))
	time.Sleep(20 * time.Millisecond)
	close(release)

	for _, req := range waitFinished(t, finished, 2) {
		assert.True(t, req.Response().SendFailed(), "%s", req.Path())
	}
}

func TestFinalRequestClosesConnection(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.HandleFunc("/ping", echoPath))

	client, c, _ := pipeConn(t, reg, DefaultConnectionConfig())
	send(t, client, "GET /ping HTTP/1.1\r\nHost: test\r\nConnection: close\r\n\r\n"+get("/ignored"))

	br := bufio.NewReader(client)
	resp, body := readResponse(t, br)
	assert.Equal(t, "/ping", body)
	assert.True(t, resp.Close)

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection stayed open after a final request")
	}
	_, err := br.ReadByte()
	assert.Error(t, err)
}

func TestHTTP10WithoutKeepAliveIsFinal(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.HandleFunc("/ping", echoPath))

	client, c, _ := pipeConn(t, reg, DefaultConnectionConfig())
	send(t, client, "GET /ping HTTP/1.0\r\n\r\n")

	// ReadResponse moves Connection: close into resp.Close, so keep the
	// raw bytes to see the header itself.
	var raw bytes.Buffer
	resp, _ := readResponse(t, bufio.NewReader(io.TeeReader(client, &raw)))
	assert.True(t, resp.Close)
	assert.Contains(t, raw.String(), "\r\nConnection: close\r\n")
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection stayed open")
	}
}

func TestMalformedRequest(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.HandleFunc("/ping", echoPath))

	client, c, _ := pipeConn(t, reg, DefaultConnectionConfig())
	send(t, client, get("/ping")+"NONSENSE\r\n\r\n")

	br := bufio.NewReader(client)
	_, body := readResponse(t, br)
	assert.Equal(t, "/ping", body, "earlier responses are still sent")

	resp, _ := readResponse(t, br)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection stayed open after a malformed request")
	}
	assert.Equal(t, uint64(1), c.stats.Snapshot().ParseErrors)
}

func TestRequestTooLarge(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.HandleFunc("/upload", echoPath))

	cfg := DefaultConnectionConfig()
	cfg.MaxBodySize = 4
	client, _, _ := pipeConn(t, reg, cfg)
	send(t, client, "POST /upload HTTP/1.1\r\nHost: test\r\nContent-Length: 10\r\n\r\n0123456789")

	resp, _ := readResponse(t, bufio.NewReader(client))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestRequestBody(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Handle(HandlerConfig{Path: "/echo", Methods: []string{"POST"}}, func(ctx context.Context, req *Request) error {
		req.Response().SetBody(bytes.ToUpper(req.Body()))
		return nil
	}))

	client, _, _ := pipeConn(t, reg, DefaultConnectionConfig())
	send(t, client, "POST /echo HTTP/1.1\r\nHost: test\r\nContent-Length: 5\r\n\r\nhello")

	_, body := readResponse(t, bufio.NewReader(client))
	assert.Equal(t, "HELLO", body)
}

func TestHandlerOutcomes(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.HandleFunc("/panic", func(ctx context.Context, req *Request) error {
		panic("boom")
	}))
	require.NoError(t, reg.HandleFunc("/missing", func(ctx context.Context, req *Request) error {
		return fmt.Errorf("lookup: %w", apperrors.ErrNotFound)
	}))
	require.NoError(t, reg.HandleFunc("/teapot", func(ctx context.Context, req *Request) error {
		return apperrors.New(http.StatusTeapot, "short and stout")
	}))
	require.NoError(t, reg.HandleFunc("/overloaded", func(ctx context.Context, req *Request) error {
		return apperrors.ErrPoolOverloaded
	}))
	require.NoError(t, reg.Handle(HandlerConfig{Path: "/slow", Timeout: 10 * time.Millisecond}, func(ctx context.Context, req *Request) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	require.NoError(t, reg.Handle(HandlerConfig{Path: "/post", Methods: []string{"POST"}}, echoPath))

	client, _, _ := pipeConn(t, reg, DefaultConnectionConfig())
	send(t, client, get("/panic")+get("/missing")+get("/teapot")+get("/overloaded")+get("/slow")+get("/post")+get("/nowhere"))

	br := bufio.NewReader(client)
	tests := []struct {
		status int
		body   string
	}{
		{http.StatusInternalServerError, "internal error"},
		{http.StatusNotFound, "Not Found"},
		{http.StatusTeapot, "short and stout"},
		{http.StatusGatewayTimeout, "Gateway Timeout"},
		{http.StatusGatewayTimeout, "Gateway Timeout"},
		{http.StatusMethodNotAllowed, "Method Not Allowed"},
		{http.StatusNotFound, "Not Found"},
	}
	for i, tc := range tests {
		resp, body := readResponse(t, br)
		assert.Equal(t, tc.status, resp.StatusCode, "response %d", i)
		assert.Equal(t, tc.body, body, "response %d", i)
		if tc.status == http.StatusMethodNotAllowed {
			assert.Equal(t, "POST", resp.Header.Get("Allow"))
		}
		assert.NotEmpty(t, resp.Header.Get(RequestIDHeader))
	}
}

func TestCancelledHandlerIs503(t *testing.T) {
	started := make(chan struct{})
	reg := NewRegistry()
	require.NoError(t, reg.HandleFunc("/wait", func(ctx context.Context, req *Request) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))

	base, cancel := context.WithCancel(context.Background())
	serverSide, client := net.Pipe()
	h := NewRequestHandler(reg, HandlerSettings{})
	c := NewConnection(base, serverSide, h, &Stats{}, DefaultConnectionConfig())
	c.Start()
	t.Cleanup(func() {
		_ = client.Close()
		c.Stop()
		<-c.Done()
	})

	send(t, client, get("/wait"))
	<-started
	cancel()

	resp, _ := readResponse(t, bufio.NewReader(client))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestStopCancelsPendingRequests(t *testing.T) {
	started := make(chan struct{})
	cancelled := make(chan struct{})
	reg := NewRegistry()
	require.NoError(t, reg.HandleFunc("/wait", func(ctx context.Context, req *Request) error {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}))
	require.NoError(t, reg.HandleFunc("/next", echoPath))

	client, c, finished := pipeConn(t, reg, DefaultConnectionConfig())
	send(t, client, get("/wait")+get("/next"))
	<-started
	require.Eventually(t, func() bool {
		return c.stats.Snapshot().ActiveRequests == 2
	}, time.Second, 5*time.Millisecond)

	c.Stop()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not shut the connection down")
	}
	select {
	case <-cancelled:
	default:
		t.Fatal("in-flight handler was not cancelled")
	}

	for _, req := range waitFinished(t, finished, 2) {
		assert.True(t, req.Response().SendFailed(), "%s", req.Path())
	}
	assert.Equal(t, int64(0), c.stats.Snapshot().ActiveRequests)
	assert.Equal(t, uint64(1), c.stats.Snapshot().ConnectionsClosed)
}

func TestPeerCloseAbortsPendingWork(t *testing.T) {
	started := make(chan struct{})
	reg := NewRegistry()
	require.NoError(t, reg.HandleFunc("/wait", func(ctx context.Context, req *Request) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))

	client, c, _ := pipeConn(t, reg, DefaultConnectionConfig())
	send(t, client, get("/wait"))
	<-started
	require.NoError(t, client.Close())

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("peer close did not shut the connection down")
	}
}

func TestBackpressureStopsReading(t *testing.T) {
	release := make(chan struct{})
	reg := NewRegistry()
	require.NoError(t, reg.HandleFunc("/r/{n}", func(ctx context.Context, req *Request) error {
		<-release
		_, err := req.Response().WriteString(req.PathArg("n"))
		return err
	}))

	cfg := DefaultConnectionConfig()
	cfg.RequestsQueueSizeThreshold = 2
	client, c, _ := pipeConn(t, reg, cfg)

	const sent = 6
	var raw strings.Builder
	for i := 0; i < sent; i++ {
		raw.WriteString(get(fmt.Sprintf("/r/%d", i)))
	}
	_, err := io.WriteString(client, raw.String())
	require.NoError(t, err)

	select {
	case <-c.producerDone:
	case <-time.After(2 * time.Second):
		t.Fatal("reader kept going past the queue threshold")
	}
	close(release)

	br := bufio.NewReader(client)
	answered := 0
	for {
		resp, err := http.ReadResponse(br, nil)
		if err != nil {
			break
		}
		body, _ := io.ReadAll(resp.Body)
		assert.Equal(t, fmt.Sprint(answered), string(body))
		answered++
	}
	assert.GreaterOrEqual(t, answered, 3)
	assert.Less(t, answered, sent, "requests read past the threshold are not served")

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection stayed open after the queue threshold")
	}
	assert.Equal(t, uint64(answered), c.stats.Snapshot().RequestsProcessed)
}

func TestStreamedResponse(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Handle(HandlerConfig{Path: "/stream", Streamed: true}, func(ctx context.Context, req *Request) error {
		resp := req.Response()
		resp.Header().Set("Content-Type", "text/plain")
		for _, part := range []string{"one ", "two ", "three"} {
			if _, err := resp.WriteString(part); err != nil {
				return err
			}
		}
		return nil
	}))
	require.NoError(t, reg.Handle(HandlerConfig{Path: "/stream-fail", Streamed: true}, func(ctx context.Context, req *Request) error {
		return apperrors.ErrUnavailable
	}))
	require.NoError(t, reg.HandleFunc("/after", echoPath))

	for _, pipelined := range []bool{false, true} {
		t.Run(fmt.Sprintf("pipelined=%v", pipelined), func(t *testing.T) {
			cfg := DefaultConnectionConfig()
			cfg.PipelineResponses = pipelined
			client, _, _ := pipeConn(t, reg, cfg)
			send(t, client, get("/after")+get("/stream")+get("/stream-fail")+get("/after"))

			br := bufio.NewReader(client)
			_, body := readResponse(t, br)
			assert.Equal(t, "/after", body)

			resp, body := readResponse(t, br)
			assert.Equal(t, []string{"chunked"}, resp.TransferEncoding)
			assert.Equal(t, "one two three", body)

			resp, _ = readResponse(t, br)
			assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
			assert.Empty(t, resp.TransferEncoding)

			_, body = readResponse(t, br)
			assert.Equal(t, "/after", body)
		})
	}
}

func TestStreamAbortedOnStop(t *testing.T) {
	writeErr := make(chan error, 1)
	reg := NewRegistry()
	require.NoError(t, reg.Handle(HandlerConfig{Path: "/stream", Streamed: true}, func(ctx context.Context, req *Request) error {
		for {
			if _, err := req.Response().WriteString("tick\n"); err != nil {
				writeErr <- err
				return err
			}
		}
	}))

	client, c, _ := pipeConn(t, reg, DefaultConnectionConfig())
	send(t, client, get("/stream"))

	br := bufio.NewReader(client)
	resp, err := http.ReadResponse(br, nil)
	require.NoError(t, err)
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "tick\n", line)

	require.NoError(t, client.Close())
	c.Stop()
	select {
	case err := <-writeErr:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("streaming handler was not unblocked")
	}
}

func TestRateLimit(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.HandleFunc("/ping", echoPath))

	serverSide, client := net.Pipe()
	h := NewRequestHandler(reg, HandlerSettings{RPSLimit: 1})
	c := NewConnection(context.Background(), serverSide, h, &Stats{}, DefaultConnectionConfig())
	c.Start()
	t.Cleanup(func() {
		_ = client.Close()
		c.Stop()
		<-c.Done()
	})

	send(t, client, get("/ping")+get("/ping"))
	br := bufio.NewReader(client)
	first, _ := readResponse(t, br)
	second, _ := readResponse(t, br)
	assert.Equal(t, http.StatusOK, first.StatusCode)
	assert.Equal(t, http.StatusTooManyRequests, second.StatusCode)
}

func TestNewRequestHook(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.HandleFunc("/ping", echoPath))

	serverSide, client := net.Pipe()
	h := NewRequestHandler(reg, HandlerSettings{})
	seen := make(chan string, 1)
	h.SetNewRequestHook(func(req *Request) {
		req.Response().Header().Set("X-Hooked", "yes")
		seen <- req.Path()
	})
	c := NewConnection(context.Background(), serverSide, h, &Stats{}, DefaultConnectionConfig())
	c.Start()
	t.Cleanup(func() {
		_ = client.Close()
		c.Stop()
		<-c.Done()
	})

	send(t, client, get("/ping"))
	resp, _ := readResponse(t, bufio.NewReader(client))
	assert.Equal(t, "/ping", <-seen)
	assert.Equal(t, "yes", resp.Header.Get("X-Hooked"))
}

func TestIdleTimeoutClosesConnection(t *testing.T) {
	reg := NewRegistry()
	cfg := DefaultConnectionConfig()
	cfg.KeepaliveTimeout = 20 * time.Millisecond
	_, c, _ := pipeConn(t, reg, cfg)

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("idle connection was not closed")
	}
}

func TestCloseCallback(t *testing.T) {
	reg := NewRegistry()
	serverSide, client := net.Pipe()
	c := NewConnection(context.Background(), serverSide, NewRequestHandler(reg, HandlerSettings{}), nil, DefaultConnectionConfig())

	called := make(chan struct{})
	c.SetCloseCallback(func() { close(called) })
	c.Start()
	require.NoError(t, client.Close())

	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("close callback not called")
	}
	<-c.Done()
}
