package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/go-i2p/netcore/lib/errors"
	"github.com/go-i2p/netcore/lib/handoff"
	"github.com/go-i2p/netcore/lib/task"
)

// ConnectionConfig tunes one connection pipeline.
type ConnectionConfig struct {
	// InBufferSize is the read buffer size.
	// Default: 32 KiB
	InBufferSize int
	// KeepaliveTimeout closes a connection that sends nothing for this
	// long.
	// Default: 10 minutes
	KeepaliveTimeout time.Duration
	// RequestsQueueSizeThreshold is the number of unanswered requests after
	// which the connection stops reading.
	// Default: 100
	RequestsQueueSizeThreshold int
	// PipelineResponses batches ready responses into one write.
	// Default: false
	PipelineResponses bool
	// MaxPipelinedResponses caps the responses in one batch.
	// Default: 16
	MaxPipelinedResponses int
	// PipelinedBytesThreshold ends a batch once its bodies reach this size.
	// Default: 64 KiB
	PipelinedBytesThreshold int
	// WriteTimeout bounds each socket write. Zero disables it.
	// Default: 30 seconds
	WriteTimeout time.Duration
	// MaxBodySize rejects larger request bodies with 413. Zero disables it.
	// Default: 1 MiB
	MaxBodySize int64
}

// DefaultConnectionConfig returns a ConnectionConfig with sensible defaults.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		InBufferSize:               32 * 1024,
		KeepaliveTimeout:           10 * time.Minute,
		RequestsQueueSizeThreshold: 100,
		PipelineResponses:          false,
		MaxPipelinedResponses:      16,
		PipelinedBytesThreshold:    64 * 1024,
		WriteTimeout:               30 * time.Second,
		MaxBodySize:                1 << 20,
	}
}

func (c ConnectionConfig) withDefaults() ConnectionConfig {
	def := DefaultConnectionConfig()
	if c.InBufferSize <= 0 {
		c.InBufferSize = def.InBufferSize
	}
	if c.KeepaliveTimeout <= 0 {
		c.KeepaliveTimeout = def.KeepaliveTimeout
	}
	if c.RequestsQueueSizeThreshold <= 0 {
		c.RequestsQueueSizeThreshold = def.RequestsQueueSizeThreshold
	}
	if c.MaxPipelinedResponses <= 0 {
		c.MaxPipelinedResponses = def.MaxPipelinedResponses
	}
	if c.PipelinedBytesThreshold <= 0 {
		c.PipelinedBytesThreshold = def.PipelinedBytesThreshold
	}
	return c
}

type queueItem struct {
	req  *Request
	task *task.Task[struct{}]
}

// cancelledLog limits "handler task was cancelled" errors.
var cancelledLog = rate.Sometimes{First: 1, Interval: 10 * time.Second}

// Connection serves requests from one accepted socket.
//
// A producer goroutine parses requests, starts a handler task for each and
// queues the pair; a consumer goroutine answers them strictly in arrival
// order. Once a write fails or processing is interrupted the response
// chain is invalid and every later response is marked send-failed without
// touching the socket.
type Connection struct {
	cfg     ConnectionConfig
	conn    net.Conn
	handler *RequestHandler
	stats   *Stats
	remote  string
	items   *handoff.Channel[queueItem]

	// base parents the request tasks.
	base context.Context
	// ctx is the consumer's context; Stop cancels it.
	ctx    context.Context
	cancel context.CancelFunc
	// pctx is the producer's context; the consumer cancels it on exit.
	pctx         context.Context
	pcancel      context.CancelFunc
	producerDone chan struct{}
	done         chan struct{}

	accepting  bool
	chainValid bool
	draining   bool

	closeMu   sync.Mutex
	closeCb   func()
	startOnce sync.Once
}

// NewConnection wraps conn. Request tasks derive from ctx; cancelling ctx
// cancels in-flight handlers but not the connection itself.
func NewConnection(ctx context.Context, conn net.Conn, handler *RequestHandler, stats *Stats, cfg ConnectionConfig) *Connection {
	cfg = cfg.withDefaults()
	if stats == nil {
		stats = &Stats{}
	}
	c := &Connection{
		cfg:          cfg,
		conn:         conn,
		handler:      handler,
		stats:        stats,
		remote:       remoteString(conn),
		items:        handoff.New[queueItem](cfg.RequestsQueueSizeThreshold),
		base:         ctx,
		producerDone: make(chan struct{}),
		done:         make(chan struct{}),
		accepting:    true,
		chainValid:   true,
	}
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	c.pctx, c.pcancel = context.WithCancel(context.WithoutCancel(ctx))

	stats.connectionOpened()
	log.WithField("remote", c.remote).Debug("incoming connection")
	return c
}

// SetCloseCallback installs fn, called once after the socket is closed.
func (c *Connection) SetCloseCallback(fn func()) {
	c.closeMu.Lock()
	c.closeCb = fn
	c.closeMu.Unlock()
}

// Start launches the producer and consumer goroutines.
func (c *Connection) Start() {
	c.startOnce.Do(func() {
		go c.listenForRequests()
		go c.run()
	})
}

// Stop interrupts the connection. Pending requests are cancelled and the
// socket is closed; Done is closed once that has happened.
func (c *Connection) Stop() {
	c.cancel()
}

// Done is closed when the connection has shut down.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// RemoteAddr returns the peer address.
func (c *Connection) RemoteAddr() string {
	return c.remote
}

func (c *Connection) listenForRequests() {
	graceful := false
	defer close(c.producerDone)
	defer c.items.Close()
	defer func() {
		if !graceful {
			// Peer went away: cancel whatever is still pending.
			c.cancel()
		}
	}()

	stopInterrupt := context.AfterFunc(c.pctx, func() {
		_ = c.conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stopInterrupt()

	p := newParser(c.conn, c.cfg.InBufferSize, c.cfg.MaxBodySize, c.remote)
	for c.accepting {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.KeepaliveTimeout)); err != nil {
			log.WithField("remote", c.remote).WithError(err).Debug("failed to set read deadline")
		}
		if c.pctx.Err() != nil {
			return
		}

		req, err := p.next()
		switch {
		case err == nil:
			if !c.newRequest(req) {
				log.WithField("remote", c.remote).
					WithField("queued", c.items.Len()).
					Debug("request queue over threshold, stop reading")
				c.accepting = false
			}
		case errors.Is(err, apperrors.ErrMalformedRequest), errors.Is(err, apperrors.ErrRequestTooLarge):
			log.WithField("remote", c.remote).WithError(err).Debug("malformed request")
			c.stats.parseError()
			c.newRequest(newRejectedRequest(err, c.remote))
			c.accepting = false
		case c.pctx.Err() != nil:
			return
		case errors.Is(err, os.ErrDeadlineExceeded):
			log.WithField("remote", c.remote).Info("closing idle connection on timeout")
			graceful = true
			return
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
			log.WithField("remote", c.remote).Debug("peer closed connection")
			return
		case errors.Is(err, syscall.ECONNRESET):
			log.WithField("remote", c.remote).WithError(err).Warn("I/O error while receiving from peer")
			return
		default:
			log.WithField("remote", c.remote).WithError(err).Error("I/O error while receiving from peer")
			return
		}
	}
	graceful = true
	log.WithField("remote", c.remote).Debug("stopped accepting requests")
}

// newRequest starts req and queues it. It returns false once the queue is
// over its soft threshold.
func (c *Connection) newRequest(req *Request) bool {
	if req.IsFinal() {
		c.accepting = false
	}
	c.stats.requestStarted()
	t := c.handler.StartRequestTask(c.base, req)
	return c.items.Push(queueItem{req: req, task: t})
}

func (c *Connection) run() {
	c.processResponses()

	c.pcancel()
	<-c.producerDone

	// Whatever is still queued is cancelled and marked send-failed.
	c.draining = true
	for {
		item, ok := c.items.TryPop()
		if !ok {
			break
		}
		c.processSingleResponse(item)
	}
	c.shutdown()
}

func (c *Connection) shutdown() {
	log.WithField("remote", c.remote).Debug("closing connection")
	if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		log.WithField("remote", c.remote).WithError(err).Debug("close failed")
	}
	c.stats.connectionClosed()

	c.closeMu.Lock()
	cb := c.closeCb
	c.closeMu.Unlock()
	if cb != nil {
		cb()
	}
	c.cancel()
	close(c.done)
}

func (c *Connection) interrupted() bool {
	return c.draining || c.ctx.Err() != nil
}

func (c *Connection) processResponses() {
	if c.cfg.PipelineResponses {
		c.processResponsesPipelined()
		return
	}
	for {
		item, ok := c.items.Pop(c.ctx)
		if !ok {
			return
		}
		c.processSingleResponse(item)
	}
}

func (c *Connection) processResponsesPipelined() {
	batch := make([]queueItem, 0, c.cfg.MaxPipelinedResponses)
	for c.ctx.Err() == nil {
		size := 0
		var streamed *queueItem

		for len(batch) < c.cfg.MaxPipelinedResponses && size < c.cfg.PipelinedBytesThreshold {
			item, ok := c.items.TryPop()
			if !ok {
				break
			}
			if item.req.response.IsBodyStreamed() {
				streamed = &item
				break
			}
			c.handleQueueItem(item)
			size += len(item.req.response.Body())
			batch = append(batch, item)
		}

		sent := len(batch)
		if sent > 0 {
			c.sendResponses(batch)
			clear(batch)
			batch = batch[:0]
		}

		switch {
		case streamed != nil:
			c.processSingleResponse(*streamed)
		case sent == 0:
			item, ok := c.items.Pop(c.ctx)
			if !ok {
				return
			}
			c.processSingleResponse(item)
		}
	}
}

func (c *Connection) processSingleResponse(item queueItem) {
	c.handleQueueItem(item)
	c.sendResponse(item.req)
}

// handleQueueItem waits for the item's handler and turns its outcome into
// the response.
func (c *Connection) handleQueueItem(item queueItem) {
	resp := item.req.response

	if c.interrupted() {
		resp.abort()
		item.task.SyncCancel()
		log.WithField("request_id", item.req.ID.String()).Debug("request processing interrupted")
		c.chainValid = false
		return
	}

	var err error
	if resp.IsBodyStreamed() {
		err = c.waitHeaders(item)
	} else {
		err = item.task.Wait(c.ctx)
	}
	if err == nil && item.task.IsFinished() {
		_, err = item.task.Get()
	}

	var panicErr *task.PanicError
	switch {
	case err == nil:
		resp.SetReady()
	case errors.Is(err, task.ErrWaitInterrupted):
		resp.abort()
		item.task.SyncCancel()
		log.WithField("request_id", item.req.ID.String()).Debug("request processing interrupted")
		c.chainValid = false
	case errors.Is(err, task.ErrCancelled):
		cancelledLog.Do(func() {
			log.WithField("request_id", item.req.ID.String()).Error("handler task was cancelled")
		})
		resp.setError(http.StatusServiceUnavailable, http.StatusText(http.StatusServiceUnavailable))
	case errors.As(err, &panicErr):
		log.WithField("request_id", item.req.ID.String()).
			WithField("panic", fmt.Sprint(panicErr.Value)).
			Warn("request failed with unhandled panic")
		resp.setError(http.StatusInternalServerError, "internal error")
	default:
		code, msg := errorResponse(err)
		if code >= 500 {
			log.WithField("request_id", item.req.ID.String()).WithError(err).Warn("request failed")
		}
		resp.setError(code, msg)
	}
}

// waitHeaders waits until a streamed response is committed or its handler
// returns.
func (c *Connection) waitHeaders(item queueItem) error {
	resp := item.req.response
	select {
	case <-resp.committed:
	case <-item.task.Done():
		return nil
	case <-c.ctx.Done():
		return task.ErrWaitInterrupted
	}
	if resp.isCommitted() {
		return nil
	}
	// Closed by finish: the handler returned without writing.
	return item.task.Wait(c.ctx)
}

// errorResponse maps a handler error onto a status and client-safe body.
func errorResponse(err error) (int, string) {
	code := apperrors.HTTPStatus(err)
	var se *apperrors.Error
	if errors.As(err, &se) && se.Message != "" {
		return code, se.SafeMessage()
	}
	return code, http.StatusText(code)
}

func (c *Connection) sendResponse(req *Request) {
	resp := req.response
	now := time.Now()
	req.setStartSend(now)

	if c.chainValid {
		var err error
		if resp.isCommitted() {
			err = c.writeStream(req)
		} else {
			err = c.writeBuffers(net.Buffers{resp.serializeHeaders(req, false), resp.payload(req)}, resp)
		}
		if err != nil {
			c.sendFailed(err, req)
		}
	} else {
		resp.markSendFailed(now)
		c.stats.sendFailed(1)
	}

	req.setFinishSend(time.Now())
	c.stats.requestsDone(1)
	c.handler.writeAccessLog(req)
}

// sendResponses writes a batch of non-streamed responses with one vectored
// write.
func (c *Connection) sendResponses(batch []queueItem) {
	bufs := make(net.Buffers, 0, 2*len(batch))
	for _, item := range batch {
		resp := item.req.response
		bufs = append(bufs, resp.serializeHeaders(item.req, false), resp.payload(item.req))
	}

	now := time.Now()
	for _, item := range batch {
		item.req.setStartSend(now)
	}

	if c.chainValid {
		if err := c.writeBuffers(bufs, nil); err != nil {
			reqs := make([]*Request, len(batch))
			for i, item := range batch {
				reqs[i] = item.req
			}
			c.sendFailed(err, reqs...)
		} else {
			for i, item := range batch {
				item.req.response.bytesSent.Add(int64(len(bufs[2*i]) + len(bufs[2*i+1])))
			}
		}
	} else {
		for _, item := range batch {
			item.req.response.markSendFailed(now)
		}
		c.stats.sendFailed(len(batch))
	}

	finish := time.Now()
	for _, item := range batch {
		item.req.setFinishSend(finish)
	}
	c.stats.requestsDone(len(batch))
	c.stats.pipelined(len(batch))
	for _, item := range batch {
		c.handler.writeAccessLog(item.req)
	}
}

// writeBuffers writes bufs in one vectored write, accounting the bytes to
// resp when given.
func (c *Connection) writeBuffers(bufs net.Buffers, resp *Response) error {
	if c.cfg.WriteTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
			return err
		}
	}
	n, err := bufs.WriteTo(c.conn)
	if resp != nil {
		resp.bytesSent.Add(n)
	}
	return err
}

// writeStream sends the committed headers, then each chunk as the handler
// produces it.
func (c *Connection) writeStream(req *Request) error {
	resp := req.response
	if err := c.writeBuffers(net.Buffers{resp.serializeHeaders(req, true)}, resp); err != nil {
		return err
	}
	for {
		select {
		case chunk, ok := <-resp.chunks:
			if !ok {
				return c.writeBuffers(net.Buffers{lastChunk}, resp)
			}
			size := []byte(strconv.FormatInt(int64(len(chunk)), 16) + "\r\n")
			if err := c.writeBuffers(net.Buffers{size, chunk, crlf}, resp); err != nil {
				return err
			}
		case <-c.ctx.Done():
			return fmt.Errorf("stream interrupted: %w", net.ErrClosed)
		}
	}
}

var (
	crlf      = []byte("\r\n")
	lastChunk = []byte("0\r\n\r\n")
)

// sendFailed marks reqs send-failed and invalidates the chain.
func (c *Connection) sendFailed(err error, reqs ...*Request) {
	now := time.Now()
	for _, req := range reqs {
		req.response.markSendFailed(now)
	}
	c.chainValid = false
	c.stats.sendFailed(len(reqs))

	entry := log.WithField("remote", c.remote).WithField("responses", len(reqs)).WithError(err)
	if errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		entry.Warn("I/O error while sending data")
		return
	}
	entry.Error("error while sending data")
}

func remoteString(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
