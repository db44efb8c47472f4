package server

import (
	"bytes"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrStreamAborted is returned by Response.Write on a streamed response
	// whose connection can no longer be written to.
	ErrStreamAborted = errors.New("server: response stream aborted")

	// ErrStreamFinished is returned by Response.Write after the handler has
	// returned.
	ErrStreamFinished = errors.New("server: response stream finished")
)

// Response is the reply to one Request. A handler sets the status, headers
// and body; the connection pipeline serializes it once the handler is done.
//
// A streamed response is sent with chunked transfer encoding while the
// handler is still running. The first Write or Flush commits the status
// and headers, and each later Write becomes one chunk.
type Response struct {
	mu     sync.Mutex
	status int
	header http.Header
	body   []byte
	ready  bool

	streamed         bool
	committed        chan struct{}
	commitOnce       sync.Once
	handlerCommitted atomic.Bool
	chunks           chan []byte
	finished         atomic.Bool
	finishOnce       sync.Once
	aborted          chan struct{}
	abortOnce        sync.Once

	sendFailedAt time.Time
	bytesSent    atomic.Int64
}

func newResponse(streamed bool) *Response {
	r := &Response{
		status:   http.StatusOK,
		header:   make(http.Header),
		streamed: streamed,
		aborted:  make(chan struct{}),
	}
	if streamed {
		r.committed = make(chan struct{})
		r.chunks = make(chan []byte)
	}
	return r
}

// Header returns the response headers. Changes after a streamed response
// is committed are not sent.
func (r *Response) Header() http.Header {
	return r.header
}

// SetStatus sets the status code.
func (r *Response) SetStatus(code int) {
	r.mu.Lock()
	r.status = code
	r.mu.Unlock()
}

// Status returns the status code.
func (r *Response) Status() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// SetBody replaces the body of a non-streamed response.
func (r *Response) SetBody(b []byte) {
	r.mu.Lock()
	r.body = b
	r.mu.Unlock()
}

// Body returns the body of a non-streamed response.
func (r *Response) Body() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.body
}

// Write appends p to the body, or for a streamed response sends it as one
// chunk and blocks until the connection has taken it.
func (r *Response) Write(p []byte) (int, error) {
	if !r.streamed {
		r.mu.Lock()
		r.body = append(r.body, p...)
		r.mu.Unlock()
		return len(p), nil
	}
	if r.finished.Load() {
		return 0, ErrStreamFinished
	}
	r.commit()
	if len(p) == 0 {
		return 0, nil
	}
	chunk := append([]byte(nil), p...)
	select {
	case r.chunks <- chunk:
		return len(p), nil
	case <-r.aborted:
		return 0, ErrStreamAborted
	}
}

// WriteString is Write for strings.
func (r *Response) WriteString(s string) (int, error) {
	return r.Write([]byte(s))
}

// Flush commits the headers of a streamed response without a body chunk.
func (r *Response) Flush() {
	if r.streamed {
		r.commit()
	}
}

// IsBodyStreamed reports whether the response uses chunked streaming.
func (r *Response) IsBodyStreamed() bool {
	return r.streamed
}

// IsReady reports whether the status and headers are final.
func (r *Response) IsReady() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ready
}

// SetReady marks the status and headers final.
func (r *Response) SetReady() {
	r.mu.Lock()
	r.ready = true
	r.mu.Unlock()
}

// SendFailed reports whether the response could not be written.
func (r *Response) SendFailed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.sendFailedAt.IsZero()
}

// SendFailedAt returns when sending failed, or the zero time.
func (r *Response) SendFailedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sendFailedAt
}

// BytesSent returns the number of bytes written for this response.
func (r *Response) BytesSent() int64 {
	return r.bytesSent.Load()
}

func (r *Response) markSendFailed(at time.Time) {
	r.mu.Lock()
	if r.sendFailedAt.IsZero() {
		r.sendFailedAt = at
	}
	r.mu.Unlock()
	r.abort()
}

// setError replaces the status and body unless the response is already
// final.
func (r *Response) setError(code int, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ready {
		return
	}
	r.ready = true
	r.status = code
	r.body = []byte(msg)
	r.header.Set("Content-Type", "text/plain; charset=utf-8")
}

func (r *Response) commit() {
	r.commitOnce.Do(func() {
		r.SetReady()
		r.handlerCommitted.Store(true)
		close(r.committed)
	})
}

// isCommitted reports whether the handler committed streamed headers.
func (r *Response) isCommitted() bool {
	return r.streamed && r.handlerCommitted.Load()
}

// finish ends the chunk stream. It runs once the handler has returned.
func (r *Response) finish() {
	if !r.streamed {
		return
	}
	r.finishOnce.Do(func() {
		r.finished.Store(true)
		r.commitOnce.Do(func() { close(r.committed) })
		close(r.chunks)
	})
}

// abort unblocks a handler waiting in Write.
func (r *Response) abort() {
	r.abortOnce.Do(func() { close(r.aborted) })
}

// serializeHeaders renders the status line and headers. A chunked response
// advertises Transfer-Encoding, any other a Content-Length.
func (r *Response) serializeHeaders(req *Request, chunked bool) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	var buf bytes.Buffer
	buf.Grow(256)
	buf.WriteString("HTTP/1.1 ")
	buf.WriteString(strconv.Itoa(r.status))
	buf.WriteByte(' ')
	buf.WriteString(http.StatusText(r.status))
	buf.WriteString("\r\n")

	h := r.header.Clone()
	h.Del("Content-Length")
	h.Del("Transfer-Encoding")
	if chunked {
		h.Set("Transfer-Encoding", "chunked")
	} else if bodyAllowed(r.status) {
		h.Set("Content-Length", strconv.Itoa(len(r.body)))
	}
	if h.Get("Date") == "" {
		h.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	if req != nil {
		if req.IsFinal() {
			h.Set("Connection", "close")
		} else if req.isHTTP10() {
			h.Set("Connection", "keep-alive")
		}
		if h.Get(RequestIDHeader) == "" {
			h.Set(RequestIDHeader, req.ID.String())
		}
	}
	_ = h.Write(&buf)
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// payload returns the body bytes to send after the headers.
func (r *Response) payload(req *Request) []byte {
	if req != nil && req.Method() == http.MethodHead {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !bodyAllowed(r.status) {
		return nil
	}
	return r.body
}

func bodyAllowed(status int) bool {
	switch {
	case status >= 100 && status < 200:
		return false
	case status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	}
	return true
}
