package server

import (
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// RequestIDHeader carries the request ID on every response.
const RequestIDHeader = "X-Request-Id"

// Request is one parsed request on a connection together with the response
// its handler fills in.
type Request struct {
	// ID identifies the request in logs and in the X-Request-Id header.
	ID ulid.ULID

	http       *http.Request
	body       []byte
	remoteAddr string
	final      bool

	handler  *HandlerInfo
	pathArgs map[string]string
	// rejectErr is set when the request must not reach a handler: it was
	// malformed, too large, unmatched or rate limited.
	rejectErr error

	response *Response

	mu          sync.Mutex
	received    time.Time
	startSend   time.Time
	finishSend  time.Time
	handlerName string
}

func newRequest(hr *http.Request, body []byte, remote string) *Request {
	return &Request{
		ID:         ulid.Make(),
		http:       hr,
		body:       body,
		remoteAddr: remote,
		final:      hr != nil && hr.Close,
		received:   time.Now(),
	}
}

// newRejectedRequest builds the request queued for bytes that could not be
// parsed. It always closes the connection.
func newRejectedRequest(err error, remote string) *Request {
	r := newRequest(nil, nil, remote)
	r.final = true
	r.rejectErr = err
	r.response = newResponse(false)
	return r
}

// HTTP returns the underlying parsed request, or nil for a malformed one.
// Its Body has already been consumed; use Body.
func (r *Request) HTTP() *http.Request {
	return r.http
}

// Method returns the request method.
func (r *Request) Method() string {
	if r.http == nil {
		return ""
	}
	return r.http.Method
}

// Path returns the request path.
func (r *Request) Path() string {
	if r.http == nil || r.http.URL == nil {
		return ""
	}
	return r.http.URL.Path
}

// URL returns the parsed request URL.
func (r *Request) URL() *url.URL {
	if r.http == nil {
		return nil
	}
	return r.http.URL
}

// Header returns the request headers.
func (r *Request) Header() http.Header {
	if r.http == nil {
		return http.Header{}
	}
	return r.http.Header
}

// Body returns the fully read request body.
func (r *Request) Body() []byte {
	return r.body
}

// PathArg returns the value captured by a {name} segment, or by a trailing
// * under the name "*".
func (r *Request) PathArg(name string) string {
	return r.pathArgs[name]
}

// Response returns the response the handler fills in.
func (r *Request) Response() *Response {
	return r.response
}

// RemoteAddr returns the peer address.
func (r *Request) RemoteAddr() string {
	return r.remoteAddr
}

// IsFinal reports whether the connection closes after this request.
func (r *Request) IsFinal() bool {
	return r.final
}

// HandlerName returns the name of the matched handler, if any.
func (r *Request) HandlerName() string {
	return r.handlerName
}

// ReceivedAt returns when parsing of the request completed.
func (r *Request) ReceivedAt() time.Time {
	return r.received
}

// SendTimes returns when writing the response started and finished.
func (r *Request) SendTimes() (start, finish time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.startSend, r.finishSend
}

func (r *Request) setStartSend(t time.Time) {
	r.mu.Lock()
	r.startSend = t
	r.mu.Unlock()
}

func (r *Request) setFinishSend(t time.Time) {
	r.mu.Lock()
	r.finishSend = t
	r.mu.Unlock()
}

func (r *Request) isHTTP10() bool {
	return r.http != nil && r.http.ProtoMajor == 1 && r.http.ProtoMinor == 0
}
