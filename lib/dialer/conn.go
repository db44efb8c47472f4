package dialer

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync/atomic"
	"time"
)

// Pinger checks that a pooled connection is still usable.
type Pinger func(ctx context.Context, c *Conn) error

// Conn is a pooled TCP connection. Any read or write error other than a
// deadline expiry marks it broken.
type Conn struct {
	net.Conn
	pinger Pinger
	broken atomic.Bool
}

func newConn(nc net.Conn, pinger Pinger) *Conn {
	return &Conn{Conn: nc, pinger: pinger}
}

// Wrap turns an already connected socket into a Conn, for callers that
// dial themselves.
func Wrap(nc net.Conn, pinger Pinger) *Conn {
	if pinger == nil {
		pinger = PeekPinger(10 * time.Millisecond)
	}
	return newConn(nc, pinger)
}

func (c *Conn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	c.observe(err)
	return n, err
}

func (c *Conn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	c.observe(err)
	return n, err
}

func (c *Conn) observe(err error) {
	if err == nil || errors.Is(err, os.ErrDeadlineExceeded) {
		return
	}
	if c.broken.CompareAndSwap(false, true) {
		log.WithField("remote", c.RemoteAddr().String()).WithError(err).Debug("connection marked broken")
	}
}

// MarkBroken flags the connection so the pool drops it on release. Use it
// after a protocol-level desync that left the socket itself healthy.
func (c *Conn) MarkBroken() {
	c.broken.Store(true)
}

// IsBroken reports whether the connection must not be reused.
func (c *Conn) IsBroken() bool {
	return c.broken.Load()
}

// Ping runs the configured Pinger.
func (c *Conn) Ping(ctx context.Context) error {
	if c.IsBroken() {
		return net.ErrClosed
	}
	return c.pinger(ctx, c)
}

// PeekPinger checks liveness without a protocol exchange: it waits up to
// wait for a byte. A timeout means the peer is idle and the socket is fine;
// EOF or an error marks the connection broken. Unsolicited data also marks
// it broken since an idle pooled connection must not have pending input.
func PeekPinger(wait time.Duration) Pinger {
	return func(ctx context.Context, c *Conn) error {
		deadline := time.Now().Add(wait)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		if err := c.Conn.SetReadDeadline(deadline); err != nil {
			c.MarkBroken()
			return err
		}
		defer c.Conn.SetReadDeadline(time.Time{})

		var buf [1]byte
		n, err := c.Read(buf[:])
		switch {
		case errors.Is(err, os.ErrDeadlineExceeded):
			return nil
		case err != nil:
			return err
		case n > 0:
			c.MarkBroken()
			return errUnexpectedData
		}
		return io.ErrNoProgress
	}
}

// WritePinger sends payload and expects nothing back. Useful for protocols
// with a fire-and-forget keepalive frame.
func WritePinger(payload []byte) Pinger {
	return func(ctx context.Context, c *Conn) error {
		if d, ok := ctx.Deadline(); ok {
			if err := c.Conn.SetWriteDeadline(d); err != nil {
				return err
			}
			defer c.Conn.SetWriteDeadline(time.Time{})
		}
		_, err := c.Write(payload)
		return err
	}
}

var errUnexpectedData = errors.New("dialer: unexpected data on idle connection")
