package server

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"

	apperrors "github.com/go-i2p/netcore/lib/errors"
)

// parser reads complete HTTP/1.x requests off a connection, one at a time.
type parser struct {
	reader      *bufio.Reader
	maxBodySize int64
	remote      string
}

func newParser(r io.Reader, bufSize int, maxBodySize int64, remote string) *parser {
	return &parser{
		reader:      bufio.NewReaderSize(r, bufSize),
		maxBodySize: maxBodySize,
		remote:      remote,
	}
}

// next returns the next request with its body fully read.
//
// Bytes that do not form a request yield an error wrapping
// ErrMalformedRequest, an oversized body one wrapping ErrRequestTooLarge.
// Either way the request stream is unusable afterwards. Transport errors,
// including io.EOF on a clean close, are returned unchanged.
func (p *parser) next() (*Request, error) {
	hr, err := http.ReadRequest(p.reader)
	if err != nil {
		if isTransportError(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", apperrors.ErrMalformedRequest, err)
	}

	body, err := p.readBody(hr)
	if err != nil {
		return nil, err
	}
	return newRequest(hr, body, p.remote), nil
}

func (p *parser) readBody(hr *http.Request) ([]byte, error) {
	if hr.Body == nil || hr.Body == http.NoBody {
		return nil, nil
	}
	defer hr.Body.Close()

	if p.maxBodySize > 0 && hr.ContentLength > p.maxBodySize {
		return nil, fmt.Errorf("%w: content length %d exceeds %d", apperrors.ErrRequestTooLarge, hr.ContentLength, p.maxBodySize)
	}

	r := io.Reader(hr.Body)
	if p.maxBodySize > 0 {
		r = io.LimitReader(hr.Body, p.maxBodySize+1)
	}
	body, err := io.ReadAll(r)
	if err != nil {
		if isTransportError(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: body: %v", apperrors.ErrMalformedRequest, err)
	}
	if p.maxBodySize > 0 && int64(len(body)) > p.maxBodySize {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", apperrors.ErrRequestTooLarge, p.maxBodySize)
	}
	return body, nil
}

// isTransportError separates socket failures and peer closes from bad
// input.
func isTransportError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}
