// Package transport implements the HTTP exchange the client driver uses
// to ship one request body and receive one reply body per cycle: POST
// with Content-Type application/x-fossil, zlib-compressed unless
// NOCOMPRESS is set, following up to 20 redirects.
//
// The connection-level plumbing (dialer, pooled idle connections) is
// grounded on the teacher's network.Dialer/ConnPool pair, adapted from
// pooling raw TCP peer connections to backing an http.Transport's
// DialContext.
package transport

import (
	"bytes"
	"compress/zlib"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	contentType             = "application/x-fossil"
	contentTypeUncompressed = "application/x-fossil-uncompressed"
	maxRedirects            = 20
)

// Dialer wraps net.Dialer with the timeout/keep-alive knobs the teacher's
// Dialer exposes, used as the DialContext backing an http.Transport.
type Dialer struct {
	Timeout   time.Duration
	KeepAlive time.Duration
}

// NewDialer builds a Dialer with the given timeout and keep-alive.
func NewDialer(timeout, keepAlive time.Duration) *Dialer {
	return &Dialer{Timeout: timeout, KeepAlive: keepAlive}
}

// DialContext satisfies http.Transport.DialContext.
func (d *Dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	nd := &net.Dialer{Timeout: d.Timeout, KeepAlive: d.KeepAlive}
	conn, err := nd.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	return conn, nil
}

// Client performs the one-request/one-reply HTTP exchange the client
// driver runs once per cycle.
type Client struct {
	URL         string
	NoCompress  bool
	HTTP        *http.Client
	Log         *logrus.Logger
}

// NewClient builds a Client against url, with a pooled Dialer-backed
// transport and a redirect policy capped at maxRedirects.
func NewClient(url string) *Client {
	dialer := NewDialer(10*time.Second, 30*time.Second)
	rt := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxIdleConns:        16,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		URL: url,
		HTTP: &http.Client{
			Transport: rt,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("transport: stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
		Log: logrus.StandardLogger(),
	}
}

// Exchange POSTs out as one request body and returns the reply body,
// compressing/decompressing with zlib unless NoCompress is set.
func (c *Client) Exchange(ctx context.Context, out []byte) ([]byte, error) {
	body := out
	ct := contentTypeUncompressed
	if !c.NoCompress {
		var buf bytes.Buffer
		w := zlib.NewWriter(&buf)
		if _, err := w.Write(out); err != nil {
			return nil, fmt.Errorf("transport: compress request: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("transport: compress request: %w", err)
		}
		body = buf.Bytes()
		ct = contentType
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("transport: build request: %w", err)
	}
	req.Header.Set("Content-Type", ct)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport: exchange: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("transport: read reply: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("transport: server replied %s", resp.Status)
	}

	return maybeInflate(raw)
}

// maybeInflate transparently decompresses a zlib-wrapped reply; a body
// that is not valid zlib is passed through unchanged (the NOCOMPRESS
// case, or a plain-text HTML error page the decoder will reject with
// ErrHTMLResponse downstream).
func maybeInflate(raw []byte) ([]byte, error) {
	if len(raw) < 2 {
		return raw, nil
	}
	r, err := zlib.NewReader(bytes.NewReader(raw))
	if err != nil {
		return raw, nil
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return raw, nil
	}
	return out, nil
}
