package speedtest

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// Response describes a completed request.
type Response struct {
	StatusCode int
	Elapsed    time.Duration
	Bytes      int64
}

// OK reports whether the server acknowledged the request.
func (r Response) OK() bool { return r.StatusCode >= 200 && r.StatusCode < 300 }

// Transport performs single timed requests. Every call must abort when ctx ends.
type Transport interface {
	// Head issues a probe and reports its round-trip time.
	Head(ctx context.Context, url string) (Response, error)
	// Stream opens a download. The caller closes the returned body.
	Stream(ctx context.Context, url string) (io.ReadCloser, error)
	// Post uploads body and reports whether it was acknowledged.
	Post(ctx context.Context, url string, body []byte) (Response, error)
}

// StatusError is returned by Stream for a non-2xx response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.StatusCode, e.URL)
}

// HTTPOptions tunes the dedicated HTTP client used for measurement traffic.
type HTTPOptions struct {
	// Timeout is used for dial timeout heuristics; it does not wrap the
	// request context.
	Timeout        time.Duration
	MaxConnections int

	// DisableHTTP2 forces HTTP/1.1 so each stream maps to one TCP connection.
	DisableHTTP2      bool
	DisableKeepAlives bool

	UserAgent string
}

// HTTPTransport is the net/http implementation of Transport.
type HTTPTransport struct {
	client    *http.Client
	tr        *http.Transport
	userAgent string
}

// NewHTTPTransport constructs an isolated client so connections can be
// cleaned up after a run.
func NewHTTPTransport(opt HTTPOptions) *HTTPTransport {
	hc, tr := newHTTPClient(opt)
	ua := opt.UserAgent
	if ua == "" {
		ua = "speedcheck"
	}
	return &HTTPTransport{client: hc, tr: tr, userAgent: ua}
}

func (t *HTTPTransport) newRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", t.userAgent)
	req.Header.Set("Cache-Control", "no-cache")
	return req, nil
}

func (t *HTTPTransport) Head(ctx context.Context, url string) (Response, error) {
	req, err := t.newRequest(ctx, http.MethodHead, url, http.NoBody)
	if err != nil {
		return Response{}, err
	}
	start := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		return Response{}, err
	}
	elapsed := time.Since(start)
	n, _ := io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return Response{StatusCode: resp.StatusCode, Elapsed: elapsed, Bytes: n}, nil
}

func (t *HTTPTransport) Stream(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := t.newRequest(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode}
	}
	return resp.Body, nil
}

func (t *HTTPTransport) Post(ctx context.Context, url string, body []byte) (Response, error) {
	req, err := t.newRequest(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.ContentLength = int64(len(body))

	start := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		return Response{}, err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return Response{StatusCode: resp.StatusCode, Elapsed: time.Since(start), Bytes: int64(len(body))}, nil
}

// CloseIdleConnections drops pooled connections after a run.
func (t *HTTPTransport) CloseIdleConnections() {
	if t != nil && t.tr != nil {
		t.tr.CloseIdleConnections()
	}
}

func newHTTPClient(opt HTTPOptions) (*http.Client, *http.Transport) {
	dialTimeout := 10 * time.Second
	if opt.Timeout > 0 {
		capTo := opt.Timeout / 2
		if capTo < dialTimeout {
			dialTimeout = capTo
		}
		if dialTimeout < 2*time.Second {
			dialTimeout = 2 * time.Second
		}
	}

	perHost := opt.MaxConnections
	if perHost < 2 {
		perHost = 2
	}

	keepAlive := 30 * time.Second
	if opt.DisableKeepAlives {
		// A negative KeepAlive means "disable" for net.Dialer.
		keepAlive = -1
	}

	d := &net.Dialer{Timeout: dialTimeout, KeepAlive: keepAlive}

	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           d.DialContext,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   perHost,
		IdleConnTimeout:       10 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		DisableKeepAlives:     opt.DisableKeepAlives,
		ForceAttemptHTTP2:     !opt.DisableHTTP2,
	}
	if opt.DisableHTTP2 {
		tr.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
	}
	if opt.DisableKeepAlives {
		tr.MaxIdleConns = 0
		tr.MaxIdleConnsPerHost = 0
		tr.IdleConnTimeout = 2 * time.Second
	}

	return &http.Client{Transport: tr}, tr
}
