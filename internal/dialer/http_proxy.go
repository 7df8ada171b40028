package dialer

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ProxyRefusedError is a CONNECT request the proxy answered with a non-2xx
// status.
type ProxyRefusedError struct {
	Proxy      string
	Target     string
	StatusCode int
	Status     string
}

func (e *ProxyRefusedError) Error() string {
	return fmt.Sprintf("proxy %s refused CONNECT %s: %s", e.Proxy, e.Target, e.Status)
}

// HTTPProxyDialer reaches the first hop through an HTTP or HTTPS proxy with
// CONNECT.
type HTTPProxyDialer struct {
	cfg      Config
	proxyURL *url.URL
	auth     string
	direct   Dialer
}

// NewHTTPProxyDialer returns a CONNECT dialer for proxyURL. A non-empty
// username is sent as Basic Proxy-Authorization.
func NewHTTPProxyDialer(cfg Config, proxyURL *url.URL, username, password string) (*HTTPProxyDialer, error) {
	switch {
	case proxyURL == nil:
		return nil, errors.New("http proxy dialer: missing proxy url")
	case proxyURL.Hostname() == "":
		return nil, errors.New("http proxy dialer: invalid proxy host")
	case proxyURL.Scheme != "http" && proxyURL.Scheme != "https":
		return nil, fmt.Errorf("http proxy dialer: unsupported scheme: %q", proxyURL.Scheme)
	}

	d := &HTTPProxyDialer{
		cfg:      cfg,
		proxyURL: proxyURL,
		direct:   NewDirectDialer(cfg),
	}
	if username != "" {
		d.auth = "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
	}
	return d, nil
}

// ProxyAddr returns the proxy host:port.
func (f *HTTPProxyDialer) ProxyAddr() string {
	return f.proxyURL.Host
}

// DialContext connects to address through the proxy. The returned conn
// first yields any bytes the target sent along with the CONNECT response,
// typically the SSH version banner.
//
// TLS and CONNECT are bounded by NegotiationTimeout and by ctx.
func (f *HTTPProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("http proxy dial %s %s: unsupported network", network, address)
	}

	c, err := f.direct.DialContext(ctx, network, f.proxyURL.Host)
	if err != nil {
		return nil, fmt.Errorf("http proxy: %w", err)
	}

	if f.cfg.NegotiationTimeout > 0 {
		_ = c.SetDeadline(time.Now().Add(f.cfg.NegotiationTimeout))
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.SetDeadline(time.Unix(1, 0))
	})

	conn, err := f.negotiate(ctx, c, address)
	if !stop() && err == nil {
		err = ctx.Err()
	}
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return conn, nil
}

func (f *HTTPProxyDialer) negotiate(ctx context.Context, c net.Conn, address string) (net.Conn, error) {
	if strings.EqualFold(f.proxyURL.Scheme, "https") {
		tlsConn := tls.Client(c, &tls.Config{MinVersion: tls.VersionTLS12, ServerName: f.proxyURL.Hostname()})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return nil, fmt.Errorf("http proxy tls handshake: %w", err)
		}
		c = tlsConn
	}

	br, err := f.connect(c, address)
	if err != nil {
		return nil, err
	}
	if br.Buffered() > 0 {
		return &bufferedConn{Conn: c, r: br}, nil
	}
	return c, nil
}

// connect sends CONNECT and reads the response. The returned reader holds
// whatever followed the response headers.
func (f *HTTPProxyDialer) connect(c net.Conn, address string) (*bufio.Reader, error) {
	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: address},
		Host:   address,
		Header: make(http.Header),
	}
	if f.auth != "" {
		req.Header.Set("Proxy-Authorization", f.auth)
	}
	if err := req.Write(c); err != nil {
		return nil, fmt.Errorf("http proxy connect write: %w", err)
	}

	br := bufio.NewReader(c)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return nil, fmt.Errorf("http proxy connect read: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, &ProxyRefusedError{
			Proxy:      f.proxyURL.Host,
			Target:     address,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
		}
	}
	return br, nil
}

// bufferedConn reads through the reader that consumed the CONNECT response.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}
