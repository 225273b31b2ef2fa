package httpclient

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"taskpilot/internal/shared/logging"
)

// ProxyModeEnv selects how proxies are applied: auto (default), strict or direct.
const ProxyModeEnv = "TASKPILOT_PROXY_MODE"

const proxyDialTimeout = 300 * time.Millisecond

type proxyMode uint8

const (
	proxyAuto proxyMode = iota
	proxyStrict
	proxyDirect
)

type proxyPolicy struct {
	mode   proxyMode
	dial   func(ctx context.Context, hostPort string) bool
	logger logging.Logger

	mu     sync.Mutex
	bypass map[string]bool
}

func proxyFunc(logger logging.Logger) func(*http.Request) (*url.URL, error) {
	p := &proxyPolicy{
		mode:   parseProxyMode(os.Getenv(ProxyModeEnv)),
		dial:   proxyReachable,
		logger: logging.OrNop(logger),
		bypass: map[string]bool{},
	}
	return p.resolve
}

func parseProxyMode(raw string) proxyMode {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "strict":
		return proxyStrict
	case "direct", "none", "off":
		return proxyDirect
	default:
		return proxyAuto
	}
}

func (p *proxyPolicy) resolve(req *http.Request) (*url.URL, error) {
	switch p.mode {
	case proxyDirect:
		return nil, nil
	case proxyStrict:
		return http.ProxyFromEnvironment(req)
	}
	if req == nil || req.URL == nil {
		return http.ProxyFromEnvironment(req)
	}
	// Requests to a local task service never go through a proxy.
	if isLoopbackHost(req.URL.Hostname()) {
		return nil, nil
	}
	proxyURL, err := http.ProxyFromEnvironment(req)
	if err != nil || proxyURL == nil || !isLoopbackHost(proxyURL.Hostname()) {
		return proxyURL, err
	}
	hostPort, ok := proxyHostPort(proxyURL)
	if !ok {
		return proxyURL, nil
	}

	key := proxyURL.String()
	p.mu.Lock()
	skip, known := p.bypass[key]
	p.mu.Unlock()
	if !known {
		skip = !p.dial(req.Context(), hostPort)
		p.mu.Lock()
		p.bypass[key] = skip
		p.mu.Unlock()
		if skip {
			p.logger.Warn("Local proxy %s is unreachable; connecting directly (set %s=strict to disable)", proxyURL.Redacted(), ProxyModeEnv)
		}
	}
	if skip {
		return nil, nil
	}
	return proxyURL, nil
}

func isLoopbackHost(host string) bool {
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && (ip.IsLoopback() || ip.IsUnspecified())
}

func proxyHostPort(proxyURL *url.URL) (string, bool) {
	host := strings.TrimSpace(proxyURL.Hostname())
	if host == "" {
		return "", false
	}
	port := proxyURL.Port()
	if port == "" {
		switch strings.ToLower(proxyURL.Scheme) {
		case "", "http":
			port = "80"
		case "https":
			port = "443"
		case "socks5", "socks5h":
			port = "1080"
		default:
			return "", false
		}
	}
	return net.JoinHostPort(host, port), true
}

func proxyReachable(ctx context.Context, hostPort string) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	dialer := net.Dialer{Timeout: proxyDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", hostPort)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
