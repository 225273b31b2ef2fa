package httpclient

import (
	"net/http"
	"time"

	"taskpilot/internal/shared/logging"
)

// Option customises the client returned by New.
type Option func(*clientOptions)

type clientOptions struct {
	breaker *BreakerTransport
}

// WithBreaker wraps the transport with a circuit breaker keyed by name.
func WithBreaker(name string) Option {
	return func(o *clientOptions) {
		o.breaker = &BreakerTransport{Name: name}
	}
}

// New returns an http.Client for short API requests.
//
// Proxy settings from HTTP(S)_PROXY/NO_PROXY are honoured, except that an
// unreachable loopback proxy is skipped so a stale local proxy does not break
// requests to the task service.
func New(timeout time.Duration, logger logging.Logger, opts ...Option) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: buildTransport(logger, opts),
	}
}

// NewStreaming returns a client without an overall timeout, for long-lived
// event streams whose lifetime is bounded by the request context instead.
func NewStreaming(logger logging.Logger, opts ...Option) *http.Client {
	return &http.Client{Transport: buildTransport(logger, opts)}
}

// Transport returns an http.Transport clone with the outbound proxy policy.
func Transport(logger logging.Logger) *http.Transport {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return &http.Transport{Proxy: proxyFunc(logger)}
	}
	transport := base.Clone()
	transport.Proxy = proxyFunc(logger)
	return transport
}

func buildTransport(logger logging.Logger, opts []Option) http.RoundTripper {
	var options clientOptions
	for _, opt := range opts {
		opt(&options)
	}
	var rt http.RoundTripper = Transport(logger)
	if options.breaker != nil {
		options.breaker.Next = rt
		options.breaker.Logger = logger
		rt = options.breaker.init()
	}
	return rt
}
