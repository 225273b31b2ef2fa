package httpclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "taskpilot/internal/shared/errors"
	"taskpilot/internal/shared/logging"
)

func TestProxyPolicySkipsLoopbackTargets(t *testing.T) {
	p := &proxyPolicy{mode: proxyAuto, dial: func(context.Context, string) bool { return true }, logger: logging.Nop(), bypass: map[string]bool{}}
	req := httptest.NewRequest(http.MethodGet, "http://127.0.0.1:8080/api/tasks", nil)

	proxy, err := p.resolve(req)
	require.NoError(t, err)
	assert.Nil(t, proxy)
}

func TestProxyPolicyBypassesUnreachableLocalProxy(t *testing.T) {
	t.Setenv("HTTPS_PROXY", "http://127.0.0.1:1")
	t.Setenv("https_proxy", "")
	t.Setenv("NO_PROXY", "")
	t.Setenv("no_proxy", "")

	dials := 0
	p := &proxyPolicy{
		mode:   proxyAuto,
		dial:   func(context.Context, string) bool { dials++; return false },
		logger: logging.Nop(),
		bypass: map[string]bool{},
	}
	req := httptest.NewRequest(http.MethodGet, "https://tasks.example.com/api/tasks", nil)

	for i := 0; i < 2; i++ {
		proxy, err := p.resolve(req)
		require.NoError(t, err)
		assert.Nil(t, proxy)
	}
	assert.Equal(t, 1, dials, "reachability is cached per proxy")
}

func TestParseProxyMode(t *testing.T) {
	assert.Equal(t, proxyStrict, parseProxyMode("STRICT"))
	assert.Equal(t, proxyDirect, parseProxyMode("off"))
	assert.Equal(t, proxyAuto, parseProxyMode("whatever"))
}

func TestProxyHostPortDefaults(t *testing.T) {
	u, _ := url.Parse("socks5://localhost")
	hp, ok := proxyHostPort(u)
	require.True(t, ok)
	assert.Equal(t, "localhost:1080", hp)
}

type failingTransport struct{ calls int }

func (f *failingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	f.calls++
	return nil, errors.New("connection refused")
}

func TestBreakerTransportOpensAfterFailures(t *testing.T) {
	next := &failingTransport{}
	bt := &BreakerTransport{
		Name:   "tasks",
		Next:   next,
		Config: &apperrors.CircuitBreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Hour},
	}
	client := &http.Client{Transport: bt}

	for i := 0; i < 2; i++ {
		_, err := client.Get("http://tasks.invalid/api/tasks/1")
		require.Error(t, err)
	}
	assert.Equal(t, apperrors.StateOpen, bt.State())

	_, err := client.Get("http://tasks.invalid/api/tasks/1")
	require.Error(t, err)
	assert.True(t, apperrors.IsDegraded(err))
	assert.Equal(t, 2, next.calls)
}

func TestBreakerTransportPassesThroughSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	client := New(time.Second, nil, WithBreaker("tasks"))
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestReadAllWithLimit(t *testing.T) {
	data, err := ReadAllWithLimit(strings.NewReader("hello"), 10)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	data, err = ReadAllWithLimit(strings.NewReader("hello world"), 5)
	assert.ErrorIs(t, err, ErrBodyTooLarge)
	assert.Equal(t, "hello", string(data))
}
