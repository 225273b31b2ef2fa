package httpclient

import (
	"fmt"
	"net/http"
	"sync"

	apperrors "taskpilot/internal/shared/errors"
	"taskpilot/internal/shared/logging"
)

// BreakerTransport trips after repeated transport failures or 5xx responses
// and fails fast with a DegradedError while open.
type BreakerTransport struct {
	Name   string
	Next   http.RoundTripper
	Config *apperrors.CircuitBreakerConfig
	Logger logging.Logger

	once    sync.Once
	breaker *apperrors.CircuitBreaker
}

func (t *BreakerTransport) init() *BreakerTransport {
	t.once.Do(func() {
		cfg := apperrors.DefaultCircuitBreakerConfig()
		if t.Config != nil {
			cfg = *t.Config
		}
		log := logging.OrNop(t.Logger)
		name := t.Name
		if name == "" {
			name = "http"
		}
		cfg.OnStateChange = func(from, to apperrors.CircuitState, breaker string) {
			log.Warn("circuit %s: %s -> %s", breaker, from, to)
		}
		t.breaker = apperrors.NewCircuitBreaker(name, cfg)
	})
	return t
}

// RoundTrip implements http.RoundTripper.
func (t *BreakerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.init()
	if err := t.breaker.Allow(); err != nil {
		return nil, err
	}
	next := t.Next
	if next == nil {
		next = http.DefaultTransport
	}
	resp, err := next.RoundTrip(req)
	switch {
	case err != nil:
		if req.Context().Err() == nil {
			t.breaker.Mark(err)
		}
	case resp.StatusCode >= http.StatusInternalServerError:
		t.breaker.Mark(fmt.Errorf("upstream status %d", resp.StatusCode))
	default:
		t.breaker.Mark(nil)
	}
	return resp, err
}

// State reports the breaker state.
func (t *BreakerTransport) State() apperrors.CircuitState {
	t.init()
	return t.breaker.State()
}
