package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ashureev/chatrelay/internal/identity"
	"github.com/stretchr/testify/assert"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestCORS(t *testing.T) {
	tests := []struct {
		name        string
		allowed     []string
		origin      string
		wantOrigin  string
		wantCredits bool
	}{
		{name: "explicit origin", allowed: []string{"http://app.local"}, origin: "http://app.local", wantOrigin: "http://app.local", wantCredits: true},
		{name: "wildcard", allowed: []string{"*"}, origin: "http://other.local", wantOrigin: "http://other.local"},
		{name: "not allowed", allowed: []string{"http://app.local"}, origin: "http://evil.local"},
		{name: "no origin", allowed: []string{"*"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := CORS(tt.allowed)(okHandler())
			r := httptest.NewRequest(http.MethodPost, "/", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)

			assert.Equal(t, tt.wantOrigin, w.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, tt.wantCredits, w.Header().Get("Access-Control-Allow-Credentials") == "true")
			if tt.wantOrigin != "" {
				assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "Authorization")
			}
			assert.Equal(t, http.StatusNoContent, w.Code)
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	h := CORS([]string{"*"})(okHandler())
	r := httptest.NewRequest(http.MethodOptions, "/api/llm_providers/gen_answer", nil)
	r.Header.Set("Origin", "http://app.local")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimiterPerClient(t *testing.T) {
	p := NewRateLimiter(0.001, 2, time.Minute)
	defer p.Stop()
	h := identity.Middleware(p.Middleware(okHandler()))

	call := func(addr string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodPost, "/", nil)
		r.RemoteAddr = addr
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		return w
	}

	assert.Equal(t, http.StatusNoContent, call("10.0.0.1:1").Code)
	assert.Equal(t, http.StatusNoContent, call("10.0.0.1:2").Code)
	limited := call("10.0.0.1:3")
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.NotEmpty(t, limited.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusNoContent, call("10.0.0.2:1").Code, "other callers keep their own budget")
}

func TestRateLimiterSweep(t *testing.T) {
	p := NewRateLimiter(1, 1, time.Minute)
	defer p.Stop()

	p.Allow("a")
	p.sweep(time.Now().Add(time.Hour))

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Empty(t, p.m)
}
