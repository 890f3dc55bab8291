package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/giftwell/platform/internal/ratelimit"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(t *testing.T, cfg ratelimit.Config) *gin.Engine {
	t.Helper()
	rl, err := ratelimit.New(cfg, nil, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rl.Close() })

	r := gin.New()
	r.Use(RateLimit(rl, zap.NewNop()))
	r.GET("/items", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func doGet(r *gin.Engine, remoteAddr string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/items", nil)
	req.RemoteAddr = remoteAddr
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimitAllowsWithHeaders(t *testing.T) {
	r := newRouter(t, ratelimit.Config{
		Name:        "mw",
		Algorithm:   ratelimit.AlgorithmSlidingWindow,
		Window:      time.Minute,
		Limit:       5,
		EmitHeaders: true,
	})

	w := doGet(r, "192.0.2.1:4242", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "5", w.Header().Get(ratelimit.HeaderLimit))
	assert.Equal(t, "4", w.Header().Get(ratelimit.HeaderRemaining))
	assert.NotEmpty(t, w.Header().Get(ratelimit.HeaderReset))
	assert.Empty(t, w.Header().Get(ratelimit.HeaderRetryAfter))
}

func TestRateLimitRejectsWith429(t *testing.T) {
	r := newRouter(t, ratelimit.Config{
		Name:      "mw",
		Algorithm: ratelimit.AlgorithmFixedWindow,
		Window:    time.Minute,
		Limit:     2,
	})

	for i := 0; i < 2; i++ {
		w := doGet(r, "192.0.2.1:4242", nil)
		require.Equal(t, http.StatusOK, w.Code)
		// EmitHeaders is off, so successes stay quiet.
		assert.Empty(t, w.Header().Get(ratelimit.HeaderLimit))
	}

	w := doGet(r, "192.0.2.1:4242", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get(ratelimit.HeaderRetryAfter))
	assert.Contains(t, w.Body.String(), "rate limit exceeded")

	// A different client still gets through.
	w = doGet(r, "198.51.100.7:9999", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestDescriptorFromRequestPrecedence(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/orders/42", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.2")
	req.Header.Set("X-Real-IP", "203.0.113.8")

	d := DescriptorFromRequest(req)
	assert.Equal(t, []string{"203.0.113.7", "10.0.0.2", "203.0.113.8", "10.0.0.1:5555"}, d.IPCandidates)
	assert.Equal(t, "/orders/42", d.Route)
}

func TestRateLimitKeysOnForwardedClient(t *testing.T) {
	r := newRouter(t, ratelimit.Config{
		Name:      "mw",
		Algorithm: ratelimit.AlgorithmFixedWindow,
		Window:    time.Minute,
		Limit:     1,
	})

	// Same proxy, different forwarded clients: independent quotas.
	w := doGet(r, "10.0.0.1:1111", map[string]string{"X-Forwarded-For": "203.0.113.10"})
	assert.Equal(t, http.StatusOK, w.Code)
	w = doGet(r, "10.0.0.1:1111", map[string]string{"X-Forwarded-For": "203.0.113.11"})
	assert.Equal(t, http.StatusOK, w.Code)
	w = doGet(r, "10.0.0.1:1111", map[string]string{"X-Forwarded-For": "203.0.113.10"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}
