package ratelimit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newAdminRouter(t *testing.T) (*gin.Engine, *RateLimiter, *ConfigManager) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	rl := newTestLimiter(t, Config{
		Name:      "api_general",
		Algorithm: AlgorithmSlidingWindow,
		Window:    time.Minute,
		Limit:     3,
	})
	cm := NewConfigManager(zap.NewNop())
	t.Cleanup(func() { _ = cm.Close() })

	limiters := map[string]*RateLimiter{"api_general": rl}
	api := NewAdminAPI(func(category string) *RateLimiter { return limiters[category] }, cm, zap.NewNop())
	r := gin.New()
	api.Register(r.Group("/admin"))
	return r, rl, cm
}

func adminGet(r *gin.Engine, path string) (*httptest.ResponseRecorder, AdminResponse) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	r.ServeHTTP(w, req)
	var resp AdminResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return w, resp
}

func adminPost(r *gin.Engine, path string) (*httptest.ResponseRecorder, AdminResponse) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, nil)
	r.ServeHTTP(w, req)
	var resp AdminResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return w, resp
}

func TestAdminConfigs(t *testing.T) {
	r, _, _ := newAdminRouter(t)

	w, resp := adminGet(r, "/admin/ratelimit/configs")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, resp.Success)
	assert.NotEmpty(t, resp.RequestID)

	configs, ok := resp.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, configs, PresetAuth)
}

func TestAdminStatus(t *testing.T) {
	r, rl, _ := newAdminRouter(t)

	// Consume one slot, then the admin view must show it without consuming.
	require.True(t, rl.Check(context.Background(), Descriptor{CustomKey: "abc"}).Allowed)

	w, resp := adminGet(r, "/admin/ratelimit/status/api_general?key=abc")
	assert.Equal(t, http.StatusOK, w.Code)
	require.True(t, resp.Success)

	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(2), data["remaining"])
}

func TestAdminStatusUnknownCategory(t *testing.T) {
	r, _, _ := newAdminRouter(t)
	w, resp := adminGet(r, "/admin/ratelimit/status/nope?key=abc")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.False(t, resp.Success)
}

func TestAdminReset(t *testing.T) {
	r, rl, _ := newAdminRouter(t)
	ctx := context.Background()
	d := Descriptor{CustomKey: "abc"}

	for i := 0; i < 3; i++ {
		require.True(t, rl.Check(ctx, d).Allowed)
	}
	require.False(t, rl.Check(ctx, d).Allowed)

	w, resp := adminPost(r, "/admin/ratelimit/reset/api_general?key=abc")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, resp.Success)

	assert.True(t, rl.Check(ctx, d).Allowed)
}
