package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"tidalsched/pkg/auth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestRateLimiter_BurstThenRefill(t *testing.T) {
	clk := clock.NewMock()
	rl := NewRateLimiterWithClock(RateLimiterConfig{RequestsPerMinute: 60, BurstSize: 3, CleanupInterval: time.Minute}, clk)
	defer rl.Stop()

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow("10.0.0.1"), "request %d", i)
	}
	assert.False(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.2"), "clients have separate buckets")

	clk.Add(time.Second)
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"))
}

func TestRateLimiter_PerClientLimiterFollowsConfig(t *testing.T) {
	clk := clock.NewMock()
	rl := NewRateLimiterWithClock(RateLimiterConfig{RequestsPerMinute: 120, BurstSize: 2, CleanupInterval: time.Minute}, clk)
	defer rl.Stop()

	assert.True(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"))

	rl.mu.Lock()
	lim := rl.clients["10.0.0.1"].limiter
	rl.mu.Unlock()
	assert.Equal(t, rate.Limit(2), lim.Limit())
	assert.Equal(t, 2, lim.Burst())

	// Two tokens per second: half a second buys one request.
	clk.Add(500 * time.Millisecond)
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"))
}

func TestRateLimiter_EvictsIdleClients(t *testing.T) {
	clk := clock.NewMock()
	rl := NewRateLimiterWithClock(RateLimiterConfig{RequestsPerMinute: 60, BurstSize: 1, CleanupInterval: time.Minute}, clk)
	defer rl.Stop()

	rl.Allow("10.0.0.1")
	clk.Add(2 * time.Minute)
	rl.evictBefore(clk.Now().Add(-time.Minute))

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.Empty(t, rl.clients)
}

func TestRateLimiter_Middleware(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{RequestsPerMinute: 1, BurstSize: 1})
	defer rl.Stop()

	r := gin.New()
	r.Use(rl.Middleware())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestRequireRole(t *testing.T) {
	svc, err := auth.NewJWTService(auth.DefaultJWTConfig("secret"))
	require.NoError(t, err)
	viewer, err := svc.GenerateToken("v", auth.RoleViewer, time.Now())
	require.NoError(t, err)
	operator, err := svc.GenerateToken("o", auth.RoleOperator, time.Now())
	require.NoError(t, err)

	r := gin.New()
	r.POST("/runs", RequireRole(svc, auth.RoleOperator), func(c *gin.Context) {
		claims, ok := GetUserFromContext(c)
		require.True(t, ok)
		c.String(http.StatusAccepted, claims.Subject)
	})

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"no header", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"bad token", "Bearer nope", http.StatusUnauthorized},
		{"viewer", "Bearer " + viewer, http.StatusForbidden},
		{"operator", "bearer " + operator, http.StatusAccepted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/runs", nil)
			if tc.header != "" {
				req.Header.Set(AuthHeaderKey, tc.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tc.want, w.Code)
		})
	}
}

func TestRequireRole_DisabledWithoutService(t *testing.T) {
	r := gin.New()
	r.POST("/runs", RequireRole(nil, auth.RoleOperator), func(c *gin.Context) { c.Status(http.StatusAccepted) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/runs", nil))
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestRequestIDMiddleware(t *testing.T) {
	r := gin.New()
	r.Use(RequestIDMiddleware(), SecurityHeadersMiddleware())
	r.GET("/x", func(c *gin.Context) { c.String(http.StatusOK, c.GetString(RequestIDKey)) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	generated := w.Header().Get(RequestIDHeader)
	_, err := uuid.Parse(generated)
	assert.NoError(t, err)
	assert.Equal(t, generated, w.Body.String())
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))

	id := uuid.NewString()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(RequestIDHeader, id)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, id, w.Header().Get(RequestIDHeader))

	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(RequestIDHeader, "<script>")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.NotEqual(t, "<script>", w.Header().Get(RequestIDHeader))
}
