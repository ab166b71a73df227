package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestRateLimit(t *testing.T) {
	router := gin.New()
	router.Use(RateLimit(RateLimitConfig{RequestsPerSecond: 1, Burst: 2}))
	router.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		router.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	// a different client has its own budget
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLimiterSetEvictsIdleClients(t *testing.T) {
	set := newLimiterSet(RateLimitConfig{RequestsPerSecond: 1, Burst: 1, IdleTTL: time.Minute})
	now := time.Unix(1_700_000_000, 0)
	set.now = func() time.Time { return now }

	require.True(t, set.allow("a"))
	require.True(t, set.allow("b"))
	assert.Equal(t, 2, set.size())

	now = now.Add(30 * time.Second)
	require.True(t, set.allow("b"))

	now = now.Add(45 * time.Second)
	require.True(t, set.allow("c"))
	assert.Equal(t, 2, set.size(), "a was idle for longer than the ttl")
}

func TestCORS(t *testing.T) {
	tests := []struct {
		name   string
		cfg    CORSConfig
		origin string
		want   string
	}{
		{"loopback allowed", DefaultCORSConfig(), "http://localhost:5173", "http://localhost:5173"},
		{"loopback ip allowed", DefaultCORSConfig(), "http://127.0.0.1:3000", "http://127.0.0.1:3000"},
		{"remote refused", DefaultCORSConfig(), "https://evil.example", ""},
		{"explicit list", CORSConfig{AllowOrigins: []string{"https://admin.example"}, AllowMethods: []string{"GET"}}, "https://admin.example", "https://admin.example"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			router.Use(CORS(tt.cfg))
			router.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Origin", tt.origin)
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.want, w.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}

func TestIsLoopbackOrigin(t *testing.T) {
	assert.True(t, IsLoopbackOrigin("http://[::1]:8080"))
	assert.False(t, IsLoopbackOrigin("file://localhost"))
	assert.False(t, IsLoopbackOrigin("://bad"))
}
