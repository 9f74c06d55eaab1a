package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(t *testing.T, perMinute, burst int) (*Limiter, *clock) {
	l := New(Config{RequestsPerMinute: perMinute, BurstSize: burst, CleanupInterval: time.Hour})
	t.Cleanup(l.Stop)
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	l.now = c.Now
	return l, c
}

func TestLimiter_BurstThenRefill(t *testing.T) {
	l, c := newTestLimiter(t, 60, 5)

	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("ip"), "request %d within burst", i)
	}
	assert.False(t, l.Allow("ip"))

	c.Advance(time.Second)
	assert.True(t, l.Allow("ip"))
	assert.False(t, l.Allow("ip"))
}

func TestLimiter_IndependentClients(t *testing.T) {
	l, _ := newTestLimiter(t, 60, 1)

	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
}

func TestLimiter_EvictIdle(t *testing.T) {
	l, c := newTestLimiter(t, 60, 2)
	l.Allow("a")
	c.Advance(time.Second)
	l.Allow("b")

	c.Advance(1500 * time.Millisecond)
	l.evictIdle()

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.NotContains(t, l.clients, "a")
	assert.Contains(t, l.clients, "b")
}

func TestLimiter_StopTwice(t *testing.T) {
	l := New(DefaultConfig())
	l.Stop()
	assert.NotPanics(t, l.Stop)
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l, _ := newTestLimiter(t, 60, 1)

	r := gin.New()
	r.POST("/v1/gifts/claim", l.Middleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/v1/gifts/claim", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/v1/gifts/claim", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "rate_limit_exceeded")
}
