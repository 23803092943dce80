package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticVerifier map[string]int

func (v staticVerifier) Verify(token string) (int, error) {
	if id, ok := v[token]; ok {
		return id, nil
	}
	return 0, errors.New("invalid token")
}

func newRouter(mw ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(mw...)
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": c.GetInt(UserIDKey)})
	})
	return r
}

func do(r http.Handler, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestAuthMiddleware(t *testing.T) {
	r := newRouter(AuthMiddleware(staticVerifier{"good": 5}))

	assert.Equal(t, http.StatusUnauthorized, do(r, nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, map[string]string{"Authorization": "good"}).Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, map[string]string{"Authorization": "Bearer bad"}).Code)

	rec := do(r, map[string]string{"Authorization": "Bearer good"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"user_id":5}`, rec.Body.String())
}

func TestAdminMiddleware(t *testing.T) {
	r := newRouter(AdminMiddleware("s3cret"))
	assert.Equal(t, http.StatusUnauthorized, do(r, map[string]string{"X-Admin-Token": "nope"}).Code)
	assert.Equal(t, http.StatusOK, do(r, map[string]string{"X-Admin-Token": "s3cret"}).Code)

	disabled := newRouter(AdminMiddleware(""))
	assert.Equal(t, http.StatusNotFound, do(disabled, map[string]string{"X-Admin-Token": ""}).Code)
}

func TestLimiterStoreBurst(t *testing.T) {
	s := NewLimiterStore(5, 5, 100*time.Millisecond)
	defer s.Stop()

	for i := 0; i < 5; i++ {
		require.True(t, s.Allow("user:1"), "iteration %d", i)
	}
	assert.False(t, s.Allow("user:1"))
	assert.True(t, s.Allow("user:2"))
}

func TestRateLimitKeysByUser(t *testing.T) {
	s := NewLimiterStore(1, 1, time.Minute)
	defer s.Stop()
	r := newRouter(AuthMiddleware(staticVerifier{"a": 1, "b": 2}), RateLimit(s))

	assert.Equal(t, http.StatusOK, do(r, map[string]string{"Authorization": "Bearer a"}).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(r, map[string]string{"Authorization": "Bearer a"}).Code)
	assert.Equal(t, http.StatusOK, do(r, map[string]string{"Authorization": "Bearer b"}).Code)
}
