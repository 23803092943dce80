package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPublisher struct {
	err  error
	keys []string
}

func (p *stubPublisher) Publish(_ context.Context, routingKey string, _ any, _ map[string]string) error {
	p.keys = append(p.keys, routingKey)
	return p.err
}

func TestRequestIDMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestIDMiddleware())
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, c.GetString(RequestIDKey)) })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, "abc", rec.Body.String())
	assert.Equal(t, "abc", rec.Header().Get("X-Request-ID"))

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.Equal(t, rec.Header().Get("X-Request-ID"), rec.Body.String())
}

func TestIPFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.5:4321"
	assert.Equal(t, "10.0.0.5", IPFromRequest(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", IPFromRequest(req))
}

func TestWSEventEnvelope(t *testing.T) {
	info := SessionInfo{SessionID: "s1", UserID: 4, DeviceID: "d", IP: "1.2.3.4", ConnectedAt: time.Now()}
	env := WSEvent("ws_connect", info, "")

	assert.Equal(t, "ws_events", env.EventType)
	assert.Equal(t, "ws_connect", env.EventName)
	payload, ok := env.Payload.(map[string]interface{})
	require.True(t, ok)
	identity := payload["identity"].(map[string]interface{})
	assert.Equal(t, 4, identity["user_id"])
}

func TestBuildHeadersSkipsEmpty(t *testing.T) {
	assert.Empty(t, BuildHeaders("", ""))
	assert.Equal(t, map[string]string{"x-request-id": "r", "trace_id": "t"}, BuildHeaders("r", "t"))
}

func TestPublishEventUsesInstalledPublisher(t *testing.T) {
	defer SetPublisher(nil)

	SetPublisher(nil)
	assert.NoError(t, PublishEvent(context.Background(), "k", nil, nil))

	pub := &stubPublisher{err: errors.New("down")}
	SetPublisher(pub)
	assert.Error(t, PublishEvent(context.Background(), "ws_events.dm", nil, nil))
	assert.Equal(t, []string{"ws_events.dm"}, pub.keys)
}

func TestSplitFullMethod(t *testing.T) {
	service, method := splitFullMethod("/socialgraph.SocialGraph/IsMutuallyConnected")
	assert.Equal(t, "socialgraph.SocialGraph", service)
	assert.Equal(t, "IsMutuallyConnected", method)
}
