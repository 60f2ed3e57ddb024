package observability_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"gigconnect-chat/internal/mocks"
	"gigconnect-chat/internal/observability"
)

func counterValue(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
	metrics:
		for _, m := range family.GetMetric() {
			for _, pair := range m.GetLabel() {
				if want, ok := labels[pair.GetName()]; ok && want != pair.GetValue() {
					continue metrics
				}
			}
			if m.GetCounter() != nil {
				return m.GetCounter().GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	return 0
}

func TestHTTPMetricsMiddlewareLabelsRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(observability.HTTPMetricsMiddleware())
	r.GET("/chats/:chat_id", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	labels := map[string]string{"method": http.MethodGet, "route": "/chats/:chat_id", "status": "204"}
	before := counterValue(t, "chat_http_requests_total", labels)
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/chats/7", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nowhere", nil))

	assert.Equal(t, before+1, counterValue(t, "chat_http_requests_total", labels))
	assert.GreaterOrEqual(t, counterValue(t, "chat_http_requests_total", map[string]string{"route": "unmatched", "status": "404"}), float64(1))
}

func TestGRPCInterceptorCountsCodes(t *testing.T) {
	interceptor := observability.GRPCServerMetricsUnaryInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}
	labels := map[string]string{"grpc_service": "grpc.health.v1.Health", "grpc_method": "Check", "grpc_code": codes.Unavailable.String()}
	before := counterValue(t, "grpc_server_handled_total", labels)

	_, err := interceptor(context.Background(), nil, info, func(context.Context, any) (any, error) {
		return nil, status.Error(codes.Unavailable, "down")
	})

	require.Error(t, err)
	assert.Equal(t, before+1, counterValue(t, "grpc_server_handled_total", labels))
}

func TestPublishEventCountsFailures(t *testing.T) {
	publisher := new(mocks.PublisherMock)
	observability.SetPublisher(publisher)
	t.Cleanup(func() { observability.SetPublisher(nil) })

	envelope := observability.EventEnvelope{EventType: "ws_event", EventName: "ws_connect"}
	publisher.On("Publish", mock.Anything, observability.RoutingKeyWSEvents, envelope).Return(nil).Once()
	publisher.On("Publish", mock.Anything, observability.RoutingKeyWSEvents, envelope).Return(assert.AnError).Once()

	before := counterValue(t, "chat_amqp_publish_errors_total", nil)
	require.NoError(t, observability.PublishEvent(context.Background(), observability.RoutingKeyWSEvents, envelope))
	require.ErrorIs(t, observability.PublishEvent(context.Background(), observability.RoutingKeyWSEvents, envelope), assert.AnError)

	assert.Equal(t, before+1, counterValue(t, "chat_amqp_publish_errors_total", nil))
	publisher.AssertExpectations(t)
}

func TestPublishEventWithoutPublisher(t *testing.T) {
	observability.SetPublisher(nil)
	assert.NoError(t, observability.PublishEvent(context.Background(), observability.RoutingKeyWSEvents, observability.EventEnvelope{}))
}

func TestIPFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	assert.Equal(t, "10.0.0.1", observability.IPFromRequest(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	req.Header.Set("X-Device-Id", "phone")
	assert.Equal(t, "203.0.113.9", observability.IPFromRequest(req))
	assert.Equal(t, "phone", observability.DeviceIDFromRequest(req))

	ws := httptest.NewRequest(http.MethodGet, "/ws?device_id=tablet", nil)
	assert.Equal(t, "tablet", observability.DeviceIDFromRequest(ws))
}

func TestWSGauge(t *testing.T) {
	before := counterValue(t, "chat_ws_active_connections", nil)
	observability.IncWSActive()
	assert.Equal(t, before+1, counterValue(t, "chat_ws_active_connections", nil))
	observability.DecWSActive()
	assert.Equal(t, before, counterValue(t, "chat_ws_active_connections", nil))
}
