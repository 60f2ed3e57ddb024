package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"gigconnect-chat/internal/auth"
	"gigconnect-chat/internal/observability"
)

// tokenFromRequest reads the bearer token from the Authorization header,
// falling back to the token query parameter for browser clients.
func tokenFromRequest(r *http.Request) string {
	if token, ok := auth.BearerToken(r.Header.Get("Authorization")); ok {
		return token
	}
	return r.URL.Query().Get("token")
}

func mustJSON(v any) []byte {
	payload, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return payload
}

func publishLifecycle(ctx context.Context, event string, s *Session, reason string) {
	_ = observability.PublishEvent(ctx, observability.RoutingKeyWSEvents, observability.EventEnvelope{
		EventType: "ws_events",
		EventName: event,
		Payload: map[string]interface{}{
			"ws": map[string]interface{}{
				"event":       event,
				"session_id":  s.ID,
				"rooms":       s.Rooms(),
				"duration_ms": time.Since(s.Info.ConnectedAt).Milliseconds(),
				"reason":      reason,
				"request_id":  s.Info.RequestID,
				"trace_id":    s.Info.TraceID,
			},
			"identity": map[string]interface{}{
				"user_id":   s.UserID,
				"device_id": s.Info.DeviceID,
				"ip":        s.Info.IP,
			},
		},
	})
}
