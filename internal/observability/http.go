package observability

import (
	"net"
	"net/http"
	"strings"
)

// DeviceIDFromRequest reads the client's device id. Browsers cannot set
// headers on a websocket upgrade, so the device_id query parameter is
// accepted as well.
func DeviceIDFromRequest(r *http.Request) string {
	if id := r.Header.Get("X-Device-Id"); id != "" {
		return id
	}
	return r.URL.Query().Get("device_id")
}

// IPFromRequest prefers the first X-Forwarded-For hop over RemoteAddr.
func IPFromRequest(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
