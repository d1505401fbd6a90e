package auditlog

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{name: "first forwarded hop", remoteAddr: "10.0.0.1:1234", headers: map[string]string{"X-Forwarded-For": " 203.0.113.7 , 10.0.0.1"}, want: "203.0.113.7"},
		{name: "real ip with brackets", remoteAddr: "10.0.0.1:1234", headers: map[string]string{"X-Real-IP": "[::1]"}, want: "::1"},
		{name: "blank forwarded falls through", remoteAddr: "10.0.0.1:1234", headers: map[string]string{"X-Forwarded-For": "  ", "X-Real-IP": "10.0.0.5"}, want: "10.0.0.5"},
		{name: "remote addr", remoteAddr: "192.168.1.50:54321", want: "192.168.1.50"},
		{name: "remote addr without port", remoteAddr: "192.168.1.50", want: "192.168.1.50"},
		{name: "ipv6 remote addr", remoteAddr: "[::1]:8080", want: "::1"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remoteAddr
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			if got := ClientIP(req); got != tc.want {
				t.Errorf("ClientIP() = %q, want %q", got, tc.want)
			}
		})
	}

	if got := ClientIP(nil); got != "" {
		t.Errorf("ClientIP(nil) = %q", got)
	}
}

func TestRequestMetadata(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/admin/entitlements/grant", nil)
	req.RemoteAddr = "198.51.100.4:999"

	meta := RequestMetadata(req, map[string]string{"days": "14"})
	if meta["client_ip"] != "198.51.100.4" {
		t.Errorf("client_ip = %q", meta["client_ip"])
	}
	if meta["path"] != "/api/admin/entitlements/grant" {
		t.Errorf("path = %q", meta["path"])
	}
	if meta["days"] != "14" {
		t.Errorf("days = %q", meta["days"])
	}
	if RequestPath(nil) != "" {
		t.Error("RequestPath(nil) should be empty")
	}
}
