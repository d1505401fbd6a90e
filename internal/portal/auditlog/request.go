package auditlog

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP resolves the best-effort client IP for audit metadata. The first
// X-Forwarded-For hop wins, then X-Real-IP, then the socket peer.
func ClientIP(r *http.Request) string {
	if r == nil {
		return ""
	}

	if xff := r.Header.Get("X-Forwarded-For"); strings.TrimSpace(xff) != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if rip := strings.TrimSpace(r.Header.Get("X-Real-IP")); rip != "" {
		return strings.Trim(rip, "[]")
	}

	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// RequestPath returns the request path, "/" when empty.
func RequestPath(r *http.Request) string {
	if r == nil || r.URL == nil {
		return ""
	}
	if p := strings.TrimSpace(r.URL.Path); p != "" {
		return p
	}
	return "/"
}

// RequestMetadata builds the diagnostic metadata attached to entries written
// from an HTTP request.
func RequestMetadata(r *http.Request, extra map[string]string) map[string]string {
	meta := make(map[string]string, len(extra)+2)
	if ip := ClientIP(r); ip != "" {
		meta["client_ip"] = ip
	}
	if p := RequestPath(r); p != "" {
		meta["path"] = p
	}
	for k, v := range extra {
		meta[k] = v
	}
	return meta
}
