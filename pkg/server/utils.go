package server

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP extracts the caller's address from r, preferring
// X-Forwarded-For so deployments behind a load balancer (§6: "TLS
// terminated at the load balancer") still get the real client address.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// SplitCSV splits a comma-separated string into trimmed, non-empty parts.
func SplitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
