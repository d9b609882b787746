package middleware

import (
	"net"
	"net/http"
	"strings"

	"github.com/mssola/useragent"

	"receiptflow/pkg/requestcontext"
)

// ClientMetadata records the caller's address and User-Agent in the context.
// Forwarding headers are honoured only behind a trusted proxy; otherwise a
// client could pick its own address and dodge the sign-in lockout.
func ClientMetadata(trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := requestcontext.WithClientMetadata(r.Context(), ClientIPFromRequest(r, trustProxy), r.UserAgent())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClientIPFromRequest prefers X-Forwarded-For then X-Real-IP when trustProxy
// is set, and falls back to the connection's remote address.
func ClientIPFromRequest(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			return strings.TrimSpace(first)
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return strings.TrimSpace(xri)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// DescribeClient condenses a User-Agent into "Browser version on OS" for
// sign-in logs.
func DescribeClient(raw string) string {
	if raw == "" {
		return "unknown"
	}
	ua := useragent.New(raw)
	if ua.Bot() {
		name, _ := ua.Browser()
		return "bot " + name
	}
	name, version := ua.Browser()
	desc := strings.TrimSpace(name + " " + version)
	if desc == "" {
		desc = "unknown client"
	}
	if os := ua.OS(); os != "" {
		desc += " on " + os
	}
	if ua.Mobile() {
		desc += " (mobile)"
	}
	return desc
}
