package httpserver

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// OriginPolicy decides which browser origins may use the hub. With no
// configured origins only same-host pages are allowed; "*" allows any.
type OriginPolicy struct {
	allowed map[string]struct{}
	any     bool
}

func NewOriginPolicy(allowed []string) OriginPolicy {
	p := OriginPolicy{allowed: make(map[string]struct{}, len(allowed))}
	for _, o := range allowed {
		if o == "*" {
			p.any = true
			continue
		}
		if norm, _, ok := normalizeOrigin(o); ok {
			p.allowed[norm] = struct{}{}
		}
	}
	return p
}

// Allow reports whether r may proceed. Requests without an Origin header come
// from non-browser clients and are always allowed. It has the signature of
// websocket.Upgrader.CheckOrigin.
func (p OriginPolicy) Allow(r *http.Request) bool {
	o := strings.TrimSpace(r.Header.Get("Origin"))
	if o == "" {
		return true
	}
	return p.allowOrigin(r, o)
}

func (p OriginPolicy) allowOrigin(r *http.Request, raw string) bool {
	norm, host, ok := normalizeOrigin(raw)
	if !ok {
		return false
	}
	if p.any {
		return true
	}
	if len(p.allowed) > 0 {
		_, ok := p.allowed[norm]
		return ok
	}
	// Schemes are not compared: a TLS-terminating proxy makes the request look
	// like plain HTTP.
	scheme, _, _ := strings.Cut(norm, "://")
	reqHost, ok := normalizeHost(r.Host, scheme)
	return ok && reqHost == host
}

// middleware rejects requests from disallowed origins before any handler
// runs.
func (p OriginPolicy) middleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !p.Allow(r) {
				WriteJSON(w, http.StatusForbidden, map[string]any{"error": "origin not allowed"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// normalizeOrigin returns scheme://host[:port] with default ports removed,
// plus the host[:port] part.
func normalizeOrigin(raw string) (string, string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.User != nil || u.RawQuery != "" || u.Fragment != "" || (u.Path != "" && u.Path != "/") {
		return "", "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}
	host, ok := normalizeHost(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

func normalizeHost(raw, scheme string) (string, bool) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return "", false
	}
	hostname, port, err := net.SplitHostPort(raw)
	if err != nil {
		// No port.
		hostname, port = strings.Trim(raw, "[]"), ""
	}
	if hostname == "" {
		return "", false
	}
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if port == "" {
		if strings.Contains(hostname, ":") {
			return "[" + hostname + "]", true
		}
		return hostname, true
	}
	return net.JoinHostPort(hostname, port), true
}
