package server

import (
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/go-chi/cors"

	"github.com/tutodecode/termlab/internal/api"
	"github.com/tutodecode/termlab/internal/models"
)

// originPolicy decides which browser pages may drive the API. Loopback
// pages always may; other origins must be listed.
type originPolicy struct {
	origins map[string]struct{} // scheme://host[:port], lowercased
	hosts   map[string]struct{} // hostnames of the listed origins
}

func newOriginPolicy(allowed []string) *originPolicy {
	p := &originPolicy{
		origins: make(map[string]struct{}),
		hosts:   make(map[string]struct{}),
	}
	for _, origin := range allowed {
		u, err := url.Parse(strings.TrimSpace(origin))
		if err != nil || u.Host == "" {
			continue
		}
		p.origins[strings.ToLower(u.Scheme+"://"+u.Host)] = struct{}{}
		p.hosts[strings.ToLower(u.Hostname())] = struct{}{}
	}
	return p
}

// allowOrigin reports whether a request carrying this Origin header may
// proceed. Requests without one come from non-browser clients.
func (p *originPolicy) allowOrigin(origin string) bool {
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	if isLoopback(u.Hostname()) {
		return true
	}
	_, ok := p.origins[strings.ToLower(u.Scheme+"://"+u.Host)]
	return ok
}

// allowHost rejects requests addressed to a name that merely resolves to
// this machine, as a rebinding page's requests are.
func (p *originPolicy) allowHost(host string) bool {
	name := host
	if h, _, err := net.SplitHostPort(host); err == nil {
		name = h
	}
	name = strings.Trim(name, "[]")
	if isLoopback(name) {
		return true
	}
	_, ok := p.hosts[strings.ToLower(name)]
	return ok
}

// checkOrigin is the websocket upgrader's origin check.
func (p *originPolicy) checkOrigin(r *http.Request) bool {
	return p.allowOrigin(r.Header.Get("Origin"))
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// originGuard refuses requests from foreign pages before any handler runs.
// CORS alone would still let a form-style POST through.
func originGuard(p *originPolicy, logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if !p.allowHost(r.Host) || !p.allowOrigin(origin) {
				logger.Warn("rejected request", "origin", origin, "host", r.Host, "method", r.Method, "path", r.URL.Path)
				api.WriteJSON(w, http.StatusForbidden, models.ErrorResponse{
					Error: "origin not allowed",
					Code:  "forbidden_origin",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// corsMiddleware lets an allowed page on another port make JSON requests.
func corsMiddleware(p *originPolicy) func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowOriginFunc: func(_ *http.Request, origin string) bool {
			return origin != "" && p.allowOrigin(origin)
		},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	})
}
