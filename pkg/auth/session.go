package auth

import (
	"net"
	"net/http"
	"strings"

	"github.com/wisbric/graphgate/pkg/graphql"
	"github.com/wisbric/graphgate/pkg/tenant"
)

// Meta is the request metadata forwarded to the tenant database as
// jwt.claims.* settings, both during token validation and execution.
type Meta struct {
	IP        string
	Origin    string
	UserAgent string
}

// RequestMeta extracts the forwarded metadata from a request.
// X-Forwarded-For is honoured only when the gateway trusts its proxy.
func RequestMeta(r *http.Request, trustProxy bool) Meta {
	return Meta{
		IP:        requestIP(r, trustProxy),
		Origin:    r.Header.Get("Origin"),
		UserAgent: r.UserAgent(),
	}
}

// SessionFor assembles the engine session for a request. With a token
// the session runs as the tenant's auth role carrying the token claims;
// without one it runs as the anon role. The tenant's database id and the
// request metadata are always installed.
func SessionFor(api *tenant.ApiStructure, tok *Token, meta Meta) graphql.Session {
	settings := map[string]string{
		"jwt.claims.database_id": api.DatabaseID,
	}
	if meta.IP != "" {
		settings["jwt.claims.ip_address"] = meta.IP
	}
	if meta.Origin != "" {
		settings["jwt.claims.origin"] = meta.Origin
	}
	if meta.UserAgent != "" {
		settings["jwt.claims.user_agent"] = meta.UserAgent
	}

	role := api.AnonRole
	if tok != nil {
		role = api.AuthRole
		settings["jwt.claims.token_id"] = tok.ID
		settings["jwt.claims.user_id"] = tok.UserID
		for k, v := range tok.Claims {
			settings["jwt.claims."+k] = v
		}
	}

	return graphql.Session{Role: role, Settings: settings}
}

func requestIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			if i := strings.IndexByte(fwd, ','); i >= 0 {
				fwd = fwd[:i]
			}
			return strings.TrimSpace(fwd)
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
