package tenant

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/wisbric/graphgate/pkg/apierr"
)

// checkAdmin enforces the operator credential on the header routing modes.
// With AdminAPIKey configured the request must carry a matching bearer
// token; otherwise AdminAllowedIPs, when set, restricts by source address.
// A gateway with neither configured trusts its network.
func (rs *Resolver) checkAdmin(r *http.Request) error {
	if rs.opts.AdminAPIKey != "" {
		token := bearerToken(r)
		if token == "" {
			return apierr.New(apierr.KindAdminAuthRequired, "admin credential required")
		}
		if !matchKey(rs.opts.AdminAPIKey, token) {
			return apierr.New(apierr.KindAdminAuthRequired, "admin credential rejected")
		}
		return nil
	}

	if len(rs.opts.AdminAllowedIPs) > 0 {
		ip := ClientIP(r, rs.opts.TrustProxy)
		for _, allowed := range rs.opts.AdminAllowedIPs {
			if ip == strings.TrimSpace(allowed) {
				return nil
			}
		}
		return apierr.New(apierr.KindAdminAuthRequired, "source address not allowed").
			With("ip", ip)
	}

	return nil
}

// matchKey compares the presented token against the configured key, which
// may be stored either as a bcrypt hash or as the plain value.
func matchKey(configured, presented string) bool {
	if strings.HasPrefix(configured, "$2a$") || strings.HasPrefix(configured, "$2b$") || strings.HasPrefix(configured, "$2y$") {
		return bcrypt.CompareHashAndPassword([]byte(configured), []byte(presented)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(presented)) == 1
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}

// ClientIP returns the request's source address. X-Forwarded-For is
// honoured only when trustProxy is set; otherwise the socket address
// wins, so clients cannot spoof the allowlist or rate-limit key.
func ClientIP(r *http.Request, trustProxy bool) string {
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
