package tenant

import (
	"net"
	"net/http"
	"strings"
)

// Mode identifies which routing path a request takes.
type Mode int

const (
	// ModeDomain routes by hostname (public path, and private fallback).
	ModeDomain Mode = iota
	// ModeAPIName routes by the X-Api-Name header (private gateways).
	ModeAPIName
	// ModeSchemata routes by the X-Schemata header (private gateways).
	ModeSchemata
	// ModeMetaSchema routes to the metadata schemas themselves (private gateways).
	ModeMetaSchema
)

// RouteIntent is the parsed routing identity of a request: the mode, the
// canonical cache key, and the raw inputs the resolver needs for lookup.
type RouteIntent struct {
	Mode       Mode
	Key        string
	Domain     string
	Subdomain  string // empty when none; never "www"
	DatabaseID string // from X-Database-Id, or the configured default
	APIName    string
	Schemas    []string // parsed X-Schemata values, may be empty
}

// ParseIntent computes the routing intent for a request. Admin header modes
// are considered only on private gateways; the precedence is fixed:
// X-Api-Name, then X-Schemata, then X-Meta-Schema, then the domain path.
func ParseIntent(r *http.Request, isPublic bool, defaultDatabaseID string) RouteIntent {
	if !isPublic {
		dbID := strings.TrimSpace(r.Header.Get("X-Database-Id"))
		if dbID == "" {
			dbID = defaultDatabaseID
		}

		if name := strings.TrimSpace(r.Header.Get("X-Api-Name")); name != "" {
			return RouteIntent{
				Mode:       ModeAPIName,
				Key:        "api:" + dbID + ":" + name,
				DatabaseID: dbID,
				APIName:    name,
			}
		}

		if raw, ok := headerPresent(r, "X-Schemata"); ok {
			schemas := splitCSV(raw)
			return RouteIntent{
				Mode:       ModeSchemata,
				Key:        "schemata:" + dbID + ":" + strings.Join(schemas, ","),
				DatabaseID: dbID,
				Schemas:    schemas,
			}
		}

		if _, ok := headerPresent(r, "X-Meta-Schema"); ok {
			return RouteIntent{
				Mode:       ModeMetaSchema,
				Key:        "metaschema:api:" + dbID,
				DatabaseID: dbID,
			}
		}
	}

	domain, subdomain := splitHost(r.Host)
	return RouteIntent{
		Mode:      ModeDomain,
		Key:       DomainKey(domain, subdomain),
		Domain:    domain,
		Subdomain: subdomain,
	}
}

// DomainKey returns the domain-shaped cache key for a (domain, subdomain)
// pair: the dotted join of the non-www subdomain and domain.
func DomainKey(domain, subdomain string) string {
	if subdomain == "" {
		return domain
	}
	return subdomain + "." + domain
}

// headerPresent distinguishes a header set to the empty string from an
// absent header; X-Schemata: "" is a meaningful (and invalid) request.
func headerPresent(r *http.Request, name string) (string, bool) {
	vs := r.Header.Values(name)
	if len(vs) == 0 {
		return "", false
	}
	return vs[0], true
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// splitHost breaks a request host into (domain, subdomain), stripping the
// port and any leading www label. The domain is the last two labels; the
// subdomain is everything before them.
func splitHost(host string) (domain, subdomain string) {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))

	labels := strings.Split(host, ".")
	if len(labels) <= 2 {
		return host, ""
	}

	domain = strings.Join(labels[len(labels)-2:], ".")
	subs := labels[:len(labels)-2]
	var kept []string
	for _, s := range subs {
		if s != "www" && s != "" {
			kept = append(kept, s)
		}
	}
	return domain, strings.Join(kept, ".")
}
