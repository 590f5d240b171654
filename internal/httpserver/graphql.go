package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/graphgate/pkg/auth"
	"github.com/wisbric/graphgate/pkg/graphql"
	"github.com/wisbric/graphgate/pkg/tenant"
)

// errAuthHandled marks that an auth envelope was already written.
var errAuthHandled = errors.New("auth envelope written")

// handleGraphQL is the gateway's hot path: resolve the tenant, fetch or
// build its handler, authenticate, execute.
func (s *Server) handleGraphQL(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	api, key, err := s.Resolver.Resolve(r)
	if err != nil {
		RenderError(w, r, s.Logger, err, s.DevMode)
		return
	}
	ctx = tenant.ResolveContext(ctx, api, key)

	var req graphql.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "BAD_REQUEST", "request body is not a GraphQL document")
		return
	}
	if req.Query == "" {
		RespondError(w, http.StatusBadRequest, "BAD_REQUEST", "query is required")
		return
	}

	entry, err := s.Builder.GetOrBuild(ctx, key, api)
	if err != nil {
		RenderError(w, r, s.Logger, err, s.DevMode)
		return
	}

	meta := auth.RequestMeta(r, s.TrustProxy)

	var tok *auth.Token
	if api.RLS != nil {
		tok, err = s.authenticate(w, r, entry.Pool, api, meta, key)
		if err != nil {
			return // envelope already written
		}
	}

	session := auth.SessionFor(api, tok, meta)
	resp, err := entry.Handler.Execute(ctx, req, session)
	if err != nil {
		RenderError(w, r, s.Logger, err, s.DevMode)
		return
	}

	Respond(w, http.StatusOK, resp)
}

// authenticate runs the tenant's authenticate function for the request's
// credentials. A rejected cookie falls through to the bearer token; a
// rejected bearer token yields the UNAUTHENTICATED envelope. Auth
// outcomes are in-band GraphQL errors, not HTTP failures: clients read
// extensions.code, so both envelopes carry status 200. Without any
// credential the request proceeds anonymously.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request, pool *pgxpool.Pool, api *tenant.ApiStructure, meta auth.Meta, key string) (*auth.Token, error) {
	ctx := r.Context()

	cookieName := ""
	if s.CookieAuthEnabled {
		cookieName = s.CookieName
	}

	if cred, ok := auth.CookieCredential(r, cookieName); ok {
		tok, err := s.Validator.Validate(ctx, pool, api.RLS, cred, meta, s.StrictAuth)
		if err != nil {
			s.Logger.Error("broken rls module", "error", err, "key", key)
			Respond(w, http.StatusOK, graphql.ErrorResponse("authentication failed", "BAD_TOKEN_DEFINITION"))
			return nil, errAuthHandled
		}
		if tok != nil {
			return tok, nil
		}
		// Rejected cookie falls through to the bearer token.
	}

	if cred, ok := auth.BearerCredential(r); ok {
		tok, err := s.Validator.Validate(ctx, pool, api.RLS, cred, meta, s.StrictAuth)
		if err != nil {
			s.Logger.Error("broken rls module", "error", err, "key", key)
			Respond(w, http.StatusOK, graphql.ErrorResponse("authentication failed", "BAD_TOKEN_DEFINITION"))
			return nil, errAuthHandled
		}
		if tok == nil {
			s.Logger.Warn("token rejected", "key", key,
				"request_id", RequestIDFromContext(ctx))
			Respond(w, http.StatusOK, graphql.ErrorResponse("authentication failed", "UNAUTHENTICATED"))
			return nil, errAuthHandled
		}
		return tok, nil
	}

	return nil, nil
}
