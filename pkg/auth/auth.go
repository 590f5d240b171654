// Package auth authenticates GraphQL requests by delegating token
// validation to a SQL function declared by the tenant's rls module. The
// gateway never interprets tokens itself; the tenant database decides.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/graphgate/pkg/tenant"
)

// Credential kinds.
const (
	KindCookie = "cookie"
	KindBearer = "bearer"
)

// Credential is a raw token extracted from a request.
type Credential struct {
	Token string
	Kind  string
}

// CookieCredential reads the session cookie. cookieName may be empty to
// disable cookie auth.
func CookieCredential(r *http.Request, cookieName string) (Credential, bool) {
	if cookieName == "" {
		return Credential{}, false
	}
	c, err := r.Cookie(cookieName)
	if err != nil || c.Value == "" {
		return Credential{}, false
	}
	return Credential{Token: c.Value, Kind: KindCookie}, true
}

// BearerCredential reads the Authorization bearer token.
func BearerCredential(r *http.Request) (Credential, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		if token := strings.TrimSpace(h[len(prefix):]); token != "" {
			return Credential{Token: token, Kind: KindBearer}, true
		}
	}
	return Credential{}, false
}

// Token is the row returned by the tenant's authenticate function. Only
// id and user_id are interpreted; every other column is forwarded as a
// jwt.claims.* setting.
type Token struct {
	ID     string
	UserID string
	Claims map[string]string
}

// Validator validates a credential against a tenant database. A nil
// Token with a nil error means the function returned zero rows: the
// credential was rejected.
type Validator interface {
	Validate(ctx context.Context, pool *pgxpool.Pool, rls *tenant.RLSModule, cred Credential, meta Meta, strict bool) (*Token, error)
}

// SQLValidator calls the rls module's authenticate function with
// `SELECT * FROM <schema>.<fn>($1)`. Zero rows rejects the credential;
// exactly one row yields a token whose id and user_id columns are
// required. Any SQL failure is a broken token definition.
type SQLValidator struct{}

var _ Validator = (*SQLValidator)(nil)

func (SQLValidator) Validate(ctx context.Context, pool *pgxpool.Pool, rls *tenant.RLSModule, cred Credential, meta Meta, strict bool) (*Token, error) {
	fn := rls.Authenticate
	if strict && rls.AuthenticateStrict != "" {
		fn = rls.AuthenticateStrict
	}
	if fn == "" || rls.PrivateSchema == "" {
		return nil, fmt.Errorf("rls module declares no authenticate function")
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("beginning validation transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	settings := map[string]string{
		"jwt.claims.ip_address": meta.IP,
		"jwt.claims.origin":     meta.Origin,
		"jwt.claims.user_agent": meta.UserAgent,
	}
	if cred.Kind == KindCookie {
		settings["jwt.claims.credential_kind"] = KindCookie
	}
	for key, value := range settings {
		if value == "" {
			continue
		}
		if _, err := tx.Exec(ctx, `SELECT set_config($1, $2, true)`, key, value); err != nil {
			return nil, fmt.Errorf("applying validation setting %s: %w", key, err)
		}
	}

	qualified := pgx.Identifier{rls.PrivateSchema, fn}.Sanitize()
	rows, err := tx.Query(ctx, "SELECT * FROM "+qualified+"($1::text)", cred.Token)
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", qualified, err)
	}
	tok, err := scanToken(rows)
	if err != nil {
		return nil, err
	}
	if tok == nil {
		return nil, nil
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing validation transaction: %w", err)
	}
	return tok, nil
}

// scanToken reads zero or one row into a Token. More than one row is a
// broken function.
func scanToken(rows pgx.Rows) (*Token, error) {
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}

	fields := rows.FieldDescriptions()
	values, err := rows.Values()
	if err != nil {
		return nil, fmt.Errorf("reading token row: %w", err)
	}
	if rows.Next() {
		return nil, fmt.Errorf("authenticate returned more than one row")
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	tok := &Token{Claims: make(map[string]string)}
	for i, f := range fields {
		v := values[i]
		if v == nil {
			continue
		}
		s := stringify(v)
		switch f.Name {
		case "id":
			tok.ID = s
		case "user_id":
			tok.UserID = s
		default:
			tok.Claims[f.Name] = s
		}
	}
	if tok.ID == "" || tok.UserID == "" {
		return nil, fmt.Errorf("authenticate row is missing id or user_id")
	}
	return tok, nil
}

// stringify renders a scanned column value as a setting string. UUID
// columns arrive from pgx as raw 16-byte arrays.
func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case [16]byte:
		return uuid.UUID(t).String()
	case time.Time:
		return t.Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", t)
	}
}

type contextKey string

const tokenCtxKey contextKey = "auth_token"

// NewContext stores the validated token in the context.
func NewContext(ctx context.Context, tok *Token) context.Context {
	return context.WithValue(ctx, tokenCtxKey, tok)
}

// FromContext extracts the validated token. Nil for anonymous requests.
func FromContext(ctx context.Context) *Token {
	v, _ := ctx.Value(tokenCtxKey).(*Token)
	return v
}
