package graphql

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGFactory builds handlers backed by the pg_graphql extension on the
// tenant database. Build verifies the extension is installed; Execute
// runs graphql.resolve inside a transaction after applying the session.
type PGFactory struct{}

var _ Factory = (*PGFactory)(nil)

func (PGFactory) Build(ctx context.Context, spec BuildSpec) (Handler, error) {
	var installed bool
	err := spec.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'pg_graphql')`,
	).Scan(&installed)
	if err != nil {
		return nil, fmt.Errorf("checking pg_graphql on %s: %w", spec.API.Dbname, err)
	}
	if !installed {
		return nil, fmt.Errorf("pg_graphql extension not installed on %s", spec.API.Dbname)
	}
	return &pgHandler{
		pool:       spec.Pool,
		searchPath: quotedSearchPath(spec.API.Schemas),
		anonRole:   spec.API.AnonRole,
	}, nil
}

type pgHandler struct {
	pool       *pgxpool.Pool
	searchPath string
	anonRole   string
}

func (h *pgHandler) Execute(ctx context.Context, req Request, session Session) (*Response, error) {
	role := session.Role
	if role == "" {
		role = h.anonRole
	}

	tx, err := h.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("beginning tenant transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// search_path and role are transaction-local; settings are applied
	// with set_config(..., true) so they vanish at commit.
	if _, err := tx.Exec(ctx, "SET LOCAL search_path TO "+h.searchPath); err != nil {
		return nil, fmt.Errorf("setting search_path: %w", err)
	}
	if _, err := tx.Exec(ctx, "SET LOCAL ROLE "+pgx.Identifier{role}.Sanitize()); err != nil {
		return nil, fmt.Errorf("assuming role %s: %w", role, err)
	}
	for key, value := range session.Settings {
		if _, err := tx.Exec(ctx, `SELECT set_config($1, $2, true)`, key, value); err != nil {
			return nil, fmt.Errorf("applying session setting %s: %w", key, err)
		}
	}

	variables := req.Variables
	if len(variables) == 0 {
		variables = json.RawMessage("{}")
	}
	var opName any
	if req.OperationName != "" {
		opName = req.OperationName
	}

	var raw json.RawMessage
	if err := tx.QueryRow(ctx,
		`SELECT graphql.resolve(query => $1::text, variables => $2::jsonb, "operationName" => $3::text)`,
		req.Query, variables, opName,
	).Scan(&raw); err != nil {
		return nil, fmt.Errorf("executing query: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing tenant transaction: %w", err)
	}

	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decoding resolver output: %w", err)
	}
	return &resp, nil
}

func quotedSearchPath(schemas []string) string {
	quoted := make([]string, len(schemas))
	for i, s := range schemas {
		quoted[i] = pgx.Identifier{s}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
