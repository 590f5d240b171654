// Package graphql defines the execution boundary between the gateway and
// a GraphQL engine, plus the default engine backed by the pg_graphql
// extension.
package graphql

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/graphgate/pkg/tenant"
)

// Request is a parsed GraphQL POST body.
type Request struct {
	Query         string          `json:"query"`
	OperationName string          `json:"operationName,omitempty"`
	Variables     json.RawMessage `json:"variables,omitempty"`
}

// Response is the GraphQL response envelope.
type Response struct {
	Data   json.RawMessage `json:"data,omitempty"`
	Errors []ResponseError `json:"errors,omitempty"`
}

// ResponseError is a single entry of the errors array.
type ResponseError struct {
	Message    string         `json:"message"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

// ErrorResponse builds a data-less response carrying one error.
func ErrorResponse(message, code string) *Response {
	return &Response{Errors: []ResponseError{{
		Message:    message,
		Extensions: map[string]any{"code": code},
	}}}
}

// Session carries the per-request PostgreSQL settings the engine applies
// before executing: the role to assume and any set_config pairs (JWT
// claims, request metadata) produced by authentication.
type Session struct {
	Role     string
	Settings map[string]string
}

// Handler executes GraphQL requests for one tenant endpoint.
type Handler interface {
	Execute(ctx context.Context, req Request, session Session) (*Response, error)
}

// BuildSpec is the input to a Factory: the resolved tenant and a pool
// connected to its database.
type BuildSpec struct {
	API  *tenant.ApiStructure
	Pool *pgxpool.Pool
}

// Factory builds a Handler for a tenant endpoint. Build may be expensive
// (schema introspection, validation); callers deduplicate concurrent
// builds per tenant key.
type Factory interface {
	Build(ctx context.Context, spec BuildSpec) (Handler, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(ctx context.Context, spec BuildSpec) (Handler, error)

func (f FactoryFunc) Build(ctx context.Context, spec BuildSpec) (Handler, error) {
	return f(ctx, spec)
}
