// Package tenant maps request identity to a resolved tenant endpoint
// description (ApiStructure) using the services_public metadata catalog,
// with a bounded service cache in front of it.
package tenant

import (
	"context"
	"encoding/json"
)

// Module is a named feature descriptor attached to an API. The rls module
// is lifted into its own field; everything else is carried opaquely for
// the handler builder.
type Module struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data"`
}

// RLSModule describes a tenant's row-level-security contract. Its presence
// on an ApiStructure toggles request authentication.
type RLSModule struct {
	PrivateSchema      string `json:"private_schema"`
	Authenticate       string `json:"authenticate"`
	AuthenticateStrict string `json:"authenticate_strict"`
	CurrentRole        string `json:"current_role"`
	CurrentRoleID      string `json:"current_role_id"`
}

// ApiStructure is the resolved, cacheable description of a tenant endpoint.
type ApiStructure struct {
	DatabaseID string
	Dbname     string
	AnonRole   string
	AuthRole   string
	Schemas    []string
	Modules    []Module
	RLS        *RLSModule
	Domains    []string
	IsPublic   bool
}

// ModuleData returns the raw data of the named module, or nil.
func (a *ApiStructure) ModuleData(name string) json.RawMessage {
	for _, m := range a.Modules {
		if m.Name == name {
			return m.Data
		}
	}
	return nil
}

type contextKey string

const (
	apiCtxKey contextKey = "tenant_api"
	keyCtxKey contextKey = "tenant_key"
)

// NewContext stores the resolved ApiStructure in the context.
func NewContext(ctx context.Context, api *ApiStructure) context.Context {
	return context.WithValue(ctx, apiCtxKey, api)
}

// FromContext extracts the resolved ApiStructure. Nil if unresolved.
func FromContext(ctx context.Context) *ApiStructure {
	v, _ := ctx.Value(apiCtxKey).(*ApiStructure)
	return v
}

// NewKeyContext stores the tenant cache key in the context.
func NewKeyContext(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, keyCtxKey, key)
}

// KeyFromContext extracts the tenant cache key. Empty if unset.
func KeyFromContext(ctx context.Context) string {
	v, _ := ctx.Value(keyCtxKey).(string)
	return v
}
