// Package tenant carries the verified tenant identity through a
// request. It is deliberately the only way any downstream component
// learns which tenant it is operating on — plucked from a verified
// bearer token by the auth middleware, never from a caller-supplied
// field — so isolation fails closed rather than open.
package tenant

import (
	"context"

	"github.com/simplemem/simplemem/internal/memory"
)

type contextKey struct{}

// Info identifies the tenant a request is scoped to.
type Info struct {
	UserID string
	Dim int // declared embedding dimension, write-once per tenant
}

// Validate reports whether Info is usable.
func (t *Info) Validate() error {
	if t.UserID == "" {
		return memory.ErrInvalidTenant
	}
	return nil
}

// WithContext attaches Info to ctx.
func WithContext(ctx context.Context, info *Info) context.Context {
	return context.WithValue(ctx, contextKey{}, info)
}

// FromContext extracts Info from ctx. Fails closed: a missing or
// malformed value is always an error, never an empty/ambient tenant.
func FromContext(ctx context.Context) (*Info, error) {
	val := ctx.Value(contextKey{})
	if val == nil {
		return nil, memory.ErrMissingTenant
	}
	info, ok := val.(*Info)
	if !ok || info == nil {
		return nil, memory.ErrMissingTenant
	}
	return info, nil
}

// Require extracts Info from ctx, validating it is well-formed.
func Require(ctx context.Context) (*Info, error) {
	info, err := FromContext(ctx)
	if err != nil {
		return nil, err
	}
	if err := info.Validate(); err != nil {
		return nil, err
	}
	return info, nil
}

// Matches reports whether info's UserID matches userID, for the
// TenantMismatch check on operations that target an explicit id
// (e.g. loading a unit belonging to another tenant's table).
func (t *Info) Matches(userID string) bool {
	return t.UserID == userID
}
