package tenancy

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey struct{}

// HeaderAccountID carries the caller's account on every API request.
const HeaderAccountID = "X-Account-ID"

// WithAccountID stores the account id in the context.
func WithAccountID(ctx context.Context, accountID uuid.UUID) context.Context {
	return context.WithValue(ctx, ctxKey{}, accountID)
}

// AccountIDFromContext returns the account id, if one was set.
func AccountIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(ctxKey{}).(uuid.UUID)
	if !ok || id == uuid.Nil {
		return uuid.Nil, false
	}
	return id, true
}
