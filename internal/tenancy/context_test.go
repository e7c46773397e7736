package tenancy

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestAccountIDRoundTrip(t *testing.T) {
	id := uuid.New()
	got, ok := AccountIDFromContext(WithAccountID(context.Background(), id))
	assert.True(t, ok)
	assert.Equal(t, id, got)
}

func TestAccountIDMissing(t *testing.T) {
	_, ok := AccountIDFromContext(context.Background())
	assert.False(t, ok)

	_, ok = AccountIDFromContext(WithAccountID(context.Background(), uuid.Nil))
	assert.False(t, ok)
}
