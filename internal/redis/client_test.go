package redisclient

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestNewRedisClientPings(t *testing.T) {
	mr := miniredis.RunT(t)
	mr.RequireUserAuth("booking", "s3cret")

	rdb, err := NewRedisClient(context.Background(), mr.Addr(), "booking", "s3cret")
	require.NoError(t, err)
	defer rdb.Close()

	require.NoError(t, rdb.Set(context.Background(), "k", "v", 0).Err())
}

func TestNewRedisClientFailsFast(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisClient(context.Background(), addr, "", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), addr)
}
