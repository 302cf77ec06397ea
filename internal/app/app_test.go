package app

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOrigins(t *testing.T) {
	assert.Equal(t, []string{"*"}, ParseOrigins(""))
	assert.Equal(t, []string{"*"}, ParseOrigins("*"))
	assert.Equal(t, []string{"*"}, ParseOrigins(" , ,"))
	assert.Equal(t,
		[]string{"https://a.example.com", "https://b.example.com"},
		ParseOrigins(" https://a.example.com, https://b.example.com "))
}

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

type stubPingResult struct{ err error }

func (r stubPingResult) Err() error { return r.err }

type stubRedis struct{ err error }

func (s stubRedis) Ping(context.Context) RedisPingResult { return stubPingResult{err: s.err} }

func TestBuildReadinessChecks(t *testing.T) {
	ctx := context.Background()

	dbCheck, redisCheck := BuildReadinessChecks(nil, nil)
	require.Error(t, dbCheck(ctx))
	// No redis client configured means the check passes.
	require.NoError(t, redisCheck(ctx))

	dbErr := errors.New("pool exhausted")
	dbCheck, redisCheck = BuildReadinessChecks(pingerFunc(func(context.Context) error { return dbErr }), stubRedis{})
	assert.ErrorIs(t, dbCheck(ctx), dbErr)
	assert.NoError(t, redisCheck(ctx))

	redisErr := errors.New("connection refused")
	_, redisCheck = BuildReadinessChecks(pingerFunc(func(context.Context) error { return nil }), stubRedis{err: redisErr})
	assert.ErrorIs(t, redisCheck(ctx), redisErr)
}
