package repo

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tessilab/swapbridge/internal/logger"
)

func TestIsAdmin(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	mock.ExpectSIsMember("admins", "op-1").SetVal(true)
	mock.ExpectSIsMember("admins", "guest").SetVal(false)

	r := NewRepository(nil, rdb, &kafka.Writer{}, must(logger.NewLogger()))

	ok, err := r.IsAdmin(context.Background(), "op-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.IsAdmin(context.Background(), "guest")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRateOverride(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	mock.ExpectGet("rate:override").RedisNil()
	mock.ExpectGet("rate:override").SetVal("700")
	mock.ExpectGet("rate:override").SetVal("garbage")

	r := NewRepository(nil, rdb, &kafka.Writer{}, must(logger.NewLogger()))

	_, ok, err := r.RateOverride(context.Background())
	require.NoError(t, err)
	assert.False(t, ok, "no override set")

	d, ok, err := r.RateOverride(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "700", d.String())

	_, _, err = r.RateOverride(context.Background())
	assert.Error(t, err, "unparsable override must not be applied")
}

func TestStatusCache(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	mock.ExpectSet("txstatus:tx-1", "processing", 5*time.Minute).SetVal("OK")
	mock.ExpectGet("txstatus:tx-1").SetVal("processing")

	r := NewRepository(nil, rdb, &kafka.Writer{}, must(logger.NewLogger()))

	require.NoError(t, r.CacheStatus(context.Background(), "tx-1", "processing"))
	st, err := r.GetCachedStatus(context.Background(), "tx-1")
	require.NoError(t, err)
	assert.Equal(t, "processing", st)
}
