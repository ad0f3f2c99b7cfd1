package ratelimit

import (
	"context"
	"testing"
	"time"

	"auction-engine/internal/clock"

	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTest(t *testing.T) (*redis.Client, redismock.ClientMock, func()) {
	db, mock := redismock.NewClientMock()
	return db, mock, func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	}
}

func TestLimiter_Allow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name          string
		reply         []interface{}
		wantAllowed   bool
		wantRemaining int
	}{
		{name: "first_request", reply: []interface{}{int64(1), int64(1)}, wantAllowed: true, wantRemaining: 4},
		{name: "last_slot", reply: []interface{}{int64(1), int64(5)}, wantAllowed: true, wantRemaining: 0},
		{name: "over_limit", reply: []interface{}{int64(0), int64(5)}, wantAllowed: false, wantRemaining: 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			client, mock, cleanup := setupTest(t)
			defer cleanup()

			mock.Regexp().ExpectEvalSha(".*", []string{"test:ratelimit:user1"}, ".*", "60000", "5", ".*").SetVal(tc.reply)

			limiter := New(client, "test:", 5, time.Minute, clock.NewManual(now))
			d, err := limiter.Allow(context.Background(), "user1")
			require.NoError(t, err)
			require.Equal(t, tc.wantAllowed, d.Allowed)
			require.Equal(t, tc.wantRemaining, d.Remaining)
			require.Equal(t, 5, d.Limit)
		})
	}
}

func TestLimiter_Allow_RedisError(t *testing.T) {
	client, mock, cleanup := setupTest(t)
	defer cleanup()

	mock.Regexp().ExpectEvalSha(".*", []string{"ratelimit:user1"}, ".*", ".*", ".*", ".*").SetErr(redis.ErrClosed)

	_, err := New(client, "", 5, time.Minute, nil).Allow(context.Background(), "user1")
	require.ErrorIs(t, err, redis.ErrClosed)
}

func TestLimiter_Disabled(t *testing.T) {
	client, _, cleanup := setupTest(t)
	defer cleanup()

	d, err := New(client, "", 0, time.Minute, nil).Allow(context.Background(), "user1")
	require.NoError(t, err)
	require.True(t, d.Allowed)
}
