package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, InitialInterval: time.Millisecond}
}

func TestIsTransientLock(t *testing.T) {
	assert.True(t, IsTransientLock(&pgconn.PgError{Code: "40P01"}))
	assert.True(t, IsTransientLock(&pgconn.PgError{Code: "55P03"}))
	assert.True(t, IsTransientLock(&pgconn.PgError{Code: "40001"}))
	assert.False(t, IsTransientLock(&pgconn.PgError{Code: "23505"}))
	assert.True(t, IsTransientLock(errors.New("Deadlock found when trying to get lock")))
	assert.False(t, IsTransientLock(errors.New("connection refused")))
	assert.False(t, IsTransientLock(nil))
}

func TestRetryRecoversFromDeadlock(t *testing.T) {
	calls := 0
	err := fastPolicy().Do(context.Background(), "test", func() error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: "40P01", Message: "deadlock detected"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryGivesUpAfterThreeRetries(t *testing.T) {
	calls := 0
	err := fastPolicy().Do(context.Background(), "test", func() error {
		calls++
		return &pgconn.PgError{Code: "55P03"}
	})
	var pgErr *pgconn.PgError
	require.ErrorAs(t, err, &pgErr)
	assert.Equal(t, 4, calls, "one attempt plus three retries")
}

func TestRetryDoesNotRetryPermanentErrors(t *testing.T) {
	calls := 0
	boom := errors.New("syntax error")
	err := fastPolicy().Do(context.Background(), "test", func() error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestDefaultPolicyWaitsDouble(t *testing.T) {
	b := DefaultRetryPolicy.backOff(context.Background())
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, w := range want {
		assert.Equal(t, w, b.NextBackOff(), "retry %d", i+1)
	}
	assert.Equal(t, time.Duration(-1), b.NextBackOff(), "no fourth retry")
}
