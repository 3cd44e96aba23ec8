package store

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/i474232898/air-quality-ingestion/internal/common"
	"github.com/i474232898/air-quality-ingestion/internal/logging"
)

// SQLSTATE codes treated as transient lock conflicts.
const (
	codeDeadlock             = "40P01"
	codeLockNotAvailable     = "55P03"
	codeSerializationFailure = "40001"
)

// RetryPolicy controls how a transaction is retried after a lock conflict.
// With the defaults the waits are 2s, 4s and 8s.
type RetryPolicy struct {
	MaxRetries      uint64
	InitialInterval time.Duration
}

// DefaultRetryPolicy retries three times starting at two seconds.
var DefaultRetryPolicy = RetryPolicy{MaxRetries: 3, InitialInterval: 2 * time.Second}

// IsTransientLock reports whether err is a deadlock or lock timeout worth retrying.
func IsTransientLock(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeDeadlock, codeLockNotAvailable, codeSerializationFailure:
			return true
		}
		return false
	}
	return common.ContainsAnyFold(err.Error(), "deadlock", "lock wait timeout", "could not obtain lock")
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = p.InitialInterval << p.MaxRetries
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, p.MaxRetries), ctx)
}

// Do runs op and retries it while it fails with a transient lock error.
// Other errors are returned immediately.
func (p RetryPolicy) Do(ctx context.Context, name string, op func() error) error {
	if p.InitialInterval <= 0 {
		p = DefaultRetryPolicy
	}
	operation := func() error {
		err := op()
		if err != nil && !IsTransientLock(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		logging.Warn().Err(err).Str("op", name).Dur("retry_in", wait).Msg("lock conflict, retrying transaction")
	}
	return backoff.RetryNotify(operation, p.backOff(ctx), notify)
}
