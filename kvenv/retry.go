package kvenv

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
)

// View runs fn inside a read-only transaction, which is always discarded.
func View(env Env, fn func(Txn) error) error {
	txn, err := env.BeginTxn(false)
	if err != nil {
		return err
	}
	defer txn.Discard()
	return fn(txn)
}

// Update runs fn inside a write transaction and commits when fn returns nil.
// A non-nil error from fn discards the transaction and is returned unchanged;
// nothing is retried here.
func Update(env Env, fn func(Txn) error) error {
	txn, err := env.BeginTxn(true)
	if err != nil {
		return err
	}
	defer txn.Discard()

	if err := fn(txn); err != nil {
		return err
	}
	return txn.Commit()
}

// UpdateWithRetry is Update plus Fibonacci backoff on ErrConflict, for
// callers using Badger's optimistic write transactions. fn may run several
// times and must be idempotent within the transaction it is handed. Every
// other error, and context cancellation, is returned without retrying.
func UpdateWithRetry(ctx context.Context, env Env, fn func(Txn) error) error {
	b := retry.NewFibonacci(10 * time.Millisecond)
	return retry.Do(ctx, retry.WithMaxRetries(5, b), func(ctx context.Context) error {
		if err := Update(env, fn); err != nil {
			if errors.Is(err, ErrConflict) {
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
}
