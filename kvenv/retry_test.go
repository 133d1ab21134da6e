package kvenv

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Badger detects write-write conflicts optimistically: a transaction that
// read a key another transaction committed to in the meantime fails at
// commit time with ErrConflict.
func TestBadgerWriteConflict(t *testing.T) {
	env, cleanup := openTestEnv(t, EngineBadger)
	defer cleanup()

	require.NoError(t, Update(env, func(txn Txn) error {
		return txn.Set([]byte("counter"), []byte("0"))
	}))

	txnA, err := env.BeginTxn(true)
	require.NoError(t, err)
	defer txnA.Discard()

	_, err = txnA.Get([]byte("counter"))
	require.NoError(t, err)

	// A competing writer commits the key txnA read.
	require.NoError(t, Update(env, func(txn Txn) error {
		return txn.Set([]byte("counter"), []byte("1"))
	}))

	require.NoError(t, txnA.Set([]byte("counter"), []byte("2")))
	assert.ErrorIs(t, txnA.Commit(), ErrConflict)

	// The competing writer's value survives.
	require.NoError(t, View(env, func(txn Txn) error {
		val, err := txn.Get([]byte("counter"))
		require.NoError(t, err)
		assert.Equal(t, []byte("1"), val)
		return nil
	}))
}

func TestUpdateWithRetryRecoversFromConflict(t *testing.T) {
	env, cleanup := openTestEnv(t, EngineBadger)
	defer cleanup()

	require.NoError(t, Update(env, func(txn Txn) error {
		return txn.Set([]byte("counter"), []byte("0"))
	}))

	attempts := 0
	err := UpdateWithRetry(context.Background(), env, func(txn Txn) error {
		attempts++
		if _, err := txn.Get([]byte("counter")); err != nil {
			return err
		}
		if attempts == 1 {
			// Force a conflict on the first attempt only.
			if err := Update(env, func(inner Txn) error {
				return inner.Set([]byte("counter"), []byte("interfering"))
			}); err != nil {
				return err
			}
		}
		return txn.Set([]byte("counter"), []byte("done"))
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	require.NoError(t, View(env, func(txn Txn) error {
		val, err := txn.Get([]byte("counter"))
		require.NoError(t, err)
		assert.Equal(t, []byte("done"), val)
		return nil
	}))
}

func TestUpdateWithRetryDoesNotRetryOtherErrors(t *testing.T) {
	for _, engine := range testEngines {
		t.Run(engine, func(t *testing.T) {
			env, cleanup := openTestEnv(t, engine)
			defer cleanup()

			sentinel := errors.New("permanent failure")
			attempts := 0
			err := UpdateWithRetry(context.Background(), env, func(txn Txn) error {
				attempts++
				return sentinel
			})
			assert.ErrorIs(t, err, sentinel)
			assert.Equal(t, 1, attempts)
		})
	}
}
