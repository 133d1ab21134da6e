package kvenv

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testEngines = []string{EngineBadger, EnginePebble}

func openTestEnv(t *testing.T, engine string) (Env, func()) {
	tmpDir := filepath.Join(os.TempDir(), fmt.Sprintf("kvenv_%s_test_%s", engine, time.Now().Format("20060102150405.000000")))
	require.NoError(t, os.MkdirAll(tmpDir, 0755))

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	env, err := Open(Options{
		Engine:     engine,
		Dir:        tmpDir,
		SyncWrites: false, // faster for tests
		Logger:     logger,
	})
	require.NoError(t, err)
	require.NotNil(t, env)
	require.Equal(t, engine, env.Engine())

	cleanup := func() {
		env.Close()
		os.RemoveAll(tmpDir)
	}
	return env, cleanup
}

func TestOpenUnknownEngine(t *testing.T) {
	_, err := Open(Options{Engine: "lmdb", Dir: os.TempDir()})
	assert.ErrorIs(t, err, ErrUnknownEngine)
}

func TestEnvBasicOperations(t *testing.T) {
	for _, engine := range testEngines {
		t.Run(engine, func(t *testing.T) {
			env, cleanup := openTestEnv(t, engine)
			defer cleanup()

			t.Run("put and get", func(t *testing.T) {
				err := Update(env, func(txn Txn) error {
					return txn.Set([]byte("alpha"), []byte("one"))
				})
				require.NoError(t, err)

				err = View(env, func(txn Txn) error {
					val, err := txn.Get([]byte("alpha"))
					require.NoError(t, err)
					assert.Equal(t, []byte("one"), val)
					return nil
				})
				require.NoError(t, err)
			})

			t.Run("missing key", func(t *testing.T) {
				err := View(env, func(txn Txn) error {
					_, err := txn.Get([]byte("missing"))
					assert.ErrorIs(t, err, ErrKeyNotFound)
					return nil
				})
				require.NoError(t, err)
			})

			t.Run("overwrite", func(t *testing.T) {
				err := Update(env, func(txn Txn) error {
					return txn.Set([]byte("alpha"), []byte("two"))
				})
				require.NoError(t, err)

				err = View(env, func(txn Txn) error {
					val, err := txn.Get([]byte("alpha"))
					require.NoError(t, err)
					assert.Equal(t, []byte("two"), val)
					return nil
				})
				require.NoError(t, err)
			})

			t.Run("delete", func(t *testing.T) {
				err := Update(env, func(txn Txn) error {
					return txn.Delete([]byte("alpha"))
				})
				require.NoError(t, err)

				err = View(env, func(txn Txn) error {
					_, err := txn.Get([]byte("alpha"))
					assert.ErrorIs(t, err, ErrKeyNotFound)
					return nil
				})
				require.NoError(t, err)

				// Deleting an absent key is not an error.
				err = Update(env, func(txn Txn) error {
					return txn.Delete([]byte("alpha"))
				})
				require.NoError(t, err)
			})

			t.Run("read transactions refuse writes", func(t *testing.T) {
				err := View(env, func(txn Txn) error {
					assert.ErrorIs(t, txn.Set([]byte("x"), []byte("y")), ErrTxnReadOnly)
					assert.ErrorIs(t, txn.Delete([]byte("x")), ErrTxnReadOnly)
					return nil
				})
				require.NoError(t, err)
			})

			t.Run("read own writes", func(t *testing.T) {
				err := Update(env, func(txn Txn) error {
					if err := txn.Set([]byte("pending"), []byte("val")); err != nil {
						return err
					}
					val, err := txn.Get([]byte("pending"))
					require.NoError(t, err)
					assert.Equal(t, []byte("val"), val)
					return nil
				})
				require.NoError(t, err)
			})
		})
	}
}

func TestEnvDiscardLeavesStateUnchanged(t *testing.T) {
	for _, engine := range testEngines {
		t.Run(engine, func(t *testing.T) {
			env, cleanup := openTestEnv(t, engine)
			defer cleanup()

			require.NoError(t, Update(env, func(txn Txn) error {
				return txn.Set([]byte("kept"), []byte("v1"))
			}))

			// An error from fn discards the transaction.
			sentinel := fmt.Errorf("boom")
			err := Update(env, func(txn Txn) error {
				if err := txn.Set([]byte("kept"), []byte("v2")); err != nil {
					return err
				}
				if err := txn.Set([]byte("extra"), []byte("x")); err != nil {
					return err
				}
				return sentinel
			})
			assert.ErrorIs(t, err, sentinel)

			require.NoError(t, View(env, func(txn Txn) error {
				val, err := txn.Get([]byte("kept"))
				require.NoError(t, err)
				assert.Equal(t, []byte("v1"), val)

				_, err = txn.Get([]byte("extra"))
				assert.ErrorIs(t, err, ErrKeyNotFound)
				return nil
			}))
		})
	}
}

func TestEnvIteration(t *testing.T) {
	seed := map[string]string{
		"a:1": "v1",
		"a:2": "v2",
		"a:3": "v3",
		"b:1": "w1",
		"b:2": "w2",
		"c:1": "x1",
	}

	for _, engine := range testEngines {
		t.Run(engine, func(t *testing.T) {
			env, cleanup := openTestEnv(t, engine)
			defer cleanup()

			require.NoError(t, Update(env, func(txn Txn) error {
				for k, v := range seed {
					if err := txn.Set([]byte(k), []byte(v)); err != nil {
						return err
					}
				}
				return nil
			}))

			collect := func(txn Txn, opts IterOptions) []string {
				it := txn.NewIterator(opts)
				defer it.Close()

				var keys []string
				for it.Rewind(); it.Valid(); it.Next() {
					keys = append(keys, string(it.Key()))
				}
				return keys
			}

			require.NoError(t, View(env, func(txn Txn) error {
				t.Run("prefix bounds", func(t *testing.T) {
					assert.Equal(t, []string{"a:1", "a:2", "a:3"}, collect(txn, IterOptions{Prefix: []byte("a:")}))
					assert.Equal(t, []string{"b:1", "b:2"}, collect(txn, IterOptions{Prefix: []byte("b:")}))
					assert.Empty(t, collect(txn, IterOptions{Prefix: []byte("z:")}))
				})

				t.Run("explicit bounds", func(t *testing.T) {
					keys := collect(txn, IterOptions{LowerBound: []byte("a:2"), UpperBound: []byte("b:2")})
					assert.Equal(t, []string{"a:2", "a:3", "b:1"}, keys)
				})

				t.Run("open upper bound", func(t *testing.T) {
					keys := collect(txn, IterOptions{LowerBound: []byte("b:2")})
					assert.Equal(t, []string{"b:2", "c:1"}, keys)
				})

				t.Run("full scan is ordered", func(t *testing.T) {
					keys := collect(txn, IterOptions{})
					assert.Equal(t, []string{"a:1", "a:2", "a:3", "b:1", "b:2", "c:1"}, keys)
				})

				t.Run("seek", func(t *testing.T) {
					it := txn.NewIterator(IterOptions{Prefix: []byte("a:"), PrefetchValues: true})
					defer it.Close()

					it.Seek([]byte("a:2"))
					require.True(t, it.Valid())
					assert.Equal(t, "a:2", string(it.Key()))

					val, err := it.Value()
					require.NoError(t, err)
					assert.Equal(t, "v2", string(val))

					// Seeking below the bounds clamps to the first key.
					it.Seek([]byte("0"))
					require.True(t, it.Valid())
					assert.Equal(t, "a:1", string(it.Key()))
				})
				return nil
			}))
		})
	}
}

func TestEnvSnapshotIsolation(t *testing.T) {
	for _, engine := range testEngines {
		t.Run(engine, func(t *testing.T) {
			env, cleanup := openTestEnv(t, engine)
			defer cleanup()

			require.NoError(t, Update(env, func(txn Txn) error {
				return txn.Set([]byte("k"), []byte("old"))
			}))

			readTxn, err := env.BeginTxn(false)
			require.NoError(t, err)
			defer readTxn.Discard()

			require.NoError(t, Update(env, func(txn Txn) error {
				return txn.Set([]byte("k"), []byte("new"))
			}))

			// The read transaction still observes its snapshot.
			val, err := readTxn.Get([]byte("k"))
			require.NoError(t, err)
			assert.Equal(t, []byte("old"), val)

			require.NoError(t, View(env, func(txn Txn) error {
				val, err := txn.Get([]byte("k"))
				require.NoError(t, err)
				assert.Equal(t, []byte("new"), val)
				return nil
			}))
		})
	}
}

func TestEnvSections(t *testing.T) {
	for _, engine := range testEngines {
		t.Run(engine, func(t *testing.T) {
			env, cleanup := openTestEnv(t, engine)
			defer cleanup()

			users, err := env.OpenSection("users")
			require.NoError(t, err)
			scoped, err := env.OpenSection("users_scoped")
			require.NoError(t, err)

			require.NoError(t, Update(env, func(txn Txn) error {
				if err := txn.Set(users.Key([]byte("k")), []byte("plain")); err != nil {
					return err
				}
				return txn.Set(scoped.Key([]byte("k")), []byte("scoped"))
			}))

			require.NoError(t, View(env, func(txn Txn) error {
				it := txn.NewIterator(IterOptions{Prefix: users.Prefix(), PrefetchValues: true})
				defer it.Close()

				var keys []string
				for it.Rewind(); it.Valid(); it.Next() {
					rel, ok := users.Trim(it.Key())
					require.True(t, ok)
					keys = append(keys, string(rel))

					val, err := it.Value()
					require.NoError(t, err)
					assert.Equal(t, "plain", string(val))
				}
				// The "users_scoped" section must not bleed into "users".
				assert.Equal(t, []string{"k"}, keys)
				return nil
			}))
		})
	}
}

func TestOpenSectionValidation(t *testing.T) {
	env, cleanup := openTestEnv(t, EngineBadger)
	defer cleanup()

	for _, name := range []string{"", "has space", "has:colon", "x/y"} {
		_, err := env.OpenSection(name)
		assert.ErrorIs(t, err, ErrInvalidSectionName, "section name %q", name)
	}

	for _, name := range []string{"users", "users_scoped", "__scope_registry", "a.b-c"} {
		_, err := env.OpenSection(name)
		assert.NoError(t, err, "section name %q", name)
	}
}

func TestSectionTrim(t *testing.T) {
	sec, err := newSection("users")
	require.NoError(t, err)

	rel, ok := sec.Trim(sec.Key([]byte("abc")))
	require.True(t, ok)
	assert.Equal(t, []byte("abc"), rel)

	_, ok = sec.Trim([]byte("other:abc"))
	assert.False(t, ok)

	_, ok = sec.Trim([]byte("use"))
	assert.False(t, ok)
}

func TestPrefixEnd(t *testing.T) {
	assert.Equal(t, []byte{0x02}, PrefixEnd([]byte{0x01}))
	assert.Equal(t, []byte{0x02}, PrefixEnd([]byte{0x01, 0xFF}))
	assert.Equal(t, []byte{0x01, 0x02}, PrefixEnd([]byte{0x01, 0x01}))
	assert.Nil(t, PrefixEnd([]byte{0xFF, 0xFF}))
	assert.Nil(t, PrefixEnd(nil))
}

func TestEnvClosed(t *testing.T) {
	env, cleanup := openTestEnv(t, EngineBadger)
	defer cleanup()

	require.NoError(t, env.Close())
	// Close is idempotent.
	require.NoError(t, env.Close())

	_, err := env.BeginTxn(false)
	assert.ErrorIs(t, err, ErrEnvClosed)
}

func TestEnvBackup(t *testing.T) {
	for _, engine := range testEngines {
		t.Run(engine, func(t *testing.T) {
			env, cleanup := openTestEnv(t, engine)
			defer cleanup()

			require.NoError(t, Update(env, func(txn Txn) error {
				return txn.Set([]byte("k"), []byte("v"))
			}))

			target := filepath.Join(os.TempDir(), fmt.Sprintf("kvenv_backup_%s_%d", engine, time.Now().UnixNano()))
			defer os.RemoveAll(target)

			require.NoError(t, env.Backup(target))

			info, err := os.Stat(target)
			require.NoError(t, err)
			if engine == EnginePebble {
				assert.True(t, info.IsDir())
			} else {
				assert.Greater(t, info.Size(), int64(0))
			}
		})
	}
}
