package storage

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbarhandoff/backend/internal/db"
	apperrors "github.com/sbarhandoff/backend/internal/errors"
	"github.com/sbarhandoff/backend/internal/models"
	"github.com/sbarhandoff/backend/internal/sync/codec"
	"github.com/sbarhandoff/backend/internal/sync/queue"
)

var (
	_ queue.Store = (*Memory)(nil)
	_ queue.Store = (*SQLite)(nil)
	_ queue.Store = (*Redis)(nil)
	_ queue.Store = (*Encrypted)(nil)
)

type backend interface {
	queue.Store
	Close() error
}

func newSQLiteStore(t *testing.T) *SQLite {
	t.Helper()
	database, err := db.Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, db.NewMigrator(database, db.AgentMigrations()).Migrate())
	s := NewSQLite(database)
	t.Cleanup(func() { s.Close() })
	return s
}

func backends(t *testing.T) map[string]backend {
	t.Helper()
	out := map[string]backend{
		"memory": NewMemory(),
		"sqlite": newSQLiteStore(t),
	}
	if url := os.Getenv("REDIS_URL"); url != "" {
		r, err := NewRedis(context.Background(), url, "handoff-test-"+t.Name())
		require.NoError(t, err)
		t.Cleanup(func() { r.Close() })
		out["redis"] = r
	}
	return out
}

func TestStore_contract(t *testing.T) {
	ctx := context.Background()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			v, err := s.Get(ctx, "missing")
			require.NoError(t, err)
			assert.Nil(t, v, "missing key reads as nil")

			require.NoError(t, s.Set(ctx, "k", []byte("one")))
			v, err = s.Get(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, []byte("one"), v)

			require.NoError(t, s.Set(ctx, "k", []byte("two")))
			v, err = s.Get(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, []byte("two"), v)

			require.NoError(t, s.Delete(ctx, "k"))
			v, err = s.Get(ctx, "k")
			require.NoError(t, err)
			assert.Nil(t, v)

			require.NoError(t, s.Delete(ctx, "k"), "deleting a missing key is not an error")
		})
	}
}

func TestMemory_copiesValues(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	value := []byte("abc")
	require.NoError(t, m.Set(ctx, "k", value))
	value[0] = 'x'

	got, _ := m.Get(ctx, "k")
	assert.Equal(t, []byte("abc"), got)

	got[1] = 'y'
	again, _ := m.Get(ctx, "k")
	assert.Equal(t, []byte("abc"), again)
}

func TestSQLite_binaryValuesAndReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	ops := []models.PendingOperation{{ID: "op-1", Type: models.OperationEvolution, Data: map[string]interface{}{"s": "x"}, Timestamp: 42}}
	payload, err := codec.Msgpack{}.Encode(ops)
	require.NoError(t, err)

	database, err := db.Open(dir)
	require.NoError(t, err)
	require.NoError(t, db.NewMigrator(database, db.AgentMigrations()).Migrate())
	require.NoError(t, NewSQLite(database).Set(ctx, queue.StorageKey, payload))
	require.NoError(t, database.Close())

	database, err = db.Open(dir)
	require.NoError(t, err)
	s := NewSQLite(database)
	defer s.Close()

	got, err := s.Get(ctx, queue.StorageKey)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestSQLite_errorsAreStorageErrors(t *testing.T) {
	database, err := db.OpenSQLite(":memory:")
	require.NoError(t, err)
	s := NewSQLite(database)
	defer s.Close()

	// no migrations: kv_store does not exist
	_, err = s.Get(context.Background(), "k")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrStorage))
}

func TestRedis_namespacedKey(t *testing.T) {
	r := NewRedisWithClient(nil, "handoff")
	assert.Equal(t, "handoff:queue", r.key("queue"))

	bare := NewRedisWithClient(nil, "")
	assert.Equal(t, "queue", bare.key("queue"))
}

func TestNewRedis_invalidURL(t *testing.T) {
	_, err := NewRedis(context.Background(), "not-a-url://", "ns")
	require.Error(t, err)
}

// The queue survives a restart on the SQLite backend.
func TestSQLite_queueRestart(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)

	q, err := queue.New(ctx, queue.Options{
		Store:    s,
		Executor: queue.ExecutorFunc(func(context.Context, models.PendingOperation) error { return nil }),
	})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, models.OperationPatient, map[string]interface{}{"name": "Ana"}, queue.WithPatient("p-1", "Ana"))
	require.NoError(t, err)
	q.Close()

	restarted, err := queue.New(ctx, queue.Options{
		Store:    s,
		Executor: queue.ExecutorFunc(func(context.Context, models.PendingOperation) error { return nil }),
	})
	require.NoError(t, err)
	defer restarted.Close()

	pending := restarted.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "p-1", pending[0].PatientID)
	assert.Equal(t, "Ana", pending[0].Data["name"])
}

func TestEncrypted_sealsAtRest(t *testing.T) {
	ctx := context.Background()
	inner := NewMemory()
	enc, err := NewEncrypted(inner, "ward-7-secret")
	require.NoError(t, err)

	plain := []byte(`{"patientName":"Ana Souza"}`)
	require.NoError(t, enc.Set(ctx, queue.StorageKey, plain))

	raw, err := inner.Get(ctx, queue.StorageKey)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "Ana Souza")

	got, err := enc.Get(ctx, queue.StorageKey)
	require.NoError(t, err)
	assert.Equal(t, plain, got)

	missing, err := enc.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, enc.Delete(ctx, queue.StorageKey))
	got, err = enc.Get(ctx, queue.StorageKey)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestEncrypted_rejectsForeignValues(t *testing.T) {
	ctx := context.Background()
	inner := NewMemory()
	enc, err := NewEncrypted(inner, "first")
	require.NoError(t, err)
	require.NoError(t, enc.Set(ctx, "a", []byte("payload")))

	other, err := NewEncrypted(inner, "second")
	require.NoError(t, err)
	_, err = other.Get(ctx, "a")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrStorage))

	// a value moved to another key does not open
	raw, _ := inner.Get(ctx, "a")
	require.NoError(t, inner.Set(ctx, "b", raw))
	_, err = enc.Get(ctx, "b")
	assert.True(t, apperrors.Is(err, apperrors.ErrStorage))

	require.NoError(t, inner.Set(ctx, "c", []byte("plain text")))
	_, err = enc.Get(ctx, "c")
	assert.True(t, apperrors.Is(err, apperrors.ErrStorage))
}

func TestNewEncrypted_emptyKey(t *testing.T) {
	_, err := NewEncrypted(NewMemory(), "")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrConfig))
}
