package todos_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/cryptodo/internal/crypto"
	"github.com/TheMichaelB/cryptodo/internal/events"
	"github.com/TheMichaelB/cryptodo/internal/keystore"
	"github.com/TheMichaelB/cryptodo/internal/models"
	"github.com/TheMichaelB/cryptodo/internal/records"
	"github.com/TheMichaelB/cryptodo/internal/services/keys"
	"github.com/TheMichaelB/cryptodo/internal/services/todos"
)

type fixture struct {
	keys    *keys.Service
	records *records.MemoryStore
}

func newFixture(t *testing.T, cipher models.CipherSuite) *fixture {
	t.Helper()
	recs := records.NewMemoryStore()
	svc, err := keys.NewService(keystore.NewMemoryStore(), recs, keys.Options{
		KDF:      models.KDFParams{Version: models.KDFPBKDF2, Iterations: 1000},
		Cipher:   cipher,
		SaltSize: crypto.SaltSize,
		Context:  crypto.DefaultContext,
	}, nil, events.NewNopLogger())
	require.NoError(t, err)
	return &fixture{keys: svc, records: recs}
}

func (f *fixture) session(t *testing.T, subject string, kdk []byte) *todos.Session {
	t.Helper()
	unlocker, err := keys.NewKDKUnlocker(kdk, crypto.DefaultContext)
	require.NoError(t, err)
	t.Cleanup(unlocker.Close)

	s, err := todos.NewSession(context.Background(), subject, f.keys, f.records, unlocker, todos.WithConcurrency(4))
	require.NoError(t, err)
	return s
}

func newKDK(t *testing.T) []byte {
	t.Helper()
	kdk, err := crypto.GenerateKDK()
	require.NoError(t, err)
	return kdk
}

func TestBuyMilk(t *testing.T) {
	for _, cipher := range []models.CipherSuite{models.CipherAES256GCM, models.CipherXChaCha20Poly1305} {
		t.Run(string(cipher), func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, cipher)
			kdk := newKDK(t)

			_, created, err := f.keys.GetOrCreate(ctx, "u1")
			require.NoError(t, err)
			require.True(t, created)

			s := f.session(t, "u1", kdk)
			added, err := s.Add(ctx, models.Todo{Text: "buy milk"})
			require.NoError(t, err)
			assert.Equal(t, 1, added.KeyGeneration)

			stored, err := f.records.Get(ctx, "u1", added.ID)
			require.NoError(t, err)
			assert.Len(t, stored.Nonce, cipher.NonceSize())
			assert.False(t, bytes.Contains(stored.Ciphertext, []byte("buy milk")))

			// A fresh session with the same KDK sees the plaintext.
			again := f.session(t, "u1", kdk)
			items, err := again.List(ctx)
			require.NoError(t, err)
			require.Len(t, items, 1)
			require.NoError(t, items[0].Err)
			assert.Equal(t, "buy milk", items[0].Todo.Text)

			// The wrong KDK fails without leaking anything.
			wrong := f.session(t, "u1", newKDK(t))
			items, err = wrong.List(ctx)
			require.NoError(t, err)
			require.Len(t, items, 1)
			assert.Nil(t, items[0].Todo)
			assert.ErrorIs(t, items[0].Err, models.ErrDecrypt)
			assert.Equal(t, models.ErrCodeDecrypt, models.CodeOf(items[0].Err))
		})
	}
}

func TestSessionRequiresProvisioning(t *testing.T) {
	f := newFixture(t, models.CipherAES256GCM)
	unlocker, err := keys.NewKDKUnlocker(newKDK(t), "")
	require.NoError(t, err)

	_, err = todos.NewSession(context.Background(), "nobody", f.keys, f.records, unlocker)
	assert.ErrorIs(t, err, models.ErrKeyNotProvisioned)
}

func TestSessionCRUD(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.CipherAES256GCM)
	_, _, err := f.keys.GetOrCreate(ctx, "u1")
	require.NoError(t, err)
	s := f.session(t, "u1", newKDK(t))

	added, err := s.Add(ctx, models.Todo{Text: "water plants", Priority: "low"})
	require.NoError(t, err)
	before, err := f.records.Get(ctx, "u1", added.ID)
	require.NoError(t, err)

	t.Run("get", func(t *testing.T) {
		item, err := s.Get(ctx, added.ID)
		require.NoError(t, err)
		assert.Equal(t, "water plants", item.Todo.Text)
		assert.Equal(t, "low", item.Todo.Priority)
	})

	t.Run("update reseals with a fresh nonce", func(t *testing.T) {
		item, err := s.Update(ctx, added.ID, models.Todo{Text: "water plants", Completed: true})
		require.NoError(t, err)
		assert.True(t, item.Todo.Completed)

		after, err := f.records.Get(ctx, "u1", added.ID)
		require.NoError(t, err)
		assert.NotEqual(t, before.Nonce, after.Nonce)
		assert.Equal(t, before.CreatedAt, after.CreatedAt)

		got, err := s.Get(ctx, added.ID)
		require.NoError(t, err)
		assert.True(t, got.Todo.Completed)
	})

	t.Run("update missing", func(t *testing.T) {
		_, err := s.Update(ctx, "missing", models.Todo{Text: "x"})
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("invalid todo", func(t *testing.T) {
		_, err := s.Add(ctx, models.Todo{Text: "  "})
		assert.ErrorIs(t, err, models.ErrInvalidArgument)
		_, err = s.Add(ctx, models.Todo{Text: "x", Priority: "urgent"})
		assert.ErrorIs(t, err, models.ErrInvalidArgument)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, s.Delete(ctx, added.ID))
		_, err := s.Get(ctx, added.ID)
		assert.ErrorIs(t, err, models.ErrNotFound)
	})
}

func TestTamperedRecordDoesNotHideOthers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.CipherXChaCha20Poly1305)
	_, _, err := f.keys.GetOrCreate(ctx, "u1")
	require.NoError(t, err)
	s := f.session(t, "u1", newKDK(t))

	good, err := s.Add(ctx, models.Todo{Text: "keep me"})
	require.NoError(t, err)
	bad, err := s.Add(ctx, models.Todo{Text: "tamper me"})
	require.NoError(t, err)

	rec, err := f.records.Get(ctx, "u1", bad.ID)
	require.NoError(t, err)
	rec.Ciphertext[0] ^= 0x01
	_, err = f.records.Put(ctx, rec)
	require.NoError(t, err)

	items, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)

	byID := map[string]todos.Item{}
	for _, item := range items {
		byID[item.ID] = item
	}
	require.NoError(t, byID[good.ID].Err)
	assert.Equal(t, "keep me", byID[good.ID].Todo.Text)
	assert.ErrorIs(t, byID[bad.ID].Err, models.ErrDecrypt)

	_, err = s.Get(ctx, bad.ID)
	assert.ErrorIs(t, err, models.ErrDecrypt)
}

func TestRecordsAreBoundToSubjectAndID(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.CipherAES256GCM)
	kdk := newKDK(t)
	for _, subject := range []string{"u1", "u2"} {
		_, _, err := f.keys.GetOrCreate(ctx, subject)
		require.NoError(t, err)
	}

	u1 := f.session(t, "u1", kdk)
	u2 := f.session(t, "u2", kdk)

	added, err := u1.Add(ctx, models.Todo{Text: "secret"})
	require.NoError(t, err)
	rec, err := f.records.Get(ctx, "u1", added.ID)
	require.NoError(t, err)

	t.Run("copied to another subject", func(t *testing.T) {
		moved := *rec
		moved.SubjectID = "u2"
		_, err := f.records.Put(ctx, &moved)
		require.NoError(t, err)

		_, err = u2.Get(ctx, rec.RecordID)
		assert.ErrorIs(t, err, models.ErrDecrypt)
	})

	t.Run("copied to another record id", func(t *testing.T) {
		moved := *rec
		moved.RecordID = "swapped"
		_, err := f.records.Put(ctx, &moved)
		require.NoError(t, err)

		_, err = u1.Get(ctx, "swapped")
		assert.ErrorIs(t, err, models.ErrDecrypt)
	})

	t.Run("relabelled generation", func(t *testing.T) {
		moved := *rec
		moved.RecordID = "relabelled"
		moved.KeyGeneration = 2
		_, err := f.records.Put(ctx, &moved)
		require.NoError(t, err)

		_, err = u1.Get(ctx, "relabelled")
		assert.ErrorIs(t, err, models.ErrDecrypt)
	})
}

func TestRotate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.CipherAES256GCM)
	kdk := newKDK(t)
	_, _, err := f.keys.GetOrCreate(ctx, "u1")
	require.NoError(t, err)
	s := f.session(t, "u1", kdk)

	texts := []string{"a", "b", "c", "d", "e", "f"}
	for _, text := range texts {
		_, err := s.Add(ctx, models.Todo{Text: text})
		require.NoError(t, err)
	}
	oldSalt := s.Material().Salt

	result, err := s.Rotate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Generation)
	assert.Equal(t, len(texts), result.Migrated)
	assert.NotEqual(t, oldSalt, s.Material().Salt)

	recs, err := f.records.List(ctx, "u1")
	require.NoError(t, err)
	for _, rec := range recs {
		assert.Equal(t, 2, rec.KeyGeneration)
	}

	fresh := f.session(t, "u1", kdk)
	items, err := fresh.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, len(texts))
	for i, item := range items {
		require.NoError(t, item.Err)
		assert.Equal(t, texts[i], item.Todo.Text)
	}
}

func TestRotateResumes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.CipherAES256GCM)
	kdk := newKDK(t)
	_, _, err := f.keys.GetOrCreate(ctx, "u1")
	require.NoError(t, err)
	s := f.session(t, "u1", kdk)

	old, err := s.Add(ctx, models.Todo{Text: "old"})
	require.NoError(t, err)

	// Another client began a rotation and stopped before committing.
	pending, err := f.keys.BeginRotation(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 2, pending.PendingGeneration)

	// Writes during the rotation use the pending generation.
	require.NoError(t, s.Refresh(ctx))
	during, err := s.Add(ctx, models.Todo{Text: "during"})
	require.NoError(t, err)
	assert.Equal(t, 2, during.KeyGeneration)

	// The old record is still readable before the commit.
	item, err := s.Get(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, "old", item.Todo.Text)

	_, err = f.keys.CommitRotation(ctx, "u1")
	assert.ErrorIs(t, err, models.ErrRotationConflict)

	result, err := s.Rotate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Generation)
	assert.Equal(t, 1, result.Migrated)

	items, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	for _, item := range items {
		require.NoError(t, item.Err)
	}
}

func TestSessionPicksUpRotationFromAnotherClient(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.CipherAES256GCM)
	kdk := newKDK(t)
	_, _, err := f.keys.GetOrCreate(ctx, "u1")
	require.NoError(t, err)

	stale := f.session(t, "u1", kdk)
	rotator := f.session(t, "u1", kdk)

	added, err := rotator.Add(ctx, models.Todo{Text: "moved"})
	require.NoError(t, err)
	_, err = rotator.Rotate(ctx)
	require.NoError(t, err)

	item, err := stale.Get(ctx, added.ID)
	require.NoError(t, err)
	assert.Equal(t, "moved", item.Todo.Text)
	assert.Equal(t, 2, stale.Material().Generation)
}

var _ todos.WriteGuard = (*keys.Service)(nil)

func TestStaleSessionWritesFollowPendingRotation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.CipherAES256GCM)
	kdk := newKDK(t)
	_, _, err := f.keys.GetOrCreate(ctx, "u1")
	require.NoError(t, err)
	s := f.session(t, "u1", kdk)

	old, err := s.Add(ctx, models.Todo{Text: "old"})
	require.NoError(t, err)
	require.Equal(t, 1, old.KeyGeneration)

	_, err = f.keys.BeginRotation(ctx, "u1")
	require.NoError(t, err)

	// The session still holds generation 1 material; the write is refused,
	// the material reloaded and the record sealed under the pending salt.
	added, err := s.Add(ctx, models.Todo{Text: "during"})
	require.NoError(t, err)
	assert.Equal(t, 2, added.KeyGeneration)
	assert.Equal(t, 2, s.Material().PendingGeneration)

	updated, err := s.Update(ctx, old.ID, models.Todo{Text: "old, edited"})
	require.NoError(t, err)
	assert.Equal(t, 2, updated.KeyGeneration)

	committed, err := f.keys.CommitRotation(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, committed.Generation)

	items, err := f.session(t, "u1", kdk).List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	for _, item := range items {
		require.NoError(t, item.Err)
	}
}

func TestUnreadableRecordIsReportedPerItem(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.CipherAES256GCM)
	_, _, err := f.keys.GetOrCreate(ctx, "u1")
	require.NoError(t, err)

	backend, err := records.NewFileBackend(t.TempDir(), events.NewNopLogger())
	require.NoError(t, err)
	blobs := records.NewBlobStore(backend, "records", events.NewNopLogger())

	unlocker, err := keys.NewKDKUnlocker(newKDK(t), crypto.DefaultContext)
	require.NoError(t, err)
	t.Cleanup(unlocker.Close)
	s, err := todos.NewSession(ctx, "u1", f.keys, blobs, unlocker)
	require.NoError(t, err)

	good, err := s.Add(ctx, models.Todo{Text: "keep me"})
	require.NoError(t, err)
	bad, err := s.Add(ctx, models.Todo{Text: "lose me"})
	require.NoError(t, err)

	require.NoError(t, backend.PutObject(ctx, "records/u1/"+bad.ID+".json", []byte(`{"record_id":`), ""))

	items, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)

	byID := map[string]todos.Item{}
	for _, item := range items {
		byID[item.ID] = item
	}
	require.NoError(t, byID[good.ID].Err)
	assert.Equal(t, "keep me", byID[good.ID].Todo.Text)
	assert.ErrorIs(t, byID[bad.ID].Err, models.ErrDecrypt)

	_, err = s.Get(ctx, bad.ID)
	assert.ErrorIs(t, err, models.ErrDecrypt)
}
