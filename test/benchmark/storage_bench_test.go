package benchmark

import (
	"context"
	"crypto/rand"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/TheMichaelB/cryptodo/internal/events"
	"github.com/TheMichaelB/cryptodo/internal/models"
	"github.com/TheMichaelB/cryptodo/internal/records"
)

type storeFactory func(b *testing.B) records.Store

func recordStores() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(b *testing.B) records.Store {
			return records.NewMemoryStore()
		},
		"sqlite": func(b *testing.B) records.Store {
			store, err := records.NewSQLiteStore(filepath.Join(b.TempDir(), "records.db"), events.NewNopLogger())
			if err != nil {
				b.Fatal(err)
			}
			b.Cleanup(func() { store.Close() })
			return store
		},
		"file": func(b *testing.B) records.Store {
			backend, err := records.NewFileBackend(b.TempDir(), events.NewNopLogger())
			if err != nil {
				b.Fatal(err)
			}
			return records.NewBlobStore(backend, "records", events.NewNopLogger())
		},
	}
}

func sealedRecord(id string, size int) *models.EncryptedRecord {
	nonce := make([]byte, 24)
	ciphertext := make([]byte, size)
	rand.Read(nonce)
	rand.Read(ciphertext)
	return &models.EncryptedRecord{
		RecordID:      id,
		SubjectID:     "u1",
		Nonce:         nonce,
		Ciphertext:    ciphertext,
		KeyGeneration: 1,
	}
}

func BenchmarkRecordPut(b *testing.B) {
	ctx := context.Background()
	for name, open := range recordStores() {
		b.Run(name, func(b *testing.B) {
			store := open(b)
			recs := make([]*models.EncryptedRecord, 100)
			for i := range recs {
				recs[i] = sealedRecord(fmt.Sprintf("r%d", i), 512)
			}

			b.ResetTimer()
			b.ReportAllocs()
			b.SetBytes(512)

			for i := 0; i < b.N; i++ {
				if _, err := store.Put(ctx, recs[i%len(recs)]); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkRecordGet(b *testing.B) {
	ctx := context.Background()
	for name, open := range recordStores() {
		b.Run(name, func(b *testing.B) {
			store := open(b)
			if _, err := store.Put(ctx, sealedRecord("r1", 512)); err != nil {
				b.Fatal(err)
			}

			b.ResetTimer()
			b.ReportAllocs()

			for i := 0; i < b.N; i++ {
				if _, err := store.Get(ctx, "u1", "r1"); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkRecordList(b *testing.B) {
	ctx := context.Background()
	for name, open := range recordStores() {
		for _, count := range []int{10, 100, 1000} {
			b.Run(fmt.Sprintf("%s/%d", name, count), func(b *testing.B) {
				store := open(b)
				for i := 0; i < count; i++ {
					if _, err := store.Put(ctx, sealedRecord(fmt.Sprintf("r%04d", i), 256)); err != nil {
						b.Fatal(err)
					}
				}

				b.ResetTimer()
				b.ReportAllocs()

				for i := 0; i < b.N; i++ {
					recs, err := store.List(ctx, "u1")
					if err != nil {
						b.Fatal(err)
					}
					if len(recs) != count {
						b.Fatalf("listed %d records, want %d", len(recs), count)
					}
				}
			})
		}
	}
}
