package memory

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dogtagpki/pki-sub041/storage"
)

func TestStore_CreateAndGet(t *testing.T) {
	s := NewStore()

	id, err := s.Create(&storage.Record{
		SourceID: "RA1:42",
		Type:     "enrollment",
		Status:   "pending",
		ExtData:  map[string]string{"profileId": "caServerCert"},
	})
	require.NoError(t, err)
	assert.Equal(t, "1", id)

	rec, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "RA1:42", rec.SourceID)
	assert.Equal(t, "caServerCert", rec.ExtData["profileId"])

	got, err := s.LookupSourceID("RA1:42")
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestStore_CreateDuplicateSourceID(t *testing.T) {
	s := NewStore()

	_, err := s.Create(&storage.Record{SourceID: "RA1:1", Status: "pending"})
	require.NoError(t, err)

	_, err = s.Create(&storage.Record{SourceID: "RA1:1", Status: "pending"})
	assert.ErrorIs(t, err, storage.ErrSourceIDExists)
}

func TestStore_GetNotFound(t *testing.T) {
	s := NewStore()

	_, err := s.Get("999")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = s.LookupSourceID("RA9:9")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_Update(t *testing.T) {
	s := NewStore()

	id, err := s.Create(&storage.Record{SourceID: "RA1:7", Status: "pending"})
	require.NoError(t, err)

	rec, err := s.Get(id)
	require.NoError(t, err)
	rec.Status = "complete"
	require.NoError(t, s.Update(rec))

	got, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "complete", got.Status)

	assert.ErrorIs(t, s.Update(&storage.Record{ID: "999"}), storage.ErrNotFound)
}

func TestStore_ClonesOnReadAndWrite(t *testing.T) {
	s := NewStore()

	ext := map[string]string{"k": "v"}
	id, err := s.Create(&storage.Record{SourceID: "RA1:3", ExtData: ext})
	require.NoError(t, err)

	// Mutating the caller's map must not leak into the store.
	ext["k"] = "mutated"
	rec, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "v", rec.ExtData["k"])

	// Mutating a returned record must not leak either.
	rec.ExtData["k"] = "mutated"
	again, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "v", again.ExtData["k"])
}

func TestStore_ConcurrentCreateUniqueIDs(t *testing.T) {
	s := NewStore()

	const n = 50
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := s.Create(&storage.Record{SourceID: "RA1:" + string(rune('A'+i%26)) + string(rune('a'+i/26))})
			require.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool, n)
	for _, id := range ids {
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}
