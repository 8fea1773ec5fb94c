package request

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dogtagpki/pki-sub041/storage/memory"
)

func newTestDedup(t *testing.T) (*Deduplicator, *Queue, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	q := NewQueue(store)
	return NewDeduplicator(q), q, store
}

func TestResolve_CreatesOnFirstSight(t *testing.T) {
	ctx := context.Background()
	d, _, _ := newTestDedup(t)

	req, isNew, err := d.Resolve(ctx, "RA1:42", TypeEnrollment, ExtData{ExtProfileID: "caServerCert"})
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, StatusPending, req.Status)
	assert.Equal(t, "caServerCert", req.ExtData[ExtProfileID])
}

func TestResolve_SequentialDuplicate(t *testing.T) {
	ctx := context.Background()
	d, q, _ := newTestDedup(t)

	first, isNew, err := d.Resolve(ctx, "RA1:42", TypeEnrollment, nil)
	require.NoError(t, err)
	require.True(t, isNew)

	// Simulate the pipeline completing before the retry arrives.
	first.Status = StatusComplete
	first.ExtData = ExtData{ExtSerialNumber: "0f", ExtIssuedCert: "Y2VydA=="}
	require.NoError(t, q.UpdateRequest(ctx, first, "raAgent"))

	second, isNew, err := d.Resolve(ctx, "RA1:42", TypeEnrollment, nil)
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, StatusComplete, second.Status)
	assert.Equal(t, "0f", second.ExtData[ExtSerialNumber])
	// The duplicate lookup must not disturb processing attribution.
	assert.Equal(t, "raAgent", second.UpdatedBy)
}

func TestResolve_ConcurrentSameSourceID(t *testing.T) {
	ctx := context.Background()
	d, _, _ := newTestDedup(t)

	const n = 32
	var wg sync.WaitGroup
	ids := make([]string, n)
	news := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req, isNew, err := d.Resolve(ctx, "RA1:42", TypeEnrollment, nil)
			require.NoError(t, err)
			ids[i] = req.ID
			news[i] = isNew
		}(i)
	}
	wg.Wait()

	creators := 0
	for i := 0; i < n; i++ {
		assert.Equal(t, ids[0], ids[i], "all submissions must resolve to the same request")
		if news[i] {
			creators++
		}
	}
	assert.Equal(t, 1, creators, "exactly one submission creates the request")
}

func TestResolve_DistinctSourceIDsDoNotCollide(t *testing.T) {
	ctx := context.Background()
	d, _, _ := newTestDedup(t)

	a, isNewA, err := d.Resolve(ctx, "RA1:1", TypeEnrollment, nil)
	require.NoError(t, err)
	b, isNewB, err := d.Resolve(ctx, "RA2:1", TypeEnrollment, nil)
	require.NoError(t, err)

	assert.True(t, isNewA)
	assert.True(t, isNewB)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestResolve_CorruptionIsFatal(t *testing.T) {
	ctx := context.Background()
	d, _, store := newTestDedup(t)

	req, _, err := d.Resolve(ctx, "RA1:13", TypeRevocation, nil)
	require.NoError(t, err)

	store.DropRecord(req.ID)

	_, _, err = d.Resolve(ctx, "RA1:13", TypeRevocation, nil)
	assert.ErrorIs(t, err, ErrQueueCorruption)
}

func TestKeyedMutex_EntriesReleased(t *testing.T) {
	km := newKeyedMutex()

	unlock := km.lock("RA1:1")
	unlock()

	km.mu.Lock()
	defer km.mu.Unlock()
	assert.Empty(t, km.entries)
}
