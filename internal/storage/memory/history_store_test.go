package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/gated-doc-capture/internal/capture"
	"github.com/JakeFAU/gated-doc-capture/internal/storage"
)

func TestHistoryStoreLifecycle(t *testing.T) {
	t.Parallel()

	store := NewHistoryStore(2)
	ctx := context.Background()

	require.Error(t, store.RecordJob(ctx, capture.JobRecord{}))

	rec := capture.JobRecord{JobID: "job-1", Phase: capture.PhaseFailed, Kind: capture.KindOtpTimeout, Pages: []int{1, 2}}
	require.NoError(t, store.RecordJob(ctx, rec))

	got, err := store.LookupJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	got.Pages[0] = 99
	again, err := store.LookupJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, again.Pages)

	_, err = store.LookupJob(ctx, "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestHistoryStoreEvictsOldest(t *testing.T) {
	t.Parallel()

	store := NewHistoryStore(2)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "a", "c"} {
		require.NoError(t, store.RecordJob(ctx, capture.JobRecord{JobID: id}))
	}

	_, err := store.LookupJob(ctx, "a")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.LookupJob(ctx, "b")
	assert.NoError(t, err)
	_, err = store.LookupJob(ctx, "c")
	assert.NoError(t, err)
}
