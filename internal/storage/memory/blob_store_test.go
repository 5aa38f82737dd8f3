package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("%PDF-1.3")
	uri, err := store.PutObject(context.Background(), "outbox/abc123.pdf", "application/pdf", bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, "memory://outbox/abc123.pdf", uri)

	payload[0] = 'X'
	stored, contentType, ok := store.Object("outbox/abc123.pdf")
	require.True(t, ok)
	assert.Equal(t, "%PDF-1.3", string(stored))
	assert.Equal(t, "application/pdf", contentType)
	assert.Equal(t, 1, store.Len())

	_, _, ok = store.Object("missing")
	assert.False(t, ok)
}
