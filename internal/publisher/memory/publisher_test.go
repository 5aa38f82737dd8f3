package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "artifact.delivered", map[string]string{"job_id": "job-1"})
	require.NoError(t, err)
	assert.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "capture.failed", "payload")
	require.NoError(t, err)
	assert.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "artifact.delivered", msgs[0].Event)
	assert.JSONEq(t, `{"job_id":"job-1"}`, string(msgs[0].Data))
	assert.Equal(t, "capture.failed", msgs[1].Event)

	msgs[0].Event = "modified"
	assert.Equal(t, "artifact.delivered", pub.Messages()[0].Event, "Messages() must return a copy")
}

func TestPublisherFailures(t *testing.T) {
	t.Parallel()

	pub := New()
	_, err := pub.Publish(context.Background(), "x", make(chan int))
	require.Error(t, err)

	boom := errors.New("broker unavailable")
	pub.FailWith(boom)
	_, err = pub.Publish(context.Background(), "x", "payload")
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, pub.Messages())
}
