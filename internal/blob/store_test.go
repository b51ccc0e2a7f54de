package blob

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyLayout(t *testing.T) {
	jobID := uuid.MustParse("3f1d0e0a-9c6b-4c6e-8f7a-2b1c9d8e7f6a")

	assert.Equal(t,
		"jobs/3f1d0e0a-9c6b-4c6e-8f7a-2b1c9d8e7f6a/source.pdf",
		DocumentKey(jobID))
	assert.Equal(t,
		"jobs/3f1d0e0a-9c6b-4c6e-8f7a-2b1c9d8e7f6a/ingest/007.png",
		ArtifactKey(jobID, "ingest", 7, "png"))
	assert.Equal(t,
		"jobs/3f1d0e0a-9c6b-4c6e-8f7a-2b1c9d8e7f6a/enrich/001.mp3",
		ArtifactKey(jobID, "enrich", 1, "mp3"))
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	url, err := store.Put(ctx, "jobs/x/source.pdf", []byte("payload"), "application/pdf")
	require.NoError(t, err)
	assert.Equal(t, "memory://jobs/x/source.pdf", url)
	assert.Equal(t, 1, store.Len())

	data, err := store.Get(ctx, "jobs/x/source.pdf")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)

	// Stored bytes are isolated from caller mutation.
	data[0] = 'X'
	again, err := store.Get(ctx, "jobs/x/source.pdf")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), again)

	signed, err := store.SignedURL(ctx, "jobs/x/source.pdf", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "memory://jobs/x/source.pdf", signed)
}

func TestMemoryStoreMissingKey(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.SignedURL(ctx, "missing", time.Minute)
	assert.ErrorIs(t, err, ErrNotFound)
}
