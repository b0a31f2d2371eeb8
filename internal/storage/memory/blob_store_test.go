package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	uri, err := store.PutObject(context.Background(), "lever/job-1/screenshot.png", "image/png", bytes.NewReader([]byte("png")))
	require.NoError(t, err)
	require.Equal(t, "memory://lever/job-1/screenshot.png", uri)

	body, contentType, ok := store.Get("lever/job-1/screenshot.png")
	require.True(t, ok)
	require.Equal(t, "png", string(body))
	require.Equal(t, "image/png", contentType)

	body[0] = 'P'
	again, _, _ := store.Get("lever/job-1/screenshot.png")
	require.Equal(t, "png", string(again))
	require.Equal(t, []string{"lever/job-1/screenshot.png"}, store.Paths())

	_, _, ok = store.Get("missing")
	require.False(t, ok)
}
