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
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "samples/run.csv", "text/csv", bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, "memory://samples/run.csv", uri)

	payload[0] = 'C'
	obj, ok := store.Get("samples/run.csv")
	require.True(t, ok)
	assert.Equal(t, "content", string(obj.Data))
	assert.Equal(t, "text/csv", obj.ContentType)

	obj.Data[0] = 'X'
	again, _ := store.Get("samples/run.csv")
	assert.Equal(t, "content", string(again.Data))
	assert.Equal(t, []string{"samples/run.csv"}, store.Paths())
}

func TestBlobStoreRejectsEmptyPath(t *testing.T) {
	t.Parallel()

	_, err := NewBlobStore().PutObject(context.Background(), "", "", bytes.NewReader(nil))
	require.Error(t, err)
}
