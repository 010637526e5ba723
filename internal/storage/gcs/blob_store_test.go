package gcs

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	buf      bytes.Buffer
	closed   bool
	closeErr error
}

func (w *fakeWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *fakeWriter) Close() error {
	w.closed = true
	return w.closeErr
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("read failed") }

func newFakeStore(w *fakeWriter, got *storage.ObjectAttrs, gotObject *string) *BlobStore {
	return &BlobStore{
		bucket:   "samples",
		metadata: map[string]string{"source": "market-crawler"},
		open: func(_ context.Context, object string, attrs storage.ObjectAttrs) io.WriteCloser {
			*got = attrs
			*gotObject = object
			return w
		},
	}
}

func TestPutObjectUploads(t *testing.T) {
	t.Parallel()

	w := &fakeWriter{}
	var attrs storage.ObjectAttrs
	var object string
	store := newFakeStore(w, &attrs, &object)

	uri, err := store.PutObject(context.Background(), "/exports/run-1.json", "application/json", strings.NewReader(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, "gs://samples/exports/run-1.json", uri)
	assert.Equal(t, "exports/run-1.json", object)
	assert.Equal(t, "application/json", attrs.ContentType)
	assert.Equal(t, "market-crawler", attrs.Metadata["source"])
	assert.Equal(t, `{"a":1}`, w.buf.String())
	assert.True(t, w.closed)
}

func TestPutObjectErrors(t *testing.T) {
	t.Parallel()

	var attrs storage.ObjectAttrs
	var object string

	_, err := newFakeStore(&fakeWriter{}, &attrs, &object).PutObject(context.Background(), " ", "", strings.NewReader(""))
	require.Error(t, err)

	w := &fakeWriter{}
	_, err = newFakeStore(w, &attrs, &object).PutObject(context.Background(), "a", "", failingReader{})
	require.ErrorContains(t, err, "copy object")
	assert.True(t, w.closed)

	w = &fakeWriter{closeErr: errors.New("finalize failed")}
	_, err = newFakeStore(w, &attrs, &object).PutObject(context.Background(), "a", "", strings.NewReader("x"))
	require.ErrorContains(t, err, "close writer")
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)
}
