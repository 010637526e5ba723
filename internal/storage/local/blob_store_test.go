package local_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/market-crawler/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("ValidConfig", func(t *testing.T) {
		t.Parallel()
		store, err := local.New(local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		assert.NotNil(t, store)
	})
	t.Run("CreatesMissingDir", func(t *testing.T) {
		t.Parallel()
		dir := filepath.Join(t.TempDir(), "exports", "samples")
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		assert.DirExists(t, dir)
	})
	t.Run("MissingBaseDir", func(t *testing.T) {
		t.Parallel()
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})
	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		t.Parallel()
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		assert.Error(t, err)
	})
}

func TestPutObject(t *testing.T) {
	t.Parallel()

	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("NestedPath", func(t *testing.T) {
		uri, err := store.PutObject(ctx, "samples/run-1.csv", "text/csv", strings.NewReader("a,b\n"))
		require.NoError(t, err)
		want := filepath.Join(store.Dir(), "samples", "run-1.csv")
		assert.Equal(t, "file://"+want, uri)
		data, err := os.ReadFile(want)
		require.NoError(t, err)
		assert.Equal(t, "a,b\n", string(data))
	})
	t.Run("Overwrite", func(t *testing.T) {
		_, err := store.PutObject(ctx, "same.json", "application/json", strings.NewReader("1"))
		require.NoError(t, err)
		_, err = store.PutObject(ctx, "same.json", "application/json", strings.NewReader("2"))
		require.NoError(t, err)
		data, err := os.ReadFile(filepath.Join(store.Dir(), "same.json"))
		require.NoError(t, err)
		assert.Equal(t, "2", string(data))
	})
	t.Run("EmptyPath", func(t *testing.T) {
		_, err := store.PutObject(ctx, "", "text/plain", strings.NewReader("data"))
		assert.Error(t, err)
	})
	t.Run("Traversal", func(t *testing.T) {
		for _, p := range []string{"../escape.csv", "a/../../escape.csv", "/abs.csv"} {
			_, err := store.PutObject(ctx, p, "text/csv", strings.NewReader("x"))
			assert.Error(t, err, p)
		}
	})
}
