package sha256

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHasherHashDeterministic ensures repeated hashing yields the same digest.
func TestHasherHashDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte("hello world"))
	require.NoError(t, err)
	assert.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", got)

	again, err := h.Hash([]byte("hello world"))
	require.NoError(t, err)
	assert.Equal(t, got, again)
}

func TestKeyStableAndDistinct(t *testing.T) {
	t.Parallel()

	urls := []string{
		"http://a.test/x",
		"http://a.test/x/",
		"http://a.test/X",
		"https://a.test/x",
		"http://a.test/x?page=2",
	}
	seen := make(map[string]string, len(urls))
	for _, u := range urls {
		key := Key(u)
		assert.Len(t, key, 64)
		assert.Equal(t, key, Key(u))
		if prev, dup := seen[key]; dup {
			t.Fatalf("key collision between %q and %q", prev, u)
		}
		seen[key] = u
	}
}
