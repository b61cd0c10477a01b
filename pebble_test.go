package corvid

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestPebble(t *testing.T, path string) *PebbleKV {
	t.Helper()
	kv, err := OpenPebble(path, nil)
	require.NoError(t, err)
	return kv
}

func TestPebbleRoundTrip(t *testing.T) {
	kv := openTestPebble(t, filepath.Join(t.TempDir(), "db"))
	defer kv.Close()

	require.NoError(t, kv.Set("k", []byte("v")))
	got, err := kv.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	require.NoError(t, kv.Delete("k"))
	_, err = kv.Get("k")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestPebbleMissingKey(t *testing.T) {
	kv := openTestPebble(t, filepath.Join(t.TempDir(), "db"))
	defer kv.Close()

	_, err := kv.Get("never-written")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestPebbleKeysPrefix(t *testing.T) {
	kv := openTestPebble(t, filepath.Join(t.TempDir(), "db"))
	defer kv.Close()

	require.NoError(t, kv.Set("outbox:c2", []byte("2")))
	require.NoError(t, kv.Set("outbox:c1", []byte("1")))
	require.NoError(t, kv.Set("probe:x", []byte("x")))

	keys, err := kv.Keys("outbox:")
	require.NoError(t, err)
	assert.Equal(t, []string{"outbox:c1", "outbox:c2"}, keys)

	keys, err = kv.Keys("nothing:")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestPebbleSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")

	kv := openTestPebble(t, path)
	require.NoError(t, kv.Set("durable", []byte("yes")))
	require.NoError(t, kv.Close())

	kv = openTestPebble(t, path)
	defer kv.Close()
	got, err := kv.Get("durable")
	require.NoError(t, err)
	assert.Equal(t, []byte("yes"), got)
}

func TestPebbleBackedSafeStore(t *testing.T) {
	kv := openTestPebble(t, filepath.Join(t.TempDir(), "db"))
	safe := newTestSafeStore(kv)
	defer safe.Dispose()

	assert.True(t, safe.CheckHealth(context.Background()))
	res := safe.SafeSet(context.Background(), "k", []byte("v"))
	assert.True(t, res.Success)
}
