package corvid

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafeGetMissingKeyReturnsFallback(t *testing.T) {
	safe := newTestSafeStore(NewMemoryKV())
	defer safe.Dispose()

	res := safe.SafeGet(context.Background(), "nope", []byte("fallback"))
	assert.True(t, res.Success, "missing key is a result, not a failure")
	assert.Equal(t, []byte("fallback"), res.Data)
}

func TestSafeSetGetRoundTrip(t *testing.T) {
	safe := newTestSafeStore(NewMemoryKV())
	defer safe.Dispose()
	ctx := context.Background()

	require.True(t, safe.SafeSet(ctx, "k", []byte("v")).Success)
	res := safe.SafeGet(ctx, "k", nil)
	require.True(t, res.Success)
	assert.Equal(t, []byte("v"), res.Data)
}

func TestSafeOpRetriesTransientFailure(t *testing.T) {
	kv := NewMemoryKV()
	safe := newTestSafeStore(kv)
	defer safe.Dispose()

	kv.FailNext(2)
	res := safe.SafeSet(context.Background(), "k", []byte("v"))
	assert.True(t, res.Success, "third attempt should succeed")

	got := safe.SafeGet(context.Background(), "k", nil)
	assert.Equal(t, []byte("v"), got.Data)
}

func TestSafeOpExhaustedDegrades(t *testing.T) {
	kv := NewMemoryKV()
	safe := newTestSafeStore(kv)
	defer safe.Dispose()

	kv.FailAll(true)
	res := safe.SafeGet(context.Background(), "k", []byte("fallback"))
	assert.False(t, res.Success)
	assert.Equal(t, []byte("fallback"), res.Data)
	assert.Error(t, res.Err)

	keys, ok := safe.SafeKeys(context.Background(), "p:", []string{"cached"})
	assert.False(t, ok)
	assert.Equal(t, []string{"cached"}, keys)
}

func TestSafeRemoveMissingKeySucceeds(t *testing.T) {
	safe := newTestSafeStore(NewMemoryKV())
	defer safe.Dispose()

	assert.True(t, safe.SafeRemove(context.Background(), "missing").Success)
}

func TestSafeOpTimeoutOnHungBackend(t *testing.T) {
	kv := NewMemoryKV()
	safe := NewSafeStore(kv, &SafeStoreOptions{
		OpTimeout:      20 * milli,
		BatchTimeout:   20 * milli,
		Attempts:       1,
		RetryDelay:     milli,
		HealthInterval: hour,
	})
	defer safe.Dispose()

	release := kv.Block()
	defer release()

	start := time.Now()
	res := safe.SafeGet(context.Background(), "k", []byte("fb"))
	assert.False(t, res.Success)
	assert.Equal(t, KindTimeout, KindOf(res.Err))
	assert.Less(t, time.Since(start), time.Second, "timeout must not wait for the backend")
}

func TestCheckHealthRoundTrip(t *testing.T) {
	kv := NewMemoryKV()
	safe := newTestSafeStore(kv)
	defer safe.Dispose()

	assert.True(t, safe.CheckHealth(context.Background()))
	assert.True(t, safe.Healthy())

	// Probe keys must not linger.
	keys, _ := kv.Keys(probeKeyPrefix)
	assert.Empty(t, keys)
}

func TestCheckHealthFailureEntersRecovery(t *testing.T) {
	kv := NewMemoryKV()
	safe := newTestSafeStore(kv)
	defer safe.Dispose()

	kv.FailAll(true)
	assert.False(t, safe.CheckHealth(context.Background()))
	assert.Equal(t, HealthRecovering, safe.State())

	// Backend comes back: the next pass recovers.
	kv.FailAll(false)
	assert.True(t, safe.CheckHealth(context.Background()))
	assert.Equal(t, HealthHealthy, safe.State())
}

func TestConcurrentHealthChecksShareOnePass(t *testing.T) {
	kv := NewMemoryKV()
	safe := newTestSafeStore(kv)
	defer safe.Dispose()

	release := kv.Block()

	results := make(chan bool, 2)
	go func() { results <- safe.CheckHealth(context.Background()) }()
	go func() { results <- safe.CheckHealth(context.Background()) }()

	time.Sleep(10 * milli)
	release()

	ok1 := <-results
	ok2 := <-results
	assert.Equal(t, ok1, ok2, "joined callers must see the shared outcome")
}

func TestDisposeStopsFurtherChecks(t *testing.T) {
	safe := newTestSafeStore(NewMemoryKV())
	safe.Init()
	require.NoError(t, safe.Dispose())
	assert.False(t, safe.CheckHealth(context.Background()))
}

func TestMemoryKVIsolation(t *testing.T) {
	kv := NewMemoryKV()
	v := []byte("original")
	require.NoError(t, kv.Set("k", v))
	v[0] = 'X'

	got, err := kv.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), got, "stored value must not alias caller memory")
}

func TestMemoryKVKeysPrefix(t *testing.T) {
	kv := NewMemoryKV()
	require.NoError(t, kv.Set("outbox:b", nil))
	require.NoError(t, kv.Set("outbox:a", nil))
	require.NoError(t, kv.Set("other", nil))

	keys, err := kv.Keys("outbox:")
	require.NoError(t, err)
	assert.Equal(t, []string{"outbox:a", "outbox:b"}, keys)
}
