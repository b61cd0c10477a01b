package corvid

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// KV Backend
// ============================================================================

// ErrKeyNotFound is returned by KV.Get for missing keys.
var ErrKeyNotFound = errors.New("key not found")

// KV is the raw persistence backend wrapped by SafeStore. Implementations
// may fail or hang; SafeStore owns timeout and retry policy.
type KV interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
	Keys(prefix string) ([]string, error)
	Close() error
}

// ============================================================================
// SafeStore
// ============================================================================

// HealthState is the durable store's health machine state.
type HealthState string

const (
	HealthHealthy    HealthState = "healthy"
	HealthChecking   HealthState = "checking"
	HealthRecovering HealthState = "recovering"
)

// probeKeyPrefix scopes keys written by health probes so recovery can
// purge them without touching real data.
const probeKeyPrefix = "__corvid_probe"

// StoreResult is the outcome of a safe operation. Persistence failures
// degrade to the caller-supplied fallback instead of propagating.
type StoreResult struct {
	Success bool
	Data    []byte
	Err     error
}

// SafeStoreOptions tunes timeout, retry, and health-check policy.
type SafeStoreOptions struct {
	// OpTimeout bounds simple get/set/remove calls.
	OpTimeout time.Duration
	// BatchTimeout bounds key listing and large probe writes.
	BatchTimeout time.Duration
	// Attempts is the total number of tries per operation.
	Attempts int
	// RetryDelay is the linear backoff unit between attempts.
	RetryDelay time.Duration
	// HealthInterval is the period of the background health probe.
	HealthInterval time.Duration
	// ProbePayloadSize is the large-write probe size, a disk-space proxy.
	ProbePayloadSize int
	Clock            Clock
	Logger           *zap.Logger
}

func (o *SafeStoreOptions) defaults() {
	if o.OpTimeout == 0 {
		o.OpTimeout = 2 * time.Second
	}
	if o.BatchTimeout == 0 {
		o.BatchTimeout = 5 * time.Second
	}
	if o.Attempts == 0 {
		o.Attempts = 3
	}
	if o.RetryDelay == 0 {
		o.RetryDelay = 200 * time.Millisecond
	}
	if o.HealthInterval == 0 {
		o.HealthInterval = 30 * time.Second
	}
	if o.ProbePayloadSize == 0 {
		o.ProbePayloadSize = 64 << 10
	}
	if o.Clock == nil {
		o.Clock = SystemClock()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// SafeStore wraps a KV backend so persistence failures never crash the
// host process: every operation has a bounded timeout, a bounded retry
// budget with linear backoff, and a recovery attempt before the final
// retry. A periodic health probe drives the
// healthy → checking → {healthy | recovering} machine.
type SafeStore struct {
	kv   KV
	opts SafeStoreOptions
	log  *zap.Logger

	mu       sync.Mutex
	state    HealthState
	inflight *probePass
	stopCh   chan struct{}
	stopped  bool
	started  bool
}

// probePass de-duplicates concurrent health/recovery passes: late callers
// wait on done and share the result.
type probePass struct {
	done chan struct{}
	ok   bool
}

// NewSafeStore wraps kv. Call Init to start the background health loop
// and Dispose to stop it.
func NewSafeStore(kv KV, opts *SafeStoreOptions) *SafeStore {
	var o SafeStoreOptions
	if opts != nil {
		o = *opts
	}
	o.defaults()
	return &SafeStore{
		kv:     kv,
		opts:   o,
		log:    o.Logger,
		state:  HealthHealthy,
		stopCh: make(chan struct{}),
	}
}

// Init starts the periodic health check.
func (s *SafeStore) Init() {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()
	go s.healthLoop()
}

// Dispose stops the health loop and closes the backend.
func (s *SafeStore) Dispose() error {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		close(s.stopCh)
	}
	s.mu.Unlock()
	return s.kv.Close()
}

// State returns the current health state.
func (s *SafeStore) State() HealthState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Healthy reports whether the last probe succeeded.
func (s *SafeStore) Healthy() bool {
	return s.State() == HealthHealthy
}

// ── Safe operations ──────────────────────────────────────────────────────

// SafeGet reads key. On missing key or exhausted retries the fallback is
// returned; exhausted retries additionally report Success=false.
func (s *SafeStore) SafeGet(ctx context.Context, key string, fallback []byte) StoreResult {
	var data []byte
	err := s.safeOp(ctx, "get", s.opts.OpTimeout, func() error {
		v, err := s.kv.Get(key)
		if err != nil {
			return err
		}
		data = v
		return nil
	})
	if errors.Is(err, ErrKeyNotFound) {
		return StoreResult{Success: true, Data: fallback}
	}
	if err != nil {
		return StoreResult{Success: false, Data: fallback, Err: err}
	}
	return StoreResult{Success: true, Data: data}
}

// SafeSet writes key. Exhausted retries report Success=false without
// propagating a panic or error to the caller's control flow.
func (s *SafeStore) SafeSet(ctx context.Context, key string, value []byte) StoreResult {
	err := s.safeOp(ctx, "set", s.opts.OpTimeout, func() error {
		return s.kv.Set(key, value)
	})
	if err != nil {
		return StoreResult{Success: false, Err: err}
	}
	return StoreResult{Success: true}
}

// SafeRemove deletes key. Removing a missing key succeeds.
func (s *SafeStore) SafeRemove(ctx context.Context, key string) StoreResult {
	err := s.safeOp(ctx, "remove", s.opts.OpTimeout, func() error {
		err := s.kv.Delete(key)
		if errors.Is(err, ErrKeyNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return StoreResult{Success: false, Err: err}
	}
	return StoreResult{Success: true}
}

// SafeKeys lists keys under prefix, returning fallback on failure.
func (s *SafeStore) SafeKeys(ctx context.Context, prefix string, fallback []string) ([]string, bool) {
	var keys []string
	err := s.safeOp(ctx, "keys", s.opts.BatchTimeout, func() error {
		v, err := s.kv.Keys(prefix)
		if err != nil {
			return err
		}
		keys = v
		return nil
	})
	if err != nil {
		return fallback, false
	}
	return keys, true
}

// safeOp runs fn with a timeout race and up to Attempts tries with linear
// backoff. Recovery is attempted once, before the final retry. The
// returned error is the last failure; ErrKeyNotFound passes through
// untouched on the first try since it is a result, not a fault.
func (s *SafeStore) safeOp(ctx context.Context, op string, timeout time.Duration, fn func() error) error {
	var last error
	for attempt := 1; attempt <= s.opts.Attempts; attempt++ {
		err := s.runWithTimeout(ctx, timeout, fn)
		if err == nil || errors.Is(err, ErrKeyNotFound) {
			observeStoreOp(op, "ok")
			return err
		}
		last = err
		s.log.Warn("durable_store_op_failed",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if attempt == s.opts.Attempts {
			break
		}
		if attempt == s.opts.Attempts-1 {
			s.runProbePass(ctx, true)
		}
		if sleepErr := sleepCtx(ctx, s.opts.Clock, s.opts.RetryDelay*time.Duration(attempt)); sleepErr != nil {
			observeStoreOp(op, "cancelled")
			return sleepErr
		}
	}
	observeStoreOp(op, "exhausted")
	return last
}

// runWithTimeout races fn against the op timeout and context
// cancellation. A hung backend call must not hang the caller; the
// goroutine is abandoned on timeout.
func (s *SafeStore) runWithTimeout(ctx context.Context, timeout time.Duration, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-s.opts.Clock.After(timeout):
		return Errf(KindTimeout, "durable store operation exceeded %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ── Health check & recovery ──────────────────────────────────────────────

func (s *SafeStore) healthLoop() {
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.opts.Clock.After(s.opts.HealthInterval):
			s.CheckHealth(context.Background())
		}
	}
}

// CheckHealth runs a full probe pass (round trip, key listing, large
// write). Concurrent callers share one in-flight pass instead of probing
// twice. Returns whether the store is healthy afterwards.
func (s *SafeStore) CheckHealth(ctx context.Context) bool {
	return s.runProbePass(ctx, false)
}

// runProbePass executes (or joins) a probe pass. recoveryOnly skips the
// extended probes and goes straight to the recovery round trip; it is
// the path taken from safeOp before the final retry.
func (s *SafeStore) runProbePass(ctx context.Context, recoveryOnly bool) bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	if p := s.inflight; p != nil {
		s.mu.Unlock()
		select {
		case <-p.done:
			return p.ok
		case <-ctx.Done():
			return false
		}
	}
	pass := &probePass{done: make(chan struct{})}
	s.inflight = pass
	s.state = HealthChecking
	s.mu.Unlock()

	ok := recoveryOnly || s.probe(ctx)
	if !ok || recoveryOnly {
		s.mu.Lock()
		s.state = HealthRecovering
		s.mu.Unlock()
		ok = s.recover(ctx)
	}

	s.mu.Lock()
	if ok {
		s.state = HealthHealthy
	} else {
		// Recovery failed: stay in recovery mode until a later pass
		// succeeds.
		s.state = HealthRecovering
	}
	s.inflight = nil
	s.mu.Unlock()

	pass.ok = ok
	close(pass.done)
	observeStoreHealth(ok)
	if !ok {
		s.log.Warn("durable_store_unhealthy")
	}
	return ok
}

// probe exercises a write/read/delete round trip, the key listing call,
// and a larger payload write that stands in for a disk-space check.
func (s *SafeStore) probe(ctx context.Context) bool {
	if !s.roundTrip(ctx) {
		return false
	}
	if err := s.runWithTimeout(ctx, s.opts.BatchTimeout, func() error {
		_, err := s.kv.Keys(probeKeyPrefix)
		return err
	}); err != nil {
		s.log.Warn("durable_store_probe_keys_failed", zap.Error(err))
		return false
	}
	bigKey := probeKeyPrefix + ":payload"
	payload := make([]byte, s.opts.ProbePayloadSize)
	if err := s.runWithTimeout(ctx, s.opts.BatchTimeout, func() error {
		if err := s.kv.Set(bigKey, payload); err != nil {
			return err
		}
		return s.kv.Delete(bigKey)
	}); err != nil {
		s.log.Warn("durable_store_probe_payload_failed", zap.Error(err))
		return false
	}
	return true
}

// recover purges probe keys and re-runs the basic round trip. Recovery
// mode only ends on success.
func (s *SafeStore) recover(ctx context.Context) bool {
	_ = s.runWithTimeout(ctx, s.opts.BatchTimeout, func() error {
		keys, err := s.kv.Keys(probeKeyPrefix)
		if err != nil {
			return err
		}
		for _, k := range keys {
			_ = s.kv.Delete(k)
		}
		return nil
	})
	ok := s.roundTrip(ctx)
	if ok {
		s.log.Info("durable_store_recovered")
	}
	return ok
}

func (s *SafeStore) roundTrip(ctx context.Context) bool {
	key := probeKeyPrefix + ":rt"
	want := randomToken()
	err := s.runWithTimeout(ctx, s.opts.OpTimeout, func() error {
		if err := s.kv.Set(key, []byte(want)); err != nil {
			return err
		}
		got, err := s.kv.Get(key)
		if err != nil {
			return err
		}
		if string(got) != want {
			return fmt.Errorf("probe mismatch: wrote %q, read %q", want, string(got))
		}
		return s.kv.Delete(key)
	})
	if err != nil {
		s.log.Warn("durable_store_round_trip_failed", zap.Error(err))
		return false
	}
	return true
}

func randomToken() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}

// ============================================================================
// MemoryKV
// ============================================================================

// MemoryKV is an in-memory KV backend. It backs tests and the degraded
// mode where no durable backend is available, and supports fault
// injection so SafeStore policy can be exercised.
type MemoryKV struct {
	mu       sync.Mutex
	data     map[string][]byte
	failNext int
	failAll  bool
	failErr  error
	blockCh  chan struct{}
}

// NewMemoryKV creates an empty in-memory backend.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string][]byte)}
}

// FailNext makes the next n operations return an error.
func (m *MemoryKV) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
}

// FailAll toggles persistent failure of every operation.
func (m *MemoryKV) FailAll(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAll = on
}

// Block makes every operation hang until the returned release function is
// called, simulating a wedged backend.
func (m *MemoryKV) Block() (release func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan struct{})
	m.blockCh = ch
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.blockCh == ch {
			m.blockCh = nil
		}
		close(ch)
	}
}

func (m *MemoryKV) gate() error {
	m.mu.Lock()
	ch := m.blockCh
	m.mu.Unlock()
	if ch != nil {
		<-ch
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll || m.failNext > 0 {
		if m.failNext > 0 {
			m.failNext--
		}
		if m.failErr != nil {
			return m.failErr
		}
		return errors.New("injected storage failure")
	}
	return nil
}

func (m *MemoryKV) Get(key string) ([]byte, error) {
	if err := m.gate(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *MemoryKV) Set(key string, value []byte) error {
	if err := m.gate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	m.data[key] = cp
	return nil
}

func (m *MemoryKV) Delete(key string) error {
	if err := m.gate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemoryKV) Keys(prefix string) ([]string, error) {
	if err := m.gate(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryKV) Close() error { return nil }
