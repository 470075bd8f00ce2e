package interview

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spigell/hh-interviewer/internal/domain"
	"github.com/spigell/hh-interviewer/internal/metrics"
	"github.com/spigell/hh-interviewer/internal/pipeline"
	"github.com/spigell/hh-interviewer/internal/questionbank"
	"github.com/spigell/hh-interviewer/internal/store"
)

func TestNewRegistryValidation(t *testing.T) {
	bank, err := questionbank.Parse([]byte(testBank))
	require.NoError(t, err)

	_, err = NewRegistry(Deps{Bank: bank}, DefaultConfig())
	assert.Error(t, err, "pipeline is required")

	_, err = NewRegistry(Deps{Pipeline: &stubTurner{}, Bank: bank}, Config{TotalRounds: 0})
	var validationErr *domain.ValidationError
	assert.ErrorAs(t, err, &validationErr)

	r, err := NewRegistry(Deps{Pipeline: &stubTurner{}, Bank: bank}, Config{TotalRounds: 1})
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().CacheSize, r.cfg.CacheSize)
}

func TestCreateAndLoad(t *testing.T) {
	f := newFixture(t, &stubTurner{}, nil)
	ctx := context.Background()

	m, err := f.registry.Create(ctx, Options{ID: "candidate-42", Language: "de", TotalRounds: 4})
	require.NoError(t, err)
	assert.Equal(t, "candidate-42", m.ID())
	assert.Equal(t, "de", m.Session().Language)
	assert.Equal(t, 4, m.Session().TotalRounds)
	assert.Equal(t, 2, m.Session().MaxFollowups, "registry default")

	_, err = f.registry.Create(ctx, Options{ID: "candidate-42"})
	var validationErr *domain.ValidationError
	assert.ErrorAs(t, err, &validationErr, "duplicate id")

	_, err = f.registry.Create(ctx, Options{TotalRounds: -1})
	assert.ErrorAs(t, err, &validationErr)

	loaded, err := f.registry.Load(ctx, "candidate-42")
	require.NoError(t, err)
	assert.Same(t, m, loaded, "cache hit")

	generated, err := f.registry.Create(ctx, Options{})
	require.NoError(t, err)
	assert.Len(t, generated.ID(), 36)

	_, err = f.registry.Load(ctx, "unknown")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestLoadReadsThroughAfterEvict(t *testing.T) {
	f := newFixture(t, &stubTurner{}, nil)
	ctx := context.Background()

	m, err := f.registry.Create(ctx, Options{ID: "s-1"})
	require.NoError(t, err)
	_, err = m.Start(ctx)
	require.NoError(t, err)

	f.registry.Evict("s-1")
	assert.Equal(t, 0, f.registry.Cached())

	loaded, err := f.registry.Load(ctx, "s-1")
	require.NoError(t, err)
	assert.NotSame(t, m, loaded)
	assert.Equal(t, domain.PhaseSelfIntroduction, loaded.Session().Phase, "state survives eviction")
	assert.Equal(t, 1, f.registry.Cached())
}

func TestRegistryMetrics(t *testing.T) {
	f := newFixture(t, &stubTurner{}, nil)
	ctx := context.Background()

	created := testutil.ToFloat64(metrics.SessionsCreated)
	hits := testutil.ToFloat64(metrics.SessionCacheHits)
	misses := testutil.ToFloat64(metrics.SessionCacheMisses)

	_, err := f.registry.Create(ctx, Options{ID: "metered"})
	require.NoError(t, err)
	_, err = f.registry.Load(ctx, "metered")
	require.NoError(t, err)
	f.registry.Evict("metered")
	_, err = f.registry.Load(ctx, "metered")
	require.NoError(t, err)

	assert.Equal(t, created+1, testutil.ToFloat64(metrics.SessionsCreated))
	assert.Equal(t, hits+1, testutil.ToFloat64(metrics.SessionCacheHits))
	assert.Equal(t, misses+1, testutil.ToFloat64(metrics.SessionCacheMisses))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SessionCacheSize))
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	bank, err := questionbank.Parse([]byte(testBank))
	require.NoError(t, err)
	r, err := NewRegistry(Deps{Pipeline: &stubTurner{}, Bank: bank}, Config{TotalRounds: 1, CacheSize: 2})
	require.NoError(t, err)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		_, err := r.Create(ctx, Options{ID: id})
		require.NoError(t, err)
	}
	_, err = r.Load(ctx, "a")
	require.NoError(t, err)

	_, err = r.Create(ctx, Options{ID: "c"})
	require.NoError(t, err)
	assert.Equal(t, 2, r.Cached())

	r.mu.RLock()
	_, hasA := r.cache["a"]
	_, hasB := r.cache["b"]
	_, hasC := r.cache["c"]
	r.mu.RUnlock()
	assert.True(t, hasA, "recently used")
	assert.False(t, hasB, "least recently used is evicted")
	assert.True(t, hasC)

	m, err := r.Load(ctx, "b")
	require.NoError(t, err, "evicted sessions are read from the store")
	assert.Equal(t, "b", m.ID())
}

func TestDoSerializesTurns(t *testing.T) {
	f := newFixture(t, &stubTurner{}, nil)
	ctx := context.Background()

	_, err := f.registry.Create(ctx, Options{ID: "shared"})
	require.NoError(t, err)

	var (
		inFlight int32
		overlaps int32
		wg       sync.WaitGroup
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := f.registry.Do(ctx, "shared", func(m *Machine) error {
				if atomic.AddInt32(&inFlight, 1) > 1 {
					atomic.AddInt32(&overlaps, 1)
				}
				m.Session().AddMessage(domain.RoleCandidate, "ping", time.Now())
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Zero(t, atomic.LoadInt32(&overlaps))
	m, err := f.registry.Load(ctx, "shared")
	require.NoError(t, err)
	assert.Len(t, m.Session().History, 16)

	f.registry.locksMu.Lock()
	assert.Empty(t, f.registry.locks, "locks are released")
	f.registry.locksMu.Unlock()
}

func TestDoPropagatesErrors(t *testing.T) {
	f := newFixture(t, &stubTurner{}, nil)

	err := f.registry.Do(context.Background(), "missing", func(*Machine) error { return nil })
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = f.registry.Create(context.Background(), Options{ID: "s-1"})
	require.NoError(t, err)

	sentinel := errors.New("boom")
	err = f.registry.Do(context.Background(), "s-1", func(*Machine) error { return sentinel })
	assert.ErrorIs(t, err, sentinel)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = f.registry.Do(ctx, "s-1", func(*Machine) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

type failingStore struct{}

func (failingStore) Get(context.Context, string) (*domain.Session, error) { return nil, nil }

func (failingStore) Put(context.Context, string, *domain.Session) error {
	return fmt.Errorf("disk full")
}

func TestCreateFailsWhenStoreFails(t *testing.T) {
	bank, err := questionbank.Parse([]byte(testBank))
	require.NoError(t, err)
	r, err := NewRegistry(Deps{Pipeline: &stubTurner{}, Bank: bank, Store: failingStore{}}, DefaultConfig())
	require.NoError(t, err)

	_, err = r.Create(context.Background(), Options{})
	assert.ErrorContains(t, err, "disk full")
	assert.Equal(t, 0, r.Cached())
}

var _ store.SessionStore = failingStore{}

// flakyStore fails writes while fail is set.
type flakyStore struct {
	*store.Memory
	fail atomic.Bool
}

func (s *flakyStore) Put(ctx context.Context, id string, session *domain.Session) error {
	if s.fail.Load() {
		return fmt.Errorf("disk full")
	}
	return s.Memory.Put(ctx, id, session)
}

func TestFailedWriteDoesNotAdvanceCache(t *testing.T) {
	turner := &stubTurner{results: []*pipeline.Result{
		proceed(55, "Which eviction policy did you use?"),
		proceed(55, "Which eviction policy did you use?"),
	}}
	f := newFixture(t, turner, nil)
	flaky := &flakyStore{Memory: store.NewMemory()}
	deps := f.registry.deps
	deps.Store = flaky
	r, err := NewRegistry(deps, Config{TotalRounds: 2, MaxFollowups: 2})
	require.NoError(t, err)
	ctx := context.Background()

	m, err := r.Create(ctx, Options{ID: "s-1"})
	require.NoError(t, err)
	skipIntro(t, m)

	answer := func(m *Machine) error {
		_, err := m.ProcessResponse(ctx, "I would cache reads.", domain.ResponseInitial)
		return err
	}

	flaky.fail.Store(true)
	err = r.Do(ctx, "s-1", answer)
	assert.ErrorContains(t, err, "disk full")
	assert.Equal(t, 0, r.Cached(), "failed turn is evicted")

	stored, err := flaky.Get(ctx, "s-1")
	require.NoError(t, err)
	require.NotNil(t, stored.Current)
	assert.Empty(t, stored.Current.Responses)

	flaky.fail.Store(false)
	require.NoError(t, r.Do(ctx, "s-1", answer), "the same turn can be retried")

	loaded, err := r.Load(ctx, "s-1")
	require.NoError(t, err)
	require.Len(t, loaded.Session().Current.Responses, 1)
	assert.Equal(t, 1, loaded.Session().Current.FollowupCount())

	stored, err = flaky.Get(ctx, "s-1")
	require.NoError(t, err)
	assert.Len(t, stored.Current.Responses, 1)
	assert.Len(t, turner.calls, 2)
}
