package interview

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spigell/hh-interviewer/internal/domain"
	"github.com/spigell/hh-interviewer/internal/metrics"
	"github.com/spigell/hh-interviewer/internal/store"
)

// ErrSessionNotFound is returned when neither the cache nor the store know a session.
var ErrSessionNotFound = errors.New("session not found")

// Config holds session defaults.
type Config struct {
	TotalRounds  int    `mapstructure:"total-rounds"`
	MaxFollowups int    `mapstructure:"max-followups"`
	Language     string `mapstructure:"language"`
	CacheSize    int    `mapstructure:"cache-size"`

	// CategoryQuota caps how many questions a session draws from a category.
	CategoryQuota map[string]int `mapstructure:"category-quota"`
}

// DefaultConfig returns the standard session defaults.
func DefaultConfig() Config {
	return Config{
		TotalRounds:  5,
		MaxFollowups: 3,
		Language:     "en",
		CacheSize:    256,
	}
}

// Validate checks the session defaults.
func (c Config) Validate() error {
	if c.TotalRounds < 1 {
		return domain.NewValidationError("interview.total-rounds", "must be at least 1")
	}
	if c.MaxFollowups < 0 {
		return domain.NewValidationError("interview.max-followups", "must not be negative")
	}
	if c.CacheSize < 1 {
		return domain.NewValidationError("interview.cache-size", "must be at least 1")
	}
	for category, quota := range c.CategoryQuota {
		if quota < 1 {
			return domain.NewValidationError("interview.category-quota", fmt.Sprintf("quota for %q must be at least 1", category))
		}
	}
	return nil
}

// Options describe a new session. Zero values take the registry defaults.
type Options struct {
	ID       string
	Language string

	// Domain is the technology the interview is about, e.g. "go".
	Domain          string
	ExperienceLevel string
	Skills          []string
	Categories      []string
	TotalRounds     int
	MaxFollowups    int

	// CategoryQuota replaces the registry quota when set.
	CategoryQuota map[string]int
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// Registry owns live sessions. It keeps a bounded LRU cache in front of the
// store and serializes turns of the same session.
type Registry struct {
	deps Deps
	cfg  Config

	mu     sync.RWMutex
	cache  map[string]*Machine
	access map[string]uint64
	tick   uint64

	locksMu sync.Mutex
	locks   map[string]*sessionLock
}

// NewRegistry validates cfg, filling the cache size and language defaults.
func NewRegistry(deps Deps, cfg Config) (*Registry, error) {
	if err := deps.normalize(); err != nil {
		return nil, err
	}
	def := DefaultConfig()
	if cfg.CacheSize == 0 {
		cfg.CacheSize = def.CacheSize
	}
	if cfg.Language == "" {
		cfg.Language = def.Language
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Registry{
		deps:   deps,
		cfg:    cfg,
		cache:  make(map[string]*Machine),
		access: make(map[string]uint64),
		locks:  make(map[string]*sessionLock),
	}, nil
}

// Create starts a new session in the greeting phase and persists it.
func (r *Registry) Create(ctx context.Context, opts Options) (*Machine, error) {
	id := strings.TrimSpace(opts.ID)
	if id == "" {
		id = uuid.NewString()
	}

	totalRounds := opts.TotalRounds
	if totalRounds == 0 {
		totalRounds = r.cfg.TotalRounds
	}
	if totalRounds < 1 {
		return nil, domain.NewValidationError("total_rounds", "must be at least 1")
	}
	maxFollowups := opts.MaxFollowups
	if maxFollowups == 0 {
		maxFollowups = r.cfg.MaxFollowups
	}
	if maxFollowups < 0 {
		return nil, domain.NewValidationError("max_followups", "must not be negative")
	}
	language := opts.Language
	if language == "" {
		language = r.cfg.Language
	}
	quota := opts.CategoryQuota
	if quota == nil {
		quota = r.cfg.CategoryQuota
	}
	for category, n := range quota {
		if n < 1 {
			return nil, domain.NewValidationError("category_quota", fmt.Sprintf("quota for %q must be at least 1", category))
		}
	}

	unlock := r.lock(id)
	defer unlock()

	existing, err := r.deps.Store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("check session %s: %w", id, err)
	}
	if existing != nil {
		return nil, domain.NewValidationError("id", fmt.Sprintf("session %q already exists", id))
	}

	now := r.deps.Now()
	m := &Machine{
		deps: &r.deps,
		session: &domain.Session{
			ID:              id,
			Language:        language,
			Domain:          opts.Domain,
			ExperienceLevel: opts.ExperienceLevel,
			Skills:          opts.Skills,
			Categories:      opts.Categories,
			CategoryQuota:   quota,
			Phase:           domain.PhaseGreeting,
			TotalRounds:     totalRounds,
			MaxFollowups:    maxFollowups,
			CreatedAt:       now,
		},
	}
	if err := m.save(ctx); err != nil {
		return nil, err
	}
	m.emit(ctx, store.EventSessionCreated, map[string]any{
		"total_rounds":  totalRounds,
		"max_followups": maxFollowups,
		"skills":        opts.Skills,
	})

	r.put(id, m)
	metrics.SessionsCreated.Inc()
	r.deps.Logger.Info("session created",
		zap.String("session_id", id),
		zap.Int("total_rounds", totalRounds),
		zap.Int("max_followups", maxFollowups),
	)
	return m, nil
}

// Load returns the session machine, reading through to the store on a cache
// miss. Use Do to run operations on it.
func (r *Registry) Load(ctx context.Context, id string) (*Machine, error) {
	r.mu.RLock()
	m, ok := r.cache[id]
	r.mu.RUnlock()
	if ok {
		metrics.SessionCacheHits.Inc()
		r.touch(id)
		return m, nil
	}
	metrics.SessionCacheMisses.Inc()

	session, err := r.deps.Store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	if session == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	m = &Machine{session: session, deps: &r.deps}

	r.mu.Lock()
	// Another loader may have won the race.
	if cached, ok := r.cache[id]; ok {
		r.mu.Unlock()
		return cached, nil
	}
	r.cache[id] = m
	r.tick++
	r.access[id] = r.tick
	r.evictLocked()
	metrics.SessionCacheSize.Set(float64(len(r.cache)))
	r.mu.Unlock()

	return m, nil
}

// Do runs fn with exclusive access to the session. Turns of the same session
// never overlap; different sessions proceed in parallel. When fn fails the
// session is evicted, so the next call starts from the stored snapshot.
func (r *Registry) Do(ctx context.Context, id string, fn func(*Machine) error) error {
	unlock := r.lock(id)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	m, err := r.Load(ctx, id)
	if err != nil {
		return err
	}
	if err := fn(m); err != nil {
		r.Evict(id)
		r.deps.Logger.Debug("session evicted after a failed operation", zap.String("session_id", id), zap.Error(err))
		return err
	}
	return nil
}

// Evict drops the session from the cache. The stored snapshot is kept.
func (r *Registry) Evict(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, id)
	delete(r.access, id)
	metrics.SessionCacheSize.Set(float64(len(r.cache)))
}

// Cached returns the number of sessions in the cache.
func (r *Registry) Cached() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}

func (r *Registry) put(id string, m *Machine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[id] = m
	r.tick++
	r.access[id] = r.tick
	r.evictLocked()
	metrics.SessionCacheSize.Set(float64(len(r.cache)))
}

func (r *Registry) touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.cache[id]; ok {
		r.tick++
		r.access[id] = r.tick
	}
}

// evictLocked removes least recently used entries above the cache size.
// Callers hold r.mu.
func (r *Registry) evictLocked() {
	for len(r.cache) > r.cfg.CacheSize {
		var (
			oldest   string
			oldestAt uint64
			found    bool
		)
		for id := range r.cache {
			at := r.access[id]
			if !found || at < oldestAt {
				oldest, oldestAt, found = id, at, true
			}
		}
		delete(r.cache, oldest)
		delete(r.access, oldest)
		r.deps.Logger.Debug("session evicted from cache", zap.String("session_id", oldest))
	}
}

func (r *Registry) lock(id string) func() {
	r.locksMu.Lock()
	l, ok := r.locks[id]
	if !ok {
		l = &sessionLock{}
		r.locks[id] = l
	}
	l.refs++
	r.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, id)
		}
		r.locksMu.Unlock()
	}
}
