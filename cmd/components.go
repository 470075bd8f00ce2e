package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/spigell/hh-interviewer/internal/continuation"
	"github.com/spigell/hh-interviewer/internal/evaluator"
	"github.com/spigell/hh-interviewer/internal/interview"
	"github.com/spigell/hh-interviewer/internal/llm"
	"github.com/spigell/hh-interviewer/internal/llm/gemini"
	"github.com/spigell/hh-interviewer/internal/logger"
	"github.com/spigell/hh-interviewer/internal/pipeline"
	"github.com/spigell/hh-interviewer/internal/questionbank"
	"github.com/spigell/hh-interviewer/internal/scoring"
	"github.com/spigell/hh-interviewer/internal/secrets"
	"github.com/spigell/hh-interviewer/internal/store"
	"github.com/spigell/hh-interviewer/internal/strategy"
)

const defaultGeminiKeyEnv = "GEMINI_API_KEY"

// components are the long-lived objects of a command run.
type components struct {
	registry *interview.Registry
	store    store.SessionStore
	sqlite   *store.SQLite
	audit    *store.SQLiteAudit
	chain    *llm.Chain

	closers []func() error
}

func (c *components) Close(log *zap.Logger) {
	// Reverse order: the audit writer flushes before its database closes.
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			log.Warn("closing component", zap.Error(err))
		}
	}
}

func buildComponents(ctx context.Context, cfg *Config, log *zap.Logger, expert bool) (*components, error) {
	c := &components{}

	sessions, err := c.openStore(ctx, cfg, log)
	if err != nil {
		c.Close(log)
		return nil, err
	}
	c.store = sessions

	sink, err := c.openAudit(cfg, log)
	if err != nil {
		c.Close(log)
		return nil, err
	}

	chain, err := buildChain(ctx, cfg.AI, log)
	if err != nil {
		c.Close(log)
		return nil, err
	}
	c.chain = chain

	bank, err := questionbank.Load(cfg.Questions.File)
	if err != nil {
		c.Close(log)
		return nil, err
	}
	log.Info("question bank loaded", zap.String("file", cfg.Questions.File), zap.Int("questions", bank.Len()))

	judge := continuation.NewModelJudge(chain, cfg.AI.JudgeTimeout, logger.Component(log, "continuation"))
	policy, err := continuation.NewPolicy(cfg.Continuation, judge, log)
	if err != nil {
		c.Close(log)
		return nil, err
	}

	pipelineCfg := cfg.Pipeline
	pipelineCfg.Expert = pipelineCfg.Expert || expert

	turns, err := pipeline.New(pipeline.Deps{
		Logger: logger.Component(log, "pipeline"),
		Scorer: scoring.NewEngine(),
		Assessor: evaluator.New(chain, log,
			evaluator.WithTimeout(cfg.AI.EvaluatorTimeout),
			evaluator.WithMaxLogLength(cfg.AI.MaxLogLength),
		),
		Selector:  strategy.NewSelector(cfg.Strategy),
		Decider:   policy,
		Generator: chain,
	}, pipelineCfg)
	if err != nil {
		c.Close(log)
		return nil, err
	}

	c.registry, err = interview.NewRegistry(interview.Deps{
		Pipeline:     turns,
		Bank:         bank,
		Personalizer: questionbank.NewPersonalizer(chain, cfg.AI.PersonalizeTimeout, logger.Component(log, "personalizer")),
		Store:        sessions,
		Audit:        sink,
		Logger:       log,
	}, cfg.Interview)
	if err != nil {
		c.Close(log)
		return nil, err
	}

	return c, nil
}

func (c *components) openStore(ctx context.Context, cfg *Config, log *zap.Logger) (store.SessionStore, error) {
	switch cfg.Store.Backend {
	case StoreRedis:
		password, err := secrets.Optional(secrets.Source{
			Name:  "redis password",
			Value: cfg.Store.Redis.Password,
			File:  cfg.Store.Redis.PasswordFile,
			Env:   cfg.Store.Redis.PasswordEnv,
		})
		if err != nil {
			return nil, err
		}
		opts := cfg.Store.Redis.RedisOptions
		opts.Password = password

		r, err := store.NewRedis(ctx, opts)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, r.Close)
		log.Info("using redis session store", zap.String("addr", opts.Addr))
		return r, nil
	case StoreSQLite:
		db, err := c.openSQLite(cfg.Store.SQLite.Path)
		if err != nil {
			return nil, err
		}
		log.Info("using sqlite session store", zap.String("path", cfg.Store.SQLite.Path))
		return db, nil
	default:
		log.Info("using in-memory session store")
		return store.NewMemory(), nil
	}
}

func (c *components) openSQLite(path string) (*store.SQLite, error) {
	if c.sqlite != nil {
		return c.sqlite, nil
	}
	db, err := store.NewSQLite(path)
	if err != nil {
		return nil, err
	}
	c.sqlite = db
	c.closers = append(c.closers, db.Close)
	return db, nil
}

func (c *components) openAudit(cfg *Config, log *zap.Logger) (store.AuditSink, error) {
	var sinks store.Fanout
	if cfg.Audit.Log {
		sinks = append(sinks, store.NewLogAudit(log))
	}
	if cfg.Audit.SQLite {
		path := cfg.Audit.Path
		if path == "" {
			path = cfg.Store.SQLite.Path
		}
		db, err := c.openSQLite(path)
		if err != nil {
			return nil, fmt.Errorf("open audit database: %w", err)
		}
		c.audit = store.NewSQLiteAudit(db, cfg.Audit.QueueSize, log)
		c.closers = append(c.closers, c.audit.Close)
		sinks = append(sinks, c.audit)
	}
	return sinks, nil
}

// buildChain creates the generation backends in configured order. An empty
// provider list yields a chain that never reports healthy, so every turn
// runs on deterministic substitutes.
func buildChain(ctx context.Context, cfg AIConfig, log *zap.Logger) (*llm.Chain, error) {
	var backends []llm.Backend

	for _, provider := range cfg.Providers {
		switch strings.ToLower(strings.TrimSpace(provider)) {
		case "gemini":
			gen, err := newGemini(ctx, cfg.Gemini, log)
			if err != nil {
				return nil, err
			}
			backend := llm.Backend{Generator: gen}
			if cfg.Gemini.RequestsPerSecond > 0 {
				backend.Limiter = rate.NewLimiter(rate.Limit(cfg.Gemini.RequestsPerSecond), max(1, cfg.Gemini.Burst))
			}
			backends = append(backends, backend)
		default:
			return nil, fmt.Errorf("unsupported ai provider: %s", provider)
		}
	}

	if len(backends) == 0 {
		log.Warn("no generation providers configured, running with deterministic substitutes only")
	}

	return llm.NewChain(backends,
		llm.WithTimeout(cfg.Timeout),
		llm.WithCooldown(cfg.Cooldown),
		llm.WithLogger(logger.Component(log, "llm")),
	), nil
}

func newGemini(ctx context.Context, cfg *GeminiConfig, log *zap.Logger) (*gemini.Generator, error) {
	if cfg == nil {
		return nil, errors.New("ai.gemini section is required")
	}

	env := cfg.APIKeyEnv
	if env == "" {
		env = defaultGeminiKeyEnv
	}
	apiKey, err := secrets.Load(secrets.Source{
		Name:  "gemini api key",
		Value: cfg.APIKey,
		File:  cfg.APIKeyFile,
		Env:   env,
	})
	if err != nil {
		return nil, fmt.Errorf("%w (set ai.gemini.api-key-file, GEMINI_API_KEY_FILE or %s)", err, env)
	}

	genLogger := logger.Component(log, "llm").With(
		append(logger.Backend("gemini", cfg.Model), zap.Int("ai_retry_attempts", cfg.MaxRetries))...,
	)

	return gemini.NewGenerator(ctx, gemini.Options{
		APIKey:     apiKey,
		Model:      cfg.Model,
		MaxRetries: cfg.MaxRetries,
		Logger:     genLogger,
	})
}
