package cmd

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/spigell/hh-interviewer/internal/continuation"
	"github.com/spigell/hh-interviewer/internal/domain"
	"github.com/spigell/hh-interviewer/internal/interview"
	"github.com/spigell/hh-interviewer/internal/logger"
	"github.com/spigell/hh-interviewer/internal/pipeline"
	"github.com/spigell/hh-interviewer/internal/store"
	"github.com/spigell/hh-interviewer/internal/strategy"
)

const (
	app = "hh-interviewer"
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreSQLite = "sqlite"
)

type Config struct {
	Interview    interview.Config    `mapstructure:"interview"`
	Continuation continuation.Config `mapstructure:"continuation"`
	Strategy     strategy.Thresholds `mapstructure:"strategy"`
	Pipeline     pipeline.Config     `mapstructure:"pipeline"`
	AI           AIConfig            `mapstructure:"ai"`
	Store        StoreConfig         `mapstructure:"store"`
	Audit        AuditConfig         `mapstructure:"audit"`
	Questions    QuestionsConfig     `mapstructure:"questions"`
}

type AIConfig struct {
	// Providers are tried in order; an empty list runs the interview without generation.
	Providers          []string      `mapstructure:"providers"`
	Timeout            time.Duration `mapstructure:"timeout"`
	Cooldown           time.Duration `mapstructure:"cooldown"`
	EvaluatorTimeout   time.Duration `mapstructure:"evaluator-timeout"`
	JudgeTimeout       time.Duration `mapstructure:"judge-timeout"`
	PersonalizeTimeout time.Duration `mapstructure:"personalize-timeout"`
	MaxLogLength       int           `mapstructure:"max-log-length"`
	Gemini             *GeminiConfig `mapstructure:"gemini"`
}

type GeminiConfig struct {
	APIKey            string  `mapstructure:"api-key"`
	APIKeyFile        string  `mapstructure:"api-key-file"`
	APIKeyEnv         string  `mapstructure:"api-key-env"`
	Model             string  `mapstructure:"model"`
	MaxRetries        int     `mapstructure:"max-retries"`
	RequestsPerSecond float64 `mapstructure:"requests-per-second"`
	Burst             int     `mapstructure:"burst"`
}

type StoreConfig struct {
	Backend string       `mapstructure:"backend"`
	Redis   RedisConfig  `mapstructure:"redis"`
	SQLite  SQLiteConfig `mapstructure:"sqlite"`
}

type RedisConfig struct {
	store.RedisOptions `mapstructure:",squash"`
	PasswordFile       string `mapstructure:"password-file"`
	PasswordEnv        string `mapstructure:"password-env"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type AuditConfig struct {
	Log       bool   `mapstructure:"log"`
	SQLite    bool   `mapstructure:"sqlite"`
	Path      string `mapstructure:"path"`
	QueueSize int    `mapstructure:"queue-size"`
}

type QuestionsConfig struct {
	File string `mapstructure:"file"`
}

var (
	// Used for flags.
	cfgFile string

	rootCmd = &cobra.Command{
		Use:   app,
		Short: "hh-interviewer runs adaptive technical interviews with scoring and follow-up questions",
	}
)

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	if err := viper.BindEnv("ai.gemini.api-key-file", "GEMINI_API_KEY_FILE"); err != nil {
		log.Fatalf("binding GEMINI_API_KEY_FILE environment variable: %v", err)
	}

	setDefaults(viper.GetViper())
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "a config file (default is hh-interviewer.yaml in current directory)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "verbose/debug output")
	rootCmd.PersistentFlags().BoolP("json", "j", false, "json format for logging")
	rootCmd.PersistentFlags().String("log-file", "", "write logs to this file instead of stderr")

	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	viper.BindPFlag("log-file", rootCmd.PersistentFlags().Lookup("log-file"))
}

func newLogger() (*zap.Logger, error) {
	return logger.New(logger.Options{
		JSON:  viper.GetBool("json"),
		Debug: viper.GetBool("debug"),
		File:  viper.GetString("log-file"),
	})
}

func setDefaults(v *viper.Viper) {
	interviewDefaults := interview.DefaultConfig()
	v.SetDefault("interview.total-rounds", interviewDefaults.TotalRounds)
	v.SetDefault("interview.max-followups", interviewDefaults.MaxFollowups)
	v.SetDefault("interview.language", interviewDefaults.Language)
	v.SetDefault("interview.cache-size", interviewDefaults.CacheSize)

	continuationDefaults := continuation.DefaultConfig()
	v.SetDefault("continuation.opinion-threshold", continuationDefaults.OpinionThreshold)
	v.SetDefault("continuation.success-average", continuationDefaults.SuccessAverage)
	v.SetDefault("continuation.failure-average", continuationDefaults.FailureAverage)
	v.SetDefault("continuation.drop-points", continuationDefaults.DropPoints)
	v.SetDefault("continuation.drop-window", continuationDefaults.DropWindow)

	thresholds := strategy.DefaultThresholds()
	v.SetDefault("strategy.completeness", thresholds.Completeness)
	v.SetDefault("strategy.clarity", thresholds.Clarity)
	v.SetDefault("strategy.depth", thresholds.Depth)
	v.SetDefault("strategy.breadth", thresholds.Breadth)
	v.SetDefault("strategy.challenge", thresholds.Challenge)
	v.SetDefault("strategy.challenge-streak", thresholds.ChallengeStreak)

	pipelineDefaults := pipeline.DefaultConfig()
	v.SetDefault("pipeline.fusion-weight", pipelineDefaults.FusionWeight)
	v.SetDefault("pipeline.max-answer-length", pipelineDefaults.MaxAnswerLength)
	v.SetDefault("pipeline.max-followup-length", pipelineDefaults.MaxFollowupLength)
	v.SetDefault("pipeline.followup-timeout", pipelineDefaults.FollowupTimeout)
	v.SetDefault("pipeline.expert", false)

	v.SetDefault("ai.timeout", 20*time.Second)
	v.SetDefault("ai.cooldown", 30*time.Second)
	v.SetDefault("ai.evaluator-timeout", 20*time.Second)
	v.SetDefault("ai.judge-timeout", 10*time.Second)
	v.SetDefault("ai.personalize-timeout", 20*time.Second)
	v.SetDefault("ai.max-log-length", 200)

	v.SetDefault("store.backend", StoreMemory)
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.ttl", 24*time.Hour)
	v.SetDefault("store.redis.prefix", "interview:session:")
	v.SetDefault("store.sqlite.path", "data/interviews.db")

	v.SetDefault("audit.log", true)
	v.SetDefault("audit.queue-size", 256)

	v.SetDefault("questions.file", "questions.yaml")
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName(app)
	}

	// A missing default config is fine, the defaults cover everything.
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			log.Fatal(err)
		}
	}
}

func getConfig() (*Config, error) {
	return decodeConfig(viper.GetViper())
}

func decodeConfig(v *viper.Viper) (*Config, error) {
	var config *Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if config == nil {
		return nil, errors.New("config is empty")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks cross-section settings. Section specific rules live with
// the packages that own them.
func (c *Config) Validate() error {
	if err := c.Interview.Validate(); err != nil {
		return err
	}
	if err := c.Continuation.Validate(); err != nil {
		return err
	}
	// With at most one follow-up the budget always runs out first.
	if c.Interview.MaxFollowups > 1 && c.Continuation.OpinionThreshold >= c.Interview.MaxFollowups {
		return domain.NewValidationError("continuation.opinion-threshold", "must be below interview.max-followups")
	}
	if c.Pipeline.FusionWeight < 0 || c.Pipeline.FusionWeight > 1 {
		return domain.NewValidationError("pipeline.fusion-weight", "must be within [0, 1]")
	}

	for _, provider := range c.AI.Providers {
		switch strings.ToLower(strings.TrimSpace(provider)) {
		case "gemini":
			if c.AI.Gemini == nil {
				return domain.NewValidationError("ai.gemini", "section is required when gemini is a provider")
			}
			if c.AI.Gemini.RequestsPerSecond < 0 {
				return domain.NewValidationError("ai.gemini.requests-per-second", "must not be negative")
			}
		default:
			return domain.NewValidationError("ai.providers", fmt.Sprintf("unsupported provider %q", provider))
		}
	}

	switch c.Store.Backend {
	case StoreMemory:
	case StoreRedis:
		if strings.TrimSpace(c.Store.Redis.Addr) == "" {
			return domain.NewValidationError("store.redis.addr", "is required for the redis backend")
		}
	case StoreSQLite:
		if strings.TrimSpace(c.Store.SQLite.Path) == "" {
			return domain.NewValidationError("store.sqlite.path", "is required for the sqlite backend")
		}
	default:
		return domain.NewValidationError("store.backend", fmt.Sprintf("unknown backend %q", c.Store.Backend))
	}

	if c.Audit.SQLite && c.Store.Backend != StoreSQLite && strings.TrimSpace(c.Audit.Path) == "" {
		return domain.NewValidationError("audit.path", "is required for sqlite audit without the sqlite store")
	}

	if strings.TrimSpace(c.Questions.File) == "" {
		return domain.NewValidationError("questions.file", "is required")
	}
	return nil
}
