package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Default configuration values
const (
	DefaultDataDir         = ".serialforge"
	DefaultListenAddr      = ":8080"
	DefaultWatchdogTimeout = 15 * time.Minute
	DefaultWorkers         = 4
	DefaultQueueSize       = 64
	DefaultMaxAttempts     = 3
	DefaultAcceptThreshold = 70.0
	DefaultWordTolerance   = 0.25
	DefaultTitleSimilarity = 0.85
	DefaultTitleReplans    = 2
	DefaultRecentChapters  = 3
	DefaultTitleWindow     = 50
	DefaultSnippetWindow   = 10
	DefaultExcerptChars    = 4000
	DefaultPayloadChars    = 24000
	DefaultPremiseChars    = 1500
	DefaultBibleChars      = 6000
	DefaultOutlineChars    = 4000
	DefaultKnownNames      = 60
	DefaultThreadItems     = 12
	DefaultQualityWorkers  = 3
	DefaultRateLimitRPM    = 60
	DefaultRateLimitBurst  = 5
	DefaultBackendTimeout  = 120 * time.Second
	DefaultBackendRetries  = 2
	DefaultWatchDebounce   = 500 // milliseconds
	DefaultTargetWords     = 2000
)

// Exhaustion policies applied when no draft passes within the attempt budget
const (
	PolicyReject     = "reject"
	PolicyAcceptBest = "accept_best"
)

// Backend providers
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderMock      = "mock"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "SERIALFORGE_"

// Config holds all application configuration
type Config struct {
	DataDir string `yaml:"data_dir" validate:"required"`

	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Backend  BackendConfig  `yaml:"backend"`
	Jobs     JobsConfig     `yaml:"jobs"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Context  ContextConfig  `yaml:"context"`
	Quality  QualityConfig  `yaml:"quality"`
	Genres   GenresConfig   `yaml:"genres"`
	NATS     NATSConfig     `yaml:"nats"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig configures the REST API
type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr" validate:"required_if=Enabled true"`
	APIKey  string `yaml:"api_key"`
	Theme   string `yaml:"theme"`

	// CORSOrigins lists allowed browser origins; "http://localhost:*" and
	// "*.example.com" patterns are accepted
	CORSOrigins []string `yaml:"cors_origins"`
}

// StorageConfig configures persistence
type StorageConfig struct {
	DatabasePath string `yaml:"database_path" validate:"required"`
}

// BackendConfig configures the generation backend
type BackendConfig struct {
	Provider       string        `yaml:"provider" validate:"required,oneof=openai anthropic mock"`
	Model          string        `yaml:"model" validate:"required"`
	BaseURL        string        `yaml:"base_url" validate:"omitempty,url"`
	APIKey         string        `yaml:"api_key" validate:"required_unless=Provider mock"`
	Timeout        time.Duration `yaml:"timeout" validate:"min=1s"`
	MaxRetries     int           `yaml:"max_retries" validate:"min=0,max=10"`
	RateLimitRPM   int           `yaml:"rate_limit_rpm" validate:"min=0"`
	RateLimitBurst int           `yaml:"rate_limit_burst" validate:"min=0"`
	MaxTokens      int           `yaml:"max_tokens" validate:"min=0"`
}

// JobsConfig configures the job manager and task runner
type JobsConfig struct {
	Workers         int           `yaml:"workers" validate:"min=1,max=256"`
	QueueSize       int           `yaml:"queue_size" validate:"min=1"`
	WatchdogTimeout time.Duration `yaml:"watchdog_timeout" validate:"min=1s"`
	SweepInterval   time.Duration `yaml:"sweep_interval" validate:"min=0"`
}

// PipelineConfig configures the generate/critique/retry loop
type PipelineConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" validate:"min=1,max=10"`
	AcceptThreshold  float64 `yaml:"accept_threshold" validate:"min=0,max=100"`
	WordTolerance    float64 `yaml:"word_tolerance" validate:"gt=0,lt=1"`
	TitleSimilarity  float64 `yaml:"title_similarity" validate:"gt=0,lte=1"`
	TitleReplans     int     `yaml:"title_replans" validate:"min=0,max=5"`
	ExhaustionPolicy string  `yaml:"exhaustion_policy" validate:"oneof=reject accept_best"`
}

// ContextConfig bounds the assembled context payload
type ContextConfig struct {
	RecentChapters  int `yaml:"recent_chapters" validate:"min=0,max=20"`
	TitleWindow     int `yaml:"title_window" validate:"min=0,max=500"`
	SnippetWindow   int `yaml:"snippet_window" validate:"min=0,max=100"`
	ExcerptChars    int `yaml:"excerpt_chars" validate:"min=100"`
	MaxPayloadChars int `yaml:"max_payload_chars" validate:"min=2000,gtefield=ExcerptChars"`

	// per-layer caps applied before the payload budget
	PremiseChars int `yaml:"premise_chars" validate:"min=0"`
	BibleChars   int `yaml:"bible_chars" validate:"min=0"`
	OutlineChars int `yaml:"outline_chars" validate:"min=0"`
	KnownNames   int `yaml:"known_names" validate:"min=0,max=1000"`
	ThreadItems  int `yaml:"thread_items" validate:"min=0,max=200"`
}

// QualityConfig configures the post-acceptance enrichment modules
type QualityConfig struct {
	Enabled bool          `yaml:"enabled"`
	Workers int           `yaml:"workers" validate:"min=1,max=16"`
	Timeout time.Duration `yaml:"timeout" validate:"min=0"`
	Model   string        `yaml:"model"` // empty uses backend.model
}

// GenresConfig locates genre rule files
type GenresConfig struct {
	Dir           string `yaml:"dir"`
	Watch         bool   `yaml:"watch"`
	WatchDebounce int    `yaml:"watch_debounce" validate:"min=0"` // milliseconds
}

// NATSConfig configures the scheduler trigger and event publisher
type NATSConfig struct {
	Enabled      bool   `yaml:"enabled"`
	URL          string `yaml:"url" validate:"required_if=Enabled true"`
	StartSubject string `yaml:"start_subject" validate:"required_if=Enabled true"`
	QueueGroup   string `yaml:"queue_group"`
	EventPrefix  string `yaml:"event_prefix"`
}

// MetricsConfig toggles Prometheus collection
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LogConfig configures slog output
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// New creates a new Config with default values
func New() *Config {
	wd, _ := os.Getwd()
	dataDir := filepath.Join(wd, DefaultDataDir)

	return &Config{
		DataDir: dataDir,
		Server: ServerConfig{
			Enabled:     true,
			Addr:        DefaultListenAddr,
			Theme:       "catppuccin",
			CORSOrigins: []string{"http://localhost:*", "http://127.0.0.1:*"},
		},
		Storage: StorageConfig{
			DatabasePath: filepath.Join(dataDir, "serialforge.db"),
		},
		Backend: BackendConfig{
			Provider:       ProviderOpenAI,
			Model:          "gpt-4o-mini",
			Timeout:        DefaultBackendTimeout,
			MaxRetries:     DefaultBackendRetries,
			RateLimitRPM:   DefaultRateLimitRPM,
			RateLimitBurst: DefaultRateLimitBurst,
			MaxTokens:      4096,
		},
		Jobs: JobsConfig{
			Workers:         DefaultWorkers,
			QueueSize:       DefaultQueueSize,
			WatchdogTimeout: DefaultWatchdogTimeout,
			SweepInterval:   time.Minute,
		},
		Pipeline: PipelineConfig{
			MaxAttempts:      DefaultMaxAttempts,
			AcceptThreshold:  DefaultAcceptThreshold,
			WordTolerance:    DefaultWordTolerance,
			TitleSimilarity:  DefaultTitleSimilarity,
			TitleReplans:     DefaultTitleReplans,
			ExhaustionPolicy: PolicyReject,
		},
		Context: ContextConfig{
			RecentChapters:  DefaultRecentChapters,
			TitleWindow:     DefaultTitleWindow,
			SnippetWindow:   DefaultSnippetWindow,
			ExcerptChars:    DefaultExcerptChars,
			MaxPayloadChars: DefaultPayloadChars,
			PremiseChars:    DefaultPremiseChars,
			BibleChars:      DefaultBibleChars,
			OutlineChars:    DefaultOutlineChars,
			KnownNames:      DefaultKnownNames,
			ThreadItems:     DefaultThreadItems,
		},
		Quality: QualityConfig{
			Enabled: true,
			Workers: DefaultQualityWorkers,
			Timeout: 5 * time.Minute,
		},
		Genres: GenresConfig{
			Dir:           filepath.Join(dataDir, "genres"),
			Watch:         true,
			WatchDebounce: DefaultWatchDebounce,
		},
		NATS: NATSConfig{
			URL:          "nats://127.0.0.1:4222",
			StartSubject: "serialforge.jobs.start",
			QueueGroup:   "serialforge",
			EventPrefix:  "serialforge.events",
		},
		Metrics: MetricsConfig{Enabled: true},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path if it
// exists, then environment overrides. The result is validated.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("reading config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.expandPaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every section against its constraints
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"DATA_DIR":          &c.DataDir,
		"ADDR":              &c.Server.Addr,
		"API_KEY":           &c.Server.APIKey,
		"DATABASE_PATH":     &c.Storage.DatabasePath,
		"BACKEND_PROVIDER":  &c.Backend.Provider,
		"BACKEND_MODEL":     &c.Backend.Model,
		"QUALITY_MODEL":     &c.Quality.Model,
		"BACKEND_BASE_URL":  &c.Backend.BaseURL,
		"BACKEND_API_KEY":   &c.Backend.APIKey,
		"EXHAUSTION_POLICY": &c.Pipeline.ExhaustionPolicy,
		"GENRES_DIR":        &c.Genres.Dir,
		"NATS_URL":          &c.NATS.URL,
		"LOG_LEVEL":         &c.Log.Level,
		"LOG_FORMAT":        &c.Log.Format,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"WORKERS":      &c.Jobs.Workers,
		"QUEUE_SIZE":   &c.Jobs.QueueSize,
		"MAX_ATTEMPTS": &c.Pipeline.MaxAttempts,
	}
	for key, dst := range ints {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err)
			}
			*dst = n
		}
	}

	bools := map[string]*bool{
		"SERVER_ENABLED":  &c.Server.Enabled,
		"NATS_ENABLED":    &c.NATS.Enabled,
		"METRICS_ENABLED": &c.Metrics.Enabled,
	}
	for key, dst := range bools {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err)
			}
			*dst = b
		}
	}

	if v, ok := os.LookupEnv(EnvPrefix + "WATCHDOG_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %sWATCHDOG_TIMEOUT: %w", EnvPrefix, err)
		}
		c.Jobs.WatchdogTimeout = d
	}

	if c.Backend.APIKey == "" {
		switch c.Backend.Provider {
		case ProviderOpenAI:
			c.Backend.APIKey = os.Getenv("OPENAI_API_KEY")
		case ProviderAnthropic:
			c.Backend.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		}
	}

	return nil
}

func (c *Config) expandPaths() {
	c.DataDir = expandTilde(c.DataDir)
	c.Storage.DatabasePath = expandTilde(c.Storage.DatabasePath)
	c.Genres.Dir = expandTilde(c.Genres.Dir)
}

// expandTilde expands a leading ~/ to the user's home directory
func expandTilde(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// EnsureDirs creates the data directories
func (c *Config) EnsureDirs() error {
	dirs := []string{c.DataDir, filepath.Dir(c.Storage.DatabasePath)}
	if c.Genres.Dir != "" {
		dirs = append(dirs, c.Genres.Dir)
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// AcceptBestOnExhaustion reports whether the best draft is accepted once the
// attempt budget runs out
func (c *Config) AcceptBestOnExhaustion() bool {
	return c.Pipeline.ExhaustionPolicy == PolicyAcceptBest
}
