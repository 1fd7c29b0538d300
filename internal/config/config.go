// Package config resolves run configuration from defaults, an optional YAML
// file, the environment (including .env) and command-line flags, in
// increasing order of precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"typegraph/internal/catalog"
	"typegraph/internal/objstore"
)

// ErrConfig is wrapped by every configuration problem.
var ErrConfig = errors.New("configuration error")

// Error is one invalid or missing setting.
type Error struct {
	Key string
	Msg string
}

func (e *Error) Error() string { return fmt.Sprintf("config: %s: %s", e.Key, e.Msg) }
func (e *Error) Unwrap() error { return ErrConfig }

const (
	ProviderGemini = "gemini"
	ProviderXAI    = "xai"
	ProviderGroq   = "groq"
	ProviderFake   = "fake"

	BackendS3       = "s3"
	BackendPostgres = "postgres"
	BackendNone     = "none"
)

type Config struct {
	LLM       LLMConfig
	Chunk     ChunkConfig
	Enrich    EnrichConfig
	Store     StoreConfig
	Log       LogConfig
	WorkDir   string
	Libraries []catalog.Library
}

type LLMConfig struct {
	Provider string
	Model    string
	APIKey   string
	RPS      float64
	Burst    int
}

type ChunkConfig struct {
	MaxUnit   int
	Estimator string
}

type EnrichConfig struct {
	Attempts int
	Backoff  time.Duration
	Workers  int
}

type StoreConfig struct {
	Backend     string
	S3          objstore.S3Config
	DatabaseURL string
}

type LogConfig struct {
	Level  string
	Format string
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		LLM:     LLMConfig{Provider: ProviderGemini, Burst: 1},
		Chunk:   ChunkConfig{MaxUnit: 5000, Estimator: "tokens"},
		Enrich:  EnrichConfig{Attempts: 3, Backoff: time.Second, Workers: 1},
		Store:   StoreConfig{Backend: BackendS3, S3: objstore.S3Config{Region: "auto", UseSSL: true}},
		Log:     LogConfig{Level: "info", Format: "text"},
		WorkDir: "./libraryDefs",
	}
}

// DefaultModel is the model used when LLM_MODEL is unset.
func DefaultModel(provider string) string {
	switch provider {
	case ProviderXAI:
		return "grok-3-mini-beta"
	case ProviderGroq:
		return "llama-3.3-70b-versatile"
	case ProviderFake:
		return "fake"
	}
	return "gemini-2.5-flash"
}

// APIKeyVars lists the environment variables holding provider's key, the
// last one winning.
func APIKeyVars(provider string) []string {
	switch provider {
	case ProviderGemini:
		return []string{"GEMINI_API_KEY"}
	case ProviderXAI:
		return []string{"xAIKey", "XAI_API_KEY"}
	case ProviderGroq:
		return []string{"GROQ_API_KEY"}
	}
	return nil
}

// Load reads .env (best effort), the optional YAML file and the process
// environment.
func Load(file string) (*Config, error) {
	_ = godotenv.Load()
	return LoadWith(file, os.LookupEnv)
}

// LoadWith is Load with an explicit environment lookup.
func LoadWith(file string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	var errs []error
	if strings.TrimSpace(file) != "" {
		if err := cfg.applyFile(file); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, cfg.applyEnv(lookup)...)
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = DefaultModel(cfg.LLM.Provider)
	}
	return cfg, errors.Join(errs...)
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) []error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, &Error{Key: key, Msg: fmt.Sprintf("not an integer: %q", v)})
				return
			}
			*dst = n
		}
	}

	str("LLM_PROVIDER", &c.LLM.Provider)
	c.LLM.Provider = strings.ToLower(c.LLM.Provider)
	str("LLM_MODEL", &c.LLM.Model)
	for _, key := range APIKeyVars(c.LLM.Provider) {
		str(key, &c.LLM.APIKey)
	}
	if v, ok := lookup("LLM_RPS"); ok && strings.TrimSpace(v) != "" {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			errs = append(errs, &Error{Key: "LLM_RPS", Msg: fmt.Sprintf("not a number: %q", v)})
		} else {
			c.LLM.RPS = f
		}
	}
	integer("LLM_BURST", &c.LLM.Burst)

	integer("CHUNK_MAX_UNIT", &c.Chunk.MaxUnit)
	str("CHUNK_ESTIMATOR", &c.Chunk.Estimator)

	integer("ENRICH_ATTEMPTS", &c.Enrich.Attempts)
	integer("ENRICH_WORKERS", &c.Enrich.Workers)
	if v, ok := lookup("ENRICH_BACKOFF"); ok && strings.TrimSpace(v) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, &Error{Key: "ENRICH_BACKOFF", Msg: err.Error()})
		} else {
			c.Enrich.Backoff = d
		}
	}

	str("WORK_DIR", &c.WorkDir)
	str("STORE_BACKEND", &c.Store.Backend)
	c.Store.Backend = strings.ToLower(c.Store.Backend)
	str("R2_ENDPOINT", &c.Store.S3.Endpoint)
	str("R2_ACCESS_KEY_ID", &c.Store.S3.AccessKey)
	str("R2_SECRET_ACCESS_KEY", &c.Store.S3.SecretKey)
	str("R2_BUCKET", &c.Store.S3.Bucket)
	str("R2_REGION", &c.Store.S3.Region)
	if v, ok := lookup("R2_USE_SSL"); ok && strings.TrimSpace(v) != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, &Error{Key: "R2_USE_SSL", Msg: fmt.Sprintf("not a boolean: %q", v)})
		} else {
			c.Store.S3.UseSSL = b
		}
	}
	str("DATABASE_URL", &c.Store.DatabaseURL)

	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	return errs
}

// fileConfig mirrors the YAML layout. Zero values leave settings untouched.
type fileConfig struct {
	LLM struct {
		Provider string  `yaml:"provider"`
		Model    string  `yaml:"model"`
		RPS      float64 `yaml:"rps"`
		Burst    int     `yaml:"burst"`
	} `yaml:"llm"`
	Chunk struct {
		MaxUnit   int    `yaml:"maxUnit"`
		Estimator string `yaml:"estimator"`
	} `yaml:"chunk"`
	Enrich struct {
		Attempts int    `yaml:"attempts"`
		Backoff  string `yaml:"backoff"`
		Workers  int    `yaml:"workers"`
	} `yaml:"enrich"`
	Store struct {
		Backend string `yaml:"backend"`
		R2      struct {
			Endpoint string `yaml:"endpoint"`
			Bucket   string `yaml:"bucket"`
			Region   string `yaml:"region"`
			UseSSL   *bool  `yaml:"useSSL"`
		} `yaml:"r2"`
	} `yaml:"store"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	WorkDir   string            `yaml:"workDir"`
	Libraries []catalog.Library `yaml:"libraries"`
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &Error{Key: "--config", Msg: err.Error()}
	}
	var f fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return &Error{Key: "--config", Msg: fmt.Sprintf("%s: %v", path, err)}
	}
	set := func(dst *string, v string) {
		if strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set(&c.LLM.Provider, f.LLM.Provider)
	set(&c.LLM.Model, f.LLM.Model)
	if f.LLM.RPS != 0 {
		c.LLM.RPS = f.LLM.RPS
	}
	if f.LLM.Burst != 0 {
		c.LLM.Burst = f.LLM.Burst
	}
	if f.Chunk.MaxUnit != 0 {
		c.Chunk.MaxUnit = f.Chunk.MaxUnit
	}
	set(&c.Chunk.Estimator, f.Chunk.Estimator)
	if f.Enrich.Attempts != 0 {
		c.Enrich.Attempts = f.Enrich.Attempts
	}
	if f.Enrich.Workers != 0 {
		c.Enrich.Workers = f.Enrich.Workers
	}
	if f.Enrich.Backoff != "" {
		d, err := time.ParseDuration(f.Enrich.Backoff)
		if err != nil {
			return &Error{Key: "enrich.backoff", Msg: err.Error()}
		}
		c.Enrich.Backoff = d
	}
	set(&c.Store.Backend, f.Store.Backend)
	set(&c.Store.S3.Endpoint, f.Store.R2.Endpoint)
	set(&c.Store.S3.Bucket, f.Store.R2.Bucket)
	set(&c.Store.S3.Region, f.Store.R2.Region)
	if f.Store.R2.UseSSL != nil {
		c.Store.S3.UseSSL = *f.Store.R2.UseSSL
	}
	set(&c.Log.Level, f.Log.Level)
	set(&c.Log.Format, f.Log.Format)
	set(&c.WorkDir, f.WorkDir)
	c.Libraries = append(c.Libraries, f.Libraries...)
	return nil
}

// Stages that Validate knows about.
const (
	StageRun        = "run"
	StagePack       = "pack"
	StageEnrich     = "enrich"
	StageReassemble = "reassemble"
	StageInspect    = "inspect"
	StageLibs       = "libs"
)

// Validate reports every setting the given stage cannot run without. It
// returns nil or an error wrapping ErrConfig.
func (c *Config) Validate(stage string) error {
	var errs []error
	bad := func(key, msg string) { errs = append(errs, &Error{Key: key, Msg: msg}) }

	if c.Chunk.MaxUnit <= 0 {
		bad("CHUNK_MAX_UNIT", "must be positive")
	}
	switch c.Chunk.Estimator {
	case "", "tokens", "bytes":
	default:
		bad("CHUNK_ESTIMATOR", fmt.Sprintf("unknown estimator %q", c.Chunk.Estimator))
	}
	if c.Enrich.Attempts < 1 {
		bad("ENRICH_ATTEMPTS", "must be at least 1")
	}
	if c.Enrich.Workers < 1 {
		bad("ENRICH_WORKERS", "must be at least 1")
	}
	if c.Enrich.Backoff < 0 {
		bad("ENRICH_BACKOFF", "must not be negative")
	}
	if strings.TrimSpace(c.WorkDir) == "" {
		bad("WORK_DIR", "is required")
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		bad("LOG_FORMAT", fmt.Sprintf("unknown format %q", c.Log.Format))
	}

	if stage == StageRun || stage == StageEnrich {
		switch c.LLM.Provider {
		case ProviderGemini:
			if c.LLM.APIKey == "" {
				bad("GEMINI_API_KEY", "is required for provider gemini")
			}
		case ProviderXAI:
			if c.LLM.APIKey == "" {
				bad("XAI_API_KEY", "is required for provider xai")
			}
		case ProviderGroq:
			if c.LLM.APIKey == "" {
				bad("GROQ_API_KEY", "is required for provider groq")
			}
		case ProviderFake:
		default:
			bad("LLM_PROVIDER", fmt.Sprintf("unknown provider %q", c.LLM.Provider))
		}
		if c.LLM.RPS < 0 {
			bad("LLM_RPS", "must not be negative")
		}
	}

	if stage == StageRun {
		switch c.Store.Backend {
		case BackendS3:
			if c.Store.S3.Endpoint == "" {
				bad("R2_ENDPOINT", "is required for backend s3")
			}
			if c.Store.S3.AccessKey == "" || c.Store.S3.SecretKey == "" {
				bad("R2_ACCESS_KEY_ID", "access key and secret are required for backend s3")
			}
			if c.Store.S3.Bucket == "" {
				bad("R2_BUCKET", "is required for backend s3")
			}
		case BackendPostgres:
			if c.Store.DatabaseURL == "" {
				bad("DATABASE_URL", "is required for backend postgres")
			}
		case BackendNone:
		default:
			bad("STORE_BACKEND", fmt.Sprintf("unknown backend %q", c.Store.Backend))
		}
	}
	return errors.Join(errs...)
}
