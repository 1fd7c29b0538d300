package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"typegraph/internal/catalog"
	"typegraph/internal/chunk"
	"typegraph/internal/chunkstore"
	"typegraph/internal/config"
	"typegraph/internal/llm"
	"typegraph/internal/objstore"
	"typegraph/internal/pipeline"
)

const finalizedDir = "finalized"

// stageFlags are the per-command overrides of config settings. Zero values
// leave the loaded config untouched.
type stageFlags struct {
	maxUnit   int
	estimator string
	provider  string
	model     string
	workers   int
	attempts  int
	backend   string
}

func (f *stageFlags) chunking(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.maxUnit, "max-unit", 0, "unit budget in estimator units (env CHUNK_MAX_UNIT)")
	cmd.Flags().StringVar(&f.estimator, "estimator", "", "tokens|bytes (env CHUNK_ESTIMATOR)")
}

func (f *stageFlags) enrichment(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.provider, "provider", "", "gemini|xai|groq|fake (env LLM_PROVIDER)")
	cmd.Flags().StringVar(&f.model, "model", "", "model id (env LLM_MODEL)")
	cmd.Flags().IntVar(&f.workers, "workers", 0, "concurrent enrichment requests (env ENRICH_WORKERS)")
	cmd.Flags().IntVar(&f.attempts, "attempts", 0, "attempts per unit (env ENRICH_ATTEMPTS)")
}

func (f *stageFlags) storage(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.backend, "backend", "", "s3|postgres|none (env STORE_BACKEND)")
}

// apply writes the flags into cfg and validates it for stage.
func (f *stageFlags) apply(cfg *config.Config, stage string) error {
	if f.maxUnit != 0 {
		cfg.Chunk.MaxUnit = f.maxUnit
	}
	if f.estimator != "" {
		cfg.Chunk.Estimator = f.estimator
	}
	if f.provider != "" && !strings.EqualFold(f.provider, cfg.LLM.Provider) {
		cfg.LLM.Provider = strings.ToLower(f.provider)
		cfg.LLM.Model = config.DefaultModel(cfg.LLM.Provider)
		cfg.LLM.APIKey = ""
		for _, key := range config.APIKeyVars(cfg.LLM.Provider) {
			if v := strings.TrimSpace(os.Getenv(key)); v != "" {
				cfg.LLM.APIKey = v
			}
		}
	}
	if f.model != "" {
		cfg.LLM.Model = f.model
	}
	if f.workers != 0 {
		cfg.Enrich.Workers = f.workers
	}
	if f.attempts != 0 {
		cfg.Enrich.Attempts = f.attempts
	}
	if f.backend != "" {
		cfg.Store.Backend = strings.ToLower(f.backend)
	}
	return cfg.Validate(stage)
}

// newClient builds the configured model client behind the rate limiter and
// request logging.
func newClient(ctx context.Context, cfg config.LLMConfig, logger *slog.Logger) (llm.LLMClient, error) {
	var (
		c   llm.LLMClient
		err error
	)
	switch cfg.Provider {
	case config.ProviderGemini:
		c, err = llm.NewGeminiClient(ctx, cfg.APIKey, cfg.Model)
	case config.ProviderXAI:
		c, err = llm.NewXAIClient(cfg.APIKey, cfg.Model)
	case config.ProviderGroq:
		c, err = llm.NewGroqClient(cfg.APIKey, cfg.Model)
	case config.ProviderFake:
		c = llm.NewFakeClient()
	default:
		return nil, &config.Error{Key: "LLM_PROVIDER", Msg: fmt.Sprintf("unknown provider %q", cfg.Provider)}
	}
	if err != nil {
		return nil, fmt.Errorf("create %s client: %w", cfg.Provider, err)
	}
	return llm.Wrap(c, llm.RateLimit(cfg.RPS, cfg.Burst), llm.WithLogging(logger)), nil
}

// newObjects opens the durable store. The returned close func is never nil.
// A nil store means publishing is disabled.
func newObjects(ctx context.Context, cfg config.StoreConfig) (objstore.Store, func() error, error) {
	noop := func() error { return nil }
	var next objstore.Store
	closer := noop
	switch cfg.Backend {
	case config.BackendS3:
		s, err := objstore.NewS3Store(cfg.S3)
		if err != nil {
			return nil, noop, fmt.Errorf("open object store: %w", err)
		}
		next = s
	case config.BackendPostgres:
		s, err := objstore.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, noop, fmt.Errorf("open postgres store: %w", err)
		}
		next, closer = s, s.Close
	case config.BackendNone:
		return nil, noop, nil
	default:
		return nil, noop, &config.Error{Key: "STORE_BACKEND", Msg: fmt.Sprintf("unknown backend %q", cfg.Backend)}
	}
	cached, err := objstore.NewCachedStore(next, 0)
	if err != nil {
		_ = closer()
		return nil, noop, err
	}
	return cached, closer, nil
}

// libraries lists what the work directory and the config file know about.
// A missing work directory is fine when the config pins libraries.
func (a *app) libraries() (all []catalog.Library, latest []catalog.Library, err error) {
	scanned, err := catalog.Scan(a.cfg.WorkDir)
	if err != nil && !(errors.Is(err, fs.ErrNotExist) && len(a.cfg.Libraries) > 0) {
		return nil, nil, err
	}
	all = append(scanned, a.cfg.Libraries...)
	latest = catalog.Merge(catalog.Latest(scanned), a.cfg.Libraries)
	return all, latest, nil
}

// selectLibrary resolves "name" or "name@constraint". Scoped names keep
// their leading "@".
func (a *app) selectLibrary(arg string) (catalog.Library, error) {
	all, _, err := a.libraries()
	if err != nil {
		return catalog.Library{}, err
	}
	name, constraint := splitConstraint(arg)
	return catalog.Select(all, name, constraint)
}

func splitConstraint(arg string) (name, constraint string) {
	if i := strings.LastIndex(arg, "@"); i > 0 {
		return arg[:i], arg[i+1:]
	}
	return arg, ""
}

func (a *app) openStore(lib catalog.Library) (chunkstore.Store, error) {
	return chunkstore.NewDiskStore(filepath.Join(a.cfg.WorkDir, lib.Slug())), nil
}

func (a *app) finalized() chunkstore.Store {
	return chunkstore.NewDiskStore(filepath.Join(a.cfg.WorkDir, finalizedDir))
}

// newPipeline builds a pipeline for one run. client and objects may be nil
// for stages that do not need them.
func (a *app) newPipeline(client llm.LLMClient, objects objstore.Store) (*pipeline.Pipeline, error) {
	est, err := chunk.NewEstimator(a.cfg.Chunk.Estimator)
	if err != nil {
		return nil, &config.Error{Key: "CHUNK_ESTIMATOR", Msg: err.Error()}
	}
	rc := pipeline.NewRunContext(a.logger, est, a.cfg.Chunk.MaxUnit, a.cfg.Enrich.Workers)
	return pipeline.New(rc, pipeline.Options{
		Client:    client,
		OpenStore: a.openStore,
		Finalized: a.finalized(),
		Objects:   objects,
		Attempts:  a.cfg.Enrich.Attempts,
		Backoff:   a.cfg.Enrich.Backoff,
	}), nil
}
