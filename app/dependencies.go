package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/learnloop/llm-gateway/config"
	"github.com/learnloop/llm-gateway/repositories"
	"github.com/learnloop/llm-gateway/repositories/postgres"
	"github.com/learnloop/llm-gateway/services/llm"
	"github.com/learnloop/llm-gateway/services/pricing"
	"github.com/learnloop/llm-gateway/services/providers"
	"github.com/learnloop/llm-gateway/services/providers/anthropic"
	"github.com/learnloop/llm-gateway/services/providers/azurefoundry"
	"github.com/learnloop/llm-gateway/services/providers/gemini"
	"github.com/learnloop/llm-gateway/services/providers/openai"
	"github.com/learnloop/llm-gateway/services/providers/vertex"
)

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config *config.Config
	Logger *zap.Logger

	// Usage ledger; all nil when no database is configured
	RepoFactory *postgres.RepositoryFactory
	DB          *postgres.DB
	Usage       repositories.UsageRepository

	// Request layer
	Providers *providers.Registry
	Pricing   *pricing.Table
	LLM       *llm.Service
}

// NewDependencies creates and wires up all application dependencies
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config:    cfg,
		Logger:    logger,
		Providers: NewProviderRegistry(cfg.Providers, cfg.LLM.ConnectTimeout),
	}

	table, err := pricing.LoadTable(cfg.LLM.PricingFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load pricing: %w", err)
	}
	deps.Pricing = table

	if err := deps.initDatabase(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := deps.initLLM(cfg); err != nil {
		deps.closeDatabase()
		return nil, fmt.Errorf("failed to initialize LLM service: %w", err)
	}

	logger.Info("all dependencies initialized successfully")
	return deps, nil
}

// initDatabase connects the usage ledger when a database is configured
func (d *Dependencies) initDatabase(ctx context.Context, cfg *config.Config) error {
	if !cfg.Database.Enabled() {
		d.Logger.Info("no database configured, usage ledger disabled")
		return nil
	}

	factory, err := postgres.NewRepositoryFactory(cfg.Database, d.Logger)
	if err != nil {
		return fmt.Errorf("failed to create repository factory: %w", err)
	}

	if err := factory.GetDB().InitSchema(ctx); err != nil {
		_ = factory.Close()
		return err
	}

	d.RepoFactory = factory
	d.DB = factory.GetDB()
	d.Usage = factory.NewRepositories().Usage

	d.Logger.Info("usage ledger enabled",
		zap.String("connection", cfg.Database.LogString()))
	return nil
}

func (d *Dependencies) initLLM(cfg *config.Config) error {
	opts := []llm.Option{llm.WithPricing(d.Pricing)}
	if d.Usage != nil {
		opts = append(opts, llm.WithUsageRepository(d.Usage))
	}

	svc, err := llm.New(cfg.LLM, d.Providers, d.Logger, opts...)
	if err != nil {
		return err
	}
	d.LLM = svc
	return nil
}

// NewProviderRegistry registers a builder for every known provider. Builders
// run lazily, so only the providers selected as primary or fallback need
// credentials.
func NewProviderRegistry(cfg config.ProvidersConfig, connectTimeout time.Duration) *providers.Registry {
	registry := providers.NewRegistry()

	builders := map[string]providers.Builder{
		config.ProviderAnthropic: func() (providers.Provider, error) {
			return anthropic.New(anthropic.Config{
				APIKey:         cfg.Anthropic.APIKey,
				BaseURL:        cfg.Anthropic.BaseURL,
				ConnectTimeout: connectTimeout,
				Timeout:        cfg.Anthropic.Timeout,
			})
		},
		config.ProviderAzureFoundry: func() (providers.Provider, error) {
			return azurefoundry.New(azurefoundry.Config{
				Endpoint:       cfg.AzureFoundry.Endpoint,
				APIKey:         cfg.AzureFoundry.APIKey,
				APIVersion:     cfg.AzureFoundry.APIVersion,
				ConnectTimeout: connectTimeout,
				Timeout:        cfg.AzureFoundry.Timeout,
			})
		},
		config.ProviderVertex: func() (providers.Provider, error) {
			return vertex.New(vertex.Config{
				ProjectID:       cfg.Vertex.ProjectID,
				Region:          cfg.Vertex.Region,
				CredentialsFile: cfg.Vertex.CredentialsFile,
				BaseURL:         cfg.Vertex.BaseURL,
				ConnectTimeout:  connectTimeout,
				Timeout:         cfg.Vertex.Timeout,
			})
		},
		config.ProviderOpenAI: func() (providers.Provider, error) {
			return openai.New(openai.Config{
				APIKey:         cfg.OpenAI.APIKey,
				BaseURL:        cfg.OpenAI.BaseURL,
				ConnectTimeout: connectTimeout,
				Timeout:        cfg.OpenAI.Timeout,
			})
		},
		config.ProviderGemini: func() (providers.Provider, error) {
			return gemini.New(gemini.Config{
				APIKey:         cfg.Gemini.APIKey,
				BaseURL:        cfg.Gemini.BaseURL,
				ConnectTimeout: connectTimeout,
				Timeout:        cfg.Gemini.Timeout,
			})
		},
	}

	for _, name := range config.KnownProviders {
		// Names are unique constants, so Register cannot fail here
		_ = registry.Register(name, builders[name])
	}
	return registry
}

// DatabaseChecker returns the ledger database for readiness probes, or nil
// when the ledger is disabled.
func (d *Dependencies) DatabaseChecker() interface{ HealthCheck(context.Context) error } {
	if d.DB == nil {
		return nil
	}
	return d.DB
}

func (d *Dependencies) closeDatabase() error {
	if d.RepoFactory == nil {
		return nil
	}
	return d.RepoFactory.Close()
}

// Close flushes pending usage writes and shuts down all dependencies
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	if d.LLM != nil {
		if err := d.LLM.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if err := d.closeDatabase(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close database: %w", err))
	}

	_ = d.Logger.Sync()

	return errors.Join(errs...)
}
