// Package app assembles the relay pipeline from configuration. The HTTP
// service and the Lambda entrypoint share it.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/vnmchuo/llm-relay/config"
	"github.com/vnmchuo/llm-relay/internal/completion"
	"github.com/vnmchuo/llm-relay/internal/history"
	"github.com/vnmchuo/llm-relay/internal/paramstore"
	"github.com/vnmchuo/llm-relay/internal/provider"
	"github.com/vnmchuo/llm-relay/internal/provider/claude"
	"github.com/vnmchuo/llm-relay/internal/provider/gemini"
	"github.com/vnmchuo/llm-relay/internal/provider/openai"
	"github.com/vnmchuo/llm-relay/internal/relay"
	"github.com/vnmchuo/llm-relay/internal/usage"
	"github.com/vnmchuo/llm-relay/pkg/ratelimit"
)

const (
	breakerFailures = 3
	breakerOpenFor  = 30 * time.Second
	// turnSlack covers history IO and reply delivery around the provider calls.
	turnSlack = 30 * time.Second
)

type App struct {
	Registry     *provider.Registry
	Orchestrator *relay.Orchestrator
	Usage        usage.Store
	// Limiter is nil unless Redis is configured and RATE_LIMIT_PER_MINUTE > 0.
	Limiter *ratelimit.Limiter
	// TurnTimeout is the longest one turn can take when every provider is
	// tried with all its retries.
	TurnTimeout time.Duration

	awsCfg  *aws.Config
	closers []func()
}

// New connects the configured stores and builds the orchestrator.
// On error everything opened so far is closed again.
func New(ctx context.Context, cfg *config.Config) (_ *App, err error) {
	a := &App{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if cfg.ParamPrefix != "" {
		if err := a.resolveKeys(ctx, cfg); err != nil {
			return nil, err
		}
	}

	a.Registry, err = provider.ParseRegistry(cfg.Providers)
	if err != nil {
		return nil, fmt.Errorf("invalid PROVIDERS: %w", err)
	}
	transports, err := buildTransports(cfg, a.Registry)
	if err != nil {
		return nil, err
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		a.closers = append(a.closers, func() { rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to ping redis: %w", err)
		}
		slog.Info("redis connected", "addr", cfg.RedisAddr)
	}

	var pool *pgxpool.Pool
	if cfg.PostgresDSN != "" {
		pool, err = pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to connect postgres: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		if err := pool.Ping(ctx); err != nil {
			return nil, fmt.Errorf("failed to ping postgres: %w", err)
		}
		slog.Info("postgres connected")
	}

	backend, err := a.openBackend(ctx, cfg, rdb, pool)
	if err != nil {
		return nil, err
	}
	slog.Info("history backend ready", "backend", cfg.HistoryBackend)

	if pool != nil {
		store := usage.NewPostgresStore(pool)
		if err := store.InitSchema(ctx); err != nil {
			return nil, err
		}
		a.Usage = store
	} else {
		a.Usage = usage.NewMemoryStore()
	}

	if rdb != nil && cfg.RateLimitPerMinute > 0 {
		a.Limiter = ratelimit.NewLimiter(rdb, cfg.RateLimitPerMinute)
	}

	retry := RetryPolicy(cfg)
	a.TurnTimeout = TurnBudget(retry, cfg.ProviderTimeout, a.Registry.Len())

	client := completion.NewClient(transports,
		completion.WithRetryPolicy(retry),
		completion.WithBreaker(breakerFailures, breakerOpenFor),
		completion.WithTracer(otel.Tracer("llm-relay/completion")),
	)

	a.Orchestrator = relay.NewOrchestrator(a.Registry, client,
		history.NewStore(backend, cfg.SystemPrompt),
		relay.Config{
			MaxHistory:           cfg.MaxHistoryMessages,
			MaxTokens:            cfg.MaxOutputTokens,
			Timeout:              cfg.ProviderTimeout,
			StopOnFirstRateLimit: cfg.StopOnFirstRateLimit,
			Location:             cfg.ReferenceTimezone,
		},
		relay.WithUsage(a.Usage),
		relay.WithTracer(otel.Tracer("llm-relay/relay")),
	)
	return a, nil
}

// RetryPolicy builds the per-provider retry schedule selected by RETRY_STRATEGY.
func RetryPolicy(cfg *config.Config) completion.RetryPolicy {
	if cfg.RetryStrategy == config.RetryConstant {
		return completion.ConstantRetry(cfg.RetryMaxAttempts, cfg.RetryBackoff)
	}
	return completion.ExponentialRetry(cfg.RetryMaxAttempts, cfg.RetryBackoff)
}

// TurnBudget is the worst case for a turn that falls through all providers.
func TurnBudget(retry completion.RetryPolicy, timeout time.Duration, providers int) time.Duration {
	return retry.TurnBudget(timeout)*time.Duration(max(providers, 1)) + turnSlack
}

// Close waits for pending usage writes, then releases connections in reverse order.
func (a *App) Close() {
	if a.Orchestrator != nil {
		a.Orchestrator.Wait()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *App) awsConfig(ctx context.Context) (aws.Config, error) {
	if a.awsCfg != nil {
		return *a.awsCfg, nil
	}
	c, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load aws config: %w", err)
	}
	a.awsCfg = &c
	return c, nil
}

// resolveKeys overrides env API keys with the SSM parameters under cfg.ParamPrefix.
func (a *App) resolveKeys(ctx context.Context, cfg *config.Config) error {
	awsCfg, err := a.awsConfig(ctx)
	if err != nil {
		return err
	}
	params, err := paramstore.New(ssm.NewFromConfig(awsCfg))
	if err != nil {
		return err
	}
	keys, err := paramstore.LoadAPIKeys(ctx, params, cfg.ParamPrefix)
	if err != nil {
		return fmt.Errorf("failed to load api keys from %s: %w", cfg.ParamPrefix, err)
	}
	cfg.OpenRouterAPIKey = keys.OpenRouter
	if keys.Gemini != "" {
		cfg.GeminiAPIKey = keys.Gemini
	}
	if keys.Anthropic != "" {
		cfg.AnthropicAPIKey = keys.Anthropic
	}
	return nil
}

// buildTransports creates one transport per upstream that has a key and checks
// that every registry entry can be served.
func buildTransports(cfg *config.Config, registry *provider.Registry) (map[string]provider.Transport, error) {
	transports := map[string]provider.Transport{}
	if cfg.OpenRouterAPIKey != "" {
		transports[provider.UpstreamOpenAI] = openai.New(cfg.OpenRouterAPIKey,
			openai.WithBaseURL(cfg.OpenRouterBaseURL),
			openai.WithHeader("X-Title", "llm-relay"),
		)
	}
	if cfg.GeminiAPIKey != "" {
		transports[provider.UpstreamGemini] = gemini.New(cfg.GeminiAPIKey)
	}
	if cfg.AnthropicAPIKey != "" {
		transports[provider.UpstreamClaude] = claude.New(cfg.AnthropicAPIKey)
	}

	for _, upstream := range registry.Upstreams() {
		if _, ok := transports[upstream]; !ok {
			return nil, fmt.Errorf("PROVIDERS uses upstream %q but its API key is not set", upstream)
		}
	}
	return transports, nil
}

func (a *App) openBackend(ctx context.Context, cfg *config.Config, rdb *redis.Client, pool *pgxpool.Pool) (history.Backend, error) {
	switch cfg.HistoryBackend {
	case config.BackendRedis:
		return history.NewRedisBackend(rdb, cfg.HistoryTTL), nil
	case config.BackendPostgres:
		b := history.NewPostgresBackend(pool)
		if err := b.InitSchema(ctx); err != nil {
			return nil, err
		}
		return b, nil
	case config.BackendSQLite:
		b, err := history.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { b.Close() })
		return b, nil
	case config.BackendDynamoDB:
		awsCfg, err := a.awsConfig(ctx)
		if err != nil {
			return nil, err
		}
		return history.NewDynamoBackend(dynamodb.NewFromConfig(awsCfg), cfg.DynamoDBTable, cfg.HistoryTTL)
	default:
		return history.NewMemoryBackend(), nil
	}
}
