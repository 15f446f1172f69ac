package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"chatrelay-backend/internal/config"
	"chatrelay-backend/internal/database"
	"chatrelay-backend/internal/repository"
	"chatrelay-backend/internal/services"
)

// newUpstream builds the provider selected by UPSTREAM_PROVIDER. The returned
// close func is never nil.
func newUpstream(ctx context.Context, cfg *config.Config) (services.Upstream, func(), error) {
	httpClient := &http.Client{Timeout: cfg.UpstreamTimeout}
	noop := func() {}

	switch cfg.Provider {
	case config.ProviderGemini:
		return services.NewGeminiClient(httpClient, cfg.GeminiAPIKey, cfg.UpstreamModel, cfg.UpstreamBaseURL, cfg.UpstreamTemperature), noop, nil
	case config.ProviderGeminiSDK:
		c, err := services.NewGeminiSDKClient(ctx, cfg.GeminiAPIKey, cfg.UpstreamModel, cfg.UpstreamBaseURL, cfg.UpstreamTemperature)
		if err != nil {
			return nil, noop, err
		}
		return c, func() { c.Close() }, nil
	case config.ProviderOpenAI:
		return services.NewOpenAIClient(httpClient, cfg.OpenAIAPIKey, cfg.UpstreamModel, cfg.UpstreamBaseURL, cfg.UpstreamTemperature), noop, nil
	case config.ProviderAnthropic:
		return services.NewAnthropicClient(httpClient, cfg.AnthropicAPIKey, cfg.UpstreamModel, cfg.UpstreamBaseURL, cfg.UpstreamTemperature), noop, nil
	default:
		return nil, noop, fmt.Errorf("unsupported upstream provider %q", cfg.Provider)
	}
}

// backends holds the transcript store and the optional Redis pub/sub client
// used by the websocket hub.
type backends struct {
	store  services.TranscriptStore
	pubsub *redis.Client

	redisClients *database.RedisClients
	pool         *pgxpool.Pool
}

func openBackends(ctx context.Context, cfg *config.Config) (*backends, error) {
	b := &backends{}

	if cfg.RedisURL != "" {
		clients, err := database.NewRedisClients(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		b.redisClients = clients
		b.pubsub = clients.PubSub
		log.Info().Msg("✓ Redis connected")
	}

	switch cfg.TranscriptStore {
	case config.StoreMemory:
		b.store = repository.NewMemoryTranscriptRepo()
	case config.StoreRedis:
		if b.redisClients == nil {
			return nil, errors.New("redis transcript store requires REDIS_URL")
		}
		var opts []repository.RedisOption
		if cfg.SessionIdleTTL > 0 {
			opts = append(opts, repository.WithTTL(cfg.SessionIdleTTL))
		}
		b.store = repository.NewRedisTranscriptRepo(b.redisClients.Store, opts...)
	case config.StorePostgres:
		pool, err := database.NewPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.pool = pool
		log.Info().Msg("✓ PostgreSQL connected")

		applied, err := database.RunMigrations(ctx, pool, cfg.MigrationsDir)
		if err != nil {
			b.Close()
			return nil, err
		}
		log.Info().Int("applied", applied).Msg("✓ Transcript schema migrated")
		b.store = repository.NewPostgresTranscriptRepo(pool)
	default:
		b.Close()
		return nil, fmt.Errorf("unsupported transcript store %q", cfg.TranscriptStore)
	}

	return b, nil
}

func (b *backends) Close() {
	if b.pool != nil {
		b.pool.Close()
	}
	if b.redisClients != nil {
		b.redisClients.Close()
	}
}
