package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/wirelead/wirelead/internal/config"
	"github.com/wirelead/wirelead/internal/contacts"
	"github.com/wirelead/wirelead/internal/conversation"
	"github.com/wirelead/wirelead/internal/db"
	"github.com/wirelead/wirelead/internal/dedupe"
	"github.com/wirelead/wirelead/internal/events"
	"github.com/wirelead/wirelead/internal/extract"
	"github.com/wirelead/wirelead/internal/handlers"
	"github.com/wirelead/wirelead/internal/ingest"
	"github.com/wirelead/wirelead/internal/leads"
	"github.com/wirelead/wirelead/internal/logger"
	"github.com/wirelead/wirelead/internal/persona"
	"github.com/wirelead/wirelead/internal/ratelimit"
	"github.com/wirelead/wirelead/internal/reply"
	"github.com/wirelead/wirelead/internal/server"
	"github.com/wirelead/wirelead/internal/session"
	"github.com/wirelead/wirelead/internal/session/whatsapp"
)

// dedupeTTL bounds the in-memory replay window; the database unique index
// covers anything older.
const dedupeTTL = 12 * time.Hour

const pairingSweepSpec = "@every 1m"

func runServe() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideDBConn,
			provideConversationStore,
			provideLeadStore,
			providePersonaStore,
			events.NewHub,
			provideTransport,
			provideManager,
			provideOpenAIClient,
			provideExtractService,
			provideReplyGenerator,
			provideRateLimiter,
			provideDedupeCache,
			providePipeline,
			provideSender,
			provideContactEngine,
			handlers.NewHealthHandler,
			provideAuthHandler,
			provideSessionHandler,
			provideMessagesHandler,
			provideContactsHandler,
			provideLeadsHandler,
			providePersonasHandler,
			provideEventsHandler,
			provideServer,
		),
		fx.Invoke(
			wireManager,
			startSessions,
			startCron,
			startServer,
		),
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideConfig() (config.Config, error) {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideDBConn(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	if err := db.Migrate(cfg.Postgres); err != nil {
		return nil, fmt.Errorf("db migrate: %w", err)
	}
	pool, err := db.Open(context.Background(), cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { pool.Close(); return nil }})
	return pool, nil
}

func provideConversationStore(log *slog.Logger, pool *pgxpool.Pool) *conversation.Store {
	return conversation.NewStore(log, pool)
}

func provideLeadStore(log *slog.Logger, pool *pgxpool.Pool) *leads.Store {
	return leads.NewStore(log, pool)
}

func providePersonaStore(log *slog.Logger, pool *pgxpool.Pool) *persona.Store {
	return persona.NewStore(log, pool)
}

func provideTransport(log *slog.Logger, cfg config.Config, pool *pgxpool.Pool) (*whatsapp.Transport, error) {
	transport, err := whatsapp.NewTransport(context.Background(), log, cfg.WhatsApp, pool)
	if err != nil {
		return nil, fmt.Errorf("whatsapp store: %w", err)
	}
	return transport, nil
}

func provideManager(log *slog.Logger, transport *whatsapp.Transport, hub *events.Hub) *session.Manager {
	return session.NewManager(log, transport, hub)
}

func provideOpenAIClient(cfg config.Config) *openai.Client {
	clientCfg := openai.DefaultConfig(cfg.OpenAI.APIKey)
	if strings.TrimSpace(cfg.OpenAI.BaseURL) != "" {
		clientCfg.BaseURL = cfg.OpenAI.BaseURL
	}
	return openai.NewClientWithConfig(clientCfg)
}

func provideExtractService(log *slog.Logger, cfg config.Config, client *openai.Client) *extract.Service {
	var audio, image extract.Extractor
	if strings.TrimSpace(cfg.OpenAI.APIKey) != "" {
		audio = extract.NewWhisperExtractor(client, cfg.OpenAI.WhisperModel)
		image = extract.NewVisionExtractor(client, cfg.OpenAI.VisionModel)
	}
	return extract.NewService(log, audio, image, extract.NewPDFExtractor())
}

func provideReplyGenerator(log *slog.Logger, cfg config.Config) reply.Generator {
	timeout := time.Duration(cfg.Reply.TimeoutSeconds) * time.Second
	return reply.NewOpenAIGenerator(log, cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.ChatModel, timeout)
}

func provideRateLimiter(cfg config.Config) *ratelimit.Limiter {
	return ratelimit.New(cfg.RateLimit.SendPerMinute, cfg.RateLimit.SendBurst)
}

func provideDedupeCache() *dedupe.Cache {
	return dedupe.NewCache(dedupeTTL)
}

func providePipeline(
	log *slog.Logger,
	cfg config.Config,
	conversations *conversation.Store,
	leadStore *leads.Store,
	personas *persona.Store,
	describer *extract.Service,
	generator reply.Generator,
	limiter *ratelimit.Limiter,
	cache *dedupe.Cache,
	hub *events.Hub,
	manager *session.Manager,
) *ingest.Pipeline {
	return ingest.NewPipeline(log, conversations, leadStore, personas, describer, generator, limiter, cache, hub, manager, cfg.Reply.HistoryLimit)
}

func provideSender(log *slog.Logger, conversations *conversation.Store, manager *session.Manager, limiter *ratelimit.Limiter, hub *events.Hub) *ingest.Sender {
	return ingest.NewSender(log, conversations, manager, limiter, hub)
}

func provideContactEngine(log *slog.Logger, conversations *conversation.Store, hub *events.Hub, cfg config.Config) *contacts.Engine {
	return contacts.NewEngine(log, conversations, hub, cfg.Sync.Workers)
}

func provideAuthHandler(log *slog.Logger, cfg config.Config) (*handlers.AuthHandler, error) {
	expiresIn, err := time.ParseDuration(cfg.Auth.JWTExpiresIn)
	if err != nil {
		return nil, fmt.Errorf("parse jwt_expires_in: %w", err)
	}
	return handlers.NewAuthHandler(log, cfg.Auth.JWTSecret, expiresIn), nil
}

func provideSessionHandler(log *slog.Logger, manager *session.Manager) *handlers.SessionHandler {
	return handlers.NewSessionHandler(log, manager)
}

func provideMessagesHandler(log *slog.Logger, sender *ingest.Sender, conversations *conversation.Store, manager *session.Manager) *handlers.MessagesHandler {
	return handlers.NewMessagesHandler(log, sender, conversations, manager)
}

func provideContactsHandler(log *slog.Logger, manager *session.Manager) *handlers.ContactsHandler {
	return handlers.NewContactsHandler(log, manager)
}

func provideLeadsHandler(log *slog.Logger, store *leads.Store) *handlers.LeadsHandler {
	return handlers.NewLeadsHandler(log, store)
}

func providePersonasHandler(log *slog.Logger, store *persona.Store) *handlers.PersonasHandler {
	return handlers.NewPersonasHandler(log, store)
}

func provideEventsHandler(log *slog.Logger, hub *events.Hub) *handlers.EventsHandler {
	return handlers.NewEventsHandler(log, hub)
}

func provideServer(
	cfg config.Config,
	log *slog.Logger,
	health *handlers.HealthHandler,
	authHandler *handlers.AuthHandler,
	sessions *handlers.SessionHandler,
	messages *handlers.MessagesHandler,
	contactsHandler *handlers.ContactsHandler,
	leadsHandler *handlers.LeadsHandler,
	personas *handlers.PersonasHandler,
	eventsHandler *handlers.EventsHandler,
) *server.Server {
	return server.NewServer(cfg.Server.Addr, cfg.Auth.JWTSecret, log,
		health, authHandler, sessions, messages, contactsHandler, leadsHandler, personas, eventsHandler)
}

// wireManager closes the manager/pipeline cycle: the pipeline needs the
// manager for outbound sends, the manager needs the pipeline for inbound
// messages.
func wireManager(manager *session.Manager, pipeline *ingest.Pipeline, engine *contacts.Engine) {
	manager.SetIngestor(pipeline)
	manager.SetContactSyncer(engine)
}

func startSessions(lc fx.Lifecycle, log *slog.Logger, manager *session.Manager) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := manager.RestoreAll(context.Background()); err != nil {
					log.Error("session restore failed", slog.Any("error", err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return manager.Shutdown(ctx)
		},
	})
}

func startCron(lc fx.Lifecycle, log *slog.Logger, cfg config.Config, manager *session.Manager) error {
	c := cron.New()
	if spec := strings.TrimSpace(cfg.Sync.ResyncSpec); spec != "" {
		if _, err := c.AddFunc(spec, func() {
			manager.ResyncAllContacts(context.Background())
		}); err != nil {
			return fmt.Errorf("schedule contact resync: %w", err)
		}
	}
	if _, err := c.AddFunc(pairingSweepSpec, func() {
		manager.SweepPairingCodes()
	}); err != nil {
		return fmt.Errorf("schedule pairing sweep: %w", err)
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error { c.Start(); return nil },
		OnStop: func(ctx context.Context) error {
			<-c.Stop().Done()
			return nil
		},
	})
	return nil
}

func startServer(lc fx.Lifecycle, log *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
