package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/cataloghq/billing/modules/billing"
	"github.com/cataloghq/billing/pkg/config"
	"github.com/cataloghq/billing/pkg/email"
	"github.com/cataloghq/billing/pkg/httpserver"
	"github.com/cataloghq/billing/pkg/logger"
	"github.com/cataloghq/billing/pkg/mongo"
	"github.com/cataloghq/billing/pkg/pg"
	"github.com/cataloghq/billing/pkg/plan"
	"github.com/cataloghq/billing/pkg/redis"
	"github.com/cataloghq/billing/pkg/subscription"
	"github.com/cataloghq/billing/pkg/webhook"
)

type appConfig struct {
	Environment string `env:"APP_ENV" envDefault:"development"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"billing"`

	// Provider selects the payment processor adapter: stripe, paddle or dev.
	Provider         string `env:"BILLING_PROVIDER" envDefault:"stripe"`
	PlansFile        string `env:"BILLING_PLANS_FILE" envDefault:"plans.yaml"`
	DevWebhookSecret string `env:"BILLING_DEV_WEBHOOK_SECRET"`

	GraceWindow         time.Duration `env:"BILLING_GRACE_WINDOW" envDefault:"168h"`
	SweepInterval       time.Duration `env:"BILLING_SWEEP_INTERVAL" envDefault:"1h"`
	ReprocessInterval   time.Duration `env:"BILLING_REPROCESS_INTERVAL" envDefault:"5m"`
	WebhookSeenCacheTTL time.Duration `env:"BILLING_WEBHOOK_SEEN_TTL" envDefault:"24h"`

	// Optional collaborators; left empty they are simply not wired.
	RedisURL   string `env:"REDIS_URL"`
	MongoURL   string `env:"MONGODB_URL"`
	MongoDB    string `env:"MONGODB_DATABASE" envDefault:"billing"`
	EmailsDir  string `env:"DEV_EMAILS_DIR" envDefault:"./tmp/emails"`
	SendEmails bool   `env:"BILLING_SEND_EMAILS" envDefault:"false"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cfg appConfig
	config.MustLoad(&cfg)

	log := logger.New(logger.WithEnvironment(cfg.Environment, cfg.ServiceName))
	logger.SetAsDefault(log)

	if err := run(ctx, cfg, log); err != nil && ctx.Err() == nil {
		log.Error("server exited", logger.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg appConfig, log *slog.Logger) error {
	// Postgres is the system of record; refuse to start without it.
	var pgCfg pg.Config
	config.MustLoad(&pgCfg)
	pool, err := pg.Connect(ctx, pgCfg)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := pg.Migrate(ctx, pool, pgCfg, log); err != nil {
		return err
	}

	catalog, err := plan.NewCatalog(ctx, plan.NewFileSource(cfg.PlansFile))
	if err != nil {
		return err
	}

	store := subscription.NewPGStore(pool)
	accounts := subscription.NewPGAccountStore(pool)

	provider, parser, sigHeader, err := buildProvider(cfg)
	if err != nil {
		return err
	}

	var sender email.EmailSender
	if cfg.SendEmails {
		var emailCfg email.Config
		config.MustLoad(&emailCfg)
		sender = email.MustNewPostmarkClient(emailCfg)
	} else {
		sender = email.NewDevSender(cfg.EmailsDir)
	}
	// One notifier serves both transition sources: webhook-driven moves via
	// the processor and sweeper promotions via the service.
	notifier := billing.NewDunningNotifier(sender, accounts, log)

	svc := subscription.NewService(catalog, store, accounts, provider,
		subscription.WithGraceWindow(cfg.GraceWindow),
		subscription.WithNotifier(notifier),
		subscription.WithLogger(log),
	)
	recovery := subscription.NewRecovery(svc)

	eventStore := webhook.NewPGEventStore(pool)
	procOpts := []webhook.ProcessorOption{webhook.WithLogger(log)}

	if cfg.RedisURL != "" {
		var redisCfg redis.Config
		config.MustLoad(&redisCfg)
		redisClient, err := redis.Connect(ctx, redisCfg)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		procOpts = append(procOpts, webhook.WithSeenCache(
			webhook.NewSeenCache(redisClient, cfg.WebhookSeenCacheTTL)))
	}

	if cfg.MongoURL != "" {
		var mongoCfg mongo.Config
		config.MustLoad(&mongoCfg)
		db, err := mongo.NewWithDatabase(ctx, mongoCfg, cfg.MongoDB)
		if err != nil {
			return err
		}
		defer db.Client().Disconnect(context.Background())
		procOpts = append(procOpts, webhook.WithArchiver(webhook.NewMongoArchiver(db)))
	}

	procOpts = append(procOpts, webhook.WithNotifier(notifier))

	processor := webhook.NewProcessor(parser, svc, eventStore, procOpts...)

	r := chi.NewRouter()
	r.Use(middleware.RealIP, middleware.Recoverer)
	r.Get("/health", httpserver.HealthCheckHandler(ctx, log, pg.Healthcheck(pool)))
	r.Mount("/api/subscription", billing.Router(billing.RouterOptions{
		Service:         svc,
		Recovery:        recovery,
		Catalog:         catalog,
		Processor:       processor,
		Logger:          log,
		SignatureHeader: sigHeader,
	}))

	var httpCfg httpserver.Config
	config.MustLoad(&httpCfg)
	srv := httpserver.NewFromConfig(httpCfg,
		httpserver.WithLogger(log),
		httpserver.WithStartHook(func(l *slog.Logger) {
			l.Info("billing server listening", "addr", httpCfg.Addr, "provider", cfg.Provider)
		}),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(ctx, r) })
	g.Go(func() error {
		return subscription.NewSweeper(svc, cfg.SweepInterval, log).Run(ctx)
	})
	g.Go(func() error {
		return webhook.NewReprocessor(processor, eventStore, cfg.ReprocessInterval, log).Run(ctx)
	})
	return g.Wait()
}

// buildProvider wires the configured processor adapter behind the circuit
// breaker and reports the webhook parser plus the header carrying its
// signature. The dev mode pairs an in-memory provider with the shared-secret
// parser so the full pipeline runs without a processor account.
func buildProvider(cfg appConfig) (subscription.BillingProvider, webhook.Parser, string, error) {
	switch cfg.Provider {
	case "stripe":
		var stripeCfg subscription.StripeConfig
		config.MustLoad(&stripeCfg)
		p, err := subscription.NewStripeProvider(stripeCfg)
		if err != nil {
			return nil, nil, "", err
		}
		wrapped := subscription.NewBreakerProvider(p, "stripe")
		return wrapped, wrapped, "Stripe-Signature", nil

	case "paddle":
		var paddleCfg subscription.PaddleConfig
		config.MustLoad(&paddleCfg)
		p, err := subscription.NewPaddleProvider(paddleCfg)
		if err != nil {
			return nil, nil, "", err
		}
		wrapped := subscription.NewBreakerProvider(p, "paddle")
		return wrapped, wrapped, "Paddle-Signature", nil

	case "dev":
		return subscription.NewDevProvider(), webhook.NewDevParser(cfg.DevWebhookSecret), "X-Webhook-Signature", nil

	default:
		return nil, nil, "", &unknownProviderError{name: cfg.Provider}
	}
}

type unknownProviderError struct{ name string }

func (e *unknownProviderError) Error() string {
	return "unknown billing provider: " + e.name + " (expected stripe, paddle or dev)"
}
