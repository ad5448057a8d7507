package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/crawlhub/crawlhub/internal/agent"
	"github.com/crawlhub/crawlhub/internal/api"
	"github.com/crawlhub/crawlhub/internal/clock"
	"github.com/crawlhub/crawlhub/internal/db"
	"github.com/crawlhub/crawlhub/internal/dispatch"
	"github.com/crawlhub/crawlhub/internal/loops"
	"github.com/crawlhub/crawlhub/internal/notifications"
	"github.com/crawlhub/crawlhub/internal/observability"
	"github.com/crawlhub/crawlhub/internal/orchestrator"
	"github.com/crawlhub/crawlhub/internal/queue"
	"github.com/crawlhub/crawlhub/internal/recovery"
)

// Config holds application configuration loaded from environment variables
type Config struct {
	Port      string
	Env       string
	SentryDSN string
	LogLevel  string

	RedisURL   string
	QueueKey   string
	BaseURL    string
	PageSize   int
	BatchSize  int
	RateLimit  float64
	SlackToken string
	SlackChan  string

	ScheduleInterval time.Duration
	DispatchInterval time.Duration
	RecoveryInterval time.Duration
	IdentityCount    int
}

func main() {
	// .env.local takes priority for development
	godotenv.Load(".env.local", ".env")

	config := &Config{
		Port:      getEnvWithDefault("PORT", "8080"),
		Env:       getEnvWithDefault("APP_ENV", "development"),
		SentryDSN: os.Getenv("SENTRY_DSN"),
		LogLevel:  getEnvWithDefault("LOG_LEVEL", "info"),

		RedisURL:   getEnvWithDefault("REDIS_URL", "redis://localhost:6379/0"),
		QueueKey:   getEnvWithDefault("QUEUE_KEY", "crawlhub:tasks"),
		BaseURL:    os.Getenv("CRAWL_BASE_URL"),
		PageSize:   getEnvInt("CRAWL_PAGE_SIZE", 50),
		BatchSize:  getEnvInt("DISPATCH_BATCH_SIZE", 50),
		RateLimit:  float64(getEnvInt("PUBLISH_RATE_LIMIT", 0)),
		SlackToken: os.Getenv("SLACK_BOT_TOKEN"),
		SlackChan:  getEnvWithDefault("SLACK_CHANNEL", "#crawl-alerts"),

		ScheduleInterval: getEnvDuration("SCHEDULE_INTERVAL", 30*time.Second),
		DispatchInterval: getEnvDuration("DISPATCH_INTERVAL", 10*time.Second),
		RecoveryInterval: getEnvDuration("RECOVERY_INTERVAL", time.Minute),
		IdentityCount:    getEnvInt("CLIENT_IDENTITY_COUNT", 5),
	}

	setupLogging(config)

	if config.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.SentryDSN,
			Environment: config.Env,
			TracesSampleRate: func() float64 {
				if config.Env == "production" {
					return 0.1
				}
				return 1.0
			}(),
			AttachStacktrace: true,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialise Sentry")
		} else {
			log.Info().Str("environment", config.Env).Msg("Sentry initialised successfully")
			defer sentry.Flush(2 * time.Second)
		}
	} else {
		log.Warn().Msg("Sentry DSN not configured, error tracking disabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database, err := db.InitFromEnvWithRetry(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer database.Close()

	redisOpts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Str("redis_url", config.RedisURL).Msg("Invalid Redis URL")
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}

	metrics := observability.Default()
	clk := clock.System{}

	var channels notifications.Multi
	if config.SlackToken != "" {
		channels = append(channels, notifications.NewSlackNotifier(config.SlackToken, config.SlackChan))
		log.Info().Str("channel", config.SlackChan).Msg("Slack notifications enabled")
	}
	if key := os.Getenv("LOOPS_API_KEY"); key != "" {
		recipient := getEnvWithDefault("OPS_EMAIL", "ops@crawlhub.dev")
		tmpl := os.Getenv("LOOPS_DEAD_TASK_TEMPLATE_ID")
		channels = append(channels, notifications.NewEmailNotifier(loops.New(key), recipient, tmpl))
		log.Info().Str("recipient", recipient).Msg("Email escalation enabled")
	}
	var notifier notifications.Notifier = notifications.Noop{}
	if len(channels) > 0 {
		notifier = channels
	}

	pool, err := loadIdentityPool(ctx, database, config.IdentityCount, clk)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load client identity pool")
	}

	orch := orchestrator.NewService(database, notifier, clk, metrics, orchestrator.Options{
		BaseURL:  config.BaseURL,
		PageSize: config.PageSize,
	})

	publisher := queue.NewPublisher(redisClient, config.QueueKey)
	dispatcher := dispatch.New(database, publisher, clk, metrics, dispatch.Options{
		BatchSize:   config.BatchSize,
		PublishRate: config.RateLimit,
		Interval:    config.DispatchInterval,
	})

	listener := dispatch.NewWakeListener(database.GetConfig().ConnectionString())
	go listener.Start(ctx)
	go dispatcher.Run(ctx, listener.Wake())

	jobs := recovery.NewJobs(database, notifier, clk, metrics, recovery.Options{})
	monitor := recovery.NewMonitor(jobs, pool, database, recovery.MonitorOptions{
		Interval: config.RecoveryInterval,
	})
	go monitor.Run(ctx)

	go runScheduleTicker(ctx, orch, config.ScheduleInterval)
	go trackQueueDepth(ctx, publisher, metrics)

	handler := api.NewHandler(database, orch, pool, clk, metrics.Handler())
	mux := http.NewServeMux()
	handler.SetupRoutes(mux)

	server := &http.Server{
		Addr:    ":" + config.Port,
		Handler: api.RequestIDMiddleware(api.LoggingMiddleware(mux)),
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		<-stop
		log.Info().Msg("Shutting down server...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			sentry.CaptureException(err)
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		close(done)
	}()

	log.Info().Str("port", config.Port).Msg("Starting server")
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("Server error")
	}

	<-done
	log.Info().Msg("Server stopped")
}

// loadIdentityPool loads persisted identities, seeding a default set on
// first boot so the pool is never empty.
func loadIdentityPool(ctx context.Context, database *db.DB, count int, clk clock.Clock) (*agent.Pool, error) {
	now := clk.Now()
	seeds := make([]*agent.Identity, 0, count)
	for i := 0; i < count; i++ {
		seeds = append(seeds, agent.NewIdentity(0, "", defaultUserAgents[i%len(defaultUserAgents)], now))
	}
	if err := database.SeedIdentities(ctx, seeds, now); err != nil {
		return nil, err
	}

	identities, err := database.LoadIdentities(ctx)
	if err != nil {
		return nil, err
	}
	log.Info().Int("count", len(identities)).Msg("Client identity pool loaded")
	return agent.NewPool(identities), nil
}

var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:125.0) Gecko/20100101 Firefox/125.0",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36",
}

// runScheduleTicker fires due crawl schedules on a fixed interval.
func runScheduleTicker(ctx context.Context, orch *orchestrator.Service, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Dur("interval", interval).Msg("Schedule ticker started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Schedule ticker stopped")
			return
		case <-ticker.C:
			fired, err := orch.RunDueSchedules(ctx, 100)
			if err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("Schedule pass failed")
				continue
			}
			if fired > 0 {
				log.Info().Int("fired", fired).Msg("Fired due schedules")
			}
		}
	}
}

// trackQueueDepth samples the Redis queue length for the depth gauge.
func trackQueueDepth(ctx context.Context, publisher *queue.Publisher, metrics *observability.Metrics) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depth, err := publisher.Depth(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.Warn().Err(err).Msg("Failed to sample queue depth")
				}
				continue
			}
			metrics.QueueDepth.Set(float64(depth))
		}
	}
}

func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		log.Warn().Str("key", key).Str("value", raw).Msg("Invalid integer in environment, using default")
		return defaultValue
	}
	return v
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		log.Warn().Str("key", key).Str("value", raw).Msg("Invalid duration in environment, using default")
		return defaultValue
	}
	return v
}

func setupLogging(config *Config) {
	level, err := zerolog.ParseLevel(config.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if config.Env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		log.Logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Str("service", "crawlhub").
			Logger()
	}
}
