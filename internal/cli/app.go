package cli

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Ramsey-B/fern/config"
	rulesvc "github.com/Ramsey-B/fern/internal/services/rules"
	"github.com/Ramsey-B/fern/pkg/broker"
	"github.com/Ramsey-B/fern/pkg/broker/redisstreams"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/health"
	"github.com/Ramsey-B/fern/pkg/history"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/namespaces"
	"github.com/Ramsey-B/fern/pkg/ratelimit"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/replay"
	"github.com/Ramsey-B/fern/pkg/repositories"
	"github.com/Ramsey-B/fern/pkg/repositories/memory"
	"github.com/Ramsey-B/fern/pkg/rules"
	"github.com/Ramsey-B/fern/pkg/scanner"
)

// App holds the wired components shared by the serve and scan commands.
type App struct {
	Config *config.Config
	Logger ectologger.Logger

	DB    database.DB
	Redis *redis.Client

	Records    repositories.DlqRecordRepo
	History    repositories.ReplayHistoryRepo
	Rules      repositories.RuleRepo
	Batches    repositories.ReplayBatchRepo
	Namespaces repositories.NamespaceRepo

	Directory *namespaces.StoreDirectory
	Clients   *broker.ClientCache
	Scanner   *scanner.Scanner
	Executor  *replay.Executor
	Publisher kafka.Publisher

	HistoryService *history.Service
	RuleService    *rulesvc.Service
}

func newLogger(cfg *config.Config) (ectologger.Logger, func(), error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", cfg.LogLevel, err)
	}

	zapConfig := zap.NewProductionConfig()
	if cfg.PrettyLogs {
		zapConfig = zap.NewDevelopmentConfig()
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)

	zapLogger, err := zapConfig.Build()
	if err != nil {
		return nil, nil, err
	}
	return zapadapter.NewZapEctoLogger(zapLogger, nil), func() { _ = zapLogger.Sync() }, nil
}

func newApp(cfg *config.Config, logger ectologger.Logger) *App {
	return &App{Config: cfg, Logger: logger}
}

// OpenStore connects the configured history store.
func (a *App) OpenStore(ctx context.Context) error {
	if a.Records != nil {
		return nil
	}

	if a.Config.DatabaseDriver == config.DriverMemory {
		store := memory.New()
		a.Records = store.Records()
		a.History = store.History()
		a.Rules = store.Rules()
		a.Batches = store.Batches()
		a.Namespaces = store.Namespaces()
		a.Logger.Warn("Using the in-memory store; data is lost on exit")
		return nil
	}

	db, err := database.Open(a.Config.DatabaseDriver, a.Config.DatabaseDSN(), database.PoolConfig{
		MaxOpenConns:    a.Config.DatabaseMaxOpenConns,
		MaxIdleConns:    a.Config.DatabaseMaxIdleConns,
		ConnMaxLifetime: a.Config.DatabaseConnMaxLifetime,
	}, a.Logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("ping database: %w", err)
	}

	a.DB = db
	a.Records = repositories.NewDlqRecordRepository(db, a.Logger)
	a.History = repositories.NewReplayHistoryRepository(db, a.Logger)
	a.Rules = repositories.NewRuleRepository(db, a.Logger)
	a.Batches = repositories.NewReplayBatchRepository(db, a.Logger)
	a.Namespaces = repositories.NewNamespaceRepository(db, a.Logger)
	a.Logger.Infof("Connected to %s database %s", a.Config.DatabaseDriver, a.Config.DatabaseName)
	return nil
}

// OpenRedis connects Redis when enabled.
func (a *App) OpenRedis(_ context.Context) error {
	if !a.Config.RedisEnabled || a.Redis != nil {
		return nil
	}
	client, err := redis.NewClient(redis.Config{
		Host:     a.Config.RedisHost,
		Port:     a.Config.RedisPort,
		Password: a.Config.RedisPassword,
		DB:       a.Config.RedisDB,
	}, a.Logger)
	if err != nil {
		return err
	}
	a.Redis = client
	return nil
}

// Wire builds the broker, scanner, replay, and service layers on top of the
// open store.
func (a *App) Wire() error {
	if a.Records == nil {
		return fmt.Errorf("store is not open")
	}

	var decrypter namespaces.Decrypter
	switch a.Config.NamespaceDecrypter {
	case "", "plaintext":
		decrypter = namespaces.PlaintextDecrypter{}
	case "base64":
		decrypter = namespaces.Base64Decrypter{}
	default:
		return fmt.Errorf("unknown NAMESPACE_DECRYPTER %q", a.Config.NamespaceDecrypter)
	}
	a.Directory = namespaces.NewStoreDirectory(a.Namespaces, decrypter, a.Logger)

	registry := broker.Registry{
		models.BrokerTypeRedisStreams: redisstreams.NewFactory(a.Logger),
	}
	a.Clients = broker.NewClientCache(a.Directory, registry, a.Logger)

	a.Scanner = scanner.New(a.Records, a.Clients, scanner.Config{PeekBatchSize: a.Config.ScannerPeekBatchSize}, a.Logger)

	var limiter ratelimit.ReplayLimiter = ratelimit.NewStoreLimiter(a.History)
	if a.Config.ReplayRateLimitBackend == config.RateLimitBackendRedis {
		if a.Redis == nil {
			return fmt.Errorf("redis rate limit backend requires redis")
		}
		limiter = ratelimit.NewRedisLimiter(a.Redis)
	}

	a.Publisher = kafka.NoopPublisher{}
	if a.Config.KafkaEnabled {
		a.Publisher = kafka.NewProducer(kafka.ParseConfig(a.Config.KafkaBrokers, a.Config.KafkaReplayTopic), a.Logger)
	}

	engine := rules.NewEngine(a.Logger, rules.WithRegexTimeout(a.Config.RuleRegexTimeout))
	opts := []replay.Option{replay.WithPublisher(a.Publisher)}
	if a.Redis != nil {
		opts = append(opts, replay.WithLocker(redis.NewLocker(a.Redis, "fern:lock:"), replay.DefaultLockTTL))
	}
	a.Executor = replay.NewExecutor(a.Rules, a.Records, a.Batches, a.Clients, engine, limiter, a.Logger, opts...)

	a.HistoryService = history.NewService(a.Records, a.History, a.Config.ExportMaxRows, a.Logger)
	a.RuleService = rulesvc.NewService(a.Rules, a.Records, engine, a.Executor, a.Logger)
	return nil
}

// Locker returns the distributed scan lock, or nil without Redis.
func (a *App) Locker() scanner.Locker {
	if a.Redis == nil {
		return nil
	}
	return redis.NewLocker(a.Redis, "fern:lock:")
}

// HealthChecks registers the store and Redis with checker.
func (a *App) HealthChecks(checker *health.Checker) {
	if a.DB != nil {
		checker.AddCheck("database", health.PingFunc(a.DB.PingContext), true)
	}
	if a.Redis != nil {
		checker.AddCheck("redis", a.Redis, false)
	}
}

// Close releases every connection the app opened.
func (a *App) Close() {
	if a.Clients != nil {
		if err := a.Clients.Close(); err != nil {
			a.Logger.WithError(err).Warn("Failed to close broker clients")
		}
	}
	if a.Publisher != nil {
		if err := a.Publisher.Close(); err != nil {
			a.Logger.WithError(err).Warn("Failed to close kafka publisher")
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.WithError(err).Warn("Failed to close redis")
		}
		a.Redis = nil
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.Logger.WithError(err).Warn("Failed to close database")
		}
		a.DB = nil
	}
}
