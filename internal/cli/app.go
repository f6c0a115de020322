package cli

import (
	"context"
	"fmt"
	"time"

	firebase "firebase.google.com/go/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/api/option"

	"github.com/lalithlochan/roadsync/internal/circuitbreaker"
	"github.com/lalithlochan/roadsync/internal/config"
	"github.com/lalithlochan/roadsync/internal/db"
	"github.com/lalithlochan/roadsync/internal/docstore"
	"github.com/lalithlochan/roadsync/internal/lease"
	"github.com/lalithlochan/roadsync/internal/metrics"
	"github.com/lalithlochan/roadsync/internal/observ"
	"github.com/lalithlochan/roadsync/internal/outbox"
	"github.com/lalithlochan/roadsync/internal/push"
	"github.com/lalithlochan/roadsync/internal/redis"
	"github.com/lalithlochan/roadsync/internal/scheduler"
	"github.com/lalithlochan/roadsync/internal/statussync"
)

// app is the wired process: one database pool, one Firebase app, one of each service.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	database *db.DB
	repo     *db.Repository
	firebase *firebase.App
	store    docstore.Store
	gateway  *push.ProtectedGateway
	outbox   *outbox.Service
	diffs    *statussync.Service
	runner   *scheduler.Runner

	closers []func()
}

func loadApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = logger.Sync() })
	return a, nil
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
		MaxConns: cfg.DBMaxConns,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	a.database = database
	a.closers = append(a.closers, database.Close)
	a.repo = db.NewRepository(database, logger)

	if err := a.initFirebase(ctx); err != nil {
		a.close()
		return nil, err
	}

	if err := a.initGateway(ctx); err != nil {
		a.close()
		return nil, err
	}

	locker, err := a.initLocker(ctx)
	if err != nil {
		a.close()
		return nil, err
	}

	a.outbox = outbox.New(a.repo, a.store, a.gateway, outbox.Config{
		ExpiryHorizon: cfg.OutboxExpiry,
	}, logger.Named("outbox"))

	a.diffs = statussync.New(a.repo, a.store, locker, statussync.Config{
		BulkLeaseTTL: cfg.BulkLeaseTTL,
	}, logger.Named("statussync"))

	a.runner = scheduler.NewRunner(a.outbox, a.diffs, logger.Named("runner")).WithTimeout(cfg.JobTimeout)
	return a, nil
}

// initFirebase creates the single Firebase app and the document store on top of it.
// Messaging is taken from the same app in initGateway.
func (a *app) initFirebase(ctx context.Context) error {
	needFirebase := a.cfg.DocStore == config.DocStoreFirestore || a.cfg.PushProvider == config.PushProviderFCM
	if !needFirebase {
		a.logger.Warn("using in-memory document store, mobile documents are not persisted")
		a.store = docstore.NewMemoryStore()
		return nil
	}

	var opts []option.ClientOption
	if a.cfg.FirebaseCredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(a.cfg.FirebaseCredentialsFile))
	}

	fb, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: a.cfg.FirebaseProjectID}, opts...)
	if err != nil {
		return fmt.Errorf("failed to initialize firebase: %w", err)
	}
	a.firebase = fb

	if a.cfg.DocStore == config.DocStoreMemory {
		a.store = docstore.NewMemoryStore()
		return nil
	}

	client, err := fb.Firestore(ctx)
	if err != nil {
		return fmt.Errorf("failed to create firestore client: %w", err)
	}
	fs := docstore.NewFirestoreStore(client, a.logger.Named("firestore"))
	a.store = fs
	a.closers = append(a.closers, func() {
		if err := fs.Close(); err != nil {
			a.logger.Warn("firestore close failed", zap.Error(err))
		}
	})

	a.logger.Info("firestore document store ready", zap.String("project_id", a.cfg.FirebaseProjectID))
	return nil
}

func (a *app) initGateway(ctx context.Context) error {
	var next push.Gateway
	switch a.cfg.PushProvider {
	case config.PushProviderFCM:
		client, err := a.firebase.Messaging(ctx)
		if err != nil {
			return fmt.Errorf("failed to create firebase messaging client: %w", err)
		}
		next = push.NewFCMGateway(client, a.logger.Named("fcm"))

	case config.PushProviderSNS:
		gw, err := push.NewSNSGateway(ctx, push.SNSConfig{
			Region:         a.cfg.AWSRegion,
			Endpoint:       a.cfg.AWSEndpoint,
			PlatformAppARN: a.cfg.SNSPlatformAppARN,
		}, a.logger.Named("sns"))
		if err != nil {
			return fmt.Errorf("failed to create sns gateway: %w", err)
		}
		next = gw

	default:
		next = push.NewLogGateway(a.logger.Named("push"))
	}

	breaker := circuitbreaker.New(circuitbreaker.Config{
		Name:            a.cfg.PushProvider,
		MaxFailures:     a.cfg.BreakerMaxFailures,
		RecoveryTimeout: a.cfg.BreakerRecoveryTimeout,
	}, a.logger)

	var limiter *rate.Limiter
	if a.cfg.PushRatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(a.cfg.PushRatePerSecond), max(a.cfg.PushBurst, 1))
	}

	a.gateway = push.NewProtectedGateway(next, a.cfg.PushProvider, breaker, limiter, a.logger)
	a.logger.Info("push gateway ready",
		zap.String("provider", a.cfg.PushProvider),
		zap.Float64("rate_per_second", a.cfg.PushRatePerSecond),
	)
	return nil
}

func (a *app) initLocker(ctx context.Context) (lease.Locker, error) {
	holder := uuid.NewString()

	if a.cfg.LeaseBackend == config.LeaseBackendRedis {
		client, err := redis.New(ctx, redis.Config{
			Host:     a.cfg.RedisHost,
			Port:     a.cfg.RedisPort,
			Password: a.cfg.RedisPassword,
			DB:       a.cfg.RedisDB,
		}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		return redis.NewLease(client, holder, a.logger.Named("lease")), nil
	}

	return lease.NewDocLocker(a.store, holder, a.logger.Named("lease")), nil
}

// close runs closers in reverse order of creation.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// reportPoolStats publishes the pgx pool size until ctx ends.
func (a *app) reportPoolStats(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetDBConnections(int(a.database.Pool().Stat().TotalConns()))
		}
	}
}
