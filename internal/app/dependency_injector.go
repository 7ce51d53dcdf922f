package app

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/you-humble/swapbot/internal/domain"
	"github.com/you-humble/swapbot/internal/infra/config"
	"github.com/you-humble/swapbot/internal/infra/gateway"
	accountstore "github.com/you-humble/swapbot/internal/infra/store/account"
	filestore "github.com/you-humble/swapbot/internal/infra/store/file"
	"github.com/you-humble/swapbot/internal/infra/store/file/archiver"
	statestore "github.com/you-humble/swapbot/internal/infra/store/state"
	"github.com/you-humble/swapbot/internal/infra/swapapi"
	mio "github.com/you-humble/swapbot/internal/libs/minio"
	natsq "github.com/you-humble/swapbot/internal/libs/nats"
	rediscli "github.com/you-humble/swapbot/internal/libs/redis"
	"github.com/you-humble/swapbot/internal/poll"
	"github.com/you-humble/swapbot/internal/transport"
	"github.com/you-humble/swapbot/internal/usecase"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

const cfgPath = "./configs/local.yaml"

type Router interface {
	MountRoutes(*http.ServeMux) *http.ServeMux
}

type Engine interface {
	HandleEvent(ctx context.Context, ev domain.Event) error
	Wait()
}

type Consumer interface {
	Run(ctx context.Context)
	Stop(ctx context.Context)
}

// BlobStore is a blob backend that also supports age-based cleanup, so the
// janitor can sweep it.
type BlobStore interface {
	usecase.BlobStore
	CleanupOlderThan(ctx context.Context, maxAge time.Duration) error
}

type AccountStore interface {
	usecase.Accounts
	transport.StatsProvider
	Close()
}

// ChatEdge is the outbound side of the chat gateway: message delivery plus
// channel membership checks.
type ChatEdge interface {
	usecase.Messenger
	usecase.Gate
}

type dependencyInjector struct {
	cfg    *config.Config
	logger *slog.Logger

	redis      *redis.Client
	stateStore usecase.StateStore

	localBlobs BlobStore
	minioBlobs BlobStore
	archiver   *archiver.Archiver

	accounts AccountStore

	natsConn  *nats.Conn
	js        nats.JetStreamContext
	messenger ChatEdge

	jobClient usecase.JobClient

	engine   Engine
	consumer Consumer

	handler transport.Handler
	router  Router
}

func newDI() *dependencyInjector {
	return &dependencyInjector{}
}

func (di *dependencyInjector) Config() *config.Config {
	if di.cfg == nil {
		di.cfg = config.MustLoad(cfgPath)
	}

	return di.cfg
}

func (di *dependencyInjector) Logger() *slog.Logger {
	if di.logger == nil {
		di.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	slog.SetDefault(di.logger)
	return di.logger
}

func (di *dependencyInjector) RedisClient(ctx context.Context) *redis.Client {
	if di.redis == nil {
		cfg := di.Config().Redis
		client, err := rediscli.NewClient(ctx, rediscli.Config{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		if err != nil {
			log.Fatalf("DI RedisClient: %+v", err)
		}

		di.redis = client
		di.Logger().Info("connected to redis", slog.String("addr", cfg.Addr))
	}
	return di.redis
}

func (di *dependencyInjector) StateStore(ctx context.Context) usecase.StateStore {
	if di.stateStore == nil {
		di.stateStore = statestore.NewRedisStateStore(di.RedisClient(ctx), di.Config().StateTTL)
	}
	return di.stateStore
}

func (di *dependencyInjector) LocalBlobs(ctx context.Context) BlobStore {
	if di.localBlobs == nil {
		store, err := filestore.NewLocalStore(di.Config().BaseDir)
		if err != nil {
			log.Fatalf("DI LocalBlobs: %+v", err)
		}
		di.localBlobs = store
		di.Logger().Info("initialized local blob store", slog.String("base_dir", di.Config().BaseDir))
	}
	return di.localBlobs
}

func (di *dependencyInjector) MinIOBlobs(ctx context.Context) BlobStore {
	if di.minioBlobs == nil {
		cfg := di.Config()
		store, err := filestore.NewMinIOStore(ctx, mio.Config{
			Endpoint:        cfg.MinIO.Endpoint,
			AccessKeyID:     cfg.MinIO.AccessKeyID,
			SecretAccessKey: cfg.MinIO.SecretAccessKey,
			UseSSL:          cfg.MinIO.UseSSL,
			Bucket:          cfg.MinIO.Bucket,
			BasePath:        "results",
		})
		if err != nil {
			log.Fatalf("DI MinIOBlobs: %+v", err)
		}
		di.minioBlobs = store
		di.Logger().Info(
			"initialized MinIO archive store",
			slog.String("endpoint", cfg.MinIO.Endpoint),
			slog.String("bucket", cfg.MinIO.Bucket),
		)
	}
	return di.minioBlobs
}

func (di *dependencyInjector) Archiver(ctx context.Context) *archiver.Archiver {
	if di.archiver == nil {
		cfg := di.Config()
		di.archiver = archiver.New(
			di.LocalBlobs(ctx),
			di.MinIOBlobs(ctx),
			cfg.QueueCapacity,
			cfg.PoolSize,
			3,
		)
		di.Logger().Info(
			"using async result archiver",
			slog.Int("queue_size", cfg.QueueCapacity),
			slog.Int("worker_num", cfg.PoolSize),
		)
	}
	return di.archiver
}

func (di *dependencyInjector) Accounts(ctx context.Context) AccountStore {
	if di.accounts == nil {
		cfg := di.Config()
		store, err := accountstore.NewPostgresAccountStore(ctx, cfg.Postgres.DSN, cfg.FreeDailyLimit)
		if err != nil {
			log.Fatalf("DI Accounts: %+v", err)
		}
		di.accounts = store
		di.Logger().Info("connected to postgres")
	}
	return di.accounts
}

func (di *dependencyInjector) NATSConn(ctx context.Context) *nats.Conn {
	if di.natsConn == nil {
		cfg := di.Config()
		nc, err := natsq.NewConnect(cfg.NATS.URL, natsq.Config{
			Name:          cfg.NATS.QueueName,
			MaxReconnects: cfg.NATS.MaxReconnects,
		})
		if err != nil {
			log.Fatalf("DI NATSConn: %+v", err)
		}
		di.natsConn = nc
	}
	return di.natsConn
}

func (di *dependencyInjector) JetStream(ctx context.Context) nats.JetStreamContext {
	if di.js == nil {
		js, err := natsq.NewJetStream(di.NATSConn(ctx), &nats.StreamConfig{
			Name:     "BOT_EVENTS",
			Subjects: []string{di.Config().NATS.InboundSubject},
			Storage:  nats.FileStorage,
			Replicas: 1,
			MaxAge:   2 * di.Config().StateTTL,
		})
		if err != nil {
			log.Fatalf("DI JetStream: %+v", err)
		}

		di.js = js
	}
	return di.js
}

func (di *dependencyInjector) Messenger(ctx context.Context) ChatEdge {
	if di.messenger == nil {
		cfg := di.Config().NATS
		di.messenger = gateway.NewMessenger(
			di.NATSConn(ctx),
			cfg.OutboundSubject,
			cfg.MembershipSubject,
			cfg.RequestTimeout,
		)
	}
	return di.messenger
}

func (di *dependencyInjector) JobClient(ctx context.Context) usecase.JobClient {
	if di.jobClient == nil {
		cfg := di.Config().SwapAPI
		di.jobClient = swapapi.NewClient(swapapi.Config{
			BaseURL:     cfg.BaseURL,
			Origin:      cfg.Origin,
			SubmitDelay: cfg.SubmitDelay,
			HTTPTimeout: cfg.HTTPTimeout,
			Poll:        di.pollPolicies(),
		}, di.LocalBlobs(ctx))
	}
	return di.jobClient
}

// pollPolicies merges configured budgets into the historical defaults: video
// jobs get twice the photo attempt budget.
func (di *dependencyInjector) pollPolicies() map[domain.TaskKind]poll.Policy {
	policies := map[domain.TaskKind]poll.Policy{
		domain.KindVideoSwap:    {Interval: 5 * time.Second, MaxAttempts: 120},
		domain.KindPhotoSwap:    {Interval: 5 * time.Second, MaxAttempts: 60},
		domain.KindImageEnhance: {Interval: 5 * time.Second, MaxAttempts: 60},
	}

	for name, p := range di.Config().SwapAPI.Poll {
		kind := domain.TaskKind(name)
		policy, ok := policies[kind]
		if !ok {
			continue
		}
		if p.Interval > 0 {
			policy.Interval = p.Interval
		}
		if p.MaxAttempts > 0 {
			policy.MaxAttempts = p.MaxAttempts
		}
		policies[kind] = policy
	}

	return policies
}

func (di *dependencyInjector) Engine(ctx context.Context) Engine {
	if di.engine == nil {
		cfg := di.Config()
		di.engine = usecase.New(
			cfg.DeliveryMode,
			cfg.MaxConcurrentJobs,
			di.StateStore(ctx),
			di.LocalBlobs(ctx),
			di.JobClient(ctx),
			di.Messenger(ctx),
			di.Messenger(ctx),
			di.Accounts(ctx),
			di.Archiver(ctx),
		)
	}
	return di.engine
}

func (di *dependencyInjector) Consumer(ctx context.Context) Consumer {
	if di.consumer == nil {
		cfg := di.Config()
		di.consumer = gateway.NewConsumer(
			di.JetStream(ctx),
			cfg.NATS.InboundSubject,
			cfg.NATS.QueueName,
			cfg.PoolSize,
			di.Engine(ctx),
		)
	}
	return di.consumer
}

func (di *dependencyInjector) Handler(ctx context.Context) transport.Handler {
	if di.handler == nil {
		di.handler = transport.NewHandler(di.Accounts(ctx))
	}
	return di.handler
}

func (di *dependencyInjector) Router(ctx context.Context) Router {
	if di.router == nil {
		di.router = transport.NewRouter(di.Handler(ctx))
	}
	return di.router
}
