package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	commonauth "pharma_comms/server/common/auth"
	"pharma_comms/server/common/infra/cache"
	"pharma_comms/server/common/infra/db"
	"pharma_comms/server/common/infra/mq"
	"pharma_comms/server/common/infra/object"
	"pharma_comms/server/comms/api"
	"pharma_comms/server/comms/domain"
	"pharma_comms/server/comms/repository"
	"pharma_comms/server/comms/service"
)

type Server struct {
	HTTPServer *http.Server
	Registry   *service.Registry
	Redis      *redis.Client
	MQConn     *amqp.Connection
	Notifier   *service.Notifier
	Store      repository.Store
}

func NewServer(cfg Config) (*Server, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var store repository.Store
	switch cfg.StoreBackend {
	case "postgres":
		pool, err := db.NewPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("initialize postgres: %w", err)
		}
		pgStore := repository.NewPostgresStore(pool)
		if err := pgStore.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		store = pgStore
	default:
		store = repository.NewMemoryStore()
	}

	registry := service.NewRegistry()
	var redisClient *redis.Client
	if cfg.UseRedis {
		redisClient = cache.NewClient(cfg.RedisAddr)
		if err := cache.Ping(ctx, redisClient); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		registry.UseRedis(redisClient)
		if err := registry.StartRedisSubscriber(context.Background()); err != nil {
			return nil, fmt.Errorf("start redis subscriber: %w", err)
		}
	}

	var (
		mqConn   *amqp.Connection
		notifier *service.Notifier
		err      error
	)
	if cfg.UseMQ {
		mqConn, err = mq.NewConnection(cfg.RabbitMQURL)
		if err != nil {
			return nil, fmt.Errorf("initialize rabbitmq: %w", err)
		}
		notifier, err = service.NewNotifier(mqConn)
		if err != nil {
			return nil, fmt.Errorf("initialize notifier: %w", err)
		}
	}

	crypto, err := service.NewEncryptionGateway(cfg.MessageKey)
	if err != nil {
		return nil, fmt.Errorf("initialize encryption gateway: %w", err)
	}

	var archive *service.ArchiveService
	if cfg.UseArchive {
		minioClient, err := object.NewClient(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioUseSSL)
		if err != nil {
			return nil, fmt.Errorf("initialize minio: %w", err)
		}
		if err := object.EnsureBucket(ctx, minioClient, cfg.ArchiveBucket); err != nil {
			return nil, fmt.Errorf("ensure archive bucket: %w", err)
		}
		archive = service.NewArchiveService(minioClient, cfg.ArchiveBucket, crypto)
	}

	rooms := service.NewRoomManager(store)
	messages := service.NewMessageService(store, rooms, registry, crypto, notifier)
	calls := service.NewCallCoordinator(registry, store, notifier, cfg.RingTimeout)
	if archive != nil {
		calls.OnEnded(func(session domain.CallSession) {
			auditCtx, cancelAudit := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancelAudit()
			_ = archive.ArchiveCallAudit(auditCtx, session)
		})
	}
	service.NewPresenceBroadcaster(registry, rooms)
	limiter := service.NewRateLimiter(cfg.RateLimitMessages, cfg.RateLimitWindow)

	tokenAuth := commonauth.NewService(cfg.JWTSecret, cfg.JWTTTLMinutes)
	gateway := service.NewGateway(tokenAuth, registry, rooms, messages, calls, limiter)

	h := api.NewHandler(tokenAuth, gateway, rooms, messages, calls, archive)
	r := gin.Default()
	h.RegisterRoutes(r)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		HTTPServer: httpServer,
		Registry:   registry,
		Redis:      redisClient,
		MQConn:     mqConn,
		Notifier:   notifier,
		Store:      store,
	}, nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.Registry.StopRedisSubscriber()
	if s.Notifier != nil {
		s.Notifier.Close()
	}
	if s.MQConn != nil {
		_ = s.MQConn.Close()
	}
	if s.Redis != nil {
		_ = s.Redis.Close()
	}
	return s.HTTPServer.Shutdown(ctx)
}
