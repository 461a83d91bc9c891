package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/swaggo/files"
	"github.com/swaggo/gin-swagger"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"blocktalk/internal/api"
	"blocktalk/internal/cipher"
	"blocktalk/internal/config"
	"blocktalk/internal/hasher"
	"blocktalk/internal/ledger"
	"blocktalk/internal/repository"
	"blocktalk/internal/service"
	"blocktalk/internal/utils/log"

	"github.com/redis/go-redis/v9"
)

func main() {
	// configuration errors still need a visible logger
	_ = log.Init("info", false)
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration", zap.Error(err))
	}
	if err := log.Init(cfg.LogLevel, cfg.LogDev); err != nil {
		log.Fatal("Failed to initialize logger", zap.Error(err))
	}
	defer log.Sync()

	store, closeStore := openStore(cfg)
	defer closeStore()

	ledgerOpts := ledger.DefaultOptions()
	ledgerOpts.ContractAddress = cfg.ContractAddress
	ledgerOpts.ExplorerBaseURL = cfg.ExplorerBaseURL
	ledgerOpts.FailureRate = cfg.LedgerFailureRate
	client := ledger.NewSimulated(ledgerOpts)

	metrics := service.NewMetrics(prometheus.DefaultRegisterer)
	codec := cipher.NewCodec(cfg.CipherShift)
	pipeline := service.NewPipeline(codec, hasher.New(), client,
		service.WithLedgerTimeout(cfg.LedgerTimeout),
		service.WithMetrics(metrics),
	)
	convs := service.NewConversations(store, metrics)
	auditor := service.NewAuditor(pipeline, convs, metrics)
	scheduler := service.NewScheduler(auditor, cfg.AuditInterval)
	if cfg.AuditAutostart {
		if err := scheduler.Start(); err != nil {
			log.Fatal("Failed to start integrity auditor", zap.Error(err))
		}
	}
	book := service.NewLedgerBook(convs, codec, auditor)
	directory := repository.NewStaticDirectory(repository.DemoContacts)

	base, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()

	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	handler := api.NewAPIHandler(scheduler, pipeline, convs, book, directory, codec, api.Options{
		SendRatePerSec: cfg.SendRatePerSec,
		SendBurst:      cfg.SendBurst,
		BaseContext:    base,
	})
	handler.Register(r)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("Server starting", zap.String("port", cfg.Port), zap.String("store", cfg.StoreBackend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to run server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = scheduler.Stop()
	// pending deliveries stop at their last recorded state
	cancelBase()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("Server shutdown failed", zap.Error(err))
	}
	handler.Wait()
}

// openStore connects the configured backend. The returned func releases it.
func openStore(cfg config.Config) (service.MessageStore, func()) {
	switch cfg.StoreBackend {
	case config.BackendRedis:
		client := initRedis(cfg.RedisAddr(), cfg.RedisPassword)
		log.Info("Connected to Redis", zap.String("addr", cfg.RedisAddr()))
		return repository.NewRedisStore(client), func() { _ = client.Close() }

	case config.BackendPostgres:
		store, err := repository.NewPostgresStore(cfg.PostgresDSN())
		if err != nil {
			log.Fatal("Failed to initialize database", zap.Error(err))
		}
		log.Info("Connected to PostgreSQL")
		return store, func() { _ = store.Close() }

	case config.BackendMongo:
		client := initMongo(cfg.MongoURI)
		log.Info("Connected to MongoDB", zap.String("db", cfg.MongoDB))
		return repository.NewMongoStore(client.Database(cfg.MongoDB)), func() {
			_ = client.Disconnect(context.Background())
		}

	case config.BackendSQLite:
		store, err := repository.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			log.Fatal("Failed to open SQLite store", zap.Error(err))
		}
		log.Info("Opened SQLite store", zap.String("path", cfg.SQLitePath))
		return store, func() { _ = store.Close() }

	default:
		log.Warn("Using in-memory store, messages are lost on restart")
		return repository.NewMemoryStore(), func() {}
	}
}

func initRedis(addr string, password string) *redis.Client {
	opts := &redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	return client
}

func initMongo(uri string) *mongo.Client {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		log.Fatal("Failed to connect to MongoDB", zap.Error(err))
	}
	if err := client.Ping(ctx, nil); err != nil {
		log.Fatal("Failed to ping MongoDB", zap.Error(err))
	}
	return client
}
