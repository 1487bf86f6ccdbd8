package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"judgecore/internal/common/cache"
	"judgecore/internal/common/db"
	commonmw "judgecore/internal/common/http/middleware"
	"judgecore/internal/common/mq"
	"judgecore/internal/common/storage"
	"judgecore/internal/judge/controller"
	"judgecore/internal/judge/repository"
	"judgecore/internal/judge/sandbox"
	sandboxcfg "judgecore/internal/judge/sandbox/config"
	"judgecore/internal/judge/sandbox/engine"
	"judgecore/internal/judge/sandbox/runner"
	"judgecore/internal/judge/service"
	submitRepo "judgecore/internal/submit/repository"
	"judgecore/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultConfigPath = "configs/judge_service.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		return
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		return
	}
	defer func() {
		_ = logger.Sync()
	}()

	mysqlDB, err := db.NewMySQLWithConfig(&appCfg.Database)
	if err != nil {
		logger.Error(context.Background(), "init database failed", zap.Error(err))
		return
	}
	defer func() {
		_ = mysqlDB.Close()
	}()

	redisCache, err := cache.NewRedisCacheWithConfig(&appCfg.Redis)
	if err != nil {
		logger.Error(context.Background(), "init redis failed", zap.Error(err))
		return
	}
	defer func() {
		_ = redisCache.Close()
	}()

	objStorage, err := storage.NewMinIOStorage(appCfg.MinIO)
	if err != nil {
		logger.Error(context.Background(), "init minio failed", zap.Error(err))
		return
	}

	mqClient, err := mq.NewKafkaQueue(appCfg.Kafka.toMQConfig())
	if err != nil {
		logger.Error(context.Background(), "init kafka failed", zap.Error(err))
		return
	}
	defer func() {
		_ = mqClient.Close()
	}()

	langRepo := sandboxcfg.NewDefaultRepository()
	if len(appCfg.Language.Languages) > 0 {
		langRepo = sandboxcfg.NewLocalRepository(appCfg.Language.Languages, appCfg.Language.Profiles)
	}
	eng, err := engine.NewEngine(appCfg.Sandbox.toEngineConfig(), langRepo)
	if err != nil {
		logger.Error(context.Background(), "init sandbox engine failed", zap.Error(err))
		return
	}
	jobRunner := runner.NewRunnerWithObserver(eng, service.NewLogMetricsRecorder())
	worker := sandbox.NewWorker(jobRunner, langRepo, langRepo)

	registry := service.NewActiveRegistry()
	worker.SetStatusReporter(registry)
	worker.SetKiller(eng)

	store := submitRepo.NewSubmissionStoreWithTTL(mysqlDB, redisCache, appCfg.Store.CacheTTL, appCfg.Store.EmptyTTL)
	publisher := repository.NewMQResultPublisher(mqClient, appCfg.Kafka.ResultsTopic)
	feed := repository.NewVerdictFeed(redisCache, appCfg.Feed.Capacity)
	archiver := repository.NewObjectArtifactArchiver(objStorage, appCfg.Artifact.Bucket)

	judgeSvc, err := service.NewService(service.Config{
		Worker:             worker,
		Store:              store,
		Publisher:          publisher,
		Feed:               feed,
		Archiver:           archiver,
		Storage:            objStorage,
		Queue:              mqClient,
		SourceBucket:       appCfg.Source.Bucket,
		WorkRoot:           appCfg.Judge.WorkRoot,
		RetryTopic:         appCfg.Kafka.RetryTopic,
		DeadLetterTopic:    appCfg.Kafka.DeadLetter,
		WorkerTimeout:      appCfg.Worker.Timeout,
		StorageTimeout:     appCfg.Source.Timeout,
		StoreTimeout:       appCfg.Store.Timeout,
		WorkerPoolSize:     appCfg.Worker.PoolSize,
		PoolRetryMax:       appCfg.Kafka.PoolRetryMax,
		PoolRetryBaseDelay: appCfg.Kafka.PoolRetryBase,
		PoolRetryMaxDelay:  appCfg.Kafka.PoolRetryMaxD,
	})
	if err != nil {
		logger.Error(context.Background(), "init judge service failed", zap.Error(err))
		return
	}

	// Prefetch and concurrency stay at 1 no matter what the config says.
	// One submission per in-flight handler is the isolation boundary;
	// throughput scales through the worker pool and extra processes.
	subscribeOpts := func() *mq.SubscribeOptions {
		return &mq.SubscribeOptions{
			ConsumerGroup:   appCfg.Kafka.ConsumerGroup,
			PrefetchCount:   1,
			Concurrency:     1,
			MaxRetries:      appCfg.Kafka.MaxRetries,
			RetryDelay:      appCfg.Kafka.RetryDelay,
			DeadLetterTopic: appCfg.Kafka.DeadLetter,
			MessageTTL:      appCfg.Kafka.MessageTTL,
		}
	}
	if err := mqClient.SubscribeWithOptions(context.Background(), appCfg.Kafka.SubmissionsTopic, judgeSvc.HandleMessage, subscribeOpts()); err != nil {
		logger.Error(context.Background(), "subscribe submissions topic failed", zap.Error(err))
		return
	}
	if err := mqClient.SubscribeWithOptions(context.Background(), appCfg.Kafka.RetryTopic, judgeSvc.HandleMessage, subscribeOpts()); err != nil {
		logger.Error(context.Background(), "subscribe retry topic failed", zap.Error(err))
		return
	}
	if err := mqClient.Start(); err != nil {
		logger.Error(context.Background(), "start kafka consumer failed", zap.Error(err))
		return
	}

	httpServer := buildHTTPServer(appCfg.Server, registry, worker, feed, mysqlDB, redisCache)
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		logger.Error(context.Background(), "init http listener failed", zap.Error(err))
		return
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "judge http server started", zap.String("addr", appCfg.Server.Addr))
		errCh <- httpServer.Serve(listener)
	}()

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "http server stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info(context.Background(), "shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error(context.Background(), "http server shutdown failed", zap.Error(err))
	}
	_ = mqClient.Stop()
}

func buildHTTPServer(cfg ServerConfig, registry *service.ActiveRegistry, worker sandbox.Service, feed *repository.VerdictFeed, database db.Database, cacheClient cache.Cache) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(requestLogger())

	judgeController := controller.NewJudgeController(registry, worker, feed, database, cacheClient)
	router.GET("/healthz", judgeController.Healthz)

	admin := router.Group("/admin/submissions")
	admin.GET("/active", judgeController.ListActive)
	admin.GET("/recent", judgeController.RecentVerdicts)
	admin.POST("/:id/kill", judgeController.Kill)

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		logger.Info(
			c.Request.Context(),
			"request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
