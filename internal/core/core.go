package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"paas-control/internal/adapter/artifact"
	"paas-control/internal/adapter/notification"
	"paas-control/internal/adapter/registry"
	"paas-control/internal/adapter/source"
	"paas-control/internal/core/builder"
	"paas-control/internal/core/deploy"
	"paas-control/internal/core/deploylock"
	"paas-control/internal/core/events"
	"paas-control/internal/core/outputstream"
	"paas-control/internal/core/release"
	"paas-control/internal/pkg/config"
	"paas-control/internal/pkg/crypto"
	"paas-control/internal/pkg/kube"
	"paas-control/internal/pkg/metrics"
	"paas-control/internal/repository"
	"paas-control/internal/scheduler"
	"paas-control/pkg/constants"
)

// CoreEngine 部署核心引擎，组装部署服务、维护任务与指标服务
type CoreEngine struct {
	cfg       *config.Config
	logger    *zap.Logger
	deploy    *deploy.Service
	hub       *outputstream.Hub
	bus       *events.Bus
	tasks     *deploy.Pool
	scheduler *scheduler.Scheduler
	metrics   *metrics.Server

	mu      sync.Mutex
	running bool
}

// NewCoreEngine 创建核心引擎
func NewCoreEngine(db *gorm.DB, rdb redis.UniversalClient, cfg *config.Config, logger *zap.Logger) (*CoreEngine, error) {
	var cipher *crypto.Cipher
	if cfg.Crypto.AESKey != "" {
		c, err := crypto.NewCipher(cfg.Crypto.AESKey)
		if err != nil {
			return nil, fmt.Errorf("初始化加密组件失败: %w", err)
		}
		cipher = c
	}

	retrySteps := cfg.Kube.RetrySteps
	if retrySteps <= 0 {
		retrySteps = constants.DefaultKubeRetrySteps
	}
	pool := kube.NewPool(repository.NewClusterRepository(db), cipher, cfg.Kube, logger.Named("kube"))

	store := artifact.NewStore(cfg.Artifact, logger.Named("artifact"))
	builderOpts := builder.OptionsFromConfig(cfg.Builder)
	builderOpts.RetrySteps = retrySteps
	runner := builder.NewRunner(pool, builderOpts, logger.Named("builder"))
	applier := release.NewApplier(pool, repository.NewAppRepository(db), repository.NewConfigRepository(db),
		cfg.Release, retrySteps, logger.Named("release"))

	var broker outputstream.Broker = outputstream.NewLocalBroker()
	if cfg.Stream.Broker == "redis" {
		broker = outputstream.NewRedisBroker(rdb, logger.Named("stream"))
	}
	buffer := cfg.Stream.SubscriberBuffer
	if buffer <= 0 {
		buffer = constants.DefaultSubscriberBuffer
	}
	hub := outputstream.NewHub(repository.NewOutputStreamRepository(db), broker, buffer, logger.Named("stream"))

	lock := deploylock.New(rdb, deploylock.Options{
		LockTTL:     config.ParseDuration(cfg.Deploy.LockTTL, constants.DefaultLockTTL),
		PollTimeout: config.ParseDuration(cfg.Deploy.PollTimeout, constants.DefaultPollTimeout),
	}, logger.Named("deploylock"))

	bus := events.NewBus(logger.Named("events"))
	notification.Register(bus, notification.New(cfg.Notification, logger.Named("notification")))
	notification.RegisterAudit(bus, logger)

	tasks := deploy.NewPool(cfg.Deploy.Workers, logger.Named("tasks"))
	presignTTL := config.ParseDuration(cfg.Artifact.PresignTTL, time.Hour)
	svc := deploy.NewService(deploy.Deps{
		DB:       db,
		Lock:     lock,
		Hub:      hub,
		Builder:  runner,
		Applier:  applier,
		Source:   source.NewFetcher(store, presignTTL),
		Store:    store,
		Registry: registry.NewClient(cfg.Registry, logger.Named("registry")),
		Tasks:    tasks,
		Bus:      bus,
	}, deploy.OptionsFromConfig(cfg), logger.Named("deploy"))

	maintenance := scheduler.NewMaintenance(scheduler.MaintenanceDeps{
		DB:       db,
		Hub:      hub,
		Lock:     lock,
		Pods:     runner,
		Detector: applier,
		Store:    store,
		Bus:      bus,
	}, cfg, logger)

	engine := &CoreEngine{
		cfg:       cfg,
		logger:    logger,
		deploy:    svc,
		hub:       hub,
		bus:       bus,
		tasks:     tasks,
		scheduler: scheduler.NewScheduler(maintenance, logger.Named("scheduler")),
	}
	if cfg.Metrics.Enabled {
		engine.metrics = metrics.NewServer(cfg.Metrics.Address, logger.Named("metrics"))
	}
	return engine, nil
}

// Deployments 部署服务
func (e *CoreEngine) Deployments() *deploy.Service {
	return e.deploy
}

// Streams 输出流
func (e *CoreEngine) Streams() *outputstream.Hub {
	return e.hub
}

// Events 事件总线
func (e *CoreEngine) Events() *events.Bus {
	return e.bus
}

// Start 启动核心引擎
func (e *CoreEngine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		e.logger.Warn("核心引擎已在运行中")
		return nil
	}

	if err := e.scheduler.Start(&e.cfg.Scheduler); err != nil {
		return fmt.Errorf("启动定时任务失败: %w", err)
	}
	if e.metrics != nil {
		e.metrics.Start()
	}

	e.running = true
	e.logger.Info("CoreEngine started", zap.Int("workers", e.cfg.Deploy.Workers))
	return nil
}

// Stop 停止核心引擎；超时后仍在运行的部署会被取消并按失败收尾
func (e *CoreEngine) Stop(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}

	e.logger.Info("正在停止核心引擎...", zap.Int("running_deployments", e.tasks.Running()))
	e.scheduler.Stop()
	e.tasks.Stop(ctx)
	if e.metrics != nil {
		if err := e.metrics.Stop(ctx); err != nil {
			e.logger.Warn("关闭指标服务失败", zap.Error(err))
		}
	}
	e.running = false
	e.logger.Info("核心引擎已停止")
}
