// Package deploy 部署驱动：串起部署锁、阶段状态机、构建 Pod 与工作负载下发
package deploy

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"paas-control/internal/adapter/registry"
	"paas-control/internal/core/builder"
	"paas-control/internal/core/deploylock"
	"paas-control/internal/core/events"
	"paas-control/internal/core/outputstream"
	"paas-control/internal/core/phase"
	"paas-control/internal/core/release"
	"paas-control/internal/model"
	"paas-control/internal/pkg/config"
	"paas-control/internal/repository"
	"paas-control/internal/service"
	"paas-control/pkg/constants"
	pkgErrors "paas-control/pkg/errors"
	"paas-control/pkg/utils"
)

// BuildRunner 构建 Pod 驱动
type BuildRunner interface {
	Run(ctx context.Context, tmpl *builder.Template, w builder.LineWriter, hooks builder.Hooks) (builder.Result, error)
}

// ReleaseApplier 工作负载下发
type ReleaseApplier interface {
	Apply(ctx context.Context, t release.Target) ([]release.Applied, error)
}

// SourceFetcher 返回源码包 key 与下载地址
type SourceFetcher interface {
	Fetch(ctx context.Context, app *model.App, info model.VersionInfo) (string, string, error)
}

// ArtifactStore 制品存储的临时地址
type ArtifactStore interface {
	PresignGet(ctx context.Context, objectKey string, ttl time.Duration) (string, error)
	PresignPut(ctx context.Context, objectKey string, ttl time.Duration) (string, error)
}

// ManifestGetter 查询镜像制品信息
type ManifestGetter interface {
	GetManifest(ctx context.Context, image string) (registry.Manifest, error)
}

// Options 驱动参数
type Options struct {
	PollInterval           time.Duration
	InterruptCheckInterval time.Duration
	PresignTTL             time.Duration
	LogsURL                string
	Builder                config.BuilderConfig
}

// OptionsFromConfig 从配置读取，缺省值见 constants
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		PollInterval:           config.ParseDuration(cfg.Deploy.PollInterval, constants.DefaultPollInterval),
		InterruptCheckInterval: config.ParseDuration(cfg.Deploy.InterruptCheckInterval, constants.DefaultInterruptPollInterval),
		PresignTTL:             config.ParseDuration(cfg.Artifact.PresignTTL, time.Hour),
		LogsURL:                cfg.Deploy.LogsURL,
		Builder:                cfg.Builder,
	}
}

// Deps 部署服务依赖的组件
type Deps struct {
	DB       *gorm.DB
	Lock     *deploylock.Coordinator
	Hub      *outputstream.Hub
	Builder  BuildRunner
	Applier  ReleaseApplier
	Source   SourceFetcher
	Store    ArtifactStore
	Registry ManifestGetter
	Tasks    TaskRunner
	Bus      *events.Bus
}

// DeployOptions 部署参数
type DeployOptions struct {
	Operator string `validate:"required"`
	// Procfile 与 ProcfileText 二选一，都为空时沿用上一个版本
	Procfile      map[string]string
	ProcfileText  string
	ReuseOngoing  bool
	BuilderImage  string
	Buildpacks    []string
	InvokeMessage string
}

// Status 部署状态
type Status struct {
	Status    constants.JobStatus
	LogsURL   string
	ErrDetail string
	Phases    []*model.DeployPhase
}

// Service 部署入口，对外提供 Create / Status / Interrupt
type Service struct {
	db          *gorm.DB
	lock        *deploylock.Coordinator
	hub         *outputstream.Hub
	builder     BuildRunner
	applier     ReleaseApplier
	source      SourceFetcher
	store       ArtifactStore
	registry    ManifestGetter
	tasks       TaskRunner
	bus         *events.Bus
	finalizer   *phase.Finalizer
	opts        Options
	log         *zap.Logger
	now         func() time.Time
	apps        repository.AppRepository
	deployments repository.DeploymentRepository
	bpRepo      repository.BuildProcessRepository
	configs     repository.ConfigRepository
	bpManager   *service.BuildProcessManager
	builds      *service.BuildService
	releases    *service.ReleaseService
	clusters    *service.ClusterAllocator
}

func NewService(deps Deps, opts Options, log *zap.Logger) *Service {
	if opts.PollInterval <= 0 {
		opts.PollInterval = constants.DefaultPollInterval
	}
	if opts.InterruptCheckInterval <= 0 {
		opts.InterruptCheckInterval = constants.DefaultInterruptPollInterval
	}
	if opts.PresignTTL <= 0 {
		opts.PresignTTL = time.Hour
	}

	db := deps.DB
	deployments := repository.NewDeploymentRepository(db)
	bpRepo := repository.NewBuildProcessRepository(db)
	configs := repository.NewConfigRepository(db)
	return &Service{
		db:          db,
		lock:        deps.Lock,
		hub:         deps.Hub,
		builder:     deps.Builder,
		applier:     deps.Applier,
		source:      deps.Source,
		store:       deps.Store,
		registry:    deps.Registry,
		tasks:       deps.Tasks,
		bus:         deps.Bus,
		finalizer:   phase.NewFinalizer(deployments, bpRepo, deps.Lock, deps.Bus, log),
		opts:        opts,
		log:         log,
		now:         time.Now,
		apps:        repository.NewAppRepository(db),
		deployments: deployments,
		bpRepo:      bpRepo,
		configs:     configs,
		bpManager:   service.NewBuildProcessManager(db, log),
		builds:      service.NewBuildService(db, log),
		releases:    service.NewReleaseService(db, log),
		clusters:    service.NewClusterAllocator(repository.NewClusterRepository(db), configs),
	}
}

// isImageDeploy 指定了镜像，或模块本身就是镜像来源
func isImageDeploy(env *model.ModuleEnv, info model.VersionInfo) bool {
	return info.Image != "" || (env.Module != nil && env.Module.IsImageOrigin())
}

// Create 加锁并创建部署，驱动在后台执行。
// 环境已有进行中的部署时，ReuseOngoing 且版本一致则返回该部署，否则返回 ErrCannotDeployOngoingExists。
func (s *Service) Create(ctx context.Context, envID string, info model.VersionInfo, opts DeployOptions) (string, error) {
	if err := utils.ValidateStruct(info); err != nil {
		return "", pkgErrors.Wrap(pkgErrors.CodeValidationError, utils.FormatValidationError(err), pkgErrors.ErrValidationError)
	}
	if err := utils.ValidateStruct(opts); err != nil {
		return "", pkgErrors.Wrap(pkgErrors.CodeValidationError, utils.FormatValidationError(err), pkgErrors.ErrValidationError)
	}
	if opts.ProcfileText != "" && len(opts.Procfile) == 0 {
		procfile, err := utils.ParseProcfile(opts.ProcfileText)
		if err != nil {
			return "", pkgErrors.Wrap(pkgErrors.CodeValidationError, err.Error(), pkgErrors.ErrValidationError)
		}
		opts.Procfile = procfile
	}
	env, err := s.apps.FindEnvByID(ctx, envID)
	if err != nil {
		return "", err
	}
	if env.Module != nil && env.Module.IsImageOrigin() && info.Image == "" {
		return "", pkgErrors.Wrap(pkgErrors.CodeValidationError, "镜像模块必须指定 image", pkgErrors.ErrValidationError)
	}
	log := s.log.With(zap.String("env_id", envID), zap.String("operator", opts.Operator))

	acquired, err := s.lock.Acquire(ctx, envID)
	if err != nil {
		return "", err
	}
	if !acquired {
		return s.reuseOngoing(ctx, envID, info, opts)
	}

	d, err := s.initialize(ctx, env, info, opts)
	if err != nil {
		if d != nil {
			s.abort(ctx, d, env, err)
			return "", err
		}
		if rerr := s.lock.ForceRelease(context.WithoutCancel(ctx), envID); rerr != nil {
			log.Error("释放部署锁失败", zap.Error(rerr))
		}
		return "", err
	}
	log = log.With(zap.String("deployment_id", d.ID))

	hb := s.startHeartbeat(d)
	err = s.tasks.Submit(ctx, d.ID, func(ctx context.Context) error {
		return s.drive(ctx, d, env, hb)
	}, func(err error) {
		hb.close()
		log.Warn("部署驱动结束", zap.Error(err))
	})
	if err != nil {
		hb.close()
		log.Error("提交部署任务失败", zap.Error(err))
		s.abort(ctx, d, env, err)
		return "", err
	}

	log.Info("部署已创建", zap.Bool("image", isImageDeploy(env, info)))
	return d.ID, nil
}

func (s *Service) reuseOngoing(ctx context.Context, envID string, info model.VersionInfo, opts DeployOptions) (string, error) {
	current, err := s.lock.CurrentDeployment(ctx, envID, s.deployments.FindByID)
	if err != nil && !pkgErrors.Is(err, pkgErrors.ErrRecordNotFound) {
		return "", err
	}
	if opts.ReuseOngoing && current != nil && !current.IsTerminal() && current.VersionInfo.Data().Equal(info) {
		s.log.Info("复用进行中的部署", zap.String("env_id", envID), zap.String("deployment_id", current.ID))
		return current.ID, nil
	}
	return "", pkgErrors.ErrCannotDeployOngoingExists
}

// initialize 创建输出流，把部署 ID 写入锁，再创建部署记录与全部阶段。
// 部署 ID 写入锁之后的失败会返回已构造的部署，由调用方按失败收尾
func (s *Service) initialize(ctx context.Context, env *model.ModuleEnv, info model.VersionInfo, opts DeployOptions) (*model.Deployment, error) {
	stream, err := s.hub.Open(ctx, tenantOf(env))
	if err != nil {
		return nil, err
	}
	d := &model.Deployment{
		BaseModel:      model.BaseModel{ID: uuid.NewString()},
		EnvID:          env.ID,
		AppID:          env.AppID,
		Status:         string(constants.JobStatusPending),
		Operator:       opts.Operator,
		VersionInfo:    datatypes.NewJSONType(info),
		OutputStreamID: stream.ID(),
		Procfile:       datatypes.NewJSONType(opts.Procfile),
		AdvancedOptions: datatypes.NewJSONType(model.AdvancedOptions{
			BuilderImage: opts.BuilderImage,
			Buildpacks:   opts.Buildpacks,
			InvokeBy:     opts.InvokeMessage,
		}),
	}
	if err := s.lock.SetDeployment(ctx, env.ID, d.ID); err != nil {
		if cerr := stream.Close(context.WithoutCancel(ctx)); cerr != nil {
			s.log.Warn("关闭输出流失败", zap.Error(cerr))
		}
		return nil, err
	}
	if err := s.deployments.Create(ctx, d); err != nil {
		return d, err
	}

	specs := phase.SourceDeploySpecs
	if isImageDeploy(env, info) {
		specs = phase.ImageDeploySpecs
	}
	if _, err := phase.Initialize(ctx, s.deployments, d.ID, specs); err != nil {
		return d, err
	}
	return d, nil
}

// abort 驱动没能开始执行时直接按失败收尾：关闭输出流、写终态并释放锁
func (s *Service) abort(ctx context.Context, d *model.Deployment, env *model.ModuleEnv, cause error) {
	m := phase.NewMachine(s.deployments, d.ID, s.hub.Stream(d.OutputStreamID), s.log)
	if err := m.Load(ctx); err != nil {
		s.log.Warn("加载部署阶段失败", zap.String("deployment_id", d.ID), zap.Error(err))
	}
	out := phase.Outcome{Status: constants.JobStatusFailed, Err: cause}
	if err := s.finalizer.Finish(ctx, m, d, subjectOf(env), out); err != nil {
		s.log.Error("部署收尾失败", zap.String("deployment_id", d.ID), zap.Error(err))
	}
}

// Status 部署状态与阶段详情
func (s *Service) Status(ctx context.Context, deploymentID string) (*Status, error) {
	d, err := s.deployments.FindByID(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	phases, err := s.deployments.ListPhases(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	st := &Status{
		Status:    constants.JobStatus(d.Status),
		ErrDetail: d.ErrDetail,
		Phases:    phases,
	}
	if s.opts.LogsURL != "" {
		st.LogsURL = fmt.Sprintf(s.opts.LogsURL, d.OutputStreamID)
	}
	return st, nil
}

// Interrupt 请求中断部署。构建日志可读之前 Pod 还收不到取消信号，此时返回 ErrNotInterruptible
func (s *Service) Interrupt(ctx context.Context, deploymentID, user string) error {
	d, err := s.deployments.FindByID(ctx, deploymentID)
	if err != nil {
		return err
	}
	if d.IsTerminal() {
		return pkgErrors.Wrap(pkgErrors.CodeBadRequest, "部署已结束", pkgErrors.ErrNotInterruptible)
	}
	if d.BuildProcessID == nil {
		return pkgErrors.Wrap(pkgErrors.CodeBadRequest, "部署尚未开始构建", pkgErrors.ErrNotInterruptible)
	}
	bp, err := s.bpRepo.FindByID(ctx, *d.BuildProcessID)
	if err != nil {
		return err
	}
	if bp.LogsReadyAt == nil {
		return pkgErrors.Wrap(pkgErrors.CodeBadRequest, "构建环境尚未就绪", pkgErrors.ErrNotInterruptible)
	}

	now := s.now()
	if err := s.bpRepo.RequestInterruption(ctx, bp.ID, now); err != nil {
		return err
	}
	if err := s.deployments.Update(ctx, d.ID, map[string]interface{}{"int_requested_at": now}); err != nil {
		return err
	}

	// 驱动在本进程时立即取消，否则由驱动的轮询发现
	local := s.tasks.Cancel(d.ID, pkgErrors.ErrInterrupted)
	s.log.Info("已请求中断部署",
		zap.String("deployment_id", d.ID),
		zap.String("user", user),
		zap.Bool("local", local))
	return nil
}

// CurrentDeployment 环境当前进行中的部署；驱动心跳超时时回收锁并返回 nil
func (s *Service) CurrentDeployment(ctx context.Context, envID string) (*model.Deployment, error) {
	return s.lock.CurrentDeployment(ctx, envID, s.deployments.FindByID)
}

func subjectOf(env *model.ModuleEnv) phase.Subject {
	sub := phase.Subject{Environment: env.Environment}
	if env.App != nil {
		sub.AppName = env.App.Name
	}
	return sub
}

func tenantOf(env *model.ModuleEnv) string {
	if env.App != nil && env.App.TenantID != "" {
		return env.App.TenantID
	}
	return "default"
}
