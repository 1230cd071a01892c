package scheduler

import (
	"context"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"paas-control/internal/core/events"
	"paas-control/internal/core/outputstream"
	"paas-control/internal/core/phase"
	"paas-control/internal/core/release"
	"paas-control/internal/model"
	"paas-control/internal/pkg/config"
	"paas-control/internal/pkg/metrics"
	"paas-control/internal/repository"
	"paas-control/pkg/constants"
	pkgErrors "paas-control/pkg/errors"
)

// PodCollector 回收已结束的构建 Pod
type PodCollector interface {
	DeleteTerminalPods(ctx context.Context, cluster string, age time.Duration) (int, error)
}

// AbnormalDetector 检测副本数异常的进程
type AbnormalDetector interface {
	DetectAbnormal(ctx context.Context, cluster, region string) ([]release.Abnormal, error)
}

// ObjectDeleter 删除制品存储中的对象
type ObjectDeleter interface {
	Delete(ctx context.Context, objectKeys ...string) error
}

// LockInspector 查询环境当前持锁的部署，心跳超时的锁会被回收
type LockInspector interface {
	CurrentDeploymentID(ctx context.Context, envID string) (string, error)
	phase.LockReleaser
}

// Maintenance 定时维护任务
type Maintenance struct {
	apps        repository.AppRepository
	clusters    repository.ClusterRepository
	deployments repository.DeploymentRepository
	bpRepo      repository.BuildProcessRepository
	builds      repository.BuildRepository
	releases    repository.ReleaseRepository
	hub         *outputstream.Hub
	lock        LockInspector
	pods        PodCollector
	detector    AbnormalDetector
	store       ObjectDeleter
	bus         *events.Bus
	finalizer   *phase.Finalizer
	log         *zap.Logger
	now         func() time.Time

	staleAfter   time.Duration
	pollTimeout  time.Duration
	podGCAge     time.Duration
	keepReleases int
}

// MaintenanceDeps 维护任务依赖的组件
type MaintenanceDeps struct {
	DB       *gorm.DB
	Hub      *outputstream.Hub
	Lock     LockInspector
	Pods     PodCollector
	Detector AbnormalDetector
	Store    ObjectDeleter
	Bus      *events.Bus
}

func NewMaintenance(deps MaintenanceDeps, cfg *config.Config, log *zap.Logger) *Maintenance {
	pollTimeout := config.ParseDuration(cfg.Deploy.PollTimeout, constants.DefaultPollTimeout)
	keep := cfg.Release.KeepReleases
	if keep <= 0 {
		keep = constants.DefaultKeepReleases
	}
	deployments := repository.NewDeploymentRepository(deps.DB)
	bpRepo := repository.NewBuildProcessRepository(deps.DB)
	return &Maintenance{
		apps:         repository.NewAppRepository(deps.DB),
		clusters:     repository.NewClusterRepository(deps.DB),
		deployments:  deployments,
		bpRepo:       bpRepo,
		builds:       repository.NewBuildRepository(deps.DB),
		releases:     repository.NewReleaseRepository(deps.DB),
		hub:          deps.Hub,
		lock:         deps.Lock,
		pods:         deps.Pods,
		detector:     deps.Detector,
		store:        deps.Store,
		bus:          deps.Bus,
		finalizer:    phase.NewFinalizer(deployments, bpRepo, deps.Lock, deps.Bus, log),
		log:          log.Named("maintenance"),
		now:          time.Now,
		staleAfter:   config.ParseDuration(cfg.Builder.MaxBuildDuration, constants.DefaultMaxBuildDuration) + pollTimeout,
		pollTimeout:  pollTimeout,
		podGCAge:     config.ParseDuration(cfg.Builder.PodGCAge, time.Hour),
		keepReleases: keep,
	}
}

// SetClock 替换时钟，测试使用
func (m *Maintenance) SetClock(now func() time.Time) {
	m.now = now
	m.finalizer.SetClock(now)
}

// ReapZombieDeployments 驱动心跳超时、锁已不再指向自己的部署标记为失败
func (m *Maintenance) ReapZombieDeployments(ctx context.Context) error {
	items, err := m.deployments.ListNonTerminal(ctx, m.now().Add(-m.pollTimeout))
	if err != nil {
		return err
	}
	reaped := 0
	for _, d := range items {
		current, err := m.lock.CurrentDeploymentID(ctx, d.EnvID)
		if err != nil {
			m.log.Warn("读取部署锁失败", zap.String("env_id", d.EnvID), zap.Error(err))
			continue
		}
		if current == d.ID {
			continue
		}

		machine := phase.NewMachine(m.deployments, d.ID, m.hub.Stream(d.OutputStreamID), m.log)
		if err := machine.Load(ctx); err != nil {
			m.log.Warn("加载部署阶段失败", zap.String("deployment_id", d.ID), zap.Error(err))
		}
		subject := phase.Subject{}
		if env, err := m.apps.FindEnvByID(ctx, d.EnvID); err == nil {
			subject.Environment = env.Environment
			if env.App != nil {
				subject.AppName = env.App.Name
			}
		}
		cause := pkgErrors.WrapStepError(pkgErrors.ErrLockLost, "部署驱动已失去响应，部署被系统终止")
		if err := m.finalizer.Finish(ctx, machine, d, subject, phase.OutcomeOf(cause)); err != nil {
			m.log.Error("回收僵死部署失败", zap.String("deployment_id", d.ID), zap.Error(err))
			continue
		}
		reaped++
	}
	if reaped > 0 {
		m.log.Info("已回收僵死部署", zap.Int("count", reaped))
	}
	return nil
}

// SweepStaleBuildProcesses 超时且没有进行中部署的构建过程标记为失败
func (m *Maintenance) SweepStaleBuildProcesses(ctx context.Context) error {
	items, err := m.bpRepo.ListNonTerminal(ctx, m.now().Add(-m.staleAfter))
	if err != nil {
		return err
	}
	for _, bp := range items {
		active, err := m.buildIsActive(ctx, bp)
		if err != nil {
			m.log.Warn("检查构建过程失败", zap.String("build_process_id", bp.ID), zap.Error(err))
			continue
		}
		if active {
			continue
		}
		ok, err := m.bpRepo.Finish(ctx, bp.ID, constants.JobStatusFailed, m.now())
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		m.log.Warn("构建过程超时，标记为失败",
			zap.String("build_process_id", bp.ID),
			zap.Int("generation", bp.Generation),
			zap.Time("created_at", bp.CreatedAt))
		events.Publish(ctx, m.bus, events.BuildFinished{
			BuildProcessID: bp.ID,
			AppID:          bp.AppID,
			Status:         string(constants.JobStatusFailed),
		})
	}
	return nil
}

// buildIsActive 环境当前持锁的部署是否仍在使用该构建过程
func (m *Maintenance) buildIsActive(ctx context.Context, bp *model.BuildProcess) (bool, error) {
	env, err := m.apps.FindEnvByApp(ctx, bp.AppID)
	if pkgErrors.Is(err, pkgErrors.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	id, err := m.lock.CurrentDeploymentID(ctx, env.ID)
	if err != nil || id == "" {
		return false, err
	}
	d, err := m.deployments.FindByID(ctx, id)
	if pkgErrors.Is(err, pkgErrors.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return d.BuildProcessID != nil && *d.BuildProcessID == bp.ID, nil
}

// CollectBuilderPods 删除所有集群中已结束的构建 Pod
func (m *Maintenance) CollectBuilderPods(ctx context.Context) error {
	clusters, err := m.clusters.ListEnabled(ctx)
	if err != nil {
		return err
	}
	var lastErr error
	for _, c := range clusters {
		n, err := m.pods.DeleteTerminalPods(ctx, c.Name, m.podGCAge)
		if err != nil {
			m.log.Warn("回收构建 Pod 失败", zap.String("cluster", c.Name), zap.Error(err))
			lastErr = err
			continue
		}
		if n > 0 {
			m.log.Info("已回收构建 Pod", zap.String("cluster", c.Name), zap.Int("count", n))
		}
	}
	return lastErr
}

// ReportAbnormal 输出副本数异常的进程
func (m *Maintenance) ReportAbnormal(ctx context.Context) error {
	clusters, err := m.clusters.ListEnabled(ctx)
	if err != nil {
		return err
	}
	var lastErr error
	for _, c := range clusters {
		items, err := m.detector.DetectAbnormal(ctx, c.Name, c.Region)
		if err != nil {
			m.log.Warn("异常检测失败", zap.String("cluster", c.Name), zap.Error(err))
			lastErr = err
			continue
		}
		metrics.AbnormalProcesses.WithLabelValues(c.Name).Set(float64(len(items)))
		for _, a := range items {
			m.log.Warn("进程副本异常", zap.String("cluster", c.Name), zap.Stringer("process", a))
		}
	}
	return lastErr
}

// CollectArtifacts 每个应用只保留最近 keepReleases 个版本引用的 slug，更早的从存储中删除
func (m *Maintenance) CollectArtifacts(ctx context.Context) error {
	apps, err := m.apps.ListApps(ctx)
	if err != nil {
		return err
	}
	var lastErr error
	for _, app := range apps {
		if err := m.collectAppArtifacts(ctx, app); err != nil {
			m.log.Warn("清理应用制品失败", zap.String("app", app.Name), zap.Error(err))
			lastErr = err
		}
	}
	return lastErr
}

func (m *Maintenance) collectAppArtifacts(ctx context.Context, app *model.App) error {
	recent, err := m.releases.ListRecent(ctx, app.ID, m.keepReleases)
	if err != nil {
		return err
	}
	if len(recent) < m.keepReleases {
		return nil
	}
	kept := lo.SliceToMap(lo.Filter(recent, func(r *model.Release, _ int) bool { return r.BuildID != nil }),
		func(r *model.Release) (string, struct{}) { return *r.BuildID, struct{}{} })
	// 比最早保留版本还新的构建可能正在部署中
	oldest := recent[len(recent)-1].CreatedAt

	builds, err := m.builds.ListByApp(ctx, app.ID)
	if err != nil {
		return err
	}
	expired := lo.Filter(builds, func(b *model.Build, _ int) bool {
		_, keep := kept[b.ID]
		return !keep && !b.ArtifactDeleted && b.SlugPath != nil &&
			b.ArtifactType == string(constants.ArtifactTypeSlug) && b.CreatedAt.Before(oldest)
	})
	if len(expired) == 0 {
		return nil
	}

	keys := lo.Map(expired, func(b *model.Build, _ int) string { return *b.SlugPath })
	if err := m.store.Delete(ctx, keys...); err != nil {
		return err
	}
	n, err := m.builds.MarkArtifactDeleted(ctx, lo.Map(expired, func(b *model.Build, _ int) string { return b.ID }))
	if err != nil {
		return err
	}
	m.log.Info("已清理过期制品", zap.String("app", app.Name), zap.Int64("count", n))
	return nil
}
