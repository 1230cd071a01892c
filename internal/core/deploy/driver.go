package deploy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"paas-control/internal/core/builder"
	"paas-control/internal/core/events"
	"paas-control/internal/core/outputstream"
	"paas-control/internal/core/phase"
	"paas-control/internal/core/release"
	"paas-control/internal/model"
	"paas-control/internal/service"
	"paas-control/pkg/constants"
	pkgErrors "paas-control/pkg/errors"
)

// driver 单个部署的执行上下文，只在驱动协程内使用
type driver struct {
	s      *Service
	d      *model.Deployment
	env    *model.ModuleEnv
	app    *model.App
	info   model.VersionInfo
	opts   model.AdvancedOptions
	stream *outputstream.Stream
	m      *phase.Machine
	log    *zap.Logger

	procfile     map[string]string
	cluster      *model.Cluster
	buildCluster *model.Cluster
	sourceKey    string
	sourceURL    string
	bp           *model.BuildProcess
	bpID         atomic.Pointer[string]
	tmpl         *builder.Template
	build        *model.Build
	release      *model.Release
}

// errAlreadyTerminal 任务开始执行时部署已被收尾（例如排队期间被回收）
var errAlreadyTerminal = errors.New("deployment is already terminal")

// drive 执行部署的全部阶段，除非部署在排队期间已被收尾，否则都会调用 Finalizer
func (s *Service) drive(ctx context.Context, d *model.Deployment, env *model.ModuleEnv, hb *heartbeat) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	defer hb.close()
	unlink := context.AfterFunc(hb.ctx, func() { cancel(context.Cause(hb.ctx)) })

	drv := &driver{
		s:      s,
		d:      d,
		env:    env,
		app:    env.App,
		info:   d.VersionInfo.Data(),
		opts:   d.AdvancedOptions.Data(),
		stream: s.hub.Stream(d.OutputStreamID),
		log:    s.log.With(zap.String("deployment_id", d.ID), zap.String("env_id", d.EnvID)),
	}
	drv.m = phase.NewMachine(s.deployments, d.ID, drv.stream, s.log, phase.WithInterruptChecker(drv.checkInterrupt))

	go drv.watchInterrupt(ctx, cancel)

	err := drv.run(ctx, hb)
	unlink()
	if pkgErrors.Is(err, errAlreadyTerminal) {
		drv.log.Warn("部署已结束，跳过执行")
		return err
	}
	if err != nil && pkgErrors.Is(context.Cause(ctx), pkgErrors.ErrLockLost) && !pkgErrors.Is(err, pkgErrors.ErrLockLost) {
		err = fmt.Errorf("%w: %v", pkgErrors.ErrLockLost, err)
	}
	if ferr := s.finalizer.Finish(ctx, drv.m, d, subjectOf(env), phase.OutcomeOf(err)); ferr != nil {
		drv.log.Error("部署收尾失败", zap.Error(ferr))
	}
	return err
}

func (drv *driver) run(ctx context.Context, hb *heartbeat) (err error) {
	defer func() {
		if r := recover(); r != nil {
			drv.log.Error("部署驱动 panic", zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("deployment driver panic: %v", r)
		}
	}()

	// pending -> running 是条件更新，排队期间被收尾的部署不会被复活
	started, err := drv.s.deployments.Transit(context.WithoutCancel(ctx), drv.d.ID,
		[]constants.JobStatus{constants.JobStatusPending},
		map[string]interface{}{"status": string(constants.JobStatusRunning)})
	if err != nil {
		return err
	}
	if !started {
		return errAlreadyTerminal
	}
	drv.d.Status = string(constants.JobStatusRunning)

	if err := hb.lost(); err != nil {
		return err
	}
	holder, err := drv.s.lock.CurrentDeploymentID(ctx, drv.d.EnvID)
	if err != nil {
		return err
	}
	if holder != drv.d.ID {
		return fmt.Errorf("%w: env %s is held by %q", pkgErrors.ErrLockLost, drv.d.EnvID, holder)
	}

	if err := drv.m.Load(ctx); err != nil {
		return err
	}

	image := isImageDeploy(drv.env, drv.info)
	if err := drv.runPreparation(ctx, image); err != nil {
		return err
	}
	if !image {
		if err := drv.runBuild(ctx); err != nil {
			return err
		}
	}
	return drv.runRelease(ctx)
}

// watchInterrupt 驱动不在收到中断请求的进程时，靠轮询发现中断
func (drv *driver) watchInterrupt(ctx context.Context, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(drv.s.opts.InterruptCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			requested, err := drv.interruptRequested(ctx)
			if err != nil {
				if ctx.Err() == nil {
					drv.log.Warn("检查中断请求失败", zap.Error(err))
				}
				continue
			}
			if requested {
				drv.log.Info("检测到中断请求")
				cancel(pkgErrors.ErrInterrupted)
				return
			}
		}
	}
}

// checkInterrupt 步骤边界的检查，同时刷新心跳
func (drv *driver) checkInterrupt(ctx context.Context) (bool, error) {
	if err := drv.s.lock.UpdatePollingTime(ctx, drv.d.EnvID, drv.d.ID); err != nil {
		if pkgErrors.Is(err, pkgErrors.ErrLockLost) {
			return false, err
		}
		drv.log.Warn("刷新部署心跳失败", zap.Error(err))
	}
	return drv.interruptRequested(ctx)
}

func (drv *driver) interruptRequested(ctx context.Context) (bool, error) {
	id := drv.bpID.Load()
	if id == nil {
		return false, nil
	}
	bp, err := drv.s.bpRepo.FindByID(ctx, *id)
	if err != nil {
		return false, err
	}
	return bp.IntRequestedAt != nil, nil
}

// ============= PREPARATION =============

func (drv *driver) runPreparation(ctx context.Context, image bool) error {
	p, err := drv.m.StartPhase(ctx, constants.PhasePreparation)
	if err != nil {
		return err
	}
	if err := p.Procedure(ctx, phase.StepParseConfig, drv.parseConfig); err != nil {
		return err
	}
	if !image {
		if err := p.Procedure(ctx, phase.StepUploadSource, drv.uploadSource); err != nil {
			return err
		}
	}
	return p.Finish(ctx)
}

// parseConfig 确定 Procfile 与目标集群
func (drv *driver) parseConfig(ctx context.Context) error {
	if drv.app == nil {
		return pkgErrors.NewStepError("环境未关联应用")
	}
	procfile, err := drv.resolveProcfile(ctx)
	if err != nil {
		return err
	}
	drv.procfile = procfile
	if err := drv.s.deployments.Update(ctx, drv.d.ID, map[string]interface{}{"procfile": drv.d.Procfile}); err != nil {
		return err
	}

	cluster, err := drv.s.clusters.ForEnv(ctx, drv.env)
	if err != nil {
		return pkgErrors.WrapStepError(err, "无法确定环境 %s 的部署集群", drv.env.Environment)
	}
	drv.cluster = cluster

	names := lo.Keys(procfile)
	sort.Strings(names)
	drv.writeStdout(ctx, fmt.Sprintf("processes: %s", strings.Join(names, ", ")))
	drv.writeStdout(ctx, fmt.Sprintf("cluster: %s", cluster.Name))
	return nil
}

// resolveProcfile 部署参数中的 Procfile 优先，否则沿用最新版本
func (drv *driver) resolveProcfile(ctx context.Context) (map[string]string, error) {
	if procfile := drv.d.Procfile.Data(); len(procfile) > 0 {
		return procfile, nil
	}
	latest, err := drv.s.releases.Latest(ctx, drv.env)
	if err != nil && !isNotFound(err) {
		return nil, err
	}
	if latest == nil || len(latest.Procfile.Data()) == 0 {
		return nil, pkgErrors.NewStepError("未提供 Procfile，且应用没有可沿用的版本")
	}
	procfile := latest.Procfile.Data()
	drv.d.Procfile = datatypes.NewJSONType(procfile)
	drv.writeStdout(ctx, fmt.Sprintf("Procfile 沿用版本 v%d", latest.Version))
	return procfile, nil
}

func isNotFound(err error) bool {
	var appErr *pkgErrors.AppError
	return pkgErrors.As(err, &appErr) && appErr.Code == pkgErrors.CodeNotFound
}

func (drv *driver) uploadSource(ctx context.Context) error {
	key, url, err := drv.s.source.Fetch(ctx, drv.app, drv.info)
	if err != nil {
		return pkgErrors.WrapStepError(err, "获取源码包失败: %s", err.Error())
	}
	drv.sourceKey, drv.sourceURL = key, url

	builderImage := lo.CoalesceOrEmpty(drv.opts.BuilderImage, drv.s.opts.Builder.Image)
	bp, err := drv.s.bpManager.New(ctx, service.NewBuildProcessRequest{
		Env:           drv.env,
		BuilderImage:  builderImage,
		SourceTarPath: key,
		VersionInfo:   drv.info,
		InvokeMessage: drv.opts.InvokeBy,
		Owner:         drv.d.Operator,
		Buildpacks:    drv.opts.Buildpacks,
	})
	if err != nil {
		return err
	}
	drv.bp = bp
	drv.d.BuildProcessID = &bp.ID
	drv.bpID.Store(&bp.ID)
	if err := drv.s.deployments.Update(ctx, drv.d.ID, map[string]interface{}{"build_process_id": bp.ID}); err != nil {
		return err
	}
	drv.writeStdout(ctx, fmt.Sprintf("source: %s (generation %d)", key, bp.Generation))
	return nil
}

// ============= BUILD =============

func (drv *driver) runBuild(ctx context.Context) error {
	p, err := drv.m.StartPhase(ctx, constants.PhaseBuild)
	if err != nil {
		return err
	}
	if err := p.Procedure(ctx, phase.StepInitBuilder, drv.initBuilder); err != nil {
		return err
	}
	if err := p.Procedure(ctx, phase.StepBuildArtifact, drv.buildArtifact); err != nil {
		return err
	}
	if err := p.Procedure(ctx, phase.StepPersistBuild, drv.persistBuild); err != nil {
		return err
	}
	return p.Finish(ctx)
}

// initBuilder 生成构建 Pod 模板
func (drv *driver) initBuilder(ctx context.Context) error {
	cluster, err := drv.s.clusters.DefaultForBuild(ctx)
	if err != nil {
		return pkgErrors.WrapStepError(err, "没有可用的构建集群")
	}
	drv.buildCluster = cluster

	slugPath := service.SlugPath(drv.app, drv.bp)
	slugPut, err := drv.s.store.PresignPut(ctx, slugPath, drv.s.opts.PresignTTL)
	if err != nil {
		return err
	}

	envs := map[string]string{}
	if cfg, err := drv.s.configs.Latest(ctx, drv.app.ID); err == nil {
		envs = lo.Assign(cfg.Values.Data())
	} else if !isNotFound(err) {
		return err
	}
	envs["SOURCE_GET_URL"] = drv.sourceURL
	envs["SLUG_SET_URL"] = slugPut
	envs["SLUG_PATH"] = slugPath
	envs["BUILD_GENERATION"] = fmt.Sprint(drv.bp.Generation)
	if bps := drv.bp.Buildpacks; len(bps) > 0 {
		envs["REQUIRED_BUILDPACKS"] = strings.Join(bps, ";")
	}

	cfg := drv.s.opts.Builder
	drv.tmpl = &builder.Template{
		Name:      builder.PodName(drv.app.Name, drv.d.Operator),
		Namespace: lo.CoalesceOrEmpty(cfg.Namespace, drv.app.Namespace),
		Runtime: builder.Runtime{
			Image:            drv.bp.BuilderImage,
			ImagePullPolicy:  cfg.ImagePullPolicy,
			Envs:             envs,
			ImagePullSecrets: cfg.ImagePullSecrets,
			Privileged:       cfg.Privileged,
			Resources:        cfg.Resources,
		},
		Schedule: builder.Schedule{ClusterName: cluster.Name},
	}
	drv.writeStdout(ctx, fmt.Sprintf("builder pod %s/%s on cluster %s", drv.tmpl.Namespace, drv.tmpl.Name, cluster.Name))
	return nil
}

// buildArtifact 运行构建 Pod，日志同时写入部署与构建过程的输出流
func (drv *driver) buildArtifact(ctx context.Context) error {
	bpStream := drv.s.hub.Stream(drv.bp.OutputStreamID)
	defer func() {
		if err := bpStream.Close(context.WithoutCancel(ctx)); err != nil {
			drv.log.Warn("关闭构建输出流失败", zap.Error(err))
		}
	}()

	result, err := drv.s.builder.Run(ctx, drv.tmpl, teeWriter{drv.stream, bpStream}, builder.Hooks{
		OnLogsReady: func(ctx context.Context) error {
			now := drv.s.now()
			if err := drv.s.bpRepo.MarkLogsReady(ctx, drv.bp.ID, now); err != nil {
				return err
			}
			drv.bp.LogsReadyAt = &now
			return drv.s.bpRepo.MarkBuilding(ctx, drv.bp.ID)
		},
	})
	if err != nil {
		var dup *pkgErrors.DuplicateBuildError
		if pkgErrors.As(err, &dup) {
			return pkgErrors.WrapStepError(err, "%s", dup.Error())
		}
		return err
	}
	if result.Status == constants.JobStatusInterrupted {
		return pkgErrors.ErrInterrupted
	}
	return nil
}

// persistBuild 记录 slug 制品，构建过程进入成功终态
func (drv *driver) persistBuild(ctx context.Context) error {
	build, err := drv.s.builds.CreateSlugBuild(ctx, drv.env, drv.bp, map[string]string{
		"SOURCE_VERSION": drv.bp.Revision,
		"SOURCE_BRANCH":  drv.bp.Branch,
	})
	if err != nil {
		return err
	}
	drv.build = build
	drv.d.BuildID = &build.ID
	if err := drv.s.deployments.Update(ctx, drv.d.ID, map[string]interface{}{"build_id": build.ID}); err != nil {
		return err
	}

	ok, err := drv.s.bpRepo.Finish(ctx, drv.bp.ID, constants.JobStatusSuccessful, drv.s.now())
	if err != nil {
		return err
	}
	if ok {
		events.Publish(ctx, drv.s.bus, events.BuildFinished{
			BuildProcessID: drv.bp.ID,
			BuildID:        build.ID,
			AppID:          drv.app.ID,
			Status:         string(constants.JobStatusSuccessful),
		})
	}
	drv.writeStdout(ctx, fmt.Sprintf("slug: %s", lo.FromPtr(build.SlugPath)))
	return nil
}

// ============= RELEASE =============

func (drv *driver) runRelease(ctx context.Context) error {
	p, err := drv.m.StartPhase(ctx, constants.PhaseRelease)
	if err != nil {
		return err
	}
	if err := p.Procedure(ctx, phase.StepCreateRelease, drv.createRelease); err != nil {
		return err
	}
	if err := p.Procedure(ctx, phase.StepApplyWorkloads, drv.applyWorkloads); err != nil {
		return err
	}
	return p.Finish(ctx)
}

func (drv *driver) createRelease(ctx context.Context) error {
	if drv.build == nil {
		build, err := drv.createImageBuild(ctx)
		if err != nil {
			return err
		}
		drv.build = build
	}

	rel, err := drv.s.releases.New(ctx, service.NewReleaseRequest{
		App:      drv.app,
		Build:    drv.build,
		Procfile: drv.procfile,
		Summary:  fmt.Sprintf("deployment %s by %s", drv.d.ID, drv.d.Operator),
		Owner:    drv.d.Operator,
	})
	if err != nil {
		return err
	}
	drv.release = rel
	if err := drv.s.deployments.Update(ctx, drv.d.ID, map[string]interface{}{
		"release_id": rel.ID,
		"build_id":   drv.build.ID,
	}); err != nil {
		return err
	}
	drv.d.ReleaseID = &rel.ID
	drv.writeStdout(ctx, fmt.Sprintf("release v%d created", rel.Version))
	return nil
}

// createImageBuild 镜像部署直接记录镜像制品
func (drv *driver) createImageBuild(ctx context.Context) (*model.Build, error) {
	if _, err := service.ImageTag(drv.info.Image); err != nil {
		return nil, pkgErrors.WrapStepError(err, "镜像 %s 必须指定 tag 或 digest", drv.info.Image)
	}
	manifest, err := drv.s.registry.GetManifest(ctx, drv.info.Image)
	if err != nil {
		return nil, err
	}
	build, err := drv.s.builds.CreateImageBuild(ctx, drv.env, drv.info,
		service.ImageManifest{Size: manifest.Size, Digest: manifest.Digest}, drv.d.Operator)
	if err != nil {
		return nil, err
	}
	drv.d.BuildID = &build.ID
	drv.writeStdout(ctx, fmt.Sprintf("image: %s (%s)", drv.info.Image, manifest))
	return build, nil
}

func (drv *driver) applyWorkloads(ctx context.Context) error {
	rel, err := drv.s.releases.Get(ctx, drv.release.ID)
	if err != nil {
		return err
	}
	specs, err := drv.s.configs.ListProcessSpecs(ctx, drv.app.ID)
	if err != nil {
		return err
	}
	envs := drv.s.releases.GetEnvs(rel)
	if rel.Build != nil && rel.Build.SlugPath != nil {
		url, err := drv.s.store.PresignGet(ctx, *rel.Build.SlugPath, drv.s.opts.PresignTTL)
		if err != nil {
			return err
		}
		envs["SLUG_GET_URL"] = url
	}

	applied, err := drv.s.applier.Apply(ctx, release.Target{
		App:         drv.app,
		Cluster:     drv.cluster,
		Environment: drv.env.Environment,
		Release:     rel,
		Specs:       specs,
		Envs:        envs,
	})
	if err != nil {
		if merr := drv.s.releases.MarkFailed(context.WithoutCancel(ctx), rel.ID, err.Error()); merr != nil {
			drv.log.Warn("标记发布失败时出错", zap.Error(merr))
		}
		return err
	}

	for _, a := range applied {
		line := fmt.Sprintf("process %s: deployment %s replicas=%d", a.ProcType, a.Deployment, a.Replicas)
		if a.Host != "" {
			line += " host=" + a.Host
		}
		drv.writeStdout(ctx, line)
	}
	events.Publish(ctx, drv.s.bus, events.ReleaseApplied{
		ReleaseID: rel.ID,
		AppID:     drv.app.ID,
		Version:   rel.Version,
		Cluster:   drv.cluster.Name,
		Processes: lo.Map(applied, func(a release.Applied, _ int) string { return a.ProcType }),
	})
	return nil
}

func (drv *driver) writeStdout(ctx context.Context, line string) {
	if err := drv.stream.WriteStdout(ctx, line); err != nil {
		drv.log.Warn("写入输出流失败", zap.Error(err))
	}
}

// teeWriter 构建日志同时写入多个流，第一个流的错误才会中止构建
type teeWriter []builder.LineWriter

func (t teeWriter) WriteStdout(ctx context.Context, line string) error {
	var first error
	for i, w := range t {
		if err := w.WriteStdout(ctx, line); err != nil && i == 0 {
			first = err
		}
	}
	return first
}
