package phase

import (
	"context"
	"time"

	"go.uber.org/zap"

	"paas-control/internal/core/events"
	"paas-control/internal/model"
	"paas-control/internal/pkg/metrics"
	"paas-control/internal/repository"
	"paas-control/pkg/constants"
	pkgErrors "paas-control/pkg/errors"
)

// LockReleaser 释放环境部署锁
type LockReleaser interface {
	Release(ctx context.Context, envID, expected string) error
}

var nonTerminal = []constants.JobStatus{constants.JobStatusPending, constants.JobStatusRunning}

// Outcome 部署结果
type Outcome struct {
	Status constants.JobStatus
	Err    error
}

// OutcomeOf 根据驱动返回的错误得出部署结果
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return Outcome{Status: constants.JobStatusSuccessful}
	case pkgErrors.Is(err, pkgErrors.ErrInterrupted):
		return Outcome{Status: constants.JobStatusInterrupted, Err: err}
	default:
		return Outcome{Status: constants.JobStatusFailed, Err: err}
	}
}

// Subject 部署通知里需要的应用信息
type Subject struct {
	AppName     string
	Environment string
}

// Finalizer 部署结束时的收尾
type Finalizer struct {
	deployments    repository.DeploymentRepository
	buildProcesses repository.BuildProcessRepository
	lock           LockReleaser
	bus            *events.Bus
	log            *zap.Logger
	now            func() time.Time
}

func NewFinalizer(
	deployments repository.DeploymentRepository,
	buildProcesses repository.BuildProcessRepository,
	lock LockReleaser,
	bus *events.Bus,
	log *zap.Logger,
) *Finalizer {
	return &Finalizer{
		deployments:    deployments,
		buildProcesses: buildProcesses,
		lock:           lock,
		bus:            bus,
		log:            log,
		now:            time.Now,
	}
}

// SetClock 替换时钟，测试使用
func (f *Finalizer) SetClock(now func() time.Time) {
	f.now = now
}

// Finish 依次：写最终提示、关闭输出流、更新部署状态、释放部署锁、发布 DeployFinished。
// 即使 ctx 已被取消也会执行完毕。
func (f *Finalizer) Finish(ctx context.Context, m *Machine, d *model.Deployment, subject Subject, out Outcome) error {
	ctx = context.WithoutCancel(ctx)
	log := f.log.With(zap.String("deployment_id", d.ID), zap.String("env_id", d.EnvID))
	errDetail := UserFacingMessage(out.Err)

	if out.Status == constants.JobStatusInterrupted {
		m.InterruptPending(ctx)
	}

	stream := m.Stream()
	if err := stream.WriteTitle(ctx, finalMessage(out.Status, errDetail)); err != nil {
		log.Warn("写入部署结果失败", zap.Error(err))
	}
	if err := stream.Close(ctx); err != nil {
		log.Warn("关闭输出流失败", zap.Error(err))
	}

	finishedAt := f.now()
	transited, updateErr := f.deployments.Transit(ctx, d.ID, nonTerminal, map[string]interface{}{
		"status":        string(out.Status),
		"err_detail":    errDetail,
		"complete_time": finishedAt,
	})
	if updateErr != nil {
		// 锁仍需释放，否则该环境要等 TTL 过期
		log.Error("更新部署状态失败", zap.Error(updateErr))
	} else if !transited {
		log.Warn("部署已处于终态，不再改写", zap.String("status", string(out.Status)))
	} else {
		d.Status = string(out.Status)
		d.ErrDetail = errDetail
		d.CompleteTime = &finishedAt
	}

	if d.BuildProcessID != nil {
		// 构建步骤通常已写入终态，这里只收尾仍未结束的构建
		bpStatus := out.Status
		ok, err := f.buildProcesses.Finish(ctx, *d.BuildProcessID, bpStatus, finishedAt)
		if err != nil {
			log.Error("更新构建过程状态失败", zap.Error(err))
		} else if ok {
			events.Publish(ctx, f.bus, events.BuildFinished{
				BuildProcessID: *d.BuildProcessID,
				AppID:          d.AppID,
				Status:         string(bpStatus),
			})
		}
	}

	if err := f.lock.Release(ctx, d.EnvID, d.ID); err != nil {
		if pkgErrors.Is(err, pkgErrors.ErrLockHolderMismatch) {
			log.Warn("部署锁已被其他部署持有，跳过释放", zap.Error(err))
		} else {
			log.Error("释放部署锁失败", zap.Error(err))
		}
	}

	if updateErr == nil && !transited {
		return nil
	}

	metrics.DeployTotal.WithLabelValues(string(out.Status)).Inc()
	metrics.DeployDuration.Observe(finishedAt.Sub(d.CreatedAt).Seconds())

	events.Publish(ctx, f.bus, events.DeployFinished{
		DeploymentID: d.ID,
		EnvID:        d.EnvID,
		AppID:        d.AppID,
		AppName:      subject.AppName,
		Environment:  subject.Environment,
		Operator:     d.Operator,
		Status:       string(out.Status),
		ErrDetail:    errDetail,
		StartedAt:    d.CreatedAt,
		FinishedAt:   finishedAt,
	})

	log.Info("部署结束", zap.String("status", string(out.Status)))
	return updateErr
}

func finalMessage(status constants.JobStatus, errDetail string) string {
	switch status {
	case constants.JobStatusSuccessful:
		return green.Sprint("Deployment succeeded")
	case constants.JobStatusInterrupted:
		return yellow.Sprint("Deployment interrupted by user")
	default:
		return red.Sprint("Deployment failed: " + errDetail)
	}
}
