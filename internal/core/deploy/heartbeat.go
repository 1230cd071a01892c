package deploy

import (
	"context"
	"time"

	"go.uber.org/zap"

	"paas-control/internal/model"
	pkgErrors "paas-control/pkg/errors"
)

// heartbeat 从提交任务起刷新部署锁，在 worker 上排队的部署同样保持心跳。
// 锁被其他部署接管时以 ErrLockLost 结束，并取消对应的任务
type heartbeat struct {
	ctx  context.Context
	stop context.CancelCauseFunc
}

func (s *Service) startHeartbeat(d *model.Deployment) *heartbeat {
	ctx, stop := context.WithCancelCause(context.Background())
	hb := &heartbeat{ctx: ctx, stop: stop}
	go s.beat(hb, d)
	return hb
}

func (s *Service) beat(hb *heartbeat, d *model.Deployment) {
	log := s.log.With(zap.String("deployment_id", d.ID), zap.String("env_id", d.EnvID))
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-hb.ctx.Done():
			return
		case <-ticker.C:
			err := s.lock.UpdatePollingTime(hb.ctx, d.EnvID, d.ID)
			if err == nil {
				continue
			}
			if pkgErrors.Is(err, pkgErrors.ErrLockLost) {
				log.Error("部署锁已丢失，终止部署", zap.Error(err))
				hb.stop(pkgErrors.ErrLockLost)
				s.tasks.Cancel(d.ID, pkgErrors.ErrLockLost)
				return
			}
			if hb.ctx.Err() == nil {
				log.Warn("刷新部署心跳失败", zap.Error(err))
			}
		}
	}
}

// lost 锁已被接管时返回 ErrLockLost
func (hb *heartbeat) lost() error {
	if cause := context.Cause(hb.ctx); pkgErrors.Is(cause, pkgErrors.ErrLockLost) {
		return cause
	}
	return nil
}

func (hb *heartbeat) close() {
	hb.stop(nil)
}
