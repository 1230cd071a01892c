package phase

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"paas-control/internal/model"
	"paas-control/pkg/constants"
	pkgErrors "paas-control/pkg/errors"
)

// Phase 运行中的阶段
type Phase struct {
	m   *Machine
	rec *model.DeployPhase
}

func (p *Phase) Type() constants.PhaseType {
	return constants.PhaseType(p.rec.PhaseType)
}

func (p *Phase) Status() constants.JobStatus {
	return constants.JobStatus(p.rec.Status)
}

// Procedure 以步骤为单位执行 fn
//
// 进入时检查中断、写入 "[running] <title>" 并标记步骤 running；
// 退出时按结果标记步骤及所在阶段，fn panic 时同样会先落库再继续 panic。
func (p *Phase) Procedure(ctx context.Context, title string, fn func(ctx context.Context) error) (err error) {
	step, err := p.nextStep(ctx, title)
	if err != nil {
		return err
	}

	interrupted, err := p.m.interrupted(ctx)
	if err != nil {
		return err
	}
	if interrupted {
		p.exit(ctx, step, constants.JobStatusInterrupted)
		return pkgErrors.ErrInterrupted
	}

	if werr := p.m.stream.WriteTitle(ctx, "[running] "+title); werr != nil {
		p.m.log.Warn("写入步骤标题失败", zap.String("step", title), zap.Error(werr))
	}
	now := p.m.now()
	if err := p.m.transitStep(ctx, step, constants.JobStatusRunning, map[string]interface{}{"start_time": now}); err != nil {
		return err
	}
	step.StartTime = &now

	defer func() {
		if r := recover(); r != nil {
			p.m.log.Error("部署步骤 panic",
				zap.String("step", title),
				zap.Any("panic", r),
				zap.Stack("stack"))
			p.writeError(ctx, opaqueMessage)
			p.exit(ctx, step, constants.JobStatusFailed)
			panic(r)
		}
	}()

	err = fn(ctx)
	switch {
	case err == nil:
		p.finishStep(ctx, step, constants.JobStatusSuccessful)
	case pkgErrors.Is(err, pkgErrors.ErrInterrupted) || isCanceledByInterrupt(ctx):
		p.exit(ctx, step, constants.JobStatusInterrupted)
		if !pkgErrors.Is(err, pkgErrors.ErrInterrupted) {
			err = fmt.Errorf("%w: %v", pkgErrors.ErrInterrupted, err)
		}
	default:
		if se, ok := pkgErrors.AsStepError(err); ok {
			p.writeError(ctx, se.Message)
		} else {
			p.m.log.Error("部署步骤异常",
				zap.String("step", title),
				zap.Error(err),
				zap.Stack("stack"))
			p.writeError(ctx, opaqueMessage)
		}
		p.exit(ctx, step, constants.JobStatusFailed)
	}
	return err
}

// Finish 所有步骤完成后将阶段标记为成功
func (p *Phase) Finish(ctx context.Context) error {
	for _, s := range p.rec.Steps {
		if s.Status != string(constants.JobStatusSuccessful) {
			return pkgErrors.Wrap(pkgErrors.CodeConflict,
				fmt.Sprintf("phase %s has unfinished step %q", p.rec.PhaseType, s.Name), pkgErrors.ErrStepOutOfOrder)
		}
	}
	now := p.m.now()
	if err := p.m.transitPhase(ctx, p.rec, constants.JobStatusSuccessful, map[string]interface{}{"complete_time": now}); err != nil {
		return err
	}
	p.rec.CompleteTime = &now
	return nil
}

// nextStep 返回 title 对应的步骤，要求之前的步骤都已成功；未定义的步骤追加到末尾
func (p *Phase) nextStep(ctx context.Context, title string) (*model.DeployStep, error) {
	if p.rec.Status != string(constants.JobStatusRunning) {
		return nil, pkgErrors.Wrap(pkgErrors.CodeConflict,
			fmt.Sprintf("phase %s is %s", p.rec.PhaseType, p.rec.Status), pkgErrors.ErrStepOutOfOrder)
	}
	for i := range p.rec.Steps {
		s := &p.rec.Steps[i]
		if s.Name == title {
			if s.Status != string(constants.JobStatusPending) {
				return nil, pkgErrors.Wrap(pkgErrors.CodeConflict,
					fmt.Sprintf("step %q already %s", title, s.Status), pkgErrors.ErrStepOutOfOrder)
			}
			return s, nil
		}
		if s.Status != string(constants.JobStatusSuccessful) {
			return nil, pkgErrors.Wrap(pkgErrors.CodeConflict,
				fmt.Sprintf("step %q must finish before %q", s.Name, title), pkgErrors.ErrStepOutOfOrder)
		}
	}

	step := model.DeployStep{
		PhaseID:  p.rec.ID,
		Name:     title,
		Sequence: len(p.rec.Steps),
		Status:   string(constants.JobStatusPending),
	}
	if err := p.m.repo.CreateStep(ctx, &step); err != nil {
		return nil, err
	}
	p.rec.Steps = append(p.rec.Steps, step)
	return &p.rec.Steps[len(p.rec.Steps)-1], nil
}

func (p *Phase) finishStep(ctx context.Context, step *model.DeployStep, status constants.JobStatus) {
	now := p.m.now()
	if err := p.m.transitStep(persistCtx(ctx), step, status, map[string]interface{}{"complete_time": now}); err != nil {
		p.m.log.Error("更新步骤状态失败", zap.String("step", step.Name), zap.String("status", string(status)), zap.Error(err))
		return
	}
	step.CompleteTime = &now
}

// exit 步骤与所在阶段一起进入终态
func (p *Phase) exit(ctx context.Context, step *model.DeployStep, status constants.JobStatus) {
	p.finishStep(ctx, step, status)

	now := p.m.now()
	if err := p.m.transitPhase(persistCtx(ctx), p.rec, status, map[string]interface{}{"complete_time": now}); err != nil {
		p.m.log.Error("更新阶段状态失败", zap.String("phase", p.rec.PhaseType), zap.String("status", string(status)), zap.Error(err))
		return
	}
	p.rec.CompleteTime = &now
}

func (p *Phase) writeError(ctx context.Context, msg string) {
	if err := p.m.stream.WriteStderr(persistCtx(ctx), red.Sprint(msg)); err != nil {
		p.m.log.Warn("写入错误信息失败", zap.Error(err))
	}
}

// persistCtx 退出时的落库不受调用方取消影响
func persistCtx(ctx context.Context) context.Context {
	if ctx.Err() == nil {
		return ctx
	}
	return context.WithoutCancel(ctx)
}

// isCanceledByInterrupt ctx 是否因用户中断被取消
func isCanceledByInterrupt(ctx context.Context) bool {
	return ctx.Err() != nil && pkgErrors.Is(context.Cause(ctx), pkgErrors.ErrInterrupted)
}
