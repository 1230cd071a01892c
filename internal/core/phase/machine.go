// Package phase 部署的阶段/步骤状态机
//
// 一次部署由有序的阶段组成，每个阶段包含有序的步骤。状态只能
// pending -> running -> 终态 单向流转，且阶段和步骤都不能跳过或乱序。
package phase

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"paas-control/internal/model"
	"paas-control/internal/repository"
	"paas-control/pkg/constants"
	pkgErrors "paas-control/pkg/errors"
)

// 各阶段的步骤名称
const (
	StepParseConfig    = "Parse configuration"
	StepUploadSource   = "Upload source code"
	StepInitBuilder    = "Initialize build environment"
	StepBuildArtifact  = "Build artifact"
	StepPersistBuild   = "Persist build"
	StepCreateRelease  = "Create release"
	StepApplyWorkloads = "Apply workloads"
)

// Spec 阶段定义
type Spec struct {
	Type  constants.PhaseType
	Steps []string
}

// SourceDeploySpecs 源码部署：准备 -> 构建 -> 发布
var SourceDeploySpecs = []Spec{
	{Type: constants.PhasePreparation, Steps: []string{StepParseConfig, StepUploadSource}},
	{Type: constants.PhaseBuild, Steps: []string{StepInitBuilder, StepBuildArtifact, StepPersistBuild}},
	{Type: constants.PhaseRelease, Steps: []string{StepCreateRelease, StepApplyWorkloads}},
}

// ImageDeploySpecs 镜像部署跳过构建阶段
var ImageDeploySpecs = []Spec{
	{Type: constants.PhasePreparation, Steps: []string{StepParseConfig}},
	{Type: constants.PhaseRelease, Steps: []string{StepCreateRelease, StepApplyWorkloads}},
}

// StreamWriter 步骤输出写入的流
type StreamWriter interface {
	ID() string
	WriteTitle(ctx context.Context, title string) error
	WriteStdout(ctx context.Context, line string) error
	WriteStderr(ctx context.Context, line string) error
	Close(ctx context.Context) error
}

// InterruptChecker 在步骤边界检查用户是否请求了中断
type InterruptChecker func(ctx context.Context) (bool, error)

// Initialize 按定义创建部署的全部阶段和步骤，均为 pending
func Initialize(ctx context.Context, repo repository.DeploymentRepository, deploymentID string, specs []Spec) ([]*model.DeployPhase, error) {
	phases := make([]*model.DeployPhase, 0, len(specs))
	for i, spec := range specs {
		p := &model.DeployPhase{
			DeploymentID: deploymentID,
			PhaseType:    string(spec.Type),
			Sequence:     i,
			Status:       string(constants.JobStatusPending),
		}
		if err := repo.CreatePhase(ctx, p); err != nil {
			return nil, err
		}
		for j, name := range spec.Steps {
			step := model.DeployStep{
				PhaseID:  p.ID,
				Name:     name,
				Sequence: j,
				Status:   string(constants.JobStatusPending),
			}
			if err := repo.CreateStep(ctx, &step); err != nil {
				return nil, err
			}
			p.Steps = append(p.Steps, step)
		}
		phases = append(phases, p)
	}
	return phases, nil
}

// Option 状态机选项
type Option func(*Machine)

// WithInterruptChecker 设置中断检查
func WithInterruptChecker(fn InterruptChecker) Option {
	return func(m *Machine) { m.interrupted = fn }
}

// WithClock 替换时钟
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// Machine 单个部署的阶段状态机，只由该部署的驱动协程使用
type Machine struct {
	repo         repository.DeploymentRepository
	deploymentID string
	stream       StreamWriter
	log          *zap.Logger
	now          func() time.Time
	interrupted  InterruptChecker
	phases       []*model.DeployPhase
}

func NewMachine(repo repository.DeploymentRepository, deploymentID string, stream StreamWriter, log *zap.Logger, opts ...Option) *Machine {
	m := &Machine{
		repo:         repo,
		deploymentID: deploymentID,
		stream:       stream,
		log:          log.With(zap.String("deployment_id", deploymentID)),
		now:          time.Now,
		interrupted:  func(context.Context) (bool, error) { return false, nil },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load 从数据库加载阶段与步骤
func (m *Machine) Load(ctx context.Context) error {
	phases, err := m.repo.ListPhases(ctx, m.deploymentID)
	if err != nil {
		return err
	}
	m.phases = phases
	return nil
}

// Phases 当前内存中的阶段快照
func (m *Machine) Phases() []*model.DeployPhase {
	return m.phases
}

// Stream 部署输出流
func (m *Machine) Stream() StreamWriter {
	return m.stream
}

// StartPhase 进入阶段；之前的阶段必须全部成功
func (m *Machine) StartPhase(ctx context.Context, phaseType constants.PhaseType) (*Phase, error) {
	idx := -1
	for i, p := range m.phases {
		if p.PhaseType == string(phaseType) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, pkgErrors.Wrap(pkgErrors.CodeNotFound,
			fmt.Sprintf("deployment has no phase %s", phaseType), pkgErrors.ErrStepOutOfOrder)
	}
	for _, prev := range m.phases[:idx] {
		if prev.Status != string(constants.JobStatusSuccessful) {
			return nil, pkgErrors.Wrap(pkgErrors.CodeConflict,
				fmt.Sprintf("phase %s can not start before %s succeeded (status=%s)", phaseType, prev.PhaseType, prev.Status),
				pkgErrors.ErrStepOutOfOrder)
		}
	}

	rec := m.phases[idx]
	now := m.now()
	if err := m.transitPhase(ctx, rec, constants.JobStatusRunning, map[string]interface{}{"start_time": now}); err != nil {
		return nil, err
	}
	rec.StartTime = &now
	m.log.Debug("进入部署阶段", zap.String("phase", rec.PhaseType))
	return &Phase{m: m, rec: rec}, nil
}

// Current 正在运行的阶段
func (m *Machine) Current() *Phase {
	for _, p := range m.phases {
		if p.Status == string(constants.JobStatusRunning) {
			return &Phase{m: m, rec: p}
		}
	}
	return nil
}

func (m *Machine) transitPhase(ctx context.Context, rec *model.DeployPhase, to constants.JobStatus, fields map[string]interface{}) error {
	from := constants.JobStatus(rec.Status)
	if !canTransition(from, to) {
		return pkgErrors.Wrap(pkgErrors.CodeConflict,
			fmt.Sprintf("phase %s: %s -> %s", rec.PhaseType, from, to), pkgErrors.ErrInvalidTransition)
	}
	if fields == nil {
		fields = map[string]interface{}{}
	}
	fields["status"] = string(to)
	ok, err := m.repo.TransitPhase(ctx, rec.ID, []constants.JobStatus{from}, fields)
	if err != nil {
		return err
	}
	if !ok {
		return pkgErrors.Wrap(pkgErrors.CodeConflict,
			fmt.Sprintf("phase %s was modified concurrently", rec.PhaseType), pkgErrors.ErrInvalidTransition)
	}
	rec.Status = string(to)
	return nil
}

func (m *Machine) transitStep(ctx context.Context, step *model.DeployStep, to constants.JobStatus, fields map[string]interface{}) error {
	from := constants.JobStatus(step.Status)
	if !canTransition(from, to) {
		return pkgErrors.Wrap(pkgErrors.CodeConflict,
			fmt.Sprintf("step %q: %s -> %s", step.Name, from, to), pkgErrors.ErrInvalidTransition)
	}
	if fields == nil {
		fields = map[string]interface{}{}
	}
	fields["status"] = string(to)
	ok, err := m.repo.TransitStep(ctx, step.ID, []constants.JobStatus{from}, fields)
	if err != nil {
		return err
	}
	if !ok {
		return pkgErrors.Wrap(pkgErrors.CodeConflict,
			fmt.Sprintf("step %q was modified concurrently", step.Name), pkgErrors.ErrInvalidTransition)
	}
	step.Status = string(to)
	return nil
}

// InterruptPending 把尚未开始的阶段标记为中断，部署被中断时调用
func (m *Machine) InterruptPending(ctx context.Context) {
	for _, p := range m.phases {
		if p.Status != string(constants.JobStatusPending) {
			continue
		}
		if err := m.transitPhase(ctx, p, constants.JobStatusInterrupted, nil); err != nil {
			m.log.Warn("标记阶段中断失败", zap.String("phase", p.PhaseType), zap.Error(err))
		}
	}
}
