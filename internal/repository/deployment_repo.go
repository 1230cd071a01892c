package repository

import (
	"context"
	"time"

	"github.com/samber/lo"
	"gorm.io/gorm"

	"paas-control/internal/model"
	"paas-control/pkg/constants"
	pkgErrors "paas-control/pkg/errors"
)

// DeploymentRepository 部署及其阶段/步骤仓储
type DeploymentRepository interface {
	Create(ctx context.Context, d *model.Deployment) error
	FindByID(ctx context.Context, id string) (*model.Deployment, error)
	Update(ctx context.Context, id string, fields map[string]interface{}) error
	Transit(ctx context.Context, id string, from []constants.JobStatus, fields map[string]interface{}) (bool, error)
	ListNonTerminalByEnv(ctx context.Context, envID string) ([]*model.Deployment, error)
	ListNonTerminal(ctx context.Context, createdBefore time.Time) ([]*model.Deployment, error)

	CreatePhase(ctx context.Context, phase *model.DeployPhase) error
	ListPhases(ctx context.Context, deploymentID string) ([]*model.DeployPhase, error)
	TransitPhase(ctx context.Context, id string, from []constants.JobStatus, fields map[string]interface{}) (bool, error)

	CreateStep(ctx context.Context, step *model.DeployStep) error
	TransitStep(ctx context.Context, id string, from []constants.JobStatus, fields map[string]interface{}) (bool, error)
}

type deploymentRepository struct {
	db *gorm.DB
}

func NewDeploymentRepository(db *gorm.DB) DeploymentRepository {
	return &deploymentRepository{db: db}
}

func (r *deploymentRepository) Create(ctx context.Context, d *model.Deployment) error {
	if err := r.db.WithContext(ctx).Create(d).Error; err != nil {
		return pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "创建部署记录失败", err)
	}
	return nil
}

func (r *deploymentRepository) FindByID(ctx context.Context, id string) (*model.Deployment, error) {
	var d model.Deployment
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&d).Error; err != nil {
		return nil, wrapFindError(err, "查询部署记录失败")
	}
	return &d, nil
}

func (r *deploymentRepository) Update(ctx context.Context, id string, fields map[string]interface{}) error {
	err := r.db.WithContext(ctx).Model(&model.Deployment{}).Where("id = ?", id).Updates(fields).Error
	if err != nil {
		return pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "更新部署记录失败", err)
	}
	return nil
}

// Transit 仅当部署当前状态属于 from 时才更新，终态不会被改写
func (r *deploymentRepository) Transit(ctx context.Context, id string, from []constants.JobStatus, fields map[string]interface{}) (bool, error) {
	result := r.db.WithContext(ctx).Model(&model.Deployment{}).
		Where("id = ? AND status IN ?", id, statusStrings(from)).
		Updates(fields)
	if result.Error != nil {
		return false, pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "更新部署状态失败", result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (r *deploymentRepository) ListNonTerminalByEnv(ctx context.Context, envID string) ([]*model.Deployment, error) {
	var items []*model.Deployment
	err := r.db.WithContext(ctx).
		Where("env_id = ? AND status IN ?", envID, []string{
			string(constants.JobStatusPending), string(constants.JobStatusRunning),
		}).
		Order("created_at DESC").
		Find(&items).Error
	if err != nil {
		return nil, pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "查询进行中的部署失败", err)
	}
	return items, nil
}

// ListNonTerminal 创建时间早于 createdBefore 且仍未结束的部署
func (r *deploymentRepository) ListNonTerminal(ctx context.Context, createdBefore time.Time) ([]*model.Deployment, error) {
	var items []*model.Deployment
	err := r.db.WithContext(ctx).
		Where("status IN ? AND created_at < ?", []string{
			string(constants.JobStatusPending), string(constants.JobStatusRunning),
		}, createdBefore).
		Order("created_at ASC").
		Find(&items).Error
	if err != nil {
		return nil, pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "查询进行中的部署失败", err)
	}
	return items, nil
}

func (r *deploymentRepository) CreatePhase(ctx context.Context, phase *model.DeployPhase) error {
	if err := r.db.WithContext(ctx).Create(phase).Error; err != nil {
		return pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "创建部署阶段失败", err)
	}
	return nil
}

// ListPhases 按 sequence 排序的阶段及其步骤
func (r *deploymentRepository) ListPhases(ctx context.Context, deploymentID string) ([]*model.DeployPhase, error) {
	var phases []*model.DeployPhase
	err := r.db.WithContext(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("sequence ASC") }).
		Where("deployment_id = ?", deploymentID).
		Order("sequence ASC").
		Find(&phases).Error
	if err != nil {
		return nil, pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "查询部署阶段失败", err)
	}
	return phases, nil
}

// TransitPhase 乐观更新：仅当当前状态属于 from 时才更新
func (r *deploymentRepository) TransitPhase(ctx context.Context, id string, from []constants.JobStatus, fields map[string]interface{}) (bool, error) {
	result := r.db.WithContext(ctx).Model(&model.DeployPhase{}).
		Where("id = ? AND status IN ?", id, statusStrings(from)).
		Updates(fields)
	if result.Error != nil {
		return false, pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "更新部署阶段失败", result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (r *deploymentRepository) CreateStep(ctx context.Context, step *model.DeployStep) error {
	if err := r.db.WithContext(ctx).Create(step).Error; err != nil {
		return pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "创建部署步骤失败", err)
	}
	return nil
}

func (r *deploymentRepository) TransitStep(ctx context.Context, id string, from []constants.JobStatus, fields map[string]interface{}) (bool, error) {
	result := r.db.WithContext(ctx).Model(&model.DeployStep{}).
		Where("id = ? AND status IN ?", id, statusStrings(from)).
		Updates(fields)
	if result.Error != nil {
		return false, pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "更新部署步骤失败", result.Error)
	}
	return result.RowsAffected == 1, nil
}

func statusStrings(statuses []constants.JobStatus) []string {
	return lo.Map(statuses, func(s constants.JobStatus, _ int) string { return string(s) })
}
