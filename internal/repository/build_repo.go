package repository

import (
	"context"
	"database/sql"
	"time"

	"gorm.io/gorm"

	"paas-control/internal/model"
	"paas-control/pkg/constants"
	pkgErrors "paas-control/pkg/errors"
)

// BuildRepository 构建产物仓储
type BuildRepository interface {
	Create(ctx context.Context, build *model.Build) error
	FindByID(ctx context.Context, id string) (*model.Build, error)
	ListByApp(ctx context.Context, appID string) ([]*model.Build, error)
	MarkArtifactDeleted(ctx context.Context, ids []string) (int64, error)
}

type buildRepository struct {
	db *gorm.DB
}

// NewBuildRepository 创建构建产物仓储实例
func NewBuildRepository(db *gorm.DB) BuildRepository {
	return &buildRepository{db: db}
}

// Create 创建构建记录
func (r *buildRepository) Create(ctx context.Context, build *model.Build) error {
	if err := r.db.WithContext(ctx).Create(build).Error; err != nil {
		return pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "创建构建记录失败", err)
	}
	return nil
}

// FindByID 根据ID查询构建记录
func (r *buildRepository) FindByID(ctx context.Context, id string) (*model.Build, error) {
	var build model.Build
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&build).Error; err != nil {
		return nil, wrapFindError(err, "查询构建记录失败")
	}
	return &build, nil
}

// ListByApp 应用的全部构建，新的在前
func (r *buildRepository) ListByApp(ctx context.Context, appID string) ([]*model.Build, error) {
	var builds []*model.Build
	err := r.db.WithContext(ctx).
		Where("app_id = ?", appID).
		Order("created_at DESC").
		Find(&builds).Error
	if err != nil {
		return nil, pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "查询构建列表失败", err)
	}
	return builds, nil
}

// MarkArtifactDeleted artifact_deleted 只会从 false 翻转为 true 一次
func (r *buildRepository) MarkArtifactDeleted(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result := r.db.WithContext(ctx).Model(&model.Build{}).
		Where("id IN ? AND artifact_deleted = ?", ids, false).
		Update("artifact_deleted", true)
	if result.Error != nil {
		return 0, pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "标记制品删除失败", result.Error)
	}
	return result.RowsAffected, nil
}

// BuildProcessFilter BuildProcess 列表筛选
type BuildProcessFilter struct {
	ModuleID string
	AppID    string
	Status   *string
	Branch   string
	Keyword  string // 匹配 invoke_message / revision
}

// BuildProcessRepository 构建过程仓储
type BuildProcessRepository interface {
	Create(ctx context.Context, bp *model.BuildProcess) error
	FindByID(ctx context.Context, id string) (*model.BuildProcess, error)
	MaxGeneration(ctx context.Context, applicationID, moduleID string) (int, error)
	List(ctx context.Context, filter BuildProcessFilter, page Page) ([]*model.BuildProcess, int64, error)
	ListNonTerminal(ctx context.Context, createdBefore time.Time) ([]*model.BuildProcess, error)
	ListNonTerminalByApp(ctx context.Context, appID string) ([]*model.BuildProcess, error)

	MarkLogsReady(ctx context.Context, id string, at time.Time) error
	MarkBuilding(ctx context.Context, id string) error
	RequestInterruption(ctx context.Context, id string, at time.Time) error
	SetBuild(ctx context.Context, id, buildID string) error
	Finish(ctx context.Context, id string, status constants.JobStatus, at time.Time) (bool, error)
}

type buildProcessRepository struct {
	db *gorm.DB
}

func NewBuildProcessRepository(db *gorm.DB) BuildProcessRepository {
	return &buildProcessRepository{db: db}
}

func (r *buildProcessRepository) Create(ctx context.Context, bp *model.BuildProcess) error {
	if err := r.db.WithContext(ctx).Create(bp).Error; err != nil {
		return pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "创建构建过程失败", err)
	}
	return nil
}

func (r *buildProcessRepository) FindByID(ctx context.Context, id string) (*model.BuildProcess, error) {
	var bp model.BuildProcess
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&bp).Error; err != nil {
		return nil, wrapFindError(err, "查询构建过程失败")
	}
	return &bp, nil
}

// MaxGeneration 模块当前最大 generation，调用方需要先持有模块行锁
func (r *buildProcessRepository) MaxGeneration(ctx context.Context, applicationID, moduleID string) (int, error) {
	var max sql.NullInt64
	err := r.db.WithContext(ctx).Model(&model.BuildProcess{}).
		Where("application_id = ? AND module_id = ?", applicationID, moduleID).
		Select("MAX(generation)").
		Row().Scan(&max)
	if err != nil {
		return 0, pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "查询最大 generation 失败", err)
	}
	return int(max.Int64), nil
}

// List 分页查询构建过程
func (r *buildProcessRepository) List(ctx context.Context, filter BuildProcessFilter, page Page) ([]*model.BuildProcess, int64, error) {
	var items []*model.BuildProcess
	var total int64
	page = page.normalize()

	query := r.db.WithContext(ctx).Model(&model.BuildProcess{})
	if filter.ModuleID != "" {
		query = query.Where("module_id = ?", filter.ModuleID)
	}
	if filter.AppID != "" {
		query = query.Where("app_id = ?", filter.AppID)
	}
	if filter.Status != nil && *filter.Status != "" {
		query = query.Where("status = ?", *filter.Status)
	}
	if filter.Branch != "" {
		query = query.Where("branch = ?", filter.Branch)
	}
	if filter.Keyword != "" {
		query = query.Where("invoke_message LIKE ? OR revision LIKE ?", "%"+filter.Keyword+"%", filter.Keyword+"%")
	}

	// 统计总数
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "统计构建过程失败", err)
	}

	// 分页查询
	err := query.Order("generation DESC").
		Limit(page.PageSize).
		Offset(page.offset()).
		Find(&items).Error
	if err != nil {
		return nil, 0, pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "查询构建过程列表失败", err)
	}
	return items, total, nil
}

var nonTerminalStatuses = []string{
	string(constants.JobStatusPending),
	string(constants.JobStatusBuilding),
	string(constants.JobStatusRunning),
}

// ListNonTerminal 创建时间早于 createdBefore 的未结束构建
func (r *buildProcessRepository) ListNonTerminal(ctx context.Context, createdBefore time.Time) ([]*model.BuildProcess, error) {
	var items []*model.BuildProcess
	err := r.db.WithContext(ctx).
		Where("status IN ? AND created_at < ?", nonTerminalStatuses, createdBefore).
		Order("created_at ASC").
		Find(&items).Error
	if err != nil {
		return nil, pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "查询未结束构建失败", err)
	}
	return items, nil
}

func (r *buildProcessRepository) ListNonTerminalByApp(ctx context.Context, appID string) ([]*model.BuildProcess, error) {
	var items []*model.BuildProcess
	err := r.db.WithContext(ctx).
		Where("app_id = ? AND status IN ?", appID, nonTerminalStatuses).
		Find(&items).Error
	if err != nil {
		return nil, pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "查询未结束构建失败", err)
	}
	return items, nil
}

func (r *buildProcessRepository) MarkLogsReady(ctx context.Context, id string, at time.Time) error {
	err := r.db.WithContext(ctx).Model(&model.BuildProcess{}).
		Where("id = ? AND logs_ready_at IS NULL", id).
		Update("logs_ready_at", at).Error
	if err != nil {
		return pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "更新 logs_ready_at 失败", err)
	}
	return nil
}

// MarkBuilding pending -> building，Pod 运行后调用
func (r *buildProcessRepository) MarkBuilding(ctx context.Context, id string) error {
	err := r.db.WithContext(ctx).Model(&model.BuildProcess{}).
		Where("id = ? AND status = ?", id, constants.JobStatusPending).
		Update("status", constants.JobStatusBuilding).Error
	if err != nil {
		return pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "更新构建状态失败", err)
	}
	return nil
}

func (r *buildProcessRepository) RequestInterruption(ctx context.Context, id string, at time.Time) error {
	err := r.db.WithContext(ctx).Model(&model.BuildProcess{}).
		Where("id = ? AND int_requested_at IS NULL", id).
		Update("int_requested_at", at).Error
	if err != nil {
		return pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "记录中断请求失败", err)
	}
	return nil
}

func (r *buildProcessRepository) SetBuild(ctx context.Context, id, buildID string) error {
	err := r.db.WithContext(ctx).Model(&model.BuildProcess{}).
		Where("id = ?", id).
		Update("build_id", buildID).Error
	if err != nil {
		return pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "关联构建产物失败", err)
	}
	return nil
}

// Finish 进入终态并写入 completed_at；已是终态时返回 false（终态不可变更）
func (r *buildProcessRepository) Finish(ctx context.Context, id string, status constants.JobStatus, at time.Time) (bool, error) {
	if !status.IsTerminal() {
		return false, pkgErrors.Wrap(pkgErrors.CodeBadRequest, "目标状态不是终态", pkgErrors.ErrInvalidTransition)
	}
	result := r.db.WithContext(ctx).Model(&model.BuildProcess{}).
		Where("id = ? AND status IN ?", id, nonTerminalStatuses).
		Updates(map[string]interface{}{
			"status":       string(status),
			"completed_at": at,
		})
	if result.Error != nil {
		return false, pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "更新构建终态失败", result.Error)
	}
	return result.RowsAffected == 1, nil
}
