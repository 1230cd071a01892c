package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"paas-control/internal/model"
	pkgErrors "paas-control/pkg/errors"
)

// ConfigRepository 应用配置与进程规格仓储
type ConfigRepository interface {
	Create(ctx context.Context, cfg *model.Config) error
	FindByID(ctx context.Context, id string) (*model.Config, error)
	Latest(ctx context.Context, appID string) (*model.Config, error)

	ListProcessSpecs(ctx context.Context, appID string) ([]*model.ProcessSpec, error)
	SaveProcessSpec(ctx context.Context, spec *model.ProcessSpec) error
}

type configRepository struct {
	db *gorm.DB
}

func NewConfigRepository(db *gorm.DB) ConfigRepository {
	return &configRepository{db: db}
}

// Create Config 只追加不修改
func (r *configRepository) Create(ctx context.Context, cfg *model.Config) error {
	if err := r.db.WithContext(ctx).Create(cfg).Error; err != nil {
		return pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "创建应用配置失败", err)
	}
	return nil
}

func (r *configRepository) FindByID(ctx context.Context, id string) (*model.Config, error) {
	var cfg model.Config
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&cfg).Error; err != nil {
		return nil, wrapFindError(err, "查询应用配置失败")
	}
	return &cfg, nil
}

// Latest 按创建时间取应用的最新配置
func (r *configRepository) Latest(ctx context.Context, appID string) (*model.Config, error) {
	var cfg model.Config
	err := r.db.WithContext(ctx).
		Where("app_id = ?", appID).
		Order("created_at DESC").
		Order("id DESC").
		First(&cfg).Error
	if err != nil {
		return nil, wrapFindError(err, "查询最新应用配置失败")
	}
	return &cfg, nil
}

func (r *configRepository) ListProcessSpecs(ctx context.Context, appID string) ([]*model.ProcessSpec, error) {
	var specs []*model.ProcessSpec
	if err := r.db.WithContext(ctx).Where("app_id = ?", appID).Order("name ASC").Find(&specs).Error; err != nil {
		return nil, pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "查询进程规格失败", err)
	}
	return specs, nil
}

// SaveProcessSpec 按 (app_id, name) 新建或更新
func (r *configRepository) SaveProcessSpec(ctx context.Context, spec *model.ProcessSpec) error {
	var existing model.ProcessSpec
	err := r.db.WithContext(ctx).Where("app_id = ? AND name = ?", spec.AppID, spec.Name).First(&existing).Error
	switch {
	case err == nil:
		spec.ID = existing.ID
		spec.CreatedAt = existing.CreatedAt
		err = r.db.WithContext(ctx).Save(spec).Error
	case errors.Is(err, gorm.ErrRecordNotFound):
		err = r.db.WithContext(ctx).Create(spec).Error
	}
	if err != nil {
		return pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "保存进程规格失败", err)
	}
	return nil
}
