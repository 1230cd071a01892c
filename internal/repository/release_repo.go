package repository

import (
	"context"
	"database/sql"

	"gorm.io/gorm"

	"paas-control/internal/model"
	pkgErrors "paas-control/pkg/errors"
)

// ReleaseRepository 发布版本仓储
type ReleaseRepository interface {
	Create(ctx context.Context, release *model.Release) error
	FindByID(ctx context.Context, id string) (*model.Release, error)
	Latest(ctx context.Context, appID string) (*model.Release, error)
	MaxVersion(ctx context.Context, appID string) (int, error)
	AnySuccessful(ctx context.Context, appID string) (bool, error)
	ListRecent(ctx context.Context, appID string, limit int) ([]*model.Release, error)
	MarkFailed(ctx context.Context, id string, summary string) error
}

type releaseRepository struct {
	db *gorm.DB
}

func NewReleaseRepository(db *gorm.DB) ReleaseRepository {
	return &releaseRepository{db: db}
}

func (r *releaseRepository) Create(ctx context.Context, release *model.Release) error {
	if err := r.db.WithContext(ctx).Omit("Build", "Config").Create(release).Error; err != nil {
		return pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "创建发布版本失败", err)
	}
	return nil
}

func (r *releaseRepository) FindByID(ctx context.Context, id string) (*model.Release, error) {
	var release model.Release
	err := r.db.WithContext(ctx).Preload("Build").Preload("Config").
		Where("id = ?", id).First(&release).Error
	if err != nil {
		return nil, wrapFindError(err, "查询发布版本失败")
	}
	return &release, nil
}

// Latest 版本号最大的发布
func (r *releaseRepository) Latest(ctx context.Context, appID string) (*model.Release, error) {
	var release model.Release
	err := r.db.WithContext(ctx).Preload("Build").Preload("Config").
		Where("app_id = ?", appID).
		Order("version DESC").
		First(&release).Error
	if err != nil {
		return nil, wrapFindError(err, "查询最新发布版本失败")
	}
	return &release, nil
}

// MaxVersion 调用方需要先持有应用行锁
func (r *releaseRepository) MaxVersion(ctx context.Context, appID string) (int, error) {
	var max sql.NullInt64
	err := r.db.WithContext(ctx).Model(&model.Release{}).
		Where("app_id = ?", appID).
		Select("MAX(version)").
		Row().Scan(&max)
	if err != nil {
		return 0, pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "查询最大版本号失败", err)
	}
	return int(max.Int64), nil
}

// AnySuccessful 是否存在成功的发布；历史数据中 version=1 且无构建的占位版本不计入
func (r *releaseRepository) AnySuccessful(ctx context.Context, appID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.Release{}).
		Where("app_id = ? AND failed = ?", appID, false).
		Where("NOT (version = ? AND build_id IS NULL)", 1).
		Count(&count).Error
	if err != nil {
		return false, pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "查询发布版本失败", err)
	}
	return count > 0, nil
}

// ListRecent 最近的 limit 个发布，版本号降序
func (r *releaseRepository) ListRecent(ctx context.Context, appID string, limit int) ([]*model.Release, error) {
	var releases []*model.Release
	err := r.db.WithContext(ctx).
		Where("app_id = ?", appID).
		Order("version DESC").
		Limit(limit).
		Find(&releases).Error
	if err != nil {
		return nil, pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "查询发布版本列表失败", err)
	}
	return releases, nil
}

func (r *releaseRepository) MarkFailed(ctx context.Context, id string, summary string) error {
	err := r.db.WithContext(ctx).Model(&model.Release{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"failed": true, "summary": summary}).Error
	if err != nil {
		return pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "标记发布失败", err)
	}
	return nil
}
