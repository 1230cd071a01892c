package repository

import (
	"context"

	"gorm.io/gorm"

	"paas-control/internal/model"
	pkgErrors "paas-control/pkg/errors"
)

// ClusterRepository 集群仓储
type ClusterRepository interface {
	Create(ctx context.Context, cluster *model.Cluster) error
	FindByName(ctx context.Context, name string) (*model.Cluster, error)
	FindDefaultForBuild(ctx context.Context) (*model.Cluster, error)
	ListEnabled(ctx context.Context) ([]*model.Cluster, error)
}

type clusterRepository struct {
	db *gorm.DB
}

func NewClusterRepository(db *gorm.DB) ClusterRepository {
	return &clusterRepository{db: db}
}

// Create 创建集群
func (r *clusterRepository) Create(ctx context.Context, cluster *model.Cluster) error {
	if err := r.db.WithContext(ctx).Create(cluster).Error; err != nil {
		return pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "创建集群失败", err)
	}
	return nil
}

// FindByName 根据名称查询集群
func (r *clusterRepository) FindByName(ctx context.Context, name string) (*model.Cluster, error) {
	var cluster model.Cluster
	if err := r.db.WithContext(ctx).Where("name = ?", name).First(&cluster).Error; err != nil {
		return nil, wrapFindError(err, "查询集群失败")
	}
	return &cluster, nil
}

// FindDefaultForBuild 构建默认集群：优先 default_for_build，否则取第一个启用的集群
func (r *clusterRepository) FindDefaultForBuild(ctx context.Context) (*model.Cluster, error) {
	var cluster model.Cluster
	err := r.db.WithContext(ctx).
		Where("enabled = ?", true).
		Order("default_for_build DESC").
		Order("created_at ASC").
		First(&cluster).Error
	if err != nil {
		return nil, wrapFindError(err, "查询构建集群失败")
	}
	return &cluster, nil
}

// ListEnabled 所有启用的集群
func (r *clusterRepository) ListEnabled(ctx context.Context) ([]*model.Cluster, error) {
	var clusters []*model.Cluster
	if err := r.db.WithContext(ctx).Where("enabled = ?", true).Order("name ASC").Find(&clusters).Error; err != nil {
		return nil, pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "查询集群列表失败", err)
	}
	return clusters, nil
}
