package service

import (
	"context"

	"paas-control/internal/model"
	"paas-control/internal/repository"
	pkgErrors "paas-control/pkg/errors"
)

// ClusterAllocator 为构建与部署选择集群
type ClusterAllocator struct {
	clusterRepo repository.ClusterRepository
	configRepo  repository.ConfigRepository
}

func NewClusterAllocator(clusterRepo repository.ClusterRepository, configRepo repository.ConfigRepository) *ClusterAllocator {
	return &ClusterAllocator{
		clusterRepo: clusterRepo,
		configRepo:  configRepo,
	}
}

// DefaultForBuild 标记为构建默认的集群，没有标记时取第一个启用的集群
func (s *ClusterAllocator) DefaultForBuild(ctx context.Context) (*model.Cluster, error) {
	cluster, err := s.clusterRepo.FindDefaultForBuild(ctx)
	if err != nil {
		if pkgErrors.Is(err, pkgErrors.ErrRecordNotFound) {
			return nil, pkgErrors.New(pkgErrors.CodeNotFound, "没有可用于构建的集群")
		}
		return nil, err
	}
	return cluster, nil
}

// ForEnv 环境指定的集群，未指定时回退到应用最新配置中的集群
func (s *ClusterAllocator) ForEnv(ctx context.Context, env *model.ModuleEnv) (*model.Cluster, error) {
	name := env.ClusterName
	if name == "" {
		cfg, err := s.configRepo.Latest(ctx, env.AppID)
		if err != nil && !pkgErrors.Is(err, pkgErrors.ErrRecordNotFound) {
			return nil, err
		}
		if cfg != nil {
			name = cfg.Cluster
		}
	}
	if name == "" {
		return s.DefaultForBuild(ctx)
	}

	cluster, err := s.clusterRepo.FindByName(ctx, name)
	if err != nil {
		if pkgErrors.Is(err, pkgErrors.ErrRecordNotFound) {
			return nil, pkgErrors.New(pkgErrors.CodeNotFound, "集群 "+name+" 不存在")
		}
		return nil, err
	}
	return cluster, nil
}
