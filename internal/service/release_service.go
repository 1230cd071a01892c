package service

import (
	"context"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"paas-control/internal/model"
	"paas-control/internal/repository"
	pkgErrors "paas-control/pkg/errors"
)

// NewReleaseRequest 新建发布版本的参数；Config 为空时沿用上一个版本的配置
type NewReleaseRequest struct {
	App      *model.App `validate:"required"`
	Build    *model.Build
	Procfile map[string]string `validate:"required,min=1"`
	Summary  string
	Owner    string
	Config   *model.Config
}

// ReleaseService 发布版本
type ReleaseService struct {
	db          *gorm.DB
	releaseRepo repository.ReleaseRepository
	log         *zap.Logger
}

func NewReleaseService(db *gorm.DB, log *zap.Logger) *ReleaseService {
	return &ReleaseService{
		db:          db,
		releaseRepo: repository.NewReleaseRepository(db),
		log:         log,
	}
}

// New 锁定应用行后分配下一个 version，版本号按应用连续递增
func (s *ReleaseService) New(ctx context.Context, req NewReleaseRequest) (*model.Release, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if req.Build == nil {
		return nil, pkgErrors.New(pkgErrors.CodeBadRequest, "发布版本必须关联构建产物")
	}

	var release *model.Release
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := repository.NewAppRepository(tx).FindAppByID(ctx, req.App.ID, repository.ForUpdate()); err != nil {
			return err
		}
		releaseRepo := repository.NewReleaseRepository(tx)
		cfg, err := s.resolveConfig(ctx, tx, req)
		if err != nil {
			return err
		}
		max, err := releaseRepo.MaxVersion(ctx, req.App.ID)
		if err != nil {
			return err
		}

		release = &model.Release{
			AppID:    req.App.ID,
			Version:  max + 1,
			BuildID:  &req.Build.ID,
			ConfigID: cfg.ID,
			Procfile: datatypes.NewJSONType(req.Procfile),
			Summary:  req.Summary,
			Owner:    req.Owner,
		}
		if err := releaseRepo.Create(ctx, release); err != nil {
			return err
		}
		release.Build = req.Build
		release.Config = cfg
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("创建发布版本",
		zap.String("app", req.App.Name),
		zap.Int("version", release.Version),
		zap.String("build_id", req.Build.ID))
	return release, nil
}

// resolveConfig 显式指定 > 上一个版本的配置 > 应用最新配置
func (s *ReleaseService) resolveConfig(ctx context.Context, tx *gorm.DB, req NewReleaseRequest) (*model.Config, error) {
	if req.Config != nil {
		return req.Config, nil
	}
	prev, err := repository.NewReleaseRepository(tx).Latest(ctx, req.App.ID)
	switch {
	case err == nil && prev.Config != nil:
		return prev.Config, nil
	case err != nil && !pkgErrors.Is(err, pkgErrors.ErrRecordNotFound):
		return nil, err
	}

	cfg, err := repository.NewConfigRepository(tx).Latest(ctx, req.App.ID)
	if pkgErrors.Is(err, pkgErrors.ErrRecordNotFound) {
		return nil, pkgErrors.New(pkgErrors.CodeBadRequest, "应用没有可用的配置")
	}
	return cfg, err
}

// GetEnvs 构建环境变量与配置环境变量合并，键冲突时配置优先
func (s *ReleaseService) GetEnvs(release *model.Release) map[string]string {
	var buildEnvs, configEnvs map[string]string
	if release.Build != nil {
		buildEnvs = release.Build.EnvVariables.Data()
	}
	if release.Config != nil {
		configEnvs = release.Config.Values.Data()
	}
	return lo.Assign(buildEnvs, configEnvs)
}

// Get 按 ID 查询，预加载构建与配置
func (s *ReleaseService) Get(ctx context.Context, id string) (*model.Release, error) {
	return s.releaseRepo.FindByID(ctx, id)
}

// MarkFailed 发布失败时记录摘要
func (s *ReleaseService) MarkFailed(ctx context.Context, id, summary string) error {
	return s.releaseRepo.MarkFailed(ctx, id, summary)
}

// Latest 环境对应应用的最新发布
func (s *ReleaseService) Latest(ctx context.Context, env *model.ModuleEnv) (*model.Release, error) {
	release, err := s.releaseRepo.Latest(ctx, env.AppID)
	if err != nil {
		if pkgErrors.Is(err, pkgErrors.ErrRecordNotFound) {
			return nil, pkgErrors.New(pkgErrors.CodeNotFound, "环境尚未发布")
		}
		return nil, err
	}
	return release, nil
}

// AnySuccessful 环境是否有过成功的发布
func (s *ReleaseService) AnySuccessful(ctx context.Context, env *model.ModuleEnv) (bool, error) {
	return s.releaseRepo.AnySuccessful(ctx, env.AppID)
}
