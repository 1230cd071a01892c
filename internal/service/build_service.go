package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"paas-control/internal/model"
	"paas-control/internal/repository"
	"paas-control/pkg/constants"
	pkgErrors "paas-control/pkg/errors"
	"paas-control/pkg/utils"
)

// ImageManifest 镜像仓库返回的制品信息
type ImageManifest struct {
	Size   int64
	Digest string
}

// BuildService 构建产物记录与构建过程查询
type BuildService struct {
	db        *gorm.DB
	buildRepo repository.BuildRepository
	bpRepo    repository.BuildProcessRepository
	log       *zap.Logger
}

// NewBuildService 创建构建服务实例
func NewBuildService(db *gorm.DB, log *zap.Logger) *BuildService {
	return &BuildService{
		db:        db,
		buildRepo: repository.NewBuildRepository(db),
		bpRepo:    repository.NewBuildProcessRepository(db),
		log:       log,
	}
}

// SlugPath slug 制品在对象存储中的路径
func SlugPath(app *model.App, bp *model.BuildProcess) string {
	return fmt.Sprintf("%s/home/%s:%s:%s/push", app.Region, app.Name, bp.Branch, bp.Revision)
}

// CreateSlugBuild 构建成功后记录 slug 制品并回填 BuildProcess.build_id
func (s *BuildService) CreateSlugBuild(ctx context.Context, env *model.ModuleEnv, bp *model.BuildProcess, envVars map[string]string) (*model.Build, error) {
	if env.App == nil || env.Module == nil {
		return nil, pkgErrors.New(pkgErrors.CodeInternalError, "环境缺少应用或模块信息")
	}
	path := SlugPath(env.App, bp)
	metadata := model.ArtifactMetadata{UseCNB: env.Module.SourceOrigin == string(constants.SourceOriginCNB)}
	build := &model.Build{
		AppID:            env.AppID,
		ModuleID:         env.ModuleID,
		ArtifactType:     string(constants.ArtifactTypeSlug),
		SlugPath:         &path,
		SourceType:       bp.SourceType,
		Branch:           bp.Branch,
		Revision:         bp.Revision,
		EnvVariables:     datatypes.NewJSONType(envVars),
		ArtifactMetadata: datatypes.NewJSONType(metadata),
		TenantID:         bp.TenantID,
		Owner:            bp.Owner,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := repository.NewBuildRepository(tx).Create(ctx, build); err != nil {
			return err
		}
		return repository.NewBuildProcessRepository(tx).SetBuild(ctx, bp.ID, build.ID)
	})
	if err != nil {
		return nil, err
	}
	bp.BuildID = &build.ID

	s.log.Info("记录构建产物",
		zap.String("build_id", build.ID),
		zap.String("build_process_id", bp.ID),
		zap.String("slug_path", path))
	return build, nil
}

// CreateImageBuild 镜像部署时直接记录镜像制品
func (s *BuildService) CreateImageBuild(ctx context.Context, env *model.ModuleEnv, info model.VersionInfo, manifest ImageManifest, owner string) (*model.Build, error) {
	if _, err := ImageTag(info.Image); err != nil {
		return nil, err
	}
	useCNB := env.Module != nil && env.Module.SourceOrigin == string(constants.SourceOriginCNB)
	build := &model.Build{
		AppID:            env.AppID,
		ModuleID:         env.ModuleID,
		ArtifactType:     string(constants.ArtifactTypeImage),
		Image:            &info.Image,
		SourceType:       info.SourceType,
		Branch:           info.Branch,
		Revision:         info.Revision,
		ArtifactMetadata: datatypes.NewJSONType(model.ArtifactMetadata{UseCNB: useCNB}),
		ArtifactDetail:   datatypes.NewJSONType(model.ArtifactDetail{Size: manifest.Size, Digest: manifest.Digest}),
		TenantID:         tenantOf(env),
		Owner:            owner,
	}
	if err := s.buildRepo.Create(ctx, build); err != nil {
		return nil, err
	}
	return build, nil
}

// ImageTag 镜像引用中的 tag 或 digest；两者都没有时拒绝
func ImageTag(image string) (string, error) {
	if i := strings.LastIndex(image, "@"); i >= 0 {
		return image[i+1:], nil
	}
	slash := strings.LastIndex(image, "/")
	if i := strings.LastIndex(image, ":"); i > slash {
		return image[i+1:], nil
	}
	return "", pkgErrors.Wrap(pkgErrors.CodeBadRequest, image, pkgErrors.ErrInvalidImageReference)
}

// ListBuildProcessesRequest 构建过程列表筛选
type ListBuildProcessesRequest struct {
	ModuleID string `validate:"required"`
	Status   string `validate:"omitempty,oneof=pending building running successful failed interrupted"`
	Branch   string
	Keyword  string
	Page     int
	PageSize int
}

// ListBuildProcesses 模块的构建过程分页列表
func (s *BuildService) ListBuildProcesses(ctx context.Context, req ListBuildProcessesRequest) ([]*model.BuildProcess, int64, error) {
	if err := validateRequest(req); err != nil {
		return nil, 0, err
	}
	filter := repository.BuildProcessFilter{
		ModuleID: req.ModuleID,
		Branch:   req.Branch,
		Keyword:  req.Keyword,
	}
	if req.Status != "" {
		filter.Status = &req.Status
	}
	return s.bpRepo.List(ctx, filter, repository.Page{Page: req.Page, PageSize: req.PageSize})
}

func validateRequest(v any) error {
	if err := utils.ValidateStruct(v); err != nil {
		return pkgErrors.Wrap(pkgErrors.CodeValidationError, err.Error(), pkgErrors.ErrValidationError)
	}
	return nil
}
