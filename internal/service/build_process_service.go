package service

import (
	"context"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"paas-control/internal/model"
	"paas-control/internal/repository"
	"paas-control/pkg/constants"
	pkgErrors "paas-control/pkg/errors"
)

// NewBuildProcessRequest 新建构建过程的参数
type NewBuildProcessRequest struct {
	Env           *model.ModuleEnv `validate:"required"`
	BuilderImage  string           `validate:"required"`
	SourceTarPath string           `validate:"required"`
	VersionInfo   model.VersionInfo
	InvokeMessage string
	Owner         string
	Buildpacks    []string
}

// BuildProcessManager 构建过程的创建与查询
type BuildProcessManager struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewBuildProcessManager(db *gorm.DB, log *zap.Logger) *BuildProcessManager {
	return &BuildProcessManager{db: db, log: log}
}

// New 在事务内锁定模块行分配下一个 generation，并创建输出流与 pending 状态的 BuildProcess
func (s *BuildProcessManager) New(ctx context.Context, req NewBuildProcessRequest) (*model.BuildProcess, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	env := req.Env

	var bp *model.BuildProcess
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		appRepo := repository.NewAppRepository(tx)
		module, err := appRepo.FindModuleByID(ctx, env.ModuleID, repository.ForUpdate())
		if err != nil {
			return err
		}

		bpRepo := repository.NewBuildProcessRepository(tx)
		max, err := bpRepo.MaxGeneration(ctx, module.ApplicationID, module.ID)
		if err != nil {
			return err
		}

		stream := &model.OutputStream{TenantID: tenantOf(env)}
		if err := repository.NewOutputStreamRepository(tx).Create(ctx, stream); err != nil {
			return err
		}

		bp = &model.BuildProcess{
			AppID:          env.AppID,
			ApplicationID:  module.ApplicationID,
			ModuleID:       module.ID,
			Generation:     max + 1,
			BuilderImage:   req.BuilderImage,
			Buildpacks:     datatypes.NewJSONSlice(req.Buildpacks),
			InvokeMessage:  req.InvokeMessage,
			SourceTarPath:  req.SourceTarPath,
			SourceType:     req.VersionInfo.SourceType,
			Branch:         req.VersionInfo.Branch,
			Revision:       req.VersionInfo.Revision,
			Status:         string(constants.JobStatusPending),
			OutputStreamID: stream.ID,
			Owner:          req.Owner,
			TenantID:       stream.TenantID,
		}
		return bpRepo.Create(ctx, bp)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("创建构建过程",
		zap.String("build_process_id", bp.ID),
		zap.String("module_id", bp.ModuleID),
		zap.Int("generation", bp.Generation))
	return bp, nil
}

// Get 按 ID 查询
func (s *BuildProcessManager) Get(ctx context.Context, id string) (*model.BuildProcess, error) {
	bp, err := repository.NewBuildProcessRepository(s.db).FindByID(ctx, id)
	if err != nil {
		if pkgErrors.Is(err, pkgErrors.ErrRecordNotFound) {
			return nil, pkgErrors.New(pkgErrors.CodeNotFound, "构建过程不存在")
		}
		return nil, err
	}
	return bp, nil
}

func tenantOf(env *model.ModuleEnv) string {
	if env.App != nil && env.App.TenantID != "" {
		return env.App.TenantID
	}
	return "default"
}
