package repository

import (
	"context"

	"gorm.io/gorm"

	"paas-control/internal/model"
	pkgErrors "paas-control/pkg/errors"
)

// AppRepository 引擎应用、模块及模块环境仓储
type AppRepository interface {
	CreateApp(ctx context.Context, app *model.App) error
	FindAppByID(ctx context.Context, id string, opts ...QueryOption) (*model.App, error)
	FindAppByName(ctx context.Context, region, name string) (*model.App, error)
	ListApps(ctx context.Context) ([]*model.App, error)

	CreateModule(ctx context.Context, module *model.Module) error
	FindModuleByID(ctx context.Context, id string, opts ...QueryOption) (*model.Module, error)

	CreateEnv(ctx context.Context, env *model.ModuleEnv) error
	FindEnvByID(ctx context.Context, id string) (*model.ModuleEnv, error)
	FindEnvByApp(ctx context.Context, appID string) (*model.ModuleEnv, error)
}

type appRepository struct {
	db *gorm.DB
}

func NewAppRepository(db *gorm.DB) AppRepository {
	return &appRepository{db: db}
}

func (r *appRepository) CreateApp(ctx context.Context, app *model.App) error {
	if app.Namespace == "" {
		app.Namespace = model.NamespaceFor(app.Name)
	}
	if err := r.db.WithContext(ctx).Create(app).Error; err != nil {
		return pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "创建应用失败", err)
	}
	return nil
}

func (r *appRepository) FindAppByID(ctx context.Context, id string, opts ...QueryOption) (*model.App, error) {
	var app model.App
	if err := applyOptions(r.db.WithContext(ctx), opts).Where("id = ?", id).First(&app).Error; err != nil {
		return nil, wrapFindError(err, "查询应用失败")
	}
	return &app, nil
}

func (r *appRepository) FindAppByName(ctx context.Context, region, name string) (*model.App, error) {
	var app model.App
	if err := r.db.WithContext(ctx).Where("region = ? AND name = ?", region, name).First(&app).Error; err != nil {
		return nil, wrapFindError(err, "查询应用失败")
	}
	return &app, nil
}

func (r *appRepository) ListApps(ctx context.Context) ([]*model.App, error) {
	var apps []*model.App
	if err := r.db.WithContext(ctx).Order("created_at ASC").Find(&apps).Error; err != nil {
		return nil, pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "查询应用列表失败", err)
	}
	return apps, nil
}

func (r *appRepository) CreateModule(ctx context.Context, module *model.Module) error {
	if err := r.db.WithContext(ctx).Create(module).Error; err != nil {
		return pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "创建模块失败", err)
	}
	return nil
}

func (r *appRepository) FindModuleByID(ctx context.Context, id string, opts ...QueryOption) (*model.Module, error) {
	var module model.Module
	if err := applyOptions(r.db.WithContext(ctx), opts).Where("id = ?", id).First(&module).Error; err != nil {
		return nil, wrapFindError(err, "查询模块失败")
	}
	return &module, nil
}

func (r *appRepository) CreateEnv(ctx context.Context, env *model.ModuleEnv) error {
	if err := r.db.WithContext(ctx).Create(env).Error; err != nil {
		return pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "创建模块环境失败", err)
	}
	return nil
}

// FindEnvByID 查询模块环境，同时加载模块与应用
func (r *appRepository) FindEnvByID(ctx context.Context, id string) (*model.ModuleEnv, error) {
	var env model.ModuleEnv
	err := r.db.WithContext(ctx).Preload("Module").Preload("App").
		Where("id = ?", id).First(&env).Error
	if err != nil {
		return nil, wrapFindError(err, "查询模块环境失败")
	}
	return &env, nil
}

func (r *appRepository) FindEnvByApp(ctx context.Context, appID string) (*model.ModuleEnv, error) {
	var env model.ModuleEnv
	err := r.db.WithContext(ctx).Preload("Module").Preload("App").
		Where("app_id = ?", appID).First(&env).Error
	if err != nil {
		return nil, wrapFindError(err, "查询模块环境失败")
	}
	return &env, nil
}
