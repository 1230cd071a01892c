package model

import (
	"fmt"

	"gorm.io/datatypes"

	"paas-control/pkg/constants"
	"paas-control/pkg/utils"
)

const (
	ClusterTableName   = "clusters"
	AppTableName       = "engine_apps"
	ModuleTableName    = "modules"
	ModuleEnvTableName = "module_envs"
)

// Cluster 集群元数据与连接配置
type Cluster struct {
	BaseModel
	Name            string  `gorm:"size:50;not null;uniqueIndex" json:"name"`
	Description     *string `gorm:"type:text" json:"description"`
	Region          string  `gorm:"size:50;not null;index" json:"region"`
	Kubeconfig      string  `gorm:"type:text" json:"-"` // 加密存储，为空时使用 in-cluster 配置
	IngressClass    string  `gorm:"size:64" json:"ingress_class"`
	DefaultForBuild bool    `gorm:"not null;default:false" json:"default_for_build"`
	Enabled         bool    `gorm:"not null;default:true" json:"enabled"`
}

func (Cluster) TableName() string {
	return ClusterTableName
}

// App 引擎侧应用，一个 App 对应集群中的一个命名空间
type App struct {
	BaseModel
	Region    string `gorm:"size:50;not null;uniqueIndex:uk_region_name" json:"region"`
	Name      string `gorm:"size:100;not null;uniqueIndex:uk_region_name" json:"name"`
	Type      string `gorm:"size:20;not null;default:default" json:"type"` // default/cloud_native
	TenantID  string `gorm:"size:64;not null;default:default;index" json:"tenant_id"`
	Owner     string `gorm:"size:64" json:"owner"`
	Namespace string `gorm:"size:63;not null" json:"namespace"`
}

func (App) TableName() string {
	return AppTableName
}

// NamespaceFor 根据应用名推导命名空间
func NamespaceFor(name string) string {
	return utils.SanitizeLabel(fmt.Sprintf("bkapp-%s", utils.EscapeUnderscore(name)))
}

// ScopedName 应用内资源名（Deployment/Service 等）的前缀
func (a *App) ScopedName() string {
	return utils.EscapeUnderscore(a.Name)
}

// Module 可构建的应用模块
type Module struct {
	BaseModel
	ApplicationID string                      `gorm:"size:36;not null;uniqueIndex:uk_application_module" json:"application_id"`
	Name          string                      `gorm:"size:50;not null;uniqueIndex:uk_application_module" json:"name"`
	SourceOrigin  string                      `gorm:"size:20;not null;default:source" json:"source_origin"` // source/image/cnb
	Buildpacks    datatypes.JSONSlice[string] `gorm:"type:json" json:"buildpacks"`
}

func (Module) TableName() string {
	return ModuleTableName
}

// IsImageOrigin 模块是否直接使用镜像部署（无构建阶段）
func (m *Module) IsImageOrigin() bool {
	return m.SourceOrigin == string(constants.SourceOriginImage)
}

// ModuleEnv 模块环境，部署锁的最小单位
type ModuleEnv struct {
	BaseModel
	ModuleID    string `gorm:"size:36;not null;uniqueIndex:uk_module_env" json:"module_id"`
	Environment string `gorm:"size:20;not null;uniqueIndex:uk_module_env" json:"environment"` // stag/prod
	AppID       string `gorm:"size:36;not null;index" json:"app_id"`
	ClusterName string `gorm:"size:50" json:"cluster_name"` // 为空时回退到 App 最新 Config 的集群

	Module *Module `gorm:"foreignKey:ModuleID" json:"module,omitempty"`
	App    *App    `gorm:"foreignKey:AppID" json:"app,omitempty"`
}

func (ModuleEnv) TableName() string {
	return ModuleEnvTableName
}
