package model

import (
	"time"

	"gorm.io/datatypes"

	"paas-control/pkg/constants"
)

const (
	BuildTableName        = "builds"
	BuildProcessTableName = "build_processes"
	ReleaseTableName      = "releases"
)

// ArtifactMetadata 构建产物元数据
type ArtifactMetadata struct {
	UseCNB          bool                `json:"use_cnb,omitempty"`
	Entrypoint      []string            `json:"entrypoint,omitempty"`
	ProcEntrypoints map[string][]string `json:"proc_entrypoints,omitempty"`
}

// ArtifactDetail 镜像制品的大小与摘要
type ArtifactDetail struct {
	Size   int64  `json:"size"`
	Digest string `json:"digest"`
}

// Build 构建产物，创建后不可变（artifact_deleted 只会翻转一次）
type Build struct {
	BaseModel
	AppID            string                                `gorm:"size:36;not null;index" json:"app_id"`
	ModuleID         string                                `gorm:"size:36;not null;index" json:"module_id"`
	ArtifactType     string                                `gorm:"size:20;not null" json:"artifact_type"` // slug/image
	Image            *string                               `gorm:"size:255" json:"image"`
	SlugPath         *string                               `gorm:"size:512" json:"slug_path"`
	SourceType       string                                `gorm:"size:20" json:"source_type"`
	Branch           string                                `gorm:"size:128" json:"branch"`
	Revision         string                                `gorm:"size:128" json:"revision"`
	EnvVariables     datatypes.JSONType[map[string]string] `gorm:"type:json" json:"env_variables"`
	ArtifactMetadata datatypes.JSONType[ArtifactMetadata]  `gorm:"type:json" json:"artifact_metadata"`
	ArtifactDetail   datatypes.JSONType[ArtifactDetail]    `gorm:"type:json" json:"artifact_detail"`
	ArtifactDeleted  bool                                  `gorm:"not null;default:false" json:"artifact_deleted"`
	TenantID         string                                `gorm:"size:64;not null;default:default" json:"tenant_id"`
	Owner            string                                `gorm:"size:64" json:"owner"`
}

func (Build) TableName() string {
	return BuildTableName
}

// BuildProcess 一次构建尝试，拥有一个构建 Pod 和一个输出流
type BuildProcess struct {
	BaseModel
	AppID          string                      `gorm:"size:36;not null;index" json:"app_id"`
	ApplicationID  string                      `gorm:"size:36;not null;uniqueIndex:uk_module_generation" json:"application_id"`
	ModuleID       string                      `gorm:"size:36;not null;uniqueIndex:uk_module_generation" json:"module_id"`
	Generation     int                         `gorm:"not null;uniqueIndex:uk_module_generation" json:"generation"`
	BuilderImage   string                      `gorm:"size:255" json:"builder_image"`
	Buildpacks     datatypes.JSONSlice[string] `gorm:"type:json" json:"buildpacks"`
	InvokeMessage  string                      `gorm:"size:255" json:"invoke_message"`
	SourceTarPath  string                      `gorm:"size:512" json:"source_tar_path"`
	SourceType     string                      `gorm:"size:20" json:"source_type"`
	Branch         string                      `gorm:"size:128" json:"branch"`
	Revision       string                      `gorm:"size:128" json:"revision"`
	Status         string                      `gorm:"size:20;not null;default:pending;index" json:"status"`
	LogsReadyAt    *time.Time                  `json:"logs_ready_at"`
	IntRequestedAt *time.Time                  `json:"int_requested_at"`
	CompletedAt    *time.Time                  `json:"completed_at"`
	OutputStreamID string                      `gorm:"size:36;not null" json:"output_stream_id"`
	BuildID        *string                     `gorm:"size:36" json:"build_id"`
	Owner          string                      `gorm:"size:64" json:"owner"`
	TenantID       string                      `gorm:"size:64;not null;default:default" json:"tenant_id"`
}

func (BuildProcess) TableName() string {
	return BuildProcessTableName
}

// IsTerminal 是否已进入终态
func (bp *BuildProcess) IsTerminal() bool {
	return constants.JobStatus(bp.Status).IsTerminal()
}

// Release 版本化的 (Build, Config, procfile) 三元组
type Release struct {
	BaseModel
	AppID    string                                `gorm:"size:36;not null;uniqueIndex:uk_app_version" json:"app_id"`
	Version  int                                   `gorm:"not null;uniqueIndex:uk_app_version" json:"version"`
	BuildID  *string                               `gorm:"size:36;index" json:"build_id"`
	ConfigID string                                `gorm:"size:36;not null" json:"config_id"`
	Procfile datatypes.JSONType[map[string]string] `gorm:"type:json" json:"procfile"`
	Failed   bool                                  `gorm:"not null;default:false" json:"failed"`
	Summary  string                                `gorm:"type:text" json:"summary"`
	Owner    string                                `gorm:"size:64" json:"owner"`

	Build  *Build  `gorm:"foreignKey:BuildID" json:"build,omitempty"`
	Config *Config `gorm:"foreignKey:ConfigID" json:"config,omitempty"`
}

func (Release) TableName() string {
	return ReleaseTableName
}
