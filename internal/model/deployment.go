package model

import (
	"time"

	"gorm.io/datatypes"

	"paas-control/pkg/constants"
)

const (
	OutputStreamTableName     = "output_streams"
	OutputStreamLineTableName = "output_stream_lines"
	DeploymentTableName       = "deployments"
	DeployPhaseTableName      = "deploy_phases"
	DeployStepTableName       = "deploy_steps"
)

// OutputStream 一次构建/部署的输出流
type OutputStream struct {
	BaseModel
	TenantID string     `gorm:"size:64;not null;default:default" json:"tenant_id"`
	ClosedAt *time.Time `json:"closed_at"`
}

func (OutputStream) TableName() string {
	return OutputStreamTableName
}

// OutputStreamLine 输出流中的一行，只追加；ID 即 history 使用的序号
type OutputStreamLine struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	StreamID   string    `gorm:"size:36;not null;index:idx_stream_id" json:"stream_id"`
	StreamKind string    `gorm:"size:10;not null" json:"stream"`
	Line       string    `gorm:"type:text" json:"line"`
	CreatedAt  time.Time `gorm:"not null;autoCreateTime" json:"created"`
}

func (OutputStreamLine) TableName() string {
	return OutputStreamLineTableName
}

// VersionInfo 部署的源码/镜像版本
type VersionInfo struct {
	SourceType string `json:"source_type" validate:"required"`
	Branch     string `json:"branch"`
	Revision   string `json:"revision" validate:"required"`
	Image      string `json:"image,omitempty"`
}

// Equal 用于复用进行中的部署
func (v VersionInfo) Equal(other VersionInfo) bool {
	return v == other
}

// AdvancedOptions 部署高级选项
type AdvancedOptions struct {
	BuilderImage string   `json:"builder_image,omitempty"`
	Buildpacks   []string `json:"buildpacks,omitempty"`
	InvokeBy     string   `json:"invoke_by,omitempty"`
}

// Deployment 一次部署
type Deployment struct {
	BaseModel
	EnvID           string                                `gorm:"size:36;not null;index" json:"env_id"`
	AppID           string                                `gorm:"size:36;not null;index" json:"app_id"`
	Status          string                                `gorm:"size:20;not null;default:pending;index" json:"status"`
	Operator        string                                `gorm:"size:64" json:"operator"`
	VersionInfo     datatypes.JSONType[VersionInfo]       `gorm:"type:json" json:"version_info"`
	BuildProcessID  *string                               `gorm:"size:36" json:"build_process_id"`
	BuildID         *string                               `gorm:"size:36" json:"build_id"`
	ReleaseID       *string                               `gorm:"size:36" json:"release_id"`
	OutputStreamID  string                                `gorm:"size:36;not null" json:"output_stream_id"`
	ErrDetail       string                                `gorm:"type:text" json:"err_detail"`
	IntRequestedAt  *time.Time                            `json:"int_requested_at"`
	CompleteTime    *time.Time                            `json:"complete_time"`
	Procfile        datatypes.JSONType[map[string]string] `gorm:"type:json" json:"procfile"`
	AdvancedOptions datatypes.JSONType[AdvancedOptions]   `gorm:"type:json" json:"advanced_options"`
}

func (Deployment) TableName() string {
	return DeploymentTableName
}

// IsTerminal 部署是否已结束
func (d *Deployment) IsTerminal() bool {
	return constants.JobStatus(d.Status).IsTerminal()
}

// DeployPhase 部署阶段
type DeployPhase struct {
	BaseModel
	DeploymentID string     `gorm:"size:36;not null;uniqueIndex:uk_deployment_phase" json:"deployment_id"`
	PhaseType    string     `gorm:"size:20;not null;uniqueIndex:uk_deployment_phase" json:"phase_type"`
	Sequence     int        `gorm:"not null" json:"sequence"`
	Status       string     `gorm:"size:20;not null;default:pending" json:"status"`
	StartTime    *time.Time `json:"start_time"`
	CompleteTime *time.Time `json:"complete_time"`

	Steps []DeployStep `gorm:"foreignKey:PhaseID" json:"steps,omitempty"`
}

func (DeployPhase) TableName() string {
	return DeployPhaseTableName
}

// DeployStep 阶段内的步骤
type DeployStep struct {
	BaseModel
	PhaseID      string     `gorm:"size:36;not null;uniqueIndex:uk_phase_step" json:"phase_id"`
	Name         string     `gorm:"size:64;not null;uniqueIndex:uk_phase_step" json:"name"`
	Sequence     int        `gorm:"not null" json:"sequence"`
	Status       string     `gorm:"size:20;not null;default:pending" json:"status"`
	StartTime    *time.Time `json:"start_time"`
	CompleteTime *time.Time `json:"complete_time"`
}

func (DeployStep) TableName() string {
	return DeployStepTableName
}
