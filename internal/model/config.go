package model

import (
	"gorm.io/datatypes"
)

const (
	ConfigTableName      = "engine_configs"
	ProcessSpecTableName = "process_specs"
)

// ResourceRequirements 容器资源，key 为 cpu/memory
type ResourceRequirements struct {
	Limits   map[string]string `json:"limits,omitempty"`
	Requests map[string]string `json:"requests,omitempty"`
}

// Toleration 与 corev1.Toleration 对应的精简结构
type Toleration struct {
	Key               string `json:"key,omitempty"`
	Operator          string `json:"operator,omitempty"`
	Value             string `json:"value,omitempty"`
	Effect            string `json:"effect,omitempty"`
	TolerationSeconds *int64 `json:"toleration_seconds,omitempty"`
}

// Runtime 运行时设置
type Runtime struct {
	ImagePullPolicy string   `json:"image_pull_policy,omitempty"`
	Entrypoint      []string `json:"entrypoint,omitempty"`
}

// Config 应用配置，只追加不修改，按 created_at 取最新
type Config struct {
	BaseModel
	AppID                string                                   `gorm:"size:36;not null;index" json:"app_id"`
	Values               datatypes.JSONType[map[string]string]    `gorm:"type:json" json:"values"`
	ResourceRequirements datatypes.JSONType[ResourceRequirements] `gorm:"type:json" json:"resource_requirements"`
	NodeSelector         datatypes.JSONType[map[string]string]    `gorm:"type:json" json:"node_selector"`
	Tolerations          datatypes.JSONSlice[Toleration]          `gorm:"type:json" json:"tolerations"`
	Image                *string                                  `gorm:"size:255" json:"image"`
	Runtime              datatypes.JSONType[Runtime]              `gorm:"type:json" json:"runtime"`
	Cluster              string                                   `gorm:"size:50" json:"cluster"`
}

func (Config) TableName() string {
	return ConfigTableName
}

// ProcessSpec 进程规格，副本数由扩缩容子系统计算后写入
type ProcessSpec struct {
	BaseModel
	AppID          string `gorm:"size:36;not null;uniqueIndex:uk_app_proc" json:"app_id"`
	Name           string `gorm:"size:50;not null;uniqueIndex:uk_app_proc" json:"name"`
	TargetReplicas int    `gorm:"not null;default:1" json:"target_replicas"`
	Port           *int   `json:"port"`
	ProcCommand    string `gorm:"type:text" json:"proc_command"`
}

func (ProcessSpec) TableName() string {
	return ProcessSpecTableName
}

// ComputedReplicas 计算后的副本数
func (p *ProcessSpec) ComputedReplicas() int32 {
	if p.TargetReplicas < 0 {
		return 0
	}
	return int32(p.TargetReplicas)
}
