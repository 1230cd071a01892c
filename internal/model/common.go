package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// BaseModel 所有实体的公共字段，主键为 UUID 字符串
type BaseModel struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime;index" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime" json:"updated_at"`
}

// BeforeCreate 未指定 ID 时生成 UUID
func (m *BaseModel) BeforeCreate(*gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return nil
}

// All 返回需要迁移的全部模型
func All() []any {
	return []any{
		&Cluster{},
		&App{},
		&Module{},
		&ModuleEnv{},
		&Config{},
		&ProcessSpec{},
		&Build{},
		&BuildProcess{},
		&Release{},
		&OutputStream{},
		&OutputStreamLine{},
		&Deployment{},
		&DeployPhase{},
		&DeployStep{},
	}
}
