package repository

import (
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	pkgErrors "paas-control/pkg/errors"
)

type QueryOption func(*gorm.DB) *gorm.DB

func WithPreload(association string, conds ...interface{}) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		return db.Preload(association, conds...)
	}
}

// ForUpdate 行锁，用于序号分配（SQLite 下忽略）
func ForUpdate() QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		return db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
}

func applyOptions(db *gorm.DB, opts []QueryOption) *gorm.DB {
	for _, opt := range opts {
		db = opt(db)
	}
	return db
}

// Page 分页参数
type Page struct {
	Page     int
	PageSize int
}

func (p Page) normalize() Page {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize < 1 || p.PageSize > 100 {
		p.PageSize = 20
	}
	return p
}

func (p Page) offset() int {
	return (p.Page - 1) * p.PageSize
}

// wrapFindError 查询错误转换：记录不存在映射为 ErrRecordNotFound
func wrapFindError(err error, message string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return pkgErrors.ErrRecordNotFound
	}
	return pkgErrors.Wrap(pkgErrors.CodeDatabaseError, message, err)
}
