package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"paas-control/internal/model"
	pkgErrors "paas-control/pkg/errors"
)

// OutputStreamRepository 输出流持久化
type OutputStreamRepository interface {
	Create(ctx context.Context, stream *model.OutputStream) error
	FindByID(ctx context.Context, id string) (*model.OutputStream, error)
	AppendLine(ctx context.Context, line *model.OutputStreamLine) error
	Lines(ctx context.Context, streamID string, sinceSeq int64, limit int) ([]*model.OutputStreamLine, error)
	MarkClosed(ctx context.Context, id string, at time.Time) error
}

type outputStreamRepository struct {
	db *gorm.DB
}

func NewOutputStreamRepository(db *gorm.DB) OutputStreamRepository {
	return &outputStreamRepository{db: db}
}

func (r *outputStreamRepository) Create(ctx context.Context, stream *model.OutputStream) error {
	if err := r.db.WithContext(ctx).Create(stream).Error; err != nil {
		return pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "创建输出流失败", err)
	}
	return nil
}

func (r *outputStreamRepository) FindByID(ctx context.Context, id string) (*model.OutputStream, error) {
	var stream model.OutputStream
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&stream).Error; err != nil {
		return nil, wrapFindError(err, "查询输出流失败")
	}
	return &stream, nil
}

// AppendLine 追加一行，line.ID 回填为自增序号
func (r *outputStreamRepository) AppendLine(ctx context.Context, line *model.OutputStreamLine) error {
	if err := r.db.WithContext(ctx).Create(line).Error; err != nil {
		return pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "写入输出流失败", err)
	}
	return nil
}

// Lines 序号大于 sinceSeq 的行，limit<=0 表示不限制
func (r *outputStreamRepository) Lines(ctx context.Context, streamID string, sinceSeq int64, limit int) ([]*model.OutputStreamLine, error) {
	var lines []*model.OutputStreamLine
	query := r.db.WithContext(ctx).
		Where("stream_id = ? AND id > ?", streamID, sinceSeq).
		Order("id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&lines).Error; err != nil {
		return nil, pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "查询输出流失败", err)
	}
	return lines, nil
}

func (r *outputStreamRepository) MarkClosed(ctx context.Context, id string, at time.Time) error {
	err := r.db.WithContext(ctx).Model(&model.OutputStream{}).
		Where("id = ? AND closed_at IS NULL", id).
		Update("closed_at", at).Error
	if err != nil {
		return pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "关闭输出流失败", err)
	}
	return nil
}
