package store

import (
	"context"

	"imggen/internal/model"

	"gorm.io/gorm"
)

// Images 读写 images 表。
type Images struct {
	db *gorm.DB
}

// NewImages 创建生成记录存储。
func NewImages(db *gorm.DB) *Images {
	return &Images{db: db}
}

// Create 批量写入生成记录。
func (s *Images) Create(ctx context.Context, images []model.Image) error {
	if len(images) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Create(&images).Error
}

// ListByUser 按时间倒序分页返回用户的生成记录。
func (s *Images) ListByUser(ctx context.Context, userID uint, offset, limit int) ([]model.Image, int64, error) {
	q := s.db.WithContext(ctx).Model(&model.Image{}).Where("user_id = ?", userID)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var images []model.Image
	if err := q.Order("created_at DESC").Order("id DESC").Offset(offset).Limit(limit).Find(&images).Error; err != nil {
		return nil, 0, err
	}
	return images, total, nil
}

// DeleteForUser 删除属于该用户的一条记录，不存在或不属于该用户时返回 ErrNotFound。
func (s *Images) DeleteForUser(ctx context.Context, userID, id uint) error {
	res := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).Delete(&model.Image{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteManyForUser 批量删除，只删除属于该用户的记录，返回实际删除数量。
func (s *Images) DeleteManyForUser(ctx context.Context, userID uint, ids []uint) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Where("user_id = ? AND id IN ?", userID, ids).Delete(&model.Image{})
	return res.RowsAffected, res.Error
}

// Count 统计全部生成记录数。
func (s *Images) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&model.Image{}).Count(&n).Error
	return n, err
}
