package store

import (
	"context"
	"time"

	"wanistream/app/model"

	"gorm.io/gorm"
)

// StreamStore 基于 gorm 的推流任务目录
type StreamStore struct {
	db *gorm.DB
}

// NewStreamStore 创建任务目录
func NewStreamStore(db *gorm.DB) *StreamStore {
	return &StreamStore{db: db}
}

// GetJob 按 ID 读取任务，不存在时返回 gorm.ErrRecordNotFound
func (s *StreamStore) GetJob(ctx context.Context, id uint) (*model.Stream, error) {
	var stream model.Stream
	if err := s.db.WithContext(ctx).First(&stream, id).Error; err != nil {
		return nil, err
	}
	return &stream, nil
}

// ListActiveJobs 列出目录中标记为 active 的任务
func (s *StreamStore) ListActiveJobs(ctx context.Context) ([]model.Stream, error) {
	var streams []model.Stream
	err := s.db.WithContext(ctx).
		Where("status = ?", model.StreamStatusActive).
		Order("id ASC").
		Find(&streams).Error
	return streams, err
}

// ListScheduledDue 列出开播时间已到的定时任务，按开播时间升序
func (s *StreamStore) ListScheduledDue(ctx context.Context, now time.Time) ([]model.Stream, error) {
	var streams []model.Stream
	err := s.db.WithContext(ctx).
		Where("status = ? AND scheduled_start IS NOT NULL AND scheduled_start <= ?", model.StreamStatusScheduled, now).
		Order("scheduled_start ASC").
		Find(&streams).Error
	return streams, err
}

// ListEndedActive 列出已到计划结束时间但仍在推流的任务
func (s *StreamStore) ListEndedActive(ctx context.Context, now time.Time) ([]model.Stream, error) {
	var streams []model.Stream
	err := s.db.WithContext(ctx).
		Where("status = ? AND scheduled_end IS NOT NULL AND scheduled_end <= ?", model.StreamStatusActive, now).
		Order("scheduled_end ASC").
		Find(&streams).Error
	return streams, err
}

// UpdateStatus 更新任务状态以及附带的列
func (s *StreamStore) UpdateStatus(ctx context.Context, id uint, status model.StreamStatus, fields map[string]any) error {
	updates := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		updates[k] = v
	}
	updates["status"] = status

	result := s.db.WithContext(ctx).Model(&model.Stream{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// MarkAllActive 将所有 active 任务批量改为指定状态，返回影响行数
func (s *StreamStore) MarkAllActive(ctx context.Context, status model.StreamStatus, fields map[string]any) (int64, error) {
	updates := map[string]any{"status": status}
	for k, v := range fields {
		updates[k] = v
	}
	result := s.db.WithContext(ctx).Model(&model.Stream{}).
		Where("status = ?", model.StreamStatusActive).
		Updates(updates)
	return result.RowsAffected, result.Error
}

// DeleteTerminalBefore 删除创建时间早于 cutoff 的终态任务
func (s *StreamStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("status IN ? AND created_at < ?", model.TerminalStatuses, cutoff).
		Delete(&model.Stream{})
	return result.RowsAffected, result.Error
}

// Create 新增任务
func (s *StreamStore) Create(ctx context.Context, stream *model.Stream) error {
	return s.db.WithContext(ctx).Create(stream).Error
}

// List 按状态分页列出任务，status 为空时列出全部
func (s *StreamStore) List(ctx context.Context, status model.StreamStatus, offset, limit int) ([]model.Stream, int64, error) {
	query := s.db.WithContext(ctx).Model(&model.Stream{})
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var streams []model.Stream
	if limit <= 0 {
		limit = 20
	}
	err := query.Order("created_at DESC").Offset(offset).Limit(limit).Find(&streams).Error
	return streams, total, err
}

// Delete 删除任务
func (s *StreamStore) Delete(ctx context.Context, id uint) error {
	result := s.db.WithContext(ctx).Delete(&model.Stream{}, id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// CountByStatus 统计各状态任务数量
func (s *StreamStore) CountByStatus(ctx context.Context) (map[model.StreamStatus]int64, error) {
	type row struct {
		Status model.StreamStatus
		Total  int64
	}
	var rows []row
	err := s.db.WithContext(ctx).Model(&model.Stream{}).
		Select("status, COUNT(*) AS total").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[model.StreamStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Total
	}
	return counts, nil
}
