package repository

import (
	"context"
	"errors"
	"time"

	"coinledger/internal/model"

	"gorm.io/gorm"
)

var (
	ErrJobNotFound      = errors.New("任务不存在")
	ErrJobStatusInvalid = errors.New("任务状态不合法")
)

type JobRepository struct {
	db *gorm.DB
}

func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

func (r *JobRepository) Create(ctx context.Context, tx *gorm.DB, job *model.GenerationJob) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(job).Error
}

func (r *JobRepository) GetByJobNo(ctx context.Context, jobNo string) (*model.GenerationJob, error) {
	var job model.GenerationJob
	err := r.db.WithContext(ctx).Where("job_no = ?", jobNo).First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return &job, nil
}

// UpdateStatus 任务状态迁移
//
// 【关键点】WHERE 同时带 job_no 和 fromStatus：
// 这条条件更新就是"每个终态只迁移一次"的闸门。
// 两个并发的 OnError 只会有一个把 RUNNING 改成 FAILED，
// 输掉的那个 RowsAffected == 0，直接放弃退款
func (r *JobRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, jobNo string, fromStatus, toStatus string) error {
	if !model.JobCanTransitionTo(fromStatus, toStatus) {
		return ErrJobStatusInvalid
	}

	if tx == nil {
		tx = r.db
	}

	updates := map[string]interface{}{
		"status": toStatus,
	}

	if model.JobTerminal(toStatus) {
		now := time.Now()
		updates["completed_at"] = &now
	}

	result := tx.WithContext(ctx).
		Model(&model.GenerationJob{}).
		Where("job_no = ? AND status = ?", jobNo, fromStatus).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrJobStatusInvalid
	}

	return nil
}

// SetErrorReason 记录失败原因（与状态迁移分开，原因只是诊断信息）
func (r *JobRepository) SetErrorReason(ctx context.Context, tx *gorm.DB, jobNo string, reason string) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).
		Model(&model.GenerationJob{}).
		Where("job_no = ?", jobNo).
		Update("error_reason", reason).Error
}

// GetStaleRunning 查询卡在 RUNNING 超时的任务
// 生成服务崩溃后不会再有回调，这些任务由补偿任务按失败处理退款
func (r *JobRepository) GetStaleRunning(ctx context.Context, beforeTime time.Time, limit int) ([]*model.GenerationJob, error) {
	var jobs []*model.GenerationJob
	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", model.JobStatusRunning, beforeTime).
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

func (r *JobRepository) ListByUserID(ctx context.Context, userID int64, page, pageSize int) ([]*model.GenerationJob, int64, error) {
	var jobs []*model.GenerationJob
	var total int64

	query := r.db.WithContext(ctx).Model(&model.GenerationJob{}).Where("user_id = ?", userID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&jobs).Error

	return jobs, total, err
}
