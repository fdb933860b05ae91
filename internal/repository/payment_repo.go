package repository

import (
	"context"
	"errors"
	"time"

	"coinledger/internal/model"

	"gorm.io/gorm"
)

var (
	ErrPaymentNotFound      = errors.New("支付单不存在")
	ErrPaymentStatusInvalid = errors.New("支付单状态不合法")
)

type PaymentRepository struct {
	db *gorm.DB
}

func NewPaymentRepository(db *gorm.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

func (r *PaymentRepository) Create(ctx context.Context, tx *gorm.DB, payment *model.Payment) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(payment).Error
}

func (r *PaymentRepository) GetByPaymentNo(ctx context.Context, paymentNo string) (*model.Payment, error) {
	var payment model.Payment
	err := r.db.WithContext(ctx).Where("payment_no = ?", paymentNo).First(&payment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return &payment, nil
}

func (r *PaymentRepository) GetByProviderPaymentID(ctx context.Context, providerPaymentID string) (*model.Payment, error) {
	var payment model.Payment
	err := r.db.WithContext(ctx).Where("provider_payment_id = ?", providerPaymentID).First(&payment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &payment, nil
}

func (r *PaymentRepository) GetByIdempotencyKey(ctx context.Context, idempotencyKey string) (*model.Payment, error) {
	var payment model.Payment
	err := r.db.WithContext(ctx).Where("idempotency_key = ?", idempotencyKey).First(&payment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &payment, nil
}

// BindProviderPaymentID 回调时补写渠道支付ID
// provider_payment_id 上有唯一索引：同一个渠道ID绑到两张支付单
// 会直接撞索引报错，这正是想要的效果
func (r *PaymentRepository) BindProviderPaymentID(ctx context.Context, tx *gorm.DB, paymentNo, providerPaymentID string) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).
		Model(&model.Payment{}).
		Where("payment_no = ? AND (provider_payment_id IS NULL OR provider_payment_id = '')", paymentNo).
		Update("provider_payment_id", providerPaymentID).Error
}

// UpdateStatus 支付单状态迁移
//
// 【关键点】WHERE 带 fromStatus 的条件更新是回调幂等的最后一道闸门：
// 重复回调并发走到这里，只有一个能把 PENDING 改成终态。
// 权益发放和这条更新在同一个数据库事务里，发放失败整体回滚，
// 支付单留在 PENDING 等渠道重推
func (r *PaymentRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, paymentNo string, fromStatus, toStatus string) error {
	if !model.PaymentCanTransitionTo(fromStatus, toStatus) {
		return ErrPaymentStatusInvalid
	}

	if tx == nil {
		tx = r.db
	}

	updates := map[string]interface{}{
		"status": toStatus,
	}

	if toStatus == model.PaymentStatusSucceeded {
		now := time.Now()
		updates["paid_at"] = &now
	}

	result := tx.WithContext(ctx).
		Model(&model.Payment{}).
		Where("payment_no = ? AND status = ?", paymentNo, fromStatus).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrPaymentStatusInvalid
	}

	return nil
}

// GetPendingOlderThan 长时间停留在 PENDING 的支付单，供人工对账
func (r *PaymentRepository) GetPendingOlderThan(ctx context.Context, beforeTime time.Time, limit int) ([]*model.Payment, error) {
	var payments []*model.Payment
	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", model.PaymentStatusPending, beforeTime).
		Limit(limit).
		Find(&payments).Error
	return payments, err
}

func (r *PaymentRepository) ListByUserID(ctx context.Context, userID int64, page, pageSize int) ([]*model.Payment, int64, error) {
	var payments []*model.Payment
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Payment{}).Where("user_id = ?", userID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&payments).Error

	return payments, total, err
}
