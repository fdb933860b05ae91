package repository

import (
	"context"
	"errors"
	"time"

	"coinledger/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrAccountNotFound   = errors.New("账户不存在")
	ErrInsufficientFunds = errors.New("金币余额不足")
	ErrOptimisticLock    = errors.New("乐观锁冲突，请重试")
)

type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) Create(ctx context.Context, account *model.Account) error {
	return r.db.WithContext(ctx).Create(account).Error
}

func (r *AccountRepository) GetByUserID(ctx context.Context, userID int64) (*model.Account, error) {
	var account model.Account
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

func (r *AccountRepository) GetByUserIDForUpdate(ctx context.Context, tx *gorm.DB, userID int64) (*model.Account, error) {
	var account model.Account
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// Deduct 扣减金币
//
// 【关键点】"检查余额 + 扣减"必须是一条条件 UPDATE：
// WHERE 里同时带 balance >= amount 和 version，
// 两个并发扣款只会有一个命中，余额永远不会被扣成负数。
// RowsAffected == 0 时再回查一次，区分"余额不足"和"版本冲突"
func (r *AccountRepository) Deduct(ctx context.Context, tx *gorm.DB, userID int64, amount int64, version int) error {
	result := tx.WithContext(ctx).
		Model(&model.Account{}).
		Where("user_id = ? AND balance >= ? AND version = ?", userID, amount, version).
		Updates(map[string]interface{}{
			"balance": gorm.Expr("balance - ?", amount),
			"version": gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		account, err := r.GetByUserID(ctx, userID)
		if err != nil {
			return err
		}
		if account.Balance < amount {
			return ErrInsufficientFunds
		}
		return ErrOptimisticLock
	}

	return nil
}

// Increase 增加金币（退款、充值、套餐发放共用）
func (r *AccountRepository) Increase(ctx context.Context, tx *gorm.DB, userID int64, amount int64) error {
	result := tx.WithContext(ctx).
		Model(&model.Account{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"balance": gorm.Expr("balance + ?", amount),
			"version": gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrAccountNotFound
	}

	return nil
}

// SetBalance 管理端直接设置余额（走行锁路径，调用方持有 FOR UPDATE）
func (r *AccountRepository) SetBalance(ctx context.Context, tx *gorm.DB, userID int64, balance int64) error {
	result := tx.WithContext(ctx).
		Model(&model.Account{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"balance": balance,
			"version": gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrAccountNotFound
	}

	return nil
}

// SetPlan 写入套餐与到期时间（调用方持有 FOR UPDATE 行锁）
func (r *AccountRepository) SetPlan(ctx context.Context, tx *gorm.DB, userID int64, planKey string, expiresAt *time.Time) error {
	result := tx.WithContext(ctx).
		Model(&model.Account{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"plan_key":        planKey,
			"plan_expires_at": expiresAt,
			"version":         gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrAccountNotFound
	}

	return nil
}

// DowngradeExpired 过期套餐降回 free
//
// 条件更新天然幂等：已经是 free 的账户不会命中 WHERE，
// 定时清理和请求路径的惰性检查并发执行也只会降级一次。
// 返回是否真的发生了降级
func (r *AccountRepository) DowngradeExpired(ctx context.Context, userID int64, now time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&model.Account{}).
		Where("user_id = ? AND plan_key <> ? AND plan_expires_at IS NOT NULL AND plan_expires_at < ?",
			userID, model.PlanFree, now).
		Updates(map[string]interface{}{
			"plan_key":        model.PlanFree,
			"plan_expires_at": nil,
			"version":         gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return false, result.Error
	}

	return result.RowsAffected > 0, nil
}

// GetExpiredPlanUserIDs 批量查询套餐已过期的用户，供定时清理使用
func (r *AccountRepository) GetExpiredPlanUserIDs(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	var userIDs []int64
	err := r.db.WithContext(ctx).
		Model(&model.Account{}).
		Where("plan_key <> ? AND plan_expires_at IS NOT NULL AND plan_expires_at < ?", model.PlanFree, now).
		Limit(limit).
		Pluck("user_id", &userIDs).Error
	return userIDs, err
}

// GetOrCreate 取账户，不存在则以零余额创建
//
// 【策略】账户在首次交互时自动创建（而不是报 AccountNotFound），
// 整个服务统一走这一条路径。并发创建靠 user_id 唯一索引 + ON CONFLICT 兜底
func (r *AccountRepository) GetOrCreate(ctx context.Context, userID int64) (*model.Account, error) {
	account, err := r.GetByUserID(ctx, userID)
	if err == nil {
		return account, nil
	}

	if !errors.Is(err, ErrAccountNotFound) {
		return nil, err
	}

	newAccount := &model.Account{
		UserID:  userID,
		Balance: 0,
		PlanKey: model.PlanFree,
	}

	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(newAccount).Error

	if err != nil {
		return nil, err
	}

	return r.GetByUserID(ctx, userID)
}
