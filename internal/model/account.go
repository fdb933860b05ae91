package model

import (
	"time"
)

// PlanFree 默认免费套餐，不占用 plan_expires_at
const PlanFree = "free"

// Account 用户账户表
// 记录用户的金币余额和套餐状态，是整个计费系统的核心数据
//
// 【不变式】
// 1. balance >= 0 永远成立（由条件更新保证，见 AccountRepository.Deduct）
// 2. plan_key = "free" 时 plan_expires_at 必须为 NULL
// 3. 账户只创建不删除，便于审计追溯
type Account struct {
	ID            int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID        int64      `gorm:"uniqueIndex;not null" json:"user_id"`                    // 用户ID，业务方传入
	Balance       int64      `gorm:"not null;default:0" json:"balance"`                      // 可用金币余额
	PlanKey       string     `gorm:"type:varchar(32);not null;default:free" json:"plan_key"` // 当前套餐
	PlanExpiresAt *time.Time `gorm:"index" json:"plan_expires_at"`                           // 套餐到期时间（free 套餐为 NULL）
	Version       int        `gorm:"not null;default:0" json:"version"`                      // 乐观锁版本号
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Account) TableName() string {
	return "account"
}

// PlanActive 判断套餐在 now 时刻是否有效
func (a *Account) PlanActive(now time.Time) bool {
	return a.PlanKey != PlanFree && a.PlanExpiresAt != nil && a.PlanExpiresAt.After(now)
}
