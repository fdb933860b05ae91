package model

import (
	"time"
)

// ============================================================================
// 流水状态常量
// ============================================================================

const (
	TransactionStatusPending   = "PENDING"   // 扣款已执行，对应任务尚未出结果
	TransactionStatusCompleted = "COMPLETED" // 终态：扣款/入账生效
	TransactionStatusRefunded  = "REFUNDED"  // 终态：扣款已被等额退款冲销
	TransactionStatusFailed    = "FAILED"    // 终态：人工裁决关单，任务失败且无需自动退款
)

// ValidTransactionTransitions 流水状态机
// 只有 PENDING 可以迁移，终态不可再变
var ValidTransactionTransitions = map[string][]string{
	TransactionStatusPending: {TransactionStatusCompleted, TransactionStatusRefunded, TransactionStatusFailed},
}

func TransactionCanTransitionTo(currentStatus, targetStatus string) bool {
	for _, s := range ValidTransactionTransitions[currentStatus] {
		if s == targetStatus {
			return true
		}
	}
	return false
}

// ============================================================================
// 流水类别
// ============================================================================
//
// kind 是自由文本类别，约定如下：
//   - 计费操作本身的扣款用操作名，如 "video"、"image"、"tryon"
//   - 退款用 "refund:<job_no>"，可定位到被冲销的任务
//   - 套餐发放用 "plan:<plan_key>"
//   - 金币充值用 "topup"
//   - 管理操作用 "admin:grant" / "admin:set"

const (
	TransactionKindTopup      = "topup"
	TransactionKindAdminGrant = "admin:grant"
	TransactionKindAdminSet   = "admin:set"
)

// AccountTransaction 账户流水表
// 记录账户的每一笔余额变动，是对账的唯一依据
//
// 【重要】流水表设计原则：
// 1. 只追加，不修改，不删除 —— 除 status 的状态机迁移外，行内容不可变
// 2. 记录变动前后余额 —— balance_after == balance_before + delta 必须恒成立
// 3. delta 有符号：正数入账，负数出账
type AccountTransaction struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionNo string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"transaction_no"` // 流水号（全局唯一）
	UserID        int64     `gorm:"index;not null" json:"user_id"`                               // 用户ID
	Delta         int64     `gorm:"not null" json:"delta"`                                       // 余额变动（正数入账，负数出账）
	Kind          string    `gorm:"type:varchar(64);index;not null" json:"kind"`                 // 流水类别
	BalanceBefore int64     `gorm:"not null" json:"balance_before"`                              // 变动前余额
	BalanceAfter  int64     `gorm:"not null" json:"balance_after"`                               // 变动后余额
	Status        string    `gorm:"type:varchar(20);index;not null" json:"status"`               // 流水状态
	CreatedAt     time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (AccountTransaction) TableName() string {
	return "account_transaction"
}
