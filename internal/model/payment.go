package model

import (
	"time"
)

// ============================================================================
// 支付单状态常量
// ============================================================================

const (
	PaymentStatusPending   = "PENDING"   // 支付链接已生成，等待渠道回调
	PaymentStatusSucceeded = "SUCCEEDED" // 终态：支付成功且权益已发放
	PaymentStatusFailed    = "FAILED"    // 终态：渠道确认支付失败
	PaymentStatusRefunded  = "REFUNDED"  // 终态：渠道侧退款
)

// ValidPaymentTransitions 支付单状态机
// 终态不可再迁移：这是回调幂等的基础
// 【关键点】SUCCEEDED 的前提是权益发放事务提交成功，
// 发放失败时支付单停留在 PENDING，等渠道重推回调再试
var ValidPaymentTransitions = map[string][]string{
	PaymentStatusPending: {PaymentStatusSucceeded, PaymentStatusFailed, PaymentStatusRefunded},
}

func PaymentCanTransitionTo(currentStatus, targetStatus string) bool {
	for _, s := range ValidPaymentTransitions[currentStatus] {
		if s == targetStatus {
			return true
		}
	}
	return false
}

func PaymentTerminal(status string) bool {
	return status == PaymentStatusSucceeded ||
		status == PaymentStatusFailed ||
		status == PaymentStatusRefunded
}

// ============================================================================
// 商品类型常量
// ============================================================================

const (
	ProductTypePlan  = "PLAN"  // product_id 为套餐 key
	ProductTypeCoins = "COINS" // product_id 为金币数量
)

// Payment 支付单表
// 一行对应渠道侧的一笔支付，承担回调去重职责
//
// 【不变式】一个 idempotency_key 或 provider_payment_id 至多被处理到终态一次，
// 由两个唯一索引在数据库层兜底（应用层的先查后改只是快路径）
type Payment struct {
	ID                int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	PaymentNo         string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"payment_no"` // 内部支付单号
	ProviderPaymentID *string    `gorm:"type:varchar(128);uniqueIndex" json:"provider_payment_id"` // 渠道支付ID（回调前为 NULL，唯一索引放行多个 NULL）
	IdempotencyKey    string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"idempotency_key"` // 幂等键，下单时生成并透传给渠道
	UserID            int64      `gorm:"index;not null" json:"user_id"`                            // 用户ID
	ProductType       string     `gorm:"type:varchar(16);not null" json:"product_type"`            // PLAN / COINS
	ProductID         string     `gorm:"type:varchar(64);not null" json:"product_id"`              // 套餐 key 或金币数
	AmountCents       int64      `gorm:"not null" json:"amount_cents"`                             // 支付金额（分）
	Status            string     `gorm:"type:varchar(20);index;not null" json:"status"`            // 支付单状态
	PayURL            string     `gorm:"type:varchar(512)" json:"pay_url"`                         // 支付链接（对核心不透明）
	PaidAt            *time.Time `json:"paid_at"`                                                  // 支付成功时间
	CreatedAt         time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Payment) TableName() string {
	return "payment"
}
