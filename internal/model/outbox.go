package model

import (
	"time"
)

const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
	OutboxStatusFailed  = "FAILED"
)

// 出站事件类型：下游（对话前端、运营报表）靠这些事件感知计费结果
const (
	EventJobSucceeded     = "job.succeeded"
	EventJobRefunded      = "job.refunded"
	EventPaymentSucceeded = "payment.succeeded"
	EventPlanActivated    = "plan.activated"
)

// OutboxMessage 事务性出站消息表
// 与业务变更在同一事务内落库，由 OutboxSender 异步投递到 Kafka，
// 保证"账动了，事件一定发得出去"
type OutboxMessage struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	MessageKey string    `gorm:"type:varchar(64);not null" json:"message_key"` // 分区键（任务号/支付单号）
	EventType  string    `gorm:"type:varchar(32);not null" json:"event_type"`  // 事件类型
	Topic      string    `gorm:"type:varchar(64);not null" json:"topic"`
	Payload    string    `gorm:"type:text;not null" json:"payload"`
	Status     string    `gorm:"type:varchar(20);index;not null;default:PENDING" json:"status"`
	RetryCount int       `gorm:"not null;default:0" json:"retry_count"`
	CreatedAt  time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (OutboxMessage) TableName() string {
	return "outbox_message"
}
