package model

import (
	"time"
)

// ============================================================================
// 生成任务状态常量
// ============================================================================

const (
	JobStatusRunning   = "RUNNING"   // 金币已冻结，生成进行中
	JobStatusSucceeded = "SUCCEEDED" // 终态：生成成功，扣款坐实
	JobStatusFailed    = "FAILED"    // 中间态：生成失败，退款尚未落账
	JobStatusRefunded  = "REFUNDED"  // 终态：生成失败，金币已全额退回
)

// ValidJobTransitions 任务状态机
// FAILED -> REFUNDED 与退款入账在同一个数据库事务内完成，
// 因此对外可见的失败任务要么是 RUNNING->FAILED 的瞬间，要么已经 REFUNDED
var ValidJobTransitions = map[string][]string{
	JobStatusRunning: {JobStatusSucceeded, JobStatusFailed},
	JobStatusFailed:  {JobStatusRefunded},
}

func JobCanTransitionTo(currentStatus, targetStatus string) bool {
	for _, s := range ValidJobTransitions[currentStatus] {
		if s == targetStatus {
			return true
		}
	}
	return false
}

// JobTerminal 判断任务状态是否为终态（重试产生新任务，不复用旧任务）
func JobTerminal(status string) bool {
	return status == JobStatusSucceeded || status == JobStatusRefunded
}

// GenerationJob 生成任务表
// 一行代表一次计费操作的尝试：从金币冻结到成功/退款的完整生命周期
//
// 【不变式】
// 1. cost_coins > 0 时必然存在一条对应的扣款流水（transaction_no）
// 2. 每个任务的每个终态只迁移一次；重试产生新 job_no，旧任务保持终态
type GenerationJob struct {
	ID            int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	JobNo         string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"job_no"`  // 任务号（全局唯一）
	UserID        int64      `gorm:"index;not null" json:"user_id"`                        // 用户ID
	Operation     string     `gorm:"type:varchar(32);not null" json:"operation"`           // 操作类型（video/image/tryon）
	CostCoins     int64      `gorm:"not null" json:"cost_coins"`                           // 冻结金币数
	TransactionNo string     `gorm:"type:varchar(64);index;not null" json:"transaction_no"` // 扣款流水号
	Status        string     `gorm:"type:varchar(20);index;not null" json:"status"`        // 任务状态
	RetryCount    int        `gorm:"not null;default:0" json:"retry_count"`                // 第几次重试（0 为首次）
	ParentJobNo   string     `gorm:"type:varchar(64)" json:"parent_job_no"`                // 重试来源任务号
	ErrorReason   string     `gorm:"type:varchar(256)" json:"error_reason"`                // 失败原因
	CompletedAt   *time.Time `json:"completed_at"`                                         // 进入终态时间
	CreatedAt     time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (GenerationJob) TableName() string {
	return "generation_job"
}
