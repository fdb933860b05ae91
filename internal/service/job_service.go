package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"coinledger/internal/config"
	"coinledger/internal/infrastructure/lock"
	"coinledger/internal/model"
	"coinledger/internal/pricing"
	"coinledger/internal/repository"
	"coinledger/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

var (
	ErrRetryLimit       = errors.New("重试次数已达上限")
	ErrJobNotRetryable  = errors.New("任务当前状态不可重试")
	ErrJobNotRefundable = errors.New("任务已成功，不能按失败退款")
)

// JobService 任务生命周期服务
// 实现"冻结金币 -> 生成 -> 成功坐实 / 失败退款"的状态机，
// 负责保证失败的生成永远不让用户买单，且退款至多发生一次
type JobService struct {
	db              *gorm.DB
	redisClient     *redis.Client
	cfg             *config.Config
	balanceService  *BalanceService
	accountRepo     *repository.AccountRepository
	transactionRepo *repository.TransactionRepository
	jobRepo         *repository.JobRepository
	outboxRepo      *repository.OutboxRepository
}

func NewJobService(db *gorm.DB, redisClient *redis.Client, cfg *config.Config) *JobService {
	return &JobService{
		db:              db,
		redisClient:     redisClient,
		cfg:             cfg,
		balanceService:  NewBalanceService(db, cfg),
		accountRepo:     repository.NewAccountRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
		jobRepo:         repository.NewJobRepository(db),
		outboxRepo:      repository.NewOutboxRepository(db),
	}
}

// HoldAndStart 冻结金币并创建任务
//
// 【关键点】扣款和任务创建在同一个数据库事务里：
// 不存在"钱扣了但任务没建"的中间态，崩溃时整体回滚。
// 余额不足时不创建任何东西，直接返回 ErrInsufficientFunds。
// 本方法只碰账本，立刻返回——慢的生成调用在计费关键路径之外
func (s *JobService) HoldAndStart(ctx context.Context, userID int64, operation string) (*model.GenerationJob, error) {
	cost, err := pricing.OperationCost(operation)
	if err != nil {
		return nil, err
	}

	jobNo := idgen.GenerateJobNo()

	// 按用户加锁，把同一用户的计费操作串行化
	billingLock := lock.NewBillingLock(s.redisClient, userID, jobNo)
	if err := billingLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer billingLock.Unlock(ctx)

	return s.holdAndStart(ctx, userID, operation, cost, jobNo, 0, "")
}

// holdAndStart 锁内的实际冻结逻辑，重试入口复用
func (s *JobService) holdAndStart(ctx context.Context, userID int64, operation string, cost int64, jobNo string, retryCount int, parentJobNo string) (*model.GenerationJob, error) {
	maxRetry := s.cfg.Business.MaxRetryCount
	if maxRetry <= 0 {
		maxRetry = 3
	}

	for attempt := 0; attempt < maxRetry; attempt++ {
		account, err := s.accountRepo.GetOrCreate(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("获取账户信息失败: %w", err)
		}

		if account.Balance < cost {
			return nil, repository.ErrInsufficientFunds
		}

		job := &model.GenerationJob{
			JobNo:       jobNo,
			UserID:      userID,
			Operation:   operation,
			CostCoins:   cost,
			Status:      model.JobStatusRunning,
			RetryCount:  retryCount,
			ParentJobNo: parentJobNo,
		}

		err = s.db.Transaction(func(tx *gorm.DB) error {
			trans, err := s.balanceService.debitInTx(ctx, tx, account, cost, operation)
			if err != nil {
				return err
			}

			job.TransactionNo = trans.TransactionNo
			if err := s.jobRepo.Create(ctx, tx, job); err != nil {
				return fmt.Errorf("创建任务失败: %w", err)
			}

			return nil
		})

		if errors.Is(err, repository.ErrOptimisticLock) {
			continue
		}
		if err != nil {
			return nil, err
		}

		log.Printf("[JobService] 冻结成功: jobNo=%s, userID=%d, operation=%s, cost=%d",
			jobNo, userID, operation, cost)
		return job, nil
	}

	return nil, ErrSystemBusy
}

// OnSuccess 生成成功：任务坐实，冻结流水转 COMPLETED
// 幂等：已成功的任务重复调用是无副作用的成功
func (s *JobService) OnSuccess(ctx context.Context, jobNo string) error {
	job, err := s.jobRepo.GetByJobNo(ctx, jobNo)
	if err != nil {
		return err
	}

	if job.Status == model.JobStatusSucceeded {
		return nil
	}
	if job.Status != model.JobStatusRunning {
		return repository.ErrJobStatusInvalid
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.jobRepo.UpdateStatus(ctx, tx, jobNo, model.JobStatusRunning, model.JobStatusSucceeded); err != nil {
			return err
		}

		if err := s.transactionRepo.UpdateStatus(ctx, tx, job.TransactionNo,
			model.TransactionStatusPending, model.TransactionStatusCompleted); err != nil {
			return fmt.Errorf("更新流水状态失败: %w", err)
		}

		return s.appendJobEvent(ctx, tx, model.EventJobSucceeded, job, "")
	})

	if errors.Is(err, repository.ErrJobStatusInvalid) {
		// 并发调用抢先完成了迁移，回查确认后按幂等成功处理
		current, getErr := s.jobRepo.GetByJobNo(ctx, jobNo)
		if getErr == nil && current.Status == model.JobStatusSucceeded {
			return nil
		}
		return err
	}
	if err != nil {
		return err
	}

	log.Printf("[JobService] 任务成功: jobNo=%s, userID=%d", jobNo, job.UserID)
	return nil
}

// OnError 生成失败：任务转终态，全额退款，冻结流水转 REFUNDED
//
// 【关键点】退款必须恰好一次。两道防线：
// 1. 先查状态：FAILED/REFUNDED 直接按幂等成功返回，不再退款
// 2. 事务内 RUNNING->FAILED 的条件更新是真正的闸门，
//    并发的第二个调用者更新不到行，整个事务回滚，不产生第二笔退款
func (s *JobService) OnError(ctx context.Context, jobNo string, reason string) error {
	job, err := s.jobRepo.GetByJobNo(ctx, jobNo)
	if err != nil {
		return err
	}

	switch job.Status {
	case model.JobStatusFailed, model.JobStatusRefunded:
		return nil
	case model.JobStatusSucceeded:
		return ErrJobNotRefundable
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.jobRepo.UpdateStatus(ctx, tx, jobNo, model.JobStatusRunning, model.JobStatusFailed); err != nil {
			return err
		}

		if err := s.jobRepo.SetErrorReason(ctx, tx, jobNo, reason); err != nil {
			return err
		}

		account, err := s.accountRepo.GetByUserIDForUpdate(ctx, tx, job.UserID)
		if err != nil {
			return fmt.Errorf("查询账户失败: %w", err)
		}

		refundKind := fmt.Sprintf("refund:%s", jobNo)
		if _, err := s.balanceService.creditInTx(ctx, tx, account, job.CostCoins, refundKind); err != nil {
			return fmt.Errorf("退款到账失败: %w", err)
		}

		if err := s.transactionRepo.UpdateStatus(ctx, tx, job.TransactionNo,
			model.TransactionStatusPending, model.TransactionStatusRefunded); err != nil {
			return fmt.Errorf("更新流水状态失败: %w", err)
		}

		if err := s.jobRepo.UpdateStatus(ctx, tx, jobNo, model.JobStatusFailed, model.JobStatusRefunded); err != nil {
			return err
		}

		return s.appendJobEvent(ctx, tx, model.EventJobRefunded, job, reason)
	})

	if errors.Is(err, repository.ErrJobStatusInvalid) {
		current, getErr := s.jobRepo.GetByJobNo(ctx, jobNo)
		if getErr == nil && (current.Status == model.JobStatusFailed || current.Status == model.JobStatusRefunded) {
			return nil
		}
		return err
	}
	if err != nil {
		return err
	}

	log.Printf("[JobService] 任务失败已退款: jobNo=%s, userID=%d, refund=%d, reason=%s",
		jobNo, job.UserID, job.CostCoins, reason)
	return nil
}

// GetRetryCost 重试报价：按任务存储的操作类型查价，结果确定
func (s *JobService) GetRetryCost(ctx context.Context, jobNo string) (int64, error) {
	job, err := s.jobRepo.GetByJobNo(ctx, jobNo)
	if err != nil {
		return 0, err
	}
	return pricing.RetryCost(job.Operation)
}

// CanRetry 判断账户是否付得起该任务的重试，且未超重试上限
func (s *JobService) CanRetry(ctx context.Context, userID int64, jobNo string) (bool, error) {
	job, err := s.jobRepo.GetByJobNo(ctx, jobNo)
	if err != nil {
		return false, err
	}
	if job.UserID != userID {
		return false, nil
	}
	if job.RetryCount >= s.retryLimit() {
		return false, nil
	}

	cost, err := pricing.RetryCost(job.Operation)
	if err != nil {
		return false, err
	}

	balance, err := s.balanceService.GetBalance(ctx, userID)
	if err != nil {
		return false, err
	}

	return balance >= cost, nil
}

// Retry 重试：旧任务保持终态，产生一个全新的任务号重新冻结
func (s *JobService) Retry(ctx context.Context, jobNo string) (*model.GenerationJob, error) {
	job, err := s.jobRepo.GetByJobNo(ctx, jobNo)
	if err != nil {
		return nil, err
	}

	// 只有确认失败（已退款）的任务才能重试；重试不复用旧任务
	if job.Status != model.JobStatusRefunded && job.Status != model.JobStatusFailed {
		return nil, ErrJobNotRetryable
	}

	if job.RetryCount >= s.retryLimit() {
		return nil, ErrRetryLimit
	}

	cost, err := pricing.RetryCost(job.Operation)
	if err != nil {
		return nil, err
	}

	newJobNo := idgen.GenerateJobNo()

	billingLock := lock.NewBillingLock(s.redisClient, job.UserID, newJobNo)
	if err := billingLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer billingLock.Unlock(ctx)

	return s.holdAndStart(ctx, job.UserID, job.Operation, cost, newJobNo, job.RetryCount+1, job.JobNo)
}

func (s *JobService) retryLimit() int {
	limit := s.cfg.Business.JobRetryLimit
	if limit <= 0 {
		limit = 3
	}
	return limit
}

// ReapStaleJobs 补偿：把卡在 RUNNING 超时的任务按失败处理退款
// 生成服务崩溃时不会再有回调，这条清理路径保证冻结的金币不会搁浅
func (s *JobService) ReapStaleJobs(ctx context.Context, limit int) (int, error) {
	timeout := time.Duration(s.cfg.Business.JobTimeoutMinutes) * time.Minute
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}

	jobs, err := s.jobRepo.GetStaleRunning(ctx, time.Now().Add(-timeout), limit)
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, job := range jobs {
		if err := s.OnError(ctx, job.JobNo, "生成超时，未收到回调"); err != nil {
			log.Printf("[JobService] 超时任务退款失败: jobNo=%s, err=%v", job.JobNo, err)
			continue
		}
		reaped++
	}

	return reaped, nil
}

func (s *JobService) GetJob(ctx context.Context, jobNo string) (*model.GenerationJob, error) {
	return s.jobRepo.GetByJobNo(ctx, jobNo)
}

// appendJobEvent 在业务事务内写出站事件
func (s *JobService) appendJobEvent(ctx context.Context, tx *gorm.DB, eventType string, job *model.GenerationJob, reason string) error {
	payload := map[string]interface{}{
		"job_no":      job.JobNo,
		"user_id":     job.UserID,
		"operation":   job.Operation,
		"cost_coins":  job.CostCoins,
		"event":       eventType,
		"occurred_at": time.Now().Format(time.RFC3339),
	}
	if reason != "" {
		payload["reason"] = reason
	}
	payloadBytes, _ := json.Marshal(payload)

	msg := &model.OutboxMessage{
		MessageKey: job.JobNo,
		EventType:  eventType,
		Topic:      s.cfg.Kafka.Topic.JobResult,
		Payload:    string(payloadBytes),
		Status:     model.OutboxStatusPending,
	}
	if err := s.outboxRepo.Create(ctx, tx, msg); err != nil {
		return fmt.Errorf("写入消息失败: %w", err)
	}
	return nil
}
