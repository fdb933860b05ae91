package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"coinledger/internal/config"
	"coinledger/internal/model"
	"coinledger/internal/pricing"
	"coinledger/internal/repository"

	"gorm.io/gorm"
)

// SubscriptionService 套餐服务
// 负责套餐激活（叠加续期 + 金币发放）和过期降级
type SubscriptionService struct {
	db             *gorm.DB
	cfg            *config.Config
	balanceService *BalanceService
	accountRepo    *repository.AccountRepository
	outboxRepo     *repository.OutboxRepository
}

func NewSubscriptionService(db *gorm.DB, cfg *config.Config) *SubscriptionService {
	return &SubscriptionService{
		db:             db,
		cfg:            cfg,
		balanceService: NewBalanceService(db, cfg),
		accountRepo:    repository.NewAccountRepository(db),
		outboxRepo:     repository.NewOutboxRepository(db),
	}
}

// NextPlanExpiry 计算激活后的到期时间
//
// 【策略】同套餐未过期时叠加：在当前到期时间上顺延一个周期；
// 换套餐或已过期则从 now 起算。金币充值不影响到期时间
func NextPlanExpiry(currentKey string, currentExpiry *time.Time, planKey string, durationDays int, now time.Time) time.Time {
	duration := time.Duration(durationDays) * 24 * time.Hour
	if currentKey == planKey && currentExpiry != nil && currentExpiry.After(now) {
		return currentExpiry.Add(duration)
	}
	return now.Add(duration)
}

// ActivatePlan 激活套餐
// 无论新开还是续期，每次激活都发放一次完整的金币赠额
func (s *SubscriptionService) ActivatePlan(ctx context.Context, userID int64, planKey string) (*model.Account, error) {
	plan, err := pricing.PlanByKey(planKey)
	if err != nil {
		return nil, err
	}

	if _, err := s.accountRepo.GetOrCreate(ctx, userID); err != nil {
		return nil, fmt.Errorf("获取账户信息失败: %w", err)
	}

	var updated *model.Account
	err = s.db.Transaction(func(tx *gorm.DB) error {
		updated, err = s.activateInTx(ctx, tx, userID, plan, time.Now())
		return err
	})
	if err != nil {
		return nil, err
	}

	log.Printf("[SubscriptionService] 套餐已激活: userID=%d, plan=%s, expiresAt=%s, grant=%d",
		userID, plan.Key, updated.PlanExpiresAt.Format(time.RFC3339), plan.CoinGrant)
	return updated, nil
}

// activateInTx 事务内的激活原语，回调入账时与支付单状态更新共用事务
// 行锁（FOR UPDATE）保证并发的两次激活串行叠加，而不是互相覆盖
func (s *SubscriptionService) activateInTx(ctx context.Context, tx *gorm.DB, userID int64, plan pricing.Plan, now time.Time) (*model.Account, error) {
	account, err := s.accountRepo.GetByUserIDForUpdate(ctx, tx, userID)
	if err != nil {
		return nil, fmt.Errorf("查询账户失败: %w", err)
	}

	newExpiry := NextPlanExpiry(account.PlanKey, account.PlanExpiresAt, plan.Key, plan.DurationDays, now)

	if err := s.accountRepo.SetPlan(ctx, tx, userID, plan.Key, &newExpiry); err != nil {
		return nil, fmt.Errorf("写入套餐失败: %w", err)
	}

	grantKind := fmt.Sprintf("plan:%s", plan.Key)
	if _, err := s.balanceService.creditInTx(ctx, tx, account, plan.CoinGrant, grantKind); err != nil {
		return nil, fmt.Errorf("发放套餐金币失败: %w", err)
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"user_id":    userID,
		"plan_key":   plan.Key,
		"coin_grant": plan.CoinGrant,
		"expires_at": newExpiry.Format(time.RFC3339),
	})
	msg := &model.OutboxMessage{
		MessageKey: fmt.Sprintf("%d", userID),
		EventType:  model.EventPlanActivated,
		Topic:      s.cfg.Kafka.Topic.PaymentResult,
		Payload:    string(payload),
		Status:     model.OutboxStatusPending,
	}
	if err := s.outboxRepo.Create(ctx, tx, msg); err != nil {
		return nil, fmt.Errorf("写入消息失败: %w", err)
	}

	account.PlanKey = plan.Key
	account.PlanExpiresAt = &newExpiry
	account.Balance += plan.CoinGrant
	return account, nil
}

// CheckAndDowngrade 惰性降级：套餐过期则降回 free 并清空到期时间
// 条件更新幂等，free 账户或未过期账户调用是无副作用的 false
func (s *SubscriptionService) CheckAndDowngrade(ctx context.Context, userID int64) (bool, error) {
	changed, err := s.accountRepo.DowngradeExpired(ctx, userID, time.Now())
	if err != nil {
		return false, err
	}
	if changed {
		log.Printf("[SubscriptionService] 套餐已过期降级: userID=%d", userID)
	}
	return changed, nil
}

// SweepExpiredPlans 批量清理过期套餐，返回发生降级的用户
// 与请求路径的惰性检查并发运行是安全的：输掉竞争的一方是空操作
func (s *SubscriptionService) SweepExpiredPlans(ctx context.Context) ([]int64, error) {
	batchSize := s.cfg.Business.SweepBatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	userIDs, err := s.accountRepo.GetExpiredPlanUserIDs(ctx, time.Now(), batchSize)
	if err != nil {
		return nil, err
	}

	downgraded := make([]int64, 0, len(userIDs))
	for _, userID := range userIDs {
		changed, err := s.CheckAndDowngrade(ctx, userID)
		if err != nil {
			log.Printf("[SubscriptionService] 降级失败: userID=%d, err=%v", userID, err)
			continue
		}
		if changed {
			downgraded = append(downgraded, userID)
		}
	}

	return downgraded, nil
}
