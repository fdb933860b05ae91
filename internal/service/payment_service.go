package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
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
	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrInvalidSignature = errors.New("回调签名校验失败")
	ErrUnknownProduct   = errors.New("未知的商品类型")
	ErrAmountMismatch   = errors.New("回调金额与支付单不一致")
)

// 渠道回调事件类型（带标签的有限集合，未知类型显式落到"忽略"分支）
const (
	EventTypePaymentSucceeded = "payment.succeeded"
	EventTypePaymentFailed    = "payment.failed"
	EventTypePaymentRefunded  = "payment.refunded"
)

// PaymentService 支付回调接入服务
//
// 这是整个子系统的信任边界：
// 1. 先验签，再碰载荷里的任何字段
// 2. 金额以渠道确认值为准，与支付单不一致就拒绝发放
// 3. at-least-once 投递下恰好发放一次，靠终态检查 + 条件更新 + 唯一索引三层兜底
type PaymentService struct {
	db                  *gorm.DB
	redisClient         *redis.Client
	cfg                 *config.Config
	paymentRepo         *repository.PaymentRepository
	accountRepo         *repository.AccountRepository
	outboxRepo          *repository.OutboxRepository
	balanceService      *BalanceService
	subscriptionService *SubscriptionService
}

func NewPaymentService(db *gorm.DB, redisClient *redis.Client, cfg *config.Config) *PaymentService {
	return &PaymentService{
		db:                  db,
		redisClient:         redisClient,
		cfg:                 cfg,
		paymentRepo:         repository.NewPaymentRepository(db),
		accountRepo:         repository.NewAccountRepository(db),
		outboxRepo:          repository.NewOutboxRepository(db),
		balanceService:      NewBalanceService(db, cfg),
		subscriptionService: NewSubscriptionService(db, cfg),
	}
}

// ============================================================
// 下单
// ============================================================

// RecordPaymentIntent 生成支付单和支付链接
//
// 幂等键在这里生成并透传给渠道，回调时靠它或渠道支付ID找回支付单。
// PLAN 商品的金额强制取价格表售价，不信任调用方传入的金额
func (s *PaymentService) RecordPaymentIntent(ctx context.Context, userID int64, productType, productID string, amountCents int64) (*model.Payment, error) {
	switch productType {
	case model.ProductTypePlan:
		plan, err := pricing.PlanByKey(productID)
		if err != nil {
			return nil, err
		}
		amountCents = plan.PriceCents
	case model.ProductTypeCoins:
		if _, err := pricing.ParseCoinProduct(productID); err != nil {
			return nil, err
		}
		if amountCents <= 0 {
			return nil, ErrInvalidAmount
		}
	default:
		return nil, ErrUnknownProduct
	}

	if _, err := s.accountRepo.GetOrCreate(ctx, userID); err != nil {
		return nil, fmt.Errorf("获取账户信息失败: %w", err)
	}

	paymentNo := idgen.GeneratePaymentNo()
	idempotencyKey := uuid.NewString()

	payment := &model.Payment{
		PaymentNo:      paymentNo,
		IdempotencyKey: idempotencyKey,
		UserID:         userID,
		ProductType:    productType,
		ProductID:      productID,
		AmountCents:    amountCents,
		Status:         model.PaymentStatusPending,
		PayURL: fmt.Sprintf("%s?payment_no=%s&idempotency_key=%s",
			s.cfg.Provider.PayBaseURL, paymentNo, idempotencyKey),
	}

	if err := s.paymentRepo.Create(ctx, nil, payment); err != nil {
		return nil, fmt.Errorf("创建支付单失败: %w", err)
	}

	log.Printf("[PaymentService] 支付单已创建: paymentNo=%s, userID=%d, product=%s/%s, amount=%d",
		paymentNo, userID, productType, productID, amountCents)
	return payment, nil
}

// ============================================================
// 回调接入
// ============================================================

// Notification 渠道回调载荷
// 字段在验签通过前一律视为不可信
type Notification struct {
	EventType         string               `json:"event_type"`
	ProviderPaymentID string               `json:"provider_payment_id"`
	AmountCents       int64                `json:"amount_cents"`
	Metadata          NotificationMetadata `json:"metadata"`
}

type NotificationMetadata struct {
	PaymentNo      string `json:"payment_no"`
	IdempotencyKey string `json:"idempotency_key"`
}

// IngestResult 回调处理结果
type IngestResult struct {
	PaymentNo string `json:"payment_no,omitempty"`
	Status    string `json:"status,omitempty"`
	Duplicate bool   `json:"duplicate"` // 重复投递，已按无副作用成功处理
	Ignored   bool   `json:"ignored"`   // 未知事件类型，确认收到但不处理
}

// VerifySignature 校验回调签名：HMAC-SHA256(body, secret)，十六进制编码
func VerifySignature(body []byte, signature, secret string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// IngestNotification 处理一次渠道回调
//
// 【关键点】重复投递 N >= 1 次必须只发放一次权益：
// 1. 终态支付单直接返回成功（快路径，覆盖绝大多数重放）
// 2. 权益发放和 PENDING->SUCCEEDED 的条件更新在同一个数据库事务，
//    发放失败整体回滚，支付单留在 PENDING 等渠道重推
// 3. provider_payment_id / idempotency_key 的唯一索引是数据库层兜底
func (s *PaymentService) IngestNotification(ctx context.Context, rawBody []byte, signature string) (*IngestResult, error) {
	if !VerifySignature(rawBody, signature, s.cfg.Provider.WebhookSecret) {
		return nil, ErrInvalidSignature
	}

	var n Notification
	if err := json.Unmarshal(rawBody, &n); err != nil {
		return nil, fmt.Errorf("解析回调载荷失败: %w", err)
	}

	switch n.EventType {
	case EventTypePaymentSucceeded, EventTypePaymentFailed, EventTypePaymentRefunded:
	default:
		// 未知事件：确认收到并忽略，不算错误
		log.Printf("[PaymentService] 忽略未知回调事件: type=%s", n.EventType)
		return &IngestResult{Ignored: true}, nil
	}

	if n.ProviderPaymentID == "" {
		return nil, errors.New("回调缺少渠道支付ID")
	}

	// 同一笔支付的并发回调串行化
	ingestLock := lock.NewIngestLock(s.redisClient, n.ProviderPaymentID, n.Metadata.IdempotencyKey)
	if err := ingestLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer ingestLock.Unlock(ctx)

	return s.processNotification(ctx, &n)
}

// processNotification 锁内的回调处理：查单、去重、状态迁移、发放
func (s *PaymentService) processNotification(ctx context.Context, n *Notification) (*IngestResult, error) {
	payment, err := s.lookupPayment(ctx, n)
	if err != nil {
		return nil, err
	}

	if model.PaymentTerminal(payment.Status) {
		// 重放：终态不再迁移，无副作用成功
		return &IngestResult{PaymentNo: payment.PaymentNo, Status: payment.Status, Duplicate: true}, nil
	}

	switch n.EventType {
	case EventTypePaymentFailed:
		if err := s.paymentRepo.UpdateStatus(ctx, nil, payment.PaymentNo,
			model.PaymentStatusPending, model.PaymentStatusFailed); err != nil {
			return nil, err
		}
		return &IngestResult{PaymentNo: payment.PaymentNo, Status: model.PaymentStatusFailed}, nil

	case EventTypePaymentRefunded:
		if err := s.paymentRepo.UpdateStatus(ctx, nil, payment.PaymentNo,
			model.PaymentStatusPending, model.PaymentStatusRefunded); err != nil {
			return nil, err
		}
		return &IngestResult{PaymentNo: payment.PaymentNo, Status: model.PaymentStatusRefunded}, nil
	}

	// payment.succeeded：金额以渠道确认值为准
	if n.AmountCents != payment.AmountCents {
		log.Printf("[PaymentService] 回调金额不一致，支付单留在 PENDING 等人工对账: paymentNo=%s, expect=%d, got=%d",
			payment.PaymentNo, payment.AmountCents, n.AmountCents)
		return nil, ErrAmountMismatch
	}

	if err := s.settleSucceeded(ctx, payment, n.ProviderPaymentID); err != nil {
		return nil, err
	}

	return &IngestResult{PaymentNo: payment.PaymentNo, Status: model.PaymentStatusSucceeded}, nil
}

// lookupPayment 优先按渠道支付ID查，查不到再按幂等键
func (s *PaymentService) lookupPayment(ctx context.Context, n *Notification) (*model.Payment, error) {
	payment, err := s.paymentRepo.GetByProviderPaymentID(ctx, n.ProviderPaymentID)
	if err != nil {
		return nil, err
	}
	if payment != nil {
		return payment, nil
	}

	if n.Metadata.IdempotencyKey != "" {
		payment, err = s.paymentRepo.GetByIdempotencyKey(ctx, n.Metadata.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if payment != nil {
			return payment, nil
		}
	}

	// 没有对应的支付单：渠道配置和我们的记录不匹配，
	// 报错让渠道重试，不要静默吞掉一笔钱
	log.Printf("[PaymentService] 回调找不到支付单: providerPaymentID=%s, idempotencyKey=%s",
		n.ProviderPaymentID, n.Metadata.IdempotencyKey)
	return nil, repository.ErrPaymentNotFound
}

// settleSucceeded 发放权益并把支付单打成终态，单个事务内完成
func (s *PaymentService) settleSucceeded(ctx context.Context, payment *model.Payment, providerPaymentID string) error {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.paymentRepo.BindProviderPaymentID(ctx, tx, payment.PaymentNo, providerPaymentID); err != nil {
			return fmt.Errorf("绑定渠道支付ID失败: %w", err)
		}

		switch payment.ProductType {
		case model.ProductTypePlan:
			plan, err := pricing.PlanByKey(payment.ProductID)
			if err != nil {
				// 价格表与支付单不匹配：留在 PENDING 等人工对账
				return err
			}
			if _, err := s.subscriptionService.activateInTx(ctx, tx, payment.UserID, plan, time.Now()); err != nil {
				return err
			}

		case model.ProductTypeCoins:
			coins, err := pricing.ParseCoinProduct(payment.ProductID)
			if err != nil {
				return ErrUnknownProduct
			}
			account, err := s.accountRepo.GetByUserIDForUpdate(ctx, tx, payment.UserID)
			if err != nil {
				return fmt.Errorf("查询账户失败: %w", err)
			}
			if _, err := s.balanceService.creditInTx(ctx, tx, account, coins, model.TransactionKindTopup); err != nil {
				return err
			}

		default:
			return ErrUnknownProduct
		}

		// 条件更新：并发回调只有一个能把 PENDING 改成 SUCCEEDED
		if err := s.paymentRepo.UpdateStatus(ctx, tx, payment.PaymentNo,
			model.PaymentStatusPending, model.PaymentStatusSucceeded); err != nil {
			return err
		}

		payload, _ := json.Marshal(map[string]interface{}{
			"payment_no":   payment.PaymentNo,
			"user_id":      payment.UserID,
			"product_type": payment.ProductType,
			"product_id":   payment.ProductID,
			"amount_cents": payment.AmountCents,
			"paid_at":      time.Now().Format(time.RFC3339),
		})
		msg := &model.OutboxMessage{
			MessageKey: payment.PaymentNo,
			EventType:  model.EventPaymentSucceeded,
			Topic:      s.cfg.Kafka.Topic.PaymentResult,
			Payload:    string(payload),
			Status:     model.OutboxStatusPending,
		}
		if err := s.outboxRepo.Create(ctx, tx, msg); err != nil {
			return fmt.Errorf("写入消息失败: %w", err)
		}

		return nil
	})
	if err != nil {
		return err
	}

	log.Printf("[PaymentService] 支付成功已入账: paymentNo=%s, userID=%d, product=%s/%s",
		payment.PaymentNo, payment.UserID, payment.ProductType, payment.ProductID)
	return nil
}

// ListStalePending 长时间停留在 PENDING 的支付单，供人工对账
// 渠道不再重推、或金额不一致被拒的支付单都会沉淀在这里
func (s *PaymentService) ListStalePending(ctx context.Context, olderThan time.Duration, limit int) ([]*model.Payment, error) {
	if olderThan <= 0 {
		olderThan = 24 * time.Hour
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.paymentRepo.GetPendingOlderThan(ctx, time.Now().Add(-olderThan), limit)
}

func (s *PaymentService) GetPayment(ctx context.Context, paymentNo string) (*model.Payment, error) {
	return s.paymentRepo.GetByPaymentNo(ctx, paymentNo)
}

func (s *PaymentService) ListUserPayments(ctx context.Context, userID int64, page, pageSize int) ([]*model.Payment, int64, error) {
	return s.paymentRepo.ListByUserID(ctx, userID, page, pageSize)
}
