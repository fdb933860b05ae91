package service

import (
	"context"
	"errors"
	"fmt"
	"log"

	"coinledger/internal/config"
	"coinledger/internal/model"
	"coinledger/internal/repository"
	"coinledger/pkg/idgen"

	"gorm.io/gorm"
)

var (
	ErrInvalidAmount = errors.New("金额必须为正数")
	ErrSystemBusy    = errors.New("系统繁忙，请稍后重试")
)

// BalanceService 余额服务
// 账户余额的唯一写入口：所有扣款/入账都经过这里，
// 每次变动同时落一条带前后余额的流水
type BalanceService struct {
	db              *gorm.DB
	cfg             *config.Config
	accountRepo     *repository.AccountRepository
	transactionRepo *repository.TransactionRepository
}

func NewBalanceService(db *gorm.DB, cfg *config.Config) *BalanceService {
	return &BalanceService{
		db:              db,
		cfg:             cfg,
		accountRepo:     repository.NewAccountRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
	}
}

// GetBalance 查询余额（账户不存在时自动建零余额账户）
func (s *BalanceService) GetBalance(ctx context.Context, userID int64) (int64, error) {
	account, err := s.accountRepo.GetOrCreate(ctx, userID)
	if err != nil {
		return 0, err
	}
	return account.Balance, nil
}

// GetAccount 查询账户（自动建户）
func (s *BalanceService) GetAccount(ctx context.Context, userID int64) (*model.Account, error) {
	return s.accountRepo.GetOrCreate(ctx, userID)
}

// Debit 扣款：检查余额 + 扣减 + 落一条 PENDING 流水，单个隔离事务内完成
//
// 余额不足时什么都不改，直接返回 ErrInsufficientFunds。
// 乐观锁冲突做有界重试，超限后以 ErrSystemBusy 上抛，绝不静默吞掉
func (s *BalanceService) Debit(ctx context.Context, userID int64, amount int64, kind string) (string, error) {
	if amount <= 0 {
		return "", ErrInvalidAmount
	}

	maxRetry := s.cfg.Business.MaxRetryCount
	if maxRetry <= 0 {
		maxRetry = 3
	}

	for attempt := 0; attempt < maxRetry; attempt++ {
		account, err := s.accountRepo.GetOrCreate(ctx, userID)
		if err != nil {
			return "", fmt.Errorf("获取账户信息失败: %w", err)
		}

		if account.Balance < amount {
			return "", repository.ErrInsufficientFunds
		}

		var trans *model.AccountTransaction
		err = s.db.Transaction(func(tx *gorm.DB) error {
			trans, err = s.debitInTx(ctx, tx, account, amount, kind)
			return err
		})

		if errors.Is(err, repository.ErrOptimisticLock) {
			continue
		}
		if err != nil {
			return "", err
		}

		return trans.TransactionNo, nil
	}

	return "", ErrSystemBusy
}

// Credit 入账：余额增加 + 落一条 COMPLETED 流水
// 退款、充值、套餐发放、管理赠币共用这一条路径
//
// 【关键点】余额快照必须在事务内持行锁读取：
// 两笔并发入账若都用锁外的旧快照，流水的 before/after 会断链，
// 账本就无法重放出真实余额
func (s *BalanceService) Credit(ctx context.Context, userID int64, amount int64, reason string) (string, error) {
	if amount <= 0 {
		// 价格表数据正确时不可能走到这里，属于编程错误，大声报出来
		log.Printf("[BalanceService] 非法入账金额: userID=%d, amount=%d, reason=%s", userID, amount, reason)
		return "", ErrInvalidAmount
	}

	if _, err := s.accountRepo.GetOrCreate(ctx, userID); err != nil {
		return "", fmt.Errorf("获取账户信息失败: %w", err)
	}

	var trans *model.AccountTransaction
	err := s.db.Transaction(func(tx *gorm.DB) error {
		account, err := s.accountRepo.GetByUserIDForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}
		trans, err = s.creditInTx(ctx, tx, account, amount, reason)
		return err
	})
	if err != nil {
		return "", err
	}

	return trans.TransactionNo, nil
}

// MarkTransaction 流水状态迁移（任务成功时 PENDING->COMPLETED 等）
func (s *BalanceService) MarkTransaction(ctx context.Context, transactionNo, status string) error {
	trans, err := s.transactionRepo.GetByTransactionNo(ctx, transactionNo)
	if err != nil {
		return err
	}
	if trans == nil {
		return errors.New("流水不存在")
	}

	if trans.Status == status {
		// 重复标记按无副作用成功处理
		return nil
	}

	return s.transactionRepo.UpdateStatus(ctx, nil, transactionNo, trans.Status, status)
}

// ============================================================
// 事务内原语：任务/套餐/支付服务在各自的事务里复用
// ============================================================

// debitInTx 在调用方事务内执行一次条件扣款并落 PENDING 流水
// account 是调用方在本轮重试中读到的快照，版本号用于乐观锁
func (s *BalanceService) debitInTx(ctx context.Context, tx *gorm.DB, account *model.Account, amount int64, kind string) (*model.AccountTransaction, error) {
	if err := s.accountRepo.Deduct(ctx, tx, account.UserID, amount, account.Version); err != nil {
		return nil, err
	}

	trans := &model.AccountTransaction{
		TransactionNo: idgen.GenerateTransactionNo(),
		UserID:        account.UserID,
		Delta:         -amount,
		Kind:          kind,
		BalanceBefore: account.Balance,
		BalanceAfter:  account.Balance - amount,
		Status:        model.TransactionStatusPending,
	}
	if err := s.transactionRepo.Create(ctx, tx, trans); err != nil {
		return nil, fmt.Errorf("记录流水失败: %w", err)
	}

	return trans, nil
}

// creditInTx 在调用方事务内入账并落 COMPLETED 流水
func (s *BalanceService) creditInTx(ctx context.Context, tx *gorm.DB, account *model.Account, amount int64, kind string) (*model.AccountTransaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	if err := s.accountRepo.Increase(ctx, tx, account.UserID, amount); err != nil {
		return nil, fmt.Errorf("入账失败: %w", err)
	}

	trans := &model.AccountTransaction{
		TransactionNo: idgen.GenerateTransactionNo(),
		UserID:        account.UserID,
		Delta:         amount,
		Kind:          kind,
		BalanceBefore: account.Balance,
		BalanceAfter:  account.Balance + amount,
		Status:        model.TransactionStatusCompleted,
	}
	if err := s.transactionRepo.Create(ctx, tx, trans); err != nil {
		return nil, fmt.Errorf("记录流水失败: %w", err)
	}

	return trans, nil
}

// ============================================================
// 管理操作：薄封装，不承载额外业务逻辑
// ============================================================

// AdminGrant 管理端赠币
func (s *BalanceService) AdminGrant(ctx context.Context, userID int64, amount int64) (string, error) {
	return s.Credit(ctx, userID, amount, model.TransactionKindAdminGrant)
}

// AdminSetBalance 管理端直接设置余额
// 差额以一条 admin:set 流水入账，保证流水能完整重放出余额
func (s *BalanceService) AdminSetBalance(ctx context.Context, userID int64, balance int64) (string, error) {
	if balance < 0 {
		return "", ErrInvalidAmount
	}

	if _, err := s.accountRepo.GetOrCreate(ctx, userID); err != nil {
		return "", err
	}

	var trans *model.AccountTransaction
	err := s.db.Transaction(func(tx *gorm.DB) error {
		account, err := s.accountRepo.GetByUserIDForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}

		if err := s.accountRepo.SetBalance(ctx, tx, userID, balance); err != nil {
			return err
		}

		trans = &model.AccountTransaction{
			TransactionNo: idgen.GenerateTransactionNo(),
			UserID:        userID,
			Delta:         balance - account.Balance,
			Kind:          model.TransactionKindAdminSet,
			BalanceBefore: account.Balance,
			BalanceAfter:  balance,
			Status:        model.TransactionStatusCompleted,
		}
		return s.transactionRepo.Create(ctx, tx, trans)
	})
	if err != nil {
		return "", err
	}

	return trans.TransactionNo, nil
}
