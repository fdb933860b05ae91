package service

import (
	"context"

	"coinledger/internal/model"
	"coinledger/internal/repository"

	"gorm.io/gorm"
)

// AuditService 审计读路径
// 只读消费流水表，不产生任何写入
type AuditService struct {
	transactionRepo *repository.TransactionRepository
	jobRepo         *repository.JobRepository
}

func NewAuditService(db *gorm.DB) *AuditService {
	return &AuditService{
		transactionRepo: repository.NewTransactionRepository(db),
		jobRepo:         repository.NewJobRepository(db),
	}
}

// ListTransactions 用户流水分页查询
func (s *AuditService) ListTransactions(ctx context.Context, userID int64, page, pageSize int) ([]*model.AccountTransaction, int64, error) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	return s.transactionRepo.ListByUserID(ctx, userID, page, pageSize)
}

// ListTransactionsByKind 按流水类别查询（运营报表用）
func (s *AuditService) ListTransactionsByKind(ctx context.Context, kind string, page, pageSize int) ([]*model.AccountTransaction, int64, error) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	return s.transactionRepo.ListByKind(ctx, kind, page, pageSize)
}

// ListJobs 用户任务历史
func (s *AuditService) ListJobs(ctx context.Context, userID int64, page, pageSize int) ([]*model.GenerationJob, int64, error) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	return s.jobRepo.ListByUserID(ctx, userID, page, pageSize)
}
