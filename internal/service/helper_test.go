package service

import (
	"testing"
	"time"

	"coinledger/internal/config"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// setupTestDB 用 sqlmock 挂一个假的 MySQL 连接，
// 服务层测试校验的是事务边界和 SQL 的先后次序
func setupTestDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock, func()) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	db, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	return db, mock, func() { sqlDB.Close() }
}

func testConfig() *config.Config {
	return &config.Config{
		Kafka: config.KafkaConfig{
			Topic: config.KafkaTopicConfig{
				JobResult:     "coinledger.job.result",
				PaymentResult: "coinledger.payment.result",
			},
		},
		Provider: config.ProviderConfig{
			PayBaseURL:    "https://pay.example.com/checkout",
			WebhookSecret: "test-webhook-secret",
		},
		Business: config.BusinessConfig{
			MaxRetryCount:     3,
			JobRetryLimit:     3,
			JobTimeoutMinutes: 30,
			SweepBatchSize:    100,
		},
	}
}

func accountRows(userID, balance int64, planKey string, expiresAt *time.Time, version int) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "user_id", "balance", "plan_key", "plan_expires_at", "version", "created_at", "updated_at",
	}).AddRow(1, userID, balance, planKey, expiresAt, version, time.Now(), time.Now())
}

func jobRows(jobNo string, userID int64, operation string, cost int64, transactionNo, status string, retryCount int) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "job_no", "user_id", "operation", "cost_coins", "transaction_no",
		"status", "retry_count", "parent_job_no", "error_reason", "completed_at", "created_at", "updated_at",
	}).AddRow(1, jobNo, userID, operation, cost, transactionNo, status, retryCount, "", "", nil, time.Now(), time.Now())
}

func paymentRows(paymentNo, providerPaymentID, idempotencyKey string, userID int64, productType, productID string, amountCents int64, status string) *sqlmock.Rows {
	var providerID interface{}
	if providerPaymentID != "" {
		providerID = providerPaymentID
	}
	return sqlmock.NewRows([]string{
		"id", "payment_no", "provider_payment_id", "idempotency_key", "user_id",
		"product_type", "product_id", "amount_cents", "status", "pay_url", "paid_at", "created_at", "updated_at",
	}).AddRow(1, paymentNo, providerID, idempotencyKey, userID, productType, productID, amountCents, status, "", nil, time.Now(), time.Now())
}

func transactionRows(transactionNo string, userID, delta int64, kind, status string) *sqlmock.Rows {
	before := int64(100)
	return sqlmock.NewRows([]string{
		"id", "transaction_no", "user_id", "delta", "kind", "balance_before", "balance_after", "status", "created_at",
	}).AddRow(1, transactionNo, userID, delta, kind, before, before+delta, status, time.Now())
}
