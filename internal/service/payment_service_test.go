package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"testing"

	"coinledger/internal/model"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func signBody(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"event_type":"payment.succeeded"}`)
	secret := "test-webhook-secret"

	require.True(t, VerifySignature(body, signBody(body, secret), secret))

	// 载荷被篡改
	require.False(t, VerifySignature([]byte(`{"event_type":"payment.refunded"}`), signBody(body, secret), secret))

	// 密钥不对
	require.False(t, VerifySignature(body, signBody(body, "other-secret"), secret))

	// 签名为空
	require.False(t, VerifySignature(body, "", secret))
}

func TestIngestRejectsBadSignature(t *testing.T) {
	db, mock, close := setupTestDB(t)
	defer close()
	svc := NewPaymentService(db, nil, testConfig())

	body := []byte(`{"event_type":"payment.succeeded","provider_payment_id":"ch_123"}`)

	// 验签不过时不碰载荷里的任何字段，也不发 SQL
	_, err := svc.IngestNotification(context.Background(), body, "deadbeef")
	require.ErrorIs(t, err, ErrInvalidSignature)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIngestIgnoresUnknownEvent(t *testing.T) {
	db, mock, close := setupTestDB(t)
	defer close()
	cfg := testConfig()
	svc := NewPaymentService(db, nil, cfg)

	body, _ := json.Marshal(map[string]interface{}{
		"event_type":          "payment.created",
		"provider_payment_id": "ch_123",
	})

	result, err := svc.IngestNotification(context.Background(), body, signBody(body, cfg.Provider.WebhookSecret))
	require.NoError(t, err)
	require.True(t, result.Ignored)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIngestRequiresProviderPaymentID(t *testing.T) {
	db, mock, close := setupTestDB(t)
	defer close()
	cfg := testConfig()
	svc := NewPaymentService(db, nil, cfg)

	body, _ := json.Marshal(map[string]interface{}{
		"event_type": EventTypePaymentSucceeded,
	})

	_, err := svc.IngestNotification(context.Background(), body, signBody(body, cfg.Provider.WebhookSecret))
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIngestReplayedNotificationIsDuplicate(t *testing.T) {
	db, mock, close := setupTestDB(t)
	defer close()
	svc := NewPaymentService(db, nil, testConfig())

	// 支付单已是终态：重放的回调按无副作用成功返回，
	// 除查单之外不发任何 SQL，权益不会发第二次
	mock.ExpectQuery("SELECT (.+) FROM `payment` WHERE provider_payment_id = ?").
		WillReturnRows(paymentRows("PAY001", "ch_123", "idem-1", 1001,
			model.ProductTypeCoins, "100", 10000, model.PaymentStatusSucceeded))

	result, err := svc.processNotification(context.Background(), &Notification{
		EventType:         EventTypePaymentSucceeded,
		ProviderPaymentID: "ch_123",
		AmountCents:       10000,
	})
	require.NoError(t, err)
	require.True(t, result.Duplicate)
	require.Equal(t, "PAY001", result.PaymentNo)
	require.Equal(t, model.PaymentStatusSucceeded, result.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIngestFallsBackToIdempotencyKey(t *testing.T) {
	db, mock, close := setupTestDB(t)
	defer close()
	svc := NewPaymentService(db, nil, testConfig())

	// 渠道ID还没绑定（首个回调），按幂等键找回支付单
	mock.ExpectQuery("SELECT (.+) FROM `payment` WHERE provider_payment_id = ?").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("SELECT (.+) FROM `payment` WHERE idempotency_key = ?").
		WillReturnRows(paymentRows("PAY002", "", "idem-2", 1001,
			model.ProductTypeCoins, "100", 10000, model.PaymentStatusPending))
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `payment` SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := svc.processNotification(context.Background(), &Notification{
		EventType:         EventTypePaymentFailed,
		ProviderPaymentID: "ch_999",
		Metadata:          NotificationMetadata{IdempotencyKey: "idem-2"},
	})
	require.NoError(t, err)
	require.False(t, result.Duplicate)
	require.Equal(t, model.PaymentStatusFailed, result.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordPaymentIntentPlanUsesPriceTable(t *testing.T) {
	db, mock, close := setupTestDB(t)
	defer close()
	svc := NewPaymentService(db, nil, testConfig())

	mock.ExpectQuery("SELECT (.+) FROM `account` WHERE user_id = ?").
		WillReturnRows(accountRows(1001, 0, "free", nil, 0))
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `payment`").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	// 调用方乱传的金额被价格表覆盖
	payment, err := svc.RecordPaymentIntent(context.Background(), 1001, model.ProductTypePlan, "standard", 1)
	require.NoError(t, err)

	require.Equal(t, int64(49900), payment.AmountCents)
	require.Equal(t, model.PaymentStatusPending, payment.Status)
	require.True(t, strings.HasPrefix(payment.PaymentNo, "PAY"))
	require.NotEmpty(t, payment.IdempotencyKey)
	require.Contains(t, payment.PayURL, payment.PaymentNo)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordPaymentIntentLeavesProviderIDNull(t *testing.T) {
	db, mock, close := setupTestDB(t)
	defer close()
	svc := NewPaymentService(db, nil, testConfig())

	mock.ExpectQuery("SELECT (.+) FROM `account` WHERE user_id = ?").
		WillReturnRows(accountRows(1001, 0, "free", nil, 0))
	mock.ExpectBegin()
	// provider_payment_id 在回调绑定前必须是 NULL：
	// 写空串会撞唯一索引，第二张待支付单就建不出来了
	mock.ExpectExec("INSERT INTO `payment`").
		WithArgs(
			sqlmock.AnyArg(), // payment_no
			nil,              // provider_payment_id
			sqlmock.AnyArg(), // idempotency_key
			sqlmock.AnyArg(), // user_id
			sqlmock.AnyArg(), // product_type
			sqlmock.AnyArg(), // product_id
			sqlmock.AnyArg(), // amount_cents
			sqlmock.AnyArg(), // status
			sqlmock.AnyArg(), // pay_url
			sqlmock.AnyArg(), // paid_at
			sqlmock.AnyArg(), // created_at
			sqlmock.AnyArg(), // updated_at
		).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	payment, err := svc.RecordPaymentIntent(context.Background(), 1001, model.ProductTypeCoins, "100", 10000)
	require.NoError(t, err)
	require.Nil(t, payment.ProviderPaymentID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordPaymentIntentRejectsBadProduct(t *testing.T) {
	db, mock, close := setupTestDB(t)
	defer close()
	svc := NewPaymentService(db, nil, testConfig())

	_, err := svc.RecordPaymentIntent(context.Background(), 1001, "GIFT", "x", 100)
	require.ErrorIs(t, err, ErrUnknownProduct)

	_, err = svc.RecordPaymentIntent(context.Background(), 1001, model.ProductTypeCoins, "abc", 100)
	require.Error(t, err)

	_, err = svc.RecordPaymentIntent(context.Background(), 1001, model.ProductTypeCoins, "100", 0)
	require.ErrorIs(t, err, ErrInvalidAmount)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSettleSucceededCoinTopup(t *testing.T) {
	db, mock, close := setupTestDB(t)
	defer close()
	svc := NewPaymentService(db, nil, testConfig())

	payment := &model.Payment{
		PaymentNo:   "PAY001",
		UserID:      1001,
		ProductType: model.ProductTypeCoins,
		ProductID:   "100",
		AmountCents: 10000,
		Status:      model.PaymentStatusPending,
	}

	// 绑定渠道ID、入账、流水、支付单终态、出站事件在同一个事务内
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `payment` SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT (.+) FROM `account` WHERE user_id = (.+) FOR UPDATE").
		WillReturnRows(accountRows(1001, 50, "free", nil, 0))
	mock.ExpectExec("UPDATE `account` SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO `account_transaction`").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE `payment` SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO `outbox_message`").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := svc.settleSucceeded(context.Background(), payment, "ch_123")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSettleSucceededPlanActivation(t *testing.T) {
	db, mock, close := setupTestDB(t)
	defer close()
	svc := NewPaymentService(db, nil, testConfig())

	payment := &model.Payment{
		PaymentNo:   "PAY002",
		UserID:      1001,
		ProductType: model.ProductTypePlan,
		ProductID:   "standard",
		AmountCents: 49900,
		Status:      model.PaymentStatusPending,
	}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `payment` SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT (.+) FROM `account` WHERE user_id = (.+) FOR UPDATE").
		WillReturnRows(accountRows(1001, 0, "free", nil, 0))
	mock.ExpectExec("UPDATE `account` SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE `account` SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO `account_transaction`").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO `outbox_message`").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE `payment` SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO `outbox_message`").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := svc.settleSucceeded(context.Background(), payment, "ch_456")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSettleSucceededRollsBackWhenGrantFails(t *testing.T) {
	db, mock, close := setupTestDB(t)
	defer close()
	svc := NewPaymentService(db, nil, testConfig())

	payment := &model.Payment{
		PaymentNo:   "PAY003",
		UserID:      1001,
		ProductType: model.ProductTypeCoins,
		ProductID:   "100",
		AmountCents: 10000,
		Status:      model.PaymentStatusPending,
	}

	// 入账失败：整个事务回滚，支付单留在 PENDING 等渠道重推
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `payment` SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT (.+) FROM `account` WHERE user_id = (.+) FOR UPDATE").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	err := svc.settleSucceeded(context.Background(), payment, "ch_789")
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
