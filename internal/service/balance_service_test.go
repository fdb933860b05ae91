package service

import (
	"context"
	"strings"
	"testing"

	"coinledger/internal/model"
	"coinledger/internal/repository"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestDebitInvalidAmount(t *testing.T) {
	db, mock, close := setupTestDB(t)
	defer close()
	svc := NewBalanceService(db, testConfig())

	// 金额不合法时不应发出任何 SQL
	_, err := svc.Debit(context.Background(), 1001, 0, "video")
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = svc.Debit(context.Background(), 1001, -5, "video")
	require.ErrorIs(t, err, ErrInvalidAmount)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDebitInsufficientFunds(t *testing.T) {
	db, mock, close := setupTestDB(t)
	defer close()
	svc := NewBalanceService(db, testConfig())

	// 余额 10 扣 20：快路径直接拒绝，不开事务不写流水
	mock.ExpectQuery("SELECT (.+) FROM `account` WHERE user_id = ?").
		WillReturnRows(accountRows(1001, 10, "free", nil, 0))

	_, err := svc.Debit(context.Background(), 1001, 20, "video")
	require.ErrorIs(t, err, repository.ErrInsufficientFunds)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDebitSuccess(t *testing.T) {
	db, mock, close := setupTestDB(t)
	defer close()
	svc := NewBalanceService(db, testConfig())

	mock.ExpectQuery("SELECT (.+) FROM `account` WHERE user_id = ?").
		WillReturnRows(accountRows(1001, 50, "free", nil, 0))
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `account` SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO `account_transaction`").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	transactionNo, err := svc.Debit(context.Background(), 1001, 20, "video")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(transactionNo, "TXN"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDebitRetriesOnOptimisticLock(t *testing.T) {
	db, mock, close := setupTestDB(t)
	defer close()
	svc := NewBalanceService(db, testConfig())

	// 第一轮：条件更新未命中，回查发现余额充足（版本冲突），事务回滚
	mock.ExpectQuery("SELECT (.+) FROM `account` WHERE user_id = ?").
		WillReturnRows(accountRows(1001, 50, "free", nil, 0))
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `account` SET").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.+) FROM `account` WHERE user_id = ?").
		WillReturnRows(accountRows(1001, 50, "free", nil, 1))
	mock.ExpectRollback()

	// 第二轮：用新版本号重读后成功
	mock.ExpectQuery("SELECT (.+) FROM `account` WHERE user_id = ?").
		WillReturnRows(accountRows(1001, 50, "free", nil, 1))
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `account` SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO `account_transaction`").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	transactionNo, err := svc.Debit(context.Background(), 1001, 20, "video")
	require.NoError(t, err)
	require.NotEmpty(t, transactionNo)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreditSuccess(t *testing.T) {
	db, mock, close := setupTestDB(t)
	defer close()
	svc := NewBalanceService(db, testConfig())

	// 余额快照必须在事务内持行锁读取，流水的 before/after 才能和并发入账正确衔接
	mock.ExpectQuery("SELECT (.+) FROM `account` WHERE user_id = ?").
		WillReturnRows(accountRows(1001, 30, "free", nil, 0))
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM `account` WHERE user_id = (.+) FOR UPDATE").
		WillReturnRows(accountRows(1001, 30, "free", nil, 0))
	mock.ExpectExec("UPDATE `account` SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO `account_transaction`").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	transactionNo, err := svc.Credit(context.Background(), 1001, 100, "topup")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(transactionNo, "TXN"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreditRejectsNonPositiveAmount(t *testing.T) {
	db, mock, close := setupTestDB(t)
	defer close()
	svc := NewBalanceService(db, testConfig())

	_, err := svc.Credit(context.Background(), 1001, 0, "topup")
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = svc.Credit(context.Background(), 1001, -100, "topup")
	require.ErrorIs(t, err, ErrInvalidAmount)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRowInvariant(t *testing.T) {
	db, mock, close := setupTestDB(t)
	defer close()
	svc := NewBalanceService(db, testConfig())

	account := &model.Account{UserID: 1001, Balance: 50, Version: 0}

	// 扣款流水：balance_after == balance_before + delta
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `account` SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `account_transaction`").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	debitTrans, err := svc.debitInTx(context.Background(), db, account, 20, "video")
	require.NoError(t, err)
	require.Equal(t, int64(50), debitTrans.BalanceBefore)
	require.Equal(t, int64(-20), debitTrans.Delta)
	require.Equal(t, int64(30), debitTrans.BalanceAfter)
	require.Equal(t, debitTrans.BalanceBefore+debitTrans.Delta, debitTrans.BalanceAfter)

	// 退款流水：等额冲销回到原余额
	refunded := &model.Account{UserID: 1001, Balance: 30, Version: 1}
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `account` SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `account_transaction`").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	creditTrans, err := svc.creditInTx(context.Background(), db, refunded, 20, "refund:JOB001")
	require.NoError(t, err)
	require.Equal(t, int64(30), creditTrans.BalanceBefore)
	require.Equal(t, int64(20), creditTrans.Delta)
	require.Equal(t, int64(50), creditTrans.BalanceAfter)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkTransactionIdempotent(t *testing.T) {
	db, mock, close := setupTestDB(t)
	defer close()
	svc := NewBalanceService(db, testConfig())

	// 已经是目标状态：无副作用成功，不发 UPDATE
	mock.ExpectQuery("SELECT (.+) FROM `account_transaction` WHERE transaction_no = ?").
		WillReturnRows(transactionRows("TXN001", 1001, -20, "video", "COMPLETED"))

	err := svc.MarkTransaction(context.Background(), "TXN001", "COMPLETED")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkTransactionResolvesFailed(t *testing.T) {
	db, mock, close := setupTestDB(t)
	defer close()
	svc := NewBalanceService(db, testConfig())

	// 人工裁决：滞留的 PENDING 流水关单为 FAILED，条件更新带上旧状态
	mock.ExpectQuery("SELECT (.+) FROM `account_transaction` WHERE transaction_no = ?").
		WillReturnRows(transactionRows("TXN002", 1001, -20, "video", "PENDING"))
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `account_transaction` SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := svc.MarkTransaction(context.Background(), "TXN002", "FAILED")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkTransactionRejectsTerminalFlip(t *testing.T) {
	db, mock, close := setupTestDB(t)
	defer close()
	svc := NewBalanceService(db, testConfig())

	// 终态不可再迁移：REFUNDED 不能被裁决成 FAILED
	mock.ExpectQuery("SELECT (.+) FROM `account_transaction` WHERE transaction_no = ?").
		WillReturnRows(transactionRows("TXN003", 1001, -20, "video", "REFUNDED"))

	err := svc.MarkTransaction(context.Background(), "TXN003", "FAILED")
	require.ErrorIs(t, err, repository.ErrTransactionStatusInvalid)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAdminSetBalanceRecordsDelta(t *testing.T) {
	db, mock, close := setupTestDB(t)
	defer close()
	svc := NewBalanceService(db, testConfig())

	mock.ExpectQuery("SELECT (.+) FROM `account` WHERE user_id = ?").
		WillReturnRows(accountRows(1001, 30, "free", nil, 0))
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM `account` WHERE user_id = (.+) FOR UPDATE").
		WillReturnRows(accountRows(1001, 30, "free", nil, 0))
	mock.ExpectExec("UPDATE `account` SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO `account_transaction`").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	transactionNo, err := svc.AdminSetBalance(context.Background(), 1001, 100)
	require.NoError(t, err)
	require.NotEmpty(t, transactionNo)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAdminSetBalanceRejectsNegative(t *testing.T) {
	db, mock, close := setupTestDB(t)
	defer close()
	svc := NewBalanceService(db, testConfig())

	_, err := svc.AdminSetBalance(context.Background(), 1001, -1)
	require.ErrorIs(t, err, ErrInvalidAmount)
	require.NoError(t, mock.ExpectationsWereMet())
}
