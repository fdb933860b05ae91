package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// setupMockDB 用 sqlmock 挂一个假的 MySQL 连接
// 只校验仓储层发出的 SQL 形状和 RowsAffected 分支，不依赖真实数据库
func setupMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock, func()) {
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

func accountRows(userID, balance int64, planKey string, expiresAt *time.Time, version int) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "user_id", "balance", "plan_key", "plan_expires_at", "version", "created_at", "updated_at",
	}).AddRow(1, userID, balance, planKey, expiresAt, version, time.Now(), time.Now())
}

func TestDeductSuccess(t *testing.T) {
	db, mock, close := setupMockDB(t)
	defer close()
	repo := NewAccountRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `account` SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.Deduct(context.Background(), db, 1001, 20, 3)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeductInsufficientFunds(t *testing.T) {
	db, mock, close := setupMockDB(t)
	defer close()
	repo := NewAccountRepository(db)

	// 条件 UPDATE 未命中，回查发现余额确实不够
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `account` SET").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectQuery("SELECT (.+) FROM `account` WHERE user_id = ?").
		WillReturnRows(accountRows(1001, 10, "free", nil, 3))

	err := repo.Deduct(context.Background(), db, 1001, 20, 3)
	require.ErrorIs(t, err, ErrInsufficientFunds)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeductOptimisticLockConflict(t *testing.T) {
	db, mock, close := setupMockDB(t)
	defer close()
	repo := NewAccountRepository(db)

	// 条件 UPDATE 未命中，回查余额充足 -> 版本号被并发改掉了
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `account` SET").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectQuery("SELECT (.+) FROM `account` WHERE user_id = ?").
		WillReturnRows(accountRows(1001, 100, "free", nil, 4))

	err := repo.Deduct(context.Background(), db, 1001, 20, 3)
	require.ErrorIs(t, err, ErrOptimisticLock)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIncreaseAccountNotFound(t *testing.T) {
	db, mock, close := setupMockDB(t)
	defer close()
	repo := NewAccountRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `account` SET").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := repo.Increase(context.Background(), db, 9999, 50)
	require.ErrorIs(t, err, ErrAccountNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDowngradeExpired(t *testing.T) {
	db, mock, close := setupMockDB(t)
	defer close()
	repo := NewAccountRepository(db)

	// 命中：真的发生了降级
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `account` SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	changed, err := repo.DowngradeExpired(context.Background(), 1001, time.Now())
	require.NoError(t, err)
	require.True(t, changed)

	// 未命中：套餐未过期或已经是 free，幂等无事发生
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `account` SET").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	changed, err = repo.DowngradeExpired(context.Background(), 1001, time.Now())
	require.NoError(t, err)
	require.False(t, changed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetOrCreateExisting(t *testing.T) {
	db, mock, close := setupMockDB(t)
	defer close()
	repo := NewAccountRepository(db)

	mock.ExpectQuery("SELECT (.+) FROM `account` WHERE user_id = ?").
		WillReturnRows(accountRows(1001, 50, "free", nil, 0))

	account, err := repo.GetOrCreate(context.Background(), 1001)
	require.NoError(t, err)
	require.Equal(t, int64(1001), account.UserID)
	require.Equal(t, int64(50), account.Balance)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetOrCreateNew(t *testing.T) {
	db, mock, close := setupMockDB(t)
	defer close()
	repo := NewAccountRepository(db)

	// 首查不存在 -> ON CONFLICT 插入 -> 再查拿到零余额账户
	mock.ExpectQuery("SELECT (.+) FROM `account` WHERE user_id = ?").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `account`").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	mock.ExpectQuery("SELECT (.+) FROM `account` WHERE user_id = ?").
		WillReturnRows(accountRows(1001, 0, "free", nil, 0))

	account, err := repo.GetOrCreate(context.Background(), 1001)
	require.NoError(t, err)
	require.Equal(t, int64(0), account.Balance)
	require.Equal(t, "free", account.PlanKey)
	require.NoError(t, mock.ExpectationsWereMet())
}
