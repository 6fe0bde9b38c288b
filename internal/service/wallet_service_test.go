package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"gigorder/internal/infrastructure/database"
	"gigorder/internal/model"
	"gigorder/internal/repository"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	// 单连接串行化，内存库在连接关闭前一直存活
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, database.Migrate(db))
	return db
}

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func TestRechargeAndBalance(t *testing.T) {
	db := newTestDB(t)
	wallet := NewWalletService(db)
	ctx := context.Background()

	txnNo, err := wallet.Recharge(ctx, 1, mustDecimal(t, "100.00"))
	require.NoError(t, err)
	assert.NotEmpty(t, txnNo)

	balance, err := wallet.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "100.00", balance.StringFixed(2))

	// 无钱包用户余额视作 0
	balance, err = wallet.GetBalance(ctx, 999)
	require.NoError(t, err)
	assert.True(t, balance.IsZero())
}

func TestDebitAndRefundIdempotent(t *testing.T) {
	db := newTestDB(t)
	wallet := NewWalletService(db)
	ctx := context.Background()

	_, err := wallet.Recharge(ctx, 1, mustDecimal(t, "100.00"))
	require.NoError(t, err)

	const orderID = int64(42)
	amount := mustDecimal(t, "10.50")

	debitNo, err := wallet.Debit(ctx, 1, amount, orderID)
	require.NoError(t, err)

	balance, _ := wallet.GetBalance(ctx, 1)
	assert.Equal(t, "89.50", balance.StringFixed(2))

	// 同一订单重复扣款返回原流水，不再动账
	debitNo2, err := wallet.Debit(ctx, 1, amount, orderID)
	require.NoError(t, err)
	assert.Equal(t, debitNo, debitNo2)

	balance, _ = wallet.GetBalance(ctx, 1)
	assert.Equal(t, "89.50", balance.StringFixed(2))

	refundNo, err := wallet.Refund(ctx, 1, amount, orderID)
	require.NoError(t, err)

	balance, _ = wallet.GetBalance(ctx, 1)
	assert.Equal(t, "100.00", balance.StringFixed(2))

	// 每个订单最多一笔成功退款
	refundNo2, err := wallet.Refund(ctx, 1, amount, orderID)
	require.NoError(t, err)
	assert.Equal(t, refundNo, refundNo2)

	balance, _ = wallet.GetBalance(ctx, 1)
	assert.Equal(t, "100.00", balance.StringFixed(2))

	var debitCount, refundCount int64
	db.Model(&model.WalletTransaction{}).
		Where("order_id = ? AND type = ?", orderID, model.TxnTypeDebit).Count(&debitCount)
	db.Model(&model.WalletTransaction{}).
		Where("order_id = ? AND type = ?", orderID, model.TxnTypeRefund).Count(&refundCount)
	assert.Equal(t, int64(1), debitCount)
	assert.Equal(t, int64(1), refundCount)
}

func TestDebitInsufficientBalance(t *testing.T) {
	db := newTestDB(t)
	wallet := NewWalletService(db)
	ctx := context.Background()

	_, err := wallet.Recharge(ctx, 1, mustDecimal(t, "5.00"))
	require.NoError(t, err)

	_, err = wallet.Debit(ctx, 1, mustDecimal(t, "10.00"), 7)
	assert.ErrorIs(t, err, repository.ErrInsufficientBalance)

	// 失败不留任何部分状态
	balance, _ := wallet.GetBalance(ctx, 1)
	assert.Equal(t, "5.00", balance.StringFixed(2))

	var count int64
	db.Model(&model.WalletTransaction{}).Where("order_id = ?", 7).Count(&count)
	assert.Equal(t, int64(0), count)
}

func TestDebitInvalidAmount(t *testing.T) {
	db := newTestDB(t)
	wallet := NewWalletService(db)
	ctx := context.Background()

	_, err := wallet.Debit(ctx, 1, decimal.Zero, 1)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = wallet.Refund(ctx, 1, mustDecimal(t, "-1.00"), 1)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestConcurrentDebits(t *testing.T) {
	db := newTestDB(t)
	wallet := NewWalletService(db)
	ctx := context.Background()

	_, err := wallet.Recharge(ctx, 1, mustDecimal(t, "100.00"))
	require.NoError(t, err)

	// 余额 100，单笔 30，只能成功 floor(100/30)=3 笔
	const workers = 10
	amount := mustDecimal(t, "30.00")

	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = wallet.Debit(ctx, 1, amount, int64(1000+i))
		}(i)
	}
	wg.Wait()

	success, insufficient := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			success++
		case errors.Is(err, repository.ErrInsufficientBalance):
			insufficient++
		default:
			t.Fatalf("意外错误: %v", err)
		}
	}

	assert.Equal(t, 3, success)
	assert.Equal(t, workers-3, insufficient)

	balance, _ := wallet.GetBalance(ctx, 1)
	assert.Equal(t, "10.00", balance.StringFixed(2))
}

func TestConcurrentRefundsSingleCredit(t *testing.T) {
	db := newTestDB(t)
	wallet := NewWalletService(db)
	txnRepo := repository.NewTransactionRepository(db)
	ctx := context.Background()

	_, err := wallet.Recharge(ctx, 1, mustDecimal(t, "100.00"))
	require.NoError(t, err)

	const orderID = int64(42)
	amount := mustDecimal(t, "10.50")
	_, err = wallet.Debit(ctx, 1, amount, orderID)
	require.NoError(t, err)

	// 用户取消、超时任务、对账补偿同时重放同一笔退款
	const workers = 4
	var wg sync.WaitGroup
	txnNos := make([]string, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			txnNos[i], errs[i] = wallet.Refund(ctx, 1, amount, orderID)
		}(i)
	}
	wg.Wait()

	// 全部成功且拿到同一个流水号
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, txnNos[0], txnNos[i])
	}

	refunds, err := txnRepo.CountByOrderAndType(ctx, orderID, model.TxnTypeRefund)
	require.NoError(t, err)
	assert.Equal(t, int64(1), refunds)

	balance, _ := wallet.GetBalance(ctx, 1)
	assert.Equal(t, "100.00", balance.StringFixed(2))
}

func TestRefundReferenceUniqueIndex(t *testing.T) {
	db := newTestDB(t)
	wallet := NewWalletService(db)
	ctx := context.Background()

	_, err := wallet.Recharge(ctx, 1, mustDecimal(t, "100.00"))
	require.NoError(t, err)

	const orderID = int64(42)
	amount := mustDecimal(t, "10.50")
	_, err = wallet.Debit(ctx, 1, amount, orderID)
	require.NoError(t, err)
	_, err = wallet.Refund(ctx, 1, amount, orderID)
	require.NoError(t, err)

	// 绕过服务层也插不进第二笔同订单退款，唯一索引在数据库层兜底
	dup := &model.WalletTransaction{
		TransactionNo: "REF-DUP",
		Reference:     model.RefundReference(orderID),
		UserID:        1,
		OrderID:       orderID,
		Amount:        amount,
		Type:          model.TxnTypeRefund,
		Status:        model.TxnStatusSuccess,
		BalanceBefore: mustDecimal(t, "100.00"),
		BalanceAfter:  mustDecimal(t, "110.50"),
	}
	err = db.Create(dup).Error
	assert.ErrorIs(t, err, gorm.ErrDuplicatedKey)
}

func TestFreezeUnfreeze(t *testing.T) {
	db := newTestDB(t)
	wallet := NewWalletService(db)
	ctx := context.Background()

	_, err := wallet.Recharge(ctx, 1, mustDecimal(t, "100.00"))
	require.NoError(t, err)

	require.NoError(t, wallet.Freeze(ctx, 1, mustDecimal(t, "40.00")))

	w, err := wallet.GetWallet(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "60.00", w.Balance.StringFixed(2))
	assert.Equal(t, "40.00", w.Frozen.StringFixed(2))
	assert.Equal(t, "100.00", w.TotalAssets().StringFixed(2))

	// 冻结不够可用余额
	err = wallet.Freeze(ctx, 1, mustDecimal(t, "70.00"))
	assert.ErrorIs(t, err, repository.ErrInsufficientBalance)

	require.NoError(t, wallet.Unfreeze(ctx, 1, mustDecimal(t, "40.00")))

	w, _ = wallet.GetWallet(ctx, 1)
	assert.Equal(t, "100.00", w.Balance.StringFixed(2))
	assert.True(t, w.Frozen.IsZero())

	err = wallet.Unfreeze(ctx, 1, mustDecimal(t, "1.00"))
	assert.ErrorIs(t, err, repository.ErrInsufficientFrozen)
}
