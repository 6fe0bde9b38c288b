package job

import (
	"context"
	"testing"
	"time"

	"gigorder/internal/model"
	"gigorder/pkg/idgen"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newReconcileJob(f *jobFixture) *ReconcileJob {
	j := NewReconcileJob(f.db, nil, f.cfg, f.wallet, f.gate)
	// 测试里不等待在途缓冲
	j.settleDelay = -time.Second
	return j
}

// seedOrder 直接落一条指定状态的订单，模拟崩溃留下的中间现场
func (f *jobFixture) seedOrder(t *testing.T, status string) *model.Order {
	t.Helper()
	order := &model.Order{
		OrderNo:     idgen.GenerateOrderNo(),
		UserID:      1,
		ProviderID:  f.providerID,
		ServiceID:   f.serviceID,
		Quantity:    1,
		UnitPrice:   decimal.RequireFromString("10.00"),
		Subtotal:    decimal.RequireFromString("10.00"),
		FeeRate:     decimal.RequireFromString("0.05"),
		ServiceFee:  decimal.RequireFromString("0.50"),
		TotalAmount: decimal.RequireFromString("10.50"),
		Status:      status,
	}
	require.NoError(t, f.db.Create(order).Error)
	return order
}

func TestReconcileReplaysLostRefund(t *testing.T) {
	f := newJobFixture(t)
	ctx := context.Background()

	// 现场：订单已取消、扣款成功，但退款在崩溃中丢失
	_, err := f.wallet.Recharge(ctx, 1, decimal.RequireFromString("100.00"))
	require.NoError(t, err)
	order := f.seedOrder(t, model.OrderStatusCancelled)
	_, err = f.wallet.Debit(ctx, 1, order.TotalAmount, order.ID)
	require.NoError(t, err)
	assert.Equal(t, "89.50", f.balance(t))

	newReconcileJob(f).Run(ctx)

	assert.Equal(t, "100.00", f.balance(t))
	var repaired model.Order
	require.NoError(t, f.db.First(&repaired, order.ID).Error)
	assert.NotEmpty(t, repaired.RefundTxnNo)

	// 再跑一轮不会重复退款
	newReconcileJob(f).Run(ctx)
	assert.Equal(t, "100.00", f.balance(t))
}

func TestReconcileBackfillsRefundTxnNo(t *testing.T) {
	f := newJobFixture(t)
	ctx := context.Background()

	// 现场：退款已到账，但订单上的退款流水号没来得及回填
	_, err := f.wallet.Recharge(ctx, 1, decimal.RequireFromString("100.00"))
	require.NoError(t, err)
	order := f.seedOrder(t, model.OrderStatusCancelled)
	_, err = f.wallet.Debit(ctx, 1, order.TotalAmount, order.ID)
	require.NoError(t, err)
	refundTxnNo, err := f.wallet.Refund(ctx, 1, order.TotalAmount, order.ID)
	require.NoError(t, err)

	newReconcileJob(f).Run(ctx)

	var repaired model.Order
	require.NoError(t, f.db.First(&repaired, order.ID).Error)
	assert.Equal(t, refundTxnNo, repaired.RefundTxnNo)
	assert.Equal(t, "100.00", f.balance(t))
}

func TestReconcileSkipsUnpaidCancelled(t *testing.T) {
	f := newJobFixture(t)
	ctx := context.Background()

	// 未扣款即取消的订单不需要退款
	_, err := f.wallet.Recharge(ctx, 1, decimal.RequireFromString("100.00"))
	require.NoError(t, err)
	f.seedOrder(t, model.OrderStatusCancelled)

	newReconcileJob(f).Run(ctx)

	var refundCount int64
	f.db.Model(&model.WalletTransaction{}).Where("type = ?", model.TxnTypeRefund).Count(&refundCount)
	assert.Equal(t, int64(0), refundCount)
	assert.Equal(t, "100.00", f.balance(t))
}

func TestReconcileBackfillsPaymentTxnNo(t *testing.T) {
	f := newJobFixture(t)
	ctx := context.Background()

	// 现场：订单已到待接单，但扣款流水号没回填
	_, err := f.wallet.Recharge(ctx, 1, decimal.RequireFromString("100.00"))
	require.NoError(t, err)
	order := f.seedOrder(t, model.OrderStatusPendingAccept)
	txnNo, err := f.wallet.Debit(ctx, 1, order.TotalAmount, order.ID)
	require.NoError(t, err)

	newReconcileJob(f).Run(ctx)

	var repaired model.Order
	require.NoError(t, f.db.First(&repaired, order.ID).Error)
	assert.Equal(t, txnNo, repaired.PaymentTxnNo)
}

func TestReconcileAdvancesStuckPendingPayment(t *testing.T) {
	f := newJobFixture(t)
	ctx := context.Background()

	// 现场：扣款成功后进程崩溃，订单停留在待支付
	_, err := f.wallet.Recharge(ctx, 1, decimal.RequireFromString("100.00"))
	require.NoError(t, err)
	order := f.seedOrder(t, model.OrderStatusPendingPayment)
	txnNo, err := f.wallet.Debit(ctx, 1, order.TotalAmount, order.ID)
	require.NoError(t, err)

	newReconcileJob(f).Run(ctx)

	var repaired model.Order
	require.NoError(t, f.db.First(&repaired, order.ID).Error)
	assert.Equal(t, model.OrderStatusPendingAccept, repaired.Status)
	assert.Equal(t, txnNo, repaired.PaymentTxnNo)
	require.NotNil(t, repaired.PaidAt)
	require.NotNil(t, repaired.AutoCancelAt)
	// 接单窗口从扣款时刻起算
	assert.WithinDuration(t,
		repaired.PaidAt.Add(f.cfg.Business.AutoCancelWindow()), *repaired.AutoCancelAt, time.Second)
}

func TestReconcileLeavesUndebitedPendingPayment(t *testing.T) {
	f := newJobFixture(t)
	ctx := context.Background()

	// 现场：扣款从未成功，留给超时任务取消
	_, err := f.wallet.Recharge(ctx, 1, decimal.RequireFromString("100.00"))
	require.NoError(t, err)
	order := f.seedOrder(t, model.OrderStatusPendingPayment)

	newReconcileJob(f).Run(ctx)

	var untouched model.Order
	require.NoError(t, f.db.First(&untouched, order.ID).Error)
	assert.Equal(t, model.OrderStatusPendingPayment, untouched.Status)
	assert.Equal(t, "100.00", f.balance(t))
}
