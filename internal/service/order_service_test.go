package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"gigorder/internal/config"
	"gigorder/internal/gateway"
	"gigorder/internal/model"
	"gigorder/internal/repository"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const (
	testBuyerID = int64(1)
)

type orderFixture struct {
	db         *gorm.DB
	cfg        *config.Config
	wallet     *WalletService
	orders     *OrderService
	serviceID  int64
	providerID int64
}

func newOrderFixture(t *testing.T) *orderFixture {
	t.Helper()

	db := newTestDB(t)

	cfg := &config.Config{Business: config.DefaultBusiness()}
	cfg.Kafka.Topic.OrderEvents = "test.order.events"

	wallet := NewWalletService(db)
	catalog := NewCatalogService(db, nil)
	gate := gateway.NewWalletGateway(wallet, 3, time.Millisecond)
	orders := NewOrderService(db, cfg, catalog, wallet, gate)

	catalogRepo := repository.NewCatalogRepository(db)
	provider := &model.Provider{Nickname: "测试服务方"}
	require.NoError(t, catalogRepo.CreateProvider(context.Background(), provider))

	item := &model.ServiceItem{
		ProviderID:      provider.ID,
		Title:           "游戏陪练",
		UnitPrice:       mustDecimal(t, "10.00"),
		Unit:            "局",
		MinQuantity:     1,
		MaxQuantity:     99,
		DefaultQuantity: 1,
		Status:          model.ServiceStatusOnline,
	}
	require.NoError(t, catalogRepo.CreateServiceItem(context.Background(), item))

	return &orderFixture{
		db:         db,
		cfg:        cfg,
		wallet:     wallet,
		orders:     orders,
		serviceID:  item.ID,
		providerID: provider.ID,
	}
}

func (f *orderFixture) recharge(t *testing.T, amount string) {
	t.Helper()
	_, err := f.wallet.Recharge(context.Background(), testBuyerID, mustDecimal(t, amount))
	require.NoError(t, err)
}

func (f *orderFixture) balance(t *testing.T) string {
	t.Helper()
	balance, err := f.wallet.GetBalance(context.Background(), testBuyerID)
	require.NoError(t, err)
	return balance.StringFixed(2)
}

func TestPreview(t *testing.T) {
	f := newOrderFixture(t)
	f.recharge(t, "100.00")
	ctx := context.Background()

	result, err := f.orders.Preview(ctx, testBuyerID, f.serviceID, 0)
	require.NoError(t, err)

	// 缺省数量取服务默认值
	assert.Equal(t, 1, result.Quote.Quantity)
	assert.Equal(t, "10.00", result.Quote.Subtotal.StringFixed(2))
	assert.Equal(t, "0.50", result.Quote.ServiceFee.StringFixed(2))
	assert.Equal(t, "10.50", result.Quote.Total.StringFixed(2))
	assert.Equal(t, "100.00", result.UserBalance.StringFixed(2))
	assert.Equal(t, f.providerID, result.Provider.ID)

	// 预览不产生任何状态
	var orderCount int64
	f.db.Model(&model.Order{}).Count(&orderCount)
	assert.Equal(t, int64(0), orderCount)

	quote, err := f.orders.UpdatePreview(ctx, f.serviceID, 5)
	require.NoError(t, err)
	assert.Equal(t, "52.50", quote.Total.StringFixed(2))

	_, err = f.orders.UpdatePreview(ctx, f.serviceID, 0)
	assert.Error(t, err)
}

func TestCreateOrder(t *testing.T) {
	f := newOrderFixture(t)
	f.recharge(t, "100.00")
	ctx := context.Background()

	order, err := f.orders.Create(ctx, testBuyerID, f.serviceID, 1, mustDecimal(t, "10.50"))
	require.NoError(t, err)

	assert.Equal(t, model.OrderStatusPendingAccept, order.Status)
	assert.NotEmpty(t, order.OrderNo)
	assert.NotEmpty(t, order.PaymentTxnNo)
	assert.Equal(t, "10.00", order.Subtotal.StringFixed(2))
	assert.Equal(t, "0.50", order.ServiceFee.StringFixed(2))
	assert.Equal(t, "10.50", order.TotalAmount.StringFixed(2))
	require.NotNil(t, order.AutoCancelAt)
	remaining := time.Until(*order.AutoCancelAt)
	assert.Greater(t, remaining, 9*time.Minute)
	assert.LessOrEqual(t, remaining, 10*time.Minute)

	assert.Equal(t, "89.50", f.balance(t))

	// 支付成功事件进入 outbox
	var msgCount int64
	f.db.Model(&model.OutboxMessage{}).Count(&msgCount)
	assert.GreaterOrEqual(t, msgCount, int64(1))
}

func TestCreateOrderAmountMismatch(t *testing.T) {
	f := newOrderFixture(t)
	f.recharge(t, "100.00")
	ctx := context.Background()

	_, err := f.orders.Create(ctx, testBuyerID, f.serviceID, 1, mustDecimal(t, "10.00"))
	assert.ErrorIs(t, err, ErrAmountMismatch)

	// 金额不一致既不落单也不动账
	var orderCount, txnCount int64
	f.db.Model(&model.Order{}).Count(&orderCount)
	f.db.Model(&model.WalletTransaction{}).Where("type = ?", model.TxnTypeDebit).Count(&txnCount)
	assert.Equal(t, int64(0), orderCount)
	assert.Equal(t, int64(0), txnCount)
	assert.Equal(t, "100.00", f.balance(t))
}

func TestCreateOrderInsufficientBalance(t *testing.T) {
	f := newOrderFixture(t)
	f.recharge(t, "5.00")
	ctx := context.Background()

	_, err := f.orders.Create(ctx, testBuyerID, f.serviceID, 1, mustDecimal(t, "10.50"))
	assert.ErrorIs(t, err, repository.ErrInsufficientBalance)

	// 订单取消收场，不存在中间状态，也没有扣款流水
	var order model.Order
	require.NoError(t, f.db.Where("user_id = ?", testBuyerID).First(&order).Error)
	assert.Equal(t, model.OrderStatusCancelled, order.Status)

	var txnCount int64
	f.db.Model(&model.WalletTransaction{}).Where("type = ?", model.TxnTypeDebit).Count(&txnCount)
	assert.Equal(t, int64(0), txnCount)
	assert.Equal(t, "5.00", f.balance(t))
}

func TestCreateOrderInvalidQuantity(t *testing.T) {
	f := newOrderFixture(t)
	f.recharge(t, "10000.00")
	ctx := context.Background()

	_, err := f.orders.Create(ctx, testBuyerID, f.serviceID, 100, mustDecimal(t, "1050.00"))
	assert.Error(t, err)

	var orderCount int64
	f.db.Model(&model.Order{}).Count(&orderCount)
	assert.Equal(t, int64(0), orderCount)
}

func TestCancelRefundRoundTrip(t *testing.T) {
	f := newOrderFixture(t)
	f.recharge(t, "100.00")
	ctx := context.Background()

	order, err := f.orders.Create(ctx, testBuyerID, f.serviceID, 1, mustDecimal(t, "10.50"))
	require.NoError(t, err)
	assert.Equal(t, "89.50", f.balance(t))

	result, err := f.orders.Cancel(ctx, order.ID, testBuyerID, "用户取消")
	require.NoError(t, err)

	// 余额精确回到下单前
	assert.Equal(t, "10.50", result.RefundAmount.StringFixed(2))
	assert.Equal(t, "100.00", result.Balance.StringFixed(2))
	assert.Equal(t, model.OrderStatusCancelled, result.Order.Status)
	assert.NotEmpty(t, result.Order.RefundTxnNo)
	assert.Nil(t, result.Order.AutoCancelAt)

	// 二次取消只能失败，不产生第二笔退款
	_, err = f.orders.Cancel(ctx, order.ID, testBuyerID, "再次取消")
	assert.ErrorIs(t, err, repository.ErrInvalidStateChange)

	var refundCount int64
	f.db.Model(&model.WalletTransaction{}).
		Where("order_id = ? AND type = ?", order.ID, model.TxnTypeRefund).Count(&refundCount)
	assert.Equal(t, int64(1), refundCount)
	assert.Equal(t, "100.00", f.balance(t))
}

func TestConcurrentCancelSingleRefund(t *testing.T) {
	f := newOrderFixture(t)
	f.recharge(t, "100.00")
	ctx := context.Background()

	order, err := f.orders.Create(ctx, testBuyerID, f.serviceID, 1, mustDecimal(t, "10.50"))
	require.NoError(t, err)

	// 用户取消与超时任务取消竞争同一订单
	var wg sync.WaitGroup
	results := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, results[0] = f.orders.Cancel(ctx, order.ID, testBuyerID, "用户取消")
	}()
	go func() {
		defer wg.Done()
		_, results[1] = f.orders.Cancel(ctx, order.ID, 0, CancelReasonExpired)
	}()
	wg.Wait()

	success, conflict := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			success++
		case errors.Is(err, repository.ErrInvalidStateChange):
			conflict++
		default:
			t.Fatalf("意外错误: %v", err)
		}
	}
	assert.Equal(t, 1, success)
	assert.Equal(t, 1, conflict)

	var refundCount int64
	f.db.Model(&model.WalletTransaction{}).
		Where("order_id = ? AND type = ?", order.ID, model.TxnTypeRefund).Count(&refundCount)
	assert.Equal(t, int64(1), refundCount)
	assert.Equal(t, "100.00", f.balance(t))
}

func TestProviderLifecycle(t *testing.T) {
	f := newOrderFixture(t)
	f.recharge(t, "100.00")
	ctx := context.Background()

	order, err := f.orders.Create(ctx, testBuyerID, f.serviceID, 2, mustDecimal(t, "21.00"))
	require.NoError(t, err)

	// 非相邻状态的跳转一律拒绝且订单不变
	assert.ErrorIs(t, f.orders.Start(ctx, order.ID, f.providerID), repository.ErrInvalidStateChange)
	assert.ErrorIs(t, f.orders.Complete(ctx, order.ID, f.providerID), repository.ErrInvalidStateChange)

	require.NoError(t, f.orders.Accept(ctx, order.ID, f.providerID))

	// 接单后自动取消解除，用户不能再取消
	accepted, err := f.orders.GetDetail(ctx, order.ID, testBuyerID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusAccepted, accepted.Order.Status)
	assert.Nil(t, accepted.Order.AutoCancelAt)

	_, err = f.orders.Cancel(ctx, order.ID, testBuyerID, "来不及了")
	assert.ErrorIs(t, err, repository.ErrInvalidStateChange)

	assert.ErrorIs(t, f.orders.Accept(ctx, order.ID, f.providerID), repository.ErrInvalidStateChange)

	require.NoError(t, f.orders.Start(ctx, order.ID, f.providerID))
	require.NoError(t, f.orders.Complete(ctx, order.ID, f.providerID))

	// 终态不可再变
	_, err = f.orders.Cancel(ctx, order.ID, testBuyerID, "太晚了")
	assert.ErrorIs(t, err, repository.ErrInvalidStateChange)
	assert.ErrorIs(t, f.orders.Complete(ctx, order.ID, f.providerID), repository.ErrInvalidStateChange)
}

func TestOrderStatusView(t *testing.T) {
	f := newOrderFixture(t)
	f.recharge(t, "100.00")
	ctx := context.Background()

	order, err := f.orders.Create(ctx, testBuyerID, f.serviceID, 1, mustDecimal(t, "10.50"))
	require.NoError(t, err)

	view, err := f.orders.GetStatus(ctx, order.ID, testBuyerID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusPendingAccept, view.Status)
	assert.True(t, view.AutoCancelOn)
	assert.Greater(t, view.RemainingSeconds, int64(0))
	assert.LessOrEqual(t, view.RemainingSeconds, int64(600))
	assert.Equal(t, []string{"cancel"}, view.Actions)

	// 其他用户不可见
	_, err = f.orders.GetStatus(ctx, order.ID, 777)
	assert.ErrorIs(t, err, repository.ErrOrderNotFound)
}

// failingGateway 模拟钱包服务不可达
type failingGateway struct{}

func (failingGateway) Debit(ctx context.Context, userID int64, amount decimal.Decimal, orderID int64) (string, error) {
	return "", gateway.ErrGatewayUnavailable
}

func (failingGateway) Credit(ctx context.Context, userID int64, amount decimal.Decimal, orderID int64) (string, error) {
	return "", gateway.ErrGatewayUnavailable
}

func TestCreateOrderGatewayUnavailable(t *testing.T) {
	f := newOrderFixture(t)
	f.recharge(t, "100.00")
	ctx := context.Background()

	catalog := NewCatalogService(f.db, nil)
	orders := NewOrderService(f.db, f.cfg, catalog, f.wallet, failingGateway{})

	_, err := orders.Create(ctx, testBuyerID, f.serviceID, 1, mustDecimal(t, "10.50"))
	assert.ErrorIs(t, err, gateway.ErrGatewayUnavailable)

	// 订单停留在待支付，留给用户取消或超时任务兜底，钱包未动账
	var order model.Order
	require.NoError(t, f.db.Where("user_id = ?", testBuyerID).First(&order).Error)
	assert.Equal(t, model.OrderStatusPendingPayment, order.Status)
	assert.NotNil(t, order.AutoCancelAt)
	assert.Equal(t, "100.00", f.balance(t))
}
