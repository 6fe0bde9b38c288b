package gateway

import (
	"context"
	"errors"
	"log"
	"time"

	"gigorder/internal/repository"

	"github.com/shopspring/decimal"
)

var ErrGatewayUnavailable = errors.New("支付网关暂不可用，请稍后重试")

// PaymentGateway 订单服务到钱包/支付服务的调用边界
//
// 钱包在逻辑上是另一个服务，所有资金操作都经过这层：同步调用 + 有界
// 指数退避重试。orderID 即幂等键，重试落到已提交的操作上是空操作
// （由钱包侧的流水幂等保证），所以这里可以放心重试。
type PaymentGateway interface {
	// Debit 扣款，返回扣款流水号
	Debit(ctx context.Context, userID int64, amount decimal.Decimal, orderID int64) (string, error)
	// Credit 退款入账，返回退款流水号
	Credit(ctx context.Context, userID int64, amount decimal.Decimal, orderID int64) (string, error)
}

// Ledger 钱包侧暴露的资金操作
type Ledger interface {
	Debit(ctx context.Context, userID int64, amount decimal.Decimal, orderID int64) (string, error)
	Refund(ctx context.Context, userID int64, amount decimal.Decimal, orderID int64) (string, error)
}

// WalletGateway 进程内钱包实现
type WalletGateway struct {
	ledger     Ledger
	maxRetries int
	backoff    time.Duration
}

func NewWalletGateway(ledger Ledger, maxRetries int, backoff time.Duration) *WalletGateway {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &WalletGateway{
		ledger:     ledger,
		maxRetries: maxRetries,
		backoff:    backoff,
	}
}

func (g *WalletGateway) Debit(ctx context.Context, userID int64, amount decimal.Decimal, orderID int64) (string, error) {
	return g.callWithRetry(ctx, "debit", orderID, func() (string, error) {
		return g.ledger.Debit(ctx, userID, amount, orderID)
	})
}

func (g *WalletGateway) Credit(ctx context.Context, userID int64, amount decimal.Decimal, orderID int64) (string, error) {
	return g.callWithRetry(ctx, "credit", orderID, func() (string, error) {
		return g.ledger.Refund(ctx, userID, amount, orderID)
	})
}

// callWithRetry 有界指数退避重试
//
// 非瞬时错误（余额不足、钱包不存在）立即返回不重试；
// 其余错误按 backoff, 2*backoff, 4*backoff... 重试到上限后
// 统一收敛为 ErrGatewayUnavailable。
func (g *WalletGateway) callWithRetry(ctx context.Context, op string, orderID int64, call func() (string, error)) (string, error) {
	var lastErr error

	for attempt := 0; attempt < g.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := g.backoff << (attempt - 1)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}

		txnNo, err := call()
		if err == nil {
			return txnNo, nil
		}
		if isPermanent(err) {
			return "", err
		}

		lastErr = err
		log.Printf("[PaymentGateway] %s 调用失败，准备重试: orderID=%d, attempt=%d, err=%v",
			op, orderID, attempt+1, err)
	}

	log.Printf("[PaymentGateway] %s 重试耗尽: orderID=%d, err=%v", op, orderID, lastErr)
	return "", errors.Join(ErrGatewayUnavailable, lastErr)
}

// isPermanent 业务性失败不重试
func isPermanent(err error) bool {
	return errors.Is(err, repository.ErrInsufficientBalance) ||
		errors.Is(err, repository.ErrWalletNotFound)
}
