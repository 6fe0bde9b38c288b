package pricing

import (
	"errors"

	"github.com/shopspring/decimal"
)

var ErrInvalidQuantity = errors.New("购买数量不合法")

// Quote 计价结果
type Quote struct {
	Quantity   int             `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	Subtotal   decimal.Decimal `json:"subtotal"`
	FeeRate    decimal.Decimal `json:"fee_rate"`
	ServiceFee decimal.Decimal `json:"service_fee"`
	Total      decimal.Decimal `json:"total"`
}

// Engine 计价引擎
//
// 纯函数，无状态，预览和下单校验走同一份逻辑，
// 保证客户端看到的金额和服务端落库的金额只有一种算法
type Engine struct {
	feeRate     decimal.Decimal
	maxQuantity int
}

func NewEngine(feeRate float64, maxQuantity int) *Engine {
	return &Engine{
		feeRate:     decimal.NewFromFloat(feeRate),
		maxQuantity: maxQuantity,
	}
}

func (e *Engine) FeeRate() decimal.Decimal {
	return e.feeRate
}

// Compute 计算订单金额
//
// subtotal = unitPrice * quantity
// serviceFee = round(subtotal * feeRate, 2)，四舍五入（round-half-up）
// total = subtotal + serviceFee
//
// 舍入规则明确取四舍五入：shopspring/decimal 的 Round 对正数即 half-up，
// 对账时以此为准
func (e *Engine) Compute(unitPrice decimal.Decimal, quantity int) (*Quote, error) {
	if quantity < 1 || quantity > e.maxQuantity {
		return nil, ErrInvalidQuantity
	}

	subtotal := unitPrice.Mul(decimal.NewFromInt(int64(quantity)))
	serviceFee := subtotal.Mul(e.feeRate).Round(2)
	total := subtotal.Add(serviceFee)

	return &Quote{
		Quantity:   quantity,
		UnitPrice:  unitPrice,
		Subtotal:   subtotal,
		FeeRate:    e.feeRate,
		ServiceFee: serviceFee,
		Total:      total,
	}, nil
}
