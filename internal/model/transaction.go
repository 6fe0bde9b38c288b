package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const (
	TxnTypeDebit    = "DEBIT"    // 下单扣款
	TxnTypeRefund   = "REFUND"   // 订单退款
	TxnTypeRecharge = "RECHARGE" // 充值
	TxnTypeIncome   = "INCOME"   // 服务收入入账
)

const (
	TxnStatusProcessing = "PROCESSING"
	TxnStatusSuccess    = "SUCCESS"
	TxnStatusFailed     = "FAILED"
)

// WalletTransaction 钱包流水表
//
// 流水表设计原则：
// 1. 只追加，不修改，不删除 —— 保证审计可追溯
// 2. 每笔流水关联订单ID —— 幂等与对账的依据
// 3. 记录交易前后余额 —— 便于校验余额一致性
//
// 同一 (user_id, order_id, type) 最多存在一条 SUCCESS 流水，
// 这是支付网关重试安全的前提。Reference 是业务幂等键：订单扣款/退款
// 按订单派生，唯一索引在数据库层兜底并发重放；充值取流水号。
type WalletTransaction struct {
	ID            int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionNo string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"transaction_no"`
	Reference     string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"reference"`
	UserID        int64           `gorm:"index;not null" json:"user_id"`
	OrderID       int64           `gorm:"index;not null" json:"order_id"` // 关联订单ID，充值为 0
	Amount        decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"amount"` // 正数入账，负数出账
	Type          string          `gorm:"type:varchar(20);not null" json:"type"`
	Status        string          `gorm:"type:varchar(20);not null" json:"status"`
	BalanceBefore decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"balance_before"`
	BalanceAfter  decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"balance_after"`
	Remark        string          `gorm:"type:varchar(256)" json:"remark"`
	CreatedAt     time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
}

func (WalletTransaction) TableName() string {
	return "wallet_transaction"
}

// DebitReference 订单扣款的业务幂等键
func DebitReference(orderID int64) string {
	return fmt.Sprintf("ORDER-DEBIT-%d", orderID)
}

// RefundReference 订单退款的业务幂等键
func RefundReference(orderID int64) string {
	return fmt.Sprintf("ORDER-REFUND-%d", orderID)
}
