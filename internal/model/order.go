package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	OrderStatusCreated        = "CREATED"         // 已创建，尚未发起扣款
	OrderStatusPendingPayment = "PENDING_PAYMENT" // 待支付（扣款进行中或扣款失败待清理）
	OrderStatusPendingAccept  = "PENDING_ACCEPT"  // 已支付，等待服务方接单
	OrderStatusAccepted       = "ACCEPTED"        // 服务方已接单
	OrderStatusInProgress     = "IN_PROGRESS"     // 服务进行中
	OrderStatusCompleted      = "COMPLETED"       // 已完成（终态）
	OrderStatusCancelled      = "CANCELLED"       // 已取消（终态）
)

// ValidStatusTransitions 订单状态机
//
// COMPLETED / CANCELLED 是终态，不出现在 key 中
var ValidStatusTransitions = map[string][]string{
	OrderStatusCreated:        {OrderStatusPendingPayment, OrderStatusCancelled},
	OrderStatusPendingPayment: {OrderStatusPendingAccept, OrderStatusCancelled},
	OrderStatusPendingAccept:  {OrderStatusAccepted, OrderStatusCancelled},
	OrderStatusAccepted:       {OrderStatusInProgress},
	OrderStatusInProgress:     {OrderStatusCompleted},
}

func CanTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidStatusTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

// CancellableStatuses 允许取消（用户或超时任务）的状态
var CancellableStatuses = []string{
	OrderStatusCreated,
	OrderStatusPendingPayment,
	OrderStatusPendingAccept,
}

// StatusLabels 状态展示文案
var StatusLabels = map[string]string{
	OrderStatusCreated:        "已创建",
	OrderStatusPendingPayment: "待支付",
	OrderStatusPendingAccept:  "待接单",
	OrderStatusAccepted:       "已接单",
	OrderStatusInProgress:     "服务中",
	OrderStatusCompleted:      "已完成",
	OrderStatusCancelled:      "已取消",
}

// Order 服务订单表
//
// 金额不变式：Subtotal = UnitPrice * Quantity；
// ServiceFee = round(Subtotal * FeeRate, 2)；TotalAmount = Subtotal + ServiceFee。
// AutoCancelAt 只在 PENDING_PAYMENT / PENDING_ACCEPT 期间非空，接单或进入终态后清空。
type Order struct {
	ID           int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderNo      string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"order_no"`
	UserID       int64           `gorm:"index;not null" json:"user_id"`
	ProviderID   int64           `gorm:"index;not null" json:"provider_id"`
	ServiceID    int64           `gorm:"index;not null" json:"service_id"`
	Quantity     int             `gorm:"not null" json:"quantity"`
	UnitPrice    decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"unit_price"`
	Subtotal     decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"subtotal"`
	FeeRate      decimal.Decimal `gorm:"type:decimal(8,4);not null" json:"fee_rate"`
	ServiceFee   decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"service_fee"`
	TotalAmount  decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"total_amount"`
	Status       string          `gorm:"type:varchar(20);index;not null" json:"status"`
	CancelReason string          `gorm:"type:varchar(256)" json:"cancel_reason"`
	PaymentTxnNo string          `gorm:"type:varchar(64)" json:"payment_txn_no"` // 扣款流水号，空串表示未扣款
	RefundTxnNo  string          `gorm:"type:varchar(64)" json:"refund_txn_no"`  // 退款流水号，空串表示未退款
	AutoCancelAt *time.Time      `gorm:"index" json:"auto_cancel_at"`
	PaidAt       *time.Time      `json:"paid_at"`
	CancelledAt  *time.Time      `json:"cancelled_at"`
	Version      int             `gorm:"not null;default:0" json:"version"` // 乐观锁版本号
	CreatedAt    time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Order) TableName() string {
	return "service_order"
}

// IsTerminal 终态订单不允许任何变更
func (o *Order) IsTerminal() bool {
	return o.Status == OrderStatusCompleted || o.Status == OrderStatusCancelled
}

// Cancellable 当前状态是否允许取消
func (o *Order) Cancellable() bool {
	for _, s := range CancellableStatuses {
		if o.Status == s {
			return true
		}
	}
	return false
}
