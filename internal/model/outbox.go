package model

import (
	"time"
)

const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
	OutboxStatusFailed  = "FAILED"
)

// 订单事件类型，下游（通知、推荐、结算）按 event 字段路由
const (
	OrderEventPaid      = "order.paid"
	OrderEventCancelled = "order.cancelled"
	OrderEventRefunded  = "order.refunded"
	OrderEventCompleted = "order.completed"
)

// OutboxMessage 事务发件箱
//
// 订单事件与订单变更写在同一个数据库事务里，由后台任务异步投递到 Kafka，
// 避免"订单已变更但消息丢失"
type OutboxMessage struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	MessageKey string    `gorm:"type:varchar(64);not null" json:"message_key"`
	Topic      string    `gorm:"type:varchar(64);not null" json:"topic"`
	Payload    string    `gorm:"type:text;not null" json:"payload"`
	Status     string    `gorm:"type:varchar(20);index;not null;default:PENDING" json:"status"`
	RetryCount int       `gorm:"not null;default:0" json:"retry_count"`
	CreatedAt  time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (OutboxMessage) TableName() string {
	return "outbox_message"
}
