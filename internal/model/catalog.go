package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	ServiceStatusOnline  = "ONLINE"
	ServiceStatusOffline = "OFFLINE"
)

// ServiceItem 服务目录表
//
// 单价是下单时服务端重新计价的唯一依据，客户端传来的金额只做校验
type ServiceItem struct {
	ID              int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	ProviderID      int64           `gorm:"index;not null" json:"provider_id"`
	Title           string          `gorm:"type:varchar(128);not null" json:"title"`
	UnitPrice       decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"unit_price"`
	Unit            string          `gorm:"type:varchar(32);not null" json:"unit"` // 计价单位，如 "局"、"小时"
	MinQuantity     int             `gorm:"not null;default:1" json:"min_quantity"`
	MaxQuantity     int             `gorm:"not null;default:99" json:"max_quantity"`
	DefaultQuantity int             `gorm:"not null;default:1" json:"default_quantity"`
	Status          string          `gorm:"type:varchar(20);index;not null" json:"status"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (ServiceItem) TableName() string {
	return "service_item"
}

// Provider 服务方展示信息
type Provider struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Nickname  string    `gorm:"type:varchar(64);not null" json:"nickname"`
	Avatar    string    `gorm:"type:varchar(256)" json:"avatar"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Provider) TableName() string {
	return "provider"
}
