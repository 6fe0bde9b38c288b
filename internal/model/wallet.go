package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Wallet 用户钱包表
//
// Balance 和 Frozen 任何时候都不允许为负；每次资金变动都递增 Version。
// 总资产 = Balance + Frozen。
type Wallet struct {
	ID           int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID       int64           `gorm:"uniqueIndex;not null" json:"user_id"`
	Balance      decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0" json:"balance"`       // 可用余额
	Frozen       decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0" json:"frozen"`        // 冻结金额
	CoinBalance  int64           `gorm:"not null;default:0" json:"coin_balance"`                     // 平台币余额
	TotalIncome  decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0" json:"total_income"`  // 累计收入
	TotalExpense decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0" json:"total_expense"` // 累计支出
	Version      int             `gorm:"not null;default:0" json:"version"`                          // 乐观锁版本号
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Wallet) TableName() string {
	return "wallet"
}

// TotalAssets 余额与冻结金额之和
func (w *Wallet) TotalAssets() decimal.Decimal {
	return w.Balance.Add(w.Frozen)
}
