package repository

import (
	"context"
	"errors"

	"gigorder/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrWalletNotFound      = errors.New("钱包不存在")
	ErrInsufficientBalance = errors.New("余额不足")
	ErrInsufficientFrozen  = errors.New("冻结金额不足")
	ErrOptimisticLock      = errors.New("乐观锁冲突")
)

type WalletRepository struct {
	db *gorm.DB
}

func NewWalletRepository(db *gorm.DB) *WalletRepository {
	return &WalletRepository{db: db}
}

func (r *WalletRepository) GetByUserID(ctx context.Context, tx *gorm.DB, userID int64) (*model.Wallet, error) {
	if tx == nil {
		tx = r.db
	}
	var wallet model.Wallet
	err := tx.WithContext(ctx).Where("user_id = ?", userID).First(&wallet).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	return &wallet, nil
}

// GetOrCreate 首次访问时惰性建户
func (r *WalletRepository) GetOrCreate(ctx context.Context, userID int64) (*model.Wallet, error) {
	wallet, err := r.GetByUserID(ctx, nil, userID)
	if err == nil {
		return wallet, nil
	}
	if !errors.Is(err, ErrWalletNotFound) {
		return nil, err
	}

	newWallet := &model.Wallet{UserID: userID}
	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(newWallet).Error
	if err != nil {
		return nil, err
	}

	return r.GetByUserID(ctx, nil, userID)
}

// ApplyBalanceDelta 在版本号校验下变更余额
//
// delta 为签名金额；expense/income 分别累加到支出/收入统计。
// WHERE 条件同时带 version 与非负余额校验，0 行受影响时由调用方
// 重新读取判断是余额不足还是版本冲突。
func (r *WalletRepository) ApplyBalanceDelta(ctx context.Context, tx *gorm.DB, userID int64, delta, expense, income decimal.Decimal, version int) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.Wallet{}).
		Where("user_id = ? AND version = ? AND balance + ? >= 0", userID, version, delta).
		Updates(map[string]interface{}{
			"balance":       gorm.Expr("balance + ?", delta),
			"total_expense": gorm.Expr("total_expense + ?", expense),
			"total_income":  gorm.Expr("total_income + ?", income),
			"version":       gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrOptimisticLock
	}
	return nil
}

// ApplyFreezeDelta 余额与冻结金额之间划转（delta>0 冻结，delta<0 解冻）
func (r *WalletRepository) ApplyFreezeDelta(ctx context.Context, tx *gorm.DB, userID int64, delta decimal.Decimal, version int) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.Wallet{}).
		Where("user_id = ? AND version = ? AND balance - ? >= 0 AND frozen + ? >= 0", userID, version, delta, delta).
		Updates(map[string]interface{}{
			"balance": gorm.Expr("balance - ?", delta),
			"frozen":  gorm.Expr("frozen + ?", delta),
			"version": gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrOptimisticLock
	}
	return nil
}
