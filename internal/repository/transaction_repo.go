package repository

import (
	"context"
	"errors"

	"gigorder/internal/model"

	"gorm.io/gorm"
)

type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func (r *TransactionRepository) Create(ctx context.Context, tx *gorm.DB, trans *model.WalletTransaction) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(trans).Error
}

// GetSuccessByOrderAndType 幂等查询：该订单是否已有成功的同类型流水
//
// 支付网关重试、对账任务重放都依赖这条查询来识别重复操作
func (r *TransactionRepository) GetSuccessByOrderAndType(ctx context.Context, tx *gorm.DB, userID, orderID int64, txnType string) (*model.WalletTransaction, error) {
	if tx == nil {
		tx = r.db
	}
	var trans model.WalletTransaction
	err := tx.WithContext(ctx).
		Where("user_id = ? AND order_id = ? AND type = ? AND status = ?",
			userID, orderID, txnType, model.TxnStatusSuccess).
		First(&trans).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &trans, nil
}

func (r *TransactionRepository) CountByOrderAndType(ctx context.Context, orderID int64, txnType string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.WalletTransaction{}).
		Where("order_id = ? AND type = ? AND status = ?", orderID, txnType, model.TxnStatusSuccess).
		Count(&count).Error
	return count, err
}

func (r *TransactionRepository) ListByUserID(ctx context.Context, userID int64, page, pageSize int) ([]*model.WalletTransaction, int64, error) {
	var transactions []*model.WalletTransaction
	var total int64

	query := r.db.WithContext(ctx).Model(&model.WalletTransaction{}).Where("user_id = ?", userID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&transactions).Error

	return transactions, total, err
}
