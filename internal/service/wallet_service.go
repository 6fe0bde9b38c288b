package service

import (
	"context"
	"errors"
	"fmt"

	"gigorder/internal/model"
	"gigorder/internal/repository"
	"gigorder/pkg/idgen"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	ErrInvalidAmount          = errors.New("金额必须大于0")
	ErrConcurrentModification = errors.New("系统繁忙，请重试")
)

// 单笔资金操作的乐观锁重试上限，耗尽后返回 ErrConcurrentModification
const walletMaxRetries = 3

// WalletService 钱包账本
//
// 每个资金操作都是一个原子单元：读钱包及版本号 → 校验 → 按版本号 CAS 变更
// → 追加流水，全部在同一个数据库事务内完成。版本冲突时整体回滚重试。
//
// 幂等约定：Debit/Refund 以 orderID 作为幂等键，已存在成功流水时直接返回
// 原流水号，不再重复动账 —— 支付网关的重试安全性建立在这条约定上。
type WalletService struct {
	db         *gorm.DB
	walletRepo *repository.WalletRepository
	txnRepo    *repository.TransactionRepository
}

func NewWalletService(db *gorm.DB) *WalletService {
	return &WalletService{
		db:         db,
		walletRepo: repository.NewWalletRepository(db),
		txnRepo:    repository.NewTransactionRepository(db),
	}
}

// Debit 订单扣款
func (s *WalletService) Debit(ctx context.Context, userID int64, amount decimal.Decimal, orderID int64) (string, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return "", ErrInvalidAmount
	}

	return s.applyWithRetry(ctx, userID, orderID, model.TxnTypeDebit, func(wallet *model.Wallet) (*model.WalletTransaction, decimal.Decimal, decimal.Decimal, error) {
		if wallet.Balance.LessThan(amount) {
			return nil, decimal.Zero, decimal.Zero, repository.ErrInsufficientBalance
		}
		txn := &model.WalletTransaction{
			TransactionNo: idgen.GenerateTransactionNo(),
			Reference:     model.DebitReference(orderID),
			UserID:        userID,
			OrderID:       orderID,
			Amount:        amount.Neg(),
			Type:          model.TxnTypeDebit,
			Status:        model.TxnStatusSuccess,
			BalanceBefore: wallet.Balance,
			BalanceAfter:  wallet.Balance.Sub(amount),
			Remark:        fmt.Sprintf("订单扣款-%d", orderID),
		}
		return txn, amount, decimal.Zero, nil
	})
}

// Refund 订单退款（全额）
func (s *WalletService) Refund(ctx context.Context, userID int64, amount decimal.Decimal, orderID int64) (string, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return "", ErrInvalidAmount
	}

	return s.applyWithRetry(ctx, userID, orderID, model.TxnTypeRefund, func(wallet *model.Wallet) (*model.WalletTransaction, decimal.Decimal, decimal.Decimal, error) {
		txn := &model.WalletTransaction{
			TransactionNo: idgen.GenerateRefundNo(),
			Reference:     model.RefundReference(orderID),
			UserID:        userID,
			OrderID:       orderID,
			Amount:        amount,
			Type:          model.TxnTypeRefund,
			Status:        model.TxnStatusSuccess,
			BalanceBefore: wallet.Balance,
			BalanceAfter:  wallet.Balance.Add(amount),
			Remark:        fmt.Sprintf("订单退款-%d", orderID),
		}
		return txn, amount.Neg(), decimal.Zero, nil
	})
}

// Recharge 充值入账（简化版，实际应走支付渠道回调）
func (s *WalletService) Recharge(ctx context.Context, userID int64, amount decimal.Decimal) (string, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return "", ErrInvalidAmount
	}

	if _, err := s.walletRepo.GetOrCreate(ctx, userID); err != nil {
		return "", err
	}

	return s.applyWithRetry(ctx, userID, 0, model.TxnTypeRecharge, func(wallet *model.Wallet) (*model.WalletTransaction, decimal.Decimal, decimal.Decimal, error) {
		txnNo := idgen.GenerateTransactionNo()
		txn := &model.WalletTransaction{
			TransactionNo: txnNo,
			Reference:     txnNo,
			UserID:        userID,
			OrderID:       0,
			Amount:        amount,
			Type:          model.TxnTypeRecharge,
			Status:        model.TxnStatusSuccess,
			BalanceBefore: wallet.Balance,
			BalanceAfter:  wallet.Balance.Add(amount),
			Remark:        "钱包充值",
		}
		return txn, decimal.Zero, amount, nil
	})
}

// applyWithRetry 幂等查询-读-校验-CAS-追加流水 的重试循环
//
// orderID 非 0 时先在事务内查同订单同类型的成功流水，命中直接返回
// 原流水号。mutate 根据当前钱包快照给出流水和（支出增量, 收入增量），
// 余额增量取流水的签名金额。整个周期在一个数据库事务内，
// 版本冲突时整体回滚、重读钱包再试。
//
// 幂等查询放在事务内仍挡不住两个并发事务同时没查到的窗口，
// 最终由 Reference 唯一索引裁决：输掉插入的一方收到重复键错误，
// 回读赢家的流水号返回，不会出现第二笔动账。
func (s *WalletService) applyWithRetry(ctx context.Context, userID, orderID int64, txnType string, mutate func(*model.Wallet) (*model.WalletTransaction, decimal.Decimal, decimal.Decimal, error)) (string, error) {
	for i := 0; i < walletMaxRetries; i++ {
		var txnNo string
		err := s.db.Transaction(func(tx *gorm.DB) error {
			if orderID != 0 {
				existing, err := s.txnRepo.GetSuccessByOrderAndType(ctx, tx, userID, orderID, txnType)
				if err != nil {
					return err
				}
				if existing != nil {
					txnNo = existing.TransactionNo
					return nil
				}
			}

			wallet, err := s.walletRepo.GetByUserID(ctx, tx, userID)
			if err != nil {
				return err
			}

			txn, expense, income, err := mutate(wallet)
			if err != nil {
				return err
			}

			if err := s.walletRepo.ApplyBalanceDelta(ctx, tx, userID, txn.Amount, expense, income, wallet.Version); err != nil {
				return err
			}
			if err := s.txnRepo.Create(ctx, tx, txn); err != nil {
				return err
			}
			txnNo = txn.TransactionNo
			return nil
		})

		switch {
		case errors.Is(err, repository.ErrOptimisticLock):
			continue
		case errors.Is(err, gorm.ErrDuplicatedKey) && orderID != 0:
			existing, qerr := s.txnRepo.GetSuccessByOrderAndType(ctx, nil, userID, orderID, txnType)
			if qerr != nil {
				return "", qerr
			}
			if existing != nil {
				return existing.TransactionNo, nil
			}
			return "", err
		case err != nil:
			return "", err
		}
		return txnNo, nil
	}

	return "", ErrConcurrentModification
}

// Freeze 冻结余额（预授权占用，不动总资产）
func (s *WalletService) Freeze(ctx context.Context, userID int64, amount decimal.Decimal) error {
	return s.shiftFrozen(ctx, userID, amount)
}

// Unfreeze 解冻余额
func (s *WalletService) Unfreeze(ctx context.Context, userID int64, amount decimal.Decimal) error {
	return s.shiftFrozen(ctx, userID, amount.Neg())
}

func (s *WalletService) shiftFrozen(ctx context.Context, userID int64, delta decimal.Decimal) error {
	if delta.IsZero() {
		return nil
	}
	for i := 0; i < walletMaxRetries; i++ {
		err := s.db.Transaction(func(tx *gorm.DB) error {
			wallet, err := s.walletRepo.GetByUserID(ctx, tx, userID)
			if err != nil {
				return err
			}
			if delta.GreaterThan(decimal.Zero) && wallet.Balance.LessThan(delta) {
				return repository.ErrInsufficientBalance
			}
			if delta.LessThan(decimal.Zero) && wallet.Frozen.LessThan(delta.Neg()) {
				return repository.ErrInsufficientFrozen
			}
			return s.walletRepo.ApplyFreezeDelta(ctx, tx, userID, delta, wallet.Version)
		})
		if errors.Is(err, repository.ErrOptimisticLock) {
			continue
		}
		return err
	}
	return ErrConcurrentModification
}

// GetWallet 查询（必要时创建）钱包
func (s *WalletService) GetWallet(ctx context.Context, userID int64) (*model.Wallet, error) {
	return s.walletRepo.GetOrCreate(ctx, userID)
}

// GetBalance 查询可用余额，无钱包视作 0
func (s *WalletService) GetBalance(ctx context.Context, userID int64) (decimal.Decimal, error) {
	wallet, err := s.walletRepo.GetByUserID(ctx, nil, userID)
	if err != nil {
		if errors.Is(err, repository.ErrWalletNotFound) {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	return wallet.Balance, nil
}

// FindTransaction 按订单和类型查成功流水（对账任务用）
func (s *WalletService) FindTransaction(ctx context.Context, userID, orderID int64, txnType string) (*model.WalletTransaction, error) {
	return s.txnRepo.GetSuccessByOrderAndType(ctx, nil, userID, orderID, txnType)
}

// ListTransactions 分页查询用户流水
func (s *WalletService) ListTransactions(ctx context.Context, userID int64, page, pageSize int) ([]*model.WalletTransaction, int64, error) {
	return s.txnRepo.ListByUserID(ctx, userID, page, pageSize)
}
