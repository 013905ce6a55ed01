package storage

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInsufficientBalance is returned by CheckAndDeduct when the user cannot pay.
var ErrInsufficientBalance = errors.New("insufficient balance")

// GormBalanceManager 使用 GORM 管理用户余额
type GormBalanceManager struct {
	db      *gorm.DB
	initial float64    // 初始余额，从配置读取
	cost    float64    // 每次生成成本，从配置读取
	mu      sync.Mutex // serialises read-modify-write transactions
	logger  *zap.Logger
}

// NewGormBalanceManager 创建一个新的 GormBalanceManager
func NewGormBalanceManager(db *gorm.DB, initialBalance, costPerGeneration float64, logger *zap.Logger) *GormBalanceManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormBalanceManager{
		db:      db,
		initial: initialBalance,
		cost:    costPerGeneration,
		logger:  logger.Named("balance"),
	}
}

// Enabled is false when generations are free.
func (bm *GormBalanceManager) Enabled() bool { return bm != nil && bm.cost > 0 }

func (bm *GormBalanceManager) Cost() float64 { return bm.cost }

// GetBalance 获取指定用户的余额，如果用户不存在则返回初始余额
func (bm *GormBalanceManager) GetBalance(userID int64) float64 {
	var userBalance UserBalance
	result := bm.db.Where("user_id = ?", userID).First(&userBalance)

	if result.Error == nil {
		return userBalance.Balance
	} else if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		// 用户未找到，视为拥有初始余额
		return bm.initial
	}
	bm.logger.Error("Failed to query balance", zap.Int64("user_id", userID), zap.Error(result.Error))
	// 在数据库错误时也返回初始余额，避免用户无法使用
	return bm.initial
}

// CheckAndDeduct 检查用户余额是否足够并扣除成本，返回扣除后的余额。
// 如果用户首次使用，会自动创建记录并扣除。
func (bm *GormBalanceManager) CheckAndDeduct(userID int64) (float64, error) {
	var newBalance float64
	err := bm.adjust(userID, func(current float64) (float64, error) {
		if current < bm.cost {
			return 0, fmt.Errorf("%w (%.2f), need %.2f", ErrInsufficientBalance, current, bm.cost)
		}
		newBalance = current - bm.cost
		return newBalance, nil
	})
	if err != nil {
		if !errors.Is(err, ErrInsufficientBalance) { // 余额不足是正常流程
			bm.logger.Error("Balance deduction transaction failed", zap.Int64("user_id", userID), zap.Error(err))
		}
		return 0, err
	}
	return newBalance, nil
}

// Refund returns the cost of one generation, used when the job never reached
// the remote service.
func (bm *GormBalanceManager) Refund(userID int64) error {
	if !bm.Enabled() {
		return nil
	}
	err := bm.adjust(userID, func(current float64) (float64, error) {
		return current + bm.cost, nil
	})
	if err != nil {
		bm.logger.Error("Refund failed", zap.Int64("user_id", userID), zap.Error(err))
		return err
	}
	bm.logger.Info("Refunded generation cost", zap.Int64("user_id", userID), zap.Float64("amount", bm.cost))
	return nil
}

// AddBalance 为用户增加余额 (管理员充值)
func (bm *GormBalanceManager) AddBalance(userID int64, amount float64) (float64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("amount must be positive")
	}
	var newBalance float64
	err := bm.adjust(userID, func(current float64) (float64, error) {
		newBalance = current + amount
		return newBalance, nil
	})
	if err != nil {
		return 0, err
	}
	bm.logger.Info("Added balance for user", zap.Int64("user_id", userID), zap.Float64("amount", amount), zap.Float64("new_balance", newBalance))
	return newBalance, nil
}

// adjust runs fn on the current balance (initial balance for unknown users)
// inside a transaction and stores the result.
func (bm *GormBalanceManager) adjust(userID int64, fn func(current float64) (float64, error)) error {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	return bm.db.Transaction(func(tx *gorm.DB) error {
		var userBalance UserBalance
		result := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("user_id = ?", userID).First(&userBalance)

		current := bm.initial
		exists := false
		if result.Error == nil {
			current = userBalance.Balance
			exists = true
		} else if !errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return fmt.Errorf("database error checking balance: %w", result.Error)
		}

		next, err := fn(current)
		if err != nil {
			return err
		}

		if !exists {
			if err := tx.Create(&UserBalance{UserID: userID, Balance: next}).Error; err != nil {
				return fmt.Errorf("failed to create user balance record: %w", err)
			}
			return nil
		}
		if err := tx.Model(&UserBalance{}).Where("user_id = ?", userID).Update("balance", next).Error; err != nil {
			return fmt.Errorf("failed to update user balance: %w", err)
		}
		return nil
	})
}
