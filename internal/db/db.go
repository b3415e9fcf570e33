package db

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"SubscriptionPay/internal/models"
)

// Open 按 driver 建立连接，mysql 为默认
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "mysql", "":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	conn, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := conn.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	return conn, nil
}

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&models.Payment{}, &models.Subscription{})
}

func Ping(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// InsertPayment 依赖 transaction_hash 唯一索引去重；已存在时返回 false
func InsertPayment(db *gorm.DB, p *models.Payment) (bool, error) {
	res := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "transaction_hash"}},
		DoNothing: true,
	}).Create(p)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func GetPaymentBySignature(db *gorm.DB, signature string) (*models.Payment, error) {
	var p models.Payment
	err := db.Where("transaction_hash = ?", signature).First(&p).Error
	return &p, err
}

// ConfirmPendingPayment pending -> confirmed 的条件更新，行不处于 pending 时返回 false
func ConfirmPendingPayment(db *gorm.DB, p *models.Payment) (bool, error) {
	res := db.Model(&models.Payment{}).
		Where("transaction_hash = ? AND status = ?", p.TransactionHash, models.StatusPending).
		Updates(map[string]interface{}{
			"wallet_address":             p.WalletAddress,
			"amount_usdc":                p.AmountUSDC,
			"payment_date":               p.PaymentDate,
			"subscription_duration_days": p.SubscriptionDurationDays,
			"subscription_end_date":      p.SubscriptionEndDate,
			"status":                     models.StatusConfirmed,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// MarkPaymentFailed pending -> failed；已终态的行不受影响
func MarkPaymentFailed(db *gorm.DB, signature string) (bool, error) {
	res := db.Model(&models.Payment{}).
		Where("transaction_hash = ? AND status = ?", signature, models.StatusPending).
		Update("status", models.StatusFailed)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ListStalePending 返回 createdBefore 之前创建、仍为 pending 的支付，最旧优先
func ListStalePending(db *gorm.DB, createdBefore time.Time, limit int) ([]models.Payment, error) {
	var payments []models.Payment
	err := db.Where("status = ? AND created_at < ?", models.StatusPending, createdBefore).
		Order("created_at ASC").
		Limit(limit).
		Find(&payments).Error
	return payments, err
}

// UpsertSubscription 以 wallet_address 为键，冲突时只更新到期时间
func UpsertSubscription(db *gorm.DB, sub *models.Subscription) error {
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "wallet_address"}},
		DoUpdates: clause.AssignmentColumns([]string{"subscription_end_date", "last_updated"}),
	}).Create(sub).Error
}

func GetSubscriptionByWallet(db *gorm.DB, wallet string) (*models.Subscription, error) {
	var sub models.Subscription
	err := db.Where("wallet_address = ?", wallet).First(&sub).Error
	return &sub, err
}
