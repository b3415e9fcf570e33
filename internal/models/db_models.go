package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
	StatusFailed    = "failed"
)

// Payment 每笔已提交到链上的交易一行，transaction_hash 唯一索引是防重放的唯一依据
type Payment struct {
	ID                       uint            `gorm:"primaryKey" json:"-"`
	TransactionHash          string          `gorm:"uniqueIndex;size:88;not null" json:"transaction_hash"`
	WalletAddress            string          `gorm:"index;size:44" json:"wallet_address"`
	AmountUSDC               decimal.Decimal `gorm:"column:amount_usdc;type:decimal(20,6)" json:"amount_usdc"`
	PaymentDate              time.Time       `json:"payment_date"`
	SubscriptionDurationDays int             `json:"subscription_duration_days"`
	SubscriptionEndDate      *time.Time      `json:"subscription_end_date,omitempty"`
	Status                   string          `gorm:"size:20;default:'pending';index" json:"status"`
	CreatedAt                time.Time       `json:"created_at"`
	UpdatedAt                time.Time       `json:"updated_at"`
}

// Subscription 每个钱包一行，到期时间由最近一次处理的支付决定
type Subscription struct {
	ID                  uint      `gorm:"primaryKey" json:"-"`
	WalletAddress       string    `gorm:"uniqueIndex;size:44;not null" json:"wallet_address"`
	SubscriptionEndDate time.Time `json:"subscription_end_date"`
	LastUpdated         time.Time `json:"last_updated"`
	CreatedAt           time.Time `json:"created_at"`
}

func (s *Subscription) Active(now time.Time) bool {
	return now.Before(s.SubscriptionEndDate)
}
