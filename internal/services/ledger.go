package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"SubscriptionPay/internal/db"
	"SubscriptionPay/internal/models"
)

// PaymentRecord recordPayment 的输入
type PaymentRecord struct {
	TransactionID string
	Payer         string
	Amount        decimal.Decimal
	PaidAt        time.Time
	DurationDays  *int // 客户端声明的时长，仅用于核对
}

type RecordResult struct {
	Plan            Plan
	Payment         *models.Payment
	Subscription    *models.Subscription // upsert 失败时为 nil
	SubscriptionErr error

	planErr error // 金额对应不到套餐：支付已入账，订阅未动
}

// SubscriptionLedger 支付记录（按交易 ID 幂等）与订阅到期时间
type SubscriptionLedger struct {
	db    *gorm.DB
	rules PlanRules
	log   *log.Entry
}

func NewSubscriptionLedger(conn *gorm.DB, rules PlanRules, logger *log.Logger) *SubscriptionLedger {
	return &SubscriptionLedger{db: conn, rules: rules, log: logger.WithField("component", "ledger")}
}

func (l *SubscriptionLedger) Rules() PlanRules { return l.rules }

// CreatePending 交易发出后立即落一行 pending；已存在时返回 false
func (l *SubscriptionLedger) CreatePending(ctx context.Context, signature, wallet string, amount decimal.Decimal, submittedAt time.Time) (bool, error) {
	p := &models.Payment{
		TransactionHash: signature,
		WalletAddress:   wallet,
		AmountUSDC:      amount,
		PaymentDate:     submittedAt.UTC(),
		Status:          models.StatusPending,
	}
	if plan, err := l.rules.Resolve(amount); err == nil {
		p.SubscriptionDurationDays = plan.DurationDays
	}
	return db.InsertPayment(l.db.WithContext(ctx), p)
}

// MarkFailed pending -> failed，避免遗留 pending 行
func (l *SubscriptionLedger) MarkFailed(ctx context.Context, signature string) error {
	changed, err := db.MarkPaymentFailed(l.db.WithContext(ctx), signature)
	if err != nil {
		return err
	}
	if changed {
		l.log.WithField("signature", signature).Info("payment marked failed")
	}
	return nil
}

// RecordPayment 记录一笔已确认的支付并更新订阅到期时间，两者在同一事务内提交。
// 同一交易再次调用返回 ErrDuplicatePayment。订阅 upsert 失败回滚到保存点，只记日志，支付行照常提交。
func (l *SubscriptionLedger) RecordPayment(ctx context.Context, rec PaymentRecord) (*RecordResult, error) {
	entry := l.log.WithFields(log.Fields{"signature": rec.TransactionID, "wallet": rec.Payer, "amount": rec.Amount.String()})

	var result *RecordResult
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		result, err = l.record(tx, rec, entry)
		return err
	})
	if err != nil {
		return nil, err
	}

	// 金额不足以对应任何套餐：链上事实照常入账，但不改动订阅
	if result.planErr != nil {
		entry.WithError(result.planErr).Warn("payment recorded without subscription change")
		return result, result.planErr
	}
	if result.SubscriptionErr != nil {
		entry.WithError(result.SubscriptionErr).Error("subscription upsert failed after payment was recorded")
		return result, nil
	}
	entry.WithFields(log.Fields{"plan": result.Plan.Name, "end_date": result.Subscription.SubscriptionEndDate}).Info("payment recorded")
	return result, nil
}

// record 在事务 tx 内写支付行与订阅；返回错误时整个事务回滚
func (l *SubscriptionLedger) record(tx *gorm.DB, rec PaymentRecord, entry *log.Entry) (*RecordResult, error) {
	existing, err := db.GetPaymentBySignature(tx, rec.TransactionID)
	switch {
	case err == nil:
		if err := statusError(existing); err != nil {
			return nil, err
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		existing = nil
	default:
		return nil, fmt.Errorf("lookup payment %s: %w", rec.TransactionID, err)
	}

	plan, planErr := l.rules.Resolve(rec.Amount)
	if planErr != nil && existing == nil {
		return nil, planErr
	}
	if planErr == nil && rec.DurationDays != nil && *rec.DurationDays != plan.DurationDays {
		entry.WithFields(log.Fields{"declared_days": *rec.DurationDays, "derived_days": plan.DurationDays}).
			Warn("declared subscription duration ignored")
	}

	paidAt := rec.PaidAt.UTC()
	payment := &models.Payment{
		TransactionHash:          rec.TransactionID,
		WalletAddress:            rec.Payer,
		AmountUSDC:               rec.Amount,
		PaymentDate:              paidAt,
		SubscriptionDurationDays: plan.DurationDays,
		Status:                   models.StatusConfirmed,
	}
	if planErr == nil {
		end := paidAt.AddDate(0, 0, plan.DurationDays)
		payment.SubscriptionEndDate = &end
	}

	if existing != nil {
		ok, err := db.ConfirmPendingPayment(tx, payment)
		if err != nil {
			return nil, fmt.Errorf("confirm payment %s: %w", rec.TransactionID, err)
		}
		if !ok {
			// 并发确认：重新读取以给出准确结果
			if cur, err := db.GetPaymentBySignature(tx, rec.TransactionID); err == nil {
				if err := statusError(cur); err != nil {
					return nil, err
				}
			}
			return nil, fmt.Errorf("%w: %s", ErrDuplicatePayment, rec.TransactionID)
		}
		if cur, err := db.GetPaymentBySignature(tx, rec.TransactionID); err == nil {
			payment = cur
		}
	} else {
		created, err := db.InsertPayment(tx, payment)
		if err != nil {
			return nil, fmt.Errorf("insert payment %s: %w", rec.TransactionID, err)
		}
		if !created {
			return nil, fmt.Errorf("%w: %s", ErrDuplicatePayment, rec.TransactionID)
		}
	}

	if planErr != nil {
		return &RecordResult{Payment: payment, planErr: planErr}, nil
	}

	result := &RecordResult{Plan: plan, Payment: payment}
	sub := &models.Subscription{
		WalletAddress:       rec.Payer,
		SubscriptionEndDate: *payment.SubscriptionEndDate,
		LastUpdated:         time.Now().UTC(),
	}
	if err := tx.SavePoint("subscription").Error; err != nil {
		return nil, fmt.Errorf("savepoint: %w", err)
	}
	if err := db.UpsertSubscription(tx, sub); err != nil {
		if rbErr := tx.RollbackTo("subscription").Error; rbErr != nil {
			return nil, fmt.Errorf("rollback subscription upsert: %w", rbErr)
		}
		result.SubscriptionErr = err
		return result, nil
	}
	result.Subscription = sub
	return result, nil
}

// ConfirmWithoutPayment 交易执行成功但没有付款给收款方：行置为 confirmed，金额与时长为 0，订阅不变。
// 用以区分链上执行失败（failed）。
func (l *SubscriptionLedger) ConfirmWithoutPayment(ctx context.Context, signature, wallet string, at time.Time) error {
	conn := l.db.WithContext(ctx)
	payment := &models.Payment{
		TransactionHash: signature,
		WalletAddress:   wallet,
		AmountUSDC:      decimal.Zero,
		PaymentDate:     at.UTC(),
		Status:          models.StatusConfirmed,
	}
	cur, err := db.GetPaymentBySignature(conn, signature)
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		_, err = db.InsertPayment(conn, payment)
		return err
	case err != nil:
		return err
	case cur.Status != models.StatusPending:
		return nil
	}
	if cur.WalletAddress != "" {
		payment.WalletAddress = cur.WalletAddress
	}
	if _, err := db.ConfirmPendingPayment(conn, payment); err != nil {
		return err
	}
	l.log.WithField("signature", signature).Warn("transaction confirmed without a payment")
	return nil
}

func statusError(p *models.Payment) error {
	switch p.Status {
	case models.StatusConfirmed:
		return fmt.Errorf("%w: %s", ErrDuplicatePayment, p.TransactionHash)
	case models.StatusFailed:
		return fmt.Errorf("%w: %s", ErrPaymentFailed, p.TransactionHash)
	}
	return nil
}

func (l *SubscriptionLedger) Payment(ctx context.Context, signature string) (*models.Payment, error) {
	return db.GetPaymentBySignature(l.db.WithContext(ctx), signature)
}

func (l *SubscriptionLedger) Subscription(ctx context.Context, wallet string) (*models.Subscription, error) {
	return db.GetSubscriptionByWallet(l.db.WithContext(ctx), wallet)
}

func (l *SubscriptionLedger) StalePending(ctx context.Context, createdBefore time.Time, limit int) ([]models.Payment, error) {
	return db.ListStalePending(l.db.WithContext(ctx), createdBefore, limit)
}
