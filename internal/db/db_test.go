package db_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"SubscriptionPay/internal/db"
	"SubscriptionPay/internal/db/dbtest"
	"SubscriptionPay/internal/models"
)

func pending(sig string) *models.Payment {
	return &models.Payment{
		TransactionHash: sig,
		WalletAddress:   "wallet-a",
		AmountUSDC:      decimal.NewFromInt(10),
		PaymentDate:     time.Now().UTC(),
		Status:          models.StatusPending,
	}
}

func TestInsertPaymentIsIdempotent(t *testing.T) {
	conn := dbtest.Open(t)

	created, err := db.InsertPayment(conn, pending("sig-1"))
	require.NoError(t, err)
	assert.True(t, created)

	created, err = db.InsertPayment(conn, pending("sig-1"))
	require.NoError(t, err)
	assert.False(t, created)

	var count int64
	require.NoError(t, conn.Model(&models.Payment{}).Where("transaction_hash = ?", "sig-1").Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestConfirmAndFailTransitionsOnlyFromPending(t *testing.T) {
	conn := dbtest.Open(t)
	_, err := db.InsertPayment(conn, pending("sig-2"))
	require.NoError(t, err)

	end := time.Now().UTC().Add(30 * 24 * time.Hour)
	update := pending("sig-2")
	update.AmountUSDC = decimal.NewFromInt(20)
	update.SubscriptionDurationDays = 365
	update.SubscriptionEndDate = &end

	ok, err := db.ConfirmPendingPayment(conn, update)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = db.ConfirmPendingPayment(conn, update)
	require.NoError(t, err)
	assert.False(t, ok, "second confirmation must not match")

	ok, err = db.MarkPaymentFailed(conn, "sig-2")
	require.NoError(t, err)
	assert.False(t, ok, "confirmed rows never move to failed")

	got, err := db.GetPaymentBySignature(conn, "sig-2")
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, got.Status)
	assert.Equal(t, 365, got.SubscriptionDurationDays)
	assert.True(t, decimal.NewFromInt(20).Equal(got.AmountUSDC))
}

func TestListStalePending(t *testing.T) {
	conn := dbtest.Open(t)
	for _, sig := range []string{"old", "new", "done"} {
		_, err := db.InsertPayment(conn, pending(sig))
		require.NoError(t, err)
	}
	past := time.Now().Add(-time.Hour)
	require.NoError(t, conn.Model(&models.Payment{}).Where("transaction_hash IN ?", []string{"old", "done"}).
		UpdateColumn("created_at", past).Error)
	_, err := db.MarkPaymentFailed(conn, "done")
	require.NoError(t, err)

	stale, err := db.ListStalePending(conn, time.Now().Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "old", stale[0].TransactionHash)
}

func TestUpsertSubscriptionOverwritesEndDate(t *testing.T) {
	conn := dbtest.Open(t)
	first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	second := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, db.UpsertSubscription(conn, &models.Subscription{
		WalletAddress: "wallet-a", SubscriptionEndDate: first, LastUpdated: first,
	}))
	require.NoError(t, db.UpsertSubscription(conn, &models.Subscription{
		WalletAddress: "wallet-a", SubscriptionEndDate: second, LastUpdated: second,
	}))

	var count int64
	require.NoError(t, conn.Model(&models.Subscription{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	sub, err := db.GetSubscriptionByWallet(conn, "wallet-a")
	require.NoError(t, err)
	assert.True(t, second.Equal(sub.SubscriptionEndDate.UTC()))

	_, err = db.GetSubscriptionByWallet(conn, "missing")
	assert.True(t, errors.Is(err, gorm.ErrRecordNotFound))
}

func TestPing(t *testing.T) {
	assert.NoError(t, db.Ping(context.Background(), dbtest.Open(t)))
}
