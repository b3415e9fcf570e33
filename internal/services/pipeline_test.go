package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SubscriptionPay/internal/db/dbtest"
	"SubscriptionPay/internal/models"
	"SubscriptionPay/utils"
)

type pipelineFixture struct {
	net      *fakeNetwork
	svc      *PaymentService
	payer    solana.PrivateKey
	receiver solana.PublicKey
	mint     solana.PublicKey
}

func newPipeline(t *testing.T) *pipelineFixture {
	t.Helper()
	f := &pipelineFixture{
		net:      newFakeNetwork(),
		payer:    newKey(t),
		receiver: newKey(t).PublicKey(),
		mint:     newKey(t).PublicKey(),
	}
	f.net.tokens[f.payer.PublicKey()] = 50_000_000
	f.net.accounts[ata(t, f.receiver, f.mint)] = true
	f.net.fees = []uint64{1_000, 6_000, 9_000}
	f.svc = f.serviceOn(t, f.net)
	return f
}

// serviceOn 在给定网络与新的空账本上构造服务
func (f *pipelineFixture) serviceOn(t *testing.T, net Network) *PaymentService {
	t.Helper()
	logger := utils.DiscardLogger()
	svc, err := NewPaymentService(PaymentServiceOptions{
		Network:        net,
		Ledger:         NewSubscriptionLedger(dbtest.Open(t), DefaultPlanRules(), logger),
		Asset:          f.mint,
		Receiver:       f.receiver,
		CreateReceiver: true,
		Budget:         DefaultBudgetConfig(),
		Submit:         testSubmitConfig(),
		PendingExpiry:  time.Minute,
		Logger:         logger,
	})
	require.NoError(t, err)
	return svc
}

// signedPayment 构造、签名一笔订阅交易并返回线上格式
func (f *pipelineFixture) signedPayment(t *testing.T, amount string) (string, solana.Signature) {
	t.Helper()
	resp, err := f.svc.PrepareSubscription(context.Background(), f.payer.PublicKey().String(), amount)
	require.NoError(t, err)
	tx := signWith(t, resp.Transaction, f.payer)
	wire, err := utils.EncodeBase64Tx(tx)
	require.NoError(t, err)
	return wire, tx.Signatures[0]
}

func TestPrepareSubscription(t *testing.T) {
	f := newPipeline(t)

	resp, err := f.svc.PrepareSubscription(context.Background(), f.payer.PublicKey().String(), "20")
	require.NoError(t, err)
	assert.Equal(t, "20", resp.Amount)
	assert.Equal(t, "Yearly Pro I", resp.Metadata.Plan)
	assert.Equal(t, YearlyDays, resp.Metadata.DurationDays)
	assert.Equal(t, uint64(20_000_000), resp.Metadata.RawAmount)
	assert.Equal(t, uint32(11_500), resp.Metadata.ComputeUnitLimit)
	assert.Equal(t, uint64(6_000), resp.Metadata.ComputeUnitPrice)
	assert.False(t, resp.Metadata.CreatesReceiver)
	assert.Equal(t, f.payer.PublicKey().String(), resp.Metadata.FeePayer)

	tx, err := utils.DecodeBase64Tx(resp.Transaction)
	require.NoError(t, err)
	assert.True(t, tx.Message.AccountKeys[0].Equals(f.payer.PublicKey()))
	assert.Len(t, tx.Message.Instructions, 3)
}

func TestPrepareSubscriptionCreatesReceiverAccount(t *testing.T) {
	f := newPipeline(t)
	delete(f.net.accounts, ata(t, f.receiver, f.mint))

	resp, err := f.svc.PrepareSubscription(context.Background(), f.payer.PublicKey().String(), "2")
	require.NoError(t, err)
	assert.True(t, resp.Metadata.CreatesReceiver)

	tx, err := utils.DecodeBase64Tx(resp.Transaction)
	require.NoError(t, err)
	require.Len(t, tx.Message.Instructions, 4)
	assert.True(t, tx.Message.AccountKeys[tx.Message.Instructions[2].ProgramIDIndex].Equals(solana.SPLAssociatedTokenAccountProgramID))
}

func TestPrepareSubscriptionRejects(t *testing.T) {
	f := newPipeline(t)
	ctx := context.Background()
	account := f.payer.PublicKey().String()

	_, err := f.svc.PrepareSubscription(ctx, "not-an-address", "20")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.svc.PrepareSubscription(ctx, account, "60")
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	_, err = f.svc.PrepareSubscription(ctx, account, "1")
	assert.ErrorIs(t, err, ErrAmountTooLow)

	f.net.sim = &SimulationResult{Err: "InsufficientFundsForFee"}
	_, err = f.svc.PrepareSubscription(ctx, account, "20")
	assert.ErrorIs(t, err, ErrInsufficientFeeFunds)
	assert.True(t, IsClientError(err))
}

func TestConfirmTransactionsRecordsSubscription(t *testing.T) {
	f := newPipeline(t)
	ctx := context.Background()
	wire, sig := f.signedPayment(t, "20")
	landed := tokenLanded(t, sig, f.payer.PublicKey(), f.receiver, f.mint, 50_000_000, 20_000_000)
	f.net.land(landed)

	resp := f.svc.ConfirmTransactions(ctx, []string{wire}, nil)
	require.Len(t, resp.Transactions, 1)
	res := resp.Transactions[0]
	assert.Equal(t, StatusConfirmed, res.Status, res.Error)
	assert.Equal(t, []string{sig.String()}, resp.Signatures)
	require.NotNil(t, res.SubscriptionDetails)
	assert.Equal(t, "Yearly Pro I", res.SubscriptionDetails.Plan)
	assert.Equal(t, YearlyDays, res.SubscriptionDetails.DurationDays)
	assert.Equal(t, landed.BlockTime.AddDate(0, 0, 365).Format(time.RFC3339), res.SubscriptionDetails.EndDate)
	assert.Contains(t, res.ExplorerURL, sig.String())

	p, err := f.svc.Ledger().Payment(ctx, sig.String())
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, p.Status)
	assert.Equal(t, f.payer.PublicKey().String(), p.WalletAddress)

	// 同一交易再次确认不会重复发送或入账
	again := f.svc.ConfirmTransactions(ctx, []string{wire}, nil)
	assert.Equal(t, StatusConfirmed, again.Transactions[0].Status)
	assert.Equal(t, 1, f.net.sendCount())
}

func TestConfirmTransactionsHintMismatch(t *testing.T) {
	f := newPipeline(t)
	wire, sig := f.signedPayment(t, "20")
	f.net.land(tokenLanded(t, sig, f.payer.PublicKey(), f.receiver, f.mint, 50_000_000, 20_000_000))

	hints := []models.PaymentHint{{TransactionHash: sig.String(), AmountUSDC: "10"}}
	res := f.svc.ConfirmTransactions(context.Background(), []string{wire}, hints).Transactions[0]
	assert.Equal(t, StatusConfirmedButValidationFailed, res.Status)
	assert.Contains(t, res.Error, "declared amount")

	p, err := f.svc.Ledger().Payment(context.Background(), sig.String())
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, p.Status, "chain facts are still recorded")
}

func TestConfirmTransactionsNoPayment(t *testing.T) {
	f := newPipeline(t)
	ctx := context.Background()
	wire, sig := f.signedPayment(t, "20")
	f.net.land(tokenLanded(t, sig, f.payer.PublicKey(), newKey(t).PublicKey(), f.mint, 50_000_000, 20_000_000))

	res := f.svc.ConfirmTransactions(ctx, []string{wire}, nil).Transactions[0]
	assert.Equal(t, StatusConfirmedButValidationFailed, res.Status)

	// 执行成功但未付款：与链上失败区分开，记为 confirmed 且不带订阅
	p, err := f.svc.Ledger().Payment(ctx, sig.String())
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, p.Status)
	assert.True(t, p.AmountUSDC.IsZero())
	assert.Zero(t, p.SubscriptionDurationDays)
	_, err = f.svc.Ledger().Subscription(ctx, f.payer.PublicKey().String())
	assert.True(t, IsNotFound(err))

	again := f.svc.ConfirmTransactions(ctx, []string{wire}, nil).Transactions[0]
	assert.Equal(t, StatusConfirmedButValidationFailed, again.Status)
	assert.Equal(t, 1, f.net.sendCount())
}

// cancelAfterSend 模拟客户端在交易发出后断开
type cancelAfterSend struct {
	*fakeNetwork
	cancel context.CancelFunc
}

func (n *cancelAfterSend) SendTransaction(ctx context.Context, wire string) (solana.Signature, error) {
	sig, err := n.fakeNetwork.SendTransaction(ctx, wire)
	n.cancel()
	return sig, err
}

func TestConfirmTransactionsSurvivesCallerCancel(t *testing.T) {
	f := newPipeline(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.svc = f.serviceOn(t, &cancelAfterSend{fakeNetwork: f.net, cancel: cancel})
	wire, sig := f.signedPayment(t, "20")
	f.net.hiddenPolls = 1
	f.net.land(tokenLanded(t, sig, f.payer.PublicKey(), f.receiver, f.mint, 50_000_000, 20_000_000))

	res := f.svc.ConfirmTransactions(ctx, []string{wire}, nil).Transactions[0]
	require.Error(t, ctx.Err())
	assert.Equal(t, StatusConfirmed, res.Status, res.Error)

	p, err := f.svc.Ledger().Payment(context.Background(), sig.String())
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, p.Status)
	_, err = f.svc.Ledger().Subscription(context.Background(), f.payer.PublicKey().String())
	assert.NoError(t, err)
}

func TestConfirmTransactionsReportsUntrackedPayment(t *testing.T) {
	f := newPipeline(t)
	wire, sig := f.signedPayment(t, "20")
	require.NoError(t, f.svc.Ledger().db.Migrator().DropTable(&models.Payment{}))

	res := f.svc.ConfirmTransactions(context.Background(), []string{wire}, nil).Transactions[0]
	assert.Equal(t, StatusTimedOut, res.Status)
	assert.Equal(t, sig.String(), res.Signature)
	assert.Contains(t, res.Error, "not tracked for reconciliation")
}

func TestConfirmTransactionsOnChainFailure(t *testing.T) {
	f := newPipeline(t)
	wire, sig := f.signedPayment(t, "20")
	f.net.land(&LandedTransaction{Signature: sig, Err: `{"InstructionError":[2,{"Custom":1}]}`})

	res := f.svc.ConfirmTransactions(context.Background(), []string{wire}, nil).Transactions[0]
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Error, "failed on chain")

	p, err := f.svc.Ledger().Payment(context.Background(), sig.String())
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, p.Status)
}

func TestConfirmTransactionsTimeoutThenReconcile(t *testing.T) {
	f := newPipeline(t)
	ctx := context.Background()
	wire, sig := f.signedPayment(t, "20")

	res := f.svc.ConfirmTransactions(ctx, []string{wire}, nil).Transactions[0]
	assert.Equal(t, StatusTimedOut, res.Status)

	p, err := f.svc.Ledger().Payment(ctx, sig.String())
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, p.Status)
	assert.Equal(t, YearlyDays, p.SubscriptionDurationDays)

	still, err := f.svc.Reconcile(ctx, sig.String())
	require.NoError(t, err)
	assert.Equal(t, StatusTimedOut, still.Status)

	f.svc.now = func() time.Time { return time.Now().Add(time.Hour) }
	expired, err := f.svc.Reconcile(ctx, sig.String())
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, expired.Status)

	p, err = f.svc.Ledger().Payment(ctx, sig.String())
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, p.Status)
}

func TestReconcileSettlesLateLanding(t *testing.T) {
	f := newPipeline(t)
	ctx := context.Background()
	wire, sig := f.signedPayment(t, "10")

	res := f.svc.ConfirmTransactions(ctx, []string{wire}, nil).Transactions[0]
	require.Equal(t, StatusTimedOut, res.Status)

	landed := tokenLanded(t, sig, f.payer.PublicKey(), f.receiver, f.mint, 50_000_000, 10_000_000)
	f.net.land(landed)
	settled, err := f.svc.Reconcile(ctx, sig.String())
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, settled.Status)
	require.NotNil(t, settled.SubscriptionDetails)
	assert.Equal(t, MonthlyDays, settled.SubscriptionDetails.DurationDays)

	sub, err := f.svc.Ledger().Subscription(ctx, f.payer.PublicKey().String())
	require.NoError(t, err)
	assert.WithinDuration(t, landed.BlockTime.AddDate(0, 0, 30), sub.SubscriptionEndDate, time.Second)

	_, err = f.svc.Reconcile(ctx, "garbage")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestConfirmTransactionsSendFailureWritesNothing(t *testing.T) {
	f := newPipeline(t)
	wire, sig := f.signedPayment(t, "20")
	f.net.sendErrs = []error{errors.New("Blockhash not found")}

	res := f.svc.ConfirmTransactions(context.Background(), []string{wire}, nil).Transactions[0]
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Error, ErrSubmissionFailed.Error())

	_, err := f.svc.Ledger().Payment(context.Background(), sig.String())
	assert.True(t, IsNotFound(err))
}

func TestConfirmTransactionsKeepsInputOrder(t *testing.T) {
	f := newPipeline(t)
	wire, sig := f.signedPayment(t, "20")
	f.net.land(tokenLanded(t, sig, f.payer.PublicKey(), f.receiver, f.mint, 50_000_000, 20_000_000))
	unsigned, err := f.svc.PrepareSubscription(context.Background(), f.payer.PublicKey().String(), "2")
	require.NoError(t, err)

	resp := f.svc.ConfirmTransactions(context.Background(), []string{"%%%", wire, unsigned.Transaction}, nil)
	require.Len(t, resp.Transactions, 3)
	assert.Equal(t, StatusFailed, resp.Transactions[0].Status)
	assert.Contains(t, resp.Transactions[0].Error, ErrBadTx.Error())
	assert.Equal(t, StatusConfirmed, resp.Transactions[1].Status)
	assert.Equal(t, sig.String(), resp.Transactions[1].Signature)
	assert.Equal(t, StatusFailed, resp.Transactions[2].Status)
	assert.Equal(t, []string{sig.String()}, resp.Signatures)
}
