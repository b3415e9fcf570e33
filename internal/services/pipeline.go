package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"SubscriptionPay/internal/models"
	"SubscriptionPay/utils"
)

const (
	StatusConfirmed                    = "confirmed"
	StatusFailed                       = "failed"
	StatusTimedOut                     = "timed_out"
	StatusConfirmedButValidationFailed = "confirmed_but_validation_failed"
)

type PaymentServiceOptions struct {
	Network         Network
	Cache           Cache
	CacheTTL        time.Duration
	Ledger          *SubscriptionLedger
	Asset           solana.PublicKey
	Receiver        solana.PublicKey
	CreateReceiver  bool
	Budget          BudgetConfig
	Submit          SubmitConfig
	Extraction      string
	PendingExpiry   time.Duration
	ExplorerCluster string
	ConfirmParallel int
	Logger          *log.Logger
}

// PaymentService 串起构造、估算、提交确认、解析入账四个阶段
type PaymentService struct {
	net       Network
	mints     *MintMetadata
	validator *AmountValidator
	receivers *ReceiverAccounts
	estimator *ComputeBudgetEstimator
	submitter *TransactionSubmitter
	extractor PaymentExtractor
	decoder   *InstructionExtractor
	ledger    *SubscriptionLedger

	asset           solana.PublicKey
	receiver        solana.PublicKey
	pendingExpiry   time.Duration
	explorerCluster string
	parallel        int
	log             *log.Entry
	now             func() time.Time
}

func NewPaymentService(opts PaymentServiceOptions) (*PaymentService, error) {
	if opts.Network == nil || opts.Ledger == nil || opts.Logger == nil {
		return nil, errors.New("payment service requires network, ledger and logger")
	}
	extractor, err := NewPaymentExtractor(opts.Extraction, opts.Asset, opts.Receiver)
	if err != nil {
		return nil, err
	}
	cache := opts.Cache
	if cache == nil {
		cache = NewMemoryCache()
	}
	if opts.PendingExpiry <= 0 {
		opts.PendingExpiry = 3 * time.Minute
	}
	if opts.ConfirmParallel <= 0 {
		opts.ConfirmParallel = 8
	}
	if opts.ExplorerCluster == "" {
		opts.ExplorerCluster = "mainnet"
	}
	return &PaymentService{
		net:             opts.Network,
		mints:           NewMintMetadata(opts.Network, cache, opts.CacheTTL),
		validator:       NewAmountValidator(opts.Network),
		receivers:       NewReceiverAccounts(opts.Network, opts.CreateReceiver),
		estimator:       NewComputeBudgetEstimator(opts.Network, opts.Budget, opts.Logger),
		submitter:       NewTransactionSubmitter(opts.Network, opts.Submit, opts.Logger),
		extractor:       extractor,
		decoder:         &InstructionExtractor{Asset: opts.Asset, Receiver: opts.Receiver},
		ledger:          opts.Ledger,
		asset:           opts.Asset,
		receiver:        opts.Receiver,
		pendingExpiry:   opts.PendingExpiry,
		explorerCluster: opts.ExplorerCluster,
		parallel:        opts.ConfirmParallel,
		log:             opts.Logger.WithField("component", "payments"),
		now:             time.Now,
	}, nil
}

func (s *PaymentService) Receiver() solana.PublicKey { return s.receiver }
func (s *PaymentService) Asset() solana.PublicKey    { return s.asset }
func (s *PaymentService) Ledger() *SubscriptionLedger {
	return s.ledger
}

// PrepareSubscription 校验金额并返回待客户端签名的交易
func (s *PaymentService) PrepareSubscription(ctx context.Context, account, amount string) (*models.PrepareSubscriptionResponse, error) {
	payer, err := solana.PublicKeyFromBase58(account)
	if err != nil {
		return nil, fmt.Errorf("%w: account is not a valid address", ErrInvalidRequest)
	}
	decimals, err := s.mints.Decimals(ctx, s.asset)
	if err != nil {
		return nil, fmt.Errorf("resolve decimals of %s: %w", s.asset, err)
	}
	parsed, raw, err := s.validator.Validate(ctx, payer, s.asset, amount, decimals)
	if err != nil {
		return nil, err
	}
	plan, err := s.ledger.Rules().Resolve(parsed)
	if err != nil {
		return nil, err
	}

	transfer, err := BuildTransfer(payer, raw, s.asset, decimals, s.receiver)
	if err != nil {
		return nil, err
	}
	payment := []solana.Instruction{transfer}
	createIx, err := s.receivers.Prepare(ctx, payer, s.receiver, s.asset)
	if err != nil {
		return nil, err
	}
	if createIx != nil {
		payment = []solana.Instruction{createIx, transfer}
	}

	bh, err := s.net.LatestBlockhash(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch blockhash: %w", err)
	}
	budget, err := s.estimator.Estimate(ctx, payer, bh.Hash, payment)
	if err != nil {
		return nil, err
	}
	prepared, err := AssembleTransaction(payer, bh, budget.Instructions(), payment...)
	if err != nil {
		return nil, err
	}

	s.log.WithFields(log.Fields{
		"wallet":     payer.String(),
		"amount":     parsed.String(),
		"plan":       plan.Name,
		"unit_limit": budget.UnitLimit,
		"unit_price": budget.UnitPrice,
	}).Info("subscription transaction prepared")

	return &models.PrepareSubscriptionResponse{
		Transaction: prepared.Wire,
		Amount:      parsed.String(),
		Metadata: models.TransactionMetadata{
			FeePayer:             payer.String(),
			Receiver:             s.receiver.String(),
			Mint:                 s.asset.String(),
			Decimals:             decimals,
			RawAmount:            raw,
			Blockhash:            prepared.Blockhash.String(),
			LastValidBlockHeight: prepared.LastValidBlockHeight,
			ComputeUnitLimit:     budget.UnitLimit,
			ComputeUnitPrice:     budget.UnitPrice,
			CreatesReceiver:      createIx != nil,
			Plan:                 plan.Name,
			DurationDays:         plan.DurationDays,
		},
	}, nil
}

// ConfirmTransactions 并发提交并确认一批已签名交易，结果顺序与输入一致
func (s *PaymentService) ConfirmTransactions(ctx context.Context, wires []string, hints []models.PaymentHint) *models.ConfirmTransactionsResponse {
	byHash := make(map[string]*models.PaymentHint, len(hints))
	for i := range hints {
		byHash[hints[i].TransactionHash] = &hints[i]
	}

	results := make([]models.TransactionResult, len(wires))
	var g errgroup.Group
	g.SetLimit(s.parallel)
	for i, wire := range wires {
		i, wire := i, wire
		g.Go(func() error {
			// 交易一旦发出，确认与入账不随请求取消
			results[i] = s.confirmOne(context.WithoutCancel(ctx), wire, byHash)
			return nil
		})
	}
	_ = g.Wait()

	resp := &models.ConfirmTransactionsResponse{Signatures: []string{}, Transactions: results}
	for _, r := range results {
		if r.Signature != "" {
			resp.Signatures = append(resp.Signatures, r.Signature)
		}
	}
	return resp
}

func (s *PaymentService) confirmOne(ctx context.Context, wire string, hints map[string]*models.PaymentHint) models.TransactionResult {
	tx, err := utils.DecodeBase64Tx(wire)
	if err != nil {
		return models.TransactionResult{Status: StatusFailed, Error: fmt.Sprintf("%v: %v", ErrBadTx, err)}
	}
	sig, signed := utils.FirstSignature(tx)
	if !signed {
		return models.TransactionResult{Status: StatusFailed, Error: "transaction is not signed"}
	}
	result := models.TransactionResult{Signature: sig.String(), ExplorerURL: s.explorerURL(sig)}
	entry := s.log.WithField("signature", sig.String())

	if existing, err := s.ledger.Payment(ctx, sig.String()); err == nil && existing.Status == models.StatusConfirmed {
		entry.Info("transaction already recorded")
		result.Status = StatusConfirmed
		result.Payment = existing
		if existing.SubscriptionDurationDays == 0 {
			result.Status = StatusConfirmedButValidationFailed
			result.Error = "transaction was recorded without a subscription change"
		}
		return result
	}

	if _, err := s.submitter.Send(ctx, tx); err != nil {
		result.Status = StatusFailed
		result.Error = err.Error()
		return result
	}

	wallet := tx.Message.AccountKeys[0].String()
	estimate := decimal.Zero
	if p, err := s.decoder.FromTransaction(tx); err == nil {
		estimate = FromSmallestUnit(p.Amount, p.Decimals)
	}
	pendingErr := s.trackPending(ctx, sig.String(), wallet, estimate)
	if pendingErr != nil {
		entry.WithError(pendingErr).Error("create pending payment failed")
	}

	outcome := s.submitter.Await(ctx, sig)
	result = s.resolve(ctx, outcome, hints[sig.String()], result)
	if pendingErr != nil {
		if _, err := s.ledger.Payment(ctx, sig.String()); err != nil {
			entry.WithError(err).Error("submitted transaction has no payment row")
			result.Error = joinError(result.Error, "payment is not tracked for reconciliation: "+pendingErr.Error())
		}
	}
	return result
}

// trackPending 已发出的交易必须留下 pending 行供对账，写库失败时短暂重试
func (s *PaymentService) trackPending(ctx context.Context, sig, wallet string, estimate decimal.Decimal) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxElapsedTime = 2 * time.Second
	return backoff.Retry(func() error {
		_, err := s.ledger.CreatePending(ctx, sig, wallet, estimate, s.now())
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, 3), ctx))
}

func joinError(msg, extra string) string {
	if msg == "" {
		return extra
	}
	return msg + "; " + extra
}

func (s *PaymentService) resolve(ctx context.Context, outcome ConfirmationOutcome, hint *models.PaymentHint, result models.TransactionResult) models.TransactionResult {
	sig := outcome.Signature.String()
	switch outcome.Status {
	case OutcomeFailed:
		if err := s.ledger.MarkFailed(ctx, sig); err != nil {
			s.log.WithField("signature", sig).WithError(err).Error("mark payment failed")
		}
		result.Status = StatusFailed
		result.Error = outcome.Err.Error()
		return result
	case OutcomeTimedOut:
		result.Status = StatusTimedOut
		result.Error = outcome.Err.Error() + "; it may still land, check again later"
		return result
	}
	return s.Settle(ctx, outcome.Landed, hint, result)
}

// Settle 解析已确认交易并入账
func (s *PaymentService) Settle(ctx context.Context, landed *LandedTransaction, hint *models.PaymentHint, result models.TransactionResult) models.TransactionResult {
	sig := landed.Signature.String()
	entry := s.log.WithField("signature", sig)
	result.Signature = sig

	extracted, err := s.extractor.Extract(landed)
	if err != nil {
		entry.WithError(err).Warn("confirmed transaction carries no payment")
		at := s.now()
		if landed.BlockTime != nil {
			at = *landed.BlockTime
		}
		if err := s.ledger.ConfirmWithoutPayment(ctx, sig, landed.FeePayer().String(), at); err != nil {
			entry.WithError(err).Error("record transaction without payment failed")
		}
		result.Status = StatusConfirmedButValidationFailed
		result.Error = err.Error()
		return result
	}

	amount := FromSmallestUnit(extracted.Amount, extracted.Decimals)
	paidAt := s.now()
	if landed.BlockTime != nil {
		paidAt = *landed.BlockTime
	}
	rec := PaymentRecord{
		TransactionID: sig,
		Payer:         extracted.Payer.String(),
		Amount:        amount,
		PaidAt:        paidAt,
	}
	var mismatch error
	if hint != nil {
		rec.DurationDays = hint.SubscriptionDurationDays
		mismatch = checkHint(hint, rec)
	}

	recorded, err := s.ledger.RecordPayment(ctx, rec)
	switch {
	case errors.Is(err, ErrDuplicatePayment):
		entry.Info("payment already recorded")
		if p, lookupErr := s.ledger.Payment(ctx, sig); lookupErr == nil {
			result.Payment = p
		}
	case err != nil:
		result.Status = StatusConfirmedButValidationFailed
		result.Error = err.Error()
		if recorded != nil {
			result.Payment = recorded.Payment
		}
		return result
	default:
		result.Payment = recorded.Payment
		if recorded.Subscription != nil {
			result.SubscriptionDetails = &models.SubscriptionDetails{
				Plan:         recorded.Plan.Name,
				DurationDays: recorded.Plan.DurationDays,
				EndDate:      recorded.Subscription.SubscriptionEndDate.Format(time.RFC3339),
			}
		}
		if recorded.SubscriptionErr != nil {
			result.Status = StatusConfirmedButValidationFailed
			result.Error = "payment recorded but subscription update failed"
			return result
		}
	}

	if mismatch != nil {
		entry.WithError(mismatch).Warn("client payment details disagree with chain")
		result.Status = StatusConfirmedButValidationFailed
		result.Error = mismatch.Error()
		return result
	}
	result.Status = StatusConfirmed
	return result
}

func checkHint(hint *models.PaymentHint, rec PaymentRecord) error {
	if hint.WalletAddress != "" && hint.WalletAddress != rec.Payer {
		return fmt.Errorf("declared wallet %s does not match payer %s", hint.WalletAddress, rec.Payer)
	}
	if hint.AmountUSDC != "" {
		declared, err := decimal.NewFromString(hint.AmountUSDC)
		if err != nil {
			return fmt.Errorf("declared amount %q is not a number", hint.AmountUSDC)
		}
		if !declared.Equal(rec.Amount) {
			return fmt.Errorf("declared amount %s does not match transferred %s", declared, rec.Amount)
		}
	}
	return nil
}

// Reconcile 处理一条 pending 支付：已上链则入账，链上失败或超出有效期则标记失败
func (s *PaymentService) Reconcile(ctx context.Context, signature string) (models.TransactionResult, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return models.TransactionResult{}, fmt.Errorf("%w: invalid signature", ErrInvalidRequest)
	}
	payment, err := s.ledger.Payment(ctx, signature)
	if err != nil {
		return models.TransactionResult{}, err
	}
	result := models.TransactionResult{Signature: signature, ExplorerURL: s.explorerURL(sig), Payment: payment}
	if payment.Status != models.StatusPending {
		result.Status = payment.Status
		return result, nil
	}

	landed, err := s.net.Transaction(ctx, sig)
	switch {
	case errors.Is(err, ErrTransactionNotFound):
		if s.now().Sub(payment.CreatedAt) < s.pendingExpiry {
			result.Status = StatusTimedOut
			return result, nil
		}
		if err := s.ledger.MarkFailed(ctx, signature); err != nil {
			return result, err
		}
		result.Status = StatusFailed
		result.Error = "transaction never landed before its blockhash expired"
		return result, nil
	case err != nil:
		return result, err
	case landed.Err != "":
		if err := s.ledger.MarkFailed(ctx, signature); err != nil {
			return result, err
		}
		result.Status = StatusFailed
		result.Error = (&OnChainError{Signature: signature, Detail: landed.Err}).Error()
		return result, nil
	}
	return s.Settle(ctx, landed, nil, result), nil
}

// IsNotFound 查询结果不存在
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

func (s *PaymentService) explorerURL(sig solana.Signature) string {
	return "https://explorer.solana.com/tx/" + sig.String() + "?cluster=" + s.explorerCluster
}
