package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gagliardetto/solana-go"
	log "github.com/sirupsen/logrus"

	"SubscriptionPay/utils"
)

type OutcomeStatus string

const (
	OutcomeConfirmed OutcomeStatus = "confirmed"
	OutcomeFailed    OutcomeStatus = "failed"
	OutcomeTimedOut  OutcomeStatus = "timed_out"
)

// ConfirmationOutcome 一次提交的唯一终态
type ConfirmationOutcome struct {
	Signature solana.Signature
	Status    OutcomeStatus
	Err       error              // failed / timed_out 时的原因
	Landed    *LandedTransaction // confirmed 或链上失败时的交易
}

type SubmitConfig struct {
	PollInterval      time.Duration
	MaxAttempts       int
	Timeout           time.Duration
	SendRetries       int
	SendRetryInterval time.Duration
}

func DefaultSubmitConfig() SubmitConfig {
	return SubmitConfig{
		PollInterval:      750 * time.Millisecond,
		MaxAttempts:       5,
		Timeout:           7 * time.Second,
		SendRetries:       3,
		SendRetryInterval: 200 * time.Millisecond,
	}
}

// TransactionSubmitter 发送已签名交易并在有限的轮询预算内确认
type TransactionSubmitter struct {
	net Network
	cfg SubmitConfig
	log *log.Entry
}

func NewTransactionSubmitter(net Network, cfg SubmitConfig, logger *log.Logger) *TransactionSubmitter {
	def := DefaultSubmitConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.SendRetryInterval <= 0 {
		cfg.SendRetryInterval = def.SendRetryInterval
	}
	return &TransactionSubmitter{net: net, cfg: cfg, log: logger.WithField("component", "submitter")}
}

// Send 广播交易。传输层错误按指数退避重试，blockhash 过期等确定性错误立即返回。
func (s *TransactionSubmitter) Send(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	expected, signed := utils.FirstSignature(tx)
	if !signed {
		return solana.Signature{}, fmt.Errorf("%w: transaction is not signed", ErrSubmissionFailed)
	}
	wire, err := utils.EncodeBase64Tx(tx)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("%w: encode: %v", ErrSubmissionFailed, err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.cfg.SendRetryInterval
	policy.MaxElapsedTime = s.cfg.Timeout
	attempt := 0
	sig, err := backoff.RetryWithData(func() (solana.Signature, error) {
		attempt++
		sig, err := s.net.SendTransaction(ctx, wire)
		if err == nil {
			return sig, nil
		}
		s.log.WithFields(log.Fields{"signature": expected.String(), "attempt": attempt}).WithError(err).Warn("send failed")
		if isPermanentSendError(err) {
			return solana.Signature{}, backoff.Permanent(err)
		}
		return solana.Signature{}, err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(s.cfg.SendRetries)), ctx))
	if err != nil {
		return solana.Signature{}, fmt.Errorf("%w: %v", ErrSubmissionFailed, err)
	}
	if !sig.Equals(expected) {
		s.log.WithFields(log.Fields{"expected": expected.String(), "returned": sig.String()}).Warn("node returned a different signature")
	}
	return expected, nil
}

func isPermanentSendError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "Blockhash not found") ||
		strings.Contains(msg, "BlockhashNotFound") ||
		strings.Contains(msg, "signature verification failure") ||
		strings.Contains(msg, "failed to deserialize") ||
		strings.Contains(msg, "AlreadyProcessed")
}

// confirmation 状态机 sent -> {confirmed, failed, timed_out}，只允许一次终态
type confirmation struct {
	once    sync.Once
	done    chan struct{}
	outcome ConfirmationOutcome
}

func newConfirmation() *confirmation {
	return &confirmation{done: make(chan struct{})}
}

// resolve 首次调用生效，返回是否由本次调用确定终态
func (c *confirmation) resolve(o ConfirmationOutcome) bool {
	won := false
	c.once.Do(func() {
		c.outcome = o
		won = true
		close(c.done)
	})
	return won
}

// Await 按固定间隔轮询交易状态，直到确认、链上失败、次数用尽或超时。
// 每次轮询在独立 goroutine 中进行，迟到的响应由 confirmation 丢弃。
func (s *TransactionSubmitter) Await(ctx context.Context, sig solana.Signature) ConfirmationOutcome {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	c := newConfirmation()
	misses := make(chan struct{}, s.cfg.MaxAttempts)
	attempts, missed := 0, 0

	poll := func() {
		attempts++
		go func(n int) {
			landed, err := s.net.Transaction(ctx, sig)
			switch {
			case err == nil && landed.Err == "":
				c.resolve(ConfirmationOutcome{Signature: sig, Status: OutcomeConfirmed, Landed: landed})
			case err == nil:
				c.resolve(ConfirmationOutcome{
					Signature: sig,
					Status:    OutcomeFailed,
					Err:       &OnChainError{Signature: sig.String(), Detail: landed.Err},
					Landed:    landed,
				})
			default:
				if !errors.Is(err, ErrTransactionNotFound) && ctx.Err() == nil {
					s.log.WithFields(log.Fields{"signature": sig.String(), "attempt": n}).WithError(err).Debug("poll failed")
				}
				misses <- struct{}{}
			}
		}(attempts)
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	poll()
	for {
		select {
		case <-c.done:
			return c.outcome
		case <-misses:
			missed++
			if missed >= s.cfg.MaxAttempts {
				c.resolve(s.timedOut(sig, attempts))
				return c.outcome
			}
		case <-ticker.C:
			if attempts < s.cfg.MaxAttempts {
				poll()
			}
		case <-ctx.Done():
			c.resolve(s.timedOut(sig, attempts))
			return c.outcome
		}
	}
}

func (s *TransactionSubmitter) timedOut(sig solana.Signature, attempts int) ConfirmationOutcome {
	return ConfirmationOutcome{
		Signature: sig,
		Status:    OutcomeTimedOut,
		Err:       fmt.Errorf("%w: %s not seen after %d polls", ErrConfirmationTimeout, sig, attempts),
	}
}

// Submit 发送并等待终态；发送失败时返回错误且不产生签名
func (s *TransactionSubmitter) Submit(ctx context.Context, tx *solana.Transaction) (ConfirmationOutcome, error) {
	sig, err := s.Send(ctx, tx)
	if err != nil {
		return ConfirmationOutcome{}, err
	}
	outcome := s.Await(ctx, sig)
	s.log.WithFields(log.Fields{"signature": sig.String(), "status": outcome.Status}).Info("transaction resolved")
	return outcome, nil
}
