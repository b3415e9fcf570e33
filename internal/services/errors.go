package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrBadTx          = errors.New("bad tx")

	ErrInvalidAmount       = errors.New("invalid amount")
	ErrAssetNotHeld        = errors.New("payment asset not held")
	ErrInsufficientBalance = errors.New("insufficient balance")

	ErrSimulationFailed       = errors.New("transaction simulation failed")
	ErrInsufficientAssetFunds = errors.New("insufficient funds for payment asset")
	ErrInsufficientFeeFunds   = errors.New("insufficient native balance for fees")
	ErrProgramLimit           = errors.New("program limit exceeded")

	ErrReceiverAccountMissing = errors.New("receiver token account does not exist")

	ErrSubmissionFailed    = errors.New("submission failed")
	ErrOnChainFailure      = errors.New("transaction failed on chain")
	ErrConfirmationTimeout = errors.New("confirmation timed out")
	ErrTransactionNotFound = errors.New("transaction not found")

	ErrNoPaymentDetected = errors.New("no payment detected")
	ErrAmbiguousPayment  = errors.New("ambiguous payment")
	ErrDuplicatePayment  = errors.New("duplicate payment")
	ErrAmountTooLow      = errors.New("amount below minimum plan price")
	ErrPaymentFailed     = errors.New("payment already marked failed")

	ErrRPCDecode = errors.New("rpc response decode failed")
)

// SimulationError 模拟失败；Reason 为细分类型（未识别时为 ErrSimulationFailed 本身）
type SimulationError struct {
	Reason error
	Detail string
	Logs   []string // 末尾 N 行
}

func (e *SimulationError) Error() string {
	msg := e.Reason.Error()
	if e.Reason != ErrSimulationFailed {
		msg = ErrSimulationFailed.Error() + ": " + msg
	}
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	return msg
}

func (e *SimulationError) Unwrap() []error {
	if e.Reason == ErrSimulationFailed {
		return []error{ErrSimulationFailed}
	}
	return []error{ErrSimulationFailed, e.Reason}
}

// OnChainError 链上执行失败，Detail 为 meta.err 的原文
type OnChainError struct {
	Signature string
	Detail    string
}

func (e *OnChainError) Error() string {
	return fmt.Sprintf("transaction %s failed on chain: %s", e.Signature, e.Detail)
}

func (e *OnChainError) Unwrap() error { return ErrOnChainFailure }

// IsClientError 可以直接以 400 返回给用户的错误
func IsClientError(err error) bool {
	for _, target := range []error{
		ErrInvalidRequest, ErrBadTx, ErrInvalidAmount, ErrAssetNotHeld, ErrInsufficientBalance,
		ErrSimulationFailed, ErrReceiverAccountMissing, ErrAmountTooLow,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func tail(lines []string, n int) []string {
	if n <= 0 || len(lines) <= n {
		return append([]string(nil), lines...)
	}
	return append([]string(nil), lines[len(lines)-n:]...)
}

func containsAny(s string, needles ...string) bool {
	s = strings.ToLower(s)
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
