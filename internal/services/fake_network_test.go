package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"

	"SubscriptionPay/utils"
)

// fakeNetwork 内存中的链，测试按需填充
type fakeNetwork struct {
	mu sync.Mutex

	native   map[solana.PublicKey]uint64
	tokens   map[solana.PublicKey]uint64 // owner -> 支付资产余额
	decimals uint8
	accounts map[solana.PublicKey]bool

	blockhash Blockhash
	sim       *SimulationResult
	simErr    error
	fees      []uint64
	feesErr   error

	sendErrs []error // 依次消费
	sent     []string

	landed       map[solana.Signature]*LandedTransaction
	hiddenPolls  int // 前 N 次查询返回未找到
	txErr        error
	decimalCalls int
	txCalls      int
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		native:   map[solana.PublicKey]uint64{},
		tokens:   map[solana.PublicKey]uint64{},
		decimals: 6,
		accounts: map[solana.PublicKey]bool{},
		blockhash: Blockhash{
			Hash:                 solana.MustHashFromBase58("4sGjMW1sUnHzSxGspuhpqLDx6wiyjNtZAMdL4VZHirAn"),
			LastValidBlockHeight: 1000,
		},
		sim:    &SimulationResult{UnitsConsumed: ptr(uint64(10_000))},
		landed: map[solana.Signature]*LandedTransaction{},
	}
}

func ptr[T any](v T) *T { return &v }

func (f *fakeNetwork) NativeBalance(_ context.Context, owner solana.PublicKey) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.native[owner], nil
}

func (f *fakeNetwork) TokenBalance(_ context.Context, owner, _ solana.PublicKey) (uint64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	amount, ok := f.tokens[owner]
	return amount, ok, nil
}

func (f *fakeNetwork) MintDecimals(context.Context, solana.PublicKey) (uint8, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decimalCalls++
	return f.decimals, nil
}

func (f *fakeNetwork) AccountExists(_ context.Context, address solana.PublicKey) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accounts[address], nil
}

func (f *fakeNetwork) LatestBlockhash(context.Context) (Blockhash, error) {
	return f.blockhash, nil
}

func (f *fakeNetwork) Simulate(context.Context, string) (*SimulationResult, error) {
	return f.sim, f.simErr
}

func (f *fakeNetwork) RecentPrioritizationFees(context.Context, []solana.PublicKey) ([]uint64, error) {
	return f.fees, f.feesErr
}

func (f *fakeNetwork) SendTransaction(_ context.Context, wire string) (solana.Signature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, wire)
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		if err != nil {
			return solana.Signature{}, err
		}
	}
	tx, err := utils.DecodeBase64Tx(wire)
	if err != nil {
		return solana.Signature{}, err
	}
	sig, ok := utils.FirstSignature(tx)
	if !ok {
		return solana.Signature{}, errors.New("unsigned")
	}
	return sig, nil
}

func (f *fakeNetwork) Transaction(_ context.Context, sig solana.Signature) (*LandedTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txCalls++
	if f.txErr != nil {
		return nil, f.txErr
	}
	if f.txCalls <= f.hiddenPolls {
		return nil, ErrTransactionNotFound
	}
	landed, ok := f.landed[sig]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return landed, nil
}

func (f *fakeNetwork) land(tx *LandedTransaction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.landed[tx.Signature] = tx
}

func (f *fakeNetwork) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newKey(t *testing.T) solana.PrivateKey {
	t.Helper()
	pk, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	return pk
}

func ata(t *testing.T, owner, mint solana.PublicKey) solana.PublicKey {
	t.Helper()
	addr, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	require.NoError(t, err)
	return addr
}

// tokenLanded 一笔 payer -> receiver 的 token 转账上链后的样子
func tokenLanded(t *testing.T, sig solana.Signature, payer, receiver, mint solana.PublicKey, before, amount uint64) *LandedTransaction {
	t.Helper()
	blockTime := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &LandedTransaction{
		Signature:    sig,
		Slot:         42,
		BlockTime:    &blockTime,
		AccountKeys:  []solana.PublicKey{payer, ata(t, payer, mint), ata(t, receiver, mint), mint, solana.TokenProgramID},
		Fee:          5000,
		PreBalances:  []uint64{1_000_000, 2_039_280, 2_039_280, 0, 1},
		PostBalances: []uint64{995_000, 2_039_280, 2_039_280, 0, 1},
		PreTokenBalances: []TokenBalance{
			{AccountIndex: 1, Mint: mint, Owner: payer, Amount: before, Decimals: 6},
			{AccountIndex: 2, Mint: mint, Owner: receiver, Amount: 0, Decimals: 6},
		},
		PostTokenBalances: []TokenBalance{
			{AccountIndex: 1, Mint: mint, Owner: payer, Amount: before - amount, Decimals: 6},
			{AccountIndex: 2, Mint: mint, Owner: receiver, Amount: amount, Decimals: 6},
		},
	}
}

func signWith(t *testing.T, wire string, key solana.PrivateKey) *solana.Transaction {
	t.Helper()
	tx, err := utils.DecodeBase64Tx(wire)
	require.NoError(t, err)
	tx.Signatures = nil
	_, err = tx.Sign(func(pub solana.PublicKey) *solana.PrivateKey {
		if pub.Equals(key.PublicKey()) {
			return &key
		}
		return nil
	})
	require.NoError(t, err)
	return tx
}
