package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
)

type Blockhash struct {
	Hash                 solana.Hash
	LastValidBlockHeight uint64
}

type SimulationResult struct {
	Err           string // 空表示成功
	Logs          []string
	UnitsConsumed *uint64
}

type TokenBalance struct {
	AccountIndex int
	Mint         solana.PublicKey
	Owner        solana.PublicKey // 节点未返回时为零值
	Amount       uint64           // 最小单位
	Decimals     uint8
}

// LandedTransaction 已上链交易中本系统关心的部分，与 RPC 响应结构解耦
type LandedTransaction struct {
	Signature         solana.Signature
	Slot              uint64
	BlockTime         *time.Time
	Err               string // meta.err，空表示执行成功
	AccountKeys       []solana.PublicKey
	Fee               uint64
	PreBalances       []uint64
	PostBalances      []uint64
	PreTokenBalances  []TokenBalance
	PostTokenBalances []TokenBalance
	Logs              []string
	Transaction       *solana.Transaction
}

func (t *LandedTransaction) FeePayer() solana.PublicKey {
	if len(t.AccountKeys) == 0 {
		return solana.PublicKey{}
	}
	return t.AccountKeys[0]
}

// Network 管道用到的全部链上读写
type Network interface {
	NativeBalance(ctx context.Context, owner solana.PublicKey) (uint64, error)
	// TokenBalance 返回 owner 的 mint 关联账户余额；found=false 表示关联账户不存在
	TokenBalance(ctx context.Context, owner, mint solana.PublicKey) (amount uint64, found bool, err error)
	MintDecimals(ctx context.Context, mint solana.PublicKey) (uint8, error)
	AccountExists(ctx context.Context, address solana.PublicKey) (bool, error)
	LatestBlockhash(ctx context.Context) (Blockhash, error)
	Simulate(ctx context.Context, wireTx string) (*SimulationResult, error)
	RecentPrioritizationFees(ctx context.Context, accounts []solana.PublicKey) ([]uint64, error)
	SendTransaction(ctx context.Context, wireTx string) (solana.Signature, error)
	// Transaction 未找到时返回 ErrTransactionNotFound
	Transaction(ctx context.Context, sig solana.Signature) (*LandedTransaction, error)
}

type RPCNetwork struct {
	client *rpc.Client
}

func NewRPCNetwork(rpcURL string) *RPCNetwork {
	return &RPCNetwork{client: rpc.New(rpcURL)}
}

func (n *RPCNetwork) NativeBalance(ctx context.Context, owner solana.PublicKey) (uint64, error) {
	res, err := n.client.GetBalance(ctx, owner, rpc.CommitmentConfirmed)
	if err != nil {
		return 0, err
	}
	if res == nil {
		return 0, fmt.Errorf("%w: getBalance returned no value", ErrRPCDecode)
	}
	return res.Value, nil
}

func (n *RPCNetwork) TokenBalance(ctx context.Context, owner, mint solana.PublicKey) (uint64, bool, error) {
	addr, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return 0, false, err
	}
	res, err := n.client.GetTokenAccountsByOwner(ctx, owner, &rpc.GetTokenAccountsConfig{
		Mint: &mint,
	}, &rpc.GetTokenAccountsOpts{
		Commitment: rpc.CommitmentConfirmed,
		Encoding:   solana.EncodingBase64,
	})
	if err != nil {
		return 0, false, err
	}
	if res == nil {
		return 0, false, nil
	}
	return associatedBalance(res.Value, addr)
}

// associatedBalance 只看关联账户：转账指令从这里扣款，其他同币种账户的余额不可用
func associatedBalance(accounts []*rpc.TokenAccount, addr solana.PublicKey) (uint64, bool, error) {
	for _, acc := range accounts {
		if acc == nil || !acc.Pubkey.Equals(addr) {
			continue
		}
		if acc.Account.Data == nil {
			return 0, false, fmt.Errorf("%w: token account %s without data", ErrRPCDecode, addr)
		}
		var ta token.Account
		if err := bin.NewBinDecoder(acc.Account.Data.GetBinary()).Decode(&ta); err != nil {
			return 0, false, fmt.Errorf("%w: token account %s: %v", ErrRPCDecode, addr, err)
		}
		return ta.Amount, true, nil
	}
	return 0, false, nil
}

func (n *RPCNetwork) MintDecimals(ctx context.Context, mint solana.PublicKey) (uint8, error) {
	res, err := n.client.GetAccountInfoWithOpts(ctx, mint, &rpc.GetAccountInfoOpts{
		Commitment: rpc.CommitmentConfirmed,
		Encoding:   solana.EncodingBase64,
	})
	if err != nil {
		return 0, err
	}
	if res == nil || res.Value == nil || res.Value.Data == nil {
		return 0, fmt.Errorf("%w: mint %s has no account data", ErrRPCDecode, mint)
	}
	var m token.Mint
	if err := bin.NewBinDecoder(res.Value.Data.GetBinary()).Decode(&m); err != nil {
		return 0, fmt.Errorf("%w: mint %s: %v", ErrRPCDecode, mint, err)
	}
	return m.Decimals, nil
}

func (n *RPCNetwork) AccountExists(ctx context.Context, address solana.PublicKey) (bool, error) {
	res, err := n.client.GetAccountInfoWithOpts(ctx, address, &rpc.GetAccountInfoOpts{
		Commitment: rpc.CommitmentConfirmed,
		Encoding:   solana.EncodingBase64,
	})
	if errors.Is(err, rpc.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return res != nil && res.Value != nil, nil
}

func (n *RPCNetwork) LatestBlockhash(ctx context.Context) (Blockhash, error) {
	res, err := n.client.GetLatestBlockhash(ctx, rpc.CommitmentConfirmed)
	if err != nil {
		return Blockhash{}, err
	}
	if res == nil || res.Value == nil {
		return Blockhash{}, fmt.Errorf("%w: getLatestBlockhash returned no value", ErrRPCDecode)
	}
	return Blockhash{Hash: res.Value.Blockhash, LastValidBlockHeight: res.Value.LastValidBlockHeight}, nil
}

type simulateResponse struct {
	Value *struct {
		Err           json.RawMessage `json:"err"`
		Logs          []string        `json:"logs"`
		UnitsConsumed *uint64         `json:"unitsConsumed"`
	} `json:"value"`
}

func (n *RPCNetwork) Simulate(ctx context.Context, wireTx string) (*SimulationResult, error) {
	var out simulateResponse
	err := n.client.RPCCallForInto(ctx, &out, "simulateTransaction", []interface{}{
		wireTx,
		map[string]interface{}{
			"sigVerify":              false,
			"replaceRecentBlockhash": false,
			"commitment":             "confirmed",
			"encoding":               "base64",
		},
	})
	if err != nil {
		return nil, err
	}
	if out.Value == nil {
		return nil, fmt.Errorf("%w: simulateTransaction returned no value", ErrRPCDecode)
	}
	return &SimulationResult{
		Err:           rawErr(out.Value.Err),
		Logs:          out.Value.Logs,
		UnitsConsumed: out.Value.UnitsConsumed,
	}, nil
}

type prioritizationFeeSample struct {
	Slot              uint64  `json:"slot"`
	PrioritizationFee *uint64 `json:"prioritizationFee"`
}

func (n *RPCNetwork) RecentPrioritizationFees(ctx context.Context, accounts []solana.PublicKey) ([]uint64, error) {
	addrs := make([]string, 0, len(accounts))
	for _, a := range accounts {
		addrs = append(addrs, a.String())
	}
	var out []prioritizationFeeSample
	if err := n.client.RPCCallForInto(ctx, &out, "getRecentPrioritizationFees", []interface{}{addrs}); err != nil {
		return nil, err
	}
	fees := make([]uint64, 0, len(out))
	for _, s := range out {
		if s.PrioritizationFee != nil {
			fees = append(fees, *s.PrioritizationFee)
		}
	}
	return fees, nil
}

// SendTransaction 跳过预检并关闭节点侧重试，重试由调用方负责
func (n *RPCNetwork) SendTransaction(ctx context.Context, wireTx string) (solana.Signature, error) {
	var sig solana.Signature
	err := n.client.RPCCallForInto(ctx, &sig, "sendTransaction", []interface{}{
		wireTx,
		map[string]interface{}{
			"skipPreflight":       true,
			"maxRetries":          0,
			"preflightCommitment": "confirmed",
			"encoding":            "base64",
		},
	})
	if err != nil {
		return solana.Signature{}, err
	}
	if sig.IsZero() {
		return solana.Signature{}, fmt.Errorf("%w: sendTransaction returned an empty signature", ErrRPCDecode)
	}
	return sig, nil
}

func (n *RPCNetwork) Transaction(ctx context.Context, sig solana.Signature) (*LandedTransaction, error) {
	maxVersion := uint64(0)
	res, err := n.client.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     rpc.CommitmentConfirmed,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if errors.Is(err, rpc.ErrNotFound) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	if res == nil || res.Meta == nil || res.Transaction == nil {
		return nil, fmt.Errorf("%w: getTransaction %s missing meta or transaction", ErrRPCDecode, sig)
	}
	tx, err := res.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("%w: getTransaction %s: %v", ErrRPCDecode, sig, err)
	}

	landed := &LandedTransaction{
		Signature:    sig,
		Slot:         res.Slot,
		Fee:          res.Meta.Fee,
		PreBalances:  res.Meta.PreBalances,
		PostBalances: res.Meta.PostBalances,
		Logs:         res.Meta.LogMessages,
		Transaction:  tx,
	}
	if res.BlockTime != nil {
		bt := time.Unix(int64(*res.BlockTime), 0).UTC()
		landed.BlockTime = &bt
	}
	if res.Meta.Err != nil {
		detail, _ := json.Marshal(res.Meta.Err)
		landed.Err = string(detail)
	}
	// v0 交易：静态账户 + 查找表加载的可写账户 + 只读账户
	landed.AccountKeys = append(landed.AccountKeys, tx.Message.AccountKeys...)
	landed.AccountKeys = append(landed.AccountKeys, res.Meta.LoadedAddresses.Writable...)
	landed.AccountKeys = append(landed.AccountKeys, res.Meta.LoadedAddresses.ReadOnly...)

	if landed.PreTokenBalances, err = convertTokenBalances(res.Meta.PreTokenBalances); err != nil {
		return nil, err
	}
	if landed.PostTokenBalances, err = convertTokenBalances(res.Meta.PostTokenBalances); err != nil {
		return nil, err
	}
	return landed, nil
}

func convertTokenBalances(in []rpc.TokenBalance) ([]TokenBalance, error) {
	out := make([]TokenBalance, 0, len(in))
	for _, b := range in {
		tb := TokenBalance{AccountIndex: int(b.AccountIndex), Mint: b.Mint}
		if b.Owner != nil {
			tb.Owner = *b.Owner
		}
		if b.UiTokenAmount == nil {
			return nil, fmt.Errorf("%w: token balance at index %d has no amount", ErrRPCDecode, b.AccountIndex)
		}
		amount, err := strconv.ParseUint(b.UiTokenAmount.Amount, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: token balance at index %d: %v", ErrRPCDecode, b.AccountIndex, err)
		}
		tb.Amount = amount
		tb.Decimals = b.UiTokenAmount.Decimals
		out = append(out, tb)
	}
	return out, nil
}

func rawErr(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	return string(raw)
}
