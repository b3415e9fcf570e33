package services

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/gagliardetto/solana-go"

	"SubscriptionPay/utils"
)

const (
	ExtractionBalanceDelta = "balance_delta"
	ExtractionInstruction  = "instruction"
)

// ExtractedPayment 从已确认交易中恢复出的支付
type ExtractedPayment struct {
	Signature solana.Signature
	Payer     solana.PublicKey // fee payer
	Source    solana.PublicKey // 余额减少的一方
	Receiver  solana.PublicKey
	Amount    uint64 // 最小单位
	Decimals  uint8
}

type PaymentExtractor interface {
	Extract(tx *LandedTransaction) (*ExtractedPayment, error)
}

func NewPaymentExtractor(strategy string, asset, receiver solana.PublicKey) (PaymentExtractor, error) {
	switch strategy {
	case ExtractionBalanceDelta, "":
		return &BalanceDeltaExtractor{Asset: asset, Receiver: receiver}, nil
	case ExtractionInstruction:
		return &InstructionExtractor{Asset: asset, Receiver: receiver}, nil
	default:
		return nil, fmt.Errorf("unknown extraction strategy %q", strategy)
	}
}

// BalanceDeltaExtractor 只看支付资产的前后余额差，不关心是哪种指令产生的转账
type BalanceDeltaExtractor struct {
	Asset    solana.PublicKey
	Receiver solana.PublicKey
}

type ownerDelta struct {
	owner solana.PublicKey
	delta int64
}

func (e *BalanceDeltaExtractor) Extract(tx *LandedTransaction) (*ExtractedPayment, error) {
	if tx == nil {
		return nil, ErrNoPaymentDetected
	}
	var (
		deltas   []ownerDelta
		decimals uint8
		err      error
	)
	if e.Asset.Equals(NativeMint) {
		deltas, err = e.nativeDeltas(tx)
		decimals = nativeDecimals
	} else {
		deltas, decimals, err = e.tokenDeltas(tx)
	}
	if err != nil {
		return nil, err
	}

	payer := tx.FeePayer()
	var receiverDelta int64
	var source *ownerDelta
	outsiders := map[solana.PublicKey]bool{}
	for i := range deltas {
		d := &deltas[i]
		switch {
		case d.owner.Equals(e.Receiver):
			receiverDelta += d.delta
		case d.delta < 0:
			if source == nil || d.owner.Equals(payer) || (!source.owner.Equals(payer) && d.delta < source.delta) {
				source = d
			}
		case d.delta > 0 && !d.owner.Equals(payer):
			outsiders[d.owner] = true
		}
	}

	if receiverDelta <= 0 {
		if len(outsiders) > 1 {
			return nil, fmt.Errorf("%w: %d accounts credited in %s, none is the receiver", ErrAmbiguousPayment, len(outsiders), tx.Signature)
		}
		return nil, fmt.Errorf("%w: receiver balance unchanged in %s", ErrNoPaymentDetected, tx.Signature)
	}
	if source == nil {
		return nil, fmt.Errorf("%w: no debited account in %s", ErrNoPaymentDetected, tx.Signature)
	}
	return &ExtractedPayment{
		Signature: tx.Signature,
		Payer:     payer,
		Source:    source.owner,
		Receiver:  e.Receiver,
		Amount:    uint64(receiverDelta),
		Decimals:  decimals,
	}, nil
}

// tokenDeltas 按 owner 汇总支付资产的余额变化；节点未给 owner 时按关联账户地址反推
func (e *BalanceDeltaExtractor) tokenDeltas(tx *LandedTransaction) ([]ownerDelta, uint8, error) {
	type entry struct {
		owner     solana.PublicKey
		pre, post uint64
	}
	byIndex := map[int]*entry{}
	var decimals uint8
	collect := func(balances []TokenBalance, post bool) {
		for _, b := range balances {
			if !b.Mint.Equals(e.Asset) {
				continue
			}
			decimals = b.Decimals
			en, ok := byIndex[b.AccountIndex]
			if !ok {
				en = &entry{owner: b.Owner}
				byIndex[b.AccountIndex] = en
			}
			if en.owner.IsZero() {
				en.owner = b.Owner
			}
			if post {
				en.post = b.Amount
			} else {
				en.pre = b.Amount
			}
		}
	}
	collect(tx.PreTokenBalances, false)
	collect(tx.PostTokenBalances, true)

	known := e.ownersByTokenAccount(tx.FeePayer())
	indexes := make([]int, 0, len(byIndex))
	for idx := range byIndex {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	perOwner := map[solana.PublicKey]int64{}
	var order []solana.PublicKey
	for _, idx := range indexes {
		en := byIndex[idx]
		owner := en.owner
		if owner.IsZero() {
			if idx >= len(tx.AccountKeys) {
				return nil, 0, fmt.Errorf("%w: token balance index %d outside account keys", ErrRPCDecode, idx)
			}
			key := tx.AccountKeys[idx]
			if o, ok := known[key]; ok {
				owner = o
			} else {
				owner = key
			}
		}
		d, err := signedDelta(en.pre, en.post)
		if err != nil {
			return nil, 0, err
		}
		if _, seen := perOwner[owner]; !seen {
			order = append(order, owner)
		}
		perOwner[owner] += d
	}
	out := make([]ownerDelta, 0, len(order))
	for _, o := range order {
		out = append(out, ownerDelta{owner: o, delta: perOwner[o]})
	}
	return out, decimals, nil
}

func (e *BalanceDeltaExtractor) ownersByTokenAccount(payer solana.PublicKey) map[solana.PublicKey]solana.PublicKey {
	out := map[solana.PublicKey]solana.PublicKey{}
	for _, owner := range []solana.PublicKey{payer, e.Receiver} {
		if ata, _, err := solana.FindAssociatedTokenAddress(owner, e.Asset); err == nil {
			out[ata] = owner
		}
	}
	return out
}

// nativeDeltas 原生币余额差；fee payer 的差值加回手续费
func (e *BalanceDeltaExtractor) nativeDeltas(tx *LandedTransaction) ([]ownerDelta, error) {
	if len(tx.PreBalances) != len(tx.PostBalances) || len(tx.PreBalances) > len(tx.AccountKeys) {
		return nil, fmt.Errorf("%w: balance arrays do not match account keys", ErrRPCDecode)
	}
	out := make([]ownerDelta, 0, len(tx.PreBalances))
	for i := range tx.PreBalances {
		d, err := signedDelta(tx.PreBalances[i], tx.PostBalances[i])
		if err != nil {
			return nil, err
		}
		if i == 0 {
			d += int64(tx.Fee)
		}
		if d != 0 {
			out = append(out, ownerDelta{owner: tx.AccountKeys[i], delta: d})
		}
	}
	return out, nil
}

func signedDelta(pre, post uint64) (int64, error) {
	if pre > math.MaxInt64 || post > math.MaxInt64 {
		return 0, fmt.Errorf("%w: balance exceeds int64", ErrRPCDecode)
	}
	return int64(post) - int64(pre), nil
}

// InstructionExtractor 解码 system transfer / token transfer(checked) 指令
type InstructionExtractor struct {
	Asset    solana.PublicKey
	Receiver solana.PublicKey
}

func (e *InstructionExtractor) Extract(tx *LandedTransaction) (*ExtractedPayment, error) {
	if tx == nil || tx.Transaction == nil {
		return nil, ErrNoPaymentDetected
	}
	p, err := e.decode(tx.Transaction, tx.AccountKeys)
	if err != nil {
		return nil, err
	}
	p.Signature = tx.Signature
	return p, nil
}

// FromTransaction 在上链前从已签名交易中读取转账，用于 pending 行的预估金额
func (e *InstructionExtractor) FromTransaction(tx *solana.Transaction) (*ExtractedPayment, error) {
	p, err := e.decode(tx, tx.Message.AccountKeys)
	if err != nil {
		return nil, err
	}
	if sig, ok := utils.FirstSignature(tx); ok {
		p.Signature = sig
	}
	return p, nil
}

func (e *InstructionExtractor) decode(tx *solana.Transaction, keys []solana.PublicKey) (*ExtractedPayment, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: transaction has no accounts", ErrNoPaymentDetected)
	}
	native := e.Asset.Equals(NativeMint)
	var receiverATA solana.PublicKey
	if !native {
		ata, _, err := solana.FindAssociatedTokenAddress(e.Receiver, e.Asset)
		if err != nil {
			return nil, err
		}
		receiverATA = ata
	}

	key := func(i uint16) (solana.PublicKey, bool) {
		if int(i) >= len(keys) {
			return solana.PublicKey{}, false
		}
		return keys[i], true
	}

	p := &ExtractedPayment{Payer: keys[0], Receiver: e.Receiver}
	for _, ix := range tx.Message.Instructions {
		program, ok := key(ix.ProgramIDIndex)
		if !ok {
			continue
		}
		data := []byte(ix.Data)
		switch {
		case native && program.Equals(solana.SystemProgramID):
			// Transfer: u32 LE 2 + u64 lamports; accounts [from, to]
			if len(data) != 12 || binary.LittleEndian.Uint32(data[:4]) != 2 || len(ix.Accounts) < 2 {
				continue
			}
			to, ok := key(ix.Accounts[1])
			if !ok || !to.Equals(e.Receiver) {
				continue
			}
			from, _ := key(ix.Accounts[0])
			p.Source = from
			p.Amount += binary.LittleEndian.Uint64(data[4:12])
			p.Decimals = nativeDecimals
		case !native && program.Equals(solana.TokenProgramID):
			amount, dest, owner, ok := decodeTokenTransfer(data, ix.Accounts, key, e.Asset)
			if !ok || !dest.Equals(receiverATA) {
				continue
			}
			p.Source = owner
			p.Amount += amount
			if data[0] == 12 {
				p.Decimals = data[9]
			}
		}
	}
	if p.Amount == 0 {
		return nil, fmt.Errorf("%w: no transfer to %s", ErrNoPaymentDetected, e.Receiver)
	}
	return p, nil
}

// decodeTokenTransfer 支持 Transfer(3) 与 TransferChecked(12)，返回金额、目标账户与授权人
func decodeTokenTransfer(data []byte, accounts []uint16, key func(uint16) (solana.PublicKey, bool), mint solana.PublicKey) (uint64, solana.PublicKey, solana.PublicKey, bool) {
	var destIdx, ownerIdx int
	switch {
	case len(data) >= 9 && data[0] == 3 && len(accounts) >= 3:
		// [source, destination, owner]
		destIdx, ownerIdx = 1, 2
	case len(data) >= 10 && data[0] == 12 && len(accounts) >= 4:
		// [source, mint, destination, owner]
		m, ok := key(accounts[1])
		if !ok || !m.Equals(mint) {
			return 0, solana.PublicKey{}, solana.PublicKey{}, false
		}
		destIdx, ownerIdx = 2, 3
	default:
		return 0, solana.PublicKey{}, solana.PublicKey{}, false
	}
	dest, ok1 := key(accounts[destIdx])
	owner, ok2 := key(accounts[ownerIdx])
	return binary.LittleEndian.Uint64(data[1:9]), dest, owner, ok1 && ok2
}
