package services

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
)

// BuildTransfer 生成唯一的转账指令。原生币直接 system transfer，
// 其他资产在双方的关联 token 账户之间做 TransferChecked。
func BuildTransfer(signer solana.PublicKey, amount uint64, asset solana.PublicKey, decimals uint8, receiver solana.PublicKey) (solana.Instruction, error) {
	if amount == 0 {
		return nil, fmt.Errorf("%w: transfer amount is zero", ErrInvalidAmount)
	}
	if asset.Equals(NativeMint) {
		return system.NewTransferInstruction(amount, signer, receiver).Build(), nil
	}

	source, _, err := solana.FindAssociatedTokenAddress(signer, asset)
	if err != nil {
		return nil, fmt.Errorf("derive token account of %s: %w", signer, err)
	}
	destination, _, err := solana.FindAssociatedTokenAddress(receiver, asset)
	if err != nil {
		return nil, fmt.Errorf("derive token account of %s: %w", receiver, err)
	}
	return token.NewTransferCheckedInstruction(
		amount,
		decimals,
		source,
		asset,
		destination,
		signer,
		[]solana.PublicKey{},
	).Build(), nil
}

// ReceiverAccounts 保证收款方关联 token 账户存在：
// createIfAbsent 为 true 时由付款人出资创建，否则缺失即报错
type ReceiverAccounts struct {
	net            Network
	createIfAbsent bool
}

func NewReceiverAccounts(net Network, createIfAbsent bool) *ReceiverAccounts {
	return &ReceiverAccounts{net: net, createIfAbsent: createIfAbsent}
}

// Prepare 返回需要插在转账之前的指令，账户已存在或原生币时返回 nil
func (r *ReceiverAccounts) Prepare(ctx context.Context, payer, receiver, asset solana.PublicKey) (solana.Instruction, error) {
	if asset.Equals(NativeMint) {
		return nil, nil
	}
	ata, _, err := solana.FindAssociatedTokenAddress(receiver, asset)
	if err != nil {
		return nil, fmt.Errorf("derive token account of %s: %w", receiver, err)
	}
	exists, err := r.net.AccountExists(ctx, ata)
	if err != nil {
		return nil, fmt.Errorf("lookup receiver token account %s: %w", ata, err)
	}
	if exists {
		return nil, nil
	}
	if !r.createIfAbsent {
		return nil, fmt.Errorf("%w: %s", ErrReceiverAccountMissing, ata)
	}
	return associatedtokenaccount.NewCreateInstruction(payer, receiver, asset).Build(), nil
}
