package servicestest

import (
	"time"

	"github.com/gagliardetto/solana-go"

	"SubscriptionPay/internal/services"
)

// TokenTransfer 构造一笔 payer -> receiver 的已上链 token 转账
func TokenTransfer(sig solana.Signature, payer, receiver, mint solana.PublicKey, before, amount uint64, blockTime time.Time) *services.LandedTransaction {
	payerATA, _, _ := solana.FindAssociatedTokenAddress(payer, mint)
	receiverATA, _, _ := solana.FindAssociatedTokenAddress(receiver, mint)
	return &services.LandedTransaction{
		Signature:    sig,
		BlockTime:    &blockTime,
		AccountKeys:  []solana.PublicKey{payer, payerATA, receiverATA, mint, solana.TokenProgramID},
		Fee:          5000,
		PreBalances:  []uint64{1_000_000, 0, 0, 0, 1},
		PostBalances: []uint64{995_000, 0, 0, 0, 1},
		PreTokenBalances: []services.TokenBalance{
			{AccountIndex: 1, Mint: mint, Owner: payer, Amount: before, Decimals: 6},
			{AccountIndex: 2, Mint: mint, Owner: receiver, Amount: 0, Decimals: 6},
		},
		PostTokenBalances: []services.TokenBalance{
			{AccountIndex: 1, Mint: mint, Owner: payer, Amount: before - amount, Decimals: 6},
			{AccountIndex: 2, Mint: mint, Owner: receiver, Amount: amount, Decimals: 6},
		},
	}
}

// Sign 清空占位签名后由 key 签名
func Sign(tx *solana.Transaction, key solana.PrivateKey) error {
	tx.Signatures = nil
	_, err := tx.Sign(func(pub solana.PublicKey) *solana.PrivateKey {
		if pub.Equals(key.PublicKey()) {
			return &key
		}
		return nil
	})
	return err
}
