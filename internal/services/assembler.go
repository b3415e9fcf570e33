package services

import (
	"fmt"

	"github.com/gagliardetto/solana-go"

	"SubscriptionPay/utils"
)

// PreparedTransaction 交给客户端签名的交易，组装后不再修改，也不落库
type PreparedTransaction struct {
	Transaction          *solana.Transaction
	Instructions         []solana.Instruction
	FeePayer             solana.PublicKey
	Blockhash            solana.Hash
	LastValidBlockHeight uint64
	Wire                 string // Base64，签名位置为零值
}

// AssembleTransaction 预算指令在前、转账指令在后，编译为未签名的线上格式。
// 纯函数：相同输入得到相同输出。
func AssembleTransaction(feePayer solana.PublicKey, blockhash Blockhash, budget []solana.Instruction, payment ...solana.Instruction) (*PreparedTransaction, error) {
	if len(payment) == 0 {
		return nil, fmt.Errorf("%w: no transfer instruction", ErrInvalidRequest)
	}
	instructions := make([]solana.Instruction, 0, len(budget)+len(payment))
	instructions = append(instructions, budget...)
	instructions = append(instructions, payment...)

	tx, err := solana.NewTransaction(instructions, blockhash.Hash, solana.TransactionPayer(feePayer))
	if err != nil {
		return nil, fmt.Errorf("compile transaction: %w", err)
	}
	wire, err := utils.EncodeBase64Tx(tx)
	if err != nil {
		return nil, fmt.Errorf("encode transaction: %w", err)
	}
	return &PreparedTransaction{
		Transaction:          tx,
		Instructions:         instructions,
		FeePayer:             feePayer,
		Blockhash:            blockhash.Hash,
		LastValidBlockHeight: blockhash.LastValidBlockHeight,
		Wire:                 wire,
	}, nil
}
