package utils

import (
	"encoding/base64"
	"errors"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

var ErrEmptyTx = errors.New("empty transaction")

func DecodeBase64Tx(b64 string) (*solana.Transaction, error) {
	if b64 == "" {
		return nil, ErrEmptyTx
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, err
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(data))
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// EncodeBase64Tx 编码交易；未签名的交易会补齐零签名占位，
// 钱包签名时按位置覆盖。
func EncodeBase64Tx(tx *solana.Transaction) (string, error) {
	padded := *tx
	required := int(tx.Message.Header.NumRequiredSignatures)
	if len(padded.Signatures) < required {
		sigs := make([]solana.Signature, required)
		copy(sigs, tx.Signatures)
		padded.Signatures = sigs
	}
	enc, err := padded.MarshalBinary()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(enc), nil
}

// FirstSignature 返回交易签名（fee payer 的签名即交易 ID）
func FirstSignature(tx *solana.Transaction) (solana.Signature, bool) {
	if len(tx.Signatures) == 0 || tx.Signatures[0].IsZero() {
		return solana.Signature{}, false
	}
	return tx.Signatures[0], true
}
