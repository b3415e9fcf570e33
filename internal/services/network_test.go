package services

import (
	"encoding/binary"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tokenAccount SPL token 账户的 165 字节布局，可选字段全部为空
func tokenAccount(addr, mint, owner solana.PublicKey, amount uint64) *rpc.TokenAccount {
	raw := make([]byte, 165)
	copy(raw[0:32], mint[:])
	copy(raw[32:64], owner[:])
	binary.LittleEndian.PutUint64(raw[64:72], amount)
	raw[108] = 1 // state = initialized
	return &rpc.TokenAccount{
		Pubkey:  addr,
		Account: rpc.Account{Owner: solana.TokenProgramID, Data: rpc.DataBytesOrJSONFromBytes(raw)},
	}
}

func TestAssociatedBalanceIgnoresOtherAccounts(t *testing.T) {
	owner, mint := newKey(t).PublicKey(), newKey(t).PublicKey()
	assoc := ata(t, owner, mint)

	amount, found, err := associatedBalance([]*rpc.TokenAccount{
		tokenAccount(newKey(t).PublicKey(), mint, owner, 40_000_000),
		tokenAccount(assoc, mint, owner, 5_000_000),
	}, assoc)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, uint64(5_000_000), amount)
}

func TestAssociatedBalanceMissing(t *testing.T) {
	owner, mint := newKey(t).PublicKey(), newKey(t).PublicKey()

	amount, found, err := associatedBalance([]*rpc.TokenAccount{
		tokenAccount(newKey(t).PublicKey(), mint, owner, 40_000_000),
		nil,
	}, ata(t, owner, mint))
	require.NoError(t, err)
	assert.False(t, found)
	assert.Zero(t, amount)

	assoc := ata(t, owner, mint)
	_, _, err = associatedBalance([]*rpc.TokenAccount{{Pubkey: assoc}}, assoc)
	assert.ErrorIs(t, err, ErrRPCDecode)
}
