// Package servicestest provides an in-memory chain for tests outside the services package.
package servicestest

import (
	"context"
	"sync"

	"github.com/gagliardetto/solana-go"

	"SubscriptionPay/internal/services"
	"SubscriptionPay/utils"
)

// Network 实现 services.Network；零值不可用，使用 NewNetwork
type Network struct {
	mu sync.Mutex

	Native   map[solana.PublicKey]uint64
	Tokens   map[solana.PublicKey]uint64
	Decimals uint8
	Accounts map[solana.PublicKey]bool
	Hash     solana.Hash
	Units    uint64
	Fees     []uint64
	SendErr  error

	landed map[solana.Signature]*services.LandedTransaction
	sent   []solana.Signature
}

var _ services.Network = (*Network)(nil)

func NewNetwork() *Network {
	return &Network{
		Native:   map[solana.PublicKey]uint64{},
		Tokens:   map[solana.PublicKey]uint64{},
		Decimals: 6,
		Accounts: map[solana.PublicKey]bool{},
		Hash:     solana.MustHashFromBase58("4sGjMW1sUnHzSxGspuhpqLDx6wiyjNtZAMdL4VZHirAn"),
		Units:    10_000,
		landed:   map[solana.Signature]*services.LandedTransaction{},
	}
}

func (n *Network) Land(tx *services.LandedTransaction) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.landed[tx.Signature] = tx
}

func (n *Network) Sent() []solana.Signature {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]solana.Signature(nil), n.sent...)
}

func (n *Network) NativeBalance(_ context.Context, owner solana.PublicKey) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.Native[owner], nil
}

func (n *Network) TokenBalance(_ context.Context, owner, _ solana.PublicKey) (uint64, bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	amount, ok := n.Tokens[owner]
	return amount, ok, nil
}

func (n *Network) MintDecimals(context.Context, solana.PublicKey) (uint8, error) {
	return n.Decimals, nil
}

func (n *Network) AccountExists(_ context.Context, address solana.PublicKey) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.Accounts[address], nil
}

func (n *Network) LatestBlockhash(context.Context) (services.Blockhash, error) {
	return services.Blockhash{Hash: n.Hash, LastValidBlockHeight: 1000}, nil
}

func (n *Network) Simulate(context.Context, string) (*services.SimulationResult, error) {
	units := n.Units
	return &services.SimulationResult{UnitsConsumed: &units}, nil
}

func (n *Network) RecentPrioritizationFees(context.Context, []solana.PublicKey) ([]uint64, error) {
	return n.Fees, nil
}

func (n *Network) SendTransaction(_ context.Context, wire string) (solana.Signature, error) {
	if n.SendErr != nil {
		return solana.Signature{}, n.SendErr
	}
	tx, err := utils.DecodeBase64Tx(wire)
	if err != nil {
		return solana.Signature{}, err
	}
	sig, _ := utils.FirstSignature(tx)
	n.mu.Lock()
	n.sent = append(n.sent, sig)
	n.mu.Unlock()
	return sig, nil
}

func (n *Network) Transaction(_ context.Context, sig solana.Signature) (*services.LandedTransaction, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if tx, ok := n.landed[sig]; ok {
		return tx, nil
	}
	return nil, services.ErrTransactionNotFound
}
