package services

import (
	"context"
	"fmt"
	"math/big"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

var maxUint64 = new(big.Int).SetUint64(^uint64(0))

// ToSmallestUnit 把展示金额换算为最小单位，精度超出 decimals 时报错
func ToSmallestUnit(amount decimal.Decimal, decimals uint8) (uint64, error) {
	shifted := amount.Shift(int32(decimals))
	if !shifted.IsInteger() {
		return 0, fmt.Errorf("%w: %s has more than %d decimal places", ErrInvalidAmount, amount, decimals)
	}
	raw := shifted.BigInt()
	if raw.Sign() < 0 || raw.Cmp(maxUint64) > 0 {
		return 0, fmt.Errorf("%w: %s out of range", ErrInvalidAmount, amount)
	}
	return raw.Uint64(), nil
}

func FromSmallestUnit(raw uint64, decimals uint8) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(raw), -int32(decimals))
}

// ParseAmount 解析正的十进制金额字符串
func ParseAmount(s string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q is not a number", ErrInvalidAmount, s)
	}
	if amount.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("%w: amount must be greater than zero", ErrInvalidAmount)
	}
	return amount, nil
}

// AmountValidator 对照付款人链上余额检查金额。只读、建议性的检查，
// 最终以模拟和链上执行为准。
type AmountValidator struct {
	net Network
}

func NewAmountValidator(net Network) *AmountValidator {
	return &AmountValidator{net: net}
}

// Validate 返回解析后的金额及其最小单位值
func (v *AmountValidator) Validate(ctx context.Context, payer, asset solana.PublicKey, amount string, decimals uint8) (decimal.Decimal, uint64, error) {
	parsed, err := ParseAmount(amount)
	if err != nil {
		return decimal.Zero, 0, err
	}
	raw, err := ToSmallestUnit(parsed, decimals)
	if err != nil {
		return decimal.Zero, 0, err
	}
	if raw == 0 {
		return decimal.Zero, 0, fmt.Errorf("%w: amount must be greater than zero", ErrInvalidAmount)
	}

	var held uint64
	if asset.Equals(NativeMint) {
		held, err = v.net.NativeBalance(ctx, payer)
		if err != nil {
			return decimal.Zero, 0, fmt.Errorf("fetch balance of %s: %w", payer, err)
		}
		if held == 0 {
			return decimal.Zero, 0, fmt.Errorf("%w: %s has no native balance", ErrAssetNotHeld, payer)
		}
	} else {
		var found bool
		held, found, err = v.net.TokenBalance(ctx, payer, asset)
		if err != nil {
			return decimal.Zero, 0, fmt.Errorf("fetch balance of %s: %w", payer, err)
		}
		if !found {
			return decimal.Zero, 0, fmt.Errorf("%w: %s has no associated %s account", ErrAssetNotHeld, payer, asset)
		}
	}

	if raw > held {
		return decimal.Zero, 0, fmt.Errorf("%w: requested %s, available balance is %s",
			ErrInsufficientBalance, parsed, FromSmallestUnit(held, decimals))
	}
	return parsed, raw, nil
}
