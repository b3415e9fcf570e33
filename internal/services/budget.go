package services

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"github.com/gagliardetto/solana-go"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"SubscriptionPay/utils"
)

var ComputeBudgetProgramID = solana.MustPublicKeyFromBase58("ComputeBudget111111111111111111111111111111")

// NetworkMaxComputeUnits 单笔交易允许的最大计算单元
const NetworkMaxComputeUnits uint32 = 1_400_000

type BudgetConfig struct {
	DefaultComputeUnits uint32
	MaxComputeUnits     uint32
	MarginPercent       uint32
	MinPriorityFee      uint64 // microlamports / CU
	MaxPriorityFee      uint64
	LogTail             int
}

func DefaultBudgetConfig() BudgetConfig {
	return BudgetConfig{
		DefaultComputeUnits: 200_000,
		MaxComputeUnits:     NetworkMaxComputeUnits,
		MarginPercent:       15,
		MinPriorityFee:      5_000,
		MaxPriorityFee:      50_000,
		LogTail:             5,
	}
}

type ComputeBudget struct {
	UnitLimit     uint32
	UnitPrice     uint64
	UnitsConsumed uint64
	FeeSamples    int
}

// Instructions 预置在交易最前面的两条预算指令
func (b ComputeBudget) Instructions() []solana.Instruction {
	return []solana.Instruction{
		buildComputeUnitLimitInstruction(ComputeBudgetProgramID, b.UnitLimit),
		buildComputeUnitPriceInstruction(ComputeBudgetProgramID, b.UnitPrice),
	}
}

// ComputeBudgetEstimator 通过模拟得到真实 CU 消耗，并按近期优先费中位数定价
type ComputeBudgetEstimator struct {
	net Network
	cfg BudgetConfig
	log *log.Entry
}

func NewComputeBudgetEstimator(net Network, cfg BudgetConfig, logger *log.Logger) *ComputeBudgetEstimator {
	if cfg.MaxComputeUnits == 0 || cfg.MaxComputeUnits > NetworkMaxComputeUnits {
		cfg.MaxComputeUnits = NetworkMaxComputeUnits
	}
	if cfg.DefaultComputeUnits == 0 {
		cfg.DefaultComputeUnits = 200_000
	}
	return &ComputeBudgetEstimator{net: net, cfg: cfg, log: logger.WithField("component", "budget")}
}

// Estimate 模拟与优先费查询并发进行；模拟失败时整个流程失败，优先费查询失败时退回最小值
func (e *ComputeBudgetEstimator) Estimate(ctx context.Context, payer solana.PublicKey, blockhash solana.Hash, instructions []solana.Instruction) (ComputeBudget, error) {
	trial := ComputeBudget{UnitLimit: e.cfg.DefaultComputeUnits, UnitPrice: e.cfg.MinPriorityFee}
	tx, err := solana.NewTransaction(append(trial.Instructions(), instructions...), blockhash, solana.TransactionPayer(payer))
	if err != nil {
		return ComputeBudget{}, fmt.Errorf("build trial transaction: %w", err)
	}
	wire, err := utils.EncodeBase64Tx(tx)
	if err != nil {
		return ComputeBudget{}, fmt.Errorf("encode trial transaction: %w", err)
	}

	var (
		sim  *SimulationResult
		fees []uint64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res, err := e.net.Simulate(gctx, wire)
		if err != nil {
			return fmt.Errorf("simulate: %w", err)
		}
		sim = res
		return nil
	})
	g.Go(func() error {
		samples, err := e.net.RecentPrioritizationFees(gctx, writableAccounts(payer, instructions))
		if err != nil {
			e.log.WithError(err).Warn("priority fee query failed, using minimum fee")
			return nil
		}
		fees = samples
		return nil
	})
	if err := g.Wait(); err != nil {
		return ComputeBudget{}, err
	}

	if sim.Err != "" {
		simErr := classifySimulation(sim.Err, sim.Logs, e.cfg.LogTail, paysNative(instructions))
		e.log.WithFields(log.Fields{
			"payer":  payer.String(),
			"reason": simErr.Reason.Error(),
			"logs":   strings.Join(simErr.Logs, " | "),
		}).Warn("simulation rejected transaction")
		return ComputeBudget{}, simErr
	}

	budget := ComputeBudget{
		UnitLimit:  e.unitLimit(sim.UnitsConsumed),
		UnitPrice:  ClampFee(MedianFee(fees), len(fees) > 0, e.cfg.MinPriorityFee, e.cfg.MaxPriorityFee),
		FeeSamples: len(fees),
	}
	if sim.UnitsConsumed != nil {
		budget.UnitsConsumed = *sim.UnitsConsumed
	}
	e.log.WithFields(log.Fields{
		"units_consumed": budget.UnitsConsumed,
		"unit_limit":     budget.UnitLimit,
		"unit_price":     budget.UnitPrice,
		"fee_samples":    budget.FeeSamples,
	}).Debug("compute budget estimated")
	return budget, nil
}

func (e *ComputeBudgetEstimator) unitLimit(consumed *uint64) uint32 {
	if consumed == nil || *consumed == 0 {
		return e.cfg.DefaultComputeUnits
	}
	limit := *consumed * uint64(100+e.cfg.MarginPercent) / 100
	if limit > uint64(e.cfg.MaxComputeUnits) {
		return e.cfg.MaxComputeUnits
	}
	return uint32(limit)
}

// MedianFee 非空样本的中位数，偶数个取中间两数均值
func MedianFee(samples []uint64) uint64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]uint64(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return sorted[mid-1]/2 + sorted[mid]/2 + (sorted[mid-1]%2+sorted[mid]%2)/2
}

// ClampFee 把中位数限制在 [min,max]；无样本时取 min
func ClampFee(median uint64, haveSamples bool, min, max uint64) uint64 {
	if !haveSamples || median < min {
		return min
	}
	if median > max {
		return max
	}
	return median
}

func writableAccounts(payer solana.PublicKey, instructions []solana.Instruction) []solana.PublicKey {
	seen := map[solana.PublicKey]bool{payer: true}
	out := []solana.PublicKey{payer}
	for _, ix := range instructions {
		for _, meta := range ix.Accounts() {
			if meta.IsWritable && !seen[meta.PublicKey] {
				seen[meta.PublicKey] = true
				out = append(out, meta.PublicKey)
			}
		}
	}
	return out
}

var simulationPatterns = []struct {
	reason  error
	needles []string
}{
	{ErrInsufficientFeeFunds, []string{"insufficientfundsforfee", "insufficient funds for fee", "insufficient lamports", "accountnotfound", "insufficientfundsforrent"}},
	{ErrInsufficientAssetFunds, []string{"error: insufficient funds", "insufficient funds"}},
	{ErrProgramLimit, []string{"slippage", "exceeded cus meter", "computational budget exceeded", "exceeds desired", "limit exceeded", "maximum number of instructions"}},
}

// classifySimulation native 支付时 "insufficient lamports" 来自系统转账本身，归为资产不足
func classifySimulation(errDetail string, logs []string, logTail int, native bool) *SimulationError {
	haystack := errDetail + "\n" + strings.Join(logs, "\n")
	if native && containsAny(haystack, "insufficient lamports") {
		return &SimulationError{Reason: ErrInsufficientAssetFunds, Detail: errDetail, Logs: tail(logs, logTail)}
	}
	for _, p := range simulationPatterns {
		if containsAny(haystack, p.needles...) {
			return &SimulationError{Reason: p.reason, Detail: errDetail, Logs: tail(logs, logTail)}
		}
	}
	return &SimulationError{Reason: ErrSimulationFailed, Detail: errDetail, Logs: tail(logs, logTail)}
}

func paysNative(instructions []solana.Instruction) bool {
	for _, ix := range instructions {
		if ix.ProgramID().Equals(solana.SystemProgramID) {
			return true
		}
	}
	return false
}

// buildComputeUnitLimitInstruction SetComputeUnitLimit：判别符 2 + u32 LE
func buildComputeUnitLimitInstruction(computeBudgetProgramID solana.PublicKey, computeUnitLimit uint32) solana.Instruction {
	data := make([]byte, 5)
	data[0] = 2
	binary.LittleEndian.PutUint32(data[1:5], computeUnitLimit)

	return solana.NewInstruction(
		computeBudgetProgramID,
		solana.AccountMetaSlice{},
		data,
	)
}

// buildComputeUnitPriceInstruction SetComputeUnitPrice：判别符 3 + u64 LE（microlamports / CU）
func buildComputeUnitPriceInstruction(computeBudgetProgramID solana.PublicKey, computeUnitPrice uint64) solana.Instruction {
	data := make([]byte, 9)
	data[0] = 3
	binary.LittleEndian.PutUint64(data[1:9], computeUnitPrice)

	return solana.NewInstruction(
		computeBudgetProgramID,
		solana.AccountMetaSlice{},
		data,
	)
}
