package rules

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JordyKingz/yala-svm-monitor/pkg/config"
	"github.com/JordyKingz/yala-svm-monitor/pkg/types"
)

var (
	yuMint      = types.MustAddress("YUmq1faxr1MUgyqqP5Dm5TERkarukLHFNwmxhUF6Puv")
	usdcMint    = types.MustAddress("HLwvQovCA4h7eYUqYgS6kgUyxyUvkBpa36Kgk7AaRokY")
	jupiterProg = types.MustAddress("JUP6LkbZbjS1jKKwapdHNy74zcZ3tLUZoi5QNyVTaV4")
	bridgeProg  = types.MustAddress("5NDMLMLqmVnkuv7BuK3twF8x7w7mzcMYqRaSLa18LhRg")
	raydiumProg = types.MustAddress("FYeyPayrBex5kDyRAorDG9aiS8TfXCVAFRpue84a4MEk")
)

func whole(t *testing.T, s string) *types.Amount {
	t.Helper()
	amount, err := types.AmountFromDecimal(s)
	require.NoError(t, err)
	return amount
}

// baseUnits returns whole * 10^6, the raw amount for a 6-decimal mint.
func baseUnits(whole uint64) *types.Amount {
	return types.NewAmount(whole).ScaleUp(6)
}

func burnMonitor(t *testing.T, id, threshold string) config.Monitor {
	return config.Monitor{
		ID:          id,
		Enabled:     true,
		Conjunction: config.ConjunctionAll,
		Severity:    config.SeverityHigh,
		Conditions: []config.Condition{
			{Type: config.CondTokenBurn, Mint: &yuMint, MinAmount: whole(t, threshold)},
		},
	}
}

func ruleSetOf(monitors ...config.Monitor) *config.RuleSet {
	sort.Slice(monitors, func(i, j int) bool { return monitors[i].ID < monitors[j].ID })
	return &config.RuleSet{Monitors: monitors}
}

func transferFact(mint types.Address, amount *types.Amount, decimals int8) types.TransactionFact {
	return types.TransactionFact{Kind: types.FactTokenTransfer, Mint: mint, Amount: amount, Decimals: decimals}
}

func TestEvaluateBurnThresholds(t *testing.T) {
	// a 12M burn clears both the 10M and the 1M monitor
	ruleset := ruleSetOf(
		burnMonitor(t, "yuya_burn_10m", "10000000"),
		burnMonitor(t, "yuya_burn_1m", "1000000"),
	)
	tx := &types.TransactionContext{
		Slot:      251432100,
		Signature: "burnsig",
		Success:   true,
		Facts: []types.TransactionFact{
			{Kind: types.FactTokenBurn, Mint: yuMint, Amount: baseUnits(12_000_000), Decimals: 6},
		},
	}

	matches := NewEvaluator().Evaluate(tx, ruleset)
	require.Len(t, matches, 2)
	assert.Equal(t, "yuya_burn_10m", matches[0].MonitorID)
	assert.Equal(t, "yuya_burn_1m", matches[1].MonitorID)
}

func TestEvaluateBurnBelowThreshold(t *testing.T) {
	ruleset := ruleSetOf(burnMonitor(t, "yuya_burn_10m", "10000000"))
	tx := &types.TransactionContext{
		Success: true,
		Facts: []types.TransactionFact{
			{Kind: types.FactTokenBurn, Mint: yuMint, Amount: baseUnits(500_000), Decimals: 6},
		},
	}
	assert.Empty(t, NewEvaluator().Evaluate(tx, ruleset))
}

func TestEvaluateProgramConjunction(t *testing.T) {
	jupiterSwap := config.Monitor{
		ID: "yu_jupiter_v6_large_swap", Enabled: true, Conjunction: config.ConjunctionAll,
		Conditions: []config.Condition{
			{Type: config.CondProgramInvoked, Program: &jupiterProg},
			{Type: config.CondTokenTransfer, Mint: &yuMint, MinAmount: whole(t, "1000000")},
		},
	}
	bridge := config.Monitor{
		ID: "yu_layerzero_large_bridge", Enabled: true, Conjunction: config.ConjunctionAll,
		Conditions: []config.Condition{
			{Type: config.CondProgramInvoked, Program: &bridgeProg},
			{Type: config.CondTokenTransfer, Mint: &yuMint, MinAmount: whole(t, "1000000")},
		},
	}
	ruleset := ruleSetOf(jupiterSwap, bridge)

	tx := &types.TransactionContext{
		Success: true,
		Facts: []types.TransactionFact{
			{Kind: types.FactProgramInvoked, Program: jupiterProg},
			transferFact(yuMint, baseUnits(2_000_000), 6),
		},
	}
	matches := NewEvaluator().Evaluate(tx, ruleset)
	require.Len(t, matches, 1)
	assert.Equal(t, "yu_jupiter_v6_large_swap", matches[0].MonitorID)
}

func TestEvaluatePairCondition(t *testing.T) {
	pairSwap := config.Monitor{
		ID: "yu_usdc_pair_swap", Enabled: true, Conjunction: config.ConjunctionAll,
		Conditions: []config.Condition{
			{Type: config.CondProgramInvoked, Program: &raydiumProg},
			{Type: config.CondTokenTransfer, Mint: &yuMint, MinAmount: whole(t, "500000")},
			{Type: config.CondTokenTransfer, Mint: &usdcMint, MinAmount: whole(t, "500000")},
		},
	}
	ruleset := ruleSetOf(pairSwap)

	makeTx := func(usdcAmount uint64) *types.TransactionContext {
		return &types.TransactionContext{
			Success: true,
			Facts: []types.TransactionFact{
				{Kind: types.FactProgramInvoked, Program: raydiumProg},
				transferFact(yuMint, baseUnits(600_000), 6),
				transferFact(usdcMint, baseUnits(usdcAmount), 6),
			},
		}
	}

	assert.Len(t, NewEvaluator().Evaluate(makeTx(700_000), ruleset), 1)
	assert.Empty(t, NewEvaluator().Evaluate(makeTx(400_000), ruleset))
}

func TestEvaluateAnyConjunction(t *testing.T) {
	anyOf := config.Monitor{
		ID: "any_of", Enabled: true, Conjunction: config.ConjunctionAny,
		Conditions: []config.Condition{
			{Type: config.CondProgramInvoked, Program: &bridgeProg},
			{Type: config.CondTokenTransfer, Mint: &yuMint},
		},
	}
	tx := &types.TransactionContext{
		Success: true,
		Facts:   []types.TransactionFact{transferFact(yuMint, baseUnits(1), 6)},
	}
	matches := NewEvaluator().Evaluate(tx, ruleSetOf(anyOf))
	require.Len(t, matches, 1)
	assert.Equal(t, []int{1}, matches[0].FiredConditions)
}

func TestEvaluateUnresolvedDecimalsNeverMatchThreshold(t *testing.T) {
	thresholded := burnMonitor(t, "burn_1m", "1000000")
	presence := config.Monitor{
		ID: "burn_any", Enabled: true, Conjunction: config.ConjunctionAll,
		Conditions: []config.Condition{{Type: config.CondTokenBurn, Mint: &yuMint}},
	}
	tx := &types.TransactionContext{
		Success: true,
		Facts: []types.TransactionFact{
			{Kind: types.FactTokenBurn, Mint: yuMint, Amount: baseUnits(999_000_000), Decimals: types.DecimalsUnresolved},
		},
	}
	matches := NewEvaluator().Evaluate(tx, ruleSetOf(thresholded, presence))
	require.Len(t, matches, 1)
	assert.Equal(t, "burn_any", matches[0].MonitorID)
}

func TestEvaluateFailedTransactionOptIn(t *testing.T) {
	optIn := burnMonitor(t, "includes_failed", "1")
	optIn.IncludeFailed = true
	optOut := burnMonitor(t, "successes_only", "1")

	tx := &types.TransactionContext{
		Success: false,
		Facts: []types.TransactionFact{
			{Kind: types.FactTokenBurn, Mint: yuMint, Amount: baseUnits(5), Decimals: 6},
		},
	}
	matches := NewEvaluator().Evaluate(tx, ruleSetOf(optIn, optOut))
	require.Len(t, matches, 1)
	assert.Equal(t, "includes_failed", matches[0].MonitorID)
}

func TestEvaluateSingleMatchPerMonitor(t *testing.T) {
	// two qualifying facts still produce one match for the monitor
	ruleset := ruleSetOf(burnMonitor(t, "burn_1", "1"))
	tx := &types.TransactionContext{
		Success: true,
		Facts: []types.TransactionFact{
			{Kind: types.FactTokenBurn, Mint: yuMint, Amount: baseUnits(10), Decimals: 6},
			{Kind: types.FactTokenBurn, Mint: yuMint, Amount: baseUnits(20), Decimals: 6},
		},
	}
	assert.Len(t, NewEvaluator().Evaluate(tx, ruleset), 1)
}

func TestEvaluateParticipantConditions(t *testing.T) {
	walletA := types.MustAddress("9JhthMtD9Jo8atWRA3PkRSUz3L79sZVKa7vvSdAvsvcL")
	walletB := types.MustAddress("AGwRVW9cSjyVeqHjQ1pj1MiSYeDPov7dRN2ZQf3bMHxR")
	fromA := config.Monitor{
		ID: "from_wallet_a", Enabled: true, Conjunction: config.ConjunctionAll,
		Conditions: []config.Condition{
			{Type: config.CondTokenTransfer, Mint: &yuMint, From: &walletA},
		},
	}
	tx := &types.TransactionContext{
		Success: true,
		Facts: []types.TransactionFact{
			{Kind: types.FactTokenTransfer, Mint: yuMint, Amount: baseUnits(1), Decimals: 6, From: walletB, To: walletA},
		},
	}
	assert.Empty(t, NewEvaluator().Evaluate(tx, ruleSetOf(fromA)))

	tx.Facts[0].From, tx.Facts[0].To = walletA, walletB
	assert.Len(t, NewEvaluator().Evaluate(tx, ruleSetOf(fromA)), 1)
}

func TestEvaluateDeterministicOrder(t *testing.T) {
	ruleset := ruleSetOf(
		burnMonitor(t, "c_burn", "1"),
		burnMonitor(t, "a_burn", "1"),
		burnMonitor(t, "b_burn", "1"),
	)
	tx := &types.TransactionContext{
		Success: true,
		Facts: []types.TransactionFact{
			{Kind: types.FactTokenBurn, Mint: yuMint, Amount: baseUnits(10), Decimals: 6},
		},
	}
	for i := 0; i < 5; i++ {
		matches := NewEvaluator().Evaluate(tx, ruleset)
		require.Len(t, matches, 3)
		assert.Equal(t, "a_burn", matches[0].MonitorID)
		assert.Equal(t, "b_burn", matches[1].MonitorID)
		assert.Equal(t, "c_burn", matches[2].MonitorID)
	}
}
