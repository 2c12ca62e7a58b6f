package rules

import (
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/JordyKingz/yala-svm-monitor/pkg/config"
	"github.com/JordyKingz/yala-svm-monitor/pkg/types"
)

// Match records that one monitor's conditions were satisfied by one
// transaction. A monitor matches a transaction at most once.
type Match struct {
	MonitorID string
	Severity  config.Severity
	Actions   []config.Action
	Tx        *types.TransactionContext
	// FiredConditions holds the indices of the conditions that matched,
	// in declaration order.
	FiredConditions []int
}

var matchCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "svm_monitor_matches_total",
		Help: "Monitor matches emitted, labeled by monitor id.",
	},
	[]string{"monitor"},
)

func init() {
	prometheus.MustRegister(matchCounter)
}

type amountKey struct {
	mint types.Address
	kind types.FactKind
}

type amountEntry struct {
	max      *uint256.Int
	decimals int8
}

// txIndices is the per-transaction view conditions are evaluated against.
// Built once per transaction in O(facts); evaluation is then
// O(monitors x conditions), not O(facts).
type txIndices struct {
	programs map[types.Address]int
	amounts  map[amountKey]amountEntry
	accounts mapset.Set[types.Address]
}

// BuildIndices indexes a transaction's facts for condition evaluation.
func BuildIndices(tx *types.TransactionContext) *txIndices {
	idx := &txIndices{
		programs: make(map[types.Address]int),
		amounts:  make(map[amountKey]amountEntry),
		accounts: mapset.NewThreadUnsafeSet[types.Address](),
	}
	for i := range tx.Facts {
		fact := &tx.Facts[i]
		switch fact.Kind {
		case types.FactProgramInvoked:
			idx.programs[fact.Program]++
		case types.FactAccountTouched:
			idx.accounts.Add(fact.Account)
		case types.FactTokenTransfer, types.FactTokenMint, types.FactTokenBurn:
			if fact.Amount == nil {
				continue
			}
			key := amountKey{mint: fact.Mint, kind: fact.Kind}
			entry, ok := idx.amounts[key]
			if !ok {
				entry = amountEntry{max: new(uint256.Int), decimals: types.DecimalsUnresolved}
			}
			// facts with unresolved decimals never satisfy numeric
			// thresholds, so only resolved amounts raise the max
			if fact.Decimals != types.DecimalsUnresolved {
				if entry.decimals == types.DecimalsUnresolved || fact.Amount.Int.Gt(entry.max) {
					entry.max.Set(&fact.Amount.Int)
					entry.decimals = fact.Decimals
				}
			}
			idx.amounts[key] = entry
		}
	}
	return idx
}

// Evaluator applies a RuleSet snapshot to transactions.
type Evaluator struct{}

func NewEvaluator() *Evaluator {
	return &Evaluator{}
}

// Evaluate returns the matches for one transaction against one RuleSet
// snapshot. Monitors are evaluated in id lex-order (the RuleSet is presorted),
// so the output depends only on (tx, ruleset).
func (e *Evaluator) Evaluate(tx *types.TransactionContext, ruleset *config.RuleSet) []Match {
	if ruleset == nil || len(ruleset.Monitors) == 0 {
		return nil
	}
	idx := BuildIndices(tx)

	var matches []Match
	for i := range ruleset.Monitors {
		monitor := &ruleset.Monitors[i]
		if !tx.Success && !monitor.IncludeFailed {
			continue
		}
		fired := evaluateMonitor(monitor, idx, tx)
		if fired == nil {
			continue
		}
		matchCounter.WithLabelValues(monitor.ID).Inc()
		matches = append(matches, Match{
			MonitorID:       monitor.ID,
			Severity:        monitor.Severity,
			Actions:         monitor.Actions,
			Tx:              tx,
			FiredConditions: fired,
		})
	}
	return matches
}

// evaluateMonitor returns the indices of the fired conditions, or nil when
// the monitor does not match.
func evaluateMonitor(monitor *config.Monitor, idx *txIndices, tx *types.TransactionContext) []int {
	var fired []int
	for i := range monitor.Conditions {
		if conditionMatches(&monitor.Conditions[i], idx, tx) {
			fired = append(fired, i)
		} else if monitor.Conjunction == config.ConjunctionAll {
			return nil
		}
	}
	if len(fired) == 0 {
		return nil
	}
	return fired
}

// conditionMatches is transaction-scoped: it holds if any fact in the
// transaction satisfies the condition. Conditions constrained only by mint
// and amount use the pre-built indices; participant constraints (from, to,
// recipient, source) fall back to a fact scan.
func conditionMatches(cond *config.Condition, idx *txIndices, tx *types.TransactionContext) bool {
	switch cond.Type {
	case config.CondProgramInvoked:
		if cond.Program == nil {
			return len(idx.programs) > 0
		}
		return idx.programs[*cond.Program] > 0
	case config.CondAccountTouched:
		if cond.Account == nil {
			return idx.accounts.Cardinality() > 0
		}
		return idx.accounts.Contains(*cond.Account)
	case config.CondTokenTransfer:
		if cond.From != nil || cond.To != nil {
			return scanFacts(cond, tx, types.FactTokenTransfer)
		}
		return amountIndexMatches(cond, idx, types.FactTokenTransfer)
	case config.CondTokenMint:
		if cond.Recipient != nil {
			return scanFacts(cond, tx, types.FactTokenMint)
		}
		return amountIndexMatches(cond, idx, types.FactTokenMint)
	case config.CondTokenBurn:
		if cond.Source != nil {
			return scanFacts(cond, tx, types.FactTokenBurn)
		}
		return amountIndexMatches(cond, idx, types.FactTokenBurn)
	}
	return false
}

func amountIndexMatches(cond *config.Condition, idx *txIndices, kind types.FactKind) bool {
	if cond.Mint != nil {
		entry, ok := idx.amounts[amountKey{mint: *cond.Mint, kind: kind}]
		if !ok {
			return false
		}
		return thresholdMet(cond.MinAmount, entry.max, entry.decimals)
	}
	// match-any mint: any entry of the right kind clearing the threshold
	for key, entry := range idx.amounts {
		if key.kind != kind {
			continue
		}
		if thresholdMet(cond.MinAmount, entry.max, entry.decimals) {
			return true
		}
	}
	return false
}

func scanFacts(cond *config.Condition, tx *types.TransactionContext, kind types.FactKind) bool {
	for i := range tx.Facts {
		fact := &tx.Facts[i]
		if fact.Kind != kind {
			continue
		}
		if cond.Mint != nil && fact.Mint != *cond.Mint {
			continue
		}
		if cond.From != nil && fact.From != *cond.From {
			continue
		}
		if cond.To != nil && fact.To != *cond.To {
			continue
		}
		if cond.Recipient != nil && fact.Recipient != *cond.Recipient {
			continue
		}
		if cond.Source != nil && fact.Source != *cond.Source {
			continue
		}
		var raw *uint256.Int
		if fact.Amount != nil {
			raw = &fact.Amount.Int
		}
		if thresholdMet(cond.MinAmount, raw, fact.Decimals) {
			return true
		}
	}
	return false
}

// thresholdMet compares a raw base-unit amount against a whole-token
// threshold. Unresolved decimals never satisfy a numeric threshold.
func thresholdMet(minWhole *types.Amount, raw *uint256.Int, decimals int8) bool {
	if minWhole == nil {
		return true
	}
	if raw == nil || decimals == types.DecimalsUnresolved {
		return false
	}
	scaled := minWhole.ScaleUp(uint8(decimals))
	return !raw.Lt(&scaled.Int)
}
