// Package validator implements the Strategy Validator (spec §4.2):
// turns an untrusted LLM-authored candidate into a canonical, safe
// condition tree, or rejects it with an aggregated error message.
package validator

import (
	"fmt"
	"strings"

	"github.com/atlas-desktop/trading-backend/pkg/indicators"
	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// MaxReportedErrors bounds how many validation errors are joined into
// the persisted error message — matches the source's "; ".join(errors[:3]).
const MaxReportedErrors = 3

// MaxBuyConditions is the AND-semantics conjunction cap (step 8): larger
// buy-condition sets are empirically unreachable.
const MaxBuyConditions = 4

var priceFields = map[string]bool{"close": true, "open": true, "high": true, "low": true}

// Candidate is the untrusted input: an LLM-authored strategy proposal.
type Candidate struct {
	Name           string
	Description    string
	BuyConditions  []types.Condition
	SellConditions []types.Condition
	ExitConfig     types.ExitConfig
}

// Result is the validator's output: a sanitized condition tree plus any
// error messages accumulated along the way (not necessarily fatal).
type Result struct {
	BuyConditions  []types.Condition
	SellConditions []types.Condition
	ExitConfig     types.ExitConfig
	Errors         []string
	Status         types.ExperimentStrategyStatus
	ErrorMessage   string
}

// Validate runs the nine-step pipeline in spec §4.2 order.
func Validate(c Candidate) Result {
	var errs []string

	buy := step1FieldMembership(c.BuyConditions, &errs)
	sell := step1FieldMembership(c.SellConditions, &errs)

	buy = step3ValueBounds(buy, &errs)
	sell = step3ValueBounds(sell, &errs)

	buy = step4AutoSwap(buy)
	sell = step4AutoSwap(sell)

	buy = step5DefaultParams(buy)
	sell = step5DefaultParams(sell)

	buy = step6DropTautology(buy, &errs)
	sell = step6DropTautology(sell, &errs)

	buy = step7Contradictions(buy, &errs)
	sell = step7Contradictions(sell, &errs)

	buy = step8CapBuyConditions(buy, &errs)

	exit := step9NormalizeExit(c.ExitConfig)

	status := types.StratPending
	errMsg := ""
	if len(buy) == 0 && len(sell) == 0 {
		status = types.StratFailed
		errMsg = joinErrors(errs)
	}

	return Result{
		BuyConditions:  buy,
		SellConditions: sell,
		ExitConfig:     exit,
		Errors:         errs,
		Status:         status,
		ErrorMessage:   errMsg,
	}
}

func joinErrors(errs []string) string {
	n := len(errs)
	if n > MaxReportedErrors {
		n = MaxReportedErrors
	}
	return strings.Join(errs[:n], "; ")
}

// step1FieldMembership drops conditions whose field (or compare_field,
// when relevant) isn't in the indicator registry.
func step1FieldMembership(conds []types.Condition, errs *[]string) []types.Condition {
	var out []types.Condition
	for _, c := range conds {
		if _, ok := indicators.Registry[c.Field]; !ok {
			*errs = append(*errs, fmt.Sprintf("unknown field %q", c.Field))
			continue
		}
		if c.CompareType == types.CompareField && c.CompareField != "" {
			if _, ok := indicators.Registry[c.CompareField]; !ok {
				*errs = append(*errs, fmt.Sprintf("unknown compare_field %q", c.CompareField))
				continue
			}
		}
		if !validOperator(c.Operator) {
			*errs = append(*errs, fmt.Sprintf("invalid operator %q on field %q", c.Operator, c.Field))
			continue
		}
		out = append(out, c)
	}
	return out
}

func validOperator(op types.Operator) bool {
	switch op {
	case types.OpGT, types.OpLT, types.OpGE, types.OpLE:
		return true
	}
	return false
}

// step3ValueBounds enforces the field-specific numeric range table for
// compare_type=value, and drops value-comparisons on range-unchecked,
// field-comparison-required fields (BOLL bands, VWAP, OBV, PSAR).
func step3ValueBounds(conds []types.Condition, errs *[]string) []types.Condition {
	var out []types.Condition
	for _, c := range conds {
		if c.CompareType != types.CompareValue {
			out = append(out, c)
			continue
		}
		spec := indicators.Registry[c.Field]
		if spec.RequireFieldCmp {
			*errs = append(*errs, fmt.Sprintf("%q requires a field comparison, not a value threshold", c.Field))
			continue
		}
		if spec.Range != nil && (c.CompareValue < spec.Range.Min || c.CompareValue > spec.Range.Max) {
			*errs = append(*errs, fmt.Sprintf("%q threshold %.2f out of range [%.2f, %.2f]", c.Field, c.CompareValue, spec.Range.Min, spec.Range.Max))
			continue
		}
		out = append(out, c)
	}
	return out
}

// step4AutoSwap maps e.g. "RSI > close" (always nonsensical LHS-indicator
// vs RHS-price comparisons) to "close > RSI" by swapping operands and
// inverting the operator.
func step4AutoSwap(conds []types.Condition) []types.Condition {
	out := make([]types.Condition, len(conds))
	for i, c := range conds {
		if c.CompareType == types.CompareField && !priceFields[c.Field] && priceFields[c.CompareField] {
			c.Field, c.CompareField = c.CompareField, c.Field
			c.Params, c.CompareParams = c.CompareParams, c.Params
			c.Operator = invertOperator(c.Operator)
		}
		out[i] = c
	}
	return out
}

func invertOperator(op types.Operator) types.Operator {
	switch op {
	case types.OpGT:
		return types.OpLT
	case types.OpLT:
		return types.OpGT
	case types.OpGE:
		return types.OpLE
	case types.OpLE:
		return types.OpGE
	}
	return op
}

// step5DefaultParams fills compare_params from the compare_field's
// registry defaults when the condition author left them empty.
func step5DefaultParams(conds []types.Condition) []types.Condition {
	out := make([]types.Condition, len(conds))
	for i, c := range conds {
		if c.CompareType == types.CompareField && len(c.CompareParams) == 0 {
			if spec, ok := indicators.Registry[c.CompareField]; ok && len(spec.DefaultParams) > 0 {
				c.CompareParams = spec.DefaultParams
			}
		}
		if len(c.Params) == 0 {
			if spec, ok := indicators.Registry[c.Field]; ok && len(spec.DefaultParams) > 0 {
				c.Params = spec.DefaultParams
			}
		}
		out[i] = c
	}
	return out
}

// step6DropTautology rejects field == compare_field comparisons on the
// same params (e.g. OBV > OBV), which are always false or always true.
func step6DropTautology(conds []types.Condition, errs *[]string) []types.Condition {
	var out []types.Condition
	for _, c := range conds {
		if c.CompareType == types.CompareField && c.Field == c.CompareField && fingerprintParams(c.Params) == fingerprintParams(c.CompareParams) {
			*errs = append(*errs, fmt.Sprintf("tautological condition on %q dropped", c.Field))
			continue
		}
		out = append(out, c)
	}
	return out
}

func fingerprintParams(p map[string]any) string {
	c := types.Condition{Params: p}
	return c.Fingerprint()
}

// step7Contradictions groups value-conditions by (field, params) and
// tracks the tightest lower (>/>=) and upper (</<=) bound seen. If the
// lower bound meets or exceeds the upper bound, the whole group is
// unsatisfiable — drop every condition in it rather than the whole
// strategy, and record one error.
func step7Contradictions(conds []types.Condition, errs *[]string) []types.Condition {
	type bounds struct {
		hasGT, hasLT bool
		gt, lt       float64
		idxs         []int
	}
	groups := make(map[string]*bounds)
	for i, c := range conds {
		if c.CompareType != types.CompareValue {
			continue
		}
		key := c.Field + "|" + fingerprintParams(c.Params)
		b, ok := groups[key]
		if !ok {
			b = &bounds{}
			groups[key] = b
		}
		b.idxs = append(b.idxs, i)
		switch c.Operator {
		case types.OpGT, types.OpGE:
			if !b.hasGT || c.CompareValue > b.gt {
				b.gt = c.CompareValue
				b.hasGT = true
			}
		case types.OpLT, types.OpLE:
			if !b.hasLT || c.CompareValue < b.lt {
				b.lt = c.CompareValue
				b.hasLT = true
			}
		}
	}

	drop := make(map[int]bool)
	for key, b := range groups {
		if b.hasGT && b.hasLT && b.gt >= b.lt {
			*errs = append(*errs, fmt.Sprintf("contradictory thresholds on %q (lower %.2f >= upper %.2f)", key, b.gt, b.lt))
			for _, idx := range b.idxs {
				drop[idx] = true
			}
		}
	}

	var out []types.Condition
	for i, c := range conds {
		if !drop[i] {
			out = append(out, c)
		}
	}
	return out
}

// step8CapBuyConditions truncates AND-semantics buy conditions to
// MaxBuyConditions (larger conjunctions are empirically unreachable).
func step8CapBuyConditions(conds []types.Condition, errs *[]string) []types.Condition {
	if len(conds) <= MaxBuyConditions {
		return conds
	}
	*errs = append(*errs, fmt.Sprintf("truncated %d buy conditions to %d", len(conds), MaxBuyConditions))
	return conds[:MaxBuyConditions]
}

// step9NormalizeExit clamps exit config to sane bounds and fills
// defaults (spec's {-8, 20, 20}) for zero values.
func step9NormalizeExit(e types.ExitConfig) types.ExitConfig {
	if e.StopLossPct == 0 {
		e.StopLossPct = -8
	}
	if e.StopLossPct > 0 {
		e.StopLossPct = -e.StopLossPct
	}
	if e.TakeProfitPct == 0 {
		e.TakeProfitPct = 20
	}
	if e.TakeProfitPct < 0 {
		e.TakeProfitPct = -e.TakeProfitPct
	}
	if e.MaxHoldDays <= 0 {
		e.MaxHoldDays = 20
	}
	return e
}

// Reachable is the Runner's pre-backtest reachability pre-check (spec
// §4.2): structurally re-detects contradictions on single fields across
// the exact shape the engine evaluates. Must never produce a false
// negative (reject a satisfiable set) — on doubt, it reports reachable.
func Reachable(buyConditions []types.Condition) (bool, string) {
	var errs []string
	survivors := step7Contradictions(buyConditions, &errs)
	if len(survivors) == 0 && len(buyConditions) > 0 {
		return false, joinErrors(errs)
	}
	return true, ""
}
