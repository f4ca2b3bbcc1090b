// Package conditions evaluates pkg/types.Condition trees against a
// stock's computed indicator series (spec §4.2's eight compare_type
// variants), shared by the Signal Engine and the Backtest Engine so
// both evaluate strategies identically.
package conditions

import (
	"fmt"
	"math"

	"github.com/atlas-desktop/trading-backend/pkg/indicators"
	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// Series caches computed indicator series per (field, params) for one
// stock's bar history, so evaluating N conditions across the same
// strategy set only computes each distinct series once.
type Series struct {
	bars  []types.DailyPrice
	cache map[string][]float64
}

func NewSeries(bars []types.DailyPrice) *Series {
	return &Series{bars: bars, cache: make(map[string][]float64)}
}

// At returns the named field's value at bar index i, reusing the cache.
// ok is false for an unknown field, out-of-range index, or NaN (insufficient
// history) — callers outside this package use it to read raw indicator
// values without re-deriving the evaluator's compare_type machinery.
func (s *Series) At(field string, params map[string]any, i int) (float64, bool) {
	series, ok := s.get(field, params)
	if !ok || i < 0 || i >= len(series) || math.IsNaN(series[i]) {
		return 0, false
	}
	return series[i], true
}

func (s *Series) get(field string, params map[string]any) ([]float64, bool) {
	key := cacheKey(field, params)
	if v, ok := s.cache[key]; ok {
		return v, true
	}
	v, ok := indicators.ComputeSeries(s.bars, field, params)
	if !ok {
		return nil, false
	}
	s.cache[key] = v
	return v, true
}

func cacheKey(field string, params map[string]any) string {
	key := field
	for _, k := range []string{"period", "length", "std", "step", "max_step"} {
		if v, ok := params[k]; ok {
			key += fmt.Sprintf("|%s=%v", k, v)
		}
	}
	return key
}

// Eval evaluates a single condition at bar index i (0-based, i must be
// >= any lookback the condition needs). Returns false, false if the
// condition's field is unknown or its series has insufficient history.
func Eval(s *Series, c types.Condition, i int) (bool, bool) {
	series, ok := s.get(c.Field, c.Params)
	if !ok || i < 0 || i >= len(series) || math.IsNaN(series[i]) {
		return false, false
	}

	switch c.CompareType {
	case types.CompareValue:
		return compareOp(series[i], c.CompareValue, c.Operator), true

	case types.CompareField:
		rhs, ok := s.get(c.CompareField, c.CompareParams)
		if !ok || i >= len(rhs) || math.IsNaN(rhs[i]) {
			return false, false
		}
		return compareOp(series[i], rhs[i], c.Operator), true

	case types.CompareLookbackMin, types.CompareLookbackMax, types.CompareLookbackValue:
		lb, ok := s.get(c.LookbackField, c.Params)
		if !ok {
			return false, false
		}
		n := c.LookbackN
		if n <= 0 {
			n = 1
		}
		start := i - n + 1
		if start < 0 {
			return false, false
		}
		switch c.CompareType {
		case types.CompareLookbackMin:
			m := math.Inf(1)
			for x := start; x <= i; x++ {
				if math.IsNaN(lb[x]) {
					return false, false
				}
				if lb[x] < m {
					m = lb[x]
				}
			}
			return compareOp(m, c.CompareValue, c.Operator), true
		case types.CompareLookbackMax:
			m := math.Inf(-1)
			for x := start; x <= i; x++ {
				if math.IsNaN(lb[x]) {
					return false, false
				}
				if lb[x] > m {
					m = lb[x]
				}
			}
			return compareOp(m, c.CompareValue, c.Operator), true
		case types.CompareLookbackValue:
			if start < 0 || math.IsNaN(lb[start]) {
				return false, false
			}
			return compareOp(lb[start], c.CompareValue, c.Operator), true
		}

	case types.CompareConsecutive:
		lb, ok := s.get(c.LookbackField, c.Params)
		if !ok {
			return false, false
		}
		n := c.LookbackN
		if n <= 1 {
			n = 2
		}
		start := i - n + 1
		if start < 0 {
			return false, false
		}
		for x := start + 1; x <= i; x++ {
			if math.IsNaN(lb[x]) || math.IsNaN(lb[x-1]) {
				return false, false
			}
			switch c.ConsecutiveType {
			case types.ConsecutiveRising:
				if !(lb[x] > lb[x-1]) {
					return false, true
				}
			case types.ConsecutiveFalling:
				if !(lb[x] < lb[x-1]) {
					return false, true
				}
			}
		}
		return true, true

	case types.ComparePctDiff:
		rhs, ok := s.get(c.CompareField, c.CompareParams)
		if !ok || i >= len(rhs) || math.IsNaN(rhs[i]) || rhs[i] == 0 {
			return false, false
		}
		pct := (series[i] - rhs[i]) / rhs[i] * 100
		return compareOp(pct, c.CompareValue, c.Operator), true

	case types.ComparePctChange:
		n := c.LookbackN
		if n <= 0 {
			n = 1
		}
		ref := i - n
		if ref < 0 || math.IsNaN(series[ref]) || series[ref] == 0 {
			return false, false
		}
		pct := (series[i] - series[ref]) / series[ref] * 100
		return compareOp(pct, c.CompareValue, c.Operator), true
	}
	return false, false
}

func compareOp(lhs, rhs float64, op types.Operator) bool {
	switch op {
	case types.OpGT:
		return lhs > rhs
	case types.OpLT:
		return lhs < rhs
	case types.OpGE:
		return lhs >= rhs
	case types.OpLE:
		return lhs <= rhs
	}
	return false
}

// AllTrue evaluates conditions with AND semantics (buy conditions).
// A condition whose series can't be evaluated (insufficient history)
// counts as false, failing the AND.
func AllTrue(s *Series, conds []types.Condition, i int) bool {
	if len(conds) == 0 {
		return false
	}
	for _, c := range conds {
		ok, valid := Eval(s, c, i)
		if !valid || !ok {
			return false
		}
	}
	return true
}

// AnyTrue evaluates conditions with OR semantics (sell conditions).
func AnyTrue(s *Series, conds []types.Condition, i int) bool {
	for _, c := range conds {
		if ok, valid := Eval(s, c, i); valid && ok {
			return true
		}
	}
	return false
}
