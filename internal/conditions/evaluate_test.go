package conditions_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/atlas-desktop/trading-backend/internal/conditions"
	"github.com/atlas-desktop/trading-backend/pkg/types"
)

func bars(closesSeq []float64) []types.DailyPrice {
	out := make([]types.DailyPrice, len(closesSeq))
	d := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, c := range closesSeq {
		out[i] = types.DailyPrice{
			Code: "000001", Date: d,
			Open: decimal.NewFromFloat(c), High: decimal.NewFromFloat(c * 1.01),
			Low: decimal.NewFromFloat(c * 0.99), Close: decimal.NewFromFloat(c),
			Volume: decimal.NewFromFloat(10000),
		}
		d = d.AddDate(0, 0, 1)
	}
	return out
}

func rising(n int, start float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + float64(i)
	}
	return out
}

func TestEval_CompareValue(t *testing.T) {
	b := bars(rising(30, 100))
	s := conditions.NewSeries(b)

	cond := types.Condition{Field: "close", CompareType: types.CompareValue, Operator: types.OpGT, CompareValue: 120}
	ok, valid := conditions.Eval(s, cond, 29)
	assert.True(t, valid)
	assert.True(t, ok)
}

func TestEval_CompareField(t *testing.T) {
	b := bars(rising(40, 100))
	s := conditions.NewSeries(b)

	cond := types.Condition{
		Field: "close", CompareType: types.CompareField, Operator: types.OpGT,
		CompareField: "MA", CompareParams: map[string]any{"period": 20},
	}
	ok, valid := conditions.Eval(s, cond, 39)
	assert.True(t, valid)
	assert.True(t, ok, "close should be above a trailing MA in a strict uptrend")
}

func TestEval_ConsecutiveRising(t *testing.T) {
	b := bars(rising(10, 100))
	s := conditions.NewSeries(b)

	cond := types.Condition{
		Field: "close", CompareType: types.CompareConsecutive,
		LookbackField: "close", LookbackN: 5, ConsecutiveType: types.ConsecutiveRising,
	}
	ok, valid := conditions.Eval(s, cond, 9)
	assert.True(t, valid)
	assert.True(t, ok)
}

func TestEval_ConsecutiveRising_FailsOnDip(t *testing.T) {
	seq := rising(10, 100)
	seq[8] = seq[7] - 1 // a dip breaks the rising run
	b := bars(seq)
	s := conditions.NewSeries(b)

	cond := types.Condition{
		Field: "close", CompareType: types.CompareConsecutive,
		LookbackField: "close", LookbackN: 5, ConsecutiveType: types.ConsecutiveRising,
	}
	ok, valid := conditions.Eval(s, cond, 9)
	assert.True(t, valid)
	assert.False(t, ok)
}

func TestAllTrue_EmptyIsFalse(t *testing.T) {
	b := bars(rising(10, 100))
	s := conditions.NewSeries(b)
	assert.False(t, conditions.AllTrue(s, nil, 9))
}

func TestAnyTrue_Sell(t *testing.T) {
	b := bars(rising(30, 100))
	s := conditions.NewSeries(b)
	conds := []types.Condition{
		{Field: "close", CompareType: types.CompareValue, Operator: types.OpLT, CompareValue: 1}, // never true
		{Field: "close", CompareType: types.CompareValue, Operator: types.OpGT, CompareValue: 50}, // true
	}
	assert.True(t, conditions.AnyTrue(s, conds, 29))
}
