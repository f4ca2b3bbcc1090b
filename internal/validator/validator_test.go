package validator_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-desktop/trading-backend/internal/validator"
	"github.com/atlas-desktop/trading-backend/pkg/types"
)

func TestValidate_RejectsUnknownField(t *testing.T) {
	r := validator.Validate(validator.Candidate{
		BuyConditions: []types.Condition{
			{Field: "MADE_UP_FIELD", Operator: types.OpGT, CompareType: types.CompareValue, CompareValue: 10},
		},
	})
	assert.Equal(t, types.StratFailed, r.Status)
	assert.Empty(t, r.BuyConditions)
	assert.NotEmpty(t, r.ErrorMessage)
}

func TestValidate_RejectsOutOfRangeValue(t *testing.T) {
	r := validator.Validate(validator.Candidate{
		BuyConditions: []types.Condition{
			{Field: "RSI", Operator: types.OpLT, CompareType: types.CompareValue, CompareValue: 500},
		},
	})
	assert.Empty(t, r.BuyConditions)
}

func TestValidate_DropsTautology(t *testing.T) {
	r := validator.Validate(validator.Candidate{
		BuyConditions: []types.Condition{
			{Field: "OBV", Operator: types.OpGT, CompareType: types.CompareField, CompareField: "OBV"},
		},
	})
	assert.Empty(t, r.BuyConditions)
}

func TestValidate_DropsContradiction(t *testing.T) {
	r := validator.Validate(validator.Candidate{
		BuyConditions: []types.Condition{
			{Field: "RSI", Operator: types.OpGT, CompareType: types.CompareValue, CompareValue: 80},
			{Field: "RSI", Operator: types.OpLT, CompareType: types.CompareValue, CompareValue: 20},
		},
	})
	assert.Empty(t, r.BuyConditions, "RSI>80 AND RSI<20 is unsatisfiable, both conditions should be dropped")
	assert.Equal(t, types.StratFailed, r.Status)
}

func TestValidate_CapsBuyConditionsAtFour(t *testing.T) {
	conds := make([]types.Condition, 6)
	for i := range conds {
		conds[i] = types.Condition{Field: "close", Operator: types.OpGT, CompareType: types.CompareValue, CompareValue: 10}
	}
	r := validator.Validate(validator.Candidate{BuyConditions: conds})
	assert.Len(t, r.BuyConditions, validator.MaxBuyConditions)
}

func TestValidate_AutoSwapsReversedFieldComparison(t *testing.T) {
	r := validator.Validate(validator.Candidate{
		BuyConditions: []types.Condition{
			{Field: "RSI", Operator: types.OpGT, CompareType: types.CompareField, CompareField: "close"},
		},
	})
	require.Len(t, r.BuyConditions, 1)
	assert.Equal(t, "close", r.BuyConditions[0].Field)
	assert.Equal(t, "RSI", r.BuyConditions[0].CompareField)
	assert.Equal(t, types.OpLT, r.BuyConditions[0].Operator)
}

func TestValidate_FillsDefaultParams(t *testing.T) {
	r := validator.Validate(validator.Candidate{
		BuyConditions: []types.Condition{
			{Field: "close", Operator: types.OpGT, CompareType: types.CompareField, CompareField: "BOLL_lower"},
		},
	})
	require.Len(t, r.BuyConditions, 1)
	assert.Equal(t, 20, r.BuyConditions[0].CompareParams["length"])
}

func TestValidate_ExitConfigDefaults(t *testing.T) {
	r := validator.Validate(validator.Candidate{
		BuyConditions: []types.Condition{{Field: "close", Operator: types.OpGT, CompareType: types.CompareValue, CompareValue: 10}},
	})
	assert.Equal(t, -8.0, r.ExitConfig.StopLossPct)
	assert.Equal(t, 20.0, r.ExitConfig.TakeProfitPct)
	assert.Equal(t, 20, r.ExitConfig.MaxHoldDays)
}

func TestValidate_StatusPendingWhenEitherSideSurvives(t *testing.T) {
	r := validator.Validate(validator.Candidate{
		BuyConditions: []types.Condition{{Field: "close", Operator: types.OpGT, CompareType: types.CompareValue, CompareValue: 10}},
	})
	assert.Equal(t, types.StratPending, r.Status)
}

func TestReachable_TrueForSatisfiableConditions(t *testing.T) {
	ok, _ := validator.Reachable([]types.Condition{
		{Field: "RSI", Operator: types.OpLT, CompareType: types.CompareValue, CompareValue: 30},
	})
	assert.True(t, ok)
}

func TestReachable_FalseForContradiction(t *testing.T) {
	ok, reason := validator.Reachable([]types.Condition{
		{Field: "RSI", Operator: types.OpGT, CompareType: types.CompareValue, CompareValue: 80},
		{Field: "RSI", Operator: types.OpLT, CompareType: types.CompareValue, CompareValue: 20},
	})
	assert.False(t, ok)
	assert.NotEmpty(t, reason)
}
