package indicators

import "github.com/atlas-desktop/trading-backend/pkg/types"

// FieldRange is an inclusive [min, max] bound for compare_type=value
// validation (spec §4.2 step 3). A nil FieldSpec.Range means value
// comparisons on the field are not bounds-checked; fields that reject
// value comparisons outright are marked by FieldSpec.RequireFieldCmp.
type FieldRange struct{ Min, Max float64 }

// FieldSpec describes one evaluable field: its default params (used to
// fill compare_type=field conditions per spec §4.2 step 5) and its
// value-comparison bounds.
type FieldSpec struct {
	Name            string
	DefaultParams   map[string]any
	Range           *FieldRange
	RequireFieldCmp bool // true: compare_type=value must be rejected for this field
}

func rng(lo, hi float64) *FieldRange { return &FieldRange{Min: lo, Max: hi} }

// Registry is the built-in + extended indicator field registry (spec
// §4.2 step 1's "union of built-in and extended registries", and the
// value-bounds table in the same section).
var Registry = map[string]FieldSpec{
	"close":  {Name: "close", Range: rng(2, 10000)},
	"open":   {Name: "open", Range: rng(2, 10000)},
	"high":   {Name: "high", Range: rng(2, 10000)},
	"low":    {Name: "low", Range: rng(2, 10000)},
	"volume": {Name: "volume"},

	"MA":  {Name: "MA", DefaultParams: map[string]any{"period": 20}, Range: rng(2, 10000)},
	"EMA": {Name: "EMA", DefaultParams: map[string]any{"period": 20}, Range: rng(2, 10000)},

	"RSI": {Name: "RSI", DefaultParams: map[string]any{"period": 14}, Range: rng(0, 100)},

	"KDJ_K": {Name: "KDJ_K", Range: rng(0, 100)},
	"KDJ_D": {Name: "KDJ_D", Range: rng(0, 100)},
	"KDJ_J": {Name: "KDJ_J", Range: rng(-20, 120)},

	"MACD":      {Name: "MACD"},
	"MACD_hist": {Name: "MACD_hist"},

	"BOLL_upper":  {Name: "BOLL_upper", DefaultParams: map[string]any{"length": 20, "std": 2.0}, RequireFieldCmp: true},
	"BOLL_middle": {Name: "BOLL_middle", DefaultParams: map[string]any{"length": 20, "std": 2.0}, RequireFieldCmp: true},
	"BOLL_lower":  {Name: "BOLL_lower", DefaultParams: map[string]any{"length": 20, "std": 2.0}, RequireFieldCmp: true},

	"ATR": {Name: "ATR", DefaultParams: map[string]any{"period": 14}, Range: rng(0.1, 500)},
	"CCI": {Name: "CCI", DefaultParams: map[string]any{"period": 20}, Range: rng(-500, 500)},
	"WR":  {Name: "WR", DefaultParams: map[string]any{"period": 14}, Range: rng(-100, 0)},

	"ADX":          {Name: "ADX", DefaultParams: map[string]any{"period": 14}, Range: rng(0, 100)},
	"ADX_plus_di":  {Name: "ADX_plus_di", DefaultParams: map[string]any{"period": 14}, Range: rng(0, 100)},
	"ADX_minus_di": {Name: "ADX_minus_di", DefaultParams: map[string]any{"period": 14}, Range: rng(0, 100)},

	"MFI": {Name: "MFI", DefaultParams: map[string]any{"period": 14}, Range: rng(0, 100)},
	"OBV": {Name: "OBV", RequireFieldCmp: true},

	"STOCHRSI_K": {Name: "STOCHRSI_K", DefaultParams: map[string]any{"period": 14}, Range: rng(0, 100)},
	"STOCHRSI_D": {Name: "STOCHRSI_D", DefaultParams: map[string]any{"period": 14}, Range: rng(0, 100)},

	"ROC":  {Name: "ROC", DefaultParams: map[string]any{"period": 10}, Range: rng(-50, 50)},
	"CMF":  {Name: "CMF", DefaultParams: map[string]any{"period": 20}, Range: rng(-1, 1)},
	"TRIX": {Name: "TRIX", DefaultParams: map[string]any{"period": 15}, Range: rng(-1, 1)},
	"DPO":  {Name: "DPO", DefaultParams: map[string]any{"period": 20}, Range: rng(-100, 100)},

	"PSAR": {Name: "PSAR", DefaultParams: map[string]any{"step": 0.02, "max_step": 0.2}, RequireFieldCmp: true},
	"VWAP": {Name: "VWAP", RequireFieldCmp: true},
}

func paramInt(params map[string]any, key string, def int) int {
	if v, ok := params[key]; ok {
		switch x := v.(type) {
		case int:
			return x
		case float64:
			return int(x)
		}
	}
	return def
}

func paramFloat(params map[string]any, key string, def float64) float64 {
	if v, ok := params[key]; ok {
		switch x := v.(type) {
		case float64:
			return x
		case int:
			return float64(x)
		}
	}
	return def
}

// ComputeSeries computes the named field's full series over bars using
// params (falling back to the registry's defaults for missing keys).
// The bool return is false for an unknown field.
func ComputeSeries(bars []types.DailyPrice, field string, params map[string]any) ([]float64, bool) {
	spec, known := Registry[field]
	if !known {
		return nil, false
	}
	merged := mergeParams(spec.DefaultParams, params)

	switch field {
	case "close":
		return closes(bars), true
	case "open":
		return opens(bars), true
	case "high":
		return highs(bars), true
	case "low":
		return lows(bars), true
	case "volume":
		return volumes(bars), true
	case "MA":
		return SMA(closes(bars), paramInt(merged, "period", 20)), true
	case "EMA":
		return EMA(closes(bars), paramInt(merged, "period", 20)), true
	case "RSI":
		return RSI(closes(bars), paramInt(merged, "period", 14)), true
	case "KDJ_K":
		k, _, _ := KDJ(bars)
		return k, true
	case "KDJ_D":
		_, d, _ := KDJ(bars)
		return d, true
	case "KDJ_J":
		_, _, j := KDJ(bars)
		return j, true
	case "MACD":
		m, _, _ := MACD(closes(bars))
		return m, true
	case "MACD_hist":
		_, _, h := MACD(closes(bars))
		return h, true
	case "BOLL_upper":
		u, _, _ := BOLL(closes(bars), paramInt(merged, "length", 20), paramFloat(merged, "std", 2.0))
		return u, true
	case "BOLL_middle":
		_, m, _ := BOLL(closes(bars), paramInt(merged, "length", 20), paramFloat(merged, "std", 2.0))
		return m, true
	case "BOLL_lower":
		_, _, l := BOLL(closes(bars), paramInt(merged, "length", 20), paramFloat(merged, "std", 2.0))
		return l, true
	case "ATR":
		return ATR(bars, paramInt(merged, "period", 14)), true
	case "CCI":
		return CCI(bars, paramInt(merged, "period", 20)), true
	case "WR":
		return WR(bars, paramInt(merged, "period", 14)), true
	case "ADX":
		a, _, _ := ADX(bars, paramInt(merged, "period", 14))
		return a, true
	case "ADX_plus_di":
		_, p, _ := ADX(bars, paramInt(merged, "period", 14))
		return p, true
	case "ADX_minus_di":
		_, _, m := ADX(bars, paramInt(merged, "period", 14))
		return m, true
	case "MFI":
		return MFI(bars, paramInt(merged, "period", 14)), true
	case "OBV":
		return OBV(bars), true
	case "STOCHRSI_K":
		k, _ := StochRSI(closes(bars), paramInt(merged, "period", 14), 14, 3, 3)
		return k, true
	case "STOCHRSI_D":
		_, d := StochRSI(closes(bars), paramInt(merged, "period", 14), 14, 3, 3)
		return d, true
	case "ROC":
		return ROC(closes(bars), paramInt(merged, "period", 10)), true
	case "CMF":
		return CMF(bars, paramInt(merged, "period", 20)), true
	case "TRIX":
		return TRIX(closes(bars), paramInt(merged, "period", 15)), true
	case "DPO":
		return DPO(closes(bars), paramInt(merged, "period", 20)), true
	case "PSAR":
		return PSAR(bars, paramFloat(merged, "step", 0.02), paramFloat(merged, "max_step", 0.2)), true
	case "VWAP":
		return VWAP(bars), true
	}
	return nil, false
}

func mergeParams(defaults, given map[string]any) map[string]any {
	out := make(map[string]any, len(defaults)+len(given))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range given {
		out[k] = v
	}
	return out
}
