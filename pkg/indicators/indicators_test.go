package indicators_test

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-desktop/trading-backend/pkg/indicators"
	"github.com/atlas-desktop/trading-backend/pkg/types"
)

func bars(n int, start float64, step float64) []types.DailyPrice {
	out := make([]types.DailyPrice, n)
	d := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	price := start
	for i := 0; i < n; i++ {
		out[i] = types.DailyPrice{
			Code: "000001", Date: d,
			Open: decimal.NewFromFloat(price), High: decimal.NewFromFloat(price * 1.01),
			Low: decimal.NewFromFloat(price * 0.99), Close: decimal.NewFromFloat(price),
			Volume: decimal.NewFromFloat(10000),
		}
		price += step
		d = d.AddDate(0, 0, 1)
	}
	return out
}

func closesOf(b []types.DailyPrice) []float64 {
	out := make([]float64, len(b))
	for i, x := range b {
		f, _ := x.Close.Float64()
		out[i] = f
	}
	return out
}

func TestSMA_EMA(t *testing.T) {
	b := bars(30, 100, 1)
	xs := closesOf(b)

	sma := indicators.SMA(xs, 5)
	require.True(t, math.IsNaN(sma[3]))
	assert.InDelta(t, xs[4]-2, sma[4], 1e-9) // mean of 5 consecutive +1-step values = middle value

	ema := indicators.EMA(xs, 5)
	require.True(t, math.IsNaN(ema[3]))
	assert.False(t, math.IsNaN(ema[29]))
}

func TestRSI_TrendingUpIsHigh(t *testing.T) {
	b := bars(30, 100, 1) // strictly increasing closes
	xs := closesOf(b)
	rsi := indicators.RSI(xs, 14)
	assert.InDelta(t, 100, rsi[29], 0.01, "a strictly rising series has no losses, RSI should be 100")
}

func TestMACD_Shapes(t *testing.T) {
	b := bars(60, 100, 0.5)
	xs := closesOf(b)
	macd, signal, hist := indicators.MACD(xs)
	require.Len(t, macd, 60)
	require.Len(t, signal, 60)
	require.Len(t, hist, 60)
	assert.False(t, math.IsNaN(macd[59]))
}

func TestKDJ_BoundedRange(t *testing.T) {
	b := bars(40, 100, 0.3)
	k, d, j := indicators.KDJ(b)
	for i := 20; i < len(b); i++ {
		assert.GreaterOrEqual(t, k[i], 0.0)
		assert.LessOrEqual(t, k[i], 100.0)
		assert.GreaterOrEqual(t, d[i], 0.0)
		assert.LessOrEqual(t, d[i], 100.0)
		_ = j[i]
	}
}

func TestBOLL_MiddleIsSMA(t *testing.T) {
	b := bars(30, 100, 1)
	xs := closesOf(b)
	upper, middle, lower := indicators.BOLL(xs, 20, 2)
	sma := indicators.SMA(xs, 20)
	for i := 19; i < 30; i++ {
		assert.InDelta(t, sma[i], middle[i], 1e-9)
		assert.Greater(t, upper[i], middle[i])
		assert.Less(t, lower[i], middle[i])
	}
}

func TestATR_Positive(t *testing.T) {
	b := bars(30, 100, 1)
	atr := indicators.ATR(b, 14)
	require.False(t, math.IsNaN(atr[29]))
	assert.Greater(t, atr[29], 0.0)
}

func TestOBV_Cumulative(t *testing.T) {
	b := bars(10, 100, 1) // strictly rising close -> OBV strictly rising
	obv := indicators.OBV(b)
	for i := 1; i < len(obv); i++ {
		assert.Greater(t, obv[i], obv[i-1])
	}
}

func TestWR_Range(t *testing.T) {
	b := bars(30, 100, 0.5)
	wr := indicators.WR(b, 14)
	for i := 13; i < len(wr); i++ {
		assert.GreaterOrEqual(t, wr[i], -100.0)
		assert.LessOrEqual(t, wr[i], 0.0)
	}
}

func TestVWAP_WithinRange(t *testing.T) {
	b := bars(20, 100, 1)
	vwap := indicators.VWAP(b)
	for i, v := range vwap {
		low, _ := b[i].Low.Float64()
		assert.GreaterOrEqual(t, v, low*0.9)
	}
}
