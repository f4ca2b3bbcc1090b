// Package indicators computes technical-indicator series over a stock's
// daily bars. Every function takes the full bar history and returns a
// same-length series aligned by index — callers read the last element
// for "current value" and earlier elements for lookback/consecutive
// condition checks (pkg/types.Condition's CompareLookback*/CompareConsecutive
// variants).
package indicators

import (
	"math"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// NaN marks an index where the indicator's lookback window isn't yet full.
var NaN = math.NaN()

func closes(bars []types.DailyPrice) []float64 { return fieldSeries(bars, func(b types.DailyPrice) float64 { f, _ := b.Close.Float64(); return f }) }
func highs(bars []types.DailyPrice) []float64   { return fieldSeries(bars, func(b types.DailyPrice) float64 { f, _ := b.High.Float64(); return f }) }
func lows(bars []types.DailyPrice) []float64    { return fieldSeries(bars, func(b types.DailyPrice) float64 { f, _ := b.Low.Float64(); return f }) }
func opens(bars []types.DailyPrice) []float64   { return fieldSeries(bars, func(b types.DailyPrice) float64 { f, _ := b.Open.Float64(); return f }) }
func volumes(bars []types.DailyPrice) []float64 { return fieldSeries(bars, func(b types.DailyPrice) float64 { f, _ := b.Volume.Float64(); return f }) }

func fieldSeries(bars []types.DailyPrice, get func(types.DailyPrice) float64) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = get(b)
	}
	return out
}

func naseries(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = NaN
	}
	return out
}

// SMA is the simple moving average over `period` bars.
func SMA(xs []float64, period int) []float64 {
	out := naseries(len(xs))
	for i := range xs {
		if i+1 < period {
			continue
		}
		sum := 0.0
		for j := i - period + 1; j <= i; j++ {
			sum += xs[j]
		}
		out[i] = sum / float64(period)
	}
	return out
}

// EMA is the exponential moving average, seeded by the first `period`-bar SMA.
func EMA(xs []float64, period int) []float64 {
	out := naseries(len(xs))
	if len(xs) < period {
		return out
	}
	mult := 2.0 / float64(period+1)
	sum := 0.0
	for i := 0; i < period; i++ {
		sum += xs[i]
	}
	ema := sum / float64(period)
	out[period-1] = ema
	for i := period; i < len(xs); i++ {
		ema = (xs[i]-ema)*mult + ema
		out[i] = ema
	}
	return out
}

// RSI is the Wilder-smoothed Relative Strength Index.
func RSI(xs []float64, period int) []float64 {
	out := naseries(len(xs))
	if len(xs) < period+1 {
		return out
	}
	gain, loss := 0.0, 0.0
	for i := 1; i <= period; i++ {
		d := xs[i] - xs[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	avgGain, avgLoss := gain/float64(period), loss/float64(period)
	out[period] = rsiFromAvg(avgGain, avgLoss)
	for i := period + 1; i < len(xs); i++ {
		d := xs[i] - xs[i-1]
		g, l := 0.0, 0.0
		if d > 0 {
			g = d
		} else {
			l = -d
		}
		avgGain = (avgGain*float64(period-1) + g) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + l) / float64(period)
		out[i] = rsiFromAvg(avgGain, avgLoss)
	}
	return out
}

func rsiFromAvg(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// MACD returns (macdLine, signalLine, histogram) series: EMA12-EMA26,
// a 9-period EMA of the MACD line, and their difference.
func MACD(xs []float64) (macdLine, signal, hist []float64) {
	e12, e26 := EMA(xs, 12), EMA(xs, 26)
	macdLine = naseries(len(xs))
	for i := range xs {
		if !math.IsNaN(e12[i]) && !math.IsNaN(e26[i]) {
			macdLine[i] = e12[i] - e26[i]
		}
	}
	signal = emaSkipNaN(macdLine, 9)
	hist = naseries(len(xs))
	for i := range xs {
		if !math.IsNaN(macdLine[i]) && !math.IsNaN(signal[i]) {
			hist[i] = macdLine[i] - signal[i]
		}
	}
	return
}

func emaSkipNaN(xs []float64, period int) []float64 {
	out := naseries(len(xs))
	start := -1
	for i, v := range xs {
		if !math.IsNaN(v) {
			start = i
			break
		}
	}
	if start < 0 || len(xs)-start < period {
		return out
	}
	sum := 0.0
	for i := start; i < start+period; i++ {
		sum += xs[i]
	}
	ema := sum / float64(period)
	out[start+period-1] = ema
	mult := 2.0 / float64(period+1)
	for i := start + period; i < len(xs); i++ {
		ema = (xs[i]-ema)*mult + ema
		out[i] = ema
	}
	return out
}

// KDJ returns the K, D, J stochastic-oscillator series (9,3,3 convention).
func KDJ(bars []types.DailyPrice) (k, d, j []float64) {
	h, l, c := highs(bars), lows(bars), closes(bars)
	n := len(bars)
	k, d, j = naseries(n), naseries(n), naseries(n)
	const period = 9
	prevK, prevD := 50.0, 50.0
	for i := 0; i < n; i++ {
		if i+1 < period {
			continue
		}
		hh, ll := h[i], l[i]
		for x := i - period + 1; x <= i; x++ {
			if h[x] > hh {
				hh = h[x]
			}
			if l[x] < ll {
				ll = l[x]
			}
		}
		rsv := 50.0
		if hh != ll {
			rsv = (c[i] - ll) / (hh - ll) * 100
		}
		kv := (2.0/3)*prevK + (1.0/3)*rsv
		dv := (2.0/3)*prevD + (1.0/3)*kv
		k[i], d[i] = kv, dv
		j[i] = 3*kv - 2*dv
		prevK, prevD = kv, dv
	}
	return
}

// BOLL returns the (upper, middle, lower) Bollinger Band series.
func BOLL(xs []float64, period int, stdDevMult float64) (upper, middle, lower []float64) {
	middle = SMA(xs, period)
	n := len(xs)
	upper, lower = naseries(n), naseries(n)
	for i := 0; i < n; i++ {
		if math.IsNaN(middle[i]) {
			continue
		}
		sumSq := 0.0
		for x := i - period + 1; x <= i; x++ {
			diff := xs[x] - middle[i]
			sumSq += diff * diff
		}
		sd := math.Sqrt(sumSq / float64(period))
		upper[i] = middle[i] + stdDevMult*sd
		lower[i] = middle[i] - stdDevMult*sd
	}
	return
}

// ATR is Wilder's Average True Range.
func ATR(bars []types.DailyPrice, period int) []float64 {
	h, l, c := highs(bars), lows(bars), closes(bars)
	n := len(bars)
	out := naseries(n)
	if n < period+1 {
		return out
	}
	tr := make([]float64, n)
	for i := 1; i < n; i++ {
		tr[i] = math.Max(h[i]-l[i], math.Max(math.Abs(h[i]-c[i-1]), math.Abs(l[i]-c[i-1])))
	}
	sum := 0.0
	for i := 1; i <= period; i++ {
		sum += tr[i]
	}
	atr := sum / float64(period)
	out[period] = atr
	for i := period + 1; i < n; i++ {
		atr = (atr*float64(period-1) + tr[i]) / float64(period)
		out[i] = atr
	}
	return out
}

// CCI is the Commodity Channel Index.
func CCI(bars []types.DailyPrice, period int) []float64 {
	h, l, c := highs(bars), lows(bars), closes(bars)
	n := len(bars)
	tp := make([]float64, n)
	for i := range tp {
		tp[i] = (h[i] + l[i] + c[i]) / 3
	}
	smaTP := SMA(tp, period)
	out := naseries(n)
	for i := 0; i < n; i++ {
		if math.IsNaN(smaTP[i]) {
			continue
		}
		meanDev := 0.0
		for x := i - period + 1; x <= i; x++ {
			meanDev += math.Abs(tp[x] - smaTP[i])
		}
		meanDev /= float64(period)
		if meanDev == 0 {
			out[i] = 0
			continue
		}
		out[i] = (tp[i] - smaTP[i]) / (0.015 * meanDev)
	}
	return out
}

// WR is Williams %R, in [-100, 0].
func WR(bars []types.DailyPrice, period int) []float64 {
	h, l, c := highs(bars), lows(bars), closes(bars)
	n := len(bars)
	out := naseries(n)
	for i := 0; i < n; i++ {
		if i+1 < period {
			continue
		}
		hh, ll := h[i], l[i]
		for x := i - period + 1; x <= i; x++ {
			if h[x] > hh {
				hh = h[x]
			}
			if l[x] < ll {
				ll = l[x]
			}
		}
		if hh == ll {
			out[i] = -50
			continue
		}
		out[i] = (hh - c[i]) / (hh - ll) * -100
	}
	return out
}

// ADX returns (adx, plusDI, minusDI) — Wilder's directional movement index.
func ADX(bars []types.DailyPrice, period int) (adx, plusDI, minusDI []float64) {
	h, l, c := highs(bars), lows(bars), closes(bars)
	n := len(bars)
	adx, plusDI, minusDI = naseries(n), naseries(n), naseries(n)
	if n < 2*period {
		return
	}
	tr := make([]float64, n)
	plusDM := make([]float64, n)
	minusDM := make([]float64, n)
	for i := 1; i < n; i++ {
		upMove := h[i] - h[i-1]
		downMove := l[i-1] - l[i]
		if upMove > downMove && upMove > 0 {
			plusDM[i] = upMove
		}
		if downMove > upMove && downMove > 0 {
			minusDM[i] = downMove
		}
		tr[i] = math.Max(h[i]-l[i], math.Max(math.Abs(h[i]-c[i-1]), math.Abs(l[i]-c[i-1])))
	}
	smTR, smPlus, smMinus := 0.0, 0.0, 0.0
	for i := 1; i <= period; i++ {
		smTR += tr[i]
		smPlus += plusDM[i]
		smMinus += minusDM[i]
	}
	dxs := naseries(n)
	setDI := func(i int) {
		if smTR == 0 {
			return
		}
		pdi := 100 * smPlus / smTR
		mdi := 100 * smMinus / smTR
		plusDI[i], minusDI[i] = pdi, mdi
		if pdi+mdi != 0 {
			dxs[i] = math.Abs(pdi-mdi) / (pdi + mdi) * 100
		}
	}
	setDI(period)
	for i := period + 1; i < n; i++ {
		smTR = smTR - smTR/float64(period) + tr[i]
		smPlus = smPlus - smPlus/float64(period) + plusDM[i]
		smMinus = smMinus - smMinus/float64(period) + minusDM[i]
		setDI(i)
	}
	sum, count := 0.0, 0
	for i := period; i < 2*period && i < n; i++ {
		if !math.IsNaN(dxs[i]) {
			sum += dxs[i]
			count++
		}
	}
	if count == 0 {
		return
	}
	adxVal := sum / float64(count)
	adx[2*period-1] = adxVal
	for i := 2 * period; i < n; i++ {
		if math.IsNaN(dxs[i]) {
			continue
		}
		adxVal = (adxVal*float64(period-1) + dxs[i]) / float64(period)
		adx[i] = adxVal
	}
	return
}

// MFI is the Money Flow Index, a volume-weighted RSI.
func MFI(bars []types.DailyPrice, period int) []float64 {
	h, l, c, v := highs(bars), lows(bars), closes(bars), volumes(bars)
	n := len(bars)
	out := naseries(n)
	tp := make([]float64, n)
	for i := range tp {
		tp[i] = (h[i] + l[i] + c[i]) / 3
	}
	for i := period; i < n; i++ {
		posFlow, negFlow := 0.0, 0.0
		for x := i - period + 1; x <= i; x++ {
			mf := tp[x] * v[x]
			if x == 0 {
				continue
			}
			if tp[x] > tp[x-1] {
				posFlow += mf
			} else if tp[x] < tp[x-1] {
				negFlow += mf
			}
		}
		if negFlow == 0 {
			out[i] = 100
			continue
		}
		ratio := posFlow / negFlow
		out[i] = 100 - 100/(1+ratio)
	}
	return out
}

// OBV is On-Balance Volume, a cumulative running series (no warm-up NaNs).
func OBV(bars []types.DailyPrice) []float64 {
	c, v := closes(bars), volumes(bars)
	out := make([]float64, len(bars))
	for i := 1; i < len(bars); i++ {
		switch {
		case c[i] > c[i-1]:
			out[i] = out[i-1] + v[i]
		case c[i] < c[i-1]:
			out[i] = out[i-1] - v[i]
		default:
			out[i] = out[i-1]
		}
	}
	return out
}

// StochRSI returns (k, d) applying the stochastic formula to an RSI series.
func StochRSI(xs []float64, rsiPeriod, stochPeriod, smoothK, smoothD int) (k, d []float64) {
	rsi := RSI(xs, rsiPeriod)
	n := len(xs)
	rawK := naseries(n)
	for i := 0; i < n; i++ {
		if i+1 < rsiPeriod+stochPeriod || math.IsNaN(rsi[i]) {
			continue
		}
		hi, lo := rsi[i], rsi[i]
		valid := true
		for x := i - stochPeriod + 1; x <= i; x++ {
			if math.IsNaN(rsi[x]) {
				valid = false
				break
			}
			if rsi[x] > hi {
				hi = rsi[x]
			}
			if rsi[x] < lo {
				lo = rsi[x]
			}
		}
		if !valid || hi == lo {
			continue
		}
		rawK[i] = (rsi[i] - lo) / (hi - lo) * 100
	}
	k = SMA(rawK, smoothK)
	d = SMA(k, smoothD)
	return
}

// ROC is Rate of Change, percent.
func ROC(xs []float64, period int) []float64 {
	n := len(xs)
	out := naseries(n)
	for i := period; i < n; i++ {
		if xs[i-period] == 0 {
			continue
		}
		out[i] = (xs[i] - xs[i-period]) / xs[i-period] * 100
	}
	return out
}

// CMF is Chaikin Money Flow, in [-1, 1].
func CMF(bars []types.DailyPrice, period int) []float64 {
	h, l, c, v := highs(bars), lows(bars), closes(bars), volumes(bars)
	n := len(bars)
	mfv := make([]float64, n)
	for i := range mfv {
		rng := h[i] - l[i]
		if rng == 0 {
			continue
		}
		mfv[i] = ((c[i] - l[i]) - (h[i] - c[i])) / rng * v[i]
	}
	out := naseries(n)
	for i := period - 1; i < n; i++ {
		sumMFV, sumVol := 0.0, 0.0
		for x := i - period + 1; x <= i; x++ {
			sumMFV += mfv[x]
			sumVol += v[x]
		}
		if sumVol == 0 {
			continue
		}
		out[i] = sumMFV / sumVol
	}
	return out
}

// TRIX is the 1-day rate of change of a triple-smoothed EMA, in decimal (not %).
func TRIX(xs []float64, period int) []float64 {
	e1 := EMA(xs, period)
	e2 := emaSkipNaN(e1, period)
	e3 := emaSkipNaN(e2, period)
	n := len(xs)
	out := naseries(n)
	for i := 1; i < n; i++ {
		if math.IsNaN(e3[i]) || math.IsNaN(e3[i-1]) || e3[i-1] == 0 {
			continue
		}
		out[i] = (e3[i] - e3[i-1]) / e3[i-1]
	}
	return out
}

// DPO is the Detrended Price Oscillator.
func DPO(xs []float64, period int) []float64 {
	sma := SMA(xs, period)
	n := len(xs)
	shift := period/2 + 1
	out := naseries(n)
	for i := shift; i < n; i++ {
		ref := i - shift
		if math.IsNaN(sma[ref]) {
			continue
		}
		out[i] = xs[i] - sma[ref]
	}
	return out
}

// PSAR is the Parabolic Stop-And-Reverse series.
func PSAR(bars []types.DailyPrice, step, maxStep float64) []float64 {
	h, l := highs(bars), lows(bars)
	n := len(bars)
	out := make([]float64, n)
	if n < 2 {
		return out
	}
	bullish := h[1] >= h[0]
	af := step
	var ep, sar float64
	if bullish {
		sar, ep = l[0], h[0]
	} else {
		sar, ep = h[0], l[0]
	}
	out[0] = sar
	for i := 1; i < n; i++ {
		sar = sar + af*(ep-sar)
		if bullish {
			if l[i] < sar {
				bullish = false
				sar = ep
				ep = l[i]
				af = step
			} else {
				if h[i] > ep {
					ep = h[i]
					af = math.Min(af+step, maxStep)
				}
			}
		} else {
			if h[i] > sar {
				bullish = true
				sar = ep
				ep = h[i]
				af = step
			} else {
				if l[i] < ep {
					ep = l[i]
					af = math.Min(af+step, maxStep)
				}
			}
		}
		out[i] = sar
	}
	return out
}

// VWAP is a cumulative-from-series-start Volume Weighted Average Price.
func VWAP(bars []types.DailyPrice) []float64 {
	h, l, c, v := highs(bars), lows(bars), closes(bars), volumes(bars)
	n := len(bars)
	out := make([]float64, n)
	cumPV, cumV := 0.0, 0.0
	for i := 0; i < n; i++ {
		tp := (h[i] + l[i] + c[i]) / 3
		cumPV += tp * v[i]
		cumV += v[i]
		if cumV == 0 {
			out[i] = tp
			continue
		}
		out[i] = cumPV / cumV
	}
	return out
}
