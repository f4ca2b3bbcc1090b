// Package data also provides data quality validation for cached daily bars.
// Validates for missing sessions, extreme prices, volume anomalies, and
// OHLC consistency before a stock's bars are handed to the backtest engine.
package data

import (
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// QualityValidator checks cached daily-bar integrity for one stock.
type QualityValidator struct {
	logger *zap.Logger

	ExpectedTradingDaysPerYear int
	MaxIntradayMove            float64
	MaxGapMove                 float64
	MinVolume                  float64
	MaxVolumeMultiple          float64
}

// DataIssue represents a data quality problem.
type DataIssue struct {
	Type     string    `json:"type"`
	Severity string    `json:"severity"` // "critical", "high", "medium", "low"
	Date     time.Time `json:"date"`
	Code     string    `json:"code"`
	Message  string    `json:"message"`
	Value    string    `json:"value,omitempty"`
	BarIndex int       `json:"bar_index,omitempty"`
}

// QualityReport summarizes data quality assessment for one stock.
type QualityReport struct {
	Code         string      `json:"code"`
	TotalBars    int         `json:"total_bars"`
	Issues       []DataIssue `json:"issues"`
	QualityScore int         `json:"quality_score"` // 0-100
	IsUsable     bool        `json:"is_usable"`

	MissingDataCount   int `json:"missing_data_count"`
	PriceAnomalyCount  int `json:"price_anomaly_count"`
	VolumeAnomalyCount int `json:"volume_anomaly_count"`
	OHLCErrorCount     int `json:"ohlc_error_count"`

	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`

	Recommendations []string `json:"recommendations"`
}

// NewQualityValidator creates a validator tuned for the A-share market:
// 252 trading days/year and circuit-breaker-bounded daily moves.
func NewQualityValidator(logger *zap.Logger) *QualityValidator {
	return &QualityValidator{
		logger:                     logger,
		ExpectedTradingDaysPerYear: 252,
		MaxIntradayMove:            0.20,
		MaxGapMove:                 0.15,
		MinVolume:                  1000,
		MaxVolumeMultiple:          10.0,
	}
}

// Validate runs all quality checks on a stock's cached bars.
func (v *QualityValidator) Validate(bars []types.DailyPrice, code string) *QualityReport {
	if len(bars) == 0 {
		return &QualityReport{
			Code:         code,
			Issues:       []DataIssue{{Type: "NO_DATA", Severity: "critical", Message: "No data cached"}},
			QualityScore: 0,
			IsUsable:     false,
		}
	}

	var issues []DataIssue
	issues = append(issues, v.checkMissingData(bars, code)...)
	issues = append(issues, v.checkPriceAnomalies(bars, code)...)
	issues = append(issues, v.checkVolumeAnomalies(bars, code)...)
	issues = append(issues, v.checkOHLCConsistency(bars, code)...)
	issues = append(issues, v.checkChronologicalOrder(bars, code)...)

	score := v.calculateQualityScore(len(bars), issues)

	return &QualityReport{
		Code:               code,
		TotalBars:          len(bars),
		Issues:             issues,
		QualityScore:       score,
		IsUsable:           score >= 70 && !v.hasCriticalIssues(issues),
		MissingDataCount:   countIssuesByType(issues, "GAP_DETECTED"),
		PriceAnomalyCount:  countIssuesByType(issues, "NEGATIVE_PRICE", "EXTREME_MOVE", "GAP_MOVE", "ZERO_PRICE"),
		VolumeAnomalyCount: countIssuesByType(issues, "ZERO_VOLUME", "LOW_VOLUME", "VOLUME_SPIKE"),
		OHLCErrorCount:     countIssuesByType(issues, "OHLC_INCONSISTENT"),
		StartDate:          bars[0].Date,
		EndDate:            bars[len(bars)-1].Date,
		Recommendations:    v.generateRecommendations(issues),
	}
}

func (v *QualityValidator) checkMissingData(bars []types.DailyPrice, code string) []DataIssue {
	var issues []DataIssue
	for i := 1; i < len(bars); i++ {
		gapDays := int(bars[i].Date.Sub(bars[i-1].Date).Hours() / 24)
		if gapDays > 10 {
			severity := "high"
			if gapDays > 30 {
				severity = "critical"
			}
			issues = append(issues, DataIssue{
				Type: "GAP_DETECTED", Severity: severity, Date: bars[i-1].Date, Code: code,
				Message: "data gap detected", BarIndex: i - 1,
			})
		}
	}
	return issues
}

func (v *QualityValidator) checkPriceAnomalies(bars []types.DailyPrice, code string) []DataIssue {
	var issues []DataIssue
	for i, bar := range bars {
		if bar.Open.IsZero() || bar.High.IsZero() || bar.Low.IsZero() || bar.Close.IsZero() {
			issues = append(issues, DataIssue{Type: "ZERO_PRICE", Severity: "critical", Date: bar.Date, Code: code, BarIndex: i})
			continue
		}
		if bar.Open.IsNegative() || bar.High.IsNegative() || bar.Low.IsNegative() || bar.Close.IsNegative() {
			issues = append(issues, DataIssue{Type: "NEGATIVE_PRICE", Severity: "critical", Date: bar.Date, Code: code, BarIndex: i})
			continue
		}
		if !bar.Low.IsZero() {
			move, _ := bar.High.Sub(bar.Low).Div(bar.Low).Float64()
			if move > v.MaxIntradayMove {
				issues = append(issues, DataIssue{Type: "EXTREME_MOVE", Severity: "high", Date: bar.Date, Code: code, BarIndex: i})
			}
		}
		if i > 0 && !bars[i-1].Close.IsZero() {
			move, _ := bar.Open.Sub(bars[i-1].Close).Div(bars[i-1].Close).Abs().Float64()
			if move > v.MaxGapMove {
				issues = append(issues, DataIssue{Type: "GAP_MOVE", Severity: "medium", Date: bar.Date, Code: code, BarIndex: i})
			}
		}
	}
	return issues
}

func (v *QualityValidator) checkVolumeAnomalies(bars []types.DailyPrice, code string) []DataIssue {
	var issues []DataIssue
	var total decimal.Decimal
	nonZero := 0
	for _, bar := range bars {
		if bar.Volume.IsPositive() {
			total = total.Add(bar.Volume)
			nonZero++
		}
	}
	var avg float64
	if nonZero > 0 {
		avg, _ = total.Div(decimal.NewFromInt(int64(nonZero))).Float64()
	}
	for i, bar := range bars {
		vol, _ := bar.Volume.Float64()
		if bar.Volume.IsZero() {
			issues = append(issues, DataIssue{Type: "ZERO_VOLUME", Severity: "low", Date: bar.Date, Code: code, BarIndex: i})
			continue
		}
		if vol < v.MinVolume {
			issues = append(issues, DataIssue{Type: "LOW_VOLUME", Severity: "low", Date: bar.Date, Code: code, BarIndex: i})
		}
		if avg > 0 && vol > avg*v.MaxVolumeMultiple {
			issues = append(issues, DataIssue{Type: "VOLUME_SPIKE", Severity: "low", Date: bar.Date, Code: code, BarIndex: i})
		}
	}
	return issues
}

func (v *QualityValidator) checkOHLCConsistency(bars []types.DailyPrice, code string) []DataIssue {
	var issues []DataIssue
	for i, bar := range bars {
		if bar.High.LessThan(bar.Open) || bar.High.LessThan(bar.Close) || bar.High.LessThan(bar.Low) {
			issues = append(issues, DataIssue{Type: "OHLC_INCONSISTENT", Severity: "critical", Date: bar.Date, Code: code, BarIndex: i})
		}
		if bar.Low.GreaterThan(bar.Open) || bar.Low.GreaterThan(bar.Close) || bar.Low.GreaterThan(bar.High) {
			issues = append(issues, DataIssue{Type: "OHLC_INCONSISTENT", Severity: "critical", Date: bar.Date, Code: code, BarIndex: i})
		}
	}
	return issues
}

func (v *QualityValidator) checkChronologicalOrder(bars []types.DailyPrice, code string) []DataIssue {
	var issues []DataIssue
	for i := 1; i < len(bars); i++ {
		if bars[i].Date.Before(bars[i-1].Date) {
			issues = append(issues, DataIssue{Type: "OUT_OF_ORDER", Severity: "critical", Date: bars[i].Date, Code: code, BarIndex: i})
		}
	}
	return issues
}

func (v *QualityValidator) calculateQualityScore(totalBars int, issues []DataIssue) int {
	if totalBars == 0 {
		return 0
	}
	penalty := 0.0
	for _, issue := range issues {
		switch issue.Severity {
		case "critical":
			penalty += 10.0
		case "high":
			penalty += 5.0
		case "medium":
			penalty += 2.0
		case "low":
			penalty += 0.5
		}
	}
	normalized := penalty / math.Max(1, float64(totalBars)/100) * 10
	score := 100.0 - math.Min(normalized, 100)
	return int(math.Max(0, math.Min(100, score)))
}

func (v *QualityValidator) hasCriticalIssues(issues []DataIssue) bool {
	for _, issue := range issues {
		if issue.Severity == "critical" {
			return true
		}
	}
	return false
}

func (v *QualityValidator) generateRecommendations(issues []DataIssue) []string {
	counts := make(map[string]int)
	for _, issue := range issues {
		counts[issue.Type]++
	}
	var recs []string
	if counts["GAP_DETECTED"] > 0 {
		recs = append(recs, "run repairDailyGaps for this stock's date range")
	}
	if counts["OHLC_INCONSISTENT"] > 0 {
		recs = append(recs, "OHLC inconsistencies detected — verify upstream source")
	}
	if counts["DUPLICATE_TIMESTAMP"] > 0 {
		recs = append(recs, "remove duplicate dates before backtesting")
	}
	if counts["OUT_OF_ORDER"] > 0 {
		recs = append(recs, "sort bars by date before use")
	}
	if len(recs) == 0 {
		recs = append(recs, "data quality acceptable for backtesting")
	}
	return recs
}

func countIssuesByType(issues []DataIssue, types ...string) int {
	set := make(map[string]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	count := 0
	for _, issue := range issues {
		if set[issue.Type] {
			count++
		}
	}
	return count
}

// SortBars sorts bars ascending by date — used before validation or backtesting.
func SortBars(bars []types.DailyPrice) {
	sort.Slice(bars, func(i, j int) bool { return bars[i].Date.Before(bars[j].Date) })
}
