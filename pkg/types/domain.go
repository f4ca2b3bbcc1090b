// Package types provides shared type definitions for the trading backend.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Stock is the master list of tradable A-share instruments.
type Stock struct {
	Code     string `json:"code"`
	Name     string `json:"name"`
	Market   string `json:"market"`
	Industry string `json:"industry"`
}

// DailyPrice is one (code, date) OHLCV row. Invariant: Low <= Open,Close <= High; Volume >= 0.
type DailyPrice struct {
	Code   string          `json:"code"`
	Date   time.Time       `json:"date"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume decimal.Decimal `json:"volume"`
	Amount decimal.Decimal `json:"amount"`
}

// Valid checks the DailyPrice bar invariant (spec §3).
func (p DailyPrice) Valid() bool {
	if p.Volume.IsNegative() {
		return false
	}
	if p.Low.GreaterThan(p.Open) || p.Low.GreaterThan(p.Close) || p.Low.GreaterThan(p.High) {
		return false
	}
	if p.Open.GreaterThan(p.High) || p.Close.GreaterThan(p.High) {
		return false
	}
	return true
}

// IndexDaily is the same shape as DailyPrice but for a benchmark index.
type IndexDaily struct {
	Code   string          `json:"code"`
	Date   time.Time       `json:"date"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume decimal.Decimal `json:"volume"`
}

// TradingCalendar records market-open state for an exchange/date.
type TradingCalendar struct {
	Exchange string    `json:"exchange"`
	Date     time.Time `json:"date"`
	IsOpen   bool      `json:"isOpen"`
}

// ExitConfig bounds a strategy's exit rules.
type ExitConfig struct {
	StopLossPct   float64 `json:"stopLossPct"`
	TakeProfitPct float64 `json:"takeProfitPct"`
	MaxHoldDays   int     `json:"maxHoldDays"`
}

// DefaultExitConfig mirrors the validator's normalization defaults.
func DefaultExitConfig() ExitConfig {
	return ExitConfig{StopLossPct: -8, TakeProfitPct: 20, MaxHoldDays: 20}
}

// ComboConfig marks a strategy as a vote-aggregating ensemble over members.
type ComboConfig struct {
	Type          string   `json:"type"` // always "combo"
	MemberIDs     []int64  `json:"memberIds"`
	VoteThreshold int      `json:"voteThreshold"`
	SellMode      string   `json:"sellMode"` // "any" | "majority"
	MemberNames   []string `json:"memberNames,omitempty"`
}

// Strategy is the formal, user-promoted strategy record.
type Strategy struct {
	ID                 int64        `json:"id"`
	Name               string       `json:"name"`
	Description        string       `json:"description"`
	BuyConditions      []Condition  `json:"buyConditions"`
	SellConditions     []Condition  `json:"sellConditions"`
	ExitConfig         ExitConfig   `json:"exitConfig"`
	PortfolioConfig    *ComboConfig `json:"portfolioConfig,omitempty"`
	Category           string       `json:"category"`
	Weight             float64      `json:"weight"`
	SourceExperimentID *int64       `json:"sourceExperimentId,omitempty"`
	Enabled            bool         `json:"enabled"`
}

// ExperimentSourceType enumerates how an Experiment's candidates were seeded.
type ExperimentSourceType string

const (
	SourceTemplate ExperimentSourceType = "template"
	SourceCustom   ExperimentSourceType = "custom"
	SourceClone    ExperimentSourceType = "clone"
	SourceCombo    ExperimentSourceType = "combo"
)

// ExperimentStatus enumerates the lifecycle of an Experiment.
type ExperimentStatus string

const (
	ExperimentPending     ExperimentStatus = "pending"
	ExperimentGenerating  ExperimentStatus = "generating"
	ExperimentBacktesting ExperimentStatus = "backtesting"
	ExperimentDone        ExperimentStatus = "done"
	ExperimentFailed      ExperimentStatus = "failed"
)

// Experiment is a search over LLM-generated strategy variants.
type Experiment struct {
	ID             int64                `json:"id"`
	Theme          string               `json:"theme"`
	SourceType     ExperimentSourceType `json:"sourceType"`
	SourceText     string               `json:"sourceText"`
	Status         ExperimentStatus     `json:"status"`
	InitialCapital decimal.Decimal      `json:"initialCapital"`
	MaxPositions   int                  `json:"maxPositions"`
	MaxPositionPct float64              `json:"maxPositionPct"`
	StrategyCount  int                  `json:"strategyCount"`
	CreatedAt      time.Time            `json:"createdAt"`
}

// ExperimentStrategyStatus enumerates the lifecycle of a candidate strategy.
type ExperimentStrategyStatus string

const (
	StratPending     ExperimentStrategyStatus = "pending"
	StratBacktesting ExperimentStrategyStatus = "backtesting"
	StratDone        ExperimentStrategyStatus = "done"
	StratInvalid     ExperimentStrategyStatus = "invalid"
	StratFailed      ExperimentStrategyStatus = "failed"
)

// ExperimentStrategy is one candidate under an Experiment.
type ExperimentStrategy struct {
	ID                 int64                    `json:"id"`
	ExperimentID       int64                    `json:"experimentId"`
	Name               string                   `json:"name"`
	Description        string                   `json:"description"`
	BuyConditions      []Condition              `json:"buyConditions"`
	SellConditions     []Condition              `json:"sellConditions"`
	ExitConfig         ExitConfig               `json:"exitConfig"`
	Status             ExperimentStrategyStatus `json:"status"`
	ErrorMessage       string                   `json:"errorMessage,omitempty"`
	TotalTrades        int                      `json:"totalTrades"`
	WinRate            float64                  `json:"winRate"`
	TotalReturnPct     float64                  `json:"totalReturnPct"`
	MaxDrawdownPct     float64                  `json:"maxDrawdownPct"`
	AvgHoldDays        float64                  `json:"avgHoldDays"`
	AvgPnlPct          float64                  `json:"avgPnlPct"`
	Score              float64                  `json:"score"`
	RegimeStats        map[string]any           `json:"regimeStats,omitempty"`
	BacktestRunID      *int64                   `json:"backtestRunId,omitempty"`
	PromotedStrategyID *int64                   `json:"promotedStrategyId,omitempty"`
}

// IsRetryable matches the source rule preserved by design note §9.3:
// a failed strategy is retryable iff it still has buy conditions.
func (s *ExperimentStrategy) IsRetryable() bool {
	return s.Status == StratFailed && len(s.BuyConditions) > 0
}

// NeedsBacktest reports whether the Runner's resume path should reprocess this row.
func (s *ExperimentStrategy) NeedsBacktest() bool {
	return s.Status == StratPending || s.Status == StratBacktesting || s.IsRetryable()
}

// BacktestTrade is one round-trip trade recorded by a BacktestRun.
type BacktestTrade struct {
	ID           int64           `json:"id"`
	RunID        int64           `json:"runId"`
	StockCode    string          `json:"stockCode"`
	StrategyName string          `json:"strategyName"`
	BuyDate      time.Time       `json:"buyDate"`
	BuyPrice     decimal.Decimal `json:"buyPrice"`
	SellDate     time.Time       `json:"sellDate"`
	SellPrice    decimal.Decimal `json:"sellPrice"`
	SellReason   string          `json:"sellReason"`
	PnlPct       float64         `json:"pnlPct"`
	HoldDays     int             `json:"holdDays"`
}

// EquityPoint is one (date, equity) sample on a backtest's equity curve.
type EquityPoint struct {
	Date   time.Time       `json:"date"`
	Equity decimal.Decimal `json:"equity"`
}

// BacktestRun is a persisted run summary.
type BacktestRun struct {
	ID              int64           `json:"id"`
	StrategyID      *int64          `json:"strategyId,omitempty"`
	StrategyName    string          `json:"strategyName"`
	StartDate       time.Time       `json:"startDate"`
	EndDate         time.Time       `json:"endDate"`
	InitialCapital  decimal.Decimal `json:"initialCapital"`
	MaxPositions    int             `json:"maxPositions"`
	TotalTrades     int             `json:"totalTrades"`
	WinRate         float64         `json:"winRate"`
	TotalReturnPct  float64         `json:"totalReturnPct"`
	MaxDrawdownPct  float64         `json:"maxDrawdownPct"`
	AvgHoldDays     float64         `json:"avgHoldDays"`
	AvgPnlPct       float64         `json:"avgPnlPct"`
	CagrPct         float64         `json:"cagrPct"`
	SharpeRatio     float64         `json:"sharpeRatio"`
	CalmarRatio     float64         `json:"calmarRatio"`
	ProfitLossRatio float64         `json:"profitLossRatio"`
	IndexReturnPct  float64         `json:"indexReturnPct"`
	RegimeStats     map[string]any  `json:"regimeStats,omitempty"`
	EquityCurve     []EquityPoint   `json:"equityCurve"`
	SellReasonStats map[string]int  `json:"sellReasonStats"`
}

// RegimeKind enumerates the weekly market regime labels.
type RegimeKind string

const (
	RegimeTrendingBull RegimeKind = "trending_bull"
	RegimeTrendingBear RegimeKind = "trending_bear"
	RegimeRanging      RegimeKind = "ranging"
	RegimeVolatile     RegimeKind = "volatile"
)

// MarketRegimeLabel is a weekly label derived from the benchmark index.
type MarketRegimeLabel struct {
	WeekStart      time.Time  `json:"weekStart"`
	WeekEnd        time.Time  `json:"weekEnd"`
	Regime         RegimeKind `json:"regime"`
	Confidence     float64    `json:"confidence"`
	TrendStrength  float64    `json:"trendStrength"`
	Volatility     float64    `json:"volatility"`
	IndexReturnPct float64    `json:"indexReturnPct"`
}

// SignalAction enumerates the per-stock decision of the Signal Engine.
type SignalAction string

const (
	ActionBuy  SignalAction = "buy"
	ActionSell SignalAction = "sell"
	ActionHold SignalAction = "hold"
)

// TradingSignal is the per (code, date) signal row.
type TradingSignal struct {
	Code             string       `json:"code"`
	Date             time.Time    `json:"date"`
	Action           SignalAction `json:"action"`
	AlphaScore       float64      `json:"alphaScore"`
	OversoldScore    float64      `json:"oversoldScore"`
	ConsensusScore   float64      `json:"consensusScore"`
	VolumePriceScore float64      `json:"volumePriceScore"`
	Strategies       []string     `json:"strategies"`
}

// PlanDirection enumerates trade plan direction.
type PlanDirection string

const (
	PlanBuy  PlanDirection = "buy"
	PlanSell PlanDirection = "sell"
)

// PlanStatus enumerates the Trade Plan State Machine's states.
type PlanStatus string

const (
	PlanPending  PlanStatus = "pending"
	PlanExecuted PlanStatus = "executed"
	PlanExpired  PlanStatus = "expired"
)

// TradePlan is a pending next-day conditional order.
type TradePlan struct {
	ID             int64           `json:"id"`
	Code           string          `json:"code"`
	Direction      PlanDirection   `json:"direction"`
	PlanPrice      decimal.Decimal `json:"planPrice"`
	Quantity       int64           `json:"quantity"`
	SellPct        float64         `json:"sellPct,omitempty"`
	PlanDate       time.Time       `json:"planDate"`
	Status         PlanStatus      `json:"status"`
	ExecutionPrice decimal.Decimal `json:"executionPrice,omitempty"`
}

// BotPortfolio is one simulated holding.
type BotPortfolio struct {
	Code     string          `json:"code"`
	Quantity int64           `json:"quantity"`
	AvgCost  decimal.Decimal `json:"avgCost"`
	BuyDate  time.Time       `json:"buyDate"` // date the position was first opened since its last full exit
}

// BotTrade is one simulated fill (including informational holds).
type BotTrade struct {
	ID        int64           `json:"id"`
	Code      string          `json:"code"`
	Action    string          `json:"action"` // buy | sell | hold
	Quantity  int64           `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Amount    decimal.Decimal `json:"amount"`
	PlanID    *int64          `json:"planId,omitempty"`
	TradeDate time.Time       `json:"tradeDate"`
}

// BotTradeReview is created exactly once per full position close.
type BotTradeReview struct {
	ID       int64     `json:"id"`
	Code     string    `json:"code"`
	ClosedAt time.Time `json:"closedAt"`
	PnlPct   float64   `json:"pnlPct"`
	HoldDays int       `json:"holdDays"`
}

// AIRecommendation is one recommendation within an AIReport.
type AIRecommendation struct {
	StockCode  string  `json:"stockCode"`
	StockName  string  `json:"stockName"`
	Action     string  `json:"action"` // buy | sell | hold | reduce
	Reason     string  `json:"reason"`
	EntryPrice float64 `json:"entryPrice,omitempty"`
	StopLoss   float64 `json:"stopLoss,omitempty"`
	Target     float64 `json:"target,omitempty"`
	AlphaScore float64 `json:"alphaScore,omitempty"`
	SellPct    float64 `json:"sellPct,omitempty"` // reduce: % of the holding to sell
}

// AIReport is the daily analyst output persisted by the Scheduled Pipeline.
type AIReport struct {
	ID                     int64              `json:"id"`
	Date                   time.Time          `json:"date"`
	ReportType             string             `json:"reportType"`
	MarketRegime           string             `json:"marketRegime"`
	MarketRegimeConfidence float64            `json:"marketRegimeConfidence"`
	Recommendations        []AIRecommendation `json:"recommendations"`
	StrategyActions        []string           `json:"strategyActions"`
	ThinkingProcess        string             `json:"thinkingProcess"`
	Summary                string             `json:"summary"`
}
