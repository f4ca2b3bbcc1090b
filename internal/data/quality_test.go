package data_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/data"
	"github.com/atlas-desktop/trading-backend/pkg/types"
)

func bar(day int, o, h, l, c, v float64) types.DailyPrice {
	return types.DailyPrice{
		Code:   "000001",
		Date:   time.Date(2024, 1, day, 0, 0, 0, 0, time.UTC),
		Open:   decimal.NewFromFloat(o),
		High:   decimal.NewFromFloat(h),
		Low:    decimal.NewFromFloat(l),
		Close:  decimal.NewFromFloat(c),
		Volume: decimal.NewFromFloat(v),
		Amount: decimal.NewFromFloat(v * c),
	}
}

func TestQualityValidator_CleanData(t *testing.T) {
	v := data.NewQualityValidator(zap.NewNop())
	bars := []types.DailyPrice{
		bar(2, 10, 10.5, 9.8, 10.2, 5000),
		bar(3, 10.2, 10.6, 10.0, 10.4, 5200),
		bar(4, 10.4, 10.9, 10.3, 10.7, 4800),
	}

	report := v.Validate(bars, "000001")
	require.NotNil(t, report)
	assert.True(t, report.IsUsable)
	assert.Equal(t, 3, report.TotalBars)
	assert.Empty(t, report.Issues)
}

func TestQualityValidator_DetectsOHLCInconsistency(t *testing.T) {
	v := data.NewQualityValidator(zap.NewNop())
	bars := []types.DailyPrice{
		bar(2, 10, 9, 9.8, 10.2, 5000), // High < Open — inconsistent
	}

	report := v.Validate(bars, "000001")
	assert.False(t, report.IsUsable)

	var found bool
	for _, issue := range report.Issues {
		if issue.Type == "OHLC_INCONSISTENT" {
			found = true
		}
	}
	assert.True(t, found, "expected an OHLC_INCONSISTENT issue")
}

func TestQualityValidator_DetectsGap(t *testing.T) {
	v := data.NewQualityValidator(zap.NewNop())
	bars := []types.DailyPrice{
		bar(1, 10, 10.5, 9.8, 10.2, 5000),
		bar(20, 11, 11.5, 10.8, 11.2, 5000),
	}

	report := v.Validate(bars, "000001")
	assert.Equal(t, 1, report.MissingDataCount)
}

func TestQualityValidator_EmptyData(t *testing.T) {
	v := data.NewQualityValidator(zap.NewNop())
	report := v.Validate(nil, "000001")
	assert.False(t, report.IsUsable)
	assert.Equal(t, 0, report.QualityScore)
}

func TestSortBars(t *testing.T) {
	bars := []types.DailyPrice{
		bar(4, 10, 10, 10, 10, 1),
		bar(2, 10, 10, 10, 10, 1),
		bar(3, 10, 10, 10, 10, 1),
	}
	data.SortBars(bars)
	require.Len(t, bars, 3)
	assert.True(t, bars[0].Date.Before(bars[1].Date))
	assert.True(t, bars[1].Date.Before(bars[2].Date))
}
