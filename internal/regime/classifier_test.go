package regime_test

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/regime"
	"github.com/atlas-desktop/trading-backend/internal/storage"
	"github.com/atlas-desktop/trading-backend/pkg/types"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedIndexDaily(t *testing.T, s *storage.Store, code string, start time.Time, closes []float64) {
	t.Helper()
	var bars []types.IndexDaily
	d := start
	for _, c := range closes {
		bars = append(bars, types.IndexDaily{
			Code: code, Date: d,
			Open: decimal.NewFromFloat(c), High: decimal.NewFromFloat(c * 1.01),
			Low: decimal.NewFromFloat(c * 0.99), Close: decimal.NewFromFloat(c),
			Volume: decimal.NewFromFloat(1_000_000),
		})
		d = d.AddDate(0, 0, 1)
		for d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			d = d.AddDate(0, 0, 1)
		}
	}
	require.NoError(t, s.UpsertIndexDaily(context.Background(), bars))
}

func TestEnsureRegimes_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	closes := make([]float64, 90)
	for i := range closes {
		closes[i] = 100 + float64(i)*0.3 // steady uptrend
	}
	seedIndexDaily(t, s, "000001.SH", start, closes)

	c := regime.New(zap.NewNop(), s)
	rangeStart := start.AddDate(0, 0, 60)
	rangeEnd := start.AddDate(0, 0, 120)

	n1, err := c.EnsureRegimes(ctx, "000001.SH", rangeStart, rangeEnd)
	require.NoError(t, err)
	assert.Greater(t, n1, 0)

	n2, err := c.EnsureRegimes(ctx, "000001.SH", rangeStart, rangeEnd)
	require.NoError(t, err)
	assert.Equal(t, 0, n2, "calling EnsureRegimes twice must insert 0 the second time")
}

func TestEnsureRegimes_DetectsTrendingBull(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	closes := make([]float64, 90)
	for i := range closes {
		closes[i] = 100 * math.Pow(1.003, float64(i)) // strong steady uptrend, low vol
	}
	seedIndexDaily(t, s, "000001.SH", start, closes)

	c := regime.New(zap.NewNop(), s)
	rangeStart := start.AddDate(0, 0, 70)
	rangeEnd := start.AddDate(0, 0, 90)

	_, err := c.EnsureRegimes(ctx, "000001.SH", rangeStart, rangeEnd)
	require.NoError(t, err)

	labels, err := s.GetRegimeMap(ctx, rangeStart, rangeEnd)
	require.NoError(t, err)
	require.NotEmpty(t, labels)

	var sawBull bool
	for _, l := range labels {
		if l.Regime == types.RegimeTrendingBull {
			sawBull = true
		}
	}
	assert.True(t, sawBull, "a steady low-vol uptrend should classify at least one week as trending_bull")
}
