package backtest

import (
	"sort"

	"github.com/atlas-desktop/trading-backend/internal/conditions"
	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// quickScanSampleSize and quickScanLookbackDays bound the pre-scan
// (design note #2, `_quick_signal_check`): a zero-signal buy-condition
// set across a small, recent sample is almost certainly unreachable,
// so a full multi-year simulation is skipped.
const (
	quickScanSampleSize    = 100
	quickScanLookbackDays  = 60
)

// QuickSignalCheck samples up to quickScanSampleSize codes and checks
// whether buyConditions ever fires across each one's trailing
// quickScanLookbackDays bars. A false result means the full backtest
// can be skipped and the strategy marked invalid immediately.
func QuickSignalCheck(bars map[string][]types.DailyPrice, buyConditions []types.Condition) bool {
	codes := make([]string, 0, len(bars))
	for c := range bars {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	if len(codes) > quickScanSampleSize {
		codes = codes[:quickScanSampleSize]
	}

	for _, c := range codes {
		series := bars[c]
		if len(series) > quickScanLookbackDays {
			series = series[len(series)-quickScanLookbackDays:]
		}
		s := conditions.NewSeries(series)
		for i := range series {
			if conditions.AllTrue(s, buyConditions, i) {
				return true
			}
		}
	}
	return false
}
