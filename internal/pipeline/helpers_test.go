package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

func strategy(id int64, category string, weight float64) types.Strategy {
	return types.Strategy{ID: id, Name: category, Category: category, Weight: weight, Enabled: true}
}

func TestFamilyStats_GroupsByCategoryAndAveragesWeight(t *testing.T) {
	strategies := []types.Strategy{
		strategy(1, "momentum", 10),
		strategy(2, "momentum", 20),
		strategy(3, "mean-reversion", 5),
		strategy(4, "", 1),
	}

	families := familyStats(strategies)

	byName := make(map[string]familySummary, len(families))
	for _, f := range families {
		byName[f.name] = f
	}
	assert.InDelta(t, 15.0, byName["momentum"].avgWeight, 0.001)
	assert.Equal(t, 2, byName["momentum"].count)
	assert.InDelta(t, 5.0, byName["mean-reversion"].avgWeight, 0.001)
	assert.Equal(t, 1, byName["uncategorized"].count)
}

func TestTopFamilyNames_ReturnsHighestWeightFirst(t *testing.T) {
	families := []familySummary{
		{name: "low", avgWeight: 1},
		{name: "high", avgWeight: 9},
		{name: "mid", avgWeight: 5},
	}

	top := topFamilyNames(families, 2)

	assert.Equal(t, []string{"high", "mid"}, top)
}

func TestStrategyIDsForFamilies_FiltersByCategory(t *testing.T) {
	strategies := []types.Strategy{
		strategy(1, "momentum", 10),
		strategy(2, "mean-reversion", 5),
		strategy(3, "momentum", 3),
	}

	ids := strategyIDsForFamilies(strategies, []string{"momentum"})

	assert.ElementsMatch(t, []int64{1, 3}, ids)
}

func TestFamilyStatsTable_RendersMarkdown(t *testing.T) {
	table := familyStatsTable([]familySummary{{name: "momentum", count: 2, avgWeight: 1.5}})
	assert.Contains(t, table, "momentum")
	assert.Contains(t, table, "| 2 |")
}
