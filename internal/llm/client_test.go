package llm_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/config"
	"github.com/atlas-desktop/trading-backend/internal/llm"
)

func newTestClient(t *testing.T, reply string) (*llm.Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":` + quote(reply) + `}}]}`))
	}))
	t.Cleanup(srv.Close)

	c := llm.New(config.DeepSeekConfig{
		APIKey: "test-key", BaseURL: srv.URL, Model: "deepseek-chat", TimeoutSec: 5,
	}, zap.NewNop())
	return c, srv
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func TestGenerateStrategies_ParsesFencedJSON(t *testing.T) {
	reply := "```json\n{\"strategies\":[{\"name\":\"breakout\",\"description\":\"d\"}]}\n```"
	c, _ := newTestClient(t, reply)

	strategies, err := c.GenerateStrategies(context.Background(), "momentum")
	require.NoError(t, err)
	require.Len(t, strategies, 1)
	assert.Equal(t, "breakout", strategies[0].Name)
}

func TestGenerateStrategies_MalformedJSONYieldsEmptyListNotError(t *testing.T) {
	c, _ := newTestClient(t, "not json at all")

	strategies, err := c.GenerateStrategies(context.Background(), "momentum")
	require.NoError(t, err)
	assert.Empty(t, strategies)
}

func TestDailyReport_ParsesRecommendations(t *testing.T) {
	reply := `{"report_type":"daily","market_regime":"bull","market_regime_confidence":0.8,` +
		`"recommendations":[{"stockCode":"600519","action":"buy"}],"summary":"s"}`
	c, _ := newTestClient(t, reply)

	date := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	report, err := c.DailyReport(context.Background(), date)
	require.NoError(t, err)
	assert.Equal(t, "bull", report.MarketRegime)
	require.Len(t, report.Recommendations, 1)
	assert.Equal(t, "600519", report.Recommendations[0].StockCode)
}

func TestDailyReport_MalformedJSONYieldsEmptyReportNotError(t *testing.T) {
	c, _ := newTestClient(t, "garbage")

	date := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	report, err := c.DailyReport(context.Background(), date)
	require.NoError(t, err)
	assert.Equal(t, date, report.Date)
	assert.Empty(t, report.Recommendations)
}

func TestSelectFamilies_ParsesSelection(t *testing.T) {
	reply := `{"market_assessment":"choppy","selected_families":["combo_vote"],"reasoning":"r"}`
	c, _ := newTestClient(t, reply)

	sel, err := c.SelectFamilies(context.Background(), "| family | sharpe |")
	require.NoError(t, err)
	assert.Equal(t, "choppy", sel.MarketAssessment)
	assert.Equal(t, []string{"combo_vote"}, sel.SelectedFamilies)
}

func TestComplete_PropagatesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer srv.Close()

	c := llm.New(config.DeepSeekConfig{APIKey: "k", BaseURL: srv.URL, Model: "m", TimeoutSec: 5}, zap.NewNop())
	_, err := c.GenerateStrategies(context.Background(), "anything")
	assert.Error(t, err)
}
