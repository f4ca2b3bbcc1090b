package httpapi_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/backtest"
	"github.com/atlas-desktop/trading-backend/internal/httpapi"
	"github.com/atlas-desktop/trading-backend/internal/llm"
	"github.com/atlas-desktop/trading-backend/internal/pipeline"
	"github.com/atlas-desktop/trading-backend/internal/regime"
	"github.com/atlas-desktop/trading-backend/internal/runner"
	"github.com/atlas-desktop/trading-backend/internal/signals"
	"github.com/atlas-desktop/trading-backend/internal/storage"
	"github.com/atlas-desktop/trading-backend/internal/tradeplan"
	"github.com/atlas-desktop/trading-backend/pkg/types"

	"net/http/httptest"

	"github.com/atlas-desktop/trading-backend/internal/config"
	"github.com/atlas-desktop/trading-backend/internal/data"
)

type fakeGenerator struct {
	strategies []llm.GeneratedStrategy
	release    chan struct{} // if non-nil, Generate blocks until closed
}

func (f fakeGenerator) GenerateStrategies(ctx context.Context, theme string) ([]llm.GeneratedStrategy, error) {
	if f.release != nil {
		<-f.release
	}
	return f.strategies, nil
}

type fakeAnalyst struct{}

func (fakeAnalyst) DailyReport(ctx context.Context, date time.Time) (types.AIReport, error) {
	return types.AIReport{Summary: "ok"}, nil
}

func alwaysBuyStrategy(name string) llm.GeneratedStrategy {
	return llm.GeneratedStrategy{
		Name: name,
		BuyConditions: []types.Condition{
			{Field: "close", Operator: types.OpGT, CompareType: types.CompareValue, CompareValue: 0},
		},
		ExitConfig: types.DefaultExitConfig(),
	}
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "httpapi.db")
	s, err := storage.Open(path, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedUniverse(t *testing.T, store *storage.Store, code string) {
	t.Helper()
	require.NoError(t, store.UpsertStocks(context.Background(), []types.Stock{{Code: code, Name: "Test Co"}}))
	d := time.Now().AddDate(0, 0, -100)
	bars := make([]types.DailyPrice, 0, 95)
	price := 10.0
	for i := 0; i < 95; i++ {
		bars = append(bars, types.DailyPrice{
			Code: code, Date: d,
			Open: decimal.NewFromFloat(price), High: decimal.NewFromFloat(price * 1.02),
			Low: decimal.NewFromFloat(price * 0.98), Close: decimal.NewFromFloat(price),
			Volume: decimal.NewFromFloat(100000),
		})
		price += 0.05
		d = d.AddDate(0, 0, 1)
	}
	_, err := store.UpsertDailyPrices(context.Background(), bars)
	require.NoError(t, err)
}

func newTestServer(t *testing.T, store *storage.Store, gen llm.StrategyGenerator) (*httpapi.Server, *httptest.Server) {
	t.Helper()
	logger := zap.NewNop()
	collector := data.New(logger, store, config.DataSourceConfig{})
	classifier := regime.New(logger, store)
	runnerEngine := runner.New(context.Background(), store, logger, gen, collector, classifier, backtest.DefaultScoreWeights())
	sigEngine := signals.New(logger, store, nil)
	planEngine := tradeplan.New(store, logger)
	pl := pipeline.New(logger, store, collector, sigEngine, planEngine, fakeAnalyst{}, nil, config.SignalsConfig{AutoRefreshHour: 23, AutoRefreshMinute: 59})

	srv := httpapi.New(logger, ":0", store, runnerEngine, pl, sigEngine)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return srv, ts
}

func TestHandleHealth_ReturnsOKAndVersion(t *testing.T) {
	store := newTestStore(t)
	_, ts := newTestServer(t, store, fakeGenerator{strategies: []llm.GeneratedStrategy{alwaysBuyStrategy("x")}})

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, body["version"])
}

// sseFirstDataLine reads lines until it finds one carrying a JSON
// `data:` payload and returns the decoded payload.
func sseFirstDataLine(t *testing.T, r *bufio.Reader) map[string]any {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "data: ") {
			var payload map[string]any
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &payload))
			return payload
		}
	}
}

func TestHandleCreateExperiment_StreamsToExperimentDone(t *testing.T) {
	store := newTestStore(t)
	seedUniverse(t, store, "000001")
	_, ts := newTestServer(t, store, fakeGenerator{strategies: []llm.GeneratedStrategy{alwaysBuyStrategy("breakout")}})

	body, _ := json.Marshal(map[string]any{"theme": "momentum"})
	resp, err := http.Post(ts.URL+"/experiments", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	first := sseFirstDataLine(t, reader)
	assert.Equal(t, "experiment_created", first["type"])

	sawDone := false
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			break
		}
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "data: ") && strings.Contains(line, "experiment_done") {
			sawDone = true
			break
		}
	}
	assert.True(t, sawDone, "expected an experiment_done event before the stream closed")
}

func TestHandleRetryExperiment_ConflictWhileRunning(t *testing.T) {
	store := newTestStore(t)
	seedUniverse(t, store, "000002")
	release := make(chan struct{})
	_, ts := newTestServer(t, store, fakeGenerator{strategies: []llm.GeneratedStrategy{alwaysBuyStrategy("slow")}, release: release})

	body, _ := json.Marshal(map[string]any{"theme": "slow-theme"})
	resp, err := http.Post(ts.URL+"/experiments", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	first := sseFirstDataLine(t, reader)
	expID := int64(first["experiment_id"].(float64))

	retryResp, err := http.Post(ts.URL+"/experiments/"+strconv.FormatInt(expID, 10)+"/retry", "application/json", nil)
	require.NoError(t, err)
	defer retryResp.Body.Close()
	assert.Equal(t, http.StatusConflict, retryResp.StatusCode)

	close(release)
}

func TestHandleSignalsToday_FallsBackToLatestDateWhenTodayEmpty(t *testing.T) {
	store := newTestStore(t)
	past := time.Now().AddDate(0, 0, -3)
	require.NoError(t, store.UpsertSignal(context.Background(), "000003", past, "buy", 50, 10, 10, 10, []string{"s"}))
	_, ts := newTestServer(t, store, fakeGenerator{})

	resp, err := http.Get(ts.URL + "/signals/today")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Date    string           `json:"date"`
		Signals []map[string]any `json:"signals"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, past.Format("2006-01-02"), out.Date)
	require.Len(t, out.Signals, 1)
}

func TestHandleSignalsToday_ExplicitDateSkipsFallback(t *testing.T) {
	store := newTestStore(t)
	_, ts := newTestServer(t, store, fakeGenerator{})

	resp, err := http.Get(ts.URL + "/signals/today?date=2020-01-01")
	require.NoError(t, err)
	defer resp.Body.Close()

	var out struct {
		Date    string `json:"date"`
		Signals []any  `json:"signals"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "2020-01-01", out.Date)
	assert.Empty(t, out.Signals)
}

func TestHandlePipelineTrigger_RunsAndReturnsOK(t *testing.T) {
	store := newTestStore(t)
	_, ts := newTestServer(t, store, fakeGenerator{})

	resp, err := http.Post(ts.URL+"/pipeline/trigger", "application/json", bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandleMetrics_ExposesExpectedGauges(t *testing.T) {
	store := newTestStore(t)
	_, ts := newTestServer(t, store, fakeGenerator{})

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)
	assert.Contains(t, text, "trading_backend_active_experiments")
	assert.Contains(t, text, "trading_backend_backtest_semaphore_capacity")
	assert.Contains(t, text, "trading_backend_watchdog_kills_total")
}

func TestHandleWSDashboard_BroadcastsOnExperimentCreated(t *testing.T) {
	store := newTestStore(t)
	seedUniverse(t, store, "000004")
	_, ts := newTestServer(t, store, fakeGenerator{strategies: []llm.GeneratedStrategy{alwaysBuyStrategy("dash")}})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/dashboard"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	body, _ := json.Marshal(map[string]any{"theme": "dashboard-theme"})
	resp, err := http.Post(ts.URL+"/experiments", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(msg, &payload))
	assert.Equal(t, "experiment_created", payload["type"])
}

