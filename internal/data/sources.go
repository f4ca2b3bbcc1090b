package data

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// source is implemented by each upstream data provider. Category-level
// config (spec §4.6 "Source selection") picks the preferred source per
// concern; Collector falls back to the other implementation on
// empty/failed results when fallback_enabled is set.
type source interface {
	name() string
	fetchStockList(ctx context.Context) ([]types.Stock, error)
	fetchDaily(ctx context.Context, code string, start, end time.Time) ([]types.DailyPrice, error)
	fetchDailyBatch(ctx context.Context, date time.Time) ([]types.DailyPrice, error)
	fetchIndexDaily(ctx context.Context, code string, start, end time.Time) ([]types.IndexDaily, error)
	fetchCalendar(ctx context.Context, exchange string, start, end time.Time) (map[string]bool, error)
}

// tushareSource talks to the TuShare Pro HTTP API (https://api.tushare.pro),
// a single POST endpoint keyed by api_name + token + params + fields.
type tushareSource struct {
	token   string
	baseURL string
	client  *http.Client
	limiter *rateLimiter
}

func newTushareSource(token string, rpm int) *tushareSource {
	if rpm <= 0 {
		rpm = 190
	}
	return &tushareSource{
		token:   token,
		baseURL: "https://api.tushare.pro",
		client:  newDirectClient(20 * time.Second),
		limiter: newRateLimiter(rpm, time.Minute),
	}
}

func (s *tushareSource) name() string { return "tushare" }

type tushareRequest struct {
	APIName string                 `json:"api_name"`
	Token   string                 `json:"token"`
	Params  map[string]interface{} `json:"params"`
	Fields  string                 `json:"fields"`
}

type tushareResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		Fields []string        `json:"fields"`
		Items  [][]interface{} `json:"items"`
	} `json:"data"`
}

// call performs one TuShare API call and returns each row as a
// field-name -> value map, ready for domain-type conversion.
func (s *tushareSource) call(ctx context.Context, apiName string, params map[string]interface{}, fields string) ([]map[string]interface{}, error) {
	if s.token == "" {
		return nil, fmt.Errorf("tushare: no token configured")
	}
	s.limiter.Acquire()

	body, err := json.Marshal(tushareRequest{APIName: apiName, Token: s.token, Params: params, Fields: fields})
	if err != nil {
		return nil, fmt.Errorf("tushare: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("tushare: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tushare: %s: %w", apiName, err)
	}
	defer resp.Body.Close()

	var out tushareResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("tushare: decode %s response: %w", apiName, err)
	}
	if out.Code != 0 {
		return nil, fmt.Errorf("tushare: %s: %s", apiName, out.Msg)
	}

	rows := make([]map[string]interface{}, 0, len(out.Data.Items))
	for _, item := range out.Data.Items {
		row := make(map[string]interface{}, len(out.Data.Fields))
		for i, f := range out.Data.Fields {
			if i < len(item) {
				row[f] = item[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (s *tushareSource) fetchStockList(ctx context.Context) ([]types.Stock, error) {
	rows, err := s.call(ctx, "stock_basic", map[string]interface{}{"list_status": "L"},
		"ts_code,symbol,name,area,industry,market")
	if err != nil {
		return nil, err
	}
	out := make([]types.Stock, 0, len(rows))
	for _, r := range rows {
		out = append(out, types.Stock{
			Code:     str(r["symbol"]),
			Name:     str(r["name"]),
			Market:   str(r["market"]),
			Industry: str(r["industry"]),
		})
	}
	return out, nil
}

func (s *tushareSource) fetchDaily(ctx context.Context, code string, start, end time.Time) ([]types.DailyPrice, error) {
	rows, err := s.call(ctx, "daily", map[string]interface{}{
		"ts_code":    tsCode(code),
		"start_date": start.Format("20060102"),
		"end_date":   end.Format("20060102"),
	}, "ts_code,trade_date,open,high,low,close,vol,amount")
	if err != nil {
		return nil, err
	}
	return parseDailyRows(rows, code)
}

func (s *tushareSource) fetchDailyBatch(ctx context.Context, date time.Time) ([]types.DailyPrice, error) {
	rows, err := s.call(ctx, "daily", map[string]interface{}{"trade_date": date.Format("20060102")},
		"ts_code,trade_date,open,high,low,close,vol,amount")
	if err != nil {
		return nil, err
	}
	return parseDailyRows(rows, "")
}

func (s *tushareSource) fetchIndexDaily(ctx context.Context, code string, start, end time.Time) ([]types.IndexDaily, error) {
	rows, err := s.call(ctx, "index_daily", map[string]interface{}{
		"ts_code":    code,
		"start_date": start.Format("20060102"),
		"end_date":   end.Format("20060102"),
	}, "ts_code,trade_date,open,high,low,close,vol")
	if err != nil {
		return nil, err
	}
	out := make([]types.IndexDaily, 0, len(rows))
	for _, r := range rows {
		d, err := time.Parse("20060102", str(r["trade_date"]))
		if err != nil {
			continue
		}
		out = append(out, types.IndexDaily{
			Code: code, Date: d,
			Open: dec(r["open"]), High: dec(r["high"]), Low: dec(r["low"]),
			Close: dec(r["close"]), Volume: dec(r["vol"]),
		})
	}
	return out, nil
}

func (s *tushareSource) fetchCalendar(ctx context.Context, exchange string, start, end time.Time) (map[string]bool, error) {
	rows, err := s.call(ctx, "trade_cal", map[string]interface{}{
		"exchange":   exchange,
		"start_date": start.Format("20060102"),
		"end_date":   end.Format("20060102"),
	}, "cal_date,is_open")
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(rows))
	for _, r := range rows {
		d, err := time.Parse("20060102", str(r["cal_date"]))
		if err != nil {
			continue
		}
		out[formatDate(d)] = str(r["is_open"]) == "1"
	}
	return out, nil
}

// akshareProxySource calls a small HTTP proxy service that wraps the
// Python-only AkShare library (there is no native Go AkShare client).
// The base URL is fixed at construction; Collector passes an empty URL,
// so the http://localhost:8900/akshare default is used and no config key
// changes it. Its rows use "date"/"volume" keys and are decoded by
// parseAkshareDailyRows, not parseDailyRows.
type akshareProxySource struct {
	baseURL string
	client  *http.Client
	rateMs  int
}

func newAkshareProxySource(baseURL string, rateMs int) *akshareProxySource {
	if baseURL == "" {
		baseURL = "http://localhost:8900/akshare"
	}
	return &akshareProxySource{baseURL: baseURL, client: newDirectClient(20 * time.Second), rateMs: rateMs}
}

func (s *akshareProxySource) name() string { return "akshare" }

func (s *akshareProxySource) get(ctx context.Context, path string, out interface{}) error {
	if s.rateMs > 0 {
		time.Sleep(time.Duration(s.rateMs) * time.Millisecond)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("akshare: %s: %w", path, err)
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

func (s *akshareProxySource) fetchStockList(ctx context.Context) ([]types.Stock, error) {
	var rows []map[string]interface{}
	if err := s.get(ctx, "/stock_list", &rows); err != nil {
		return nil, err
	}
	out := make([]types.Stock, 0, len(rows))
	for _, r := range rows {
		out = append(out, types.Stock{Code: str(r["code"]), Name: str(r["name"]), Market: str(r["market"]), Industry: str(r["industry"])})
	}
	return out, nil
}

func (s *akshareProxySource) fetchDaily(ctx context.Context, code string, start, end time.Time) ([]types.DailyPrice, error) {
	var rows []map[string]interface{}
	if err := s.get(ctx, fmt.Sprintf("/daily?code=%s&start=%s&end=%s", code, formatDate(start), formatDate(end)), &rows); err != nil {
		return nil, err
	}
	return parseAkshareDailyRows(rows, code)
}

func (s *akshareProxySource) fetchDailyBatch(ctx context.Context, date time.Time) ([]types.DailyPrice, error) {
	var rows []map[string]interface{}
	if err := s.get(ctx, fmt.Sprintf("/daily_batch?date=%s", formatDate(date)), &rows); err != nil {
		return nil, err
	}
	return parseAkshareDailyRows(rows, "")
}

func (s *akshareProxySource) fetchIndexDaily(ctx context.Context, code string, start, end time.Time) ([]types.IndexDaily, error) {
	var rows []map[string]interface{}
	if err := s.get(ctx, fmt.Sprintf("/index_daily?code=%s&start=%s&end=%s", code, formatDate(start), formatDate(end)), &rows); err != nil {
		return nil, err
	}
	out := make([]types.IndexDaily, 0, len(rows))
	for _, r := range rows {
		d, err := time.Parse("2006-01-02", str(r["date"]))
		if err != nil {
			continue
		}
		out = append(out, types.IndexDaily{Code: code, Date: d, Open: dec(r["open"]), High: dec(r["high"]), Low: dec(r["low"]), Close: dec(r["close"]), Volume: dec(r["volume"])})
	}
	return out, nil
}

func (s *akshareProxySource) fetchCalendar(ctx context.Context, exchange string, start, end time.Time) (map[string]bool, error) {
	var rows []map[string]interface{}
	if err := s.get(ctx, fmt.Sprintf("/calendar?exchange=%s&start=%s&end=%s", exchange, formatDate(start), formatDate(end)), &rows); err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(rows))
	for _, r := range rows {
		out[str(r["date"])] = str(r["is_open"]) == "1"
	}
	return out, nil
}

func parseDailyRows(rows []map[string]interface{}, fallbackCode string) ([]types.DailyPrice, error) {
	out := make([]types.DailyPrice, 0, len(rows))
	for _, r := range rows {
		d, err := time.Parse("20060102", str(r["trade_date"]))
		if err != nil {
			continue
		}
		code := fallbackCode
		if ts := str(r["ts_code"]); ts != "" {
			code = untsCode(ts)
		}
		p := types.DailyPrice{
			Code: code, Date: d,
			Open: dec(r["open"]), High: dec(r["high"]), Low: dec(r["low"]), Close: dec(r["close"]),
			Volume: dec(r["vol"]), Amount: dec(r["amount"]),
		}
		out = append(out, p)
	}
	return out, nil
}

func parseAkshareDailyRows(rows []map[string]interface{}, fallbackCode string) ([]types.DailyPrice, error) {
	out := make([]types.DailyPrice, 0, len(rows))
	for _, r := range rows {
		d, err := time.Parse("2006-01-02", str(r["date"]))
		if err != nil {
			continue
		}
		code := fallbackCode
		if c := str(r["code"]); c != "" {
			code = c
		}
		out = append(out, types.DailyPrice{
			Code: code, Date: d,
			Open: dec(r["open"]), High: dec(r["high"]), Low: dec(r["low"]), Close: dec(r["close"]),
			Volume: dec(r["volume"]), Amount: dec(r["amount"]),
		})
	}
	return out, nil
}

func str(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return decimal.NewFromFloat(t).String()
	default:
		return ""
	}
}

func dec(v interface{}) decimal.Decimal {
	switch t := v.(type) {
	case float64:
		return decimal.NewFromFloat(t)
	case string:
		d, _ := decimal.NewFromString(t)
		return d
	default:
		return decimal.Zero
	}
}

// tsCode converts a bare 6-digit code to TuShare's exchange-suffixed form.
func tsCode(code string) string {
	if len(code) != 6 {
		return code
	}
	switch code[0] {
	case '6':
		return code + ".SH"
	default:
		return code + ".SZ"
	}
}

func untsCode(tsCode string) string {
	if len(tsCode) > 6 {
		return tsCode[:6]
	}
	return tsCode
}
