// Package llm implements the three LLM client contracts (spec §6):
// strategy generation, the daily analyst, and the strategy-family
// selector, all backed by a DeepSeek chat-completions call. Parse
// failures degrade to an empty result rather than an error — the
// spec's explicit behavior for malformed LLM output.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/config"
	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// StrategyGenerator produces N candidate strategies for a theme.
type StrategyGenerator interface {
	GenerateStrategies(ctx context.Context, theme string) ([]GeneratedStrategy, error)
}

// DailyAnalyst produces the daily market report and recommendations.
type DailyAnalyst interface {
	DailyReport(ctx context.Context, date time.Time) (types.AIReport, error)
}

// FamilySelector chooses which strategy families to re-run given a
// markdown statistics table.
type FamilySelector interface {
	SelectFamilies(ctx context.Context, statsTable string) (FamilySelection, error)
}

// GeneratedStrategy is one candidate from the strategy-generator contract.
type GeneratedStrategy struct {
	Name           string            `json:"name"`
	Description    string            `json:"description"`
	BuyConditions  []types.Condition `json:"buy_conditions"`
	SellConditions []types.Condition `json:"sell_conditions"`
	ExitConfig     types.ExitConfig  `json:"exit_config"`
}

// FamilySelection is the strategy-family selector's output.
type FamilySelection struct {
	MarketAssessment string   `json:"market_assessment"`
	SelectedFamilies []string `json:"selected_families"`
	Reasoning        string   `json:"reasoning"`
}

// Client is a DeepSeek-backed implementation of all three contracts.
type Client struct {
	cfg    config.DeepSeekConfig
	http   *http.Client
	logger *zap.Logger
}

// New constructs a Client from the resolved DeepSeek configuration.
func New(cfg config.DeepSeekConfig, logger *zap.Logger) *Client {
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: time.Duration(cfg.TimeoutSec) * time.Second},
		logger: logger,
	}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// complete issues one chat-completions call and returns the assistant's
// raw content string.
func (c *Client) complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("llm: marshal request: %w", err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/v1/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("llm: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("llm: request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("llm: read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("llm: status %d: %s", resp.StatusCode, string(data))
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("llm: decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("llm: empty choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

// extractJSON strips a markdown code fence around the model's reply, if
// present — a common DeepSeek/GPT-family quirk the source also handles.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(s, "```")
	}
	return strings.TrimSpace(s)
}

// GenerateStrategies implements StrategyGenerator. Per spec §6, a parse
// failure yields an empty list, not an error.
func (c *Client) GenerateStrategies(ctx context.Context, theme string) ([]GeneratedStrategy, error) {
	content, err := c.complete(ctx, strategyGenSystemPrompt, "Theme: "+theme)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Strategies []GeneratedStrategy `json:"strategies"`
	}
	if err := json.Unmarshal([]byte(extractJSON(content)), &parsed); err != nil {
		c.logger.Warn("llm: strategy generation response did not parse as JSON", zap.Error(err))
		return nil, nil
	}
	return parsed.Strategies, nil
}

// DailyReport implements DailyAnalyst.
func (c *Client) DailyReport(ctx context.Context, date time.Time) (types.AIReport, error) {
	content, err := c.complete(ctx, dailyAnalystSystemPrompt, "Date: "+date.Format("2006-01-02"))
	if err != nil {
		return types.AIReport{}, err
	}

	var parsed struct {
		ReportType             string                   `json:"report_type"`
		MarketRegime           string                   `json:"market_regime"`
		MarketRegimeConfidence float64                  `json:"market_regime_confidence"`
		Recommendations        []types.AIRecommendation `json:"recommendations"`
		StrategyActions        []string                 `json:"strategy_actions"`
		ThinkingProcess        string                   `json:"thinking_process"`
		Summary                string                   `json:"summary"`
	}
	if err := json.Unmarshal([]byte(extractJSON(content)), &parsed); err != nil {
		c.logger.Warn("llm: daily analyst response did not parse as JSON", zap.Error(err))
		return types.AIReport{Date: date}, nil
	}

	return types.AIReport{
		Date: date, ReportType: parsed.ReportType, MarketRegime: parsed.MarketRegime,
		MarketRegimeConfidence: parsed.MarketRegimeConfidence, Recommendations: parsed.Recommendations,
		StrategyActions: parsed.StrategyActions, ThinkingProcess: parsed.ThinkingProcess, Summary: parsed.Summary,
	}, nil
}

// SelectFamilies implements FamilySelector.
func (c *Client) SelectFamilies(ctx context.Context, statsTable string) (FamilySelection, error) {
	content, err := c.complete(ctx, familySelectorSystemPrompt, statsTable)
	if err != nil {
		return FamilySelection{}, err
	}

	var sel FamilySelection
	if err := json.Unmarshal([]byte(extractJSON(content)), &sel); err != nil {
		c.logger.Warn("llm: family selector response did not parse as JSON", zap.Error(err))
		return FamilySelection{}, nil
	}
	return sel, nil
}

const strategyGenSystemPrompt = `You design A-share trend-following trading strategies as JSON. ` +
	`Respond only with {"strategies": [{"name","description","buy_conditions","sell_conditions","exit_config"}]}.`

const dailyAnalystSystemPrompt = `You are a daily A-share market analyst. ` +
	`Respond only with {"report_type","market_regime","market_regime_confidence","recommendations","strategy_actions","thinking_process","summary"}.`

const familySelectorSystemPrompt = `You select which strategy families are worth re-running given their historical stats. ` +
	`Respond only with {"market_assessment","selected_families","reasoning"}.`
