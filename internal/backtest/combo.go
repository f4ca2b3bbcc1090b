package backtest

import (
	"regexp"
	"strconv"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// voteNamePattern recognizes the "投票N/M" combo-naming convention used
// as the last-resort recovery path below.
var voteNamePattern = regexp.MustCompile(`投票(\d+)/(\d+)`)

// ExtractComboConfig recovers a candidate's combo configuration via the
// three lookup paths preserved from the source system (design note #1):
// (a) regime_stats.type == "combo" directly, (b) an embedded
// "_combo_config" key left by a prior successful run, (c) a sibling
// ExperimentStrategy's "投票N/M" name, for retries where regime_stats
// was cleared. Returns nil when the candidate isn't a combo at all.
func ExtractComboConfig(candidate types.ExperimentStrategy, siblings []types.ExperimentStrategy) *types.ComboConfig {
	if cfg, ok := comboFromRegimeStats(candidate.RegimeStats); ok {
		return cfg
	}
	if cfg, ok := comboFromEmbeddedKey(candidate.RegimeStats); ok {
		return cfg
	}
	if cfg, ok := comboFromSiblingName(candidate, siblings); ok {
		return cfg
	}
	return nil
}

func comboFromRegimeStats(stats map[string]any) (*types.ComboConfig, bool) {
	if stats == nil || stats["type"] != "combo" {
		return nil, false
	}
	return decodeComboMap(stats)
}

func comboFromEmbeddedKey(stats map[string]any) (*types.ComboConfig, bool) {
	if stats == nil {
		return nil, false
	}
	embedded, ok := stats["_combo_config"].(map[string]any)
	if !ok {
		return nil, false
	}
	return decodeComboMap(embedded)
}

func decodeComboMap(m map[string]any) (*types.ComboConfig, bool) {
	cfg := &types.ComboConfig{Type: "combo"}
	if ids, ok := m["memberIds"].([]any); ok {
		for _, v := range ids {
			switch x := v.(type) {
			case float64:
				cfg.MemberIDs = append(cfg.MemberIDs, int64(x))
			case int64:
				cfg.MemberIDs = append(cfg.MemberIDs, x)
			}
		}
	}
	if threshold, ok := m["voteThreshold"].(float64); ok {
		cfg.VoteThreshold = int(threshold)
	}
	if mode, ok := m["sellMode"].(string); ok {
		cfg.SellMode = mode
	}
	if len(cfg.MemberIDs) == 0 {
		return nil, false
	}
	return cfg, true
}

// comboFromSiblingName recovers a combo config from a sibling candidate
// in the same experiment whose name encodes "投票N/M" (vote N of M
// members) — the retry-path fallback when regime_stats was cleared.
func comboFromSiblingName(candidate types.ExperimentStrategy, siblings []types.ExperimentStrategy) (*types.ComboConfig, bool) {
	m := voteNamePattern.FindStringSubmatch(candidate.Name)
	if m == nil {
		return nil, false
	}
	threshold, err := strconv.Atoi(m[1])
	if err != nil {
		return nil, false
	}

	var memberIDs []int64
	var memberNames []string
	for _, sib := range siblings {
		if sib.ID == candidate.ID || sib.ExperimentID != candidate.ExperimentID {
			continue
		}
		if voteNamePattern.MatchString(sib.Name) {
			continue
		}
		memberIDs = append(memberIDs, sib.ID)
		memberNames = append(memberNames, sib.Name)
	}
	if len(memberIDs) == 0 {
		return nil, false
	}

	return &types.ComboConfig{
		Type: "combo", MemberIDs: memberIDs, MemberNames: memberNames,
		VoteThreshold: threshold, SellMode: "majority",
	}, true
}

// MembersFrom resolves a ComboConfig's member IDs into backtest.Member
// values using a strategy lookup (either ExperimentStrategy siblings or
// promoted Strategy records, both carry buy/sell conditions).
func MembersFrom(cfg *types.ComboConfig, lookup func(id int64) (name string, buy, sell []types.Condition, ok bool)) []Member {
	members := make([]Member, 0, len(cfg.MemberIDs))
	for _, id := range cfg.MemberIDs {
		name, buy, sell, ok := lookup(id)
		if !ok {
			continue
		}
		members = append(members, Member{ID: id, Name: name, BuyConditions: buy, SellConditions: sell})
	}
	return members
}
