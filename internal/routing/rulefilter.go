// Package routing implements the two-stage post triage: a cheap rule-based
// pre-filter followed by an embedding router with adaptive per-tag
// thresholds, plus the dispatcher that hands routed posts to the LLM
// classifier in batches.
package routing

import (
	"regexp"
	"strings"

	"github.com/fairyhunter13/ai-feed-triage/internal/domain"
	"github.com/fairyhunter13/ai-feed-triage/pkg/textx"
)

// Drop reasons recorded on posts rejected by the rule pre-filter.
const (
	DropLowLang      = "low-lang"
	DropLowInfoShort = "low-info-short"
	DropRule         = "rule-drop"
)

var (
	numericTokenRe = regexp.MustCompile(`\d+(?:[.,]\d+)?%?`)
	amountUnitRe   = regexp.MustCompile(`(?i)(\$|€|¥|£|usd|usdt|usdc|eth|btc|sol|bps|亿|万|million|billion|[mbk]\b)\s*\d|\d+(?:[.,]\d+)?\s*(\$|€|¥|£|usd|usdt|usdc|eth|btc|sol|bps|%|亿|万|million|billion)`)
	timeUnitRe     = regexp.MustCompile(`(?i)\d+\s*(h|hr|hrs|hour|hours|d|day|days|w|week|weeks|month|months|q[1-4]|year|years|分钟|小时|天|周|月|年)\b|\b(today|tomorrow|tonight|deadline|eod|eow)\b|(今天|明天|本周|下周|截止)`)
	tickerRe       = regexp.MustCompile(`\$[A-Z]{2,6}\b`)
)

// highSignalKeywords is the closed keyword list that keeps a post regardless
// of its other features.
var highSignalKeywords = []string{
	"mainnet", "testnet", "airdrop", "snapshot", "hardfork", "hard fork",
	"exploit", "hack", "vulnerability", "rugpull", "rug pull", "drained",
	"listing", "delisting", "halted", "liquidation", "liquidated",
	"proposal", "governance", "vote", "etf", "sec", "lawsuit", "settlement",
	"acquisition", "merger", "funding round", "raised",
	"升级", "主网", "空投", "快照", "漏洞", "清算", "上线", "下架", "提案", "监管", "起诉", "收购", "融资",
}

// lowValueLangs are language codes that carry no classifiable content.
var lowValueLangs = map[string]struct{}{
	"zxx": {}, "und": {}, "qme": {}, "qam": {}, "qst": {}, "art": {},
}

// RuleDecision is the outcome of the pre-filter for one post.
type RuleDecision struct {
	Keep   bool
	Reason string // drop reason when Keep is false
}

// Features are the per-post signals the rule filter derives.
type Features struct {
	Length               int
	NumericTokens        int
	HasHighSignalKeyword bool
	HasAmountUnit        bool
	HasTimeUnit          bool
	HasTicker            bool
	LowValueLang         bool
}

// ExtractFeatures computes rule-filter signals over normalized text.
func ExtractFeatures(text, lang string) Features {
	normalized := textx.CollapseWhitespace(text)
	lower := strings.ToLower(normalized)

	f := Features{
		Length:        len([]rune(normalized)),
		NumericTokens: len(numericTokenRe.FindAllString(normalized, -1)),
		HasAmountUnit: amountUnitRe.MatchString(normalized),
		HasTimeUnit:   timeUnitRe.MatchString(normalized),
		HasTicker:     tickerRe.MatchString(normalized),
	}
	for _, kw := range highSignalKeywords {
		if strings.Contains(lower, kw) {
			f.HasHighSignalKeyword = true
			break
		}
	}
	if _, ok := lowValueLangs[strings.ToLower(lang)]; ok {
		f.LowValueLang = true
	}
	return f
}

// Evaluate applies the keep rules to one post. The function is pure so the
// same post always gets the same decision.
func Evaluate(p domain.Post) RuleDecision {
	f := ExtractFeatures(p.Text, p.Lang)

	keep := f.HasHighSignalKeyword ||
		(f.HasAmountUnit && f.HasTimeUnit) ||
		(f.Length >= 160 && f.NumericTokens >= 3) ||
		(f.HasTicker && f.NumericTokens >= 2)
	if keep {
		return RuleDecision{Keep: true}
	}

	switch {
	case f.LowValueLang:
		return RuleDecision{Reason: DropLowLang}
	case f.Length < 80 && f.NumericTokens <= 1 && !f.HasHighSignalKeyword && !f.HasTicker:
		return RuleDecision{Reason: DropLowInfoShort}
	default:
		return RuleDecision{Reason: DropRule}
	}
}
