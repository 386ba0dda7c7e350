package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fairyhunter13/ai-feed-triage/internal/domain"
)

func TestEvaluateKeepRules(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		text   string
		lang   string
		keep   bool
		reason string
	}{
		{
			name: "high signal keyword with amount and time",
			text: "SEC announces new ETF policy effective 2026-02-01; $BTC reaction to 4% gain",
			lang: "en",
			keep: true,
		},
		{
			name: "keyword alone keeps",
			text: "mainnet is live",
			lang: "en",
			keep: true,
		},
		{
			name: "amount plus time keeps",
			text: "raising $50m closes in 3 days",
			lang: "en",
			keep: true,
		},
		{
			name: "ticker with two numbers keeps",
			text: "$SOL up 12 to 150",
			lang: "en",
			keep: true,
		},
		{
			name:   "short greeting dropped low-info",
			text:   "gm",
			lang:   "en",
			reason: DropLowInfoShort,
		},
		{
			name:   "low value language dropped",
			text:   "random short filler",
			lang:   "zxx",
			reason: DropLowLang,
		},
		{
			name:   "long prose without numbers dropped as rule-drop",
			text:   "This is a fairly long piece of commentary about nothing in particular that keeps going on without any concrete figures or announcements, just vibes and opinions about the general state of things.",
			lang:   "en",
			reason: DropRule,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := Evaluate(domain.Post{Text: tt.text, Lang: tt.lang})
			assert.Equal(t, tt.keep, d.Keep)
			if !tt.keep {
				assert.Equal(t, tt.reason, d.Reason)
			}
		})
	}
}

func TestEvaluateIdempotent(t *testing.T) {
	t.Parallel()
	p := domain.Post{Text: "airdrop snapshot at block 123456", Lang: "en"}
	first := Evaluate(p)
	second := Evaluate(p)
	assert.Equal(t, first, second)
}

func TestExtractFeatures(t *testing.T) {
	t.Parallel()
	f := ExtractFeatures("SEC announces new ETF policy effective 2026-02-01; $BTC reaction to 4% gain", "en")
	assert.True(t, f.HasHighSignalKeyword)
	assert.True(t, f.HasTicker)
	assert.GreaterOrEqual(t, f.NumericTokens, 3)
	assert.False(t, f.LowValueLang)
}
