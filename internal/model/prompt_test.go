package model

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"polyagents/internal/config"
	"polyagents/internal/indicator"
	"polyagents/internal/market"
)

func TestBuildSystemPrompt_IncludesPersona(t *testing.T) {
	prompt, err := BuildSystemPrompt(config.AgentConfig{
		ID:      "agent-1",
		Name:    "稳健老王",
		Persona: "价值型交易员，偏好高流动性市场",
	})
	if err != nil {
		t.Fatalf("BuildSystemPrompt: %v", err)
	}
	if !strings.Contains(prompt, "稳健老王") {
		t.Error("system prompt should contain agent name")
	}
	if !strings.Contains(prompt, "价值型交易员") {
		t.Error("system prompt should contain persona")
	}
}

func TestBuildDecisionPrompt_RendersMarketsAndRules(t *testing.T) {
	markets := []MarketView{
		{
			Market: market.Market{
				ID:       "mkt-1",
				Question: "Will Bitcoin close above $150k in 2026?",
				OutcomePrices: map[string]decimal.Decimal{
					"YES": decimal.RequireFromString("0.42"),
				},
				Volume: decimal.RequireFromString("125000"),
			},
			Indicators: &indicator.Summary{
				Current:    0.42,
				SMA:        0.40,
				RSI:        61.5,
				Momentum:   0.03,
				RangeLow:   0.35,
				RangeHigh:  0.44,
				SampleSize: 48,
			},
		},
	}
	portfolio := PortfolioView{
		CashBalance:   decimal.NewFromInt(10000),
		TotalInvested: decimal.NewFromInt(500),
		Positions: []PositionView{
			{
				ID:             "pos-1",
				MarketID:       "mkt-2",
				MarketQuestion: "Will the Fed cut rates in September?",
				Side:           "NO",
				Shares:         decimal.RequireFromString("800"),
				AvgEntryPrice:  decimal.RequireFromString("0.625"),
				TotalCost:      decimal.NewFromInt(500),
			},
		},
	}
	rules := PromptRules{
		MinBet:        decimal.NewFromInt(50),
		MaxBetPercent: decimal.RequireFromString("0.1"),
	}

	prompt, err := BuildDecisionPrompt(markets, portfolio, rules)
	if err != nil {
		t.Fatalf("BuildDecisionPrompt: %v", err)
	}

	for _, want := range []string{
		"mkt-1",
		"Will Bitcoin close above $150k in 2026?",
		"YES价格=0.420",
		"pos-1",
		"Will the Fed cut rates in September?",
		"$50",
		"10%",
		"market_id",
		"position_id",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestBuildDecisionPrompt_NoPositions(t *testing.T) {
	prompt, err := BuildDecisionPrompt(nil, PortfolioView{
		CashBalance: decimal.NewFromInt(10000),
	}, PromptRules{
		MinBet:        decimal.NewFromInt(50),
		MaxBetPercent: decimal.RequireFromString("0.1"),
	})
	if err != nil {
		t.Fatalf("BuildDecisionPrompt: %v", err)
	}
	if !strings.Contains(prompt, "当前无持仓") {
		t.Error("prompt should state there are no positions")
	}
}

func TestBuildRetryPrompt_TruncatesPriorResponse(t *testing.T) {
	prior := strings.Repeat("甲", 600)
	prompt, err := BuildRetryPrompt(prior, []string{"Bet 1: Minimum bet is $50"})
	if err != nil {
		t.Fatalf("BuildRetryPrompt: %v", err)
	}
	if strings.Contains(prompt, strings.Repeat("甲", 501)) {
		t.Error("prior response should be truncated to 500 runes")
	}
	if !strings.Contains(prompt, strings.Repeat("甲", 500)+"...") {
		t.Error("truncated prior response should end with ellipsis")
	}
	if !strings.Contains(prompt, "Bet 1: Minimum bet is $50") {
		t.Error("violations should be itemized in retry prompt")
	}
}

func TestBuildRetryPrompt_EmptyPrior(t *testing.T) {
	prompt, err := BuildRetryPrompt("   ", []string{"Invalid market ID: mkt-9"})
	if err != nil {
		t.Fatalf("BuildRetryPrompt: %v", err)
	}
	if !strings.Contains(prompt, "(空回复)") {
		t.Error("empty prior response should be rendered as placeholder")
	}
}
