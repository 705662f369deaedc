package decision

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func TestInterpret_EmptyResponse(t *testing.T) {
	for _, raw := range []string{"", "   ", "\n\t"} {
		d := Interpret(raw)
		if d.Action != ActionError {
			t.Fatalf("expected ERROR for %q, got %s", raw, d.Action)
		}
		if d.Error != "Empty response" {
			t.Fatalf("unexpected error message: %s", d.Error)
		}
	}
}

func TestInterpret_HoldRoundTrip(t *testing.T) {
	d := Interpret(`{"action":"HOLD","reasoning":"x"}`)
	if d.Action != ActionHold {
		t.Fatalf("expected HOLD, got %s (%s)", d.Action, d.Error)
	}
	if d.Reasoning != "x" {
		t.Fatalf("expected reasoning x, got %q", d.Reasoning)
	}
}

func TestInterpret_FencedCodeBlock(t *testing.T) {
	raw := "Here is my decision:\n```json\n{\"action\":\"HOLD\",\"reasoning\":\"wait and see\"}\n```\nDone."
	d := Interpret(raw)
	if d.Action != ActionHold {
		t.Fatalf("expected HOLD, got %s (%s)", d.Action, d.Error)
	}
	if d.Reasoning != "wait and see" {
		t.Fatalf("unexpected reasoning %q", d.Reasoning)
	}
}

func TestInterpret_BraceSpanExtraction(t *testing.T) {
	raw := `Sure! {"action":"HOLD","reasoning":"chop"} hope that helps`
	d := Interpret(raw)
	if d.Action != ActionHold {
		t.Fatalf("expected HOLD, got %s (%s)", d.Action, d.Error)
	}
}

func TestInterpret_HoldKeywordFallback(t *testing.T) {
	d := Interpret("I think we should just hold for now, nothing looks attractive.")
	if d.Action != ActionHold {
		t.Fatalf("expected HOLD fallback, got %s (%s)", d.Action, d.Error)
	}

	// 含 BET 字样时不允许降级为 HOLD。
	d = Interpret("hold... actually no, BET on everything!!!")
	if d.Action != ActionError {
		t.Fatalf("expected ERROR when BET keyword present, got %s", d.Action)
	}
}

func TestInterpret_MalformedJSONTruncatesDiagnostics(t *testing.T) {
	raw := "{" + strings.Repeat("x", 2000)
	d := Interpret(raw)
	if d.Action != ActionError {
		t.Fatalf("expected ERROR, got %s", d.Action)
	}
	if len(d.Error) > 700 {
		t.Fatalf("diagnostic not truncated, len=%d", len(d.Error))
	}
}

func TestInterpret_BetKeyAliasesAndSideCase(t *testing.T) {
	raw := `{"action":"bet","reason":"value found","bets":[{"marketId":"mkt-1","side":"no","amount":120.5}]}`
	d := Interpret(raw)
	if d.Action != ActionBet {
		t.Fatalf("expected BET, got %s (%s)", d.Action, d.Error)
	}
	if d.Reasoning != "value found" {
		t.Fatalf("expected reason alias to populate reasoning, got %q", d.Reasoning)
	}
	if len(d.Bets) != 1 {
		t.Fatalf("expected 1 bet, got %d", len(d.Bets))
	}
	bet := d.Bets[0]
	if bet.MarketID != "mkt-1" {
		t.Errorf("marketId alias not honored: %s", bet.MarketID)
	}
	if bet.Side != SideNo {
		t.Errorf("expected side NO, got %s", bet.Side)
	}
	if !bet.Amount.Equal(decimal.NewFromFloat(120.5)) {
		t.Errorf("unexpected amount %s", bet.Amount)
	}
}

func TestInterpret_SideDefaultsToYesOnlyWhenAbsent(t *testing.T) {
	d := Interpret(`{"action":"BET","bets":[{"market_id":"m1","amount":100}]}`)
	if d.Action != ActionBet || d.Bets[0].Side != SideYes {
		t.Fatalf("absent side should default to YES, got %v (%s)", d, d.Error)
	}

	d = Interpret(`{"action":"BET","bets":[{"market_id":"m1","side":"MAYBE","amount":100}]}`)
	if d.Action != ActionError {
		t.Fatalf("present-but-invalid side must reject the whole decision, got %s", d.Action)
	}
}

func TestInterpret_InvalidBetRejectsWholeDecision(t *testing.T) {
	raw := `{"action":"BET","bets":[
		{"market_id":"m1","amount":100},
		{"market_id":"m2","amount":-5}
	]}`
	d := Interpret(raw)
	if d.Action != ActionError {
		t.Fatalf("expected whole-decision ERROR, got %s with %d bets", d.Action, len(d.Bets))
	}
}

func TestInterpret_MissingBetsArray(t *testing.T) {
	d := Interpret(`{"action":"BET","reasoning":"oops"}`)
	if d.Action != ActionError {
		t.Fatalf("BET without bets must be ERROR, got %s", d.Action)
	}
}

func TestInterpret_SellDefaultsAndBounds(t *testing.T) {
	d := Interpret(`{"action":"SELL","sells":[{"position_id":"pos-1"}]}`)
	if d.Action != ActionSell {
		t.Fatalf("expected SELL, got %s (%s)", d.Action, d.Error)
	}
	if !d.Sells[0].Percentage.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("omitted percentage must default to 100, got %s", d.Sells[0].Percentage)
	}

	d = Interpret(`{"action":"SELL","sells":[{"positionId":"pos-1","percentage":150}]}`)
	if d.Action != ActionError {
		t.Fatalf("percentage above 100 must be ERROR, got %s", d.Action)
	}
}

func TestInterpret_UnknownAction(t *testing.T) {
	d := Interpret(`{"action":"YOLO"}`)
	if d.Action != ActionError {
		t.Fatalf("expected ERROR, got %s", d.Action)
	}
	if !strings.Contains(d.Error, "Unknown action") {
		t.Fatalf("unexpected error message: %s", d.Error)
	}
}

func TestInterpret_RepairsDoubledColons(t *testing.T) {
	d := Interpret(`{"action":: "HOLD","reasoning": "typo city"}`)
	if d.Action != ActionHold {
		t.Fatalf("expected repaired HOLD, got %s (%s)", d.Action, d.Error)
	}
}

func TestInterpret_RepairsMissingComma(t *testing.T) {
	raw := "{\"action\":\"BET\"\n\"bets\":[{\"market_id\":\"m1\",\"amount\":100}]}"
	d := Interpret(raw)
	if d.Action != ActionBet {
		t.Fatalf("expected BET after comma repair, got %s (%s)", d.Action, d.Error)
	}
}

func TestInterpret_EscapesRawNewlinesInStrings(t *testing.T) {
	raw := "{\"action\":\"HOLD\",\"reasoning\":\"line one\nline two\"}"
	d := Interpret(raw)
	if d.Action != ActionHold {
		t.Fatalf("expected HOLD with sanitized newline, got %s (%s)", d.Action, d.Error)
	}
	if !strings.Contains(d.Reasoning, "line one") || !strings.Contains(d.Reasoning, "line two") {
		t.Fatalf("reasoning lost content: %q", d.Reasoning)
	}
}

func TestInterpret_NeverPanics(t *testing.T) {
	inputs := []string{
		"{{{{{",
		"}}}}",
		"```json```",
		`{"action":}`,
		`{"bets": "not an array", "action": "BET"}`,
		`{"action":"SELL","sells":[42]}`,
		"\x00\x01\x02",
		`{"action":"BET","bets":[{"amount":100}]}`,
	}
	for _, raw := range inputs {
		d := Interpret(raw)
		if d.Action == "" {
			t.Fatalf("interpret returned empty action for %q", raw)
		}
	}
}
