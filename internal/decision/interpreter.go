package decision

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// 解析失败时附带的原始响应截断长度，用于约束日志体积。
const rawDiagnosticLimit = 500

var (
	fencedBlockRe  = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")
	strayColonRe   = regexp.MustCompile(`":\s*:`)
	missingCommaRe = regexp.MustCompile(`"(\s*\n\s*)"`)
)

// Interpret 将模型原始输出解析为 Decision。
// 任何输入都能得到结果：所有失败一律编码为 action=ERROR，绝不抛出。
func Interpret(raw string) Decision {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return errorDecision("Empty response")
	}

	payload := extractPayload(trimmed)
	payload = repairCommonTypos(payload)
	payload = escapeControlChars(payload)

	var doc map[string]interface{}
	dec := json.NewDecoder(strings.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		// JSON 解析失败后的关键词兜底：只在明确表达 HOLD 且没有
		// 混入 BET/SELL 字样时才降级为 HOLD。
		upper := strings.ToUpper(raw)
		if strings.Contains(upper, "HOLD") && !strings.Contains(upper, "BET") && !strings.Contains(upper, "SELL") {
			return holdDecision("Response was not valid JSON; interpreted as HOLD")
		}
		return errorDecision(fmt.Sprintf("Failed to parse response as JSON: %v | response: %s", err, truncate(raw, rawDiagnosticLimit)))
	}

	action := strings.ToUpper(strings.TrimSpace(stringField(doc, "action")))
	reasoning := firstString(doc, "reasoning", "reason", "explanation")
	if reasoning == "" {
		reasoning = "No reasoning provided"
	}

	switch action {
	case string(ActionHold):
		return holdDecision(reasoning)
	case string(ActionBet):
		return interpretBets(doc, reasoning)
	case string(ActionSell):
		return interpretSells(doc, reasoning)
	default:
		return errorDecision(fmt.Sprintf("Unknown action: %s", stringField(doc, "action")))
	}
}

// extractPayload 依次尝试：围栏代码块、首个顶层大括号区段、原文本身。
func extractPayload(text string) string {
	if match := fencedBlockRe.FindStringSubmatch(text); match != nil {
		inner := strings.TrimSpace(match[1])
		if inner != "" {
			return inner
		}
	}

	if span, ok := braceSpan(text); ok {
		return span
	}

	return text
}

// braceSpan 返回首个配平的顶层 {...} 区段，扫描时跳过字符串内容。
func braceSpan(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}

	return "", false
}

// repairCommonTypos 修补模型输出里高频出现的 JSON 笔误。
func repairCommonTypos(text string) string {
	// `"key": : "value"` 之类的多余冒号。
	text = strayColonRe.ReplaceAllString(text, `":`)
	// 直接写成 `::` 的重复冒号。
	text = strings.ReplaceAll(text, "::", ":")
	// 两个相邻引号 token 之间只隔了换行而缺少逗号。
	text = missingCommaRe.ReplaceAllString(text, "\",$1\"")
	return text
}

// escapeControlChars 逐字符扫描，把字符串内部的裸换行/回车/制表符
// 替换为转义序列；字符串外的字符原样保留。
func escapeControlChars(text string) string {
	var b strings.Builder
	b.Grow(len(text))

	inString := false
	escaped := false
	for i := 0; i < len(text); i++ {
		ch := text[i]

		if inString {
			switch {
			case escaped:
				escaped = false
				b.WriteByte(ch)
				continue
			case ch == '\\':
				escaped = true
				b.WriteByte(ch)
				continue
			case ch == '"':
				inString = false
				b.WriteByte(ch)
				continue
			case ch == '\n':
				b.WriteString(`\n`)
				continue
			case ch == '\r':
				b.WriteString(`\r`)
				continue
			case ch == '\t':
				b.WriteString(`\t`)
				continue
			}
			b.WriteByte(ch)
			continue
		}

		if ch == '"' {
			inString = true
		}
		b.WriteByte(ch)
	}

	return b.String()
}

// interpretBets 构造 BET 决策。任何一条非法指令都会否决整个决策，
// 部分抢救交由后续的 Salvage 阶段处理。
func interpretBets(doc map[string]interface{}, reasoning string) Decision {
	rawBets, ok := doc["bets"].([]interface{})
	if !ok || len(rawBets) == 0 {
		return errorDecision("BET action requires a non-empty bets array")
	}

	bets := make([]BetInstruction, 0, len(rawBets))
	for i, item := range rawBets {
		entry, ok := item.(map[string]interface{})
		if !ok {
			return errorDecision(fmt.Sprintf("Bet %d is not an object", i+1))
		}

		marketID := firstString(entry, "market_id", "marketId")
		if marketID == "" {
			return errorDecision(fmt.Sprintf("Bet %d is missing market_id", i+1))
		}

		// side 字段缺席时默认 YES；出现但非法时拒绝整个决策。
		side := SideYes
		if rawSide, present := entry["side"]; present {
			switch strings.ToUpper(strings.TrimSpace(toString(rawSide))) {
			case string(SideYes):
				side = SideYes
			case string(SideNo):
				side = SideNo
			default:
				return errorDecision(fmt.Sprintf("Bet %d has invalid side: %v", i+1, rawSide))
			}
		}

		amount, ok := toDecimal(entry["amount"])
		if !ok || !amount.IsPositive() {
			return errorDecision(fmt.Sprintf("Bet %d requires a positive numeric amount", i+1))
		}

		bets = append(bets, BetInstruction{
			MarketID:  marketID,
			Side:      side,
			Amount:    amount,
			Reasoning: stringField(entry, "reasoning"),
		})
	}

	return Decision{Action: ActionBet, Reasoning: reasoning, Bets: bets}
}

func interpretSells(doc map[string]interface{}, reasoning string) Decision {
	rawSells, ok := doc["sells"].([]interface{})
	if !ok || len(rawSells) == 0 {
		return errorDecision("SELL action requires a non-empty sells array")
	}

	sells := make([]SellInstruction, 0, len(rawSells))
	for i, item := range rawSells {
		entry, ok := item.(map[string]interface{})
		if !ok {
			return errorDecision(fmt.Sprintf("Sell %d is not an object", i+1))
		}

		positionID := firstString(entry, "position_id", "positionId")
		if positionID == "" {
			return errorDecision(fmt.Sprintf("Sell %d is missing position_id", i+1))
		}

		percentage := decimal.NewFromInt(100)
		if rawPct, present := entry["percentage"]; present {
			pct, ok := toDecimal(rawPct)
			if !ok {
				return errorDecision(fmt.Sprintf("Sell %d has a non-numeric percentage", i+1))
			}
			if !pct.IsPositive() || pct.GreaterThan(decimal.NewFromInt(100)) {
				return errorDecision(fmt.Sprintf("Sell %d percentage must be in (0,100], got %s", i+1, pct))
			}
			percentage = pct
		}

		sells = append(sells, SellInstruction{
			PositionID: positionID,
			Percentage: percentage,
		})
	}

	return Decision{Action: ActionSell, Reasoning: reasoning, Sells: sells}
}

func stringField(doc map[string]interface{}, key string) string {
	return strings.TrimSpace(toString(doc[key]))
}

func firstString(doc map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		if s := stringField(doc, key); s != "" {
			return s
		}
	}
	return ""
}

func toString(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

func toDecimal(value interface{}) (decimal.Decimal, bool) {
	switch v := value.(type) {
	case json.Number:
		d, err := decimal.NewFromString(v.String())
		return d, err == nil
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(v))
		return d, err == nil
	case float64:
		return decimal.NewFromFloat(v), true
	default:
		return decimal.Decimal{}, false
	}
}

func truncate(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
