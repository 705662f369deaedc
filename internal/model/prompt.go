package model

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/shopspring/decimal"

	"polyagents/internal/config"
	"polyagents/internal/indicator"
	"polyagents/internal/market"
	"polyagents/internal/store"
)

const systemTemplate = `你是 {{ .Name }}，一名参加预测市场模拟盘竞赛的交易员。
{{- if .Persona }}
人设：{{ .Persona }}
{{- end }}
你管理一个虚拟账户，目标是在比赛期间实现最高的账户净值。
所有资金均为模拟资金，但请像管理真实资金一样严肃对待每一笔下注。`

const userTemplate = `当前账户状况：
- 现金余额: ${{ .Portfolio.CashBalance }}
- 持仓成本合计: ${{ .Portfolio.TotalInvested }}
{{- if .Portfolio.Positions }}
当前持仓：
{{- range .Portfolio.Positions }}
- [{{ .ID }}] {{ .MarketQuestion }} 方向={{ .Side }} 份额={{ .Shares }} 均价={{ .AvgEntryPrice }} 成本=${{ .TotalCost }}
{{- end }}
{{- else }}
当前无持仓。
{{- end }}

可交易市场：
{{- range .Markets }}
- [{{ .Market.ID }}] {{ .Market.Question }}
  YES价格={{ .YesPrice }} 成交量=${{ .Market.Volume }}
{{- if .Indicators }}
  近{{ .Indicators.SampleSize }}小时概率: 当前={{ printf "%.3f" .Indicators.Current }} 均线={{ printf "%.3f" .Indicators.SMA }} RSI={{ printf "%.1f" .Indicators.RSI }} 动量={{ printf "%+.3f" .Indicators.Momentum }} 区间=[{{ printf "%.3f" .Indicators.RangeLow }}, {{ printf "%.3f" .Indicators.RangeHigh }}]
{{- end }}
{{- end }}

交易规则：
1. 单笔下注不低于 ${{ .Rules.MinBet }}；
2. 单笔下注不超过现金余额的 {{ .Rules.MaxBetPercentDisplay }}%；
3. 同一主题（如同一种加密货币、同一公司）只允许持有一笔下注；
4. 全部下注合计不得超过现金余额；
5. 没有把握时选择 HOLD，保住本金也是一种策略。

请严格输出唯一的 JSON 对象，不要附加任何解释文字，格式如下：
{
  "action": "BET|SELL|HOLD",
  "bets": [
    {
      "market_id": "...",      // 上方列表中的市场 ID
      "side": "YES|NO",        // 下注方向
      "amount": 100,            // 下注金额（美元，数字）
      "reasoning": "..."       // 下注理由
    }
  ],
  "sells": [
    {
      "position_id": "...",    // 上方持仓列表中的仓位 ID
      "percentage": 100         // 卖出比例，(0,100]
    }
  ]
}

注意事项：
- action=HOLD 时 bets 与 sells 均应为空数组；
- action=BET 时至少给出一笔 bets；action=SELL 时至少给出一笔 sells；
- market_id 与 position_id 必须来自上方列表，不得编造。`

const retryTemplate = `你上一次的回复无法被执行。

上一次回复（可能被截断）：
{{ .PriorResponse }}

存在以下问题：
{{- range .Violations }}
- {{ . }}
{{- end }}

请修正以上全部问题后，重新输出唯一的 JSON 对象，格式与之前要求一致，不要附加任何解释文字。`

var (
	systemTmpl = template.Must(template.New("system").Parse(systemTemplate))
	userTmpl   = template.Must(template.New("user").Parse(userTemplate))
	retryTmpl  = template.Must(template.New("retry").Parse(retryTemplate))
)

const priorResponseLimit = 500

// MarketView 是提示词中单个市场的展示数据。
type MarketView struct {
	Market     market.Market
	Indicators *indicator.Summary
}

// YesPrice 取 YES 方向价格的展示值。
func (v MarketView) YesPrice() string {
	if price, ok := v.Market.PriceFor("YES"); ok {
		return price.StringFixed(3)
	}
	return "?"
}

// PositionView 是提示词中单个持仓的展示数据，市场问题由调用方补全。
type PositionView struct {
	ID             string
	MarketID       string
	MarketQuestion string
	Side           string
	Shares         decimal.Decimal
	AvgEntryPrice  decimal.Decimal
	TotalCost      decimal.Decimal
}

// NewPositionView 由持仓记录与市场问题构造展示数据。
func NewPositionView(p store.Position, question string) PositionView {
	return PositionView{
		ID:             p.ID,
		MarketID:       p.MarketID,
		MarketQuestion: question,
		Side:           p.Side,
		Shares:         p.Shares,
		AvgEntryPrice:  p.AvgEntryPrice,
		TotalCost:      p.TotalCost,
	}
}

// PortfolioView 是提示词中账户状态的展示数据。
type PortfolioView struct {
	CashBalance   decimal.Decimal
	TotalInvested decimal.Decimal
	Positions     []PositionView
}

// PromptRules 是提示词中向模型陈述的下注约束。
type PromptRules struct {
	MinBet        decimal.Decimal
	MaxBetPercent decimal.Decimal
}

// MaxBetPercentDisplay 将比例换算为百分数展示。
func (r PromptRules) MaxBetPercentDisplay() string {
	return r.MaxBetPercent.Mul(decimal.NewFromInt(100)).String()
}

// BuildSystemPrompt 渲染账户人设提示词。
func BuildSystemPrompt(agent config.AgentConfig) (string, error) {
	var buf bytes.Buffer
	if err := systemTmpl.Execute(&buf, agent); err != nil {
		return "", fmt.Errorf("model: 渲染系统提示词失败: %w", err)
	}
	return buf.String(), nil
}

// BuildDecisionPrompt 将市场与账户状态渲染成决策提示词。
func BuildDecisionPrompt(markets []MarketView, portfolio PortfolioView, rules PromptRules) (string, error) {
	ctx := struct {
		Markets   []MarketView
		Portfolio PortfolioView
		Rules     PromptRules
	}{
		Markets:   markets,
		Portfolio: portfolio,
		Rules:     rules,
	}

	var buf bytes.Buffer
	if err := userTmpl.Execute(&buf, ctx); err != nil {
		return "", fmt.Errorf("model: 渲染决策提示词失败: %w", err)
	}
	return buf.String(), nil
}

// BuildRetryPrompt 基于上一轮原始输出与校验问题构造重试提示词。
// 原始输出按 rune 截断，避免超长回复反复占用上下文。
func BuildRetryPrompt(priorResponse string, violations []string) (string, error) {
	prior := strings.TrimSpace(priorResponse)
	if prior == "" {
		prior = "(空回复)"
	}
	if runes := []rune(prior); len(runes) > priorResponseLimit {
		prior = string(runes[:priorResponseLimit]) + "..."
	}

	ctx := struct {
		PriorResponse string
		Violations    []string
	}{
		PriorResponse: prior,
		Violations:    violations,
	}

	var buf bytes.Buffer
	if err := retryTmpl.Execute(&buf, ctx); err != nil {
		return "", fmt.Errorf("model: 渲染重试提示词失败: %w", err)
	}
	return buf.String(), nil
}
