package decision

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// SalvageResult 描述从失败决策中抢救出的可执行子集。
type SalvageResult struct {
	ValidBets    []BetInstruction
	RemovedCount int
	Reasons      []string
}

// Salvage 在重试耗尽后对 BET 决策做确定性收缩：只会过滤、封顶或
// 等比缩小下注，绝不放大意图。处理顺序固定，主题冲突时先出现的
// 下注获胜。
func (v *Validator) Salvage(bets []BetInstruction, cash decimal.Decimal, scope ValidationScope) SalvageResult {
	result := SalvageResult{}
	maxBet := cash.Mul(v.rules.MaxBetPercent)
	claimed := make(map[string]struct{})

	kept := make([]BetInstruction, 0, len(bets))
	for _, bet := range bets {
		if _, ok := scope.MarketIDs[bet.MarketID]; !ok {
			result.Reasons = append(result.Reasons, fmt.Sprintf("removed bet on %s: unknown market", bet.MarketID))
			continue
		}
		if bet.Amount.LessThan(v.rules.MinBet) {
			result.Reasons = append(result.Reasons, fmt.Sprintf("removed bet on %s: $%s is below minimum bet $%s", bet.MarketID, bet.Amount, v.rules.MinBet))
			continue
		}
		if bet.Amount.GreaterThan(maxBet) {
			result.Reasons = append(result.Reasons, fmt.Sprintf("capped bet on %s from $%s to $%s", bet.MarketID, bet.Amount, maxBet))
			bet.Amount = maxBet
		}
		if tag, conflict := v.topicConflict(bet.MarketID, scope.MarketQuestions, claimed); conflict {
			result.Reasons = append(result.Reasons, fmt.Sprintf("removed bet on %s: correlated with an earlier bet on topic %q", bet.MarketID, tag))
			continue
		}
		kept = append(kept, bet)
	}

	total := decimal.Zero
	for _, bet := range kept {
		total = total.Add(bet.Amount)
	}

	if total.GreaterThan(cash) && total.IsPositive() {
		// 等比缩小到可用现金以内，缩放后向下取整到货币单位。
		factor := cash.Div(total)
		result.Reasons = append(result.Reasons, fmt.Sprintf("scaled %d bets by %s to fit cash balance $%s", len(kept), factor.Round(4), cash))

		rescaled := kept[:0]
		for _, bet := range kept {
			bet.Amount = bet.Amount.Mul(factor).RoundDown(0)
			if bet.Amount.LessThan(v.rules.MinBet) {
				result.Reasons = append(result.Reasons, fmt.Sprintf("removed bet on %s: fell below minimum bet $%s after scaling", bet.MarketID, v.rules.MinBet))
				continue
			}
			rescaled = append(rescaled, bet)
		}
		kept = rescaled
	}

	result.ValidBets = kept
	result.RemovedCount = len(bets) - len(kept)
	return result
}

// topicConflict 判断市场标题是否与已保留下注的主题冲突；
// 无冲突时将其主题登记为已占用。
func (v *Validator) topicConflict(marketID string, questions map[string]string, claimed map[string]struct{}) (string, bool) {
	if v.classifier == nil || len(questions) == 0 {
		return "", false
	}
	question, ok := questions[marketID]
	if !ok || question == "" {
		return "", false
	}

	tags := v.classifier.Topics(question)
	for _, tag := range tags {
		if _, taken := claimed[tag]; taken {
			return tag, true
		}
	}
	for _, tag := range tags {
		claimed[tag] = struct{}{}
	}
	return "", false
}
