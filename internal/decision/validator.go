package decision

import (
	"fmt"

	"github.com/shopspring/decimal"

	"polyagents/internal/topic"
)

// Rules 描述下注约束参数。
type Rules struct {
	// MinBet 单笔下注下限（货币单位）。
	MinBet decimal.Decimal
	// MaxBetPercent 单笔下注占可用现金的比例上限，位于 (0,1]。
	MaxBetPercent decimal.Decimal
}

// ValidationScope 提供校验所需的外部视图：可交易市场、可卖出持仓
// 以及用于相关性识别的市场标题（可为空，空时跳过相关性检查）。
type ValidationScope struct {
	MarketIDs       map[string]struct{}
	PositionIDs     map[string]struct{}
	MarketQuestions map[string]string
}

// ValidationResult 汇总一次校验的全部违规项。
type ValidationResult struct {
	Valid  bool
	Errors []string
}

// Validator 对决策做约束校验，纯函数、无副作用。
type Validator struct {
	rules      Rules
	classifier topic.Classifier
}

// NewValidator 创建校验器。classifier 为 nil 时跳过相关性检查。
func NewValidator(rules Rules, classifier topic.Classifier) *Validator {
	return &Validator{
		rules:      rules,
		classifier: classifier,
	}
}

// Validate 根据账户现金与外部视图校验决策。
// 所有违规一次性收集返回，便于重试提示词完整罗列问题。
func (v *Validator) Validate(d Decision, cash decimal.Decimal, scope ValidationScope) ValidationResult {
	switch d.Action {
	case ActionHold:
		return ValidationResult{Valid: true}
	case ActionError:
		msg := d.Error
		if msg == "" {
			msg = "decision could not be interpreted"
		}
		return ValidationResult{Errors: []string{msg}}
	case ActionBet:
		return v.validateBets(d.Bets, cash, scope)
	case ActionSell:
		return v.validateSells(d.Sells, scope)
	default:
		return ValidationResult{Errors: []string{fmt.Sprintf("unknown action %q", d.Action)}}
	}
}

func (v *Validator) validateBets(bets []BetInstruction, cash decimal.Decimal, scope ValidationScope) ValidationResult {
	var errs []string

	if len(bets) == 0 {
		return ValidationResult{Errors: []string{"BET decision carries no bets"}}
	}

	maxBet := cash.Mul(v.rules.MaxBetPercent)
	total := decimal.Zero

	for i, bet := range bets {
		if _, ok := scope.MarketIDs[bet.MarketID]; !ok {
			errs = append(errs, fmt.Sprintf("Bet %d: market %s is not in the tradable market list", i+1, bet.MarketID))
		}
		if bet.Amount.LessThan(v.rules.MinBet) {
			errs = append(errs, fmt.Sprintf("Bet %d: Minimum bet is $%s", i+1, v.rules.MinBet))
		}
		// 单市场上限逐笔独立计算，不做累计扣减。
		if bet.Amount.GreaterThan(maxBet) {
			errs = append(errs, fmt.Sprintf("Bet %d: amount $%s exceeds maximum bet $%s (%s%% of cash)",
				i+1, bet.Amount, maxBet, v.rules.MaxBetPercent.Mul(decimal.NewFromInt(100))))
		}
		total = total.Add(bet.Amount)
	}

	if total.GreaterThan(cash) {
		errs = append(errs, fmt.Sprintf("Total bet amount $%s exceeds cash balance $%s", total, cash))
	}

	errs = append(errs, v.correlationErrors(bets, scope.MarketQuestions)...)

	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

// correlationErrors 执行主题相关性规则：同一主题关键词在整个决策里
// 至多允许一笔下注，先出现的下注占有该主题。
func (v *Validator) correlationErrors(bets []BetInstruction, questions map[string]string) []string {
	if v.classifier == nil || len(questions) == 0 {
		return nil
	}

	var errs []string
	claimed := make(map[string]struct{})

	for i, bet := range bets {
		question, ok := questions[bet.MarketID]
		if !ok || question == "" {
			continue
		}

		tags := v.classifier.Topics(question)
		conflict := ""
		for _, tag := range tags {
			if _, taken := claimed[tag]; taken {
				conflict = tag
				break
			}
		}
		if conflict != "" {
			errs = append(errs, fmt.Sprintf("Bet %d: too many correlated bets on topic %q", i+1, conflict))
			continue
		}
		for _, tag := range tags {
			claimed[tag] = struct{}{}
		}
	}

	return errs
}

func (v *Validator) validateSells(sells []SellInstruction, scope ValidationScope) ValidationResult {
	var errs []string

	if len(sells) == 0 {
		return ValidationResult{Errors: []string{"SELL decision carries no sells"}}
	}

	for i, sell := range sells {
		if _, ok := scope.PositionIDs[sell.PositionID]; !ok {
			errs = append(errs, fmt.Sprintf("Sell %d: position %s not found among open positions", i+1, sell.PositionID))
		}
	}

	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}
