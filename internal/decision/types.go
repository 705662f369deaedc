package decision

import (
	"github.com/shopspring/decimal"
)

// Action 表示一次决策的类型标签。
type Action string

const (
	ActionBet   Action = "BET"
	ActionSell  Action = "SELL"
	ActionHold  Action = "HOLD"
	ActionError Action = "ERROR"
)

// Side 表示二元市场的下注方向。
type Side string

const (
	SideYes Side = "YES"
	SideNo  Side = "NO"
)

// BetInstruction 描述一笔待执行的买入指令。
type BetInstruction struct {
	MarketID  string
	Side      Side
	Amount    decimal.Decimal
	Reasoning string
}

// SellInstruction 描述一笔待执行的卖出指令，Percentage 位于 (0,100]。
type SellInstruction struct {
	PositionID string
	Percentage decimal.Decimal
}

// Decision 是解析器的输出：动作标签与对应的指令载荷。
// 不变式：载荷与动作标签一一对应，缺少必需载荷的动作本身就是 ERROR。
type Decision struct {
	Action    Action
	Reasoning string
	Bets      []BetInstruction
	Sells     []SellInstruction
	Error     string
}

// IsError 判断决策是否为错误变体。
func (d Decision) IsError() bool {
	return d.Action == ActionError
}

func errorDecision(msg string) Decision {
	return Decision{
		Action: ActionError,
		Error:  msg,
	}
}

func holdDecision(reasoning string) Decision {
	return Decision{
		Action:    ActionHold,
		Reasoning: reasoning,
	}
}
