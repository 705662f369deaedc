package monitor

import (
	"time"

	"polyagents/internal/decision"
	"polyagents/internal/execution"
)

// EventType 表示监控事件类型。
type EventType string

const (
	EventDecisionCycle EventType = "decision_cycle"
	EventLeaderboard   EventType = "leaderboard"
	EventError         EventType = "error"
)

// Event 封装通用监控事件。
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// CycleOutcome 表示一轮决策的终局状态。
type CycleOutcome string

const (
	OutcomeExecuted  CycleOutcome = "executed"
	OutcomeHold      CycleOutcome = "hold"
	OutcomeSalvaged  CycleOutcome = "salvaged"
	OutcomeExhausted CycleOutcome = "exhausted"
	OutcomeFailed    CycleOutcome = "failed"
)

// DecisionCyclePayload 记录一个账户一轮决策从模型输出到执行的全貌。
// 未走到执行的终局（exhausted/failed）同样携带最终解析出的指令，
// 便于事后复盘模型到底想做什么。
type DecisionCyclePayload struct {
	AgentID          string                     `json:"agent_id"`
	Outcome          CycleOutcome               `json:"outcome"`
	Action           decision.Action            `json:"action"`
	Reasoning        string                     `json:"reasoning,omitempty"`
	BetIntents       []decision.BetInstruction  `json:"bet_intents,omitempty"`
	SellIntents      []decision.SellInstruction `json:"sell_intents,omitempty"`
	Retries          int                        `json:"retries"`
	ValidationErrors []string                   `json:"validation_errors,omitempty"`
	SalvageReasons   []string                   `json:"salvage_reasons,omitempty"`
	BetsExecuted     int                        `json:"bets_executed"`
	SellsExecuted    int                        `json:"sells_executed"`
	Buys             []execution.TradeResult    `json:"buys,omitempty"`
	Sells            []execution.SellResult     `json:"sells,omitempty"`
	Error            string                     `json:"error,omitempty"`
}

// LeaderboardEntry 是排行榜单行：净值 = 现金 + 持仓成本。
type LeaderboardEntry struct {
	AgentID       string `json:"agent_id"`
	Name          string `json:"name"`
	CashBalance   string `json:"cash_balance"`
	TotalInvested string `json:"total_invested"`
	Equity        string `json:"equity"`
}

// LeaderboardPayload 记录一轮结束后的账户排名快照。
type LeaderboardPayload struct {
	Entries []LeaderboardEntry `json:"entries"`
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}
