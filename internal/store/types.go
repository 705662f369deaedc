package store

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus 表示持仓生命周期状态。持仓从 open 到 closed 只发生
// 一次，关闭后不再复用，同市场再次买入会创建新持仓。
type PositionStatus string

const (
	PositionStatusOpen   PositionStatus = "open"
	PositionStatusClosed PositionStatus = "closed"
)

// TradeType 表示台账事件类型。
type TradeType string

const (
	TradeTypeBuy        TradeType = "BUY"
	TradeTypeSell       TradeType = "SELL"
	TradeTypeSettlement TradeType = "SETTLEMENT"
)

// Agent 是一个独立账户：现金余额加未平仓成本合计。
// total_invested 由未平仓持仓成本全量重算得出，不做增量维护。
type Agent struct {
	ID            string          `db:"id"`
	Name          string          `db:"name"`
	CashBalance   decimal.Decimal `db:"cash_balance"`
	TotalInvested decimal.Decimal `db:"total_invested"`
	CreatedAt     time.Time       `db:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at"`
}

// Position 是某账户在一个市场单一方向上的持仓。
// 不变式：shares > 0 时 total_cost / shares == avg_entry_price。
type Position struct {
	ID            string          `db:"id"`
	AgentID       string          `db:"agent_id"`
	MarketID      string          `db:"market_id"`
	Side          string          `db:"side"`
	Shares        decimal.Decimal `db:"shares"`
	AvgEntryPrice decimal.Decimal `db:"avg_entry_price"`
	TotalCost     decimal.Decimal `db:"total_cost"`
	Status        PositionStatus  `db:"status"`
	OpenedAt      time.Time       `db:"opened_at"`
	ClosedAt      *time.Time      `db:"closed_at"`
}

// Trade 是只追加的台账记录，每次账务变动恰好产生一行。
type Trade struct {
	ID                string              `db:"id"`
	AgentID           string              `db:"agent_id"`
	PositionID        string              `db:"position_id"`
	MarketID          string              `db:"market_id"`
	Side              string              `db:"side"`
	TradeType         TradeType           `db:"trade_type"`
	Shares            decimal.Decimal     `db:"shares"`
	Price             decimal.Decimal     `db:"price"`
	TotalAmount       decimal.Decimal     `db:"total_amount"`
	CostBasis         decimal.NullDecimal `db:"cost_basis"`
	RealizedPnl       decimal.NullDecimal `db:"realized_pnl"`
	ImpliedConfidence decimal.NullDecimal `db:"implied_confidence"`
	CreatedAt         time.Time           `db:"created_at"`
}
