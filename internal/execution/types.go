package execution

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeResult 是一笔买入指令的执行结果。Err 非空时其余字段仅部分有效，
// 单笔失败不影响同批其他指令。
type TradeResult struct {
	MarketID   string
	Side       string
	PositionID string
	TradeID    string
	Amount     decimal.Decimal
	Price      decimal.Decimal
	Shares     decimal.Decimal
	Capped     bool
	ExecutedAt time.Time
	Err        error
}

// SellResult 是一笔卖出指令的执行结果。
type SellResult struct {
	PositionID  string
	MarketID    string
	TradeID     string
	SharesSold  decimal.Decimal
	Price       decimal.Decimal
	Proceeds    decimal.Decimal
	RealizedPnl decimal.Decimal
	Closed      bool
	ExecutedAt  time.Time
	Err         error
}
