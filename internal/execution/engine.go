package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"polyagents/internal/decision"
	"polyagents/internal/market"
	"polyagents/internal/store"
)

// closeEpsilon 以下的剩余份额视为粉尘，卖出时直接清仓。
var closeEpsilon = decimal.RequireFromString("0.001")

var one = decimal.NewFromInt(1)

type marketSource interface {
	GetMarket(ctx context.Context, id string) (market.Market, error)
}

type agentLedger interface {
	AdjustCash(ctx context.Context, agentID string, delta decimal.Decimal) error
	RecomputeTotalInvested(ctx context.Context, agentID string) (decimal.Decimal, error)
}

type positionBook interface {
	Insert(ctx context.Context, p *store.Position) error
	GetOpenByMarketSide(ctx context.Context, agentID, marketID, side string) (*store.Position, error)
	GetOpenByID(ctx context.Context, positionID, agentID string) (*store.Position, error)
	UpdateLot(ctx context.Context, positionID string, shares, totalCost, avgEntryPrice decimal.Decimal) error
	Close(ctx context.Context, positionID string, closedAt time.Time) error
}

type tradeLog interface {
	Insert(ctx context.Context, t *store.Trade) error
}

// Engine 将决策指令落实为持仓与台账变动。买入按当前市价成交，
// 卖出按当前市价回款，现金变动全部经由账户仓储的原子增量路径。
type Engine struct {
	markets       marketSource
	agents        agentLedger
	positions     positionBook
	trades        tradeLog
	minBet        decimal.Decimal
	maxBetPercent decimal.Decimal
	logger        *zap.Logger
}

// NewEngine 创建执行引擎。minBet 是单笔下注金额下限，
// maxBetPercent 是单笔下注占现金的上限比例。
func NewEngine(markets marketSource, agents agentLedger, positions positionBook, trades tradeLog, minBet, maxBetPercent decimal.Decimal, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		markets:       markets,
		agents:        agents,
		positions:     positions,
		trades:        trades,
		minBet:        minBet,
		maxBetPercent: maxBetPercent,
		logger:        logger,
	}
}

// Buy 执行一笔买入。金额超过现金上限比例时压缩到上限而非拒绝，
// 压缩同样发生在执行时点：校验之后现金可能已被同批前序买入消耗。
func (e *Engine) Buy(ctx context.Context, agentID string, bet decision.BetInstruction, cash decimal.Decimal) (TradeResult, error) {
	result := TradeResult{
		MarketID: bet.MarketID,
		Side:     string(bet.Side),
	}

	m, err := e.markets.GetMarket(ctx, bet.MarketID)
	if err != nil {
		return result, fmt.Errorf("execution: 获取市场失败 (%s): %w", bet.MarketID, err)
	}
	if !m.Tradable() {
		return result, fmt.Errorf("execution: 市场 %s 不可交易: %w", bet.MarketID, market.ErrMarketInactive)
	}

	price, ok := m.PriceFor(string(bet.Side))
	if !ok {
		return result, fmt.Errorf("execution: 市场 %s 缺少 %s 方向价格", bet.MarketID, bet.Side)
	}
	if !price.IsPositive() || !price.LessThan(one) {
		return result, fmt.Errorf("execution: 市场 %s 价格 %s 不在 (0,1) 内", bet.MarketID, price)
	}
	result.Price = price

	amount := bet.Amount
	maxAllowed := cash.Mul(e.maxBetPercent)
	if amount.GreaterThan(maxAllowed) {
		e.logger.Info("下注金额超过上限，已压缩",
			zap.String("agent_id", agentID),
			zap.String("market_id", bet.MarketID),
			zap.String("requested", amount.String()),
			zap.String("capped", maxAllowed.String()),
		)
		amount = maxAllowed
		result.Capped = true
	}
	// 执行时点重新校验下限：同批前序买入消耗现金后，
	// 压缩可能把金额压到下注下限以下，此时拒绝而非小额成交。
	if amount.LessThan(e.minBet) {
		return result, fmt.Errorf("execution: 金额 $%s 低于单笔下注下限 $%s", amount, e.minBet)
	}
	if !amount.IsPositive() {
		return result, fmt.Errorf("execution: 压缩后的下注金额 %s 无效: %w", amount, store.ErrInsufficientCash)
	}
	result.Amount = amount

	shares := amount.Div(price)
	result.Shares = shares

	if err := e.agents.AdjustCash(ctx, agentID, amount.Neg()); err != nil {
		return result, fmt.Errorf("execution: 扣减现金失败: %w", err)
	}

	now := time.Now().UTC()
	positionID, err := e.applyBuyToPosition(ctx, agentID, bet, shares, amount, now)
	if err != nil {
		return result, err
	}
	result.PositionID = positionID

	tradeID := uuid.NewString()
	trade := &store.Trade{
		ID:                tradeID,
		AgentID:           agentID,
		PositionID:        positionID,
		MarketID:          bet.MarketID,
		Side:              string(bet.Side),
		TradeType:         store.TradeTypeBuy,
		Shares:            shares,
		Price:             price,
		TotalAmount:       amount,
		ImpliedConfidence: decimal.NewNullDecimal(price),
		CreatedAt:         now,
	}
	if err := e.trades.Insert(ctx, trade); err != nil {
		return result, fmt.Errorf("execution: 写入台账失败: %w", err)
	}
	result.TradeID = tradeID
	result.ExecutedAt = now

	if _, err := e.agents.RecomputeTotalInvested(ctx, agentID); err != nil {
		return result, fmt.Errorf("execution: 重算持仓成本失败: %w", err)
	}

	e.logger.Info("买入成交",
		zap.String("agent_id", agentID),
		zap.String("market_id", bet.MarketID),
		zap.String("side", string(bet.Side)),
		zap.String("amount", amount.String()),
		zap.String("price", price.String()),
		zap.String("shares", shares.String()),
		zap.Bool("capped", result.Capped),
	)

	return result, nil
}

// applyBuyToPosition 把买入并入已有同向持仓，或开立新持仓。
// 并入后保持 total_cost / shares == avg_entry_price。
func (e *Engine) applyBuyToPosition(ctx context.Context, agentID string, bet decision.BetInstruction, shares, amount decimal.Decimal, now time.Time) (string, error) {
	existing, err := e.positions.GetOpenByMarketSide(ctx, agentID, bet.MarketID, string(bet.Side))
	if err != nil {
		if !errors.Is(err, store.ErrPositionNotFound) {
			return "", fmt.Errorf("execution: 查询持仓失败: %w", err)
		}

		p := &store.Position{
			ID:            uuid.NewString(),
			AgentID:       agentID,
			MarketID:      bet.MarketID,
			Side:          string(bet.Side),
			Shares:        shares,
			AvgEntryPrice: amount.Div(shares),
			TotalCost:     amount,
			Status:        store.PositionStatusOpen,
			OpenedAt:      now,
		}
		if err := e.positions.Insert(ctx, p); err != nil {
			return "", fmt.Errorf("execution: 开仓失败: %w", err)
		}
		return p.ID, nil
	}

	newShares := existing.Shares.Add(shares)
	newCost := existing.TotalCost.Add(amount)
	newAvg := newCost.Div(newShares)
	if err := e.positions.UpdateLot(ctx, existing.ID, newShares, newCost, newAvg); err != nil {
		return "", fmt.Errorf("execution: 加仓失败: %w", err)
	}
	return existing.ID, nil
}

// Sell 执行一笔卖出。剩余份额低于粉尘阈值时直接清仓，
// 清仓路径用持仓全部成本做成本基准，避免残留舍入误差。
func (e *Engine) Sell(ctx context.Context, agentID string, instr decision.SellInstruction) (SellResult, error) {
	result := SellResult{PositionID: instr.PositionID}

	pct := instr.Percentage
	if !pct.IsPositive() || pct.GreaterThan(decimal.NewFromInt(100)) {
		return result, fmt.Errorf("execution: 卖出比例 %s 不在 (0,100] 内", pct)
	}

	pos, err := e.positions.GetOpenByID(ctx, instr.PositionID, agentID)
	if err != nil {
		return result, fmt.Errorf("execution: 定位持仓失败 (%s): %w", instr.PositionID, err)
	}
	result.MarketID = pos.MarketID

	m, err := e.markets.GetMarket(ctx, pos.MarketID)
	if err != nil {
		return result, fmt.Errorf("execution: 获取市场失败 (%s): %w", pos.MarketID, err)
	}
	price, ok := m.PriceFor(pos.Side)
	if !ok {
		return result, fmt.Errorf("execution: 市场 %s 缺少 %s 方向价格", pos.MarketID, pos.Side)
	}
	// 价格到达 0 或 1 说明市场已结算，卖出与买入执行同样的价格校验。
	if !price.IsPositive() || !price.LessThan(one) {
		return result, fmt.Errorf("execution: 市场 %s 价格 %s 不在 (0,1) 内", pos.MarketID, price)
	}
	result.Price = price

	sharesToSell := pos.Shares.Mul(pct).Div(decimal.NewFromInt(100))
	remaining := pos.Shares.Sub(sharesToSell)
	closing := remaining.LessThan(closeEpsilon)
	if closing {
		sharesToSell = pos.Shares
		remaining = decimal.Zero
	}
	result.SharesSold = sharesToSell
	result.Closed = closing

	proceeds := sharesToSell.Mul(price)
	costBasis := pos.AvgEntryPrice.Mul(sharesToSell)
	if closing {
		costBasis = pos.TotalCost
	}
	realized := proceeds.Sub(costBasis)
	result.Proceeds = proceeds
	result.RealizedPnl = realized

	now := time.Now().UTC()
	if closing {
		if err := e.positions.Close(ctx, pos.ID, now); err != nil {
			return result, fmt.Errorf("execution: 平仓失败: %w", err)
		}
	} else {
		newCost := pos.TotalCost.Sub(costBasis)
		if err := e.positions.UpdateLot(ctx, pos.ID, remaining, newCost, pos.AvgEntryPrice); err != nil {
			return result, fmt.Errorf("execution: 减仓失败: %w", err)
		}
	}

	if err := e.agents.AdjustCash(ctx, agentID, proceeds); err != nil {
		return result, fmt.Errorf("execution: 回款入账失败: %w", err)
	}

	tradeID := uuid.NewString()
	trade := &store.Trade{
		ID:          tradeID,
		AgentID:     agentID,
		PositionID:  pos.ID,
		MarketID:    pos.MarketID,
		Side:        pos.Side,
		TradeType:   store.TradeTypeSell,
		Shares:      sharesToSell,
		Price:       price,
		TotalAmount: proceeds,
		CostBasis:   decimal.NewNullDecimal(costBasis),
		RealizedPnl: decimal.NewNullDecimal(realized),
		CreatedAt:   now,
	}
	if err := e.trades.Insert(ctx, trade); err != nil {
		return result, fmt.Errorf("execution: 写入台账失败: %w", err)
	}
	result.TradeID = tradeID
	result.ExecutedAt = now

	if _, err := e.agents.RecomputeTotalInvested(ctx, agentID); err != nil {
		return result, fmt.Errorf("execution: 重算持仓成本失败: %w", err)
	}

	e.logger.Info("卖出成交",
		zap.String("agent_id", agentID),
		zap.String("position_id", pos.ID),
		zap.String("market_id", pos.MarketID),
		zap.String("shares", sharesToSell.String()),
		zap.String("price", price.String()),
		zap.String("proceeds", proceeds.String()),
		zap.String("realized_pnl", realized.String()),
		zap.Bool("closed", closing),
	)

	return result, nil
}

// ExecuteBuys 顺序执行一批买入，单笔失败不中断其余指令。
// 本地现金快照随成交递减，供后续指令的压缩判断使用。
func (e *Engine) ExecuteBuys(ctx context.Context, agentID string, bets []decision.BetInstruction, cash decimal.Decimal) []TradeResult {
	results := make([]TradeResult, 0, len(bets))
	for _, bet := range bets {
		result, err := e.Buy(ctx, agentID, bet, cash)
		if err != nil {
			result.Err = err
			e.logger.Warn("买入指令执行失败",
				zap.String("agent_id", agentID),
				zap.String("market_id", bet.MarketID),
				zap.Error(err),
			)
		} else {
			cash = cash.Sub(result.Amount)
		}
		results = append(results, result)
	}
	return results
}

// ExecuteSells 顺序执行一批卖出，单笔失败不中断其余指令。
func (e *Engine) ExecuteSells(ctx context.Context, agentID string, sells []decision.SellInstruction) []SellResult {
	results := make([]SellResult, 0, len(sells))
	for _, instr := range sells {
		result, err := e.Sell(ctx, agentID, instr)
		if err != nil {
			result.Err = err
			e.logger.Warn("卖出指令执行失败",
				zap.String("agent_id", agentID),
				zap.String("position_id", instr.PositionID),
				zap.Error(err),
			)
		}
		results = append(results, result)
	}
	return results
}
