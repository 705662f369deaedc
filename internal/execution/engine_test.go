package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"polyagents/internal/decision"
	"polyagents/internal/market"
	"polyagents/internal/store"
)

type fakeMarkets struct {
	markets map[string]market.Market
}

func (f *fakeMarkets) GetMarket(_ context.Context, id string) (market.Market, error) {
	m, ok := f.markets[id]
	if !ok {
		return market.Market{}, market.ErrMarketNotFound
	}
	return m, nil
}

type fakeLedger struct {
	cash       decimal.Decimal
	recomputes int
}

func (f *fakeLedger) AdjustCash(_ context.Context, _ string, delta decimal.Decimal) error {
	next := f.cash.Add(delta)
	if next.IsNegative() {
		return store.ErrInsufficientCash
	}
	f.cash = next
	return nil
}

func (f *fakeLedger) RecomputeTotalInvested(_ context.Context, _ string) (decimal.Decimal, error) {
	f.recomputes++
	return decimal.Zero, nil
}

type fakePositions struct {
	byID map[string]*store.Position
}

func newFakePositions(positions ...*store.Position) *fakePositions {
	f := &fakePositions{byID: make(map[string]*store.Position)}
	for _, p := range positions {
		f.byID[p.ID] = p
	}
	return f
}

func (f *fakePositions) Insert(_ context.Context, p *store.Position) error {
	copied := *p
	f.byID[p.ID] = &copied
	return nil
}

func (f *fakePositions) GetOpenByMarketSide(_ context.Context, agentID, marketID, side string) (*store.Position, error) {
	for _, p := range f.byID {
		if p.AgentID == agentID && p.MarketID == marketID && p.Side == side && p.Status == store.PositionStatusOpen {
			copied := *p
			return &copied, nil
		}
	}
	return nil, store.ErrPositionNotFound
}

func (f *fakePositions) GetOpenByID(_ context.Context, positionID, agentID string) (*store.Position, error) {
	p, ok := f.byID[positionID]
	if !ok || p.AgentID != agentID || p.Status != store.PositionStatusOpen {
		return nil, store.ErrPositionNotFound
	}
	copied := *p
	return &copied, nil
}

func (f *fakePositions) UpdateLot(_ context.Context, positionID string, shares, totalCost, avgEntryPrice decimal.Decimal) error {
	p, ok := f.byID[positionID]
	if !ok || p.Status != store.PositionStatusOpen {
		return store.ErrPositionNotFound
	}
	p.Shares = shares
	p.TotalCost = totalCost
	p.AvgEntryPrice = avgEntryPrice
	return nil
}

func (f *fakePositions) Close(_ context.Context, positionID string, closedAt time.Time) error {
	p, ok := f.byID[positionID]
	if !ok || p.Status != store.PositionStatusOpen {
		return store.ErrPositionNotFound
	}
	p.Shares = decimal.Zero
	p.TotalCost = decimal.Zero
	p.Status = store.PositionStatusClosed
	p.ClosedAt = &closedAt
	return nil
}

type fakeTrades struct {
	trades []store.Trade
}

func (f *fakeTrades) Insert(_ context.Context, t *store.Trade) error {
	f.trades = append(f.trades, *t)
	return nil
}

func binaryMarket(id string, yesPrice string) market.Market {
	return market.Market{
		ID:       id,
		Question: "test market " + id,
		Active:   true,
		OutcomePrices: map[string]decimal.Decimal{
			"YES": decimal.RequireFromString(yesPrice),
		},
	}
}

func newTestEngine(markets *fakeMarkets, ledger *fakeLedger, positions *fakePositions, trades *fakeTrades, maxPct string) *Engine {
	return NewEngine(markets, ledger, positions, trades, decimal.NewFromInt(50), decimal.RequireFromString(maxPct), nil)
}

func TestBuy_OpensNewPosition(t *testing.T) {
	markets := &fakeMarkets{markets: map[string]market.Market{"mkt-1": binaryMarket("mkt-1", "0.5")}}
	ledger := &fakeLedger{cash: decimal.NewFromInt(10000)}
	positions := newFakePositions()
	trades := &fakeTrades{}
	engine := newTestEngine(markets, ledger, positions, trades, "0.1")

	result, err := engine.Buy(context.Background(), "agent-1", decision.BetInstruction{
		MarketID: "mkt-1",
		Side:     decision.SideYes,
		Amount:   decimal.NewFromInt(100),
	}, ledger.cash)
	if err != nil {
		t.Fatalf("Buy: %v", err)
	}

	if !result.Shares.Equal(decimal.NewFromInt(200)) {
		t.Errorf("expected 200 shares, got %s", result.Shares)
	}
	if result.Capped {
		t.Error("bet within limit should not be capped")
	}
	if !ledger.cash.Equal(decimal.NewFromInt(9900)) {
		t.Errorf("cash should be debited to 9900, got %s", ledger.cash)
	}

	pos, err := positions.GetOpenByID(context.Background(), result.PositionID, "agent-1")
	if err != nil {
		t.Fatalf("position not found: %v", err)
	}
	if !pos.AvgEntryPrice.Equal(decimal.RequireFromString("0.5")) {
		t.Errorf("unexpected avg entry price %s", pos.AvgEntryPrice)
	}

	if len(trades.trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades.trades))
	}
	trade := trades.trades[0]
	if trade.TradeType != store.TradeTypeBuy {
		t.Errorf("unexpected trade type %s", trade.TradeType)
	}
	if !trade.ImpliedConfidence.Valid || !trade.ImpliedConfidence.Decimal.Equal(decimal.RequireFromString("0.5")) {
		t.Errorf("implied confidence should equal entry price")
	}
	if ledger.recomputes != 1 {
		t.Errorf("total_invested should be recomputed once, got %d", ledger.recomputes)
	}
}

func TestBuy_AveragesIntoExistingPosition(t *testing.T) {
	markets := &fakeMarkets{markets: map[string]market.Market{"mkt-1": binaryMarket("mkt-1", "0.6")}}
	ledger := &fakeLedger{cash: decimal.NewFromInt(10000)}
	positions := newFakePositions(&store.Position{
		ID:            "pos-1",
		AgentID:       "agent-1",
		MarketID:      "mkt-1",
		Side:          "YES",
		Shares:        decimal.NewFromInt(100),
		AvgEntryPrice: decimal.RequireFromString("0.4"),
		TotalCost:     decimal.NewFromInt(40),
		Status:        store.PositionStatusOpen,
	})
	trades := &fakeTrades{}
	engine := newTestEngine(markets, ledger, positions, trades, "0.1")

	result, err := engine.Buy(context.Background(), "agent-1", decision.BetInstruction{
		MarketID: "mkt-1",
		Side:     decision.SideYes,
		Amount:   decimal.NewFromInt(60),
	}, ledger.cash)
	if err != nil {
		t.Fatalf("Buy: %v", err)
	}
	if result.PositionID != "pos-1" {
		t.Errorf("buy should average into existing position, got %s", result.PositionID)
	}

	pos := positions.byID["pos-1"]
	if !pos.Shares.Equal(decimal.NewFromInt(200)) {
		t.Errorf("expected 200 shares after averaging, got %s", pos.Shares)
	}
	if !pos.TotalCost.Equal(decimal.NewFromInt(100)) {
		t.Errorf("expected total cost 100, got %s", pos.TotalCost)
	}

	// 加仓后保持 total_cost / shares == avg_entry_price
	diff := pos.TotalCost.Div(pos.Shares).Sub(pos.AvgEntryPrice).Abs()
	if diff.GreaterThan(decimal.RequireFromString("0.000000001")) {
		t.Errorf("lot invariant violated: cost=%s shares=%s avg=%s", pos.TotalCost, pos.Shares, pos.AvgEntryPrice)
	}
}

func TestBuy_CapsAtMaxBetPercent(t *testing.T) {
	markets := &fakeMarkets{markets: map[string]market.Market{"mkt-1": binaryMarket("mkt-1", "0.5")}}
	ledger := &fakeLedger{cash: decimal.NewFromInt(10000)}
	engine := newTestEngine(markets, ledger, newFakePositions(), &fakeTrades{}, "0.1")

	result, err := engine.Buy(context.Background(), "agent-1", decision.BetInstruction{
		MarketID: "mkt-1",
		Side:     decision.SideYes,
		Amount:   decimal.NewFromInt(2000),
	}, ledger.cash)
	if err != nil {
		t.Fatalf("Buy: %v", err)
	}
	if !result.Capped {
		t.Error("oversized bet should be capped")
	}
	if !result.Amount.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("expected amount capped to 1000, got %s", result.Amount)
	}
}

func TestBuy_RejectsWhenCapFallsBelowMinimumBet(t *testing.T) {
	markets := &fakeMarkets{markets: map[string]market.Market{"mkt-1": binaryMarket("mkt-1", "0.5")}}
	ledger := &fakeLedger{cash: decimal.NewFromInt(200)}
	trades := &fakeTrades{}
	engine := newTestEngine(markets, ledger, newFakePositions(), trades, "0.1")

	// 现金只剩 200 时上限压缩到 20，低于 50 的下限，必须拒绝而非小额成交
	_, err := engine.Buy(context.Background(), "agent-1", decision.BetInstruction{
		MarketID: "mkt-1",
		Side:     decision.SideYes,
		Amount:   decimal.NewFromInt(100),
	}, ledger.cash)
	if err == nil {
		t.Fatal("capped amount below minimum bet should be rejected")
	}

	if !ledger.cash.Equal(decimal.NewFromInt(200)) {
		t.Errorf("rejected buy must not move cash, got %s", ledger.cash)
	}
	if len(trades.trades) != 0 {
		t.Errorf("rejected buy must not write a trade, got %d", len(trades.trades))
	}
}

func TestBuy_RejectsUntradableMarketAndDegeneratePrice(t *testing.T) {
	closed := binaryMarket("mkt-closed", "0.5")
	closed.Closed = true
	settled := binaryMarket("mkt-settled", "1")

	markets := &fakeMarkets{markets: map[string]market.Market{
		"mkt-closed":  closed,
		"mkt-settled": settled,
	}}
	ledger := &fakeLedger{cash: decimal.NewFromInt(10000)}
	engine := newTestEngine(markets, ledger, newFakePositions(), &fakeTrades{}, "0.1")

	_, err := engine.Buy(context.Background(), "agent-1", decision.BetInstruction{
		MarketID: "mkt-closed",
		Side:     decision.SideYes,
		Amount:   decimal.NewFromInt(100),
	}, ledger.cash)
	if !errors.Is(err, market.ErrMarketInactive) {
		t.Errorf("expected ErrMarketInactive, got %v", err)
	}

	_, err = engine.Buy(context.Background(), "agent-1", decision.BetInstruction{
		MarketID: "mkt-settled",
		Side:     decision.SideYes,
		Amount:   decimal.NewFromInt(100),
	}, ledger.cash)
	if err == nil {
		t.Error("price of 1 should be rejected")
	}

	if !ledger.cash.Equal(decimal.NewFromInt(10000)) {
		t.Errorf("failed buys must not move cash, got %s", ledger.cash)
	}
}

func TestSell_FullPercentageClosesPosition(t *testing.T) {
	markets := &fakeMarkets{markets: map[string]market.Market{"mkt-1": binaryMarket("mkt-1", "0.7")}}
	ledger := &fakeLedger{cash: decimal.NewFromInt(500)}
	positions := newFakePositions(&store.Position{
		ID:            "pos-1",
		AgentID:       "agent-1",
		MarketID:      "mkt-1",
		Side:          "YES",
		Shares:        decimal.NewFromInt(200),
		AvgEntryPrice: decimal.RequireFromString("0.5"),
		TotalCost:     decimal.NewFromInt(100),
		Status:        store.PositionStatusOpen,
	})
	trades := &fakeTrades{}
	engine := newTestEngine(markets, ledger, positions, trades, "0.1")

	result, err := engine.Sell(context.Background(), "agent-1", decision.SellInstruction{
		PositionID: "pos-1",
		Percentage: decimal.NewFromInt(100),
	})
	if err != nil {
		t.Fatalf("Sell: %v", err)
	}

	if !result.Closed {
		t.Error("100% sell should close the position")
	}
	if !result.Proceeds.Equal(decimal.NewFromInt(140)) {
		t.Errorf("expected proceeds 140, got %s", result.Proceeds)
	}
	if !result.RealizedPnl.Equal(decimal.NewFromInt(40)) {
		t.Errorf("expected realized pnl 40, got %s", result.RealizedPnl)
	}
	if positions.byID["pos-1"].Status != store.PositionStatusClosed {
		t.Error("position should be closed")
	}
	if !ledger.cash.Equal(decimal.NewFromInt(640)) {
		t.Errorf("proceeds should be credited, got %s", ledger.cash)
	}

	trade := trades.trades[0]
	if trade.TradeType != store.TradeTypeSell {
		t.Errorf("unexpected trade type %s", trade.TradeType)
	}
	if !trade.CostBasis.Valid || !trade.CostBasis.Decimal.Equal(decimal.NewFromInt(100)) {
		t.Errorf("cost basis should be full position cost on close")
	}
}

func TestSell_PartialKeepsAvgEntryPrice(t *testing.T) {
	markets := &fakeMarkets{markets: map[string]market.Market{"mkt-1": binaryMarket("mkt-1", "0.7")}}
	ledger := &fakeLedger{cash: decimal.Zero}
	positions := newFakePositions(&store.Position{
		ID:            "pos-1",
		AgentID:       "agent-1",
		MarketID:      "mkt-1",
		Side:          "YES",
		Shares:        decimal.NewFromInt(200),
		AvgEntryPrice: decimal.RequireFromString("0.5"),
		TotalCost:     decimal.NewFromInt(100),
		Status:        store.PositionStatusOpen,
	})
	engine := newTestEngine(markets, ledger, positions, &fakeTrades{}, "0.1")

	result, err := engine.Sell(context.Background(), "agent-1", decision.SellInstruction{
		PositionID: "pos-1",
		Percentage: decimal.NewFromInt(50),
	})
	if err != nil {
		t.Fatalf("Sell: %v", err)
	}

	if result.Closed {
		t.Error("50% sell should not close the position")
	}
	if !result.SharesSold.Equal(decimal.NewFromInt(100)) {
		t.Errorf("expected 100 shares sold, got %s", result.SharesSold)
	}
	if !result.RealizedPnl.Equal(decimal.NewFromInt(20)) {
		t.Errorf("expected realized pnl 20, got %s", result.RealizedPnl)
	}

	pos := positions.byID["pos-1"]
	if !pos.Shares.Equal(decimal.NewFromInt(100)) {
		t.Errorf("expected 100 shares remaining, got %s", pos.Shares)
	}
	if !pos.TotalCost.Equal(decimal.NewFromInt(50)) {
		t.Errorf("expected remaining cost 50, got %s", pos.TotalCost)
	}
	if !pos.AvgEntryPrice.Equal(decimal.RequireFromString("0.5")) {
		t.Errorf("partial sell must not change avg entry price, got %s", pos.AvgEntryPrice)
	}
}

func TestSell_DustRemainderClosesPosition(t *testing.T) {
	markets := &fakeMarkets{markets: map[string]market.Market{"mkt-1": binaryMarket("mkt-1", "0.5")}}
	ledger := &fakeLedger{cash: decimal.Zero}
	positions := newFakePositions(&store.Position{
		ID:            "pos-1",
		AgentID:       "agent-1",
		MarketID:      "mkt-1",
		Side:          "YES",
		Shares:        decimal.NewFromInt(100),
		AvgEntryPrice: decimal.RequireFromString("0.5"),
		TotalCost:     decimal.NewFromInt(50),
		Status:        store.PositionStatusOpen,
	})
	engine := newTestEngine(markets, ledger, positions, &fakeTrades{}, "0.1")

	result, err := engine.Sell(context.Background(), "agent-1", decision.SellInstruction{
		PositionID: "pos-1",
		Percentage: decimal.RequireFromString("99.9999"),
	})
	if err != nil {
		t.Fatalf("Sell: %v", err)
	}

	if !result.Closed {
		t.Error("sub-epsilon remainder should trigger full close")
	}
	if !result.SharesSold.Equal(decimal.NewFromInt(100)) {
		t.Errorf("close should sell all shares, got %s", result.SharesSold)
	}
	if positions.byID["pos-1"].Status != store.PositionStatusClosed {
		t.Error("position should be closed")
	}
}

func TestSell_RejectsSettledPrice(t *testing.T) {
	for _, yesPrice := range []string{"1", "0"} {
		markets := &fakeMarkets{markets: map[string]market.Market{"mkt-1": binaryMarket("mkt-1", yesPrice)}}
		ledger := &fakeLedger{cash: decimal.Zero}
		positions := newFakePositions(&store.Position{
			ID:            "pos-1",
			AgentID:       "agent-1",
			MarketID:      "mkt-1",
			Side:          "YES",
			Shares:        decimal.NewFromInt(200),
			AvgEntryPrice: decimal.RequireFromString("0.5"),
			TotalCost:     decimal.NewFromInt(100),
			Status:        store.PositionStatusOpen,
		})
		engine := newTestEngine(markets, ledger, positions, &fakeTrades{}, "0.1")

		_, err := engine.Sell(context.Background(), "agent-1", decision.SellInstruction{
			PositionID: "pos-1",
			Percentage: decimal.NewFromInt(100),
		})
		if err == nil {
			t.Errorf("sell at settled price %s should be rejected", yesPrice)
		}
		if !ledger.cash.Equal(decimal.Zero) {
			t.Errorf("rejected sell must not move cash, got %s", ledger.cash)
		}
		if positions.byID["pos-1"].Status != store.PositionStatusOpen {
			t.Error("rejected sell must leave the position open")
		}
	}
}

func TestSell_SequentialSellsAccumulateSamePnlAsOneShot(t *testing.T) {
	openPosition := func() *store.Position {
		return &store.Position{
			ID:            "pos-1",
			AgentID:       "agent-1",
			MarketID:      "mkt-1",
			Side:          "YES",
			Shares:        decimal.NewFromInt(200),
			AvgEntryPrice: decimal.RequireFromString("0.5"),
			TotalCost:     decimal.NewFromInt(100),
			Status:        store.PositionStatusOpen,
		}
	}
	markets := &fakeMarkets{markets: map[string]market.Market{"mkt-1": binaryMarket("mkt-1", "0.7")}}

	// 先卖 50% 再卖剩余 100%
	seqLedger := &fakeLedger{cash: decimal.Zero}
	seqPositions := newFakePositions(openPosition())
	seqEngine := newTestEngine(markets, seqLedger, seqPositions, &fakeTrades{}, "0.1")

	first, err := seqEngine.Sell(context.Background(), "agent-1", decision.SellInstruction{
		PositionID: "pos-1",
		Percentage: decimal.NewFromInt(50),
	})
	if err != nil {
		t.Fatalf("first sell: %v", err)
	}
	second, err := seqEngine.Sell(context.Background(), "agent-1", decision.SellInstruction{
		PositionID: "pos-1",
		Percentage: decimal.NewFromInt(100),
	})
	if err != nil {
		t.Fatalf("second sell: %v", err)
	}
	if !second.Closed {
		t.Error("selling the remainder should close the position")
	}

	// 一次性卖出 100% 作为对照
	oneLedger := &fakeLedger{cash: decimal.Zero}
	onePositions := newFakePositions(openPosition())
	oneEngine := newTestEngine(markets, oneLedger, onePositions, &fakeTrades{}, "0.1")

	oneShot, err := oneEngine.Sell(context.Background(), "agent-1", decision.SellInstruction{
		PositionID: "pos-1",
		Percentage: decimal.NewFromInt(100),
	})
	if err != nil {
		t.Fatalf("one-shot sell: %v", err)
	}

	seqPnl := first.RealizedPnl.Add(second.RealizedPnl)
	if !seqPnl.Equal(oneShot.RealizedPnl) {
		t.Errorf("sequential sells realized %s, one-shot realized %s", seqPnl, oneShot.RealizedPnl)
	}
	if !seqLedger.cash.Equal(oneLedger.cash) {
		t.Errorf("sequential proceeds %s differ from one-shot proceeds %s", seqLedger.cash, oneLedger.cash)
	}
}

func TestSell_InvalidPercentage(t *testing.T) {
	engine := newTestEngine(&fakeMarkets{}, &fakeLedger{}, newFakePositions(), &fakeTrades{}, "0.1")

	for _, pct := range []string{"0", "-5", "150"} {
		_, err := engine.Sell(context.Background(), "agent-1", decision.SellInstruction{
			PositionID: "pos-1",
			Percentage: decimal.RequireFromString(pct),
		})
		if err == nil {
			t.Errorf("percentage %s should be rejected", pct)
		}
	}
}

func TestExecuteBuys_SiblingFailureDoesNotAbort(t *testing.T) {
	markets := &fakeMarkets{markets: map[string]market.Market{"mkt-2": binaryMarket("mkt-2", "0.5")}}
	ledger := &fakeLedger{cash: decimal.NewFromInt(10000)}
	engine := newTestEngine(markets, ledger, newFakePositions(), &fakeTrades{}, "0.1")

	results := engine.ExecuteBuys(context.Background(), "agent-1", []decision.BetInstruction{
		{MarketID: "mkt-missing", Side: decision.SideYes, Amount: decimal.NewFromInt(100)},
		{MarketID: "mkt-2", Side: decision.SideYes, Amount: decimal.NewFromInt(100)},
	}, ledger.cash)

	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Err == nil {
		t.Error("missing market should fail")
	}
	if results[1].Err != nil {
		t.Errorf("second bet should succeed despite first failing: %v", results[1].Err)
	}
}

func TestExecuteBuys_ThreadsCashThroughCaps(t *testing.T) {
	markets := &fakeMarkets{markets: map[string]market.Market{
		"mkt-1": binaryMarket("mkt-1", "0.5"),
		"mkt-2": binaryMarket("mkt-2", "0.5"),
	}}
	ledger := &fakeLedger{cash: decimal.NewFromInt(1000)}
	engine := newTestEngine(markets, ledger, newFakePositions(), &fakeTrades{}, "0.5")

	results := engine.ExecuteBuys(context.Background(), "agent-1", []decision.BetInstruction{
		{MarketID: "mkt-1", Side: decision.SideYes, Amount: decimal.NewFromInt(600)},
		{MarketID: "mkt-2", Side: decision.SideYes, Amount: decimal.NewFromInt(600)},
	}, ledger.cash)

	if !results[0].Amount.Equal(decimal.NewFromInt(500)) {
		t.Errorf("first bet should cap at 500, got %s", results[0].Amount)
	}
	// 第二笔按剩余现金 500 的 50% 压缩
	if !results[1].Amount.Equal(decimal.NewFromInt(250)) {
		t.Errorf("second bet should cap at 250 of remaining cash, got %s", results[1].Amount)
	}
	if !ledger.cash.Equal(decimal.NewFromInt(250)) {
		t.Errorf("expected final cash 250, got %s", ledger.cash)
	}
}
