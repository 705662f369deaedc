package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// TradeRepository 管理只追加的台账记录。写入后不可修改。
type TradeRepository struct {
	db *sqlx.DB
}

// NewTradeRepository 创建台账仓储。
func NewTradeRepository(s *Store) *TradeRepository {
	return &TradeRepository{db: s.db}
}

// Insert 追加一条台账记录。
func (r *TradeRepository) Insert(ctx context.Context, t *Trade) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO trades
			(id, agent_id, position_id, market_id, side, trade_type, shares, price,
			 total_amount, cost_basis, realized_pnl, implied_confidence, created_at)
		VALUES
			(:id, :agent_id, :position_id, :market_id, :side, :trade_type, :shares, :price,
			 :total_amount, :cost_basis, :realized_pnl, :implied_confidence, :created_at)`,
		t)
	if err != nil {
		return fmt.Errorf("trade_repo.Insert: %w", err)
	}
	return nil
}

// ListByAgent 返回账户台账记录，按时间倒序。
func (r *TradeRepository) ListByAgent(ctx context.Context, agentID string, limit int) ([]Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	var trades []Trade
	err := r.db.SelectContext(ctx, &trades, `
		SELECT * FROM trades
		WHERE agent_id = ?
		ORDER BY created_at DESC
		LIMIT ?`,
		agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("trade_repo.ListByAgent: %w", err)
	}
	return trades, nil
}
