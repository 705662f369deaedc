package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

// PositionRepository 管理持仓行。
type PositionRepository struct {
	db *sqlx.DB
}

// NewPositionRepository 创建持仓仓储。
func NewPositionRepository(s *Store) *PositionRepository {
	return &PositionRepository{db: s.db}
}

// Insert 写入新持仓。
func (r *PositionRepository) Insert(ctx context.Context, p *Position) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO positions
			(id, agent_id, market_id, side, shares, avg_entry_price, total_cost, status, opened_at, closed_at)
		VALUES
			(:id, :agent_id, :market_id, :side, :shares, :avg_entry_price, :total_cost, :status, :opened_at, :closed_at)`,
		p)
	if err != nil {
		return fmt.Errorf("position_repo.Insert: %w", err)
	}
	return nil
}

// GetOpenByMarketSide 按 (agent, market, side, status=open) 定位持仓。
func (r *PositionRepository) GetOpenByMarketSide(ctx context.Context, agentID, marketID, side string) (*Position, error) {
	var p Position
	err := r.db.GetContext(ctx, &p, `
		SELECT * FROM positions
		WHERE agent_id = ? AND market_id = ? AND side = ? AND status = 'open'`,
		agentID, marketID, side)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPositionNotFound
		}
		return nil, fmt.Errorf("position_repo.GetOpenByMarketSide: %w", err)
	}
	return &p, nil
}

// GetOpenByID 按持仓 ID 与所属账户定位未平仓持仓。
func (r *PositionRepository) GetOpenByID(ctx context.Context, positionID, agentID string) (*Position, error) {
	var p Position
	err := r.db.GetContext(ctx, &p, `
		SELECT * FROM positions
		WHERE id = ? AND agent_id = ? AND status = 'open'`,
		positionID, agentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPositionNotFound
		}
		return nil, fmt.Errorf("position_repo.GetOpenByID: %w", err)
	}
	return &p, nil
}

// ListOpenByAgent 返回账户全部未平仓持仓。
func (r *PositionRepository) ListOpenByAgent(ctx context.Context, agentID string) ([]Position, error) {
	var positions []Position
	err := r.db.SelectContext(ctx, &positions, `
		SELECT * FROM positions
		WHERE agent_id = ? AND status = 'open'
		ORDER BY opened_at`,
		agentID)
	if err != nil {
		return nil, fmt.Errorf("position_repo.ListOpenByAgent: %w", err)
	}
	return positions, nil
}

// UpdateLot 更新持仓的份额、成本与均价（加仓或部分卖出后）。
func (r *PositionRepository) UpdateLot(ctx context.Context, positionID string, shares, totalCost, avgEntryPrice decimal.Decimal) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE positions
		SET shares = ?, total_cost = ?, avg_entry_price = ?
		WHERE id = ? AND status = 'open'`,
		shares, totalCost, avgEntryPrice, positionID)
	if err != nil {
		return fmt.Errorf("position_repo.UpdateLot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrPositionNotFound
	}
	return nil
}

// Close 把持仓标记为 closed 并清零份额。open→closed 只发生一次。
func (r *PositionRepository) Close(ctx context.Context, positionID string, closedAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE positions
		SET shares = '0', total_cost = '0', status = 'closed', closed_at = ?
		WHERE id = ? AND status = 'open'`,
		closedAt, positionID)
	if err != nil {
		return fmt.Errorf("position_repo.Close: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrPositionNotFound
	}
	return nil
}
