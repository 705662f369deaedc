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

// AgentRepository 管理账户余额读写。
type AgentRepository struct {
	db *sqlx.DB
}

// NewAgentRepository 创建账户仓储。
func NewAgentRepository(s *Store) *AgentRepository {
	return &AgentRepository{db: s.db}
}

// Ensure 幂等地创建账户，已存在时不变。
func (r *AgentRepository) Ensure(ctx context.Context, id, name string, initialBalance decimal.Decimal) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, cash_balance, total_invested, created_at, updated_at)
		VALUES (?, ?, ?, '0', ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		id, name, initialBalance, now, now)
	if err != nil {
		return fmt.Errorf("agent_repo.Ensure: %w", err)
	}
	return nil
}

// Get 读取单个账户。
func (r *AgentRepository) Get(ctx context.Context, id string) (*Agent, error) {
	var agent Agent
	err := r.db.GetContext(ctx, &agent, `SELECT * FROM agents WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAgentNotFound
		}
		return nil, fmt.Errorf("agent_repo.Get: %w", err)
	}
	return &agent, nil
}

// List 返回全部账户，按创建时间排序。
func (r *AgentRepository) List(ctx context.Context) ([]Agent, error) {
	var agents []Agent
	err := r.db.SelectContext(ctx, &agents, `SELECT * FROM agents ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("agent_repo.List: %w", err)
	}
	return agents, nil
}

// AdjustCash 对现金余额做原子相对增量更新。买入扣减与卖出回款都走
// 这一条路径，依赖连接的 immediate 写事务避免并发下的丢失更新。
// delta 为负且余额不足时返回 ErrInsufficientCash，不产生任何写入。
func (r *AgentRepository) AdjustCash(ctx context.Context, agentID string, delta decimal.Decimal) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("agent_repo.AdjustCash begin: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var balance decimal.Decimal
	if err := tx.GetContext(ctx, &balance, `SELECT cash_balance FROM agents WHERE id = ?`, agentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrAgentNotFound
		}
		return fmt.Errorf("agent_repo.AdjustCash read: %w", err)
	}

	next := balance.Add(delta)
	if next.IsNegative() {
		return ErrInsufficientCash
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE agents SET cash_balance = ?, updated_at = ? WHERE id = ?`,
		next, time.Now().UTC(), agentID); err != nil {
		return fmt.Errorf("agent_repo.AdjustCash update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("agent_repo.AdjustCash commit: %w", err)
	}
	return nil
}

// RecomputeTotalInvested 按未平仓持仓成本全量重算 total_invested。
// 全量聚合在并发部分卖出时仍保持正确，这里刻意不做增量维护。
func (r *AgentRepository) RecomputeTotalInvested(ctx context.Context, agentID string) (decimal.Decimal, error) {
	var costs []decimal.Decimal
	err := r.db.SelectContext(ctx, &costs,
		`SELECT total_cost FROM positions WHERE agent_id = ? AND status = 'open'`, agentID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("agent_repo.RecomputeTotalInvested select: %w", err)
	}

	total := decimal.Zero
	for _, cost := range costs {
		total = total.Add(cost)
	}

	if _, err := r.db.ExecContext(ctx,
		`UPDATE agents SET total_invested = ?, updated_at = ? WHERE id = ?`,
		total, time.Now().UTC(), agentID); err != nil {
		return decimal.Zero, fmt.Errorf("agent_repo.RecomputeTotalInvested update: %w", err)
	}

	return total, nil
}
