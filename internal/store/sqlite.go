package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"polyagents/internal/config"
)

// Store 封装 SQLite 连接并负责核心表结构初始化。
type Store struct {
	db *sqlx.DB
}

// NewSQLite 根据配置初始化 SQLite 存储。
// _txlock=immediate 让每个写事务在开始时即持有写锁，
// 余额的相对增量更新依赖这一点来避免丢失更新。
func NewSQLite(cfg config.DatabaseConfig) (*Store, error) {
	dsn := cfg.Path
	if cfg.InMemory {
		dsn = ":memory:"
	} else {
		if err := ensureDir(filepath.Dir(cfg.Path)); err != nil {
			return nil, err
		}
	}

	conn, err := sqlx.Open("sqlite3", fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on&_txlock=immediate", dsn))
	if err != nil {
		return nil, fmt.Errorf("打开 SQLite 数据库失败: %w", err)
	}

	conn.SetMaxOpenConns(cfg.MaxOpenConns)
	conn.SetMaxIdleConns(cfg.MaxIdleConns)
	conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if _, err := conn.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("设置 SQLite WAL 模式失败: %w", err)
	}

	if _, err := conn.Exec("PRAGMA synchronous=NORMAL;"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("设置 SQLite 同步级别失败: %w", err)
	}

	store := &Store{db: conn}
	if err := store.initSchema(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return store, nil
}

func (s *Store) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			cash_balance TEXT NOT NULL,
			total_invested TEXT NOT NULL DEFAULT '0',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS positions (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL REFERENCES agents(id),
			market_id TEXT NOT NULL,
			side TEXT NOT NULL,
			shares TEXT NOT NULL,
			avg_entry_price TEXT NOT NULL,
			total_cost TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'open',
			opened_at TIMESTAMP NOT NULL,
			closed_at TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_positions_agent_open ON positions(agent_id, status);`,
		`CREATE INDEX IF NOT EXISTS idx_positions_lookup ON positions(agent_id, market_id, side, status);`,
		`CREATE TABLE IF NOT EXISTS trades (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL REFERENCES agents(id),
			position_id TEXT NOT NULL,
			market_id TEXT NOT NULL,
			side TEXT NOT NULL,
			trade_type TEXT NOT NULL,
			shares TEXT NOT NULL,
			price TEXT NOT NULL,
			total_amount TEXT NOT NULL,
			cost_basis TEXT,
			realized_pnl TEXT,
			implied_confidence TEXT,
			created_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_agent ON trades(agent_id, created_at);`,
	}

	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: 初始化表结构失败: %w", err)
		}
	}

	return nil
}

// DB 返回底层 *sqlx.DB.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Close 关闭数据库连接。
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func ensureDir(path string) error {
	if path == "" || path == "." {
		return nil
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("创建目录 %q 失败: %w", path, err)
	}
	return nil
}
