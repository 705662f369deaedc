package config

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Market    MarketConfig    `mapstructure:"market"`
	OpenAI    OpenAIConfig    `mapstructure:"openai"`
	Trading   TradingConfig   `mapstructure:"trading"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Agents    []AgentConfig   `mapstructure:"agents"`
}

// AgentConfig 定义一个参赛账户及其人设。
type AgentConfig struct {
	ID      string `mapstructure:"id"`
	Name    string `mapstructure:"name"`
	Model   string `mapstructure:"model"`
	Persona string `mapstructure:"persona"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// MarketConfig 描述预测市场数据源连接信息。
type MarketConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MarketLimit  int           `mapstructure:"market_limit"`
	HistoryHours int           `mapstructure:"history_hours"`
	Retry        RetryConfig   `mapstructure:"retry"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// OpenAIConfig 描述大模型调用参数。
type OpenAIConfig struct {
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// TradingConfig 管理下注约束与重试上限。
type TradingConfig struct {
	MinBet         float64 `mapstructure:"min_bet"`
	MaxBetPercent  float64 `mapstructure:"max_bet_percent"`
	MaxRetries     int     `mapstructure:"max_retries"`
	InitialBalance float64 `mapstructure:"initial_balance"`
	MaxConcurrent  int     `mapstructure:"max_concurrent_agents"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// SchedulerConfig 控制主循环节奏。
type SchedulerConfig struct {
	LoopInterval     time.Duration `mapstructure:"loop_interval"`
	DecisionInterval time.Duration `mapstructure:"decision_interval"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.Market.BaseURL == "" {
		err = multierr.Append(err, errors.New("market.base_url 不能为空"))
	}
	if c.Market.Timeout <= 0 {
		err = multierr.Append(err, errors.New("market.timeout 必须大于0"))
	}
	if c.Market.MarketLimit <= 0 {
		err = multierr.Append(err, errors.New("market.market_limit 必须大于0"))
	}
	if c.Market.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("market.retry.max_attempts 必须大于0"))
	}
	if c.Market.Retry.MinDelay <= 0 || c.Market.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("market.retry.delay 必须为正"))
	}
	if c.Market.Retry.MinDelay > c.Market.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("market.retry.min_delay 不能大于 max_delay"))
	}
	if c.OpenAI.APIKey == "" {
		err = multierr.Append(err, errors.New("openai.api_key 不能为空"))
	}
	if c.OpenAI.Model == "" {
		err = multierr.Append(err, errors.New("openai.model 不能为空"))
	}
	if c.OpenAI.Timeout <= 0 {
		err = multierr.Append(err, errors.New("openai.timeout 必须大于0"))
	}
	if c.Trading.MinBet <= 0 {
		err = multierr.Append(err, errors.New("trading.min_bet 必须大于0"))
	}
	if c.Trading.MaxBetPercent <= 0 || c.Trading.MaxBetPercent > 1 {
		err = multierr.Append(err, errors.New("trading.max_bet_percent 必须位于(0,1]"))
	}
	if c.Trading.MaxRetries < 0 {
		err = multierr.Append(err, errors.New("trading.max_retries 不能为负"))
	}
	if c.Trading.InitialBalance <= 0 {
		err = multierr.Append(err, errors.New("trading.initial_balance 必须大于0"))
	}
	if c.Trading.MaxConcurrent <= 0 {
		err = multierr.Append(err, errors.New("trading.max_concurrent_agents 必须大于0"))
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}
	if c.Scheduler.LoopInterval <= 0 {
		err = multierr.Append(err, errors.New("scheduler.loop_interval 必须大于0"))
	}
	if c.Scheduler.DecisionInterval <= 0 {
		err = multierr.Append(err, errors.New("scheduler.decision_interval 必须大于0"))
	}
	if c.Scheduler.DecisionInterval < c.Scheduler.LoopInterval {
		err = multierr.Append(err, errors.New("scheduler.decision_interval 不应小于 loop_interval"))
	}
	if len(c.Agents) == 0 {
		err = multierr.Append(err, errors.New("agents 至少配置一个账户"))
	}
	seen := make(map[string]struct{}, len(c.Agents))
	for i, a := range c.Agents {
		if a.ID == "" {
			err = multierr.Append(err, fmt.Errorf("agents[%d].id 不能为空", i))
			continue
		}
		if _, dup := seen[a.ID]; dup {
			err = multierr.Append(err, fmt.Errorf("agents[%d].id %q 重复", i, a.ID))
		}
		seen[a.ID] = struct{}{}
		if a.Name == "" {
			err = multierr.Append(err, fmt.Errorf("agents[%d].name 不能为空", i))
		}
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
