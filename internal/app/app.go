package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"polyagents/internal/config"
	"polyagents/internal/execution"
	"polyagents/internal/market"
	"polyagents/internal/model"
	"polyagents/internal/monitor"
	"polyagents/internal/store"
)

// App 聚合核心依赖并驱动竞技场生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}
}

// Run 初始化各组件并进入调度循环，直到上下文取消。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("竞技场已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.Int("agents", len(a.cfg.Agents)),
		zap.String("market_api", a.cfg.Market.BaseURL),
	)

	llm, err := model.NewClient(a.cfg.OpenAI, a.logger)
	if err != nil {
		return fmt.Errorf("初始化模型客户端失败: %w", err)
	}

	marketClient, err := market.NewClient(a.cfg.Market, a.logger)
	if err != nil {
		return fmt.Errorf("初始化市场客户端失败: %w", err)
	}

	monitorSvc, err := monitor.NewService(a.store, a.logger)
	if err != nil {
		return fmt.Errorf("初始化监控服务失败: %w", err)
	}

	agentRepo := store.NewAgentRepository(a.store)
	positionRepo := store.NewPositionRepository(a.store)
	tradeRepo := store.NewTradeRepository(a.store)

	engine := execution.NewEngine(
		marketClient,
		agentRepo,
		positionRepo,
		tradeRepo,
		decimal.NewFromFloat(a.cfg.Trading.MinBet),
		decimal.NewFromFloat(a.cfg.Trading.MaxBetPercent),
		a.logger,
	)

	orch, err := newOrchestrator(orchestratorConfig{
		trading:   a.cfg.Trading,
		scheduler: a.cfg.Scheduler,
		agents:    a.cfg.Agents,
	}, llm, marketClient, engine, agentRepo, positionRepo, monitorSvc, a.logger)
	if err != nil {
		return err
	}

	loopInterval := a.cfg.Scheduler.LoopInterval
	if loopInterval <= 0 {
		loopInterval = 5 * time.Minute
	}

	if err = orch.Tick(ctx); err != nil {
		a.logger.Error("首轮决策失败", zap.Error(err))
	}

	ticker := time.NewTicker(loopInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("系统异常退出: %w", err)
			}
			a.logger.Info("收到退出信号，正在停止")
			return nil
		case <-ticker.C:
			if err = orch.Tick(ctx); err != nil {
				a.logger.Error("执行调度失败", zap.Error(err))
			}
		}
	}
}
