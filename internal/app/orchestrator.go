package app

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"polyagents/internal/config"
	"polyagents/internal/decision"
	"polyagents/internal/execution"
	"polyagents/internal/indicator"
	"polyagents/internal/market"
	"polyagents/internal/model"
	"polyagents/internal/monitor"
	"polyagents/internal/store"
	"polyagents/internal/topic"
)

type modelClient interface {
	Complete(ctx context.Context, modelName string, messages []model.Message) (model.Completion, error)
}

type marketFeed interface {
	ListMarkets(ctx context.Context) ([]market.Market, error)
	FetchPriceHistory(ctx context.Context, id string) ([]market.PricePoint, error)
}

type tradeExecutor interface {
	ExecuteBuys(ctx context.Context, agentID string, bets []decision.BetInstruction, cash decimal.Decimal) []execution.TradeResult
	ExecuteSells(ctx context.Context, agentID string, sells []decision.SellInstruction) []execution.SellResult
}

type agentBook interface {
	Ensure(ctx context.Context, id, name string, initialBalance decimal.Decimal) error
	Get(ctx context.Context, id string) (*store.Agent, error)
	List(ctx context.Context) ([]store.Agent, error)
}

type positionLister interface {
	ListOpenByAgent(ctx context.Context, agentID string) ([]store.Position, error)
}

type cycleRecorder interface {
	RecordCycle(ctx context.Context, payload monitor.DecisionCyclePayload)
	RecordLeaderboard(ctx context.Context, payload monitor.LeaderboardPayload)
	RecordError(ctx context.Context, agentID, msg string, err error, ctxMap map[string]interface{})
}

// marketContext 是一轮决策里全体账户共享的市场视图。
type marketContext struct {
	views     []model.MarketView
	scope     decision.ValidationScope
	questions map[string]string
}

// orchestrator 驱动每个账户的一轮决策：
// 构造提示词 → 调模型 → 解释 → 校验，失败则带着违规清单重试，
// 重试耗尽后对 BET 决策做确定性抢救，其余情况放弃本轮。
type orchestrator struct {
	agents    []config.AgentConfig
	llm       modelClient
	markets   marketFeed
	engine    tradeExecutor
	agentRepo agentBook
	positions positionLister
	validator *decision.Validator
	monitor   cycleRecorder
	logger    *zap.Logger

	rules          decision.Rules
	initialBalance decimal.Decimal
	maxRetries     int
	maxConcurrent  int

	decisionInterval time.Duration
	lastDecision     time.Time
}

type orchestratorConfig struct {
	trading   config.TradingConfig
	scheduler config.SchedulerConfig
	agents    []config.AgentConfig
}

func newOrchestrator(
	cfg orchestratorConfig,
	llm modelClient,
	markets marketFeed,
	engine tradeExecutor,
	agentRepo agentBook,
	positions positionLister,
	monitorSvc cycleRecorder,
	logger *zap.Logger,
) (*orchestrator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.agents) == 0 {
		return nil, fmt.Errorf("app: 至少需要一个账户")
	}

	rules := decision.Rules{
		MinBet:        decimal.NewFromFloat(cfg.trading.MinBet),
		MaxBetPercent: decimal.NewFromFloat(cfg.trading.MaxBetPercent),
	}

	interval := cfg.scheduler.DecisionInterval
	if interval <= 0 {
		interval = time.Hour
	}

	maxConcurrent := cfg.trading.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	return &orchestrator{
		agents:           cfg.agents,
		llm:              llm,
		markets:          markets,
		engine:           engine,
		agentRepo:        agentRepo,
		positions:        positions,
		validator:        decision.NewValidator(rules, topic.NewKeywordClassifier()),
		monitor:          monitorSvc,
		logger:           logger,
		rules:            rules,
		initialBalance:   decimal.NewFromFloat(cfg.trading.InitialBalance),
		maxRetries:       cfg.trading.MaxRetries,
		maxConcurrent:    maxConcurrent,
		decisionInterval: interval,
	}, nil
}

// Tick 在到达决策间隔后执行一轮：市场快照只拉取一次，
// 各账户基于同一份视图并发决策。
func (o *orchestrator) Tick(ctx context.Context) error {
	now := time.Now().UTC()
	if !o.lastDecision.IsZero() && now.Sub(o.lastDecision) < o.decisionInterval {
		return nil
	}

	mc, err := o.buildMarketContext(ctx)
	if err != nil {
		o.monitor.RecordError(ctx, "", "拉取市场视图失败", err, nil)
		return err
	}
	if len(mc.views) == 0 {
		o.logger.Warn("本轮没有可交易市场，跳过决策")
		o.lastDecision = now
		return nil
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(o.maxConcurrent)

	for _, agent := range o.agents {
		agent := agent
		group.Go(func() error {
			if err := o.runAgentCycle(groupCtx, agent, mc); err != nil {
				// 单个账户失败不拖垮整轮，记录后继续。
				o.logger.Error("账户决策轮失败",
					zap.String("agent_id", agent.ID),
					zap.Error(err),
				)
			}
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return err
	}

	o.recordLeaderboard(ctx)
	o.lastDecision = now
	return nil
}

// buildMarketContext 拉取市场列表与概率历史，构造共享决策视图。
// 单个市场的历史拉取失败只降级为无指标展示。
func (o *orchestrator) buildMarketContext(ctx context.Context) (marketContext, error) {
	markets, err := o.markets.ListMarkets(ctx)
	if err != nil {
		return marketContext{}, fmt.Errorf("app: 拉取市场列表失败: %w", err)
	}

	mc := marketContext{
		views:     make([]model.MarketView, 0, len(markets)),
		questions: make(map[string]string, len(markets)),
		scope: decision.ValidationScope{
			MarketIDs:       make(map[string]struct{}, len(markets)),
			MarketQuestions: make(map[string]string, len(markets)),
		},
	}

	for _, m := range markets {
		if !m.Tradable() {
			continue
		}

		view := model.MarketView{Market: m}
		points, err := o.markets.FetchPriceHistory(ctx, m.ID)
		if err != nil {
			o.logger.Warn("拉取概率历史失败，跳过指标",
				zap.String("market_id", m.ID),
				zap.Error(err),
			)
		} else if summary, ok := indicator.Summarize(points); ok {
			view.Indicators = &summary
		}

		mc.views = append(mc.views, view)
		mc.questions[m.ID] = m.Question
		mc.scope.MarketIDs[m.ID] = struct{}{}
		mc.scope.MarketQuestions[m.ID] = m.Question
	}

	return mc, nil
}

// runAgentCycle 执行单个账户的一轮决策。
func (o *orchestrator) runAgentCycle(ctx context.Context, agentCfg config.AgentConfig, mc marketContext) error {
	if err := o.agentRepo.Ensure(ctx, agentCfg.ID, agentCfg.Name, o.initialBalance); err != nil {
		return err
	}

	agent, err := o.agentRepo.Get(ctx, agentCfg.ID)
	if err != nil {
		return err
	}

	openPositions, err := o.positions.ListOpenByAgent(ctx, agentCfg.ID)
	if err != nil {
		return err
	}

	scope := mc.scope
	scope.PositionIDs = make(map[string]struct{}, len(openPositions))
	positionViews := make([]model.PositionView, 0, len(openPositions))
	for _, p := range openPositions {
		scope.PositionIDs[p.ID] = struct{}{}
		positionViews = append(positionViews, model.NewPositionView(p, mc.questions[p.MarketID]))
	}

	systemPrompt, err := model.BuildSystemPrompt(agentCfg)
	if err != nil {
		return err
	}
	userPrompt, err := model.BuildDecisionPrompt(mc.views, model.PortfolioView{
		CashBalance:   agent.CashBalance,
		TotalInvested: agent.TotalInvested,
		Positions:     positionViews,
	}, model.PromptRules{
		MinBet:        o.rules.MinBet,
		MaxBetPercent: o.rules.MaxBetPercent,
	})
	if err != nil {
		return err
	}

	messages := []model.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: userPrompt},
	}

	cash := agent.CashBalance
	var lastParsed decision.Decision
	var lastErrors []string

	for attempt := 0; ; attempt++ {
		completion, err := o.llm.Complete(ctx, agentCfg.Model, messages)
		if err != nil {
			o.monitor.RecordCycle(ctx, monitor.DecisionCyclePayload{
				AgentID: agentCfg.ID,
				Outcome: monitor.OutcomeFailed,
				Retries: attempt,
				Error:   err.Error(),
			})
			return fmt.Errorf("app: 模型调用失败: %w", err)
		}

		d := decision.Interpret(completion.Content)
		result := o.validator.Validate(d, cash, scope)
		if result.Valid {
			o.executeDecision(ctx, agentCfg.ID, d, cash, attempt)
			return nil
		}

		lastParsed = d
		lastErrors = result.Errors

		if attempt >= o.maxRetries {
			break
		}

		retryPrompt, err := model.BuildRetryPrompt(completion.Content, result.Errors)
		if err != nil {
			return err
		}
		messages = append(messages,
			model.Message{Role: "assistant", Content: completion.Content},
			model.Message{Role: "user", Content: retryPrompt},
		)

		o.logger.Info("决策校验未通过，准备重试",
			zap.String("agent_id", agentCfg.ID),
			zap.Int("attempt", attempt+1),
			zap.Strings("violations", result.Errors),
		)
	}

	o.finishExhausted(ctx, agentCfg.ID, lastParsed, lastErrors, cash, scope)
	return nil
}

// executeDecision 执行通过校验的决策并记录终局。
func (o *orchestrator) executeDecision(ctx context.Context, agentID string, d decision.Decision, cash decimal.Decimal, retries int) {
	payload := monitor.DecisionCyclePayload{
		AgentID:     agentID,
		Action:      d.Action,
		Reasoning:   d.Reasoning,
		BetIntents:  d.Bets,
		SellIntents: d.Sells,
		Retries:     retries,
	}

	switch d.Action {
	case decision.ActionHold:
		payload.Outcome = monitor.OutcomeHold
		o.logger.Info("账户选择观望", zap.String("agent_id", agentID))
	case decision.ActionBet:
		results := o.engine.ExecuteBuys(ctx, agentID, d.Bets, cash)
		payload.Outcome = monitor.OutcomeExecuted
		payload.Buys = results
		payload.BetsExecuted = countBuySuccesses(results)
	case decision.ActionSell:
		results := o.engine.ExecuteSells(ctx, agentID, d.Sells)
		payload.Outcome = monitor.OutcomeExecuted
		payload.Sells = results
		payload.SellsExecuted = countSellSuccesses(results)
	}

	o.monitor.RecordCycle(ctx, payload)
}

// finishExhausted 在重试耗尽后收尾：BET 决策尝试确定性抢救，
// 其余决策放弃本轮。
func (o *orchestrator) finishExhausted(ctx context.Context, agentID string, d decision.Decision, violations []string, cash decimal.Decimal, scope decision.ValidationScope) {
	payload := monitor.DecisionCyclePayload{
		AgentID:          agentID,
		Action:           d.Action,
		Reasoning:        d.Reasoning,
		BetIntents:       d.Bets,
		SellIntents:      d.Sells,
		Retries:          o.maxRetries,
		ValidationErrors: violations,
	}

	if d.Action == decision.ActionBet && len(d.Bets) > 0 {
		salvage := o.validator.Salvage(d.Bets, cash, scope)
		payload.SalvageReasons = salvage.Reasons
		if len(salvage.ValidBets) > 0 {
			results := o.engine.ExecuteBuys(ctx, agentID, salvage.ValidBets, cash)
			payload.Outcome = monitor.OutcomeSalvaged
			payload.Buys = results
			payload.BetsExecuted = countBuySuccesses(results)
			o.logger.Info("重试耗尽，已执行抢救后的下注子集",
				zap.String("agent_id", agentID),
				zap.Int("kept", len(salvage.ValidBets)),
				zap.Int("removed", salvage.RemovedCount),
			)
			o.monitor.RecordCycle(ctx, payload)
			return
		}
	}

	payload.Outcome = monitor.OutcomeExhausted
	o.logger.Warn("重试耗尽，本轮放弃",
		zap.String("agent_id", agentID),
		zap.Strings("violations", violations),
	)
	o.monitor.RecordCycle(ctx, payload)
}

// recordLeaderboard 在一轮结束后记录账户净值排名。
func (o *orchestrator) recordLeaderboard(ctx context.Context) {
	agents, err := o.agentRepo.List(ctx)
	if err != nil {
		o.monitor.RecordError(ctx, "", "读取账户列表失败", err, nil)
		return
	}

	equities := make([]decimal.Decimal, len(agents))
	for i, a := range agents {
		equities[i] = a.CashBalance.Add(a.TotalInvested)
	}
	order := make([]int, len(agents))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool {
		return equities[order[i]].GreaterThan(equities[order[j]])
	})

	entries := make([]monitor.LeaderboardEntry, 0, len(agents))
	for _, idx := range order {
		a := agents[idx]
		entries = append(entries, monitor.LeaderboardEntry{
			AgentID:       a.ID,
			Name:          a.Name,
			CashBalance:   a.CashBalance.String(),
			TotalInvested: a.TotalInvested.String(),
			Equity:        equities[idx].String(),
		})
	}

	o.monitor.RecordLeaderboard(ctx, monitor.LeaderboardPayload{Entries: entries})
}

func countBuySuccesses(results []execution.TradeResult) int {
	n := 0
	for _, r := range results {
		if r.Err == nil {
			n++
		}
	}
	return n
}

func countSellSuccesses(results []execution.SellResult) int {
	n := 0
	for _, r := range results {
		if r.Err == nil {
			n++
		}
	}
	return n
}
