package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"polyagents/internal/app"
	"polyagents/internal/config"
	"polyagents/internal/log"
	"polyagents/internal/store"
)

func main() {
	var (
		configPath string
		checkOnly  bool
	)
	flag.StringVar(&configPath, "config", "", "配置文件路径，默认使用 configs/config.yaml")
	flag.BoolVar(&checkOnly, "check", false, "只加载并校验配置，不启动竞技场")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	if checkOnly {
		fmt.Printf("配置校验通过：%d 个账户，市场接口 %s\n", len(cfg.Agents), cfg.Market.BaseURL)
		return
	}

	logger, err := log.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer func(logger *zap.Logger) {
		_ = logger.Sync()
	}(logger)

	roster := make([]string, 0, len(cfg.Agents))
	for _, a := range cfg.Agents {
		roster = append(roster, a.Name)
	}
	logger.Info("竞技场启动",
		zap.Strings("agents", roster),
		zap.Duration("decision_interval", cfg.Scheduler.DecisionInterval),
	)

	sqliteStore, err := store.NewSQLite(cfg.Database)
	if err != nil {
		logger.Error("初始化数据库失败", zap.Error(err))
		os.Exit(1)
	}
	defer func() {
		if closeErr := sqliteStore.Close(); closeErr != nil {
			logger.Warn("关闭数据库失败", zap.Error(closeErr))
		}
	}()

	arena := app.New(cfg, logger, sqliteStore)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := arena.Run(ctx); err != nil {
		logger.Error("系统运行异常", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("系统已安全退出")
}
