// Package main provides the entry point for the trading backend server:
// daily data collection, regime classification, LLM-assisted strategy
// research, signal generation, and trade-plan emission, exposed over a
// small HTTP+SSE API.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/atlas-desktop/trading-backend/internal/backtest"
	"github.com/atlas-desktop/trading-backend/internal/config"
	"github.com/atlas-desktop/trading-backend/internal/data"
	"github.com/atlas-desktop/trading-backend/internal/httpapi"
	"github.com/atlas-desktop/trading-backend/internal/llm"
	"github.com/atlas-desktop/trading-backend/internal/pipeline"
	"github.com/atlas-desktop/trading-backend/internal/regime"
	"github.com/atlas-desktop/trading-backend/internal/runner"
	"github.com/atlas-desktop/trading-backend/internal/signals"
	"github.com/atlas-desktop/trading-backend/internal/storage"
	"github.com/atlas-desktop/trading-backend/internal/tradeplan"
)

func main() {
	configPath := flag.String("config", "./config/config.yaml", "Path to config.yaml")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	logger.Info("starting trading backend",
		zap.String("database", cfg.DatabasePath),
		zap.String("httpAddr", cfg.HTTPAddr),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.Open(cfg.DatabasePath, logger)
	if err != nil {
		logger.Fatal("failed to open storage", zap.Error(err))
	}
	defer store.Close()

	collector := data.New(logger, store, cfg.DataSources)
	classifier := regime.New(logger, store)
	llmClient := llm.New(cfg.DeepSeek, logger)

	weights := backtest.ScoreWeights{
		Return:   cfg.AILab.WeightReturn,
		Drawdown: cfg.AILab.WeightDrawdown,
		Sharpe:   cfg.AILab.WeightSharpe,
		PLR:      cfg.AILab.WeightPLR,
	}

	runnerEngine := runner.New(ctx, store, logger, llmClient, collector, classifier, weights)

	if err := runnerEngine.RecoverOrphans(ctx); err != nil {
		logger.Error("orphan recovery failed", zap.Error(err))
	}

	sigEngine := signals.New(logger, store, nil)
	planEngine := tradeplan.New(store, logger)
	pipelineEngine := pipeline.New(logger, store, collector, sigEngine, planEngine, llmClient, llmClient, cfg.Signals)

	go pipelineEngine.Run(ctx)

	server := httpapi.New(logger, cfg.HTTPAddr, store, runnerEngine, pipelineEngine, sigEngine)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		logger.Error("HTTP server stopped unexpectedly", zap.Error(err))
	case sig := <-sigChan:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("error during HTTP server shutdown", zap.Error(err))
	}

	logger.Info("shutdown complete")
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}

	return logger
}
