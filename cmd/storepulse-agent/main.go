package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"storepulse/internal/config"
	"storepulse/internal/service"
	"storepulse/pkg/logger"

	"go.uber.org/zap"
)

func main() {
	// 1. 加载配置（门店身份缺失时直接失败）
	cfg, err := config.LoadAgent()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// 2. 初始化日志
	log, err := logger.NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.ServiceName)
	if err != nil {
		panic(fmt.Sprintf("Failed to init logger: %v", err))
	}
	defer log.Sync()

	// 3. 创建代理
	agent, err := service.NewAgentService(cfg, log)
	if err != nil {
		log.Fatal("Failed to create agent",
			zap.Error(err),
		)
	}
	defer agent.Stop()

	// 4. 创建上下文（支持优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 5. 启动代理（在 goroutine 中）
	serviceErrChan := make(chan error, 1)
	go func() {
		if err := agent.Start(ctx); err != nil {
			serviceErrChan <- err
		}
	}()

	// 6. 等待信号（优雅关闭）
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info("Received signal, shutting down",
			zap.String("signal", sig.String()),
		)
		cancel()
	case err := <-serviceErrChan:
		log.Fatal("Agent error",
			zap.Error(err),
		)
	}

	log.Info("Agent exiting")
}
