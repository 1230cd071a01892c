package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"paas-control/internal/core"
	"paas-control/internal/pkg/config"
	"paas-control/internal/pkg/database"
	"paas-control/internal/pkg/kvstore"
	"paas-control/internal/pkg/logger"
)

var (
	configFile = flag.String("config", "", "配置文件路径 (例如: -config=configs/config.yaml)")
	version    = flag.Bool("version", false, "显示版本信息")
)

const (
	appVersion = "1.0.0"
	appName    = "paas-control"

	// 停机时等待进行中部署的时间，超时后取消并按失败收尾
	shutdownTimeout = 60 * time.Second
)

func main() {
	// 解析命令行参数
	flag.Parse()

	// 显示版本信息
	if *version {
		fmt.Printf("%s version %s\n", appName, appVersion)
		os.Exit(0)
	}

	// init config logger
	var cfg *config.Config
	{
		// 优先级: 命令行参数 > 环境变量 > 默认路径
		configPath := getConfigPath()

		c, err := config.Load(configPath)
		if err != nil {
			fmt.Printf("加载配置失败: %v\n", err)
			fmt.Println("\n使用方式:")
			fmt.Println("  1. 命令行参数指定:")
			fmt.Println("     ./paas-control -config=configs/config.yaml")
			fmt.Println("  2. 环境变量指定:")
			fmt.Println("     export CONFIG_FILE=configs/config.yaml")
			fmt.Println("     ./paas-control")
			os.Exit(1)
		}
		cfg = c

		if err := logger.Init(&cfg.Log); err != nil {
			fmt.Printf("初始化日志失败: %v\n", err)
			os.Exit(1)
		}
		logger.Info(fmt.Sprintf("Load config file: %s of %s", configPath, getConfigSource()))

		defer func() {
			_ = logger.Close()
		}()
	}

	logger.Info(fmt.Sprintf("服务 %s 启动中...", appName), zap.String("version", appVersion))

	// 初始化数据库
	if err := database.Init(&cfg.Database); err != nil {
		logger.Fatal("初始化数据库失败", zap.Error(err))
	}
	defer func() {
		_ = database.Close()
	}()
	logger.Info(fmt.Sprintf("数据库连接成功 %s:%v", cfg.Database.Host, cfg.Database.Port), zap.String("database", cfg.Database.Database))

	// 部署锁与输出流依赖 Redis
	if err := kvstore.Init(&cfg.Redis); err != nil {
		logger.Fatal("初始化 Redis 失败", zap.Error(err))
	}
	defer func() {
		_ = kvstore.Close()
	}()
	logger.Info("Redis 连接成功", zap.String("addr", cfg.Redis.Addr))

	coreEngine, err := core.NewCoreEngine(database.GetDB(), kvstore.Client, cfg, logger.Log)
	if err != nil {
		logger.Fatal("初始化Core引擎失败", zap.Error(err))
	}
	if err := coreEngine.Start(); err != nil {
		logger.Fatal("Core引擎启动失败", zap.Error(err))
	}
	logger.Info(fmt.Sprintf("%s 服务启动成功", cfg.Server.Name), zap.String("mode", cfg.Server.Mode))

	// 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("服务正在关闭...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	coreEngine.Stop(ctx)

	logger.Info("服务已关闭")
}

// getConfigPath 获取配置文件路径
// 优先级: 命令行参数 > 环境变量 > 默认路径
func getConfigPath() string {
	if *configFile != "" {
		return *configFile
	}
	if envConfig := os.Getenv("CONFIG_FILE"); envConfig != "" {
		return envConfig
	}
	return "configs/config.yaml"
}

// getConfigSource 获取配置来源说明
func getConfigSource() string {
	if *configFile != "" {
		return "命令行参数"
	}
	if os.Getenv("CONFIG_FILE") != "" {
		return "环境变量"
	}
	return "默认配置"
}
