package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/neophob/fw-honeypot/internal/app"
	"github.com/neophob/fw-honeypot/internal/shared/config"
	"github.com/neophob/fw-honeypot/internal/shared/logger"
	"github.com/neophob/fw-honeypot/internal/shared/types"
)

func main() {
	configDir := flag.String("configdir", "configs", "Path to config directory")
	flag.Parse()

	iniPath := filepath.Join(*configDir, "honeypot.ini")

	// 1. 加载 .ini 行为配置, 缺省值来自 types.Default
	cfg := types.Default()
	if err := config.LoadIni(cfg, iniPath); err != nil {
		// Use standard fmt before logger is initialized.
		fmt.Fprintf(os.Stderr, "Fatal: Failed to load config file '%s': %v\n", iniPath, err)
		os.Exit(1)
	}

	// 1.1 初始化日志系统
	if err := logger.Init(cfg.LogConf); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	// 2. 加载 attacker.json 黑名单, 相对路径基于配置目录
	banListPath := cfg.BanListFile
	if banListPath != "" && !filepath.IsAbs(banListPath) {
		banListPath = filepath.Join(*configDir, banListPath)
	}
	banList, err := config.LoadBanList(banListPath)
	if err != nil {
		logger.Fatal().Err(err).Msgf("Failed to load ban list '%s'", banListPath)
	}

	// 3. 创建并运行服务器
	appServer, err := app.New(cfg, banList, nil)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create honeypot")
	}
	appServer.Run()
}
