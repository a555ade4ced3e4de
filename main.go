package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"GlassRelay/internal/alerts"
	"GlassRelay/internal/archive"
	"GlassRelay/internal/broadcast"
	"GlassRelay/internal/config"
	"GlassRelay/internal/httpapi"
	"GlassRelay/internal/logger"
	"GlassRelay/internal/overlay"
	"GlassRelay/internal/registry"
	"GlassRelay/internal/wsgateway"
)

func main() {
	logger.InitLogger()

	var (
		mode    = flag.String("mode", "demo", "运行模式: demo, server")
		addr    = flag.String("addr", "", "服务器地址，覆盖配置文件")
		cfgPath = flag.String("config", "", "配置文件路径")
	)
	flag.Parse()

	switch *mode {
	case "demo":
		runDemo()
	case "server":
		runServer(*addr, *cfgPath)
	default:
		fmt.Printf("未知模式: %s\n", *mode)
		flag.Usage()
		os.Exit(1)
	}
}

// runDemo 运行演示模式
func runDemo() {
	fmt.Println("GlassRelay - 眼镜显示叠加层与安全警报中继")
	fmt.Println("==========================================")
	fmt.Println()

	fmt.Println("功能:")
	fmt.Println("  - 会话叠加层状态合并 (听力/好友/歌曲)")
	fmt.Println("  - 安全警报扇出 + 双窗口重放队列")
	fmt.Println("  - WebSocket显示通道 + 自动重连")
	fmt.Println("  - 设备侧同步代理 (推送/轮询/触发)")
	fmt.Println()

	fmt.Println("快速开始:")
	fmt.Println("  # 启动中继服务器")
	fmt.Println("  go run main.go -mode=server")
	fmt.Println()
	fmt.Println("  # 启动设备同步代理")
	fmt.Println("  go run ./cmd/sync-agent -session=s1 -user=alice")
	fmt.Println()
	fmt.Println("  # 启动显示模拟器")
	fmt.Println("  go run ./cmd/display-sim -url=ws://localhost:8080/ws -user=alice")
}

// runServer 运行中继服务器
func runServer(addr, cfgPath string) {
	manager := config.NewManager(cfgPath)
	cfg, err := manager.Load()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}

	reg := registry.New()
	store := overlay.NewStore()
	queue := alerts.NewQueue()

	// 会话断开时清掉它的叠加层状态。警报队列保留，
	// 断线重连的会话还要取它窗口内的警报。
	reg.OnEvict(func(sessionID string) {
		store.Drop(sessionID)
	})

	if cfg.Alerts.SweepInterval > 0 {
		queue.StartSweeper(cfg.Alerts.SweepInterval)
		defer queue.StopSweeper()
	}

	broadcaster := broadcast.New(reg, queue)

	var recorder *archive.Recorder
	if cfg.Archive.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		recorder, err = archive.Connect(ctx, cfg.Archive.DSN)
		cancel()
		if err != nil {
			log.Printf("Alert archive unavailable, continuing without it: %v", err)
		} else {
			broadcaster.SetArchiver(recorder)
			defer recorder.Close()
		}
	}

	gateway := wsgateway.New(cfg.Gateway, reg, store)
	api := httpapi.New(cfg.Server, reg, store, queue, broadcaster, gateway.HandleWS)

	manager.OnChange(func(c *config.RelayConfig) {
		log.Printf("Config reloaded, gateway max_connections=%d", c.Gateway.MaxConnections)
	})
	manager.Watch()

	go func() {
		if err := api.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("启动服务器失败: %v", err)
		}
	}()

	fmt.Printf("GlassRelay server listening on %s\n", cfg.Server.Addr)
	fmt.Printf("WebSocket endpoint: ws://localhost%s/ws\n", cfg.Server.Addr)

	// 优雅关闭
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	<-c
	fmt.Println("\nShutting down...")

	gateway.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := api.Shutdown(ctx); err != nil {
		log.Printf("服务器关闭错误: %v", err)
	}

	fmt.Println("Server stopped")
}
