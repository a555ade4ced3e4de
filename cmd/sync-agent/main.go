// sync-agent 设备侧同步代理：用模拟的传感器数据驱动
// 叠加层推送、安全警报轮询和触发扫描三个循环。
package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"GlassRelay/internal/config"
	"GlassRelay/internal/logger"
	"GlassRelay/internal/overlay"
	"GlassRelay/internal/syncagent"
)

func main() {
	logger.InitLogger()

	var (
		baseURL   = flag.String("base-url", "http://localhost:8080", "中继服务器地址")
		sessionID = flag.String("session", "", "会话id")
		userID    = flag.String("user", "device-user", "用户id")
		cfgPath   = flag.String("config", "", "配置文件路径")
		eventMode = flag.Bool("event-mode", false, "活动模式(更快的推送节奏)")
	)
	flag.Parse()

	if *sessionID == "" {
		fmt.Println("需要指定 -session")
		flag.Usage()
		os.Exit(1)
	}

	manager := config.NewManager(*cfgPath)
	cfg, err := manager.Load()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	if *baseURL != "" {
		cfg.Agent.BaseURL = *baseURL
	}

	sim := newSimulatedSensors()

	agent, err := syncagent.New(cfg.Agent, *sessionID, *userID,
		sim, sim, sim, consoleNotifier{})
	if err != nil {
		log.Fatalf("创建同步代理失败: %v", err)
	}
	agent.SetEventMode(*eventMode)

	if err := agent.Start(); err != nil {
		log.Fatalf("启动同步代理失败: %v", err)
	}

	fmt.Printf("Sync agent running: session=%s user=%s server=%s\n",
		*sessionID, *userID, cfg.Agent.BaseURL)
	fmt.Println("Type a trigger keyword (e.g. \"help\") into simulated speech via SIGUSR1, Ctrl+C to stop")

	// 定期打印状态
	statusTicker := time.NewTicker(10 * time.Second)
	defer statusTicker.Stop()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM, syscall.SIGUSR1)

	for {
		select {
		case <-statusTicker.C:
			fmt.Printf("Agent status: %s, fan-outs: %d\n", agent.Status(), agent.FanoutCount())
		case sig := <-c:
			if sig == syscall.SIGUSR1 {
				// 模拟一句包含触发词的转写文本
				sim.injectSpeech("help I need assistance")
				continue
			}
			fmt.Println("\nStopping agent...")
			agent.Stop()
			fmt.Println("Agent stopped")
			return
		}
	}
}

// simulatedSensors 模拟的传感器数据源：声压按正弦波动，
// 好友距离缓慢变化，语音文本由信号注入
type simulatedSensors struct {
	start time.Time

	mu     sync.Mutex
	speech []string
}

func newSimulatedSensors() *simulatedSensors {
	return &simulatedSensors{start: time.Now()}
}

func (s *simulatedSensors) CurrentHearing() (syncagent.HearingSample, bool) {
	elapsed := time.Since(s.start).Seconds()
	db := 85 + 20*math.Sin(elapsed/30)

	risk := overlay.RiskSafe
	trend := overlay.TrendSteady
	if db > 100 {
		risk = overlay.RiskRisk
		trend = overlay.TrendRising
	} else if db > 90 {
		risk = overlay.RiskCaution
	}

	return syncagent.HearingSample{
		Db:              math.Round(db*10) / 10,
		RiskLevel:       risk,
		SafeTimeLeftMin: math.Max(0, math.Round((115-db)/2)),
		Trend:           trend,
		Suggestion:      "Safer side: left",
	}, true
}

func (s *simulatedSensors) CurrentFriends() ([]syncagent.FriendSample, bool) {
	elapsed := time.Since(s.start).Seconds()
	dist := 12 + 10*math.Sin(elapsed/45)

	band := overlay.BandNear
	if dist > 18 {
		band = overlay.BandArea
	} else if dist < 6 {
		band = overlay.BandImmediate
	}

	return []syncagent.FriendSample{
		{
			Name:           "bob",
			DistanceBand:   band,
			Hint:           overlay.HintLeft,
			Confidence:     0.9,
			DistanceMeters: math.Round(dist*10) / 10,
		},
	}, true
}

func (s *simulatedSensors) NextText() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.speech) == 0 {
		return "", false
	}
	text := s.speech[0]
	s.speech = s.speech[1:]
	return text, true
}

func (s *simulatedSensors) injectSpeech(text string) {
	s.mu.Lock()
	s.speech = append(s.speech, text)
	s.mu.Unlock()
}

// consoleNotifier 把本地通知打印到控制台
type consoleNotifier struct{}

func (consoleNotifier) Notify(title, body string) {
	fmt.Printf(">>> [%s] %s\n", title, body)
}
