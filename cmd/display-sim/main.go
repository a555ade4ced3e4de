// display-sim 显示模拟器：连接中继的WebSocket显示通道，
// 把收到的渲染推送画到终端上。
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"GlassRelay/internal/displayclient"
	"GlassRelay/internal/logger"
	"GlassRelay/internal/protocol"
)

func main() {
	logger.InitLogger()

	var (
		url       = flag.String("url", "ws://localhost:8080/ws", "显示通道地址")
		sessionID = flag.String("session", "", "会话id，为空时由服务端分配")
		userID    = flag.String("user", "display-user", "用户id")
	)
	flag.Parse()

	config := displayclient.DefaultClientConfig(*url, *userID)
	config.SessionID = *sessionID

	client := displayclient.New(config)

	client.SetRenderHandler(func(push protocol.RenderPush) {
		drawFrame(push.Text)
	})

	client.SetStateChangeHandler(func(oldState, newState displayclient.ClientState) {
		log.Printf("Display state: %s -> %s", oldState, newState)
	})

	client.SetRTTHandler(func(rtt time.Duration) {
		log.Printf("RTT: %.1fms", rtt.Seconds()*1000)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		log.Fatalf("连接显示通道失败: %v", err)
	}

	fmt.Printf("Display connected: session=%s\n", client.SessionID())

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	fmt.Println("\nClosing display...")
	if err := client.Close(); err != nil {
		log.Printf("关闭显示通道错误: %v", err)
	}
	fmt.Println("Display closed")
}

// drawFrame 把一帧显示文本画到终端，模拟固定宽度的眼镜屏幕
func drawFrame(text string) {
	border := strings.Repeat("-", 30)
	fmt.Println("+" + border + "+")
	for _, line := range strings.Split(text, "\n") {
		fmt.Printf("| %-28s |\n", line)
	}
	fmt.Println("+" + border + "+")
}
