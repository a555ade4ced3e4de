// Package broadcast 实现安全警报的扇出：一条发起的警报进入所有
// 其他会话的队列，并对有活跃显示通道的会话尝试即时推送。
package broadcast

import (
	"log"

	"GlassRelay/internal/alerts"
	"GlassRelay/internal/registry"
	"GlassRelay/internal/render"
)

// Archiver 可选的警报归档（离线分析用，尽力而为，不影响投递）
type Archiver interface {
	RecordAlert(event alerts.Event, targetCount int)
}

// Broadcaster 安全警报扇出器
type Broadcaster struct {
	registry *registry.Registry
	queue    *alerts.Queue
	archiver Archiver // 可为nil
}

// New 创建扇出器
func New(reg *registry.Registry, queue *alerts.Queue) *Broadcaster {
	return &Broadcaster{
		registry: reg,
		queue:    queue,
	}
}

// SetArchiver 挂接可选归档器
func (b *Broadcaster) SetArchiver(a Archiver) {
	b.archiver = a
}

// Originate 发起一条警报并扇出。
//
// 目标集合 = 所有会话 \ {发起方}：发起方的队列绝不回显，
// 但其活跃通道会收到一条直推确认画面（不入队）。
// 入队永不失败；即时推送失败只记录日志并把该目标从注册表
// 驱逐，不中断循环。返回即时推送成功的目标数，空目标集返回0。
func (b *Broadcaster) Originate(originSessionID, originUserID, triggerWord, message string) int {
	event := alerts.NewEvent(originSessionID, originUserID, triggerWord, message)

	targets := make([]string, 0)
	for _, id := range b.registry.AllIDs() {
		if id != originSessionID {
			targets = append(targets, id)
		}
	}

	// 第一步：全部入队。队列投递与通道状态无关，
	// 断线的设备重连后照样轮询到。
	for _, target := range targets {
		b.queue.Enqueue(target, event)
	}

	// 第二步：对活跃通道尝试即时推送。推送在队列锁外进行。
	banner := render.AlertBanner(event)
	pushed := 0
	var evicted []string

	for _, target := range targets {
		session, ok := b.registry.Get(target)
		if !ok {
			continue
		}
		transport := session.Transport()
		if transport == nil {
			continue
		}
		if err := transport.PushRender(banner); err != nil {
			log.Printf("Alert push to %s failed: %v", target, err)
			evicted = append(evicted, target)
			continue
		}
		pushed++
	}

	// 推送失败的会话视为通道已死，逐出注册表
	for _, target := range evicted {
		b.registry.Unregister(target)
	}

	// 发起方的直推确认
	if session, ok := b.registry.Get(originSessionID); ok {
		if transport := session.Transport(); transport != nil {
			if err := transport.PushRender(render.AlertConfirmation(event, len(targets))); err != nil {
				log.Printf("Confirmation push to origin %s failed: %v", originSessionID, err)
				b.registry.Unregister(originSessionID)
			}
		}
	}

	if b.archiver != nil {
		b.archiver.RecordAlert(event, len(targets))
	}

	log.Printf("Alert from %s (user=%s, trigger=%q) fanned out to %d targets, %d pushed",
		originSessionID, originUserID, triggerWord, len(targets), pushed)

	return pushed
}
