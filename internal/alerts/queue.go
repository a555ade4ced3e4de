package alerts

import (
	"log"
	"sync"
	"time"
)

// sessionQueue 单个接收方的待取警报队列，持有自己的锁
type sessionQueue struct {
	mu     sync.Mutex
	events []Event
}

// Queue 按接收会话分键的警报队列。
// 数量上不设限，靠检索驱动的修剪自清理：每次Retrieve在返回
// 窗口内事件的同时，原子地把存储替换为幸存事件。
type Queue struct {
	queues sync.Map // map[string]*sessionQueue
	nowFn  func() time.Time

	// 后台清扫（可选），兜底从不轮询的会话
	sweepWg   sync.WaitGroup
	sweepStop chan struct{}
	sweepOnce sync.Once
}

// NewQueue 创建警报队列
func NewQueue() *Queue {
	return &Queue{
		nowFn:     time.Now,
		sweepStop: make(chan struct{}),
	}
}

// SetClock 替换时钟，仅用于测试
func (q *Queue) SetClock(now func() time.Time) {
	q.nowFn = now
}

func (q *Queue) queue(target string) *sessionQueue {
	if v, ok := q.queues.Load(target); ok {
		return v.(*sessionQueue)
	}
	v, _ := q.queues.LoadOrStore(target, &sessionQueue{})
	return v.(*sessionQueue)
}

// Enqueue 向接收方队列追加事件，永不失败
func (q *Queue) Enqueue(targetSessionID string, event Event) {
	sq := q.queue(targetSessionID)
	sq.mu.Lock()
	sq.events = append(sq.events, event)
	sq.mu.Unlock()
}

// Retrieve 返回窗口内（now - timestamp < window）的事件，
// 并把存储的队列原子替换为幸存事件。修剪是永久的：
// 一旦事件老出窗口被剔除，之后的Retrieve不会再看到它。
func (q *Queue) Retrieve(targetSessionID string, window time.Duration) []Event {
	v, ok := q.queues.Load(targetSessionID)
	if !ok {
		return nil
	}

	now := q.nowFn()
	sq := v.(*sessionQueue)

	sq.mu.Lock()
	defer sq.mu.Unlock()

	survivors := sq.events[:0]
	for _, e := range sq.events {
		if e.Age(now) < window {
			survivors = append(survivors, e)
		}
	}
	sq.events = survivors

	if len(survivors) == 0 {
		return nil
	}
	out := make([]Event, len(survivors))
	copy(out, survivors)
	return out
}

// Pending 返回接收方当前排队的事件数（不修剪），用于统计
func (q *Queue) Pending(targetSessionID string) int {
	v, ok := q.queues.Load(targetSessionID)
	if !ok {
		return 0
	}
	sq := v.(*sessionQueue)
	sq.mu.Lock()
	n := len(sq.events)
	sq.mu.Unlock()
	return n
}

// StartSweeper 启动后台清扫循环，按长窗口修剪所有队列。
// 检索驱动的修剪对从不轮询的会话不起作用，清扫兜底其增长。
func (q *Queue) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		return
	}
	q.sweepWg.Add(1)
	go func() {
		defer q.sweepWg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-q.sweepStop:
				return
			case <-ticker.C:
				q.sweepAll()
			}
		}
	}()
}

// StopSweeper 停止后台清扫并等待其退出
func (q *Queue) StopSweeper() {
	q.sweepOnce.Do(func() {
		close(q.sweepStop)
	})
	q.sweepWg.Wait()
}

// sweepAll 对所有队列按长窗口修剪。
// 队列条目本身不删除，避免与并发Enqueue拿到的旧条目竞争丢事件。
func (q *Queue) sweepAll() {
	now := q.nowFn()
	pruned := 0

	q.queues.Range(func(key, value interface{}) bool {
		sq := value.(*sessionQueue)
		sq.mu.Lock()
		survivors := sq.events[:0]
		for _, e := range sq.events {
			if e.Age(now) < LongWindow {
				survivors = append(survivors, e)
			} else {
				pruned++
			}
		}
		sq.events = survivors
		sq.mu.Unlock()
		return true
	})

	if pruned > 0 {
		log.Printf("Alert sweeper pruned %d expired events", pruned)
	}
}
