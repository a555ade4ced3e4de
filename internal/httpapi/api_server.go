// Package httpapi 暴露中继核心的HTTP接口：叠加层片段写入、
// 会话列表、安全警报的发起与双窗口轮询。
package httpapi

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"GlassRelay/internal/alerts"
	"GlassRelay/internal/broadcast"
	"GlassRelay/internal/config"
	"GlassRelay/internal/overlay"
	"GlassRelay/internal/registry"
	"GlassRelay/internal/render"
)

// APIServer HTTP API服务器
type APIServer struct {
	router      *mux.Router
	server      *http.Server
	registry    *registry.Registry
	store       *overlay.Store
	queue       *alerts.Queue
	broadcaster *broadcast.Broadcaster

	// 统计信息
	requestCount int64
	errorCount   int64
	startTime    time.Time
	mu           sync.RWMutex
}

// New 创建HTTP API服务器。wsHandler非nil时挂载到/ws。
func New(cfg config.ServerConfig, reg *registry.Registry, store *overlay.Store,
	queue *alerts.Queue, broadcaster *broadcast.Broadcaster, wsHandler http.HandlerFunc) *APIServer {

	s := &APIServer{
		router:      mux.NewRouter(),
		registry:    reg,
		store:       store,
		queue:       queue,
		broadcaster: broadcaster,
		startTime:   time.Now(),
	}

	s.setupRoutes(wsHandler)

	// 设置CORS
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      c.Handler(s.router),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return s
}

// setupRoutes 设置路由
func (s *APIServer) setupRoutes(wsHandler http.HandlerFunc) {
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.metricsMiddleware)

	// 叠加层片段写入
	s.router.HandleFunc("/overlay/hearing", s.postHearingHandler).Methods("POST")
	s.router.HandleFunc("/overlay/friends", s.postFriendsHandler).Methods("POST")
	s.router.HandleFunc("/song/result", s.postSongHandler).Methods("POST")

	// 会话
	s.router.HandleFunc("/session/list", s.sessionListHandler).Methods("GET")

	// 安全警报
	s.router.HandleFunc("/friends/safety-alert", s.postSafetyAlertHandler).Methods("POST")
	s.router.HandleFunc("/friends/has-safety-alert", s.hasSafetyAlertHandler).Methods("GET")
	s.router.HandleFunc("/friends/safety-alerts", s.safetyAlertsHandler).Methods("GET")

	// 健康检查和监控
	s.router.HandleFunc("/healthz", s.healthCheckHandler).Methods("GET")
	s.router.HandleFunc("/metrics", s.metricsHandler).Methods("GET")

	// 显示通道
	if wsHandler != nil {
		s.router.HandleFunc("/ws", wsHandler)
	}
}

// 中间件
func (s *APIServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		duration := time.Since(start)
		log.Printf("%s %s %s %v", r.Method, r.RequestURI, r.RemoteAddr, duration)
	})
}

func (s *APIServer) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)
		s.mu.Lock()
		s.requestCount++
		s.mu.Unlock()
	})
}

// hearingRequest POST /overlay/hearing 请求体
type hearingRequest struct {
	SessionID       string   `json:"sessionId"`
	Db              *float64 `json:"db"`
	RiskLevel       string   `json:"riskLevel"`
	SafeTimeLeftMin *float64 `json:"safeTimeLeftMin"`
	Trend           string   `json:"trend"`
	Suggestion      string   `json:"suggestion"`
}

// postHearingHandler 合并听力片段
func (s *APIServer) postHearingHandler(w http.ResponseWriter, r *http.Request) {
	var req hearingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if req.SessionID == "" {
		s.writeError(w, http.StatusBadRequest, "missing_session", "sessionId is required")
		return
	}
	// 必填数值字段缺失直接拒绝，不做部分写入
	if req.Db == nil || req.SafeTimeLeftMin == nil {
		s.writeError(w, http.StatusBadRequest, "missing_field", "db and safeTimeLeftMin are required")
		return
	}

	fragment := overlay.HearingFragment{
		Db:              *req.Db,
		RiskLevel:       req.RiskLevel,
		SafeTimeLeftMin: *req.SafeTimeLeftMin,
		Trend:           req.Trend,
		Suggestion:      req.Suggestion,
	}

	s.applyAndPush(w, req.SessionID, fragment)
}

// friendsRequest POST /overlay/friends 请求体
type friendsRequest struct {
	SessionID string        `json:"sessionId"`
	Friends   []friendEntry `json:"friends"`
}

type friendEntry struct {
	Name           string   `json:"name"`
	DistanceBand   string   `json:"distanceBand"`
	Hint           string   `json:"hint"`
	Confidence     *float64 `json:"confidence"`
	DistanceMeters float64  `json:"distanceMeters,omitempty"`
	Rssi           float64  `json:"rssi,omitempty"`
	AzimuthDeg     float64  `json:"azimuthDeg,omitempty"`
}

// postFriendsHandler 合并好友片段
func (s *APIServer) postFriendsHandler(w http.ResponseWriter, r *http.Request) {
	var req friendsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if req.SessionID == "" {
		s.writeError(w, http.StatusBadRequest, "missing_session", "sessionId is required")
		return
	}

	friends := make([]overlay.Friend, 0, len(req.Friends))
	for _, f := range req.Friends {
		if f.Confidence == nil {
			s.writeError(w, http.StatusBadRequest, "missing_field", "friend confidence is required")
			return
		}
		friends = append(friends, overlay.Friend{
			Name:           f.Name,
			DistanceBand:   f.DistanceBand,
			Hint:           f.Hint,
			Confidence:     *f.Confidence,
			DistanceMeters: f.DistanceMeters,
			Rssi:           f.Rssi,
			AzimuthDeg:     f.AzimuthDeg,
		})
	}

	fragment := overlay.FriendsFragment{Friends: friends}
	// 未识别的距离分档归一化为AREA，方向归一化为unknown
	fragment.Normalize()

	s.applyAndPush(w, req.SessionID, fragment)
}

// songRequest POST /song/result 请求体
type songRequest struct {
	SessionID  string  `json:"sessionId"`
	Title      string  `json:"title"`
	Artist     string  `json:"artist"`
	Provider   string  `json:"provider"`
	Confidence float64 `json:"confidence"`
}

// postSongHandler 合并歌曲识别片段
func (s *APIServer) postSongHandler(w http.ResponseWriter, r *http.Request) {
	var req songRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if req.SessionID == "" {
		s.writeError(w, http.StatusBadRequest, "missing_session", "sessionId is required")
		return
	}
	if req.Confidence == 0 {
		req.Confidence = 1 // 部分识别提供方不带置信度
	}

	fragment := overlay.SongFragment{
		Title:      req.Title,
		Artist:     req.Artist,
		Provider:   req.Provider,
		Confidence: req.Confidence,
	}

	s.applyAndPush(w, req.SessionID, fragment)
}

// applyAndPush 合并片段并在锁外向活跃通道推送新画面。
// 推送携带的是合并时刻的快照，与更新的写入竞争是可接受的：
// 下一个推送周期会带上更新的值。
func (s *APIServer) applyAndPush(w http.ResponseWriter, sessionID string, fragment overlay.Fragment) {
	snapshot, err := s.store.Apply(sessionID, fragment)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_fragment", err.Error())
		return
	}

	if session, ok := s.registry.Get(sessionID); ok {
		if transport := session.Transport(); transport != nil {
			if pushErr := transport.PushRender(render.Overlay(snapshot)); pushErr != nil {
				log.Printf("Render push to %s failed: %v", sessionID, pushErr)
				s.registry.Unregister(sessionID)
			}
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

// sessionListHandler GET /session/list
func (s *APIServer) sessionListHandler(w http.ResponseWriter, r *http.Request) {
	summaries := s.store.Summaries()
	if summaries == nil {
		summaries = []overlay.SessionSummary{}
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":    len(summaries),
		"sessions": summaries,
	})
}

// safetyAlertRequest POST /friends/safety-alert 请求体
type safetyAlertRequest struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
	Severity  string `json:"severity"`
	Source    string `json:"source"`
	Keyword   string `json:"keyword"`
}

// postSafetyAlertHandler 发起安全警报扇出
func (s *APIServer) postSafetyAlertHandler(w http.ResponseWriter, r *http.Request) {
	var req safetyAlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if req.SessionID == "" || req.Message == "" {
		s.writeError(w, http.StatusBadRequest, "missing_field", "sessionId and message are required")
		return
	}

	originUser := req.SessionID
	if session, ok := s.registry.Get(req.SessionID); ok {
		originUser = session.UserID
	}

	count := s.broadcaster.Originate(req.SessionID, originUser, req.Keyword, req.Message)

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":             true,
		"broadcastCount": count,
	})
}

// hasSafetyAlertHandler GET /friends/has-safety-alert?sessionId=（短窗口）
func (s *APIServer) hasSafetyAlertHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		s.writeError(w, http.StatusBadRequest, "missing_session", "sessionId is required")
		return
	}

	events := s.queue.Retrieve(sessionID, alerts.ShortWindow)

	var alert *alerts.Event
	if len(events) > 0 {
		// 布尔检查返回最新一条
		alert = &events[len(events)-1]
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"hasAlert":  alert != nil,
		"alert":     alert,
		"timestamp": time.Now().UnixMilli(),
	})
}

// safetyAlertsHandler GET /friends/safety-alerts?sessionId=（长窗口）
func (s *APIServer) safetyAlertsHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		s.writeError(w, http.StatusBadRequest, "missing_session", "sessionId is required")
		return
	}

	events := s.queue.Retrieve(sessionID, alerts.LongWindow)
	if events == nil {
		events = []alerts.Event{}
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": events,
		"count":  len(events),
	})
}

// healthCheckHandler 健康检查
func (s *APIServer) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"uptime":    time.Since(s.startTime).Seconds(),
		"timestamp": time.Now().UnixMilli(),
	})
}

// metricsHandler 运行指标
func (s *APIServer) metricsHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	requests := s.requestCount
	errors := s.errorCount
	s.mu.RUnlock()

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds":  time.Since(s.startTime).Seconds(),
		"total_requests":  requests,
		"error_count":     errors,
		"active_sessions": s.registry.Count(),
		"overlay_states":  s.store.Count(),
	})
}

// 辅助方法
func (s *APIServer) writeError(w http.ResponseWriter, statusCode int, code, message string) {
	s.mu.Lock()
	s.errorCount++
	s.mu.Unlock()

	s.writeJSON(w, statusCode, map[string]interface{}{
		"ok":      false,
		"code":    code,
		"message": message,
	})
}

func (s *APIServer) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// Start 启动服务器
func (s *APIServer) Start() error {
	log.Printf("Starting relay API server on %s", s.server.Addr)
	return s.server.ListenAndServe()
}

// Shutdown 优雅停止服务器
func (s *APIServer) Shutdown(ctx context.Context) error {
	log.Printf("Stopping relay API server")
	return s.server.Shutdown(ctx)
}
