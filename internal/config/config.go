// Package config 统一配置：relay.yaml + 环境变量覆盖 + 热加载
package config

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// RelayConfig 中继服务配置
type RelayConfig struct {
	Server  ServerConfig  `mapstructure:"server"`
	Gateway GatewayConfig `mapstructure:"gateway"`
	Alerts  AlertsConfig  `mapstructure:"alerts"`
	Agent   AgentConfig   `mapstructure:"agent"`
	Archive ArchiveConfig `mapstructure:"archive"`
}

// ServerConfig HTTP服务配置
type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// GatewayConfig WebSocket显示通道配置
type GatewayConfig struct {
	MaxConnections    int           `mapstructure:"max_connections"`
	ReadBufferSize    int           `mapstructure:"read_buffer_size"`
	WriteBufferSize   int           `mapstructure:"write_buffer_size"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	ReadIdleTimeout   time.Duration `mapstructure:"read_idle_timeout"`
	EnableCompression bool          `mapstructure:"enable_compression"`
}

// AlertsConfig 警报队列配置
type AlertsConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"` // 0关闭后台清扫
}

// AgentConfig 设备同步代理配置
type AgentConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	PushInterval      time.Duration `mapstructure:"push_interval"`
	EventPushInterval time.Duration `mapstructure:"event_push_interval"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	ScanInterval      time.Duration `mapstructure:"scan_interval"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	Cooldown          time.Duration `mapstructure:"cooldown"`
	SeenKeyCapacity   int           `mapstructure:"seen_key_capacity"`
	UseRoster         bool          `mapstructure:"use_roster"`
	TriggerKeywords   []string      `mapstructure:"trigger_keywords"`
}

// ArchiveConfig 警报归档配置（可选，尽力而为）
type ArchiveConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn"`
}

// Manager 配置管理器，支持文件监控热加载
type Manager struct {
	mu       sync.RWMutex
	config   *RelayConfig
	v        *viper.Viper
	path     string
	onChange []func(*RelayConfig)
}

// NewManager 创建配置管理器。path为空时只用默认值和环境变量。
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Load 加载配置，文件缺失时回退到默认值
func (m *Manager) Load() (*RelayConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("GLASSRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if m.path != "" {
		v.SetConfigFile(m.path)
	} else {
		v.SetConfigName("relay")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound && m.path != "" {
			return nil, fmt.Errorf("加载中继配置失败: %w", err)
		}
		log.Printf("No config file found, using defaults")
	} else {
		log.Printf("Loaded config from %s", v.ConfigFileUsed())
	}

	var cfg RelayConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析中继配置失败: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}

	m.config = &cfg
	m.v = v
	return &cfg, nil
}

// Get 返回当前配置（未加载时自动加载）
func (m *Manager) Get() (*RelayConfig, error) {
	m.mu.RLock()
	if m.config != nil {
		defer m.mu.RUnlock()
		return m.config, nil
	}
	m.mu.RUnlock()
	return m.Load()
}

// OnChange 注册配置变更回调
func (m *Manager) OnChange(fn func(*RelayConfig)) {
	m.mu.Lock()
	m.onChange = append(m.onChange, fn)
	m.mu.Unlock()
}

// Watch 启用配置文件监控，文件变化时重新解析并通知回调
func (m *Manager) Watch() {
	m.mu.RLock()
	v := m.v
	m.mu.RUnlock()
	if v == nil || v.ConfigFileUsed() == "" {
		return
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		log.Printf("Config file changed: %s", e.Name)

		var cfg RelayConfig
		if err := v.Unmarshal(&cfg); err != nil {
			log.Printf("Reload config failed: %v", err)
			return
		}
		if err := validate(&cfg); err != nil {
			log.Printf("Reloaded config invalid: %v", err)
			return
		}

		m.mu.Lock()
		m.config = &cfg
		callbacks := m.onChange
		m.mu.Unlock()

		for _, fn := range callbacks {
			fn(&cfg)
		}
	})
	v.WatchConfig()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)

	v.SetDefault("gateway.max_connections", 1000)
	v.SetDefault("gateway.read_buffer_size", 1024)
	v.SetDefault("gateway.write_buffer_size", 1024)
	v.SetDefault("gateway.handshake_timeout", 10*time.Second)
	v.SetDefault("gateway.write_timeout", 5*time.Second)
	v.SetDefault("gateway.read_idle_timeout", 60*time.Second)
	v.SetDefault("gateway.enable_compression", true)

	v.SetDefault("alerts.sweep_interval", 60*time.Second)

	v.SetDefault("agent.base_url", "")
	v.SetDefault("agent.push_interval", time.Second)
	v.SetDefault("agent.event_push_interval", 700*time.Millisecond)
	v.SetDefault("agent.poll_interval", 2*time.Second)
	v.SetDefault("agent.scan_interval", 1500*time.Millisecond)
	v.SetDefault("agent.request_timeout", 5*time.Second)
	v.SetDefault("agent.cooldown", 30*time.Second)
	v.SetDefault("agent.seen_key_capacity", 300)
	v.SetDefault("agent.use_roster", true)
	v.SetDefault("agent.trigger_keywords", []string{})

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.dsn", "")
}

func validate(cfg *RelayConfig) error {
	if cfg.Server.Addr == "" {
		return fmt.Errorf("server.addr 不能为空")
	}
	if cfg.Gateway.MaxConnections <= 0 {
		return fmt.Errorf("gateway.max_connections 必须为正数")
	}
	if cfg.Agent.SeenKeyCapacity <= 0 {
		return fmt.Errorf("agent.seen_key_capacity 必须为正数")
	}
	if cfg.Archive.Enabled && cfg.Archive.DSN == "" {
		return fmt.Errorf("archive.enabled 时必须提供 archive.dsn")
	}
	return nil
}
