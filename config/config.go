package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultControllerAddr 未配置（controller.address / HORUS_CONTROLLER）时的默认地址：
// 设备处于配网热点模式时的网关地址
const DefaultControllerAddr = "192.168.4.1"

// Config 应用配置
type Config struct {
	Controller ControllerConfig `json:"controller" yaml:"controller"`
	Session    SessionConfig    `json:"session" yaml:"session"`
	Provision  ProvisionConfig  `json:"provision" yaml:"provision"`
	OTA        OTAConfig        `json:"ota" yaml:"ota"`
	Limits     LimitsConfig     `json:"limits" yaml:"limits"`
	Panel      PanelConfig      `json:"panel" yaml:"panel"`
	Database   DatabaseConfig   `json:"database" yaml:"database"`
	MQTT       MQTTConfig       `json:"mqtt" yaml:"mqtt"`
}

// ControllerConfig 主控设备地址
type ControllerConfig struct {
	// Address 例如 192.168.4.1、horus-a1b2.local:80，或带 scheme 的 https://horus.local
	Address string `json:"address" yaml:"address"`
	// HTTPTimeout HTTP 接口超时（秒）
	HTTPTimeout int `json:"http_timeout" yaml:"http_timeout"`
}

// SessionConfig 实时通道参数
type SessionConfig struct {
	ReconnectInitialMs int     `json:"reconnect_initial_ms" yaml:"reconnect_initial_ms"`
	ReconnectFactor    float64 `json:"reconnect_factor" yaml:"reconnect_factor"`
	ReconnectJitter    float64 `json:"reconnect_jitter" yaml:"reconnect_jitter"`
	ReconnectMaxMs     int     `json:"reconnect_max_ms" yaml:"reconnect_max_ms"`
	KeepaliveInterval  int     `json:"keepalive_interval" yaml:"keepalive_interval"` // 秒
	DialTimeout        int     `json:"dial_timeout" yaml:"dial_timeout"`             // 秒
	// LostNoticeAfter 断线持续多久（秒）才提示用户，期间重连成功则不提示
	LostNoticeAfter int `json:"lost_notice_after" yaml:"lost_notice_after"`
}

// ProvisionConfig WiFi 配网流程参数
type ProvisionConfig struct {
	ScanPollIntervalMs int `json:"scan_poll_interval_ms" yaml:"scan_poll_interval_ms"`
	ScanMaxWait        int `json:"scan_max_wait" yaml:"scan_max_wait"` // 秒
}

// OTAConfig 固件升级流程参数
type OTAConfig struct {
	PollInterval int `json:"poll_interval" yaml:"poll_interval"` // 秒
	MaxWait      int `json:"max_wait" yaml:"max_wait"`           // 秒
}

// LimitsConfig 面板声明的数值范围，发送前会被钳制到区间内
type LimitsConfig struct {
	TPDMin int `json:"tpd_min" yaml:"tpd_min"`
	TPDMax int `json:"tpd_max" yaml:"tpd_max"`
	DurMin int `json:"dur_min" yaml:"dur_min"`
	DurMax int `json:"dur_max" yaml:"dur_max"`
}

// PanelConfig 本地控制面板（HTTP + WebSocket）
type PanelConfig struct {
	Enabled      bool   `json:"enabled" yaml:"enabled"`
	Listen       string `json:"listen" yaml:"listen"`
	PasswordHash string `json:"password_hash" yaml:"password_hash"` // bcrypt；为空表示不鉴权
	JWTSecret    string `json:"jwt_secret" yaml:"jwt_secret"`
	TokenTTL     int    `json:"token_ttl" yaml:"token_ttl"` // 秒
}

// DatabaseConfig 本地缓存库
type DatabaseConfig struct {
	Path string `json:"path" yaml:"path"`
}

// MQTTConfig 状态镜像到 MQTT（可选）
type MQTTConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	Server      string `json:"server" yaml:"server"`
	Port        int    `json:"port" yaml:"port"`
	ClientID    string `json:"client_id" yaml:"client_id"`
	Username    string `json:"username" yaml:"username"`
	Password    string `json:"password" yaml:"password"`
	TopicPrefix string `json:"topic_prefix" yaml:"topic_prefix"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Controller: ControllerConfig{
			Address:     DefaultControllerAddr,
			HTTPTimeout: 6,
		},
		Session: SessionConfig{
			ReconnectInitialMs: 2000,
			ReconnectFactor:    2,
			ReconnectJitter:    0.2,
			ReconnectMaxMs:     30000,
			KeepaliveInterval:  10,
			DialTimeout:        5,
			LostNoticeAfter:    10,
		},
		Provision: ProvisionConfig{
			ScanPollIntervalMs: 1000,
			ScanMaxWait:        15,
		},
		OTA: OTAConfig{
			PollInterval: 2,
			MaxWait:      300,
		},
		Limits: LimitsConfig{
			TPDMin: 100,
			TPDMax: 3000,
			DurMin: 1,
			DurMax: 120,
		},
		Panel: PanelConfig{
			Enabled:  true,
			Listen:   "127.0.0.1:18081",
			TokenTTL: 24 * 3600,
		},
		Database: DatabaseConfig{
			Path: defaultDBPath(),
		},
		MQTT: MQTTConfig{
			Port:        1883,
			ClientID:    "horusctl",
			TopicPrefix: "horus",
		},
	}
}

func defaultConfigPath() string {
	if runtime.GOOS == "linux" {
		return "/etc/horus/config.json"
	}
	if wd, err := os.Getwd(); err == nil && strings.TrimSpace(wd) != "" {
		return filepath.Join(wd, "config.json")
	}
	return filepath.Join(os.TempDir(), "horus", "config.json")
}

func defaultDBPath() string {
	if runtime.GOOS == "linux" {
		return "/var/lib/horus/cache.db"
	}
	if wd, err := os.Getwd(); err == nil && strings.TrimSpace(wd) != "" {
		return filepath.Join(wd, "data", "cache.db")
	}
	return filepath.Join(os.TempDir(), "horus", "cache.db")
}

// GetConfigPath 获取配置文件路径（HORUS_CONFIG_PATH 优先）
func GetConfigPath() string {
	configPath := os.Getenv("HORUS_CONFIG_PATH")
	if configPath == "" {
		configPath = defaultConfigPath()
	}
	return configPath
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// LoadConfig 加载配置；文件不存在时写入默认配置
func LoadConfig() (*Config, error) {
	configPath := GetConfigPath()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnv()
		if err := cfg.Save(); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	// 先铺默认值，文件里缺失的字段保持默认
	cfg := DefaultConfig()
	if isYAML(configPath) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", configPath, err)
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("HORUS_CONTROLLER")); v != "" {
		c.Controller.Address = v
	}
	if v := strings.TrimSpace(os.Getenv("HORUS_PANEL_LISTEN")); v != "" {
		c.Panel.Listen = v
	}
	if v := strings.TrimSpace(os.Getenv("HORUS_DB")); v != "" {
		c.Database.Path = v
	}
}

// Save 保存配置
func (c *Config) Save() error {
	configPath := GetConfigPath()

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	var (
		data []byte
		err  error
	)
	if isYAML(configPath) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return err
	}
	// 含面板密钥与 MQTT 密码
	return os.WriteFile(configPath, data, 0600)
}

// Validate 验证配置
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Controller.Address) == "" {
		return fmt.Errorf("controller.address 不能为空")
	}
	if _, err := ParseControllerAddr(c.Controller.Address); err != nil {
		return err
	}
	if c.Controller.HTTPTimeout <= 0 {
		return fmt.Errorf("controller.http_timeout 必须大于 0")
	}
	if c.Limits.TPDMin <= 0 || c.Limits.TPDMin > c.Limits.TPDMax {
		return fmt.Errorf("limits.tpd 区间无效: [%d,%d]", c.Limits.TPDMin, c.Limits.TPDMax)
	}
	if c.Limits.DurMin <= 0 || c.Limits.DurMin > c.Limits.DurMax {
		return fmt.Errorf("limits.dur 区间无效: [%d,%d]", c.Limits.DurMin, c.Limits.DurMax)
	}
	if c.Session.ReconnectInitialMs <= 0 {
		return fmt.Errorf("session.reconnect_initial_ms 必须大于 0")
	}
	if c.Session.ReconnectMaxMs <= 0 || c.Session.ReconnectMaxMs < c.Session.ReconnectInitialMs {
		return fmt.Errorf("session.reconnect_max_ms 必须大于 0 且不小于 reconnect_initial_ms: %d", c.Session.ReconnectMaxMs)
	}
	if c.Session.ReconnectFactor < 1 {
		return fmt.Errorf("session.reconnect_factor 不能小于 1")
	}
	if c.Session.ReconnectJitter < 0 {
		return fmt.Errorf("session.reconnect_jitter 不能为负数")
	}
	if c.Session.KeepaliveInterval <= 0 {
		return fmt.Errorf("session.keepalive_interval 必须大于 0")
	}
	if c.Session.LostNoticeAfter <= 0 {
		return fmt.Errorf("session.lost_notice_after 必须大于 0")
	}
	if c.Provision.ScanPollIntervalMs <= 0 || c.Provision.ScanMaxWait <= 0 {
		return fmt.Errorf("provision 轮询参数必须大于 0")
	}
	if c.OTA.PollInterval <= 0 || c.OTA.MaxWait <= 0 {
		return fmt.Errorf("ota 轮询参数必须大于 0")
	}
	if c.Panel.Enabled && strings.TrimSpace(c.Panel.Listen) == "" {
		return fmt.Errorf("panel.listen 不能为空")
	}
	if c.Panel.PasswordHash != "" && len(c.Panel.JWTSecret) < 16 {
		return fmt.Errorf("启用面板密码时 panel.jwt_secret 至少 16 个字符")
	}
	if c.MQTT.Enabled && (strings.TrimSpace(c.MQTT.Server) == "" || c.MQTT.Port <= 0 || c.MQTT.Port > 65535) {
		return fmt.Errorf("mqtt 服务器配置无效: %s:%d", c.MQTT.Server, c.MQTT.Port)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("数据库路径不能为空")
	}
	return nil
}

// ControllerOrigin 主控的 scheme + host[:port]
type ControllerOrigin struct {
	Scheme string // http / https
	Host   string
}

// BaseURL HTTP 接口前缀（无尾部 /）
func (o ControllerOrigin) BaseURL() string {
	return o.Scheme + "://" + o.Host
}

// WebSocketURL 实时通道地址：与页面同源的 /ws
func (o ControllerOrigin) WebSocketURL() string {
	scheme := "ws"
	if o.Scheme == "https" {
		scheme = "wss"
	}
	return scheme + "://" + o.Host + "/ws"
}

// ParseControllerAddr 解析 controller.address；只填 host[:port] 时默认补 http://
func ParseControllerAddr(addr string) (ControllerOrigin, error) {
	addr = strings.TrimSpace(addr)
	scheme := "http"
	switch {
	case strings.HasPrefix(addr, "https://"):
		scheme = "https"
		addr = strings.TrimPrefix(addr, "https://")
	case strings.HasPrefix(addr, "http://"):
		addr = strings.TrimPrefix(addr, "http://")
	}
	addr = strings.TrimRight(addr, "/")
	if addr == "" || strings.ContainsAny(addr, "/?# ") {
		return ControllerOrigin{}, fmt.Errorf("controller.address 无效: %q", addr)
	}
	return ControllerOrigin{Scheme: scheme, Host: addr}, nil
}

// Origin 当前配置的主控地址
func (c *Config) Origin() ControllerOrigin {
	o, err := ParseControllerAddr(c.Controller.Address)
	if err != nil {
		o, _ = ParseControllerAddr(DefaultControllerAddr)
	}
	return o
}

func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.Controller.HTTPTimeout) * time.Second
}

func (c *Config) KeepaliveInterval() time.Duration {
	return time.Duration(c.Session.KeepaliveInterval) * time.Second
}

func (c *Config) LostNoticeAfter() time.Duration {
	return time.Duration(c.Session.LostNoticeAfter) * time.Second
}

func (c *Config) DialTimeout() time.Duration {
	return time.Duration(c.Session.DialTimeout) * time.Second
}

func (c *Config) ScanPollInterval() time.Duration {
	return time.Duration(c.Provision.ScanPollIntervalMs) * time.Millisecond
}

func (c *Config) ScanMaxWait() time.Duration {
	return time.Duration(c.Provision.ScanMaxWait) * time.Second
}

func (c *Config) OTAPollInterval() time.Duration {
	return time.Duration(c.OTA.PollInterval) * time.Second
}

func (c *Config) OTAMaxWait() time.Duration {
	return time.Duration(c.OTA.MaxWait) * time.Second
}

func (c *Config) PanelTokenTTL() time.Duration {
	return time.Duration(c.Panel.TokenTTL) * time.Second
}
