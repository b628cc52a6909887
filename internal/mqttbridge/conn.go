package mqttbridge

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/recaner35/HorusByWyntro/config"
	"github.com/recaner35/HorusByWyntro/internal/logger"
)

const opTimeout = 5 * time.Second

// MessageHandler 消息处理器
type MessageHandler func(topic string, payload []byte)

// Conn MQTT 连接；Bridge 只依赖这个接口
type Conn interface {
	Connect() error
	Disconnect() error
	IsConnected() bool
	Publish(topic string, retained bool, message interface{}) error
	Subscribe(topic string, handler MessageHandler) error
}

// pahoConn 基于 paho 的实现
type pahoConn struct {
	config      *config.MQTTConfig
	statusTopic string

	mu          sync.RWMutex
	client      mqtt.Client
	connected   bool
	subscribed  map[string]MessageHandler
}

// NewConn 创建 MQTT 连接。statusTopic 用于上线消息与遗嘱（retained）。
func NewConn(cfg *config.MQTTConfig, statusTopic string) Conn {
	return &pahoConn{
		config:      cfg,
		statusTopic: statusTopic,
		subscribed:  make(map[string]MessageHandler),
	}
}

// Connect 连接到 MQTT 服务器
func (c *pahoConn) Connect() error {
	if c.config.Server == "" {
		return fmt.Errorf("MQTT服务器地址未配置")
	}

	c.mu.Lock()
	if c.client != nil {
		c.mu.Unlock()
		return nil
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", c.config.Server, c.config.Port))
	opts.SetClientID(c.config.ClientID)
	if c.config.Username != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
	}
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetWill(c.statusTopic, `{"status":"offline"}`, 1, true)

	opts.OnConnect = func(client mqtt.Client) {
		logger.Info("MQTT连接成功 %s:%d", c.config.Server, c.config.Port)
		c.mu.Lock()
		c.connected = true
		subs := make(map[string]MessageHandler, len(c.subscribed))
		for t, h := range c.subscribed {
			subs[t] = h
		}
		c.mu.Unlock()

		publishRaw(client, c.statusTopic, true, []byte(`{"status":"online"}`))
		// 重连后重新订阅
		for topic, handler := range subs {
			if err := subscribeRaw(client, topic, handler); err != nil {
				logger.Warn("重新订阅 %s 失败: %v", topic, err)
			}
		}
	}
	opts.OnConnectionLost = func(client mqtt.Client, err error) {
		logger.Error("MQTT连接丢失: %v", err)
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
	}

	client := mqtt.NewClient(opts)
	c.client = client
	c.mu.Unlock()

	token := client.Connect()
	if !token.WaitTimeout(opTimeout) {
		// SetConnectRetry 下会在后台继续重试
		logger.Warn("MQTT连接超时，后台继续重试")
		return nil
	}
	if token.Error() != nil {
		return fmt.Errorf("MQTT连接失败: %w", token.Error())
	}
	return nil
}

// Disconnect 发布离线消息后断开
func (c *pahoConn) Disconnect() error {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.connected = false
	c.mu.Unlock()

	if client == nil {
		return nil
	}
	if client.IsConnected() {
		publishRaw(client, c.statusTopic, true, []byte(`{"status":"offline"}`))
	}
	client.Disconnect(250)
	logger.Info("MQTT连接已断开")
	return nil
}

func (c *pahoConn) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.client != nil && c.client.IsConnected()
}

// Publish 发布消息；非 string/[]byte 的消息按 JSON 序列化
func (c *pahoConn) Publish(topic string, retained bool, message interface{}) error {
	if !c.IsConnected() {
		return fmt.Errorf("MQTT未连接")
	}
	payload, err := encodePayload(message)
	if err != nil {
		return err
	}
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()

	token := client.Publish(topic, 1, retained, payload)
	if !token.WaitTimeout(opTimeout) {
		return fmt.Errorf("发布消息超时: %s", topic)
	}
	if token.Error() != nil {
		return fmt.Errorf("发布消息失败: %w", token.Error())
	}
	return nil
}

// Subscribe 订阅主题；未连接时先登记，连上后自动订阅
func (c *pahoConn) Subscribe(topic string, handler MessageHandler) error {
	c.mu.Lock()
	c.subscribed[topic] = handler
	client := c.client
	connected := c.connected
	c.mu.Unlock()

	if client == nil || !connected {
		return nil
	}
	return subscribeRaw(client, topic, handler)
}

func subscribeRaw(client mqtt.Client, topic string, handler MessageHandler) error {
	token := client.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(opTimeout) {
		return fmt.Errorf("订阅主题超时: %s", topic)
	}
	if token.Error() != nil {
		return fmt.Errorf("订阅主题失败: %w", token.Error())
	}
	logger.Info("订阅MQTT主题: %s", topic)
	return nil
}

func publishRaw(client mqtt.Client, topic string, retained bool, payload []byte) {
	token := client.Publish(topic, 1, retained, payload)
	if token.WaitTimeout(opTimeout) && token.Error() != nil {
		logger.Warn("发布 %s 失败: %v", topic, token.Error())
	}
}

func encodePayload(message interface{}) ([]byte, error) {
	switch v := message.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	default:
		b, err := json.Marshal(message)
		if err != nil {
			return nil, fmt.Errorf("序列化消息失败: %w", err)
		}
		return b, nil
	}
}
