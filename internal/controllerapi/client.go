package controllerapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// StatusError 主控返回了非预期的 HTTP 状态码
type StatusError struct {
	Op     string
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s status=%s", e.Op, e.Status)
}

// IsStatus err 是否为 HTTP 状态错误（而非传输错误）
func IsStatus(err error) bool {
	var se *StatusError
	return errors.As(err, &se)
}

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func (c *Client) ensureHTTP() {
	if c.HTTP == nil {
		c.HTTP = &http.Client{Timeout: 6 * time.Second}
	}
}

func (c *Client) url(path string) (string, error) {
	base := strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if base == "" {
		return "", fmt.Errorf("controller base url empty")
	}
	return base + path, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	c.ensureHTTP()
	u, err := c.url(path)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return resp, nil
}

func (c *Client) getJSON(ctx context.Context, op, path string, out any) error {
	resp, err := c.do(ctx, op, http.MethodGet, path, nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return &StatusError{Op: op, Code: resp.StatusCode, Status: resp.Status}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s decode: %w", op, err)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, op, path string, out any) error {
	resp, err := c.do(ctx, op, http.MethodPost, path, nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return &StatusError{Op: op, Code: resp.StatusCode, Status: resp.Status}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s decode: %w", op, err)
	}
	return nil
}

// Version 固件版本
func (c *Client) Version(ctx context.Context) (string, error) {
	var out struct {
		Version string `json:"version"`
	}
	if err := c.getJSON(ctx, "controller version", "/api/version", &out); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.Version), nil
}

// DeviceState 配网模式标志与主机名后缀
type DeviceState struct {
	Setup  bool   `json:"setup"`
	Suffix string `json:"suffix"`
}

func (c *Client) DeviceState(ctx context.Context) (DeviceState, error) {
	var out DeviceState
	err := c.getJSON(ctx, "controller device-state", "/api/device-state", &out)
	return out, err
}

// Network 扫描到的一个 WiFi
type Network struct {
	SSID   string `json:"ssid"`
	RSSI   int    `json:"rssi"`
	Secure bool   `json:"secure"`
}

// TriggerScan 请求主控开始扫描。started=false 表示主控已在扫描中（2xx 非 202 或 409）。
func (c *Client) TriggerScan(ctx context.Context) (started bool, err error) {
	const op = "controller wifi-scan"
	resp, err := c.do(ctx, op, http.MethodGet, "/api/wifi-scan", nil, "")
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	switch {
	case resp.StatusCode == http.StatusAccepted:
		return true, nil
	case resp.StatusCode/100 == 2, resp.StatusCode == http.StatusConflict:
		return false, nil
	}
	return false, &StatusError{Op: op, Code: resp.StatusCode, Status: resp.Status}
}

// ScanResults 当前扫描结果；空列表表示仍在扫描
func (c *Client) ScanResults(ctx context.Context) ([]Network, error) {
	var out []Network
	if err := c.getJSON(ctx, "controller wifi-list", "/api/wifi-list", &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []Network{}
	}
	return out, nil
}

// Credentials 配网表单
type Credentials struct {
	SSID string
	Pass string
	Name string // 可选：同时设置设备名
}

// ConnectWiFi 提交配网表单。主控切网时热点会立刻消失，所以传输错误不一定代表失败，
// 调用方用 IsStatus 区分。
func (c *Client) ConnectWiFi(ctx context.Context, cred Credentials) error {
	const op = "controller wifi-connect"
	form := url.Values{}
	form.Set("ssid", cred.SSID)
	form.Set("pass", cred.Pass)
	if name := strings.TrimSpace(cred.Name); name != "" {
		form.Set("name", name)
	}
	resp, err := c.do(ctx, op, http.MethodPost, "/api/wifi-connect",
		strings.NewReader(form.Encode()), "application/x-www-form-urlencoded")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return &StatusError{Op: op, Code: resp.StatusCode, Status: resp.Status}
	}
	return nil
}

// WiFiStatus 主控的上游 WiFi 状态
type WiFiStatus struct {
	Status string `json:"status"` // connected / connecting / disconnected / failed
	SSID   string `json:"ssid,omitempty"`
	IP     string `json:"ip,omitempty"`
}

func (c *Client) WiFiStatus(ctx context.Context) (WiFiStatus, error) {
	var out WiFiStatus
	err := c.getJSON(ctx, "controller wifi-status", "/api/wifi-status", &out)
	return out, err
}

type statusReply struct {
	Status string `json:"status"`
}

// TriggerUpdate 请求在线升级，返回主控的 status（started/updating/busy/...）
func (c *Client) TriggerUpdate(ctx context.Context) (string, error) {
	var out statusReply
	if err := c.postJSON(ctx, "controller ota-auto", "/api/ota-auto", &out); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.Status), nil
}

// UpdateStatus 升级进度
func (c *Client) UpdateStatus(ctx context.Context) (string, error) {
	var out statusReply
	if err := c.getJSON(ctx, "controller ota-status", "/api/ota-status", &out); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.Status), nil
}

// SkipSetup 跳过配网，主控以热点外的方式继续运行
func (c *Client) SkipSetup(ctx context.Context) error {
	return c.postJSON(ctx, "controller skip-setup", "/api/skip-setup", nil)
}

func (c *Client) Reboot(ctx context.Context) error {
	return c.postJSON(ctx, "controller reboot", "/api/reboot", nil)
}
