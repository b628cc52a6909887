package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/recaner35/HorusByWyntro/config"
	"github.com/recaner35/HorusByWyntro/internal/controllertest"
	"github.com/recaner35/HorusByWyntro/internal/horus"
	"github.com/recaner35/HorusByWyntro/internal/logger"
	"github.com/recaner35/HorusByWyntro/internal/mqttbridge"
	"github.com/recaner35/HorusByWyntro/internal/ota"
	"github.com/recaner35/HorusByWyntro/internal/panel"
	"github.com/recaner35/HorusByWyntro/internal/provision"
	"github.com/recaner35/HorusByWyntro/internal/store"
)

// commonFlags 所有连主控的命令共用
type commonFlags struct {
	controller string
	timeout    time.Duration
}

func (c *commonFlags) bind(fs *pflag.FlagSet) {
	fs.StringVarP(&c.controller, "controller", "c", "", "主控地址（覆盖配置与 HORUS_CONTROLLER）")
	fs.DurationVar(&c.timeout, "timeout", 20*time.Second, "等待主控的超时时间")
}

func (c *commonFlags) load() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}
	if c.controller != "" {
		cfg.Controller.Address = c.controller
	}
	return cfg, cfg.Validate()
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func openCache(path string) (*store.Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return store.Open(path)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func cmdRun(args []string) error {
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	var common commonFlags
	common.bind(fs)
	listen := fs.String("panel-listen", "", "控制面板监听地址（覆盖配置）")
	noPanel := fs.Bool("no-panel", false, "不启动控制面板")
	noCache := fs.Bool("no-cache", false, "不使用本地缓存")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := common.load()
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.Panel.Listen = *listen
	}
	if *noPanel {
		cfg.Panel.Enabled = false
	}

	var (
		cache *store.Store
		opts  []horus.Option
	)
	if !*noCache {
		cache, err = openCache(cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("打开本地缓存失败: %w", err)
		}
		defer func() {
			if err := cache.Close(); err != nil {
				logger.Error("关闭本地缓存失败: %v", err)
			}
		}()
		opts = append(opts, horus.WithCache(cache))
	}

	client, err := horus.New(cfg, opts...)
	if err != nil {
		return err
	}
	logger.Info("启动 Horus 客户端，主控 %s", client.Origin().BaseURL())

	ctx, stop := signalContext()
	defer stop()

	var wg sync.WaitGroup
	errCh := make(chan error, 3)
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
				stop()
			}
		}()
	}

	start("session", client.Run)
	if cfg.Panel.Enabled {
		start("panel", panel.NewServer(cfg, client, cache).Run)
	}
	if cfg.MQTT.Enabled {
		base := mqttbridge.TopicBase(cfg.MQTT.TopicPrefix, client.Origin().Host)
		conn := mqttbridge.NewConn(&cfg.MQTT, base+"/"+mqttbridge.TopicStatus)
		start("mqtt", mqttbridge.New(client, conn, cfg.MQTT.TopicPrefix).Run)
	}

	<-ctx.Done()
	logger.Info("正在关闭服务...")
	wg.Wait()
	close(errCh)
	if err, ok := <-errCh; ok {
		return err
	}
	logger.Info("服务已关闭")
	return nil
}

// session 启动会话并等到 OPEN；返回的 stop 会结束会话并等待退出
func session(cfg *config.Config, timeout time.Duration) (*horus.Client, func(), error) {
	client, err := horus.New(cfg)
	if err != nil {
		return nil, nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = client.Run(ctx)
	}()
	stop := func() {
		cancel()
		<-done
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, timeout)
	defer waitCancel()
	if err := client.WaitOpen(waitCtx); err != nil {
		stop()
		return nil, nil, err
	}
	return client, stop, nil
}

func cmdStatus(args []string) error {
	fs := pflag.NewFlagSet("status", pflag.ContinueOnError)
	var common commonFlags
	common.bind(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := common.load()
	if err != nil {
		return err
	}
	client, stop, err := session(cfg, common.timeout)
	if err != nil {
		return err
	}
	defer stop()

	// 主控连上后会先推完整状态，再回应 check_peers
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && !(client.Device.Seen() && client.Roster.Received()) {
		time.Sleep(50 * time.Millisecond)
	}
	return printJSON(client.Status())
}

func cmdScan(args []string) error {
	fs := pflag.NewFlagSet("scan", pflag.ContinueOnError)
	var common commonFlags
	common.bind(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := common.load()
	if err != nil {
		return err
	}
	client, err := horus.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	final := make(chan provision.View, 1)
	unsubscribe := client.WiFi.Subscribe(func(v provision.View) {
		if v.State.Terminal() {
			select {
			case final <- v:
			default:
			}
		}
	})
	defer unsubscribe()

	if err := client.WiFi.StartScan(ctx); err != nil {
		return err
	}
	select {
	case v := <-final:
		if v.State != provision.Done {
			return fmt.Errorf("扫描结束: %s %s", v.State, v.Error)
		}
		for _, n := range v.Results {
			lock := " "
			if n.Secure {
				lock = "*"
			}
			fmt.Printf("%4d dBm %s %s\n", n.RSSI, lock, n.SSID)
		}
		return nil
	case <-ctx.Done():
		client.WiFi.Cancel()
		return ctx.Err()
	}
}

func cmdWiFiConnect(args []string) error {
	fs := pflag.NewFlagSet("wifi-connect", pflag.ContinueOnError)
	var common commonFlags
	common.bind(fs)
	ssid := fs.String("ssid", "", "网络名称")
	pass := fs.String("pass", "", "密码（开放网络留空）")
	name := fs.String("name", "", "设备名（可选，决定入网后的 .local 地址）")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := common.load()
	if err != nil {
		return err
	}
	client, err := horus.New(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), common.timeout)
	defer cancel()
	res, err := client.WiFi.Connect(ctx, *ssid, *pass, *name)
	if err != nil {
		return err
	}
	fmt.Printf("%s，设备入网后访问 %s\n", res.Outcome, res.Redirect)
	return nil
}

func cmdUpdate(args []string) error {
	fs := pflag.NewFlagSet("update", pflag.ContinueOnError)
	var common commonFlags
	common.bind(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := common.load()
	if err != nil {
		return err
	}
	client, err := horus.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	final := make(chan ota.View, 1)
	unsubscribe := client.Update.Subscribe(func(v ota.View) {
		if !v.State.Active() {
			select {
			case final <- v:
			default:
			}
		}
	})
	defer unsubscribe()

	if err := client.Update.Trigger(ctx); err != nil {
		return err
	}
	select {
	case v := <-final:
		fmt.Println(v.Message)
		if v.State == ota.Error || v.State == ota.Busy {
			return errors.New(v.Message)
		}
		return nil
	case <-ctx.Done():
		client.Update.Cancel()
		return ctx.Err()
	}
}

func cmdVersion(args []string) error {
	fs := pflag.NewFlagSet("version", pflag.ContinueOnError)
	var common commonFlags
	common.bind(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := common.load()
	if err != nil {
		return err
	}
	client, err := horus.New(cfg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), common.timeout)
	defer cancel()
	v, err := client.API.Version(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("horusctl %s\ncontroller %s firmware %s\n", version, client.Origin().BaseURL(), v)
	return nil
}

func cmdHashPassword(args []string) error {
	fs := pflag.NewFlagSet("hash-password", pflag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	password := strings.Join(fs.Args(), " ")
	if password == "" {
		fmt.Fprint(os.Stderr, "密码: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return err
		}
		password = strings.TrimRight(line, "\r\n")
	}
	if password == "" {
		return errors.New("密码不能为空")
	}
	hash, err := panel.HashPassword(password)
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}

func cmdLast(args []string) error {
	fs := pflag.NewFlagSet("last", pflag.ContinueOnError)
	var common commonFlags
	common.bind(fs)
	events := fs.Int("events", 20, "打印最近的事件条数")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := common.load()
	if err != nil {
		return err
	}
	cache, err := openCache(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer cache.Close()

	host := cfg.Origin().Host
	settings, ok, err := cache.LastSettings(host)
	if err != nil {
		return err
	}
	peers, err := cache.Peers(host)
	if err != nil {
		return err
	}
	recent, err := cache.RecentEvents(*events)
	if err != nil {
		return err
	}
	out := map[string]any{"controller": host, "peers": peers, "events": recent}
	if ok {
		out["settings"] = settings
	}
	return printJSON(out)
}

func cmdSimulate(args []string) error {
	fs := pflag.NewFlagSet("simulate", pflag.ContinueOnError)
	listen := fs.String("listen", "127.0.0.1:8080", "模拟主控监听地址")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctrl := controllertest.New()
	srv := &http.Server{
		Addr:              *listen,
		Handler:           ctrl.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ctx, stop := signalContext()
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("模拟主控监听 %s", *listen)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
