// Package panel 本地控制面板：gin 接口、websocket 推送和 /metrics。
package panel

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/recaner35/HorusByWyntro/config"
	"github.com/recaner35/HorusByWyntro/internal/horus"
	"github.com/recaner35/HorusByWyntro/internal/logger"
	"github.com/recaner35/HorusByWyntro/internal/metrics"
	"github.com/recaner35/HorusByWyntro/internal/ota"
	"github.com/recaner35/HorusByWyntro/internal/protocol"
	"github.com/recaner35/HorusByWyntro/internal/provision"
	"github.com/recaner35/HorusByWyntro/internal/session"
	"github.com/recaner35/HorusByWyntro/internal/store"
)

// Server 面板服务
type Server struct {
	config *config.Config
	client *horus.Client
	cache  *store.Store
	hub    *Hub
	router *gin.Engine

	unsubscribe []func()
}

// NewServer 创建面板服务并订阅会话事件
func NewServer(cfg *config.Config, client *horus.Client, cache *store.Store) *Server {
	s := &Server{
		config: cfg,
		client: client,
		cache:  cache,
		hub:    NewHub(),
	}
	s.initRouter()
	s.subscribe()
	return s
}

// Router 获取路由
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) subscribe() {
	c := s.client
	s.unsubscribe = append(s.unsubscribe,
		c.Session.OnState(func(st session.State) { s.hub.Broadcast("session", st.String()) }),
		c.Device.Subscribe(func(ds protocol.DeviceSettings) { s.hub.Broadcast("settings", ds) }),
		c.Roster.Subscribe(func(peers []protocol.Peer) { s.hub.Broadcast("peers", peers) }),
		c.WiFi.Subscribe(func(v provision.View) { s.hub.Broadcast("wifi", v) }),
		c.Update.Subscribe(func(v ota.View) { s.hub.Broadcast("ota", v) }),
		c.OnNotice(func(n horus.Notice) { s.hub.Broadcast("notice", n) }),
	)
}

// initRouter 初始化路由
func (s *Server) initRouter() {
	gin.SetMode(gin.ReleaseMode)
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(corsMiddleware())

	api := s.router.Group("/api/v1")
	{
		api.POST("/auth/login", s.handleLogin)

		auth := api.Group("", s.authMiddleware())
		auth.GET("/status", s.handleStatus)
		auth.GET("/info", s.handleInfo)
		auth.GET("/notices", s.handleNotices)
		auth.GET("/events", s.handleEvents)

		// 主机
		auth.POST("/device/start", s.handleStart)
		auth.POST("/device/stop", s.handleStop)
		auth.POST("/device/toggle", s.handleToggle)
		auth.POST("/device/settings", s.handleSettings)
		auth.POST("/device/rename", s.handleRename)
		auth.POST("/device/reboot", s.handleReboot)

		// 从机
		auth.GET("/peers", s.handlePeers)
		auth.POST("/peers/refresh", s.handlePeersRefresh)
		auth.POST("/peers/:mac/running", s.handlePeerRunning)
		auth.POST("/peers/:mac/settings", s.handlePeerSettings)
		auth.DELETE("/peers/:mac", s.handlePeerDelete)

		// 配网
		auth.GET("/wifi", s.handleWiFiView)
		auth.POST("/wifi/scan", s.handleWiFiScan)
		auth.POST("/wifi/cancel", s.handleWiFiCancel)
		auth.POST("/wifi/select", s.handleWiFiSelect)
		auth.POST("/wifi/connect", s.handleWiFiConnect)
		auth.GET("/wifi/status", s.handleWiFiStatus)
		auth.GET("/setup", s.handleSetupState)
		auth.POST("/setup/skip", s.handleSetupSkip)

		// 升级
		auth.GET("/update", s.handleUpdateView)
		auth.POST("/update", s.handleUpdateTrigger)
		auth.POST("/update/cancel", s.handleUpdateCancel)
	}

	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})))
	s.router.GET("/ws", s.authMiddleware(), s.handleWebSocket)
}

// Run 监听直到 ctx 结束
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Panel.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("控制面板监听 %s", s.config.Panel.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Close()
	return err
}

// Close 取消订阅并断开面板连接
func (s *Server) Close() {
	for _, fn := range s.unsubscribe {
		fn()
	}
	s.unsubscribe = nil
	s.hub.Close()
}

// corsMiddleware CORS中间件
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// authMiddleware JWT认证中间件；未设置面板密码时不鉴权（默认只监听本机）
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.config.Panel.PasswordHash == "" {
			c.Next()
			return
		}

		token := ""
		if authHeader := c.GetHeader("Authorization"); authHeader != "" {
			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse(401, "Token格式错误"))
				return
			}
			token = parts[1]
		} else {
			// 浏览器 websocket 无法带 header
			token = c.Query("token")
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse(401, "未授权"))
			return
		}

		claims, err := VerifyToken([]byte(s.config.Panel.JWTSecret), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse(401, "Token无效"))
			return
		}
		if jti, ok := claims["jti"].(string); ok {
			c.Set("token_id", jti)
		}
		c.Next()
	}
}
