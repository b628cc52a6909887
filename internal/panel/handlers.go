package panel

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/recaner35/HorusByWyntro/internal/dispatch"
	"github.com/recaner35/HorusByWyntro/internal/ota"
	"github.com/recaner35/HorusByWyntro/internal/provision"
	"github.com/recaner35/HorusByWyntro/internal/roster"
)

// writeError 把领域错误映射为 HTTP 状态码
func writeError(c *gin.Context, err error) {
	code := http.StatusBadGateway
	switch {
	case errors.Is(err, dispatch.ErrNotDelivered):
		code = http.StatusServiceUnavailable
	case errors.Is(err, provision.ErrScanInProgress), errors.Is(err, provision.ErrSubmitting),
		errors.Is(err, ota.ErrUpdateInProgress):
		code = http.StatusConflict
	case errors.Is(err, roster.ErrUnknownPeer):
		code = http.StatusNotFound
	case errors.Is(err, dispatch.ErrEmptyName),
		errors.Is(err, dispatch.ErrNothingToSend),
		errors.Is(err, dispatch.ErrInvalidDir),
		errors.Is(err, dispatch.ErrInvalidNumber),
		errors.Is(err, dispatch.ErrEmptyTarget),
		errors.Is(err, dispatch.ErrIncompleteTuple),
		errors.Is(err, provision.ErrEmptySSID):
		code = http.StatusBadRequest
	}
	c.JSON(code, ErrorResponse(code, err.Error()))
}

// handleLogin 面板登录
func (s *Server) handleLogin(c *gin.Context) {
	var req struct {
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse(400, "参数错误: "+err.Error()))
		return
	}
	if s.config.Panel.PasswordHash == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse(400, "面板未设置密码，无需登录"))
		return
	}
	if !VerifyPassword(req.Password, s.config.Panel.PasswordHash) {
		c.JSON(http.StatusUnauthorized, ErrorResponse(401, "密码错误"))
		return
	}
	ttl := s.config.PanelTokenTTL()
	token, err := GenerateToken([]byte(s.config.Panel.JWTSecret), ttl)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse(500, "生成Token失败"))
		return
	}
	c.JSON(http.StatusOK, SuccessResponse(gin.H{
		"token":      token,
		"expires_in": int(ttl.Seconds()),
	}))
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, SuccessResponse(s.client.Status()))
}

// handleInfo 主控固件版本与地址
func (s *Server) handleInfo(c *gin.Context) {
	version, err := s.client.API.Version(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse(gin.H{
		"controller": s.client.Origin().BaseURL(),
		"version":    version,
	}))
}

func (s *Server) handleNotices(c *gin.Context) {
	c.JSON(http.StatusOK, SuccessResponse(s.client.Notices()))
}

func (s *Server) handleEvents(c *gin.Context) {
	if s.cache == nil {
		c.JSON(http.StatusOK, SuccessResponse([]any{}))
		return
	}
	events, err := s.cache.RecentEvents(100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse(500, err.Error()))
		return
	}
	c.JSON(http.StatusOK, SuccessResponse(events))
}

func (s *Server) handleStart(c *gin.Context) {
	s.reply(c, s.client.Dispatcher.Start())
}

func (s *Server) handleStop(c *gin.Context) {
	s.reply(c, s.client.Dispatcher.Stop())
}

func (s *Server) handleToggle(c *gin.Context) {
	s.reply(c, s.client.Dispatcher.Toggle())
}

func (s *Server) reply(c *gin.Context, err error) {
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse(nil))
}

// handleSettings 数值可以是数字或数字字符串（表单原样转发）
func (s *Server) handleSettings(c *gin.Context) {
	var req struct {
		TPD    any     `json:"tpd"`
		Dur    any     `json:"dur"`
		Dir    any     `json:"dir"`
		Name   *string `json:"name"`
		EspNow *bool   `json:"espnow"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse(400, "参数错误: "+err.Error()))
		return
	}
	s.reply(c, s.client.Device.DispatchSettings(dispatch.SettingsIntent{
		TPD: req.TPD, Dur: req.Dur, Dir: req.Dir, Name: req.Name, EspNow: req.EspNow,
	}))
}

func (s *Server) handleRename(c *gin.Context) {
	var req struct {
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse(400, "参数错误: "+err.Error()))
		return
	}
	host, err := s.client.Device.Rename(req.Name)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse(gin.H{"redirect": "http://" + host}))
}

func (s *Server) handleReboot(c *gin.Context) {
	s.reply(c, s.client.API.Reboot(c.Request.Context()))
}

func (s *Server) handlePeers(c *gin.Context) {
	c.JSON(http.StatusOK, SuccessResponse(s.client.Roster.Peers()))
}

func (s *Server) handlePeersRefresh(c *gin.Context) {
	s.reply(c, s.client.Dispatcher.CheckPeers())
}

func (s *Server) handlePeerRunning(c *gin.Context) {
	var req struct {
		Running *bool `json:"running" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse(400, "参数错误: "+err.Error()))
		return
	}
	s.reply(c, s.client.Roster.SendPeerCommand(c.Param("mac"), roster.SetRunning{Running: *req.Running}))
}

func (s *Server) handlePeerSettings(c *gin.Context) {
	var req struct {
		TPD any `json:"tpd"`
		Dur any `json:"dur"`
		Dir any `json:"dir"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse(400, "参数错误: "+err.Error()))
		return
	}
	s.reply(c, s.client.Roster.SendPeerCommand(c.Param("mac"), roster.UpdateSettings{
		TPD: req.TPD, Dur: req.Dur, Dir: req.Dir,
	}))
}

func (s *Server) handlePeerDelete(c *gin.Context) {
	s.reply(c, s.client.Roster.SendPeerCommand(c.Param("mac"), roster.Delete{}))
}

func (s *Server) handleWiFiView(c *gin.Context) {
	c.JSON(http.StatusOK, SuccessResponse(s.client.WiFi.Snapshot()))
}

func (s *Server) handleWiFiScan(c *gin.Context) {
	if err := s.client.WiFi.StartScan(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, NewResponse(202, "scan started", s.client.WiFi.Snapshot()))
}

func (s *Server) handleWiFiCancel(c *gin.Context) {
	s.client.WiFi.Cancel()
	c.JSON(http.StatusOK, SuccessResponse(s.client.WiFi.Snapshot()))
}

func (s *Server) handleWiFiSelect(c *gin.Context) {
	var req struct {
		SSID string `json:"ssid"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse(400, "参数错误: "+err.Error()))
		return
	}
	s.reply(c, s.client.WiFi.Select(req.SSID))
}

func (s *Server) handleWiFiConnect(c *gin.Context) {
	var req struct {
		SSID string `json:"ssid"`
		Pass string `json:"pass"`
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse(400, "参数错误: "+err.Error()))
		return
	}
	res, err := s.client.WiFi.Connect(c.Request.Context(), req.SSID, req.Pass, strings.TrimSpace(req.Name))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse(gin.H{
		"outcome":  res.Outcome.String(),
		"redirect": res.Redirect,
	}))
}

func (s *Server) handleWiFiStatus(c *gin.Context) {
	st, err := s.client.WiFi.Status(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse(st))
}

func (s *Server) handleSetupState(c *gin.Context) {
	ds, err := s.client.WiFi.DeviceState(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse(ds))
}

func (s *Server) handleSetupSkip(c *gin.Context) {
	redirect, err := s.client.WiFi.SkipSetup(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse(gin.H{"redirect": redirect}))
}

func (s *Server) handleUpdateView(c *gin.Context) {
	c.JSON(http.StatusOK, SuccessResponse(s.client.Update.Snapshot()))
}

func (s *Server) handleUpdateTrigger(c *gin.Context) {
	if err := s.client.Update.Trigger(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, NewResponse(202, "update requested", s.client.Update.Snapshot()))
}

func (s *Server) handleUpdateCancel(c *gin.Context) {
	s.client.Update.Cancel()
	c.JSON(http.StatusOK, SuccessResponse(s.client.Update.Snapshot()))
}
