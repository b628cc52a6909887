package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	// MaxLogSizeBytes 单文件最大 5MB，超过就轮转
	MaxLogSizeBytes int64 = 5 * 1024 * 1024
	// MaxRotatedFiles 保留最近 N 份轮转文件（不含当前 client.log）
	MaxRotatedFiles = 2

	defaultLogDir = "/var/log/horus"
	logFileName   = "client.log"
)

var (
	mu      sync.RWMutex
	sugar   = zap.NewNop().Sugar()
	base    *zap.Logger
	logFile *rotatingFile
)

// InitLogger 初始化日志系统：同时写控制台和日志文件。
// 日志目录取 HORUS_LOG_DIR，默认 /var/log/horus；无权限时降级到临时目录。
// 级别取 HORUS_LOG_LEVEL（debug/info/warn/error），默认 info。
func InitLogger() error {
	logDir := os.Getenv("HORUS_LOG_DIR")
	if logDir == "" {
		logDir = defaultLogDir
	}
	f, err := openRotating(logDir)
	if err != nil {
		fallback := filepath.Join(os.TempDir(), "horus")
		f, err = openRotating(fallback)
		if err != nil {
			return err
		}
	}

	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if lv := strings.TrimSpace(os.Getenv("HORUS_LOG_LEVEL")); lv != "" {
		if err := level.UnmarshalText([]byte(lv)); err != nil {
			return fmt.Errorf("invalid HORUS_LOG_LEVEL %q: %w", lv, err)
		}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006/01/02 15:04:05")
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stdout), level),
		zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(f), level),
	)
	l := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))

	mu.Lock()
	defer mu.Unlock()
	if logFile != nil {
		_ = logFile.Close()
	}
	logFile = f
	base = l
	sugar = l.Sugar()
	return nil
}

func current() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return sugar
}

// Info 记录信息日志
func Info(format string, v ...interface{}) {
	current().Infof(format, v...)
}

// Warn 记录警告日志
func Warn(format string, v ...interface{}) {
	current().Warnf(format, v...)
}

// Error 记录错误日志
func Error(format string, v ...interface{}) {
	current().Errorf(format, v...)
}

// Debug 记录调试日志
func Debug(format string, v ...interface{}) {
	current().Debugf(format, v...)
}

// Fatal 记录致命错误并退出
func Fatal(format string, v ...interface{}) {
	current().Errorf(format, v...)
	Close()
	os.Exit(1)
}

// Close 刷盘并关闭日志文件
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if base != nil {
		_ = base.Sync()
	}
	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}
	sugar = zap.NewNop().Sugar()
	base = nil
}

// CurrentLogPath 返回当前实际写入的日志文件路径
func CurrentLogPath() string {
	mu.RLock()
	defer mu.RUnlock()
	if logFile != nil {
		return logFile.path
	}
	logDir := os.Getenv("HORUS_LOG_DIR")
	if logDir == "" {
		logDir = defaultLogDir
	}
	return filepath.Join(logDir, logFileName)
}

// rotatingFile 按大小轮转的日志文件，实现 zapcore.WriteSyncer
type rotatingFile struct {
	mu        sync.Mutex
	dir       string
	path      string
	f         *os.File
	size      int64
	lastCheck time.Time
}

func openRotating(dir string) (*rotatingFile, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	r := &rotatingFile{dir: dir, path: filepath.Join(dir, logFileName)}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *rotatingFile) open() error {
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	r.f = f
	r.size = st.Size()
	return nil
}

func (r *rotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return len(p), nil
	}
	// 限流：最多 1 秒判断一次是否需要轮转
	if now := time.Now(); now.Sub(r.lastCheck) >= time.Second {
		r.lastCheck = now
		if r.size >= MaxLogSizeBytes {
			r.rotateLocked()
		}
	}
	n, err := r.f.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *rotatingFile) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return nil
	}
	return r.f.Sync()
}

func (r *rotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}

func (r *rotatingFile) rotateLocked() {
	_ = r.f.Close()
	rotated := filepath.Join(r.dir, fmt.Sprintf("client.%s.log", time.Now().Format("20060102-150405")))
	_ = os.Rename(r.path, rotated)
	if err := r.open(); err != nil {
		r.f = nil
		return
	}
	cleanupRotatedLogs(r.dir)
}

func cleanupRotatedLogs(dir string) {
	// 清理旧轮转日志：client.YYYYMMDD-HHMMSS.log
	matches, _ := filepath.Glob(filepath.Join(dir, "client.*.log"))
	if len(matches) <= MaxRotatedFiles {
		return
	}
	type fi struct {
		path string
		mod  time.Time
	}
	arr := make([]fi, 0, len(matches))
	for _, p := range matches {
		if st, err := os.Stat(p); err == nil {
			arr = append(arr, fi{path: p, mod: st.ModTime()})
		}
	}
	sort.Slice(arr, func(i, j int) bool { return arr[i].mod.After(arr[j].mod) })
	for i := MaxRotatedFiles; i < len(arr); i++ {
		_ = os.Remove(arr[i].path)
	}
}
