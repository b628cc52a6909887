package envfile

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// envExample 首次运行时写到二进制同目录的 .env 模板
const envExample = `# horusctl 环境变量（首次运行时自动生成）
#
# 已在系统环境中设置的变量不会被这里覆盖。

# 主控地址：配网热点模式下是 192.168.4.1，入网后一般是 horus-<后缀>.local
HORUS_CONTROLLER=

# 配置文件路径（默认 linux 下 /etc/horus/config.json；.yaml/.yml 后缀按 YAML 读写）
HORUS_CONFIG_PATH=

# 本地控制面板监听地址
HORUS_PANEL_LISTEN=

# 本地缓存库路径
HORUS_DB=

# 日志目录与级别（debug/info/warn/error）
HORUS_LOG_DIR=
HORUS_LOG_LEVEL=info
`

// Bootstrap 会在 exe 同目录下：
// - 若不存在 .env，则写入内置模板
// - 若存在 .env，则加载其中未被外部环境设置的变量
func Bootstrap() {
	exe, err := os.Executable()
	if err != nil {
		_ = ensureAndLoad(filepath.Join(".", ".env"))
		return
	}
	_ = ensureAndLoad(filepath.Join(filepath.Dir(exe), ".env"))
}

func ensureAndLoad(dotenvPath string) error {
	if _, err := os.Stat(dotenvPath); os.IsNotExist(err) {
		_ = os.MkdirAll(filepath.Dir(dotenvPath), 0o755)
		_ = os.WriteFile(dotenvPath, []byte(envExample), 0o644)
	}
	return Load(dotenvPath)
}

// Load 解析 dotenv（KEY=VALUE），只会 set 尚未在外部环境存在的键。
// 空值不写入，避免把模板里的占位项当成显式配置。
func Load(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	sc := bufio.NewScanner(bytes.NewReader(raw))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		// 支持 export KEY=VALUE
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		v = strings.Trim(strings.TrimSpace(v), `"'`)
		if k == "" || v == "" {
			continue
		}
		if _, exists := os.LookupEnv(k); exists {
			continue
		}
		if err := os.Setenv(k, v); err != nil {
			return fmt.Errorf("setenv %s: %w", k, err)
		}
	}
	return sc.Err()
}
