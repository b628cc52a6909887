package main

import (
	"fmt"
	"log"
	"os"

	"github.com/recaner35/HorusByWyntro/internal/envfile"
	"github.com/recaner35/HorusByWyntro/internal/logger"
)

// version 发布时通过 -ldflags 注入
var version = "dev"

const usage = `horusctl - Horus 主控客户端

用法:
  horusctl <command> [flags]

命令:
  run            保持与主控的会话，提供本地控制面板（可选 MQTT 镜像）
  status         连接主控并打印当前状态
  scan           扫描主控周围的 WiFi
  wifi-connect   提交 WiFi 配网信息
  update         触发主控固件升级并等待结果
  version        打印主控固件版本
  hash-password  生成面板密码的 bcrypt 哈希
  last           打印本地缓存的上次状态与事件
  simulate       启动一个模拟主控（调试用）
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd, args := os.Args[1], os.Args[2:]
	var run func([]string) error
	switch cmd {
	case "run":
		run = cmdRun
	case "status":
		run = cmdStatus
	case "scan":
		run = cmdScan
	case "wifi-connect":
		run = cmdWiFiConnect
	case "update":
		run = cmdUpdate
	case "version":
		run = cmdVersion
	case "hash-password":
		run = cmdHashPassword
	case "last":
		run = cmdLast
	case "simulate":
		run = cmdSimulate
	case "-h", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "未知命令: %s\n\n%s", cmd, usage)
		os.Exit(2)
	}

	envfile.Bootstrap()
	if err := logger.InitLogger(); err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	defer logger.Close()

	if err := run(args); err != nil {
		logger.Error("%s 失败: %v", cmd, err)
		fmt.Fprintf(os.Stderr, "horusctl %s: %v\n", cmd, err)
		logger.Close()
		os.Exit(1)
	}
}
