package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "3s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述进程级运行参数：监听端口、日志、缓存目录与回源行为。
type GlobalConfig struct {
	ListenPort    int    `mapstructure:"ListenPort"`
	LogLevel      string `mapstructure:"LogLevel"`
	LogFilePath   string `mapstructure:"LogFilePath"`
	LogMaxSize    int    `mapstructure:"LogMaxSize"`
	LogMaxBackups int    `mapstructure:"LogMaxBackups"`
	LogCompress   bool   `mapstructure:"LogCompress"`
	// StoragePath 是磁盘缓存根目录，条目按 <StoragePath>/<id>/<filename> 落盘。
	StoragePath string `mapstructure:"StoragePath"`
	// DatabasePath 指向 SQLite 条目库文件。
	DatabasePath string `mapstructure:"DatabasePath"`
	// DownloadPrefix 是下载入口的路由前缀，例如 /dl/<id> 或 /dl/https://...
	DownloadPrefix string `mapstructure:"DownloadPrefix"`
	// ChunkSize 控制回源/本地读取时每个分块的最大字节数。
	ChunkSize int `mapstructure:"ChunkSize"`
	// HandoffTimeout 是生产者向消费者交付单个分块的最长等待时间，超时视为客户端断开。
	HandoffTimeout Duration `mapstructure:"HandoffTimeout"`
	// UpstreamTimeout 约束回源建连、等待响应头以及两次正文读取之间的空闲时间，不限制正文总时长。
	UpstreamTimeout       Duration `mapstructure:"UpstreamTimeout"`
	DefaultExpirationDays int      `mapstructure:"DefaultExpirationDays"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
}

// DefaultExpiration 返回新条目的默认有效期。
func (c *Config) DefaultExpiration() time.Duration {
	if c == nil {
		return 24 * time.Hour
	}
	return time.Duration(c.Global.DefaultExpirationDays) * 24 * time.Hour
}
