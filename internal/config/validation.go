package config

import (
	"errors"
	"strings"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if strings.TrimSpace(g.StoragePath) == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if strings.TrimSpace(g.DatabasePath) == "" {
		return newFieldError("Global.DatabasePath", "不能为空")
	}
	if err := validatePrefix(g.DownloadPrefix); err != nil {
		return err
	}
	if g.ChunkSize <= 0 {
		return newFieldError("Global.ChunkSize", "必须大于 0")
	}
	if g.HandoffTimeout.DurationValue() <= 0 {
		return newFieldError("Global.HandoffTimeout", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.DefaultExpirationDays < 0 {
		return newFieldError("Global.DefaultExpirationDays", "不能为负数")
	}
	return nil
}

func validatePrefix(prefix string) error {
	if !strings.HasPrefix(prefix, "/") {
		return newFieldError("Global.DownloadPrefix", "必须以 / 开头")
	}
	if strings.Trim(prefix, "/") == "" {
		return newFieldError("Global.DownloadPrefix", "不能为根路径")
	}
	if strings.HasPrefix(prefix, "/-/") || prefix == "/-" {
		return newFieldError("Global.DownloadPrefix", "/- 为诊断接口保留")
	}
	if strings.Contains(prefix, " ") {
		return newFieldError("Global.DownloadPrefix", "不允许包含空格")
	}
	return nil
}
