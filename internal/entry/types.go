package entry

import (
	"errors"
	"os"
	"strings"
	"time"
)

var (
	// ErrNotFound 表示标识符不存在。
	ErrNotFound = errors.New("entry not found")
	// ErrExpired 表示条目存在但已过期，服务层按 NotFound 处理。
	ErrExpired = errors.New("entry expired")
	// ErrAlreadyLocked 表示条目已被其它物化任务持有。
	ErrAlreadyLocked = errors.New("entry already locked")
	// ErrInvalidLocation 表示既没有远端地址也没有本地路径。
	ErrInvalidLocation = errors.New("entry requires a remote or local location")
	// ErrInvalidExpiration 表示有效期天数为负。
	ErrInvalidExpiration = errors.New("expiration delta must not be negative")
)

// Entry 是 files 表中的一行，外加若干派生字段的计算方法。
type Entry struct {
	ID             string
	RemoteLocation string
	LocalLocation  string
	ExpiresAt      time.Time
	DownloadCount  int64
	Locked         bool
	CreatedAt      time.Time
}

// Location 优先返回本地路径，否则返回远端地址。
func (e Entry) Location() string {
	if e.LocalLocation != "" {
		return e.LocalLocation
	}
	return e.RemoteLocation
}

// IsRemote 当条目尚未落盘且存在远端地址时返回 true。
func (e Entry) IsRemote() bool {
	return e.LocalLocation == "" && e.RemoteLocation != ""
}

// FileExists 检查本地文件是否存在；纯远端条目视为存在。
func (e Entry) FileExists() bool {
	if e.LocalLocation != "" {
		info, err := os.Stat(e.LocalLocation)
		return err == nil && !info.IsDir()
	}
	return e.IsRemote()
}

// IsExpired 在 now >= ExpiresAt 时返回 true。
func (e Entry) IsExpired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// IsRemoteLocation 判断注册值是否为远端 URL（包含 scheme 分隔符）。
func IsRemoteLocation(location string) bool {
	return strings.Contains(location, "://")
}
