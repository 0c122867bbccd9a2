package cache

import (
	"context"
	"errors"
	"io"
	"time"
)

// Store 负责管理磁盘缓存的写入与清理。磁盘布局遵循：
//
//	<StoragePath>/<EntryID>/<Name>    # 实际正文
//
// 以条目标识符作为目录，避免不同条目因远端文件名相同而互相覆盖。
type Store interface {
	// Put 将上游响应写入缓存，并产出新的 Entry 描述。实现需通过临时文件 + rename
	// 保证写入原子性，并在失败时清理临时文件。可选地根据 opts.ModTime 设置文件时间戳。
	Put(ctx context.Context, locator Locator, body io.Reader, opts PutOptions) (*Entry, error)

	// Remove 删除条目目录及其中全部文件，目录不存在时为 no-op。
	Remove(ctx context.Context, entryID string) error

	// Path 返回 locator 对应的绝对路径，不检查文件是否存在。
	Path(locator Locator) (string, error)

	// Owns 判断给定路径是否位于缓存根目录之内。
	Owns(filePath string) bool
}

// PutOptions 控制写入过程中的可选属性。
type PutOptions struct {
	ModTime time.Time
}

// Locator 唯一定位一个缓存文件（条目标识符 + 文件名）。
type Locator struct {
	EntryID string
	Name    string
}

// Entry 描述一次成功写入的缓存文件。
type Entry struct {
	Locator   Locator `json:"locator"`
	FilePath  string  `json:"file_path"`
	SizeBytes int64   `json:"size_bytes"`
	ModTime   time.Time
}

// ErrInvalidLocator 表示 locator 无法映射到缓存目录内的路径。
var ErrInvalidLocator = errors.New("invalid cache locator")

// DefaultName 在资源名为空或非法时作为落盘文件名。
const DefaultName = "download"
