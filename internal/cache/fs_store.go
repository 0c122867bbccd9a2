package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// NewStore 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。
func NewStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 串行化同一条目目录内的写入与删除。
type fileStore struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (s *fileStore) Put(ctx context.Context, locator Locator, body io.Reader, opts PutOptions) (*Entry, error) {
	filePath, err := s.Path(locator)
	if err != nil {
		return nil, err
	}

	unlock := s.lockEntry(locator.EntryID)
	defer unlock()

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, err
	}

	tempFile, err := os.CreateTemp(filepath.Dir(filePath), ".cache-*")
	if err != nil {
		return nil, err
	}
	tempName := tempFile.Name()

	written, err := copyWithContext(ctx, tempFile, body)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return nil, err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return nil, err
	}

	modTime := opts.ModTime
	if modTime.IsZero() {
		modTime = time.Now().UTC()
	}
	if err := os.Chtimes(filePath, modTime, modTime); err != nil {
		return nil, err
	}

	return &Entry{
		Locator:   locator,
		FilePath:  filePath,
		SizeBytes: written,
		ModTime:   modTime,
	}, nil
}

func (s *fileStore) Remove(ctx context.Context, entryID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := s.entryDir(entryID)
	if err != nil {
		return err
	}

	unlock := s.lockEntry(entryID)
	defer unlock()

	// RemoveAll 对不存在的目录返回 nil。
	return os.RemoveAll(dir)
}

func (s *fileStore) Path(locator Locator) (string, error) {
	dir, err := s.entryDir(locator.EntryID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, sanitizeName(locator.Name)), nil
}

func (s *fileStore) Owns(filePath string) bool {
	if filePath == "" {
		return false
	}
	rel, err := filepath.Rel(s.basePath, filepath.Clean(filePath))
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (s *fileStore) entryDir(entryID string) (string, error) {
	if entryID == "" || entryID == "." || entryID == ".." || strings.ContainsAny(entryID, `/\`) {
		return "", fmt.Errorf("%w: entry id %q", ErrInvalidLocator, entryID)
	}
	return filepath.Join(s.basePath, entryID), nil
}

func (s *fileStore) lockEntry(entryID string) func() {
	s.mu.Lock()
	lock := s.locks[entryID]
	if lock == nil {
		lock = &entryLock{}
		s.locks[entryID] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, entryID)
		}
		s.mu.Unlock()
	}
}

// sanitizeName 只保留最后一段路径，防止名称逃逸出条目目录。
func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	name = path.Base(path.Clean("/" + name))
	switch name {
	case "", "/", ".", "..":
		return DefaultName
	}
	if strings.HasPrefix(name, ".cache-") {
		// 与临时文件前缀冲突的名字加下划线区分。
		return "_" + name
	}
	return name
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
