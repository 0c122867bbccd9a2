package materialize

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/any-hub/any-stream/internal/cache"
	"github.com/any-hub/any-stream/internal/entry"
	"github.com/any-hub/any-stream/internal/logging"
	"github.com/any-hub/any-stream/internal/metrics"
	"github.com/any-hub/any-stream/internal/stream"
)

// ErrOriginStatus 表示后台回源返回了非 200 状态，不写入缓存。
var ErrOriginStatus = errors.New("unexpected origin status")

// 回源写盘时不能带上的请求头：部分内容或条件请求都得不到完整文件。
var strippedHeaders = []string{
	"Range",
	"If-Range",
	"If-Match",
	"If-None-Match",
	"If-Modified-Since",
	"If-Unmodified-Since",
	"Accept-Encoding",
}

// Options 控制后台回源的分块与超时参数。
type Options struct {
	ChunkSize      int
	HandoffTimeout time.Duration
	ReadTimeout    time.Duration
}

// Materializer 负责把缓存未命中的条目完整下载到磁盘，并更新条目的本地路径。
// 同一条目在进程内先经 singleflight 合并，再以条目锁保证全局至多一次。
type Materializer struct {
	entries entry.Store
	files   cache.Store
	client  *http.Client
	logger  *logrus.Logger
	metrics *metrics.Recorder
	opts    Options

	group singleflight.Group
	wg    sync.WaitGroup
}

// New 构建 Materializer；recorder 可为 nil。
func New(entries entry.Store, files cache.Store, client *http.Client, logger *logrus.Logger, recorder *metrics.Recorder, opts Options) *Materializer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Materializer{
		entries: entries,
		files:   files,
		client:  client,
		logger:  logger,
		metrics: recorder,
		opts:    opts,
	}
}

// Trigger 在后台 goroutine 中物化条目并立即返回，失败只记录日志。
// ctx 的取消不会中断后台任务。
func (m *Materializer) Trigger(ctx context.Context, ent entry.Entry, header http.Header) {
	header = header.Clone()
	bg := context.WithoutCancel(ctx)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				m.logger.WithFields(logging.EntryFields("materialize", ent.ID)).
					WithField("panic", fmt.Sprint(r)).
					Error("materialize_panic")
			}
		}()
		_, _ = m.Materialize(bg, ent, header)
	}()
}

// Wait 阻塞直到所有已触发的后台物化结束。
func (m *Materializer) Wait() {
	m.wg.Wait()
}

// Materialize 同步执行一次物化。返回 true 表示本次调用（或与之合并的调用）
// 完成了写盘；条目已被锁定时返回 false 且不报错。
func (m *Materializer) Materialize(ctx context.Context, ent entry.Entry, header http.Header) (bool, error) {
	v, err, _ := m.group.Do(ent.ID, func() (any, error) {
		return m.materialize(ctx, ent, header)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (m *Materializer) materialize(ctx context.Context, ent entry.Entry, header http.Header) (done bool, err error) {
	started := time.Now()
	fields := logging.EntryFields("materialize", ent.ID)
	fields["upstream"] = ent.RemoteLocation

	if ent.RemoteLocation == "" {
		return false, fmt.Errorf("entry %s has no remote location", ent.ID)
	}

	acquired, err := m.entries.TryLock(ctx, ent.ID)
	if err != nil {
		m.logger.WithFields(fields).WithError(err).Error("materialize_lock_failed")
		m.metrics.ObserveMaterialization(metrics.MaterializeFailed)
		return false, fmt.Errorf("lock entry %s: %w", ent.ID, err)
	}
	if !acquired {
		m.logger.WithFields(fields).Debug("materialize_contended")
		m.metrics.ObserveMaterialization(metrics.MaterializeContended)
		return false, nil
	}
	// 只释放本次获取的锁。
	defer func() {
		if unlockErr := m.entries.Unlock(context.WithoutCancel(ctx), ent.ID); unlockErr != nil && !errors.Is(unlockErr, entry.ErrNotFound) {
			m.logger.WithFields(fields).WithError(unlockErr).Error("materialize_unlock_failed")
		}
	}()

	// 持锁后重新读取：前一次物化可能刚刚完成。
	current, err := m.entries.Get(ctx, ent.ID)
	if err != nil {
		m.logger.WithFields(fields).WithError(err).Warn("materialize_reload_failed")
		return false, fmt.Errorf("reload entry %s: %w", ent.ID, err)
	}
	if current.LocalLocation != "" && current.FileExists() {
		m.logger.WithFields(fields).Debug("materialize_already_cached")
		return false, nil
	}

	defer func() {
		fields["elapsed_ms"] = time.Since(started).Milliseconds()
		if err != nil {
			m.metrics.ObserveMaterialization(metrics.MaterializeFailed)
			m.logger.WithFields(fields).WithError(err).Error("materialize_failed")
			return
		}
		m.metrics.ObserveMaterialization(metrics.MaterializeSuccess)
		m.logger.WithFields(fields).Info("materialize_complete")
	}()

	forward := header.Clone()
	if forward == nil {
		forward = http.Header{}
	}
	for _, key := range strippedHeaders {
		forward.Del(key)
	}

	origin := stream.Open(ctx, m.client, ent.RemoteLocation, forward, stream.OriginOptions{
		ChunkSize:      m.opts.ChunkSize,
		HandoffTimeout: m.opts.HandoffTimeout,
		ReadTimeout:    m.opts.ReadTimeout,
		Logger:         m.logger,
	})
	defer origin.Close()

	if err := origin.Wait(ctx); err != nil {
		return false, err
	}
	if status := origin.Status(); status != http.StatusOK {
		return false, fmt.Errorf("%w: %d", ErrOriginStatus, status)
	}

	locator := cache.Locator{EntryID: ent.ID, Name: origin.Filename()}
	written, err := m.files.Put(ctx, locator, origin, cache.PutOptions{ModTime: lastModified(origin.Header())})
	if err != nil {
		return false, fmt.Errorf("write cache file: %w", err)
	}
	fields["local_location"] = written.FilePath
	fields["size_bytes"] = written.SizeBytes

	if err := m.entries.SetLocalLocation(ctx, ent.ID, written.FilePath); err != nil {
		if errors.Is(err, entry.ErrNotFound) {
			// 条目在下载期间被删除，清理孤立文件。
			if rmErr := m.files.Remove(ctx, ent.ID); rmErr != nil {
				m.logger.WithFields(fields).WithError(rmErr).Warn("materialize_cleanup_failed")
			}
		}
		return false, fmt.Errorf("record local location: %w", err)
	}
	return true, nil
}

func lastModified(header http.Header) time.Time {
	if last := header.Get("Last-Modified"); last != "" {
		if parsed, err := http.ParseTime(last); err == nil {
			return parsed.UTC()
		}
	}
	return time.Time{}
}
