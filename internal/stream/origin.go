package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-stream/internal/server"
	"github.com/any-hub/any-stream/internal/version"
)

// OriginOptions 控制回源流的分块与交付超时。
type OriginOptions struct {
	ChunkSize      int
	HandoffTimeout time.Duration
	// ReadTimeout 限制两次正文读取之间的空闲时间，上游停止发送时中止回源。
	ReadTimeout time.Duration
	Logger         *logrus.Logger
	// OnStall 在生产者因交付超时放弃时调用，通常用于计数。
	OnStall func()
}

const (
	defaultHandoffTimeout = 8 * time.Second
	defaultReadTimeout    = 3 * time.Second
)

// Origin 在独立 goroutine 中回源，并通过容量为 1 的 channel 把分块交给消费者。
// 状态与响应头在 ready 关闭后可读；分块序列只能消费一次。
type Origin struct {
	url    string
	client *http.Client
	opts   OriginOptions
	cancel context.CancelFunc

	ready  chan struct{}
	chunks chan []byte
	closed chan struct{}

	// 以下字段由生产者写入，ready/chunks 关闭后对消费者可见。
	status int
	header http.Header
	failed bool
	err    error

	reader    chunkReader
	closeOnce sync.Once
}

// Open 立即启动回源并返回，不等待响应。header 中的 Host 与 hop-by-hop 头不会被转发。
func Open(ctx context.Context, client *http.Client, rawURL string, header http.Header, opts OriginOptions) *Origin {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.HandoffTimeout <= 0 {
		opts.HandoffTimeout = defaultHandoffTimeout
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaultReadTimeout
	}
	if client == nil {
		client = http.DefaultClient
	}

	fetchCtx, cancel := context.WithCancel(ctx)
	o := &Origin{
		url:    rawURL,
		client: client,
		opts:   opts,
		cancel: cancel,
		ready:  make(chan struct{}),
		chunks: make(chan []byte, 1),
		closed: make(chan struct{}),
	}
	o.reader.next = o.Next

	forward := http.Header{}
	server.CopyHeaders(forward, header)
	forward.Del("Host")

	go o.run(fetchCtx, forward)
	return o
}

// URL 返回回源地址。
func (o *Origin) URL() string {
	return o.url
}

// Filename 返回 URL 最后一段。
func (o *Origin) Filename() string {
	return FilenameFromURL(o.url)
}

// Wait 阻塞直到状态与响应头可用。回源在响应前失败时返回 ErrOriginUnreachable。
func (o *Origin) Wait(ctx context.Context) error {
	select {
	case <-o.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	if o.status == 0 {
		return o.err
	}
	return nil
}

// Status 返回上游状态码，调用前需 Wait 成功。
func (o *Origin) Status() int {
	<-o.ready
	return o.status
}

// Header 返回上游响应头的副本，上游返回错误状态时为空。
func (o *Origin) Header() http.Header {
	<-o.ready
	return o.header.Clone()
}

// Failed 报告上游是否返回了错误状态码（>= 400）。
func (o *Origin) Failed() bool {
	<-o.ready
	return o.failed
}

// Response 等待响应头并组装 Response，正文即 Origin 本身。
func (o *Origin) Response(ctx context.Context) (*Response, error) {
	if err := o.Wait(ctx); err != nil {
		o.Close()
		return nil, err
	}
	return &Response{
		Status:   o.status,
		Header:   o.header.Clone(),
		Body:     o,
		Filename: o.Filename(),
	}, nil
}

// Next 返回下一个分块；序列结束返回 io.EOF，生产者异常终止时返回对应错误。
func (o *Origin) Next() ([]byte, error) {
	chunk, ok := <-o.chunks
	if ok {
		return chunk, nil
	}
	if o.err != nil {
		return nil, o.err
	}
	return nil, io.EOF
}

func (o *Origin) Read(p []byte) (int, error) {
	return o.reader.Read(p)
}

// Close 通知生产者停止并取消回源请求，可重复调用。
func (o *Origin) Close() error {
	o.closeOnce.Do(func() {
		close(o.closed)
		o.cancel()
	})
	return nil
}

func (o *Origin) run(ctx context.Context, header http.Header) {
	defer close(o.chunks)
	defer o.cancel()

	readyOnce := sync.OnceFunc(func() { close(o.ready) })
	defer readyOnce()

	started := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.url, nil)
	if err != nil {
		o.err = fmt.Errorf("%w: %v", ErrOriginUnreachable, err)
		o.logFailure(started, err)
		return
	}
	req.Header = header
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", version.UserAgent())
	}

	resp, err := o.client.Do(req)
	if err != nil {
		o.err = fmt.Errorf("%w: %v", ErrOriginUnreachable, err)
		o.logFailure(started, err)
		return
	}
	defer resp.Body.Close()

	o.status = resp.StatusCode
	if resp.StatusCode >= http.StatusBadRequest {
		// 错误状态透传给客户端，但不带头部与正文。
		o.header = http.Header{}
		o.failed = true
		readyOnce()
		o.logger().WithFields(logrus.Fields{
			"action":          "origin_fetch",
			"upstream":        o.url,
			"upstream_status": resp.StatusCode,
		}).Warn("origin_error_status")
		return
	}

	o.header = http.Header{}
	server.CopyHeaders(o.header, resp.Header)
	readyOnce()

	// 空闲计时只覆盖读上游正文，等待消费者的时间由 handoff 超时负责。
	var idle atomic.Bool
	idleTimer := time.AfterFunc(o.opts.ReadTimeout, func() {
		idle.Store(true)
		o.cancel()
	})
	defer idleTimer.Stop()

	for {
		buf := make([]byte, o.opts.ChunkSize)
		idleTimer.Reset(o.opts.ReadTimeout)
		n, readErr := resp.Body.Read(buf)
		idleTimer.Stop()
		if idle.Load() {
			o.err = fmt.Errorf("%w after %s", ErrOriginIdle, o.opts.ReadTimeout)
			o.logFailure(started, o.err)
			return
		}
		if n > 0 {
			if !o.handoff(buf[:n]) {
				return
			}
		}
		if readErr == nil {
			continue
		}
		if errors.Is(readErr, io.EOF) {
			return
		}
		if o.isClosed() {
			return
		}
		o.err = fmt.Errorf("read origin body: %w", readErr)
		o.logFailure(started, readErr)
		return
	}
}

// handoff 把分块交给消费者；超时或消费者关闭时返回 false，调用方随即放弃回源。
func (o *Origin) handoff(chunk []byte) bool {
	timer := time.NewTimer(o.opts.HandoffTimeout)
	defer timer.Stop()

	select {
	case o.chunks <- chunk:
		return true
	case <-o.closed:
		return false
	case <-timer.C:
		o.err = ErrStalled
		o.logger().WithFields(logrus.Fields{
			"action":     "origin_fetch",
			"upstream":   o.url,
			"timeout_ms": o.opts.HandoffTimeout.Milliseconds(),
		}).Warn("origin_consumer_stalled")
		if o.opts.OnStall != nil {
			o.opts.OnStall()
		}
		return false
	}
}

func (o *Origin) isClosed() bool {
	select {
	case <-o.closed:
		return true
	default:
		return false
	}
}

func (o *Origin) logFailure(started time.Time, err error) {
	o.logger().WithFields(logrus.Fields{
		"action":     "origin_fetch",
		"upstream":   o.url,
		"elapsed_ms": time.Since(started).Milliseconds(),
		"error":      err.Error(),
	}).Error("origin_fetch_failed")
}

func (o *Origin) logger() *logrus.Logger {
	if o.opts.Logger != nil {
		return o.opts.Logger
	}
	return logrus.StandardLogger()
}
