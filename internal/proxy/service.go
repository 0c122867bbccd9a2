package proxy

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-stream/internal/cache"
	"github.com/any-hub/any-stream/internal/entry"
	"github.com/any-hub/any-stream/internal/logging"
	"github.com/any-hub/any-stream/internal/materialize"
	"github.com/any-hub/any-stream/internal/metrics"
	"github.com/any-hub/any-stream/internal/stream"
)

// ErrInvalidRequest 表示请求值既不是直链也不像标识符。
var ErrInvalidRequest = errors.New("invalid download request")

// ServiceOptions 汇总 Service 的依赖与参数。
type ServiceOptions struct {
	Entries        entry.Store
	Files          cache.Store
	Client         *http.Client
	Materializer   *materialize.Materializer
	Logger         *logrus.Logger
	Metrics        *metrics.Recorder
	ChunkSize      int
	HandoffTimeout time.Duration
	ReadTimeout    time.Duration
}

// Service 是下载核心：对请求分类并选择直链透传、磁盘命中或未命中回源策略，
// 同时向管理接口提供注册、删除与列表。
type Service struct {
	entries        entry.Store
	files          cache.Store
	client         *http.Client
	materializer   *materialize.Materializer
	logger         *logrus.Logger
	metrics        *metrics.Recorder
	chunkSize      int
	handoffTimeout time.Duration
	readTimeout    time.Duration
}

// NewService 校验依赖并构建 Service。
func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Entries == nil {
		return nil, errors.New("entry store is required")
	}
	if opts.Files == nil {
		return nil, errors.New("cache store is required")
	}
	if opts.Client == nil {
		return nil, errors.New("http client is required")
	}
	if opts.Materializer == nil {
		return nil, errors.New("materializer is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Service{
		entries:        opts.Entries,
		files:          opts.Files,
		client:         opts.Client,
		materializer:   opts.Materializer,
		logger:         logger,
		metrics:        opts.Metrics,
		chunkSize:      opts.ChunkSize,
		handoffTimeout: opts.HandoffTimeout,
		readTimeout:    opts.ReadTimeout,
	}, nil
}

// Request 描述一次下载请求：前缀之后的路径值（已解码）、原始查询串与请求头。
type Request struct {
	Value    string
	RawQuery string
	Header   http.Header
}

// Result 在 Response 之外携带分类与命中信息，供日志与响应头使用。
type Result struct {
	*stream.Response
	Kind     Kind
	EntryID  string
	CacheHit bool
	Upstream string
}

// Serve 选择响应策略并返回尚未消费的 Response。error 非 nil 时 Result 仍携带分类信息。
func (s *Service) Serve(ctx context.Context, req Request) (*Result, error) {
	kind := Classify(req.Value)
	s.metrics.ObserveRequest(kind.String())

	switch kind {
	case KindDirect:
		return s.serveDirect(ctx, req)
	case KindIdentifier:
		return s.serveIdentifier(ctx, req)
	default:
		return &Result{Kind: KindInvalid}, ErrInvalidRequest
	}
}

func (s *Service) serveDirect(ctx context.Context, req Request) (*Result, error) {
	target := EscapeDirectURL(req.Value)
	if req.RawQuery != "" {
		target += "?" + req.RawQuery
	}
	result := &Result{Kind: KindDirect, Upstream: target}

	// 上游会忽略无法解析的 Range 并返回完整正文，这里先行拒绝。
	if _, err := stream.ParseRange(req.Header.Get("Range")); err != nil {
		return result, err
	}

	origin := stream.Open(detach(ctx), s.client, target, req.Header, s.originOptions())
	resp, err := origin.Response(ctx)
	if err != nil {
		return result, err
	}
	result.Response = finalize(resp)
	return result, nil
}

func (s *Service) serveIdentifier(ctx context.Context, req Request) (*Result, error) {
	result := &Result{Kind: KindIdentifier, EntryID: req.Value}

	// 命中与未命中对 Range 的校验一致；在 Lookup 之前校验，被拒绝的请求不计入下载次数。
	rng, rangeErr := stream.ParseRange(req.Header.Get("Range"))
	if rangeErr != nil {
		// 未知或过期的标识符仍按 404 处理。
		ent, err := s.entries.Get(ctx, req.Value)
		switch {
		case errors.Is(err, entry.ErrNotFound):
			result.Kind = KindInvalid
			return result, err
		case err != nil:
			return result, err
		case ent.IsExpired(time.Now()):
			result.Kind = KindInvalid
			return result, entry.ErrExpired
		}
		return result, rangeErr
	}

	ent, err := s.entries.Lookup(ctx, req.Value)
	if err != nil {
		if errors.Is(err, entry.ErrNotFound) || errors.Is(err, entry.ErrExpired) {
			result.Kind = KindInvalid
		}
		return result, err
	}

	if ent.LocalLocation != "" && ent.FileExists() {
		result.CacheHit = true
		s.metrics.ObserveCache(true)

		resp, err := stream.OpenLocal(ent.LocalLocation, rng, s.chunkSize)
		if err != nil {
			return result, err
		}
		result.Response = finalize(resp)
		return result, nil
	}

	if ent.RemoteLocation == "" {
		// 仅有本地路径的条目，但文件已不存在。
		s.logger.WithFields(logging.EntryFields("serve", ent.ID)).
			WithField("local_location", ent.LocalLocation).
			Warn("local_file_missing")
		result.Kind = KindInvalid
		return result, entry.ErrNotFound
	}

	s.metrics.ObserveCache(false)
	result.Upstream = ent.RemoteLocation

	origin := stream.Open(detach(ctx), s.client, ent.RemoteLocation, req.Header, s.originOptions())
	// 后台物化与客户端流相互独立，客户端不等待写盘。
	s.materializer.Trigger(ctx, *ent, req.Header)

	resp, err := origin.Response(ctx)
	if err != nil {
		return result, err
	}
	result.Response = finalize(resp)
	return result, nil
}

// Register 注册新条目，days 为负数时报错。
func (s *Service) Register(ctx context.Context, location string, days int) (*entry.Entry, error) {
	created, err := s.entries.Register(ctx, location, days)
	if err != nil {
		return nil, err
	}
	s.logger.WithFields(logging.EntryFields("entry_register", created.ID)).
		WithField("location", created.Location()).
		Info("entry_registered")
	return created, nil
}

// Remove 删除条目及其缓存目录；标识符不存在时为 no-op。
// 用户注册的本地路径不在缓存目录下，不会被删除。
func (s *Service) Remove(ctx context.Context, id string) error {
	if Classify(id) != KindIdentifier {
		return nil
	}
	ent, err := s.entries.Get(ctx, id)
	if errors.Is(err, entry.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.entries.Remove(ctx, id); err != nil {
		return err
	}
	if ent.LocalLocation != "" && s.files.Owns(ent.LocalLocation) {
		if err := s.files.Remove(ctx, id); err != nil {
			return fmt.Errorf("remove cached file: %w", err)
		}
	}
	s.logger.WithFields(logging.EntryFields("entry_remove", id)).Info("entry_removed")
	return nil
}

// List 返回全部条目，不改变下载计数。
func (s *Service) List(ctx context.Context) ([]entry.Entry, error) {
	return s.entries.List(ctx)
}

// detach 让正文流的生命周期脱离请求上下文：handler 返回后 HTTP 层仍在写出正文，
// 流由 Body.Close 终止。
func detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

func (s *Service) originOptions() stream.OriginOptions {
	return stream.OriginOptions{
		ChunkSize:      s.chunkSize,
		HandoffTimeout: s.handoffTimeout,
		ReadTimeout:    s.readTimeout,
		Logger:         s.logger,
		OnStall:        s.metrics.ObserveStall,
	}
}

// finalize 在缺少 Content-Disposition 时补上 inline 与文件名。
func finalize(resp *stream.Response) *stream.Response {
	if resp.Header == nil {
		resp.Header = http.Header{}
	}
	if resp.Header.Get("Content-Disposition") != "" {
		return resp
	}
	disposition := "inline"
	if resp.Filename != "" {
		if formatted := mime.FormatMediaType("inline", map[string]string{"filename": resp.Filename}); formatted != "" {
			disposition = formatted
		}
	}
	resp.Header.Set("Content-Disposition", disposition)
	return resp
}
