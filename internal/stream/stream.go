package stream

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"path"
)

var (
	// ErrOriginUnreachable 表示回源在拿到响应头之前就失败（DNS、建连、超时等）。
	ErrOriginUnreachable = errors.New("origin unreachable")
	// ErrStalled 表示消费者在交付超时内未取走分块，生产者已放弃回源。
	ErrStalled = errors.New("consumer stalled")
	// ErrOriginIdle 表示上游在读超时内没有送来任何正文字节，回源已被中止。
	ErrOriginIdle = errors.New("origin body read timed out")
)

// DefaultChunkSize 是单个分块的默认上限。
const DefaultChunkSize = 512 * 1024

// Body 是一次性、不可重放的分块序列。Next 在序列耗尽后返回 io.EOF；
// 同时实现 io.ReadCloser，便于直接交给 HTTP 层写出。
type Body interface {
	io.ReadCloser
	Next() ([]byte, error)
}

// Response 是某个响应策略产出的状态、头部与正文。
type Response struct {
	Status   int
	Header   http.Header
	Body     Body
	Filename string
}

// Close 释放正文占用的资源，nil 安全。
func (r *Response) Close() error {
	if r == nil || r.Body == nil {
		return nil
	}
	return r.Body.Close()
}

// chunkReader 把 Next 风格的分块序列适配为 io.Reader。
type chunkReader struct {
	next    func() ([]byte, error)
	pending []byte
	err     error
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for len(r.pending) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		chunk, err := r.next()
		r.pending = chunk
		r.err = err
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

// FilenameFromURL 取 URL 路径的最后一段作为展示/落盘用文件名，无法解析时返回空串。
func FilenameFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	name := path.Base(u.Path)
	switch name {
	case ".", "/", "..":
		return ""
	}
	return name
}

// emptyBody 是立即耗尽的正文。
type emptyBody struct{}

func (emptyBody) Read([]byte) (int, error) { return 0, io.EOF }

func (emptyBody) Next() ([]byte, error) { return nil, io.EOF }

func (emptyBody) Close() error { return nil }

// Empty 返回一个没有任何字节的正文。
func Empty() Body {
	return emptyBody{}
}
