package stream

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// Local 按区间分块读取磁盘文件。文件在创建时打开并定位到起点，之后只读取 length 字节。
type Local struct {
	file      *os.File
	remaining int64
	chunkSize int
	truncated bool

	reader    chunkReader
	closeOnce sync.Once
	closeErr  error
}

// OpenLocal 打开 path 并生成对应的 Response：rng 为 nil 时返回 200 全量，
// 否则返回 206 并设置 Content-Range。区间不可满足时错误中包含文件大小，
// 调用方可通过 RangeError 取得。
func OpenLocal(path string, rng *ByteRange, chunkSize int) (*Response, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	if info.IsDir() {
		file.Close()
		return nil, fmt.Errorf("%s: %w", path, os.ErrNotExist)
	}
	size := info.Size()

	status := http.StatusOK
	start, length := int64(0), size
	header := http.Header{}
	header.Set("Accept-Ranges", "bytes")
	header.Set("Content-Type", contentTypeFor(path))

	if rng != nil {
		start, length, err = rng.Resolve(size)
		if err != nil {
			file.Close()
			return nil, &RangeError{Size: size, Err: err}
		}
		status = http.StatusPartialContent
		header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, start+length-1, size))
	}
	header.Set("Content-Length", strconv.FormatInt(length, 10))

	if start > 0 {
		if _, err := file.Seek(start, io.SeekStart); err != nil {
			file.Close()
			return nil, err
		}
	}

	body := &Local{
		file:      file,
		remaining: length,
		chunkSize: chunkSize,
	}
	body.reader.next = body.Next

	return &Response{
		Status:   status,
		Header:   header,
		Body:     body,
		Filename: filepath.Base(path),
	}, nil
}

// Next 读取下一个分块，最后一块可能小于 chunkSize。
func (l *Local) Next() ([]byte, error) {
	if l.truncated {
		return nil, io.ErrUnexpectedEOF
	}
	if l.remaining <= 0 {
		return nil, io.EOF
	}
	size := int64(l.chunkSize)
	if l.remaining < size {
		size = l.remaining
	}
	buf := make([]byte, size)
	n, err := io.ReadFull(l.file, buf)
	l.remaining -= int64(n)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			// 文件在读取期间被截断，先交付已读部分，下一次返回错误。
			l.truncated = true
			if n > 0 {
				return buf[:n], nil
			}
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}

func (l *Local) Read(p []byte) (int, error) {
	return l.reader.Read(p)
}

// Close 关闭底层文件，可重复调用。
func (l *Local) Close() error {
	l.closeOnce.Do(func() {
		l.closeErr = l.file.Close()
	})
	return l.closeErr
}

// RangeError 携带文件大小，用于生成 416 的 Content-Range: bytes */size。
type RangeError struct {
	Size int64
	Err  error
}

func (e *RangeError) Error() string {
	return e.Err.Error()
}

func (e *RangeError) Unwrap() error {
	return e.Err
}

func contentTypeFor(path string) string {
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
