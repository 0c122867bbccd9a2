package stream

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrMalformedRange 表示 Range 头无法解析，应返回 400。
	ErrMalformedRange = errors.New("malformed range header")
	// ErrRangeNotSatisfiable 表示起始位置超出文件大小，应返回 416。
	ErrRangeNotSatisfiable = errors.New("range not satisfiable")
)

// ByteRange 是闭区间 [Start, End]；End < 0 表示读到文件末尾。
type ByteRange struct {
	Start int64
	End   int64
}

// OpenEnded 报告区间是否未指定结束位置。
func (r ByteRange) OpenEnded() bool {
	return r.End < 0
}

// Resolve 根据文件大小校验区间并返回实际读取的起点与长度。
// 结束位置超出文件时截断到最后一个字节。
func (r ByteRange) Resolve(size int64) (start, length int64, err error) {
	if r.Start < 0 || r.Start >= size {
		return 0, 0, fmt.Errorf("%w: start %d, size %d", ErrRangeNotSatisfiable, r.Start, size)
	}
	end := r.End
	if r.OpenEnded() || end >= size {
		end = size - 1
	}
	return r.Start, end - r.Start + 1, nil
}

// ParseRange 解析 "bytes=<start>-[<end>]"。空值返回 nil；缺省 start 视为 0，
// 缺省 end 视为开放区间。多段区间不受支持，视为格式错误。
func ParseRange(header string) (*ByteRange, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, nil
	}

	unit, spec, ok := strings.Cut(header, "=")
	if !ok || !strings.EqualFold(strings.TrimSpace(unit), "bytes") {
		return nil, fmt.Errorf("%w: %q", ErrMalformedRange, header)
	}
	spec = strings.TrimSpace(spec)
	if strings.Contains(spec, ",") {
		return nil, fmt.Errorf("%w: multiple ranges", ErrMalformedRange)
	}

	rawStart, rawEnd, ok := strings.Cut(spec, "-")
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMalformedRange, header)
	}
	rawStart = strings.TrimSpace(rawStart)
	rawEnd = strings.TrimSpace(rawEnd)
	if rawStart == "" && rawEnd == "" {
		return nil, fmt.Errorf("%w: %q", ErrMalformedRange, header)
	}

	br := ByteRange{Start: 0, End: -1}
	if rawStart != "" {
		start, err := parseOffset(rawStart)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrMalformedRange, header)
		}
		br.Start = start
	}
	if rawEnd != "" {
		end, err := parseOffset(rawEnd)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrMalformedRange, header)
		}
		if end < br.Start {
			return nil, fmt.Errorf("%w: end before start", ErrMalformedRange)
		}
		br.End = end
	}
	return &br, nil
}

func parseOffset(raw string) (int64, error) {
	for _, r := range raw {
		if r < '0' || r > '9' {
			return 0, strconv.ErrSyntax
		}
	}
	return strconv.ParseInt(raw, 10, 64)
}
