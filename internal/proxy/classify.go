package proxy

import (
	"strings"
)

// Kind 是下载请求的分类结果。
type Kind int

const (
	// KindInvalid 既不是直链也不是有效标识符。
	KindInvalid Kind = iota
	// KindDirect 请求值本身就是远端 URL，直接透传，不缓存。
	KindDirect
	// KindIdentifier 请求值是条目标识符。
	KindIdentifier
)

func (k Kind) String() string {
	switch k {
	case KindDirect:
		return "direct"
	case KindIdentifier:
		return "identifier"
	default:
		return "invalid"
	}
}

// Classify 按是否包含 scheme 分隔符给出初步分类。KindIdentifier 只表示
// "可能是标识符"，最终是否有效取决于条目存储。
func Classify(value string) Kind {
	value = strings.TrimSpace(value)
	switch {
	case value == "":
		return KindInvalid
	case strings.Contains(value, "://"):
		return KindDirect
	case strings.ContainsAny(value, "/\\"):
		return KindInvalid
	default:
		return KindIdentifier
	}
}

// escapeOffset 跳过 "https://" 这样的 scheme 前缀。
const escapeOffset = 8

// EscapeDirectURL 对直链从第 8 个字符起重新转义被路径解码还原的字符。
// authority（host:port、userinfo）原样保留，只处理其后的路径部分。
func EscapeDirectURL(value string) string {
	if len(value) <= escapeOffset {
		return value
	}
	start := escapeOffset
	if i := strings.Index(value, "://"); i >= 0 {
		rest := value[i+3:]
		j := strings.IndexByte(rest, '/')
		if j < 0 {
			return value
		}
		if authEnd := i + 3 + j; authEnd > start {
			start = authEnd
		}
	}
	return value[:start] + escapePath(value[start:])
}

const upperhex = "0123456789ABCDEF"

func escapePath(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if shouldKeep(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(upperhex[c>>4])
		b.WriteByte(upperhex[c&15])
	}
	return b.String()
}

// shouldKeep 保留 RFC 3986 中路径段允许直接出现的字符。
func shouldKeep(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	switch c {
	case '-', '.', '_', '~', '/',
		'!', '$', '&', '\'', '(', ')', '*', '+', ',', ';', '=',
		':', '@':
		return true
	}
	return false
}
