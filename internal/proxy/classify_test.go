package proxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	cases := map[string]Kind{
		"":                               KindInvalid,
		"   ":                            KindInvalid,
		"3f2a9c01be":                     KindIdentifier,
		"https://example.test/video.mp4": KindDirect,
		"ftp://example.test/a":           KindDirect,
		"nested/path":                    KindInvalid,
		`back\slash`:                     KindInvalid,
	}
	for value, want := range cases {
		assert.Equal(t, want, Classify(value), "value %q", value)
	}
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "direct", KindDirect.String())
	assert.Equal(t, "identifier", KindIdentifier.String())
	assert.Equal(t, "invalid", KindInvalid.String())
	assert.Equal(t, "invalid", Kind(42).String())
}

func TestEscapeDirectURL(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"http://example.test/movie.mp4 with space", "http://example.test/movie.mp4%20with%20space"},
		{"https://example.test/a/b c/d.mp4", "https://example.test/a/b%20c/d.mp4"},
		{"http://127.0.0.1:8080/x y", "http://127.0.0.1:8080/x%20y"},
		{"http://example.test/plain-~_.path", "http://example.test/plain-~_.path"},
		{"http://example.test/100%", "http://example.test/100%25"},
		{"http://example.test/ü", "http://example.test/%C3%BC"},
		{"http://example.test", "http://example.test"},
		{"http://a", "http://a"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, EscapeDirectURL(tc.in), "input %q", tc.in)
	}
}

func TestEscapeDirectURLKeepsShortSchemeOffset(t *testing.T) {
	// authority 短于偏移量时仍从第 8 个字符开始转义。
	assert.Equal(t, "ws://a/b%20c", EscapeDirectURL("ws://a/b c"))
}
