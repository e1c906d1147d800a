package honeypot

import (
	"strings"

	"golang.org/x/text/encoding/unicode"
)

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// DecodeUTF16LE 解码 UTF-16LE 字节，奇数长度时丢弃最后一个字节。
// 无效的代理对被替换为 U+FFFD，不会返回错误。
func DecodeUTF16LE(b []byte) string {
	if len(b)%2 == 1 {
		b = b[:len(b)-1]
	}
	out, err := utf16le.NewDecoder().Bytes(b)
	if err != nil {
		return ""
	}
	return string(out)
}

// EncodeUTF16LE is the inverse of DecodeUTF16LE.
func EncodeUTF16LE(s string) []byte {
	out, err := utf16le.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil
	}
	return out
}

// TrimNUL removes trailing NUL characters.
func TrimNUL(s string) string {
	return strings.TrimRight(s, "\x00")
}
