package honeypot

import (
	"fmt"
	"strings"
)

// Kind 是一个封闭的协议枚举。
type Kind int

const (
	SSH Kind = iota + 1
	SMTP
	Telnet
	MySQL
	SMB
	RDP
)

var kindNames = map[Kind]string{
	SSH:    "ssh",
	SMTP:   "smtp",
	Telnet: "telnet",
	MySQL:  "mysql",
	SMB:    "smb",
	RDP:    "rdp",
}

// Kinds returns every known protocol in declaration order.
func Kinds() []Kind {
	return []Kind{SSH, SMTP, Telnet, MySQL, SMB, RDP}
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Label 是统计计数器和 tracker 使用的大写服务名 (例如 "SMB")。
func (k Kind) Label() string {
	return strings.ToUpper(k.String())
}

// ParseKind 把配置中的名字解析为 Kind，未知名字返回错误。
func ParseKind(name string) (Kind, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for k, n := range kindNames {
		if n == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown honeypot integration %q", name)
}

// ParseKinds 解析一组名字，重复项只保留一次。
func ParseKinds(names []string) ([]Kind, error) {
	seen := make(map[Kind]bool, len(names))
	out := make([]Kind, 0, len(names))
	for _, name := range names {
		k, err := ParseKind(name)
		if err != nil {
			return nil, err
		}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out, nil
}
