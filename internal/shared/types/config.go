package types

// CommonConf 包含所有蜜罐服务共有的配置
type CommonConf struct {
	Host           string `ini:"host"`
	Integrations   string `ini:"integrations"` // 逗号分隔: ssh,smtp,telnet,mysql,smb,rdp
	BanDurationSec int    `ini:"ban_duration"`
	MaxConnections int    `ini:"maxConnections"` // 每个监听器的最大并发连接数, 0 = 不限制
	BanListFile    string `ini:"ban_list"`
	GeoFile        string `ini:"geo_file"`
	GeoCacheSize   int    `ini:"geo_cache_size"`
}

// LogConf contains logging specific configuration
type LogConf struct {
	Level        string `ini:"level"`
	Dest         string `ini:"dest"`          // dump.log 所在目录
	AnalysisDest string `ini:"analysis_dest"` // analysis.log 所在目录
}

// AdmissionConf 连接准入（滑动窗口限流）配置
type AdmissionConf struct {
	MaxPerHour int `ini:"max_per_hour"`
	WindowSec  int `ini:"window"`
	BlockSec   int `ini:"block"`
}

// TrackerConf 会话聚合配置
type TrackerConf struct {
	InactivityMs int `ini:"inactivity_ms"`
	MaxBytes     int `ini:"max_bytes"`
}

// DedupConf 相似度去重配置
type DedupConf struct {
	Capacity  int     `ini:"capacity"`
	Threshold float64 `ini:"threshold"`
	MaxBytes  int     `ini:"max_bytes"`
}

// AnalysisConf 外部文本分析服务配置
type AnalysisConf struct {
	Enabled    bool   `ini:"enabled"`
	Backend    string `ini:"backend"` // "ollama" (默认) 或 "openai"
	Host       string `ini:"host"`
	Model      string `ini:"model"`
	APIKey     string `ini:"api_key"`
	TimeoutSec int    `ini:"timeout"`
}

// TelegramConf 告警通道配置, token 或 chat_id 为空时不发送
type TelegramConf struct {
	Token  string `ini:"token"`
	ChatID int64  `ini:"chat_id"`
}

// NatsConf 事件发布配置, url 为空时禁用
type NatsConf struct {
	URL     string `ini:"url"`
	Subject string `ini:"subject"`
}

// WebConf API server (状态/黑名单 HTTP 响应器) 配置
type WebConf struct {
	Port     int    `ini:"port"`
	User     string `ini:"user"`
	Password string `ini:"password"`
}

// ServiceConf 单个蜜罐服务的通用配置。
// Host 和 BanDurationSec 为空时继承 [common]。
type ServiceConf struct {
	Port           int    `ini:"port"`
	Host           string `ini:"host"`
	BanDurationSec int    `ini:"ban_duration"`
	IdleTimeoutSec int    `ini:"idle_timeout"`
}

// SSHConf 包含 SSH 蜜罐特有的配置
type SSHConf struct {
	Port              int     `ini:"port"`
	Host              string  `ini:"host"`
	BanDurationSec    int     `ini:"ban_duration"`
	IdleTimeoutSec    int     `ini:"idle_timeout"`
	HostKey           string  `ini:"host_key"`
	AcceptProbability float64 `ini:"accept_probability"`
}

// Service 返回通用部分，用于和 [common] 合并
func (c SSHConf) Service() ServiceConf {
	return ServiceConf{Port: c.Port, Host: c.Host, BanDurationSec: c.BanDurationSec, IdleTimeoutSec: c.IdleTimeoutSec}
}

// SMBConf 包含 SMB 蜜罐特有的配置
type SMBConf struct {
	Port           int    `ini:"port"`
	Host           string `ini:"host"`
	BanDurationSec int    `ini:"ban_duration"`
	IdleTimeoutSec int    `ini:"idle_timeout"`
	ServerName     string `ini:"server_name"`
	ServerOS       string `ini:"server_os"`
	Domain         string `ini:"domain"`
	SessionID      int    `ini:"session_id"`
}

func (c SMBConf) Service() ServiceConf {
	return ServiceConf{Port: c.Port, Host: c.Host, BanDurationSec: c.BanDurationSec, IdleTimeoutSec: c.IdleTimeoutSec}
}

// Config 是蜜罐的统一配置结构体
type Config struct {
	CommonConf    `ini:"common"`
	LogConf       `ini:"log"`
	AdmissionConf `ini:"admission"`
	TrackerConf   `ini:"tracker"`
	DedupConf     `ini:"dedup"`
	AnalysisConf  `ini:"analysis"`
	TelegramConf  `ini:"telegram"`
	NatsConf      `ini:"nats"`
	WebConf       `ini:"web"`

	SSH    SSHConf     `ini:"ssh"`
	SMTP   ServiceConf `ini:"smtp"`
	Telnet ServiceConf `ini:"telnet"`
	MySQL  ServiceConf `ini:"mysql"`
	SMB    SMBConf     `ini:"smb"`
	RDP    ServiceConf `ini:"rdp"`
}

// Default 返回一份带有全部默认值的配置。没有 ini 文件时也能直接启动。
func Default() *Config {
	return &Config{
		CommonConf: CommonConf{
			Host:           "0.0.0.0",
			Integrations:   "ssh,smtp,telnet,mysql,smb,rdp",
			BanDurationSec: 24 * 60 * 60,
			MaxConnections: 256,
			BanListFile:    "attacker.json",
			GeoCacheSize:   4096,
		},
		LogConf: LogConf{
			Level:        "info",
			Dest:         "./",
			AnalysisDest: "./",
		},
		AdmissionConf: AdmissionConf{
			MaxPerHour: 32,
			WindowSec:  60 * 60,
			BlockSec:   24 * 60 * 60,
		},
		TrackerConf: TrackerConf{
			InactivityMs: 120_000,
			MaxBytes:     3 * 1024,
		},
		DedupConf: DedupConf{
			Capacity:  100,
			Threshold: 0.8,
			MaxBytes:  3 * 1024,
		},
		AnalysisConf: AnalysisConf{
			Enabled:    true,
			Backend:    "ollama",
			Host:       "http://localhost:11434",
			Model:      "llama3:latest",
			TimeoutSec: 120,
		},
		NatsConf: NatsConf{
			Subject: "honeypot.events",
		},
		WebConf: WebConf{
			Port: 3477,
		},
		SSH: SSHConf{
			Port:              22,
			IdleTimeoutSec:    30,
			HostKey:           "host.key",
			AcceptProbability: 0.6,
		},
		SMTP:   ServiceConf{Port: 25, IdleTimeoutSec: 30},
		Telnet: ServiceConf{Port: 23, IdleTimeoutSec: 10},
		MySQL:  ServiceConf{Port: 3306, IdleTimeoutSec: 5},
		SMB: SMBConf{
			Port:           445,
			IdleTimeoutSec: 32,
			ServerName:     "webserver2k.test",
			ServerOS:       "Windows 2000 5.0",
			Domain:         "WORKGROUP",
			SessionID:      0x4000,
		},
		RDP: ServiceConf{Port: 3389, IdleTimeoutSec: 30},
	}
}
