package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/neophob/fw-honeypot/internal/shared/types"
)

// BanListFile 是 attacker.json 的结构: {"ipV4":[...],"ipV6":[...]}
type BanListFile struct {
	IPv4 []string `json:"ipV4"`
	IPv6 []string `json:"ipV6"`
}

// LoadIni 加载 honeypot.ini 行为配置文件并应用环境变量覆盖。
// 文件不存在时保留 cfg 中已有的默认值。
func LoadIni(cfg *types.Config, fileName string) error {
	iniFile, err := ini.Load(fileName)
	switch {
	case err == nil:
		if err := iniFile.MapTo(cfg); err != nil {
			return fmt.Errorf("failed to map %s: %w", fileName, err)
		}
	case os.IsNotExist(err):
		// 没有配置文件也能启动
	default:
		return err
	}
	ApplyEnv(cfg)
	return nil
}

// ApplyEnv 用环境变量覆盖配置项。无法解析的值会被忽略。
func ApplyEnv(cfg *types.Config) {
	overrideFromEnvInt(&cfg.AdmissionConf.MaxPerHour, "MAX_CONNECTIONS_PER_HOUR")
	overrideFromEnvInt(&cfg.TrackerConf.InactivityMs, "TRACKER_INACTIVITY_MS")
	overrideFromEnvString(&cfg.LogConf.Dest, "LOG_DEST")
	overrideFromEnvString(&cfg.LogConf.AnalysisDest, "ANALYSIS_LOG_DEST")
	overrideFromEnvString(&cfg.LogConf.Level, "LOG_LEVEL")
	overrideFromEnvString(&cfg.AnalysisConf.Host, "OLLAMA_HOST")
	overrideFromEnvString(&cfg.AnalysisConf.Model, "OLLAMA_MODEL")
	overrideFromEnvString(&cfg.TelegramConf.Token, "TELEGRAM_BOT_TOKEN")
	overrideFromEnvInt64(&cfg.TelegramConf.ChatID, "TELEGRAM_CHAT_ID")
	overrideFromEnvString(&cfg.NatsConf.URL, "NATS_URL")
}

// LoadBanList 加载 attacker.json 数据文件。
func LoadBanList(fileName string) (*BanListFile, error) {
	data, err := os.ReadFile(fileName)
	if err != nil {
		// 如果文件不存在，返回一个空列表而不是错误
		if os.IsNotExist(err) {
			return &BanListFile{}, nil
		}
		return nil, fmt.Errorf("failed to read ban list file: %w", err)
	}

	var list BanListFile
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", fileName, err)
	}
	return &list, nil
}

// ServiceSettings 是合并了 [common] 之后的单个服务配置。
type ServiceSettings struct {
	Host           string
	Port           int
	BanDurationSec int
	IdleTimeoutSec int
	MaxConnections int
}

// Addr 返回监听地址
func (s ServiceSettings) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Merge 把服务级别配置合并到 [common] 上: 服务的非零值优先。
func Merge(common types.CommonConf, svc types.ServiceConf) ServiceSettings {
	out := ServiceSettings{
		Host:           common.Host,
		Port:           svc.Port,
		BanDurationSec: common.BanDurationSec,
		IdleTimeoutSec: svc.IdleTimeoutSec,
		MaxConnections: common.MaxConnections,
	}
	if svc.Host != "" {
		out.Host = svc.Host
	}
	if svc.BanDurationSec > 0 {
		out.BanDurationSec = svc.BanDurationSec
	}
	return out
}

// SplitList 把 "ssh, smtp ,telnet" 解析为去掉空白的小写列表
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func overrideFromEnvInt(target *int, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.Atoi(envValue); err == nil {
			*target = intValue
		}
	}
}

func overrideFromEnvInt64(target *int64, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.ParseInt(envValue, 10, 64); err == nil {
			*target = intValue
		}
	}
}

func overrideFromEnvString(target *string, envName string) {
	if envValue := os.Getenv(envName); envValue != "" {
		*target = envValue
	}
}
