package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/neophob/fw-honeypot/internal/core/analysis"
	"github.com/neophob/fw-honeypot/internal/shared/logger"
	"github.com/neophob/fw-honeypot/internal/shared/metrics"
	"github.com/neophob/fw-honeypot/internal/shared/types"
)

const (
	// MaxMessageLength 是 Telegram 单条消息的字符上限
	MaxMessageLength = 4096
	maxDumpLength    = 500
	queueSize        = 32
	maxRetries       = 3
)

var errDisabled = errors.New("telegram token or chat id not configured")

// sender 是 *tgbotapi.BotAPI 中我们用到的部分
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Enabled reports whether both bot token and chat id are set.
func Enabled(cfg types.TelegramConf) bool {
	return cfg.Token != "" && cfg.ChatID != 0
}

// Telegram 把分析结果作为告警发送到一个 chat。
// HandleOutcome 只负责格式化和入队，发送由后台 goroutine 完成。
type Telegram struct {
	bot     sender
	chatID  int64
	metrics *metrics.Service
	now     func() time.Time

	queue     chan string
	stopCh    chan struct{}
	stopOnce  sync.Once
	startOnce sync.Once
	waitGroup sync.WaitGroup
}

// NewTelegram 连接 Bot API (会调用一次 getMe)。未配置时返回错误。
func NewTelegram(cfg types.TelegramConf, m *metrics.Service) (*Telegram, error) {
	if !Enabled(cfg) {
		return nil, errDisabled
	}
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	logger.Info().Str("bot", bot.Self.UserName).Msg("Telegram alerts enabled.")
	return newTelegram(bot, cfg.ChatID, m), nil
}

func newTelegram(bot sender, chatID int64, m *metrics.Service) *Telegram {
	return &Telegram{
		bot:     bot,
		chatID:  chatID,
		metrics: m,
		now:     time.Now,
		queue:   make(chan string, queueSize),
		stopCh:  make(chan struct{}),
	}
}

// HandleOutcome implements analysis.ResultSink. Failed analyses are not alerted.
func (t *Telegram) HandleOutcome(o *analysis.Outcome) {
	if o.Failed() || o.Result == nil {
		return
	}
	msg := FormatAlert(o, t.now())
	select {
	case t.queue <- msg:
	default:
		t.metrics.Inc("TELEGRAM_DROPPED")
		logger.Warn().Str("client_ip", o.Task.Meta.IP).Msg("Telegram: queue full, alert dropped.")
	}
}

// Start 启动发送 goroutine。
func (t *Telegram) Start(ctx context.Context) {
	t.startOnce.Do(func() {
		t.waitGroup.Add(1)
		go t.run(ctx)
	})
}

// Stop 停止发送 goroutine，队列中剩余的消息被丢弃。
func (t *Telegram) Stop() {
	t.stopOnce.Do(func() {
		close(t.stopCh)
	})
	t.waitGroup.Wait()
}

func (t *Telegram) run(ctx context.Context) {
	defer t.waitGroup.Done()
	for {
		select {
		case msg := <-t.queue:
			if err := t.Send(ctx, msg); err != nil {
				t.metrics.Inc("TELEGRAM_ERROR")
				t.metrics.AddError("TELEGRAM_ERROR#" + err.Error())
				logger.Error().Err(err).Msg("Telegram: failed to send alert.")
			}
		case <-t.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Send 把消息按 MaxMessageLength 切分后依次发送，每段失败时按指数退避重试。
func (t *Telegram) Send(ctx context.Context, message string) error {
	for _, part := range SplitMessage(message, MaxMessageLength) {
		msg := tgbotapi.NewMessage(t.chatID, part)
		msg.ParseMode = tgbotapi.ModeMarkdown

		b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(500*time.Millisecond),
			backoff.WithMaxInterval(5*time.Second),
		), maxRetries), ctx)
		err := backoff.Retry(func() error {
			_, err := t.bot.Send(msg)
			return err
		}, b)
		if err != nil {
			return fmt.Errorf("telegram send failed: %w", err)
		}
		t.metrics.Inc("TELEGRAM_SENT")
	}
	logger.Debug().Msg("Message sent successfully to Telegram")
	return nil
}

// SplitMessage 把 message 切成最多 limit 个字符 (rune) 的片段。
func SplitMessage(message string, limit int) []string {
	runes := []rune(message)
	if limit <= 0 || len(runes) <= limit {
		return []string{message}
	}
	var parts []string
	for i := 0; i < len(runes); i += limit {
		end := i + limit
		if end > len(runes) {
			end = len(runes)
		}
		parts = append(parts, string(runes[i:end]))
	}
	return parts
}

func levelEmoji(level string) string {
	switch level {
	case analysis.LevelRed:
		return "🔴"
	case analysis.LevelYellow:
		return "🟡"
	case analysis.LevelGreen:
		return "🟢"
	default:
		return "⚪"
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}

// FormatAlert 生成 Markdown 格式的告警消息。
func FormatAlert(o *analysis.Outcome, now time.Time) string {
	var b strings.Builder
	b.WriteString("🚨 *Honeypot Alert* 🚨\n\n")

	meta := o.Task.Meta
	b.WriteString("📊 *Metadata:*\n")
	fmt.Fprintf(&b, "• IP: `%s`\n", orUnknown(meta.IP))
	fmt.Fprintf(&b, "• Country: %s\n", orUnknown(meta.Country))
	fmt.Fprintf(&b, "• Service: %s\n", orUnknown(meta.Service))
	fmt.Fprintf(&b, "• Size: %d bytes\n", meta.Size)
	fmt.Fprintf(&b, "• Time: %s\n\n", now.Format("2006-01-02 15:04:05"))

	if r := o.Result; r != nil {
		b.WriteString("🤖 *LLM Analysis:*\n")
		level := strings.ToUpper(orUnknown(r.Level))
		fmt.Fprintf(&b, "• Threat Level: %s %s\n", levelEmoji(r.Level), level)
		if r.Description != "" {
			fmt.Fprintf(&b, "• Summary: %s\n", r.Description)
		}
		if r.Phase != "" {
			fmt.Fprintf(&b, "• Phase: %s\n", r.Phase)
		}
		b.WriteString("\n")
	}

	if dump := o.Task.Payload; dump != "" {
		b.WriteString("📝 *Data Dump:*\n")
		runes := []rune(dump)
		if len(runes) > maxDumpLength {
			fmt.Fprintf(&b, "```\n%s...\n```\n", string(runes[:maxDumpLength]))
			fmt.Fprintf(&b, "_(Truncated from %d characters)_\n", len(runes))
		} else {
			fmt.Fprintf(&b, "```\n%s\n```\n", dump)
		}
	}
	return b.String()
}
