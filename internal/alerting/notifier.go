package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"arb-scanner/internal/market"
	"arb-scanner/internal/report"
)

// Notification 封装一次套利机会告警。
type Notification struct {
	Record        report.Record
	ThresholdPct  decimal.Decimal
	Environment   string
	AdditionalMsg string
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().Str("id", note.Record.ID).
		Str("path", note.Record.Path).
		Str("profit_pct", note.Record.ProfitPercent.String()).
		Msg("告警已发送 (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	rec := note.Record
	builder := strings.Builder{}
	if note.Environment != "" {
		builder.WriteString(fmt.Sprintf("[Arbitrage %s] %s\n", strings.ToUpper(note.Environment), rec.Variant))
	} else {
		builder.WriteString(fmt.Sprintf("[Arbitrage] %s\n", rec.Variant))
	}
	builder.WriteString(fmt.Sprintf("Detected: %s UTC\n", rec.DetectedAt.UTC().Format(time.RFC3339)))
	builder.WriteString(fmt.Sprintf("Path: %s\n", rec.Path))
	builder.WriteString(fmt.Sprintf("Profit: %s%% (threshold %s%%)\n", rec.ProfitPercent.StringFixed(3), note.ThresholdPct.StringFixed(3)))
	builder.WriteString(fmt.Sprintf("Amount: %s -> %s %s\n", rec.InitialAmount.String(), rec.FinalAmount.String(), rec.Base))
	builder.WriteString(fmt.Sprintf("Min volume: %s USDT\n", rec.MinVolumeUSDT.StringFixed(2)))
	for i, leg := range rec.Legs {
		where := leg.Symbol
		if leg.Venue != "" {
			where = leg.Venue
		}
		builder.WriteString(fmt.Sprintf("%d. %s %s %s->%s @ %s\n", i+1, leg.Side, where, leg.From, leg.To, leg.Price.String()))
	}
	if rec.Provider != "" {
		builder.WriteString(fmt.Sprintf("Provider: %s\n", rec.Provider))
	}
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

// Sink 将 Notifier 适配为报告通道，只推送达到阈值的机会。
type Sink struct {
	notifier    Notifier
	threshold   decimal.Decimal
	environment string
}

// NewSink 构造告警报告通道。
func NewSink(notifier Notifier, thresholdPct float64, environment string) *Sink {
	return &Sink{
		notifier:    notifier,
		threshold:   decimal.NewFromFloat(thresholdPct),
		environment: environment,
	}
}

// Name 标识报告通道。
func (s *Sink) Name() string { return "telegram" }

// Save 推送达到阈值的机会，低于阈值时静默跳过。
func (s *Sink) Save(ctx context.Context, opp market.Opportunity) error {
	rec := report.NewRecord(opp)
	if rec.ProfitPercent.LessThan(s.threshold) {
		return nil
	}
	return s.notifier.Notify(ctx, Notification{
		Record:       rec,
		ThresholdPct: s.threshold,
		Environment:  s.environment,
	})
}

var (
	_ Notifier    = (*TelegramNotifier)(nil)
	_ report.Sink = (*Sink)(nil)
)
