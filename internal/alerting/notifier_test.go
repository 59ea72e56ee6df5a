package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"arb-scanner/internal/market"
	"arb-scanner/internal/report"
)

func sampleOpportunity(profit float64) market.Opportunity {
	return market.Opportunity{
		ID:      "opp-1",
		Variant: "spot",
		Cycle: market.Cycle{Base: "USDT", Legs: []market.Instrument{
			{Symbol: "ETHUSDT", Base: "ETH", Quote: "USDT"},
			{Symbol: "ETHBTC", Base: "ETH", Quote: "BTC"},
			{Symbol: "BTCUSDT", Base: "BTC", Quote: "USDT"},
		}},
		Legs: []market.LegFill{
			{Symbol: "ETHUSDT", Side: market.SideBuy, Price: 3000, From: "USDT", To: "ETH", AmountIn: 100, AmountOut: 0.0333},
			{Symbol: "ETHBTC", Side: market.SideSell, Price: 0.052, From: "ETH", To: "BTC", AmountIn: 0.0333, AmountOut: 0.00173},
			{Symbol: "BTCUSDT", Side: market.SideSell, Price: 60000, From: "BTC", To: "USDT", AmountIn: 0.00173, AmountOut: 103.6},
		},
		InitialAmount: 100,
		FinalAmount:   103.6,
		ProfitPercent: profit,
		MinVolumeUSDT: 2500,
		DetectedAt:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	note := Notification{Record: report.NewRecord(sampleOpportunity(3.6)), ThresholdPct: decimal.NewFromInt(1)}

	if err := notifier.Notify(context.Background(), note); err != nil {
		t.Fatalf("Telegram Notify 应成功: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	if !strings.Contains(received["text"], "USDT->ETH->BTC->USDT") {
		t.Fatalf("text 应包含路径: %q", received["text"])
	}
	if !strings.Contains(received["text"], "Profit: 3.600%") {
		t.Fatalf("text 应包含收益率: %q", received["text"])
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	note := Notification{Record: report.NewRecord(sampleOpportunity(3.6))}

	if err := notifier.Notify(context.Background(), note); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

type recordingNotifier struct {
	notes []Notification
}

func (r *recordingNotifier) Notify(ctx context.Context, note Notification) error {
	r.notes = append(r.notes, note)
	return nil
}

func TestSinkAppliesThreshold(t *testing.T) {
	rec := &recordingNotifier{}
	sink := NewSink(rec, 1.5, "prod")

	if err := sink.Save(context.Background(), sampleOpportunity(0.8)); err != nil {
		t.Fatalf("低于阈值不应报错: %v", err)
	}
	if len(rec.notes) != 0 {
		t.Fatalf("低于阈值不应推送, 实际 %d 条", len(rec.notes))
	}

	if err := sink.Save(context.Background(), sampleOpportunity(2.0)); err != nil {
		t.Fatalf("推送失败: %v", err)
	}
	if len(rec.notes) != 1 {
		t.Fatalf("应推送 1 条, 实际 %d 条", len(rec.notes))
	}
	if rec.notes[0].Environment != "prod" || rec.notes[0].Record.ID != "opp-1" {
		t.Fatalf("告警内容不正确: %#v", rec.notes[0])
	}
}

func TestRenderMessageIncludesLegsAndProvider(t *testing.T) {
	opp := sampleOpportunity(2)
	opp.ProviderID = "x1"
	msg := renderMessage(Notification{Record: report.NewRecord(opp), Environment: "staging"})
	for _, want := range []string{"[Arbitrage STAGING]", "1. buy ETHUSDT USDT->ETH", "Provider: x1", "2026-01-02T03:04:05Z"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("消息缺少 %q:\n%s", want, msg)
		}
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
