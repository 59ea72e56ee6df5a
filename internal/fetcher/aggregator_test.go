package fetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"arb-scanner/internal/market"
)

const rateTable = `{"rates":[
{"from":"sol","to":"btc","provider":"slow","give":"1","receive":"0.0025","reserve":"4","min":"0.5","max":"100"},
{"from":"SOL","to":"BTC","provider":"fast","give":10,"receive":0.0262,"reserve":2},
{"from":"SOL","to":"BTC","provider":"broken","give":"0","receive":"1"},
{"from":"ETH","to":"ETH","provider":"self","give":"1","receive":"1"}
]}`

func TestAggregatorReloadBuildsRankedTable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(rateTable))
	}))
	defer srv.Close()

	agg := NewAggregator(AggregatorOptions{Name: "agg", RatesURL: srv.URL}, testClient(), noopLogger())

	offers, err := agg.Rate(context.Background(), "SOL", "BTC")
	if err != nil {
		t.Fatalf("首次查询应自动加载: %v", err)
	}
	if len(offers) != 2 {
		t.Fatalf("应过滤无效行, 实际 %+v", offers)
	}
	if offers[0].ProviderID != "fast" || offers[1].ProviderID != "slow" {
		t.Fatalf("报价应按汇率降序: %+v", offers)
	}
	if offers[0].Rate != 0.00262 {
		t.Fatalf("汇率应为 receive/give, 实际 %v", offers[0].Rate)
	}
	if offers[1].GiveMin != 0.5 || offers[1].GiveMax != 100 || offers[1].Reserve != 4 {
		t.Fatalf("限额解析错误: %+v", offers[1])
	}

	if _, err := agg.Rate(context.Background(), "BTC", "SOL"); !errors.Is(err, market.ErrNoData) {
		t.Fatalf("反向无报价应返回 ErrNoData, 实际 %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("表已加载后不应再次请求, 实际 %d", calls.Load())
	}
	if agg.LoadedAt().IsZero() {
		t.Fatal("应记录加载时间")
	}
}

func TestAggregatorFailedReloadKeepsTable(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(rateTable))
	}))
	defer srv.Close()

	agg := NewAggregator(AggregatorOptions{RatesURL: srv.URL}, testClient(), noopLogger())
	if err := agg.Reload(context.Background()); err != nil {
		t.Fatalf("加载不应报错: %v", err)
	}

	fail.Store(true)
	if err := agg.Reload(context.Background()); err == nil {
		t.Fatal("HTTP 400 应返回错误")
	}
	if _, err := agg.Rate(context.Background(), "SOL", "BTC"); err != nil {
		t.Fatalf("失败的重载不应清空旧表: %v", err)
	}
}

func TestAggregatorMissingURL(t *testing.T) {
	agg := NewAggregator(AggregatorOptions{}, testClient(), noopLogger())
	if err := agg.Reload(context.Background()); err == nil {
		t.Fatal("未配置 rates_url 时应报错")
	}
}
