package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"arb-scanner/internal/market"
	"arb-scanner/internal/netclient"
)

const (
	tickerPricePath = "/api/v3/ticker/price"
	bookTickerPath  = "/api/v3/ticker/bookTicker"
)

// SpotOptions parameterise the primary venue integration.
type SpotOptions struct {
	Name    string
	BaseURL string
	Now     func() time.Time
}

// Spot reads tickers and top-of-book quotes from a Binance-compatible REST API.
type Spot struct {
	opts    SpotOptions
	client  *netclient.Client
	logger  zerolog.Logger
	baseURL string
}

// NewSpot constructs the primary venue. Every call goes through client.
func NewSpot(opts SpotOptions, client *netclient.Client, logger zerolog.Logger) *Spot {
	if opts.Name == "" {
		opts.Name = "binance"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.binance.com"
	}
	return &Spot{
		opts:    opts,
		client:  client,
		logger:  logger.With().Str("component", "spot_fetcher").Str("venue", opts.Name).Logger(),
		baseURL: baseURL,
	}
}

// Name returns the venue label.
func (s *Spot) Name() string { return s.opts.Name }

// Universe returns the last traded price of every listed symbol. Unparseable rows are skipped.
func (s *Spot) Universe(ctx context.Context) (map[string]float64, error) {
	var rows []tickerPrice
	if err := s.client.GetJSON(ctx, s.baseURL+tickerPricePath, &rows); err != nil {
		return nil, fmt.Errorf("fetch tickers: %w", err)
	}

	prices := make(map[string]float64, len(rows))
	skipped := 0
	for _, row := range rows {
		price, err := parseAmount("price", row.Price)
		if err != nil || price <= 0 {
			skipped++
			continue
		}
		prices[row.Symbol] = price
	}
	if len(prices) == 0 {
		return nil, errors.New("ticker response contained no usable prices")
	}
	s.logger.Debug().Int("symbols", len(prices)).Int("skipped", skipped).Msg("universe fetched")
	return prices, nil
}

// Quote returns the best bid and ask for symbol. An unknown symbol yields market.ErrNoData.
func (s *Spot) Quote(ctx context.Context, symbol string) (market.Quote, error) {
	endpoint := s.baseURL + bookTickerPath + "?symbol=" + url.QueryEscape(symbol)

	var book bookTicker
	if err := s.client.GetJSON(ctx, endpoint, &book); err != nil {
		var reqErr *netclient.Error
		if errors.As(err, &reqErr) && reqErr.Status == http.StatusBadRequest {
			return market.Quote{}, fmt.Errorf("%s: %w", symbol, market.ErrNoData)
		}
		return market.Quote{}, err
	}

	q := market.Quote{Symbol: symbol, At: s.opts.Now().UTC()}
	fields := []struct {
		name string
		raw  string
		dst  *float64
	}{
		{"bidPrice", book.BidPrice, &q.Bid},
		{"askPrice", book.AskPrice, &q.Ask},
		{"bidQty", book.BidQty, &q.BidQty},
		{"askQty", book.AskQty, &q.AskQty},
	}
	for _, f := range fields {
		v, err := parseAmount(f.name, f.raw)
		if err != nil {
			return market.Quote{}, &netclient.Error{Kind: netclient.KindInvalidResponse, Err: err}
		}
		*f.dst = v
	}
	if !q.Valid() {
		return market.Quote{}, fmt.Errorf("%s: empty book: %w", symbol, market.ErrNoData)
	}
	return q, nil
}

// Rate is not offered by the primary venue.
func (s *Spot) Rate(ctx context.Context, from, to string) ([]market.ExchangeRate, error) {
	return nil, market.ErrNoData
}

type tickerPrice struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

type bookTicker struct {
	Symbol   string `json:"symbol"`
	BidPrice string `json:"bidPrice"`
	BidQty   string `json:"bidQty"`
	AskPrice string `json:"askPrice"`
	AskQty   string `json:"askQty"`
}

var _ market.Venue = (*Spot)(nil)
