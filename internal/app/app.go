package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"arb-scanner/internal/alerting"
	"arb-scanner/internal/config"
	"arb-scanner/internal/fetcher"
	"arb-scanner/internal/market"
	"arb-scanner/internal/metrics"
	"arb-scanner/internal/monitor"
	"arb-scanner/internal/netclient"
	"arb-scanner/internal/pathfinder"
	"arb-scanner/internal/profit"
	"arb-scanner/internal/report"
	"arb-scanner/internal/scanner"
	"arb-scanner/internal/scheduler"
	"arb-scanner/internal/storage"
	"arb-scanner/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// pipeline owns one generation of venue clients, caches and scan components.
type pipeline struct {
	orchestrator *scanner.Orchestrator
	loader       *monitor.BaseData
	calc         *profit.Calculator
	cached       []*fetcher.Cached
	clients      []*netclient.Client
	onchain      *fetcher.OnChain
}

func (p *pipeline) cleanup() int {
	purged := p.calc.CleanupMemo()
	for _, c := range p.cached {
		purged += c.Cleanup()
	}
	return purged
}

func (p *pipeline) close() {
	for _, c := range p.clients {
		c.Shutdown()
	}
	if p.onchain != nil {
		p.onchain.Close()
	}
}

func (p *pipeline) collaborators() *monitor.Collaborators {
	return &monitor.Collaborators{
		Scanner: p.orchestrator,
		Loader:  p.loader,
		Cleanup: p.cleanup,
		Close:   p.close,
	}
}

// carryover holds the state that outlives a pipeline rebuild: adaptive scan
// caps and the call history of each venue's rate window.
type carryover struct {
	tuner *scanner.Tuner

	mu      sync.Mutex
	windows map[string]*netclient.Window
}

func (a *App) newCarryover() *carryover {
	return &carryover{tuner: a.newTuner(), windows: make(map[string]*netclient.Window)}
}

// window returns the rate window of venue, creating it on first use.
func (c *carryover) window(venue string, cfg config.ClientConfig) *netclient.Window {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w, ok := c.windows[venue]; ok {
		return w
	}
	w := netclient.NewWindow(netclient.WindowOptions{
		Limit: cfg.RatePerMinute,
		Span:  time.Minute,
		Poll:  cfg.PollInterval,
	})
	c.windows[venue] = w
	return w
}

func (a *App) newClient(name string, carry *carryover) *netclient.Client {
	cfg := a.Config.Client
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = version.UserAgent()
	}
	return netclient.New(netclient.Options{
		Name:          name,
		RatePerMinute: cfg.RatePerMinute,
		MaxConcurrent: cfg.MaxConcurrent,
		MaxAttempts:   cfg.MaxAttempts,
		BackoffBase:   cfg.BackoffBase,
		RetryDelay:    cfg.RetryDelay,
		Timeout:       cfg.Timeout,
		PollInterval:  cfg.PollInterval,
		UserAgent:     userAgent,
		Window:        carry.window(name, cfg),
	}, a.Logger)
}

func (a *App) newTuner() *scanner.Tuner {
	cfg := a.Config.Scanner
	return scanner.NewTuner(scanner.TunerOptions{
		PairCap:   cfg.PairCap,
		PairMin:   cfg.PairMin,
		PairMax:   cfg.PairMax,
		CycleCap:  cfg.CycleCap,
		CycleMin:  cfg.CycleMin,
		CycleMax:  cfg.CycleMax,
		Expensive: cfg.Expensive,
		Cheap:     cfg.Cheap,
	})
}

func (a *App) newCalculator() *profit.Calculator {
	cfg := a.Config.Profit
	return profit.New(profit.Options{
		Venue:                  a.Config.Primary.Name,
		StartAmount:            cfg.StartAmount,
		Commission:             cfg.Commission,
		MinProfitPercent:       cfg.MinProfitPct,
		MaxProfitPercent:       cfg.MaxProfitPct,
		LiquidityFloorUSDT:     cfg.LiquidityFloorUSDT,
		WithdrawalFees:         upperKeys(cfg.WithdrawalFees),
		FeeEstimatesUSDT:       upperKeys(cfg.FeeEstimatesUSDT),
		DefaultFeeEstimateUSDT: cfg.DefaultFeeEstimateUSDT,
		MemoTTL:                cfg.MemoTTL,
		MemoSize:               cfg.MemoSize,
	})
}

// newPipeline wires venues into a scanner. Nothing is dialled until first use.
func (a *App) newPipeline(carry *carryover) *pipeline {
	p := &pipeline{calc: a.newCalculator()}

	primaryClient := a.newClient(a.Config.Primary.Name, carry)
	p.clients = append(p.clients, primaryClient)
	primary := fetcher.NewCached(
		fetcher.NewSpot(fetcher.SpotOptions{Name: a.Config.Primary.Name, BaseURL: a.Config.Primary.BaseURL}, primaryClient, a.Logger),
		fetcher.CachedOptions{QuoteTTL: a.Config.Primary.QuoteTTL, QuoteSize: a.Config.Primary.QuoteSize},
	)
	p.cached = append(p.cached, primary)

	rateCache := fetcher.CachedOptions{RateTTL: a.Config.Aggregator.RateTTL, RateSize: a.Config.Aggregator.RateSize}
	var rateVenues []market.Venue
	if a.Config.Aggregator.Enabled {
		client := a.newClient(a.Config.Aggregator.Name, carry)
		p.clients = append(p.clients, client)
		agg := fetcher.NewCached(fetcher.NewAggregator(fetcher.AggregatorOptions{
			Name:     a.Config.Aggregator.Name,
			RatesURL: a.Config.Aggregator.RatesURL,
		}, client, a.Logger), rateCache)
		p.cached = append(p.cached, agg)
		rateVenues = append(rateVenues, agg)
	}
	if a.Config.OnChain.Enabled {
		client := a.newClient(a.Config.OnChain.Name, carry)
		p.clients = append(p.clients, client)
		p.onchain = fetcher.NewOnChain(fetcher.OnChainOptions{
			Name:    a.Config.OnChain.Name,
			RPCURL:  a.Config.OnChain.RPCURL,
			Pools:   a.Config.OnChain.Pools,
			Timeout: a.Config.OnChain.Timeout,
		}, client, a.Logger)
		chain := fetcher.NewCached(p.onchain, rateCache)
		p.cached = append(p.cached, chain)
		rateVenues = append(rateVenues, chain)
	}

	var (
		rates     market.Venue
		reloaders []market.Reloader
		rateName  string
	)
	if len(rateVenues) > 0 {
		book := fetcher.NewRateBook(rateVenueName(rateVenues), a.Logger, rateVenues...)
		rates, rateName = book, book.Name()
		reloaders = append(reloaders, book)
	}

	codes := market.NewCodes(a.Config.ResolveCurrencies(market.DefaultCodes))
	p.loader = monitor.NewBaseData(primary, codes, a.Logger, reloaders...)

	cfg := a.Config.Scanner
	p.orchestrator = scanner.New(scanner.Options{
		Base:            strings.ToUpper(cfg.Base),
		DiscoverTimeout: cfg.DiscoverTimeout,
		AcquireTimeout:  cfg.AcquireTimeout,
		AnalyzeTimeout:  cfg.AnalyzeTimeout,
		ScanTimeout:     cfg.ScanTimeout,
		FirstLegCap:     cfg.FirstLegCap,
		FetchCeiling:    cfg.FetchCeiling,
		YieldEvery:      cfg.YieldEvery,
		AggregatorName:  rateName,
	}, pathfinder.New(pathfinder.Options{}, a.Logger), p.calc, primary, rates, carry.tuner, a.Logger)

	return p
}

func rateVenueName(venues []market.Venue) string {
	names := make([]string, len(venues))
	for i, v := range venues {
		names[i] = v.Name()
	}
	return strings.Join(names, "+")
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Enabled && a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, cfg.Timeout, a.Logger)
	}
	return nil
}

// newSinks assembles reporting sinks. store may be nil. The returned func releases sink connections.
func (a *App) newSinks(ctx context.Context, store *storage.Store) ([]report.Sink, func(), error) {
	sinks := []report.Sink{report.NewLogSink(a.Logger)}
	closer := func() {}

	if store != nil {
		sinks = append(sinks, store)
	}
	if notifier := a.newNotifier(); notifier != nil {
		sinks = append(sinks, alerting.NewSink(notifier, a.Config.Alerting.ThresholdPct, a.Config.App.Environment))
	}
	if a.Config.Redis.Enabled {
		cfg := a.Config.Redis
		rs := report.NewRedisSink(report.RedisOptions{
			Addr:      cfg.Addr,
			Password:  cfg.Password,
			DB:        cfg.DB,
			Channel:   cfg.Channel,
			KeyPrefix: cfg.KeyPrefix,
			TTL:       cfg.TTL,
		}, a.Logger)
		if err := rs.Ping(ctx); err != nil {
			_ = rs.Close()
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		sinks = append(sinks, rs)
		closer = func() {
			if err := rs.Close(); err != nil {
				a.Logger.Warn().Err(err).Msg("close redis sink")
			}
		}
	}
	return sinks, closer, nil
}

func (a *App) newDispatcher(sinks []report.Sink) *report.Dispatcher {
	return report.NewDispatcher(report.DispatcherOptions{
		Buffer:      a.Config.Monitor.ReportBuffer,
		SaveTimeout: a.Config.Monitor.SaveTimeout,
	}, a.Logger, sinks...)
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool, a.Logger)
	if a.Config.Database.EnsureSchema {
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
	}
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// Run executes the long-running monitor until interrupted.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence and single-instance lock disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	if store != nil {
		unlock, acquired, err := store.TryAdvisoryLock(ctx, a.Config.Scheduler.AdvisoryLockKey)
		if err != nil {
			return err
		}
		if !acquired {
			return fmt.Errorf("another monitor holds advisory lock %d", a.Config.Scheduler.AdvisoryLockKey)
		}
		defer unlock()
	}

	sinks, closeSinks, err := a.newSinks(ctx, store)
	if err != nil {
		return err
	}
	defer closeSinks()
	dispatcher := a.newDispatcher(sinks)

	carry := a.newCarryover()
	factory := func(ctx context.Context) (*monitor.Collaborators, error) {
		return a.newPipeline(carry).collaborators(), nil
	}

	mcfg := a.Config.Monitor
	mon := monitor.New(monitor.Options{
		ScanInterval:   mcfg.ScanInterval,
		FailureBackoff: mcfg.FailureBackoff,
		MaxFailures:    mcfg.MaxFailures,
		ReinitAttempts: mcfg.ReinitAttempts,
		FlushTimeout:   mcfg.FlushTimeout,
		Dedup: monitor.DeduperOptions{
			Window: mcfg.DedupWindow,
			Delta:  mcfg.DedupDelta,
			Size:   mcfg.DedupSize,
		},
	}, factory, dispatcher, a.Logger)

	sched, err := scheduler.New(scheduler.Options{
		Name:         "base_data_reload",
		Interval:     mcfg.ReloadInterval,
		AlignToStart: a.Config.Scheduler.AlignToStart,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mon.Run(gctx) })
	g.Go(func() error { return sched.Run(gctx, mon.RequestReload) })
	if a.Config.Metrics.Enabled {
		a.serveMetrics(gctx, g)
	}

	a.Logger.Info().Str("base", a.Config.Scanner.Base).Int("sinks", len(sinks)).Msg("starting monitor")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("monitor terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitor stopped")
	return nil
}

func (a *App) serveMetrics(ctx context.Context, g *errgroup.Group) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              a.Config.Metrics.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		a.Logger.Info().Str("listen", srv.Addr).Msg("metrics endpoint listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

func upperKeys(in map[string]float64) map[string]float64 {
	if in == nil {
		return nil
	}
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[strings.ToUpper(k)] = v
	}
	return out
}

// ScanOptions configure a one-shot scan.
type ScanOptions struct {
	Limit  int
	Report bool
}

// ExportOptions hold parameters for exporting stored opportunities.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}
