// Package app assembles the bridge: upstream client, rate publisher, quote
// engine, FIX acceptor, order-book bridge, split router, and the admin
// surface, with ordered startup and a bounded graceful shutdown.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/deluthium/liquidity-bridge/internal/admin"
	"github.com/deluthium/liquidity-bridge/internal/audit"
	"github.com/deluthium/liquidity-bridge/internal/bridge"
	"github.com/deluthium/liquidity-bridge/internal/bus"
	"github.com/deluthium/liquidity-bridge/internal/config"
	"github.com/deluthium/liquidity-bridge/internal/fix"
	"github.com/deluthium/liquidity-bridge/internal/journal"
	pgjournal "github.com/deluthium/liquidity-bridge/internal/journal/postgres"
	"github.com/deluthium/liquidity-bridge/internal/lifecycle"
	"github.com/deluthium/liquidity-bridge/internal/metrics"
	"github.com/deluthium/liquidity-bridge/internal/publisher"
	"github.com/deluthium/liquidity-bridge/internal/ratecache"
	"github.com/deluthium/liquidity-bridge/internal/signer"
	"github.com/deluthium/liquidity-bridge/internal/splitrouter"
	"github.com/deluthium/liquidity-bridge/internal/tokens"
	"github.com/deluthium/liquidity-bridge/internal/upstream"
)

// drainWindow bounds the graceful shutdown.
const drainWindow = 15 * time.Second

// App owns every long-lived component.
type App struct {
	cfg *config.Config

	events   *bus.Bus
	journal  journal.Journal
	trail    *audit.Trail
	client   *upstream.Client
	stream   *upstream.Stream
	cache    *ratecache.Store
	registry *tokens.Registry
	loop     *publisher.Loop
	engine   *lifecycle.Engine
	acceptor *fix.Acceptor
	bridge   *bridge.Reconciler
	split    *splitrouter.Optimizer
	metrics  *metrics.Metrics
	admin    *admin.Server

	cancel context.CancelFunc
	gaugeDone chan struct{}
}

// New wires the component graph from configuration. Nothing is started.
func New(cfg *config.Config) (*App, error) {
	a := &App{cfg: cfg, events: bus.New(), metrics: metrics.New()}

	jnl, err := buildJournal(cfg)
	if err != nil {
		return nil, err
	}
	a.journal = jnl
	a.trail = audit.New(jnl, "lqbridge")

	a.client, err = upstream.NewClient(upstream.ClientConfig{
		BaseURL:    cfg.Upstream.BaseURL,
		Auth:       upstream.StaticToken(cfg.Upstream.AuthToken),
		ChainID:    cfg.Upstream.ChainID,
		Timeout:    cfg.UpstreamTimeout(),
		MaxRetries: cfg.Upstream.MaxRetries,
		RPS:        float64(cfg.Upstream.RPS),
		Burst:      cfg.Upstream.Burst,
		Observe: func(endpoint string, d time.Duration) {
			a.metrics.UpstreamLatency.WithLabelValues(endpoint).Observe(d.Seconds())
		},
	})
	if err != nil {
		return nil, fmt.Errorf("upstream client: %w", err)
	}

	backend, err := buildCacheBackend(cfg)
	if err != nil {
		return nil, err
	}
	a.cache = ratecache.New(backend, a.events)
	a.registry = tokens.NewRegistry(cfg.Upstream.ChainID)

	a.loop = publisher.New(publisher.Config{
		ChainID:         cfg.Upstream.ChainID,
		RefreshInterval: cfg.RateRefreshInterval(),
		MarkupBps:       cfg.Rate.MarkupBps,
		MaxConcurrent:   cfg.Rate.MaxConcurrent,
	}, a.client, a.cache, a.registry, a.events)

	a.engine = lifecycle.NewEngine(lifecycle.Config{
		DefaultValidity:   time.Duration(cfg.Lifecycle.DefaultQuoteValidityS) * time.Second,
		DefaultFeeRateBps: cfg.Lifecycle.DefaultFeeRateBps,
		ChainID:           cfg.Upstream.ChainID,
		FromAddr:          cfg.Upstream.FromAddr,
	}, a.client, a.trail, a.events)
	for _, cp := range cfg.Counterparties {
		a.engine.RegisterCounterparty(cp)
	}

	a.acceptor = fix.NewAcceptor(fix.AcceptorConfig{
		ListenAddr:  cfg.FIX.ListenAddr(),
		TLSCertFile: cfg.FIX.TLSCertPath,
		TLSKeyFile:  cfg.FIX.TLSKeyPath,
		AllowedIPs:  cfg.FIX.AllowedIPs,
		MaxSessions: cfg.FIX.MaxSessions,
		Sessions:    cfg.FIX.Sessions,
	}, fix.NewApp(a.engine, a.registry), a.trail)
	a.acceptor.SetTrafficHooks(
		func(msgType string) { a.metrics.FIXMessagesIn.WithLabelValues(msgType).Inc() },
		func(msgType string) { a.metrics.FIXMessagesOut.WithLabelValues(msgType).Inc() },
	)

	if cfg.Bridge.Enabled {
		a.bridge = bridge.New(bridge.Config{
			RefreshInterval:       cfg.BridgeRefreshInterval(),
			Strategy:              bridge.Strategy(cfg.Bridge.Strategy),
			SpreadBps:             cfg.Bridge.SpreadBps,
			MaxOrders:             cfg.Bridge.MaxOrders,
			DeviationThresholdBps: cfg.Bridge.PriceDeviationThreshold,
			ChainID:               cfg.Upstream.ChainID,
		}, a.client, bridge.NewRESTVenue(cfg.Bridge.Venue), a.events, a.trail)
	}

	var executor *splitrouter.Executor
	if cfg.Split.Enabled {
		amm := splitrouter.NewRESTAMM(splitrouter.RESTAMMConfig{
			BaseURL: cfg.Split.AMMBaseURL,
			APIKey:  cfg.Split.AMMAPIKey,
		})
		gasPrice := upstream.NewAmount(nil)
		if cfg.Split.GasPriceWei != "" {
			gasPrice, err = upstream.ParseAmount(cfg.Split.GasPriceWei)
			if err != nil {
				return nil, fmt.Errorf("split.gas_price_wei: %w", err)
			}
		}
		a.split = splitrouter.NewOptimizer(splitrouter.OptimizerConfig{
			MinSplitBps: cfg.Split.MinSplitBps,
			GasPriceWei: gasPrice,
		}, a.client, amm, cfg.Upstream.ChainID)

		if cfg.Split.RelayURL != "" {
			executor, err = buildExecutor(cfg, a.client, amm)
			if err != nil {
				return nil, err
			}
		}
	}

	if cfg.Upstream.WSURL != "" {
		a.stream = upstream.NewStream(cfg.Upstream.WSURL, upstream.StaticToken(cfg.Upstream.AuthToken), nil, func() {
			a.events.Publish(bus.TopicDisconnect, cfg.Upstream.WSURL)
		})
	}

	a.admin = admin.New(cfg.Admin.ListenAddr, a.engine, a.acceptor, orderLister(a.bridge), a.cache, a.journal, a.metrics)
	if a.split != nil {
		a.admin.WithSplitRouter(a.split, splitExecutor(executor))
	}
	a.wireMetrics()
	return a, nil
}

// Start brings components up in dependency order: rates first, then quote
// intake, then mirroring.
func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	if err := a.loop.Start(ctx); err != nil {
		return fmt.Errorf("rate publisher: %w", err)
	}
	if a.stream != nil {
		if err := a.stream.Connect(ctx); err != nil {
			log.Warn().Err(err).Msg("upstream stream unavailable at startup, continuing on REST")
		}
	}
	if err := a.acceptor.Start(ctx); err != nil {
		return fmt.Errorf("fix acceptor: %w", err)
	}
	if a.bridge != nil {
		if err := a.registerBridgeMappings(); err != nil {
			return err
		}
		a.bridge.Start(ctx)
	}
	if err := a.admin.Start(); err != nil {
		return fmt.Errorf("admin server: %w", err)
	}

	a.gaugeDone = make(chan struct{})
	go a.runGauges(ctx)

	log.Info().
		Str("fix_addr", a.cfg.FIX.ListenAddr()).
		Str("admin_addr", a.cfg.Admin.ListenAddr).
		Bool("bridge", a.bridge != nil).
		Bool("split", a.split != nil).
		Msg("liquidity bridge started")
	return nil
}

// Stop drains in reverse order within the drain window: stop intake, log
// sessions out, cancel downstream orders, stop the rate loop, then the
// admin surface.
func (a *App) Stop() {
	log.Info().Msg("shutting down")
	deadline := time.Now().Add(drainWindow)

	a.acceptor.Stop()
	if a.bridge != nil {
		a.bridge.Stop()
	}
	if a.stream != nil {
		a.stream.Close()
	}
	a.loop.Stop()
	if a.cancel != nil {
		a.cancel()
	}
	if a.gaugeDone != nil {
		<-a.gaugeDone
	}

	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()
	if err := a.admin.Stop(ctx); err != nil {
		log.Warn().Err(err).Msg("admin shutdown failed")
	}
	log.Info().Msg("shutdown complete")
}

// registerBridgeMappings resolves configured mappings against the registry
// populated by the publisher bootstrap.
func (a *App) registerBridgeMappings() error {
	pairs := a.registry.Pairs()
	byID := make(map[string]upstream.TradingPair, len(pairs))
	for _, p := range pairs {
		byID[p.ID] = p
	}

	for _, m := range a.cfg.Bridge.Mappings {
		pair, ok := byID[m.PairID]
		if !ok {
			return fmt.Errorf("bridge mapping references unknown pair %q", m.PairID)
		}
		size, err := decimal.NewFromString(m.Size)
		if err != nil {
			return fmt.Errorf("bridge mapping %s size: %w", m.PairID, err)
		}
		a.bridge.Register(bridge.Mapping{
			PairID:     pair.ID,
			BaseToken:  pair.BaseToken,
			QuoteToken: pair.QuoteToken,
			Ticker:     m.Ticker,
			Side:       bridge.OrderSide(m.Side),
			Size:       size,
		})
	}
	return nil
}

// wireMetrics translates bus traffic into counters.
func (a *App) wireMetrics() {
	a.events.Subscribe(bus.TopicQuoteEvent, func(payload interface{}) {
		if ev, ok := payload.(lifecycle.Event); ok {
			a.metrics.QuotesTotal.WithLabelValues(string(ev.To)).Inc()
		}
	})
	a.events.Subscribe(bus.TopicRateUpdated, func(interface{}) {
		a.metrics.RateRefreshes.WithLabelValues("ok").Inc()
	})
	a.events.Subscribe(bus.TopicRateError, func(interface{}) {
		a.metrics.RateRefreshes.WithLabelValues("error").Inc()
	})
}

// runGauges samples gauge-style metrics on a short interval.
func (a *App) runGauges(ctx context.Context) {
	defer close(a.gaugeDone)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		active := 0
		for _, s := range a.acceptor.Sessions() {
			if s.State() == fix.SessionLoggedIn {
				active++
			}
		}
		a.metrics.SessionsActive.Set(float64(active))
		a.metrics.RateCacheEntries.Set(float64(a.cache.Len(ctx)))
		for state, n := range a.engine.Counts() {
			a.metrics.QuotesActive.WithLabelValues(string(state)).Set(float64(n))
		}
		if a.bridge != nil {
			byState := map[bridge.OrderState]int{}
			for _, o := range a.bridge.Orders() {
				byState[o.State]++
			}
			for state, n := range byState {
				a.metrics.BridgeOrders.WithLabelValues(string(state)).Set(float64(n))
			}
		}
	}
}

// Optimizer exposes the split router, when enabled.
func (a *App) Optimizer() *splitrouter.Optimizer { return a.split }

func buildJournal(cfg *config.Config) (journal.Journal, error) {
	switch cfg.Journal.Backend {
	case "postgres":
		j, err := pgjournal.New(cfg.Journal.PostgresDSN, 10*time.Second)
		if err != nil {
			return nil, fmt.Errorf("postgres journal: %w", err)
		}
		return j, nil
	default:
		return journal.NewMemory(cfg.Journal.MaxEntries, time.Duration(cfg.Journal.MaxAgeH)*time.Hour), nil
	}
}

func buildCacheBackend(cfg *config.Config) (ratecache.Backend, error) {
	switch cfg.Rate.Backend {
	case "redis":
		backend, err := ratecache.NewRedis(context.Background(), cfg.Rate.RedisAddr)
		if err != nil {
			return nil, fmt.Errorf("redis cache: %w", err)
		}
		return backend, nil
	default:
		return ratecache.NewMemory(cfg.Rate.MaxEntries), nil
	}
}

// buildExecutor assembles the settlement path: signer, relay submitter, and
// the per-leg executor. The local signer mode carries no key primitive, so
// execution requires the kms signer.
func buildExecutor(cfg *config.Config, firm splitrouter.FirmSource, amm splitrouter.AMM) (*splitrouter.Executor, error) {
	if cfg.Signer.Mode != "kms" {
		log.Warn().Msg("split.relay_url set but signer mode is not kms, planning only")
		return nil, nil
	}
	sgn, err := signer.NewKMS(cfg.Signer.Address, cfg.Signer.KMSURL, cfg.Signer.KMSKeyID,
		time.Duration(cfg.Signer.TimeoutMS)*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("kms signer: %w", err)
	}
	submitter, err := splitrouter.NewRelaySubmitter(cfg.Split.RelayURL, sgn, cfg.UpstreamTimeout())
	if err != nil {
		return nil, fmt.Errorf("relay submitter: %w", err)
	}
	return splitrouter.NewExecutor(splitrouter.ExecutorConfig{
		MaxSlippageBps: cfg.Split.MaxSlippageBps,
		FromAddr:       cfg.Upstream.FromAddr,
		ChainID:        cfg.Upstream.ChainID,
	}, firm, amm, submitter), nil
}

// orderLister adapts a possibly-nil reconciler for the admin surface.
func orderLister(r *bridge.Reconciler) admin.OrderLister {
	if r == nil {
		return nil
	}
	return r
}

// splitExecutor keeps a nil executor out of the admin interface value.
func splitExecutor(e *splitrouter.Executor) admin.SplitExecutor {
	if e == nil {
		return nil
	}
	return e
}
