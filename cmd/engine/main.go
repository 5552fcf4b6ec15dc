// Command engine is the single process entrypoint: it wires the matching
// engine, settlement pipeline, topology cache, and event bus to the
// persistence layer and runs until SIGINT/SIGTERM, replacing the teacher's
// TCP-server-centric process with a ticking core whose only listener is the
// Prometheus /metrics endpoint.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	tomb "gopkg.in/tomb.v2"

	"gridtokenx/internal/book"
	"gridtokenx/internal/clearing"
	"gridtokenx/internal/config"
	"gridtokenx/internal/domain"
	"gridtokenx/internal/events"
	"gridtokenx/internal/ledger"
	"gridtokenx/internal/matching"
	"gridtokenx/internal/persistence"
	"gridtokenx/internal/settlement"
	"gridtokenx/internal/taskpool"
	"gridtokenx/internal/telemetry"
	"gridtokenx/internal/topology"
	"gridtokenx/internal/wallet"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the process config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("engine: failed to load config")
	}

	zerolog.SetGlobalLevel(logLevel(cfg.Log.Level))
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	store, err := persistence.Open(cfg.Store.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("engine: failed to open store")
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Cache.Addr})
	defer rdb.Close()
	cache := persistence.NewCache(rdb)

	topo := topology.New(store, time.Duration(cfg.Topology.RefreshIntervalSecs)*time.Second)

	bus := events.NewBus()

	var lg ledger.Ledger
	if cfg.Settlement.RealLedgerEnabled {
		lg = ledger.NewSolanaLedger(cfg.Settlement.SolanaRPCEndpoint)
	} else {
		lg = ledger.NewNullLedger()
	}

	decryptor := wallet.NewDecryptor(cfg.EncryptionSecret())

	settlementSvc := settlement.New(store, lg, bus, decryptor, settlement.Config{
		FeeRate:             decimal.NewFromFloat(cfg.Settlement.FeeRate),
		MaxRetries:          cfg.Settlement.MaxRetries,
		RetryBaseDelay:      time.Duration(cfg.Settlement.RetryBaseSecs) * time.Second,
		RetryCapDelay:       time.Duration(cfg.Settlement.RetryCapSecs) * time.Second,
		RealLedgerEnabled:   cfg.Settlement.RealLedgerEnabled,
		Asset:               cfg.Settlement.Asset,
		AssetDecimals:       uint8(cfg.Settlement.AssetDecimals),
		GridLossSinkWallet:  cfg.Settlement.GridLossSinkWallet,
		PlatformFeeAccount:  mustParseUUID(cfg.Settlement.PlatformFeeAccount),
		GridOperatorAccount: mustParseUUID(cfg.Settlement.GridOperatorAccount),
		InterCallDelay:      time.Duration(cfg.Settlement.InterCallDelayMillis) * time.Millisecond,
		BatchLimit:          cfg.Settlement.BatchLimit,
	})

	pool := taskpool.New(4, 100*time.Millisecond)
	dispatcher := &settlementDispatcher{inner: settlementSvc, pool: pool}

	bk := book.New()
	eng := matching.New(bk, store, topo, bus, dispatcher)

	if bids, asks, err := cache.RestoreFromCache(ctx, time.Now()); err != nil {
		log.Warn().Err(err).Msg("engine: cache restore failed, book will populate from the first matching cycle instead")
	} else {
		for _, o := range bids {
			bk.Add(o)
		}
		for _, o := range asks {
			bk.Add(o)
		}
		log.Info().Int("bids", len(bids)).Int("asks", len(asks)).Msg("engine: restored book from cache")
	}

	var t tomb.Tomb
	t.Go(func() error { return topo.Run(&t) })
	t.Go(func() error { return runMatchingLoop(&t, eng, bk, cache, time.Duration(cfg.Matching.CycleIntervalMillis)*time.Millisecond) })
	t.Go(func() error { return runMarketStatsLoop(&t, bk, bus, topo) })
	t.Go(func() error { return runSettlementSweep(&t, settlementSvc) })
	t.Go(func() error { pool.Setup(&t, settlementWorker(settlementSvc)); return nil })
	t.Go(func() error { return runMetricsServer(&t) })

	log.Info().Msg("engine: started")

	select {
	case <-ctx.Done():
		log.Info().Msg("engine: shutdown signal received")
	case <-t.Dying():
	}
	t.Kill(nil)
	if err := t.Wait(); err != nil {
		log.Error().Err(err).Msg("engine: exited with error")
	}
}

// settlementDispatcher wraps Service.CreateSettlements so every settlement
// a matching cycle produces is also queued onto the pacing pool for prompt
// execution, rather than waiting for the next sweep tick.
type settlementDispatcher struct {
	inner *settlement.Service
	pool  *taskpool.Pool
}

func (d *settlementDispatcher) CreateSettlements(ctx context.Context, trades []*domain.TradeMatch) ([]uuid.UUID, error) {
	ids, err := d.inner.CreateSettlements(ctx, trades)
	if err != nil {
		return ids, err
	}
	for _, id := range ids {
		d.pool.Submit(id)
	}
	return ids, nil
}

// settlementWorker processes one settlement execution task at a time,
// paced by the pool, recording the terminal outcome to telemetry.
func settlementWorker(svc *settlement.Service) taskpool.WorkerFunction {
	return func(t *tomb.Tomb, task any) error {
		id, ok := task.(uuid.UUID)
		if !ok {
			return nil
		}
		if err := svc.Execute(context.Background(), id); err != nil {
			telemetry.SettlementsTotal.WithLabelValues("failed").Inc()
			log.Error().Err(err).Str("settlement_id", id.String()).Msg("engine: settlement execution failed")
			return nil
		}
		telemetry.SettlementsTotal.WithLabelValues("completed").Inc()
		return nil
	}
}

// runMatchingLoop ticks ExecuteCycle on the configured interval until the
// tomb dies, snapshotting the resulting book to the cache's soft state
// (§4.3) after each cycle so a restart can restore a warm book instead of
// starting empty until the store reload lands.
func runMatchingLoop(t *tomb.Tomb, eng *matching.Engine, bk *book.Book, cache *persistence.Cache, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.Dying():
			return nil
		case <-ticker.C:
			telemetry.MatchingCyclesTotal.Inc()
			ctx := context.Background()
			if err := eng.ExecuteCycle(ctx); err != nil {
				log.Error().Err(err).Msg("engine: matching cycle failed")
				continue
			}
			bids, asks := bk.Snapshot()
			if err := cache.SaveSnapshot(ctx, bids, asks); err != nil {
				log.Warn().Err(err).Msg("engine: cache snapshot failed")
			}
		}
	}
}

// runMarketStatsLoop publishes the informational clearing price alongside
// book depth on a slower cadence than the matching ticker; clearing.Compute
// never drives matching itself, only this observability event.
func runMarketStatsLoop(t *tomb.Tomb, bk *book.Book, bus *events.Bus, topo *topology.Service) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-t.Dying():
			return nil
		case <-ticker.C:
			if age, ok := topo.CacheAge(); ok {
				telemetry.TopologyCacheAgeSeconds.Set(age.Seconds())
			}

			buyDepth, sellDepth := bk.BuyDepth(), bk.SellDepth()
			telemetry.BookDepth.WithLabelValues("buy").Set(float64(len(buyDepth)))
			telemetry.BookDepth.WithLabelValues("sell").Set(float64(len(sellDepth)))

			if result := clearing.Compute(bk); result.Found {
				bus.PublishMarketStats(result.Price, result.Volume, len(buyDepth), len(sellDepth))
			}
		}
	}
}

// runSettlementSweep runs the pending-batch processor and the retry sweeper
// on their own slower cadence, independent of the matching tick. This is
// the safety net that catches settlements the dispatcher's pool never got
// to (process restart, pool backlog) or that failed and need retrying.
func runSettlementSweep(t *tomb.Tomb, svc *settlement.Service) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-t.Dying():
			return nil
		case <-ticker.C:
			ctx := context.Background()
			if _, err := svc.ProcessPending(ctx); err != nil {
				log.Error().Err(err).Msg("engine: pending settlement batch failed")
			}
			succeeded, failed, err := svc.Sweep(ctx)
			if err != nil {
				log.Error().Err(err).Msg("engine: retry sweep failed")
				continue
			}
			if succeeded > 0 {
				telemetry.RetrySweepTotal.WithLabelValues("succeeded").Add(float64(succeeded))
			}
			if failed > 0 {
				telemetry.RetrySweepTotal.WithLabelValues("permanently_failed").Add(float64(failed))
			}
		}
	}
}

// runMetricsServer mounts the Prometheus handler until the tomb dies.
func runMetricsServer(t *tomb.Tomb) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler())
	srv := &http.Server{Addr: ":9090", Handler: mux}

	go func() {
		<-t.Dying()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func logLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

func mustParseUUID(s string) uuid.UUID {
	id, err := uuid.Parse(s)
	if err != nil {
		log.Fatal().Err(err).Str("value", s).Msg("engine: invalid uuid in config")
	}
	return id
}
