package main

import (
	"context"
	"flag"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"venue-coordinator/internal/chain"
	"venue-coordinator/internal/config"
	"venue-coordinator/internal/executor"
	"venue-coordinator/internal/fees"
	"venue-coordinator/internal/httpx"
	"venue-coordinator/internal/monitor"
	"venue-coordinator/internal/pricing"
	"venue-coordinator/internal/storage"
	"venue-coordinator/internal/vault"
	"venue-coordinator/internal/venues"
)

const moduleGasLimit = 1_500_000

// Standalone position monitor. Runs the same reconciliation loop the
// coordinator can host in-process; the lock file keeps it to one monitor
// per store either way.
func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	flag.Parse()

	log.Logger = zerolog.New(
		zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"},
	).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "1" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	cfg, err := config.NewManager(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	lock, err := monitor.AcquireLock(cfg.Get().Monitor.LockPath)
	if err != nil {
		log.Fatal().Err(err).Msg("cannot start monitor")
	}
	defer lock.Release()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mon, cleanup, err := buildMonitor(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("initialization failed")
	}
	defer cleanup()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Info().Msg("shutting down")
		cancel()
	}()

	if err := mon.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("monitor stopped")
	}
}

func buildMonitor(ctx context.Context, cfg *config.Manager) (*monitor.Monitor, func(), error) {
	conf := cfg.Get()

	repo, err := storage.NewDB(conf.Storage.SQLitePath)
	if err != nil {
		return nil, nil, err
	}

	client, err := chain.Dial(ctx, cfg.GetRPCURL(), conf.Chain.ChainID, cfg.GetHTTPTimeout())
	if err != nil {
		repo.Close()
		return nil, nil, err
	}

	signer, err := chain.NewSignerFromEnv(conf.Executor.PrivateKeyEnv, conf.Chain.ChainID)
	if err != nil {
		client.Close()
		repo.Close()
		return nil, nil, err
	}
	nonces := chain.NewNonceSerializer(client)
	keys, err := chain.NewKeyStore("./data/keys", repo)
	if err != nil {
		client.Close()
		repo.Close()
		return nil, nil, err
	}

	module := common.HexToAddress(conf.Chain.ModuleAddress)
	collateral := common.HexToAddress(conf.Chain.CollateralAddress)
	vaultSvc := vault.GetService(client, signer, nonces, conf.Chain.ChainID, module, moduleGasLimit)

	pool := httpx.NewPool(conf.HTTP.PoolSize, cfg.GetHTTPTimeout())

	adapters := make(map[storage.Venue]venues.Adapter)
	policies := make(map[storage.Venue]fees.Policy)
	var mids *pricing.PerpBMids

	if conf.Venues.Spot.Enabled {
		quoter := pricing.NewQuoterSource(client, repo,
			common.HexToAddress(conf.Venues.Spot.QuoterAddress), collateral,
			conf.Chain.CollateralDecimals, conf.Chain.ChainID, conf.Venues.Spot.FeeTier)
		adapters[storage.VenueSpot] = venues.NewSpotAdapter(vaultSvc, client, repo, quoter, venues.SpotConfig{
			ChainID:            conf.Chain.ChainID,
			Router:             common.HexToAddress(conf.Venues.Spot.RouterAddress),
			Collateral:         collateral,
			CollateralDecimals: conf.Chain.CollateralDecimals,
			FeeTier:            conf.Venues.Spot.FeeTier,
			SlippageBps:        conf.Venues.Spot.SlippageBps,
		})
		if p, err := conf.Venues.Spot.Fee.Policy(); err == nil {
			policies[storage.VenueSpot] = p
		}
	}

	if conf.Venues.PerpA.Enabled {
		feeds := make(map[string]common.Address, len(conf.Pricing.AggregatorFeeds))
		for sym, addr := range conf.Pricing.AggregatorFeeds {
			feeds[sym] = common.HexToAddress(addr)
		}
		aggregator := pricing.NewAggregatorSource(client, feeds,
			time.Duration(conf.Pricing.CacheTTLSeconds)*time.Second)
		adapters[storage.VenuePerpA] = venues.NewPerpAAdapter(vaultSvc, client, repo, aggregator, venues.PerpAConfig{
			ChainID:            conf.Chain.ChainID,
			ExchangeRouter:     common.HexToAddress(conf.Venues.PerpA.ExchangeRouter),
			OrderVault:         common.HexToAddress(conf.Venues.PerpA.OrderVault),
			Reader:             common.HexToAddress(conf.Venues.PerpA.Reader),
			Collateral:         collateral,
			CollateralDecimals: conf.Chain.CollateralDecimals,
			FeeReceiver:        common.HexToAddress(conf.Venues.PerpA.FeeReceiver),
			ExecutionFeeWei:    new(big.Int).Mul(big.NewInt(conf.Venues.PerpA.ExecutionFeeGwei), big.NewInt(1e9)),
			SlippageBps:        conf.Venues.PerpA.SlippageBps,
			Whitelist:          conf.Venues.PerpA.Whitelist,
			Markets:            conf.Venues.PerpA.NormalizedMarkets(),
			MaxMarketLeverage:  conf.Venues.PerpA.MaxMarketLeverage,
		})
		if p, err := conf.Venues.PerpA.Fee.Policy(); err == nil {
			policies[storage.VenuePerpA] = p
		}
	}

	if conf.Venues.PerpB.Enabled {
		guard := httpx.NewGuard("perp-b", pool, conf.Venues.PerpB.RatePerSec, conf.Venues.PerpB.RateBurst)
		mids = pricing.NewPerpBMids(conf.Venues.PerpB.BaseURL, conf.Venues.PerpB.WSURL, guard)
		mids.Start()
		adapters[storage.VenuePerpB] = venues.NewPerpBAdapter(guard, keys, repo, mids, venues.PerpBConfig{
			BaseURL:     conf.Venues.PerpB.BaseURL,
			SlippageBps: conf.Venues.PerpB.SlippageBps,
		})
		if p, err := conf.Venues.PerpB.Fee.Policy(); err == nil {
			policies[storage.VenuePerpB] = p
		}
	}

	if conf.Venues.PerpC.Enabled {
		guard := httpx.NewGuard("perp-c", pool, conf.Venues.PerpC.RatePerSec, conf.Venues.PerpC.RateBurst)
		adapters[storage.VenuePerpC] = venues.NewPerpCAdapter(guard, keys, repo, venues.PerpCConfig{
			BaseURL:     conf.Venues.PerpC.BaseURL,
			SlippageBps: conf.Venues.PerpC.SlippageBps,
		})
		if p, err := conf.Venues.PerpC.Fee.Policy(); err == nil {
			policies[storage.VenuePerpC] = p
		}
	}

	router := venues.NewRouter(repo, adapters)
	exec := executor.New(repo, router, vaultSvc, executor.Config{
		ChainID:            conf.Chain.ChainID,
		Collateral:         collateral,
		CollateralDecimals: conf.Chain.CollateralDecimals,
		FeeAsset:           conf.Executor.FeeAsset,
		FeePolicies:        policies,
	})

	cleanup := func() {
		if mids != nil {
			mids.Stop()
		}
		client.Close()
		repo.Close()
	}
	return monitor.New(repo, router, exec, cfg.GetMonitorInterval()), cleanup, nil
}
