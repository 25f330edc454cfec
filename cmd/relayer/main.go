package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/omni/tokenbridge-relayer/config"
	"github.com/omni/tokenbridge-relayer/ethclient"
	"github.com/omni/tokenbridge-relayer/logging"
	"github.com/omni/tokenbridge-relayer/presenter"
	"github.com/omni/tokenbridge-relayer/relay"
	"github.com/omni/tokenbridge-relayer/repository"
	"github.com/omni/tokenbridge-relayer/sender"
)

var configPath = flag.String("config", "config.yml", "path to the yaml config file")

func main() {
	flag.Parse()

	logger := logging.New()

	cfg, err := config.ReadConfigFromFile(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("can't read config")
	}
	logger.SetLevel(cfg.LogLevel)

	key, err := config.ReadPrivateKey()
	if err != nil {
		logger.WithError(err).Fatal("can't read relayer private key")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	repo, closeRepo, err := repository.Open(ctx, cfg)
	if err != nil {
		logger.WithError(err).Fatal("can't open relayer store")
	}
	defer func() {
		if err := closeRepo(); err != nil {
			logger.WithError(err).Error("can't close relayer store")
		}
	}()

	bridgeLogger := logger.WithField("bridge_id", cfg.Bridge.ID)
	home, foreign := cfg.Bridge.Home.Chain, cfg.Bridge.Foreign.Chain
	homeClient, err := ethclient.NewClient(home.RPC.Host, home.RPC.Timeout, home.ChainID)
	if err != nil {
		bridgeLogger.WithError(err).Fatal("can't dial home rpc client")
	}
	foreignClient, err := ethclient.NewClient(foreign.RPC.Host, foreign.RPC.Timeout, foreign.ChainID)
	if err != nil {
		bridgeLogger.WithError(err).Fatal("can't dial foreign rpc client")
	}

	homeSender, err := sender.NewSender(bridgeLogger.WithField("service", "home_sender"), homeClient, key, cfg.Relay)
	if err != nil {
		bridgeLogger.WithError(err).Fatal("can't create home sender")
	}
	foreignSender, err := sender.NewSender(bridgeLogger.WithField("service", "foreign_sender"), foreignClient, key, cfg.Relay)
	if err != nil {
		bridgeLogger.WithError(err).Fatal("can't create foreign sender")
	}
	bridgeLogger.WithField("relayer", homeSender.From()).Info("relayer account loaded")

	dispatcher := relay.NewBridgeDispatcher(bridgeLogger, cfg, repo, homeClient, foreignClient, homeSender, foreignSender)

	services := []func(context.Context) error{
		func(ctx context.Context) error {
			dispatcher.Run(ctx)
			return nil
		},
	}
	if cfg.Presenter != nil {
		pr := presenter.NewPresenter(logger.WithField("service", "presenter"), cfg.Bridge, repo, dispatcher)
		services = append(services, func(ctx context.Context) error {
			return pr.Serve(ctx, cfg.Presenter.Host)
		})
	}
	if cfg.Metrics != nil {
		services = append(services, func(ctx context.Context) error {
			return serveMetrics(ctx, logger, cfg.Metrics.Host)
		})
	}

	if err = runServices(ctx, services...); err != nil {
		// Fatal skips deferred calls
		if err := closeRepo(); err != nil {
			logger.WithError(err).Error("can't close relayer store")
		}
		logger.WithError(err).Fatal("relayer service failed")
	}
	logger.Warn("caught termination signal, gracefully terminated")
}

// runServices blocks until ctx is cancelled or a service fails. The first
// failure cancels the others and is returned.
func runServices(ctx context.Context, services ...func(context.Context) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, service := range services {
		g.Go(func() error {
			return service(ctx)
		})
	}
	return g.Wait()
}

func serveMetrics(ctx context.Context, logger logging.Logger, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.WithField("addr", addr).Info("starting prometheus metrics listener")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
