package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/carecoord/caresync/internal/config"
	"github.com/carecoord/caresync/internal/database"
	"github.com/carecoord/caresync/internal/relay"
	"github.com/carecoord/caresync/internal/stats"
	"github.com/spf13/pflag"
)

func main() {
	var (
		configPath     = pflag.StringP("config", "c", "", "path to a YAML config file")
		addr           = pflag.String("addr", "", "server address (CARESYNC_ADDR)")
		dsn            = pflag.String("dsn", "", "postgres connection string; changes are only accepted over HTTP when empty")
		channel        = pflag.String("channel", "", "postgres NOTIFY channel carrying row changes")
		installTrigger = pflag.Bool("install-triggers", false, "create the notify function and row triggers before listening")
		allowedOrigins = pflag.StringSlice("allowed-origins", nil, "comma-separated list of allowed origins for CORS")
	)
	pflag.Parse()

	logger := log.New(os.Stderr, "[caresync-relay] ", log.LstdFlags)

	fileCfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("config: ", err)
	}
	sc := fileCfg.Server
	if pflag.CommandLine.Changed("addr") {
		sc.ServerAddr = *addr
	}
	if pflag.CommandLine.Changed("dsn") {
		sc.DatabaseDSN = *dsn
	}
	if pflag.CommandLine.Changed("channel") {
		sc.Channel = *channel
	}
	if pflag.CommandLine.Changed("allowed-origins") {
		sc.AllowedOrigins = *allowedOrigins
	}

	cfg, err := config.NewServerConfig(sc.ServerAddr, sc.DatabaseDSN, sc.AllowedOrigins)
	if err != nil {
		logger.Fatal("config: ", err)
	}
	if sc.Channel != "" {
		cfg.Channel = sc.Channel
	}

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)
	hub := relay.NewHub(logger, statsUpdater)
	srv := relay.NewServer(mux, logger, hub, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	go hub.Run()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		errCh <- srv.Start()
	}()

	var source *database.PgChangeSource
	if cfg.DatabaseDSN != "" {
		source, err = database.NewPgChangeSource(cfg.DatabaseDSN, cfg.Channel, logger)
		if err != nil {
			logger.Fatal("db open: ", err)
		}
		if *installTrigger {
			if err := source.InstallTriggers(ctx); err != nil {
				logger.Fatal("install triggers: ", err)
			}
		}

		listener := database.NewChangeListener(logger, source.Listener(), hub, statsUpdater)
		go func() {
			if err := listener.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- err
			}
		}()
	} else {
		logger.Println("no database configured, accepting changes on POST /api/changes only")
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}
	cancel()

	shutDownCtx, shutDownCancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer shutDownCancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("HTTP server shutdown:", err)
	}

	logger.Println("shutting down relay hub...")
	if err := hub.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("hub shutdown:", err)
	}

	if source != nil {
		if err := source.Close(); err != nil {
			logger.Println("db close:", err)
		}
	}

	logger.Println("shutdown complete")
}
