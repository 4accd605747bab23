package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"

	"github.com/avtopark/carvault/cmd/common"
	"github.com/avtopark/carvault/vault"
	"github.com/avtopark/carvault/vault/disk"
)

func usage() {
	fmt.Printf(`carvault - regional car photo storage over Yandex Disk.

This program serves the car photo vault as an HTTP API. The disk is the
source of truth: all car metadata and photo indexes live as JSON files
next to the photos themselves, and the service repairs them from the
directory listings whenever they go missing or stale.

Usage: carvault [options]

Valid options:
`)
	flag.PrintDefaults()
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	// setup cli parsing
	configPath := flag.StringP("config-file", "f", common.DefaultConfigPath(),
		"A YAML-formatted configuration file used by carvault.")
	logLevel := flag.StringP("log", "l", "",
		"Set logging level/verbosity. "+
			"Can be one of: fatal, error, warn, info, debug, trace")
	addr := flag.StringP("addr", "a", "",
		"Address to serve the HTTP API on.")
	reconcilePath := flag.StringP("reconcile", "r", "",
		"Reconcile the given disk path and exit instead of serving.")
	depth := flag.StringP("depth", "d", "region",
		"Reconcile depth. Can be one of: slot, car, region")
	versionFlag := flag.BoolP("version", "v", false, "Display program version.")
	help := flag.BoolP("help", "h", false, "Displays this help message.")
	flag.Usage = usage
	flag.Parse()

	if *help {
		flag.Usage()
		os.Exit(0)
	}
	if *versionFlag {
		fmt.Println("carvault", common.Version())
		os.Exit(0)
	}

	config := common.LoadConfig(*configPath)
	// command line options override config options
	if *logLevel != "" {
		config.LogLevel = *logLevel
	}
	if *addr != "" {
		config.Addr = *addr
	}
	zerolog.SetGlobalLevel(common.StringToLevel(config.LogLevel))

	if config.Token == "" {
		log.Fatal().Msg("No disk token configured, set YANDEX_DISK_TOKEN or the \"token\" config key.")
	}

	client := disk.NewClient(config.Token, config.DiskOptions()...)

	os.MkdirAll(filepath.Dir(config.CacheDB), 0700)
	cache, err := vault.OpenIndexCache(config.CacheDB)
	if err != nil {
		log.Error().Err(err).Str("path", config.CacheDB).
			Msg("Could not open the index cache, continuing without one.")
		cache = nil
	} else {
		defer cache.Close()
	}

	engine := vault.New(client, cache, config.EngineConfig())

	if *reconcilePath != "" {
		res, err := engine.Reconcile(context.Background(), *reconcilePath, vault.Depth(*depth))
		if err != nil {
			log.Fatal().Err(err).Str("path", *reconcilePath).Msg("Reconcile failed.")
		}
		out, _ := json.MarshalIndent(res, "", "  ")
		fmt.Println(string(out))
		os.Exit(0)
	}

	server := &http.Server{
		Addr:         config.Addr,
		Handler:      NewServer(engine, config).Routes(),
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 5 * time.Minute,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info().Str("addr", config.Addr).Msg("Serving the carvault API.")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed.")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down.")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Shutdown did not complete cleanly.")
	}
}
