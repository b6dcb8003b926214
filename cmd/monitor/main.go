package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"restock_monitor/internal/action"
	"restock_monitor/internal/artifact"
	"restock_monitor/internal/browser/rodpage"
	"restock_monitor/internal/classify"
	"restock_monitor/internal/config"
	"restock_monitor/internal/engine"
	"restock_monitor/internal/fetch"
	"restock_monitor/internal/httpapi"
	"restock_monitor/internal/logbus"
	"restock_monitor/internal/metrics"
	"restock_monitor/internal/notify"
	"restock_monitor/internal/retry"
	"restock_monitor/internal/session"
	"restock_monitor/internal/store/sqlite"
	"restock_monitor/internal/utils"
)

func main() {
	configPath := flag.String("config", "./config.yaml", "path to config.yaml")
	checkOnly := flag.Bool("check", false, "validate the config and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(2)
	}
	if *checkOnly {
		fmt.Println("config ok:", cfg.String())
		return
	}

	logger, err := logbus.NewLogger(cfg.Log.Development)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	bus := logbus.New(cfg.Log.BufferSize, logger)
	defer bus.Close()
	bus.Log("info", "monitor starting", map[string]any{"config": cfg.String()})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := sqlite.Open(ctx, cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("open sqlite: %v", err)
	}
	defer store.Close()

	rec, err := metrics.New(cfg.Metrics.Enabled, cfg.Metrics.Interval())
	if err != nil {
		log.Fatalf("init metrics: %v", err)
	}
	artifacts := artifact.New(cfg.Artifacts.Dir, cfg.Artifacts.QueueSize, bus)

	sinks := []notify.Sink{notify.BusSink{Bus: bus}}
	if cfg.Notify.DiscordWebhookURL != "" {
		ds, err := notify.NewDiscordSink(cfg.Notify.DiscordWebhookURL, cfg.Notify.DiscordUsername)
		if err != nil {
			log.Fatalf("discord webhook: %v", err)
		}
		sinks = append(sinks, ds)
	}
	if cfg.Notify.Email.Enabled {
		es, err := notify.NewEmailSink(cfg.Notify.Email)
		if err != nil {
			log.Fatalf("email notifier: %v", err)
		}
		sinks = append(sinks, es)
	}
	dispatcher := notify.NewDispatcher(cfg.Notify.QueueSize, bus, rec, sinks...)

	ua := utils.NormalizeUserAgent(cfg.Fetch.UserAgent)
	var (
		opener  session.Opener
		chrome  *rodpage.Browser
		markers = cfg.Markers
	)
	if cfg.Browser.Enabled {
		chrome = rodpage.NewBrowser(rodpage.Options{
			Headless:        cfg.Browser.Headless,
			ProfileDir:      cfg.Browser.ProfileDir,
			BinPath:         cfg.Browser.BinPath,
			Proxy:           cfg.Fetch.Proxy,
			UserAgent:       ua,
			NavigateTimeout: cfg.Fetch.Timeout(),
		})
		opener = chrome
	}
	sessions := session.NewManager(opener, store, bus)

	fetcher := fetch.New(fetch.Options{
		Config:    cfg.Fetch,
		Blocked:   markers.Blocked,
		Channels:  fetch.DefaultChannels(cfg.Fetch, cfg.Browser.Enabled, bus),
		Artifacts: artifacts,
		Metrics:   rec,
		Bus:       bus,
	})
	classifier := classify.New(markers, cfg.Selectors, rec)
	driver := action.New(action.Options{
		Selectors:  cfg.Selectors,
		Markers:    markers,
		Classifier: classifier,
		Browser:    cfg.Browser,
		Artifacts:  artifacts,
		Bus:        bus,
	})
	history := retry.NewHistory(cfg.Monitor.HistorySize)
	scheduler := retry.New(retry.Options{Bus: bus, Notifier: dispatcher, Metrics: rec, History: history})

	eng := engine.New(engine.Options{
		Store:      store,
		Bus:        bus,
		Sessions:   sessions,
		Fetcher:    fetcher,
		Classifier: classifier,
		Driver:     driver,
		Scheduler:  scheduler,
		Notifier:   dispatcher,
		Artifacts:  artifacts,
		Monitor:    cfg.Monitor,
		Site:       cfg.Site,
		Tasks:      cfg.BuildTasks(),
	})

	var server *http.Server
	serverErr := make(chan error, 1)
	if cfg.Server.Addr != "" {
		api := httpapi.New(httpapi.Options{Cfg: cfg, Bus: bus, Engine: eng, History: history, Notifier: dispatcher})
		server = &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           api.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			serverErr <- server.ListenAndServe()
		}()
		bus.Log("info", "status api listening", map[string]any{"addr": cfg.Server.Addr})
	}

	exitCode := 0
	if err := eng.StartAll(ctx); err != nil {
		bus.Log("error", "monitor did not start", map[string]any{"error": err.Error()})
		exitCode = 1
	} else {
		select {
		case <-ctx.Done():
			bus.Log("info", "shutdown signal received", nil)
		case <-eng.Done():
		case err := <-serverErr:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				bus.Log("error", "http server error", map[string]any{"error": err.Error()})
				exitCode = 1
			}
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	_ = eng.StopAll(shutdownCtx)
	if server != nil {
		_ = server.Shutdown(shutdownCtx)
	}
	_ = dispatcher.Close(shutdownCtx)
	_ = artifacts.Close(shutdownCtx)
	_ = rec.Shutdown(shutdownCtx)
	if chrome != nil {
		_ = chrome.Close()
	}
	bus.Log("info", "monitor stopped", nil)
	if exitCode != 0 {
		_ = store.Close()
		bus.Close()
		os.Exit(exitCode)
	}
}
