package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/NanoAdblockerLab/NanoProxy/internal/audit"
	"github.com/NanoAdblockerLab/NanoProxy/internal/config"
	"github.com/NanoAdblockerLab/NanoProxy/internal/engine"
	"github.com/NanoAdblockerLab/NanoProxy/internal/logging"
	"github.com/NanoAdblockerLab/NanoProxy/internal/metrics"
)

const supportURL = "https://github.com/NanoAdblockerLab/NanoProxy/issues"

const alarmBanner = "=================== NanoProxy has crashed ==================="

// crashGuard prints the alarm banners and the support URL for a panic
// escaping the goroutine it is deferred in, then re-raises so the process
// dies with the original stack. Panics in other goroutines, and exits
// through log.Fatal, end the process without the banners.
func crashGuard() {
	r := recover()
	if r == nil {
		return
	}
	for i := 0; i < 3; i++ {
		fmt.Fprintln(os.Stderr, alarmBanner)
	}
	fmt.Fprintf(os.Stderr, "Please report this at %s\n", supportURL)
	panic(r)
}

func main() {
	defer crashGuard()

	configPath := flag.String("config", "", "path to YAML config file")
	exportCA := flag.String("export-ca", "", "write the CA certificate PEM to a file and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config error: %v\n", err)
		os.Exit(1)
	}

	log := logging.Setup(cfg.Logging.Level)
	log.Infof("starting nanoproxy, mode=%s, listen=%s", cfg.Mode, cfg.Listen)

	stats := metrics.NewAggregator()
	eng, err := engine.New(cfg, log, nil, stats)
	if err != nil {
		log.Fatalf("init engine error: %v", err)
	}

	if *exportCA != "" {
		if err := os.WriteFile(*exportCA, eng.Certs().CAPEM(), 0o644); err != nil {
			log.Fatalf("export ca error: %v", err)
		}
		log.Infof("ca certificate written to %s", *exportCA)
		return
	}

	var recorder *audit.Recorder
	var auditStore *audit.Store
	if cfg.Audit.Path != "" {
		auditStore, err = audit.Open(cfg.Audit.Path)
		if err != nil {
			log.Fatalf("open audit store error: %v", err)
		}
		recorder = audit.NewRecorder(auditStore, stats, log)
		log.Infof("audit log at %s", cfg.Audit.Path)
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Addr != "" {
		metricsSrv = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           metrics.NewMux(stats, log),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Infof("metrics listening on %s", cfg.Metrics.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorf("metrics server error: %v", err)
			}
		}()
	}

	go func() {
		defer crashGuard()
		if err := eng.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("proxy server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := eng.Shutdown(ctx); err != nil {
		log.Errorf("shutdown proxy error: %v", err)
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(ctx)
	}
	if recorder != nil {
		recorder.Stop()
	}
	if auditStore != nil {
		_ = auditStore.Close()
	}
}
