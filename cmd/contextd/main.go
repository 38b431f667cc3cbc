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

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/swm-sink/la-factoria-content-factory-sub007/internal/api"
	"github.com/swm-sink/la-factoria-content-factory-sub007/internal/engine"
	"github.com/swm-sink/la-factoria-content-factory-sub007/internal/telemetry"
	"github.com/swm-sink/la-factoria-content-factory-sub007/pkg/config"
)

const version = "0.1.0"

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	configPath := flag.String("config", "contextd.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("contextd v%s\n", version)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config from %s: %v", *configPath, err)
	}

	// Environment overrides for the containerized deployment.
	if addr := os.Getenv("CONTEXTD_ADDR"); addr != "" {
		cfg.Server.Addr = addr
		log.Printf("Using listen address from environment: %s", addr)
	}
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		cfg.Telemetry.Endpoint = endpoint
		log.Printf("Using OTLP endpoint from environment: %s", endpoint)
	}

	ctx := context.Background()

	if cfg.Telemetry.Endpoint != "" {
		shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.Endpoint, cfg.Telemetry.Insecure)
		if err != nil {
			log.Printf("Warning: failed to initialize telemetry: %v", err)
		} else {
			defer func() {
				if err := shutdownTelemetry(context.Background()); err != nil {
					log.Printf("Error shutting down telemetry: %v", err)
				}
			}()
		}
	}

	eng, err := engine.New(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to create engine: %v", err)
	}
	if err := eng.Start(); err != nil {
		log.Fatalf("failed to start engine: %v", err)
	}
	defer eng.Stop()

	server := api.NewServer(eng, cfg)
	httpSrv := server.HTTPServer()
	httpSrv.Handler = otelhttp.NewHandler(httpSrv.Handler, "contextd-http-server")

	go func() {
		log.Printf("contextd API listening on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received %s, shutting down", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
}

// loadConfig reads the config file, falling back to defaults when the
// default path does not exist.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadFromFile(path)
	if err == nil {
		return cfg, nil
	}
	if os.IsNotExist(err) && path == "contextd.yaml" {
		log.Printf("no config file found, using defaults")
		return config.Default(), nil
	}
	return nil, err
}
