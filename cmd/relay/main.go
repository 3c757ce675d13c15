// Room Relay Server
//
// A WebSocket relay that fans events out to every member of a room,
// replaying bounded history to joiners. All state is memory-only:
// restarting the process clears every room.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/keniprimo/roomrelay/internal/config"
	"github.com/keniprimo/roomrelay/internal/hub"
	"github.com/keniprimo/roomrelay/internal/logging"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	addr := flag.String("addr", "", "WebSocket listener address (overrides PORT)")
	metricsAddr := flag.String("metrics-addr", "", "Metrics/health listener address (overrides METRICS_ADDR)")
	certFile := flag.String("cert", "", "TLS certificate file")
	keyFile := flag.String("key", "", "TLS key file")
	insecure := flag.Bool("insecure", true, "Run without TLS (development default)")
	flag.Parse()

	cfg, warnings := config.Load()
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}

	if err := logging.Initialize(cfg.Development); err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync()
	log := logging.L()

	for _, w := range warnings {
		log.Warn("config", zap.String("warning", w))
	}

	h := hub.New(cfg)
	h.Start()

	server := &http.Server{
		Addr:    cfg.Addr,
		Handler: h,
	}
	if !*insecure {
		if *certFile == "" || *keyFile == "" {
			log.Fatal("TLS cert and key required unless -insecure is set")
		}
		server.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS13,
			CipherSuites: []uint16{
				tls.TLS_AES_256_GCM_SHA384,
				tls.TLS_CHACHA20_POLY1305_SHA256,
			},
		}
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsMux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metricsMux,
	}
	go func() {
		log.Info("metrics server starting", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server error", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		log.Info("relay server starting", zap.String("addr", cfg.Addr), zap.Bool("tls", !*insecure))
		var err error
		if *insecure {
			err = server.ListenAndServe()
		} else {
			err = server.ListenAndServeTLS(*certFile, *keyFile)
		}
		if !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case <-sigCh:
		log.Info("shutting down")
	case err := <-serverErr:
		if err != nil {
			log.Error("relay server error", zap.Error(err))
		}
	}

	// Stop the hub first: it force-closes every live transport, which
	// unblocks each connection's ServeHTTP goroutine so server.Shutdown
	// doesn't wait out its context for handlers that would otherwise
	// never return on their own.
	h.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(ctx)
	_ = metricsServer.Shutdown(ctx)
}
