package main

import (
	"bytes"
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/dimiro1/banner"

	"github.com/ent0n29/voxnote/internal/app"
	"github.com/ent0n29/voxnote/internal/config"
)

const version = "0.1.0"

func printBanner() {
	tpl := "{{ .Title \"VOXNOTE\" \"\" 0 }}\nVersion: " + version + "\n"
	banner.Init(os.Stdout, true, true, bytes.NewBufferString(tpl))
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	printBanner()

	// runCtx outlives individual requests; cancelling it ends every stream.
	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	res, err := app.Build(runCtx, cfg)
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}
	defer func() {
		if err := res.Cleanup(); err != nil {
			log.Printf("cleanup failed: %v", err)
		}
	}()
	if degraded, reason := res.Health.Degraded(); degraded {
		log.Printf("starting in degraded mode: %s", reason)
	}

	httpServer := &http.Server{
		Addr:        cfg.BindAddr,
		Handler:     res.API.Router(),
		BaseContext: func(net.Listener) context.Context { return runCtx },
	}

	go func() {
		log.Printf("server listening on %s (env=%s)", cfg.BindAddr, cfg.Environment)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	// Hijacked websocket connections are not tracked by Shutdown.
	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
