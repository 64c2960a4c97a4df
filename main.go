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

	"batcom/bridge"
	"batcom/engine"
)

func main() {
	var (
		configPath  string
		listenAddr  string
		initOnStart bool
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "Path to YAML configuration file")
	flag.StringVar(&listenAddr, "listen", ":8420", "Bridge listen address")
	flag.BoolVar(&initOnStart, "init", false, "Initialize the engine immediately instead of waiting for the host's init call")
	flag.BoolVar(&showVersion, "version", false, "Show version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println("batcom engine", engine.Version)
		return
	}

	cfg := engine.Defaults()
	if configPath != "" {
		loaded, err := engine.LoadConfig(configPath)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		cfg = loaded
	}

	var srv *bridge.Server
	if initOnStart {
		eng, err := engine.New(cfg)
		if err != nil {
			log.Fatalf("create engine: %v", err)
		}
		defer func() { _ = eng.Stop() }()
		srv = bridge.NewServerWithEngine(eng, cfg)
	} else {
		srv = bridge.NewServer(cfg)
	}

	httpSrv := &http.Server{
		Addr:              listenAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("signal received; shutting down bridge...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(ctx)
		<-sigCh
		log.Println("second signal received; forcing exit")
		os.Exit(1)
	}()

	log.Printf("batcom bridge listening on %s", listenAddr)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("bridge serve: %v", err)
	}
}
