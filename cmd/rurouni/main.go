// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command rurouni is the kenshin daemon: it accepts incoming datapoints,
// buffers them in the bundled write cache, and periodically flushes them
// to kenshin bundle files via the storage engine.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"net/http"

	"github.com/kenshin-tsdb/kenshin/internal/cache"
	kconfig "github.com/kenshin-tsdb/kenshin/internal/config"
	"github.com/kenshin-tsdb/kenshin/internal/receiver"
	"github.com/kenshin-tsdb/kenshin/internal/runtimeEnv"
	"github.com/kenshin-tsdb/kenshin/internal/writer"
	"github.com/kenshin-tsdb/kenshin/pkg/nats"
)

func main() {
	var flagConfigFile, flagEnvFile string
	flag.StringVar(&flagConfigFile, "config", "./config.json", "Path to the daemon's `config.json`")
	flag.StringVar(&flagEnvFile, "env", "./.env", "Path to an optional `.env` file")
	flag.Parse()

	if err := kconfig.LoadEnv(flagEnvFile); err != nil {
		cclog.Fatalf("loading %s: %s", flagEnvFile, err.Error())
	}

	cfg, err := kconfig.Load(flagConfigFile)
	if err != nil {
		cclog.Fatalf("loading %s: %s", flagConfigFile, err.Error())
	}

	watcher, err := kconfig.WatchSchemas(cfg.SchemasPath())
	if err != nil {
		cclog.Fatalf("loading %s: %s", cfg.SchemasPath(), err.Error())
	}

	linker := &cache.FSLinker{LinkDir: cfg.LinkDir}
	mc, err := cache.New(watcher.Registry(), cfg.DataDir, cfg.Instance, cfg.IndexPath(), linker)
	if err != nil {
		cclog.Fatalf("initializing metric cache: %s", err.Error())
	}
	defer mc.Close()

	reg := prometheus.NewRegistry()
	wMetrics := writer.NewMetrics(reg)

	interval := time.Duration(kconfig.DefaultWriterInterval) * time.Second
	w, err := writer.New(mc, wMetrics, interval)
	if err != nil {
		cclog.Fatalf("initializing writer: %s", err.Error())
	}
	w.Start()
	defer w.Stop()

	sink := receiver.CacheSink{MC: mc, Now: func() int64 { return time.Now().Unix() }}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	lineRecv := &receiver.LineReceiver{Addr: cfg.LineAddr, Sink: sink}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := lineRecv.Serve(ctx); err != nil {
			cclog.Errorf("line receiver stopped: %s", err.Error())
		}
	}()

	queryServer := &receiver.CacheQueryServer{Addr: cfg.CacheQueryAddr, Peek: sink, Now: sink.Now}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := queryServer.Serve(ctx); err != nil {
			cclog.Errorf("cache-query server stopped: %s", err.Error())
		}
	}()

	if cfg.Nats != nil && cfg.Nats.Address != "" {
		natsClient, err := nats.NewClient(&nats.NatsConfig{Address: cfg.Nats.Address})
		if err != nil {
			cclog.Errorf("connecting to nats at %s: %s", cfg.Nats.Address, err.Error())
		} else {
			natsRecv := &receiver.NatsReceiver{Client: natsClient, Subject: cfg.Nats.Subject, Sink: sink}
			if err := natsRecv.Start(); err != nil {
				cclog.Errorf("subscribing to nats subject %q: %s", cfg.Nats.Subject, err.Error())
			}
		}
	}

	debugRouter := mux.NewRouter()
	debugRouter.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	debugRouter.HandleFunc("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusOK)
		rw.Write([]byte("ok"))
	})
	debugServer := &http.Server{Addr: cfg.DebugAddr, Handler: debugRouter}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := debugServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			cclog.Errorf("debug server stopped: %s", err.Error())
		}
	}()

	if err := runtimeEnv.DropPrivileges(cfg.Instance, ""); err != nil {
		cclog.Warnf("dropping privileges: %s", err.Error())
	}

	runtimeEnv.SystemdNotifiy(true, "running")

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	runtimeEnv.SystemdNotifiy(false, "shutting down")
	cancel()
	debugServer.Shutdown(context.Background())
	wg.Wait()

	cclog.Info("kenshin: rurouni shut down gracefully")
}
