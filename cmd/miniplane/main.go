/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ArsalanAnwer0/miniplane/pkg/engine"
	"github.com/ArsalanAnwer0/miniplane/pkg/monitoring"
	"github.com/ArsalanAnwer0/miniplane/pkg/store"
)

func main() {
	var metricsAddr string
	var dataDir string
	var manifestDir string
	var resyncInterval time.Duration
	var progressDeadline time.Duration
	var queueLength int
	var disableNodeAgent bool
	var development bool

	flag.StringVar(&metricsAddr, "metrics-bind-address", ":8080", "The address the metrics endpoint binds to. Empty disables metrics.")
	flag.StringVar(&dataDir, "data-dir", "", "Directory for the durable object journal. Empty keeps state in memory only.")
	flag.StringVar(&manifestDir, "manifest-dir", "", "Directory of YAML manifests applied at startup.")
	flag.DurationVar(&resyncInterval, "resync-interval", 0, "How often controllers re-list all objects. Zero uses the built-in default.")
	flag.DurationVar(&progressDeadline, "progress-deadline", 0, "How long a StatefulSet waits on a pod before reporting a stall. Zero uses the built-in default.")
	flag.IntVar(&queueLength, "event-queue-length", 0, "Per-controller event queue capacity. Zero uses the built-in default.")
	flag.BoolVar(&disableNodeAgent, "disable-node-agent", false, "Disable the built-in node agent that runs scheduled pods.")
	flag.BoolVar(&development, "development", false, "Enable development-friendly logging.")
	flag.Parse()

	log := buildLogger(development)
	setupLog := log.WithName("setup")

	opts := engine.Options{
		Logger:           log,
		ResyncInterval:   resyncInterval,
		ProgressDeadline: progressDeadline,
		QueueLength:      queueLength,
		DisableNodeAgent: disableNodeAgent,
	}

	if dataDir != "" {
		if err := os.MkdirAll(dataDir, 0o750); err != nil {
			setupLog.Error(err, "unable to create data directory", "dir", dataDir)
			os.Exit(1)
		}
		backend, err := store.OpenSQLite(filepath.Join(dataDir, "journal.db"))
		if err != nil {
			setupLog.Error(err, "unable to open journal", "dir", dataDir)
			os.Exit(1)
		}
		defer backend.Close()
		opts.Backend = backend
	}

	eng, err := engine.New(opts)
	if err != nil {
		setupLog.Error(err, "unable to build engine")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if manifestDir != "" {
		if err := applyDir(ctx, eng, manifestDir); err != nil {
			setupLog.Error(err, "unable to apply manifests", "dir", manifestDir)
			os.Exit(1)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(ctx) })
	if metricsAddr != "" {
		g.Go(func() error { return serveMetrics(ctx, setupLog, metricsAddr) })
	}

	setupLog.Info("starting engine")
	if err := g.Wait(); err != nil {
		setupLog.Error(err, "engine failed")
		os.Exit(1)
	}
}

func buildLogger(development bool) logr.Logger {
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	zl, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return zapr.NewLogger(zl)
}

// applyDir applies every .yaml/.yml/.json file in dir, in name order.
func applyDir(ctx context.Context, eng *engine.Engine, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch filepath.Ext(entry.Name()) {
		case ".yaml", ".yml", ".json":
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(files)

	for _, file := range files {
		manifest, err := os.ReadFile(file)
		if err != nil {
			return err
		}
		if _, err := eng.Apply(ctx, manifest); err != nil {
			return err
		}
	}
	return nil
}

func serveMetrics(ctx context.Context, log logr.Logger, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(monitoring.Registry, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
