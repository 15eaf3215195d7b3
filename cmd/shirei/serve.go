package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"nyiyui.ca/hato/shirei/api"
	"nyiyui.ca/hato/shirei/audit"
	"nyiyui.ca/hato/shirei/config"
	"nyiyui.ca/hato/shirei/detect"
	"nyiyui.ca/hato/shirei/feed"
	"nyiyui.ca/hato/shirei/kujo"
	"nyiyui.ca/hato/shirei/motion"
	"nyiyui.ca/hato/shirei/routing"
	"nyiyui.ca/hato/shirei/sakuragi"
	"nyiyui.ca/hato/shirei/seed"
	"nyiyui.ca/hato/shirei/store"
	"nyiyui.ca/hato/shirei/suggest"
	"nyiyui.ca/hato/shirei/workflow"
)

type serveOptions struct {
	addr   string
	db     string
	policy string
	audit  string
	seed   bool
}

func serveCmd() *cobra.Command {
	var o serveOptions
	c := &cobra.Command{
		Use:   "serve",
		Short: "Run detection, suggestions and the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, o)
		},
	}
	c.Flags().StringVar(&o.addr, "addr", config.GetEnv("SHIREI_ADDR", ":8080"), "listen address")
	c.Flags().StringVar(&o.db, "db", config.GetEnv("SHIREI_DB", "shirei.db"), "buntdb path (:memory: keeps nothing)")
	c.Flags().StringVar(&o.policy, "policy", "", "traffic policy YAML overriding the defaults")
	c.Flags().StringVar(&o.audit, "audit", config.GetEnv("SHIREI_AUDIT", ""), "decision audit log path (empty discards)")
	c.Flags().BoolVar(&o.seed, "seed", false, "load the sample network into an empty store")
	return c
}

func serve(ctx context.Context, o serveOptions) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	policy, err := config.Load(o.policy)
	if err != nil {
		return err
	}
	s, err := store.Open(o.db)
	if err != nil {
		return err
	}
	defer s.Close()

	network := routing.NewNetwork(s)
	if o.seed {
		d, err := seed.Sample()
		if err != nil {
			return err
		}
		if _, err := d.Load(s, policy.Priority, time.Now()); err != nil {
			return fmt.Errorf("seed: %w", err)
		}
		for _, seg := range d.Segments {
			network.Add(seg)
		}
	}
	network.Learn(s.Trains(nil))
	zap.S().Infow("network", "segments", len(network.Segments()))

	log, err := audit.New(o.audit)
	if err != nil {
		return fmt.Errorf("audit log: %w", err)
	}
	locks := workflow.NewLocks()
	wf := workflow.New(s, network, locks, log)
	signals := feed.NewSignals()

	loops := map[string]func(context.Context) error{
		"detect":  detect.New(s, signals, locks, policy.Detection).Run,
		"suggest": suggest.New(s, network, locks, policy.Suggestion).Run,
	}
	if policy.Motion.Enabled {
		loops["motion"] = motion.New(s, locks, policy.Motion, policy.Detection.KmPerUnit).Run
	}

	srv := api.New(api.Conf{
		Store:    s,
		Workflow: wf,
		Signals:  signals,
		Weather:  feed.NewWeather(s),
		Audit:    log,
	})
	srv.Handle("GET /events", kujo.NewServer(ctx, s.Changes()))
	srv.Handle("GET /board", sakuragi.New(s))
	server := &http.Server{
		Addr:        o.addr,
		Handler:     srv,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
		// no WriteTimeout: /events responses stay open
	}

	var wg sync.WaitGroup
	for name, run := range loops {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				zap.S().Errorw("loop stopped", "loop", name, "error", err)
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		zap.S().Infow("listening", "addr", o.addr, "db", o.db)
		serveErr <- server.ListenAndServe()
	}()

	var failed error
	select {
	case <-ctx.Done():
		zap.S().Infow("shutting down")
	case failed = <-serveErr:
		zap.S().Errorw("http server failed", "error", failed)
		cancel()
	}
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zap.S().Warnw("http server shutdown", "error", err)
	}
	wg.Wait()
	return failed
}
