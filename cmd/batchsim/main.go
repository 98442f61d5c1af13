// SPDX-FileCopyrightText: 2023 Richard Hansen <rhansen@rhansen.org> and contributors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/rhansen/go-dispatch/dispatch"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "batchsim: %v\n", err)
		os.Exit(1)
	}
}

type simFlags struct {
	configPath  string
	producers   int
	items       int
	latency     time.Duration
	perItem     time.Duration
	failRate    float64
	batchRate   float64
	metricsAddr string
	development bool
	drain       time.Duration
	jsonSummary bool
}

func parseFlags(args []string, out io.Writer) (simFlags, error) {
	var f simFlags
	fs := flag.NewFlagSet("batchsim", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVar(&f.configPath, "config", "", "path to a YAML dispatcher config (default: built-in)")
	fs.IntVar(&f.producers, "producers", 8, "number of concurrent producers")
	fs.IntVar(&f.items, "items", 1000, "number of items each producer submits")
	fs.DurationVar(&f.latency, "latency", 20*time.Millisecond, "simulated fixed cost of one batch")
	fs.DurationVar(&f.perItem, "per-item", time.Millisecond, "simulated additional cost per item")
	fs.Float64Var(&f.failRate, "fail-rate", 0, "probability that a batch fails")
	fs.Float64Var(&f.batchRate, "batch-rate", 0, "maximum batches per second (0 = unlimited)")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	fs.BoolVar(&f.development, "dev", false, "use a human-friendly development logger")
	fs.DurationVar(&f.drain, "drain-timeout", 10*time.Second, "how long to wait for in-flight batches at exit")
	fs.BoolVar(&f.jsonSummary, "json", false, "print the summary as JSON")
	if err := fs.Parse(args); err != nil {
		return simFlags{}, err
	}
	if f.producers < 1 || f.items < 0 {
		return simFlags{}, fmt.Errorf("invalid load: %d producers, %d items", f.producers, f.items)
	}
	if f.failRate < 0 || f.failRate > 1 {
		return simFlags{}, fmt.Errorf("fail-rate %v out of range [0, 1]", f.failRate)
	}
	return f, nil
}

var defaultConfig = dispatch.Config{
	MaxBatchSize:   32,
	MaxWait:        10 * time.Millisecond,
	MaxConcurrency: 4,
	QueueCapacity:  1024,
}

func newLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// inference simulates a model server that scores a batch of prompts in one call.
type inference struct {
	latency  time.Duration
	perItem  time.Duration
	failRate float64
}

var errOverloaded = errors.New("simulated backend overloaded")

func (s *inference) score(ctx context.Context, prompts []string) ([]int, error) {
	select {
	case <-time.After(s.latency + time.Duration(len(prompts))*s.perItem):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if s.failRate > 0 && rand.Float64() < s.failRate {
		return nil, errOverloaded
	}
	scores := make([]int, len(prompts))
	for i, p := range prompts {
		scores[i] = len(p)
	}
	return scores, nil
}

type summary struct {
	Elapsed       time.Duration  `json:"elapsed"`
	Succeeded     int64          `json:"succeeded"`
	Failed        int64          `json:"failed"`
	Throughput    float64        `json:"items_per_second"`
	MeanBatchSize float64        `json:"mean_batch_size"`
	Stats         dispatch.Stats `json:"stats"`
}

func run(ctx context.Context, args []string, out io.Writer) error {
	f, err := parseFlags(args, out)
	if err != nil {
		return err
	}
	cfg := defaultConfig
	if f.configPath != "" {
		if cfg, err = dispatch.LoadConfig(f.configPath); err != nil {
			return err
		}
	}
	logger, err := newLogger(f.development)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	opts := []dispatch.Option{
		dispatch.WithLogger(logger),
		dispatch.WithMetrics(dispatch.NewMetrics("batchsim", reg)),
	}
	if f.batchRate > 0 {
		opts = append(opts, dispatch.WithRateLimit(rate.NewLimiter(rate.Limit(f.batchRate), 1)))
	}
	if f.metricsAddr != "" {
		srv := &http.Server{
			Addr:              f.metricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		defer srv.Close()
		logger.Info("serving metrics", zap.String("addr", f.metricsAddr))
	}

	sim := &inference{latency: f.latency, perItem: f.perItem, failRate: f.failRate}
	d, err := dispatch.New(ctx, cfg, sim.score, opts...)
	if err != nil {
		return err
	}
	logger.Info("simulation started",
		zap.Int("producers", f.producers),
		zap.Int("items_per_producer", f.items),
		zap.Int("max_batch_size", cfg.MaxBatchSize),
		zap.Duration("max_wait", cfg.MaxWait),
		zap.Int("max_concurrency", cfg.MaxConcurrency))

	start := time.Now()
	var succeeded, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for p := 0; p < f.producers; p++ {
		g.Go(func() error {
			for i := 0; i < f.items; i++ {
				_, err := d.Submit(gctx, fmt.Sprintf("producer %d prompt %d", p, i))
				var be *dispatch.BatchError
				switch {
				case err == nil:
					succeeded.Add(1)
				case errors.As(err, &be):
					failed.Add(1)
				default:
					// Any other error ends this producer.
					return err
				}
			}
			return nil
		})
	}
	runErr := g.Wait()
	elapsed := time.Since(start)

	drainCtx, cancel := context.WithTimeout(context.Background(), f.drain)
	defer cancel()
	if err := d.Shutdown(drainCtx); err != nil {
		logger.Warn("dispatcher did not drain in time", zap.Error(err))
	}

	stats := d.Stats()
	s := summary{
		Elapsed:       elapsed,
		Succeeded:     succeeded.Load(),
		Failed:        failed.Load(),
		MeanBatchSize: stats.MeanBatchSize(),
		Stats:         stats,
	}
	if secs := elapsed.Seconds(); secs > 0 {
		s.Throughput = float64(s.Succeeded) / secs
	}
	if err := printSummary(out, s, f.jsonSummary); err != nil {
		return err
	}
	if runErr != nil && ctx.Err() != nil {
		// Interrupted by a signal; the summary is still meaningful.
		logger.Info("simulation interrupted", zap.Error(context.Cause(ctx)))
		return nil
	}
	return runErr
}

func printSummary(w io.Writer, s summary, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}
	_, err := fmt.Fprintf(w, "elapsed: %v\nsucceeded: %d\nfailed: %d\nthroughput: %.1f items/s\n"+
		"batches: %d (size-triggered %d, time-triggered %d)\nmean batch size: %.2f\ncanceled: %d\n",
		s.Elapsed.Round(time.Millisecond), s.Succeeded, s.Failed, s.Throughput,
		s.Stats.Batches, s.Stats.SizeTriggered, s.Stats.TimeTriggered, s.MeanBatchSize,
		s.Stats.Canceled)
	return err
}
