package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"funcmetrics/api"
	"funcmetrics/collector"
	"funcmetrics/config"
	"funcmetrics/logger"
	"funcmetrics/queue"
	"funcmetrics/storage"
	"funcmetrics/telemetry"
	"funcmetrics/writer"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var errDemo = errors.New("an error occurred in error_function")

// job is one instrumented call handed to a worker.
type job struct {
	name string
	run  func(context.Context) error
}

func worker(ctx context.Context, id int, jobs <-chan job, results chan<- error, log *zap.Logger) {
	for j := range jobs {
		reqLog := logger.WithRequestID(log, uuid.NewString()).With(zap.Int("worker", id), zap.String("job", j.name))
		results <- j.run(logger.WithContext(ctx, reqLog))
	}
}

func exampleFunction(ctx context.Context) error {
	logger.FromContext(ctx, zap.NewNop()).Info("executing example_function")
	return sleep(ctx, 500*time.Millisecond)
}

func errorFunction(ctx context.Context) error {
	logger.FromContext(ctx, zap.NewNop()).Info("executing error_function")
	if err := sleep(ctx, 200*time.Millisecond); err != nil {
		return err
	}
	return errDemo
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func main() {
	calls := flag.Int("calls", 3, "Number of example_function invocations")
	countWorkers := flag.Int("nw", 2, "Number of parallel workers")
	flag.Parse()

	if *calls < 0 || *countWorkers < 1 {
		fmt.Fprintln(os.Stderr, "calls cannot be negative and at least one worker is required")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error loading config:", err)
		os.Exit(1)
	}

	l, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error setting up logger:", err)
		os.Exit(1)
	}
	log := l.Logger
	defer logger.Flush(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log, *calls, *countWorkers); err != nil {
		log.Error("funcmetrics demo failed", zap.Error(err))
		logger.Flush(log)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger, calls, countWorkers int) error {
	q := queue.New[collector.MetricSample]()
	store := collector.NewStore(log.Named("store"))
	coll := collector.New(store, q, log.Named("collector"))

	conns := storage.NewManager(cfg.Dialer(log.Named("storage")), log.Named("storage"))
	defer func() {
		if err := conns.Close(context.Background()); err != nil {
			log.Warn("closing database connection", zap.Error(err))
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		telemetry.NewAggregateCollector(store),
	)
	metrics := telemetry.NewWriterMetrics(reg, q.Len)

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

		// The writer owns conns; reads go through their own connection.
		reads := storage.NewManager(cfg.Dialer(log.Named("api")), log.Named("api"))
		defer func() {
			if err := reads.Close(context.Background()); err != nil {
				log.Warn("closing read connection", zap.Error(err))
			}
		}()
		api.New(coll, reads, log.Named("api")).Register(mux)

		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info("serving metrics", zap.String("addr", cfg.MetricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	w := writer.New(q, conns, cfg.WriterConfig(), metrics, log.Named("writer"))
	w.Start(ctx)
	defer w.Stop()

	example := coll.InstrumentContext("example_function", exampleFunction)
	failing := coll.InstrumentContext("error_function", errorFunction)

	jobs := make(chan job, calls+1)
	results := make(chan error, calls+1)
	for id := 1; id <= countWorkers; id++ {
		go worker(ctx, id, jobs, results, log)
	}
	for i := 0; i < calls; i++ {
		jobs <- job{name: "example_function", run: example}
	}
	jobs <- job{name: "error_function", run: failing}
	close(jobs)

	for i := 0; i < calls+1; i++ {
		if err := <-results; err != nil {
			log.Warn("caught error", zap.Error(err))
		}
	}

	for _, name := range []string{"example_function", "error_function"} {
		r := coll.Metrics(name)
		log.Info("function metrics",
			zap.String("function", r.Identifier),
			zap.Uint64("call_count", r.CallCount),
			zap.Float64("average_duration", r.AverageDuration),
			zap.Uint64("error_count", r.ErrorCount))
	}

	// Keep serving until interrupted so the endpoints stay reachable.
	if cfg.MetricsAddr != "" {
		<-ctx.Done()
	}
	return nil
}
