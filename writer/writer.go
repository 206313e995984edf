// Package writer drains the delivery queue in the background and persists
// samples to the sink in transactional batches.
package writer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"funcmetrics/collector"
	"funcmetrics/retry"
	"funcmetrics/storage"
	"funcmetrics/telemetry"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Defaults for Config.
const (
	DefaultIdleInterval    = time.Second
	DefaultErrorBackoff    = 5 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
)

// State is the writer's position in its loop.
type State int32

const (
	StateNew State = iota
	StateConnecting
	StateIdle
	StateWriting
	StateCommitted
	StateRolledBack
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateIdle:
		return "idle"
	case StateWriting:
		return "writing"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled_back"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Config tunes the loop timing.
type Config struct {
	IdleInterval    time.Duration // pause between polls of the queue
	ErrorBackoff    time.Duration // pause after a failed batch
	ShutdownTimeout time.Duration // bound on one batch write, the final flush included
	Retry           retry.Policy  // restarts of the loop after an uncaught error
}

// DefaultConfig returns 1s polling, 5s error backoff and 3 restarts 5s apart.
func DefaultConfig() Config {
	return Config{
		IdleInterval:    DefaultIdleInterval,
		ErrorBackoff:    DefaultErrorBackoff,
		ShutdownTimeout: DefaultShutdownTimeout,
		Retry:           retry.DefaultPolicy(),
	}
}

// Source is the consumer side of the delivery queue.
type Source interface {
	Drain() []collector.MetricSample
}

// Connections hands out the shared sink connection.
type Connections interface {
	Get(ctx context.Context) (storage.Conn, error)
}

// Writer is the single consumer of the delivery queue.
//
// A batch that was drained but could not be committed, because the sink was
// unreachable or the transaction failed, is dropped and counted; it is never
// put back on the queue.
type Writer struct {
	cfg     Config
	queue   Source
	conns   Connections
	metrics *telemetry.WriterMetrics
	log     *zap.Logger

	state atomic.Int32

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a writer. Zero fields of cfg take their defaults; metrics
// may be nil.
func New(queue Source, conns Connections, cfg Config, metrics *telemetry.WriterMetrics, log *zap.Logger) *Writer {
	if log == nil {
		log = zap.NewNop()
	}
	if metrics == nil {
		metrics = telemetry.NewWriterMetrics(nil, nil)
	}
	def := DefaultConfig()
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = def.IdleInterval
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = def.ErrorBackoff
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry = def.Retry
	}
	return &Writer{
		cfg:     cfg,
		queue:   queue,
		conns:   conns,
		metrics: metrics,
		log:     log,
		done:    make(chan struct{}),
	}
}

// State returns the current loop state.
func (w *Writer) State() State { return State(w.state.Load()) }

func (w *Writer) setState(s State) { w.state.Store(int32(s)) }

// Done is closed once the writer goroutine has exited, either after Stop
// or because its restarts were exhausted.
func (w *Writer) Done() <-chan struct{} { return w.done }

// Start launches the writer goroutine. Calling it more than once has no
// effect.
func (w *Writer) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}
	ctx, w.cancel = context.WithCancel(ctx)
	go w.supervise(ctx)
}

// Stop asks the writer to flush what is queued and exit, and waits for it.
func (w *Writer) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-w.done
}

func (w *Writer) supervise(ctx context.Context) {
	defer close(w.done)

	runs := 0
	ok := retry.Run(ctx, w.log, "batch writer", w.cfg.Retry, func() error {
		runs++
		if runs > 1 {
			w.metrics.Restarts.Inc()
		}
		return w.run(ctx)
	})

	if ctx.Err() != nil {
		w.finalFlush()
		w.setState(StateStopped)
		w.log.Info("batch writer stopped")
		return
	}
	if !ok {
		w.setState(StateFailed)
		w.log.Error("batch writer stopped permanently, samples will no longer be persisted",
			zap.Int("attempts", runs))
	}
}

// run is the writer loop. It returns nil when ctx ends and an error only
// when the sink cannot be reached at startup.
func (w *Writer) run(ctx context.Context) error {
	w.setState(StateConnecting)
	if _, err := w.conns.Get(ctx); err != nil {
		return fmt.Errorf("batch writer: %w", err)
	}
	w.log.Info("batch writer running")

	for ctx.Err() == nil {
		batch := w.queue.Drain()
		if len(batch) == 0 {
			w.setState(StateIdle)
			w.sleep(ctx, w.cfg.IdleInterval)
			continue
		}

		if err := w.flush(ctx, batch); err != nil && !errors.Is(err, storage.ErrUnavailable) {
			w.sleep(ctx, w.cfg.ErrorBackoff)
			continue
		}
		w.sleep(ctx, w.cfg.IdleInterval)
	}
	return nil
}

// flush writes one batch. The batch is gone after flush returns, committed
// or not.
//
// A batch that has been drained is finished even if ctx is cancelled
// meanwhile; the write is bounded by ShutdownTimeout instead.
func (w *Writer) flush(ctx context.Context, batch []collector.MetricSample) error {
	log := w.log.With(zap.String("batch_id", uuid.NewString()), zap.Int("samples", len(batch)))

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.ShutdownTimeout)
	defer cancel()

	conn, err := w.conns.Get(ctx)
	if err != nil {
		log.Error("database connection is unavailable, dropping batch", zap.Error(err))
		w.metrics.Batches.WithLabelValues(telemetry.OutcomeDropped).Inc()
		w.drop(batch, telemetry.ReasonUnavailable)
		return err
	}

	w.setState(StateWriting)
	start := time.Now()
	if err := w.write(ctx, conn, batch, log); err != nil {
		w.setState(StateRolledBack)
		w.metrics.Batches.WithLabelValues(telemetry.OutcomeRolledBack).Inc()
		log.Error("batch write failed, rolled back", zap.Error(err))
		w.drop(batch, telemetry.ReasonWriteFailed)
		return err
	}

	w.metrics.BatchDuration.Observe(time.Since(start).Seconds())
	w.metrics.Batches.WithLabelValues(telemetry.OutcomeCommitted).Inc()
	w.metrics.SamplesWritten.Add(float64(len(batch)))
	w.setState(StateCommitted)
	log.Debug("inserted metrics into the database")
	return nil
}

func (w *Writer) write(ctx context.Context, conn storage.Conn, batch []collector.MetricSample, log *zap.Logger) (err error) {
	tx, err := conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err == nil {
			return
		}
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			log.Warn("rollback failed", zap.Error(rbErr))
		}
	}()

	if err = tx.InsertSamples(ctx, batch); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (w *Writer) drop(batch []collector.MetricSample, reason string) {
	w.metrics.SamplesDropped.WithLabelValues(reason).Add(float64(len(batch)))
	w.log.Warn("samples dropped",
		zap.Int("samples", len(batch)),
		zap.String("reason", reason))
}

// finalFlush persists whatever is still queued once the loop has ended.
func (w *Writer) finalFlush() {
	batch := w.queue.Drain()
	if len(batch) == 0 {
		return
	}
	if err := w.flush(context.Background(), batch); err != nil {
		w.log.Error("final flush failed", zap.Error(err))
	}
}

func (w *Writer) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
