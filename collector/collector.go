package collector

import (
	"context"
	"time"

	"funcmetrics/logger"

	"go.uber.org/zap"
)

// SampleSink receives every raw sample produced by an instrumented call.
// The delivery queue satisfies it; Push must never block.
type SampleSink interface {
	Push(MetricSample)
}

// Collector is the instrumentation entry point. One is built at startup and
// handed to every call site that wants its work measured.
type Collector struct {
	store *Store
	sink  SampleSink
	log   *zap.Logger
}

// Report is the read-only view returned by Metrics.
type Report struct {
	Identifier      string
	CallCount       uint64
	AverageDuration float64 // seconds
	ErrorCount      uint64
}

// New wires a collector to its aggregate store and sample sink.
func New(store *Store, sink SampleSink, log *zap.Logger) *Collector {
	if log == nil {
		log = zap.NewNop()
	}
	return &Collector{store: store, sink: sink, log: log}
}

// Instrument returns work wrapped with timing and error accounting. The
// returned function yields exactly the error work returned.
func (c *Collector) Instrument(name string, work func() error) func() error {
	return func() (err error) {
		defer c.measure(c.log, name, time.Now(), &err)()
		return work()
	}
}

// InstrumentContext is Instrument for work that takes a context. Log lines
// go through the logger carried by ctx, if any.
func (c *Collector) InstrumentContext(name string, work func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) (err error) {
		defer c.measure(logger.FromContext(ctx, c.log), name, time.Now(), &err)()
		return work(ctx)
	}
}

// Wrap instruments work that produces a value.
func Wrap[T any](c *Collector, name string, work func() (T, error)) func() (T, error) {
	return func() (res T, err error) {
		defer c.measure(c.log, name, time.Now(), &err)()
		return work()
	}
}

// WrapArg instruments work that takes an argument and produces a value.
func WrapArg[A, T any](c *Collector, name string, work func(A) (T, error)) func(A) (T, error) {
	return func(arg A) (res T, err error) {
		defer c.measure(c.log, name, time.Now(), &err)()
		return work(arg)
	}
}

// measure returns the deferred half of an instrumented call. It runs once
// per invocation whether work returned normally, returned an error or
// panicked; a panic is counted as a failure and keeps unwinding.
func (c *Collector) measure(log *zap.Logger, name string, start time.Time, errp *error) func() {
	return func() {
		elapsed := time.Since(start)
		failed := *errp != nil
		if r := recover(); r != nil {
			c.observe(log, name, elapsed, true)
			log.Error("function panicked", zap.String("function", name), zap.Any("panic", r))
			panic(r)
		}
		c.observe(log, name, elapsed, failed)
		if failed {
			log.Error("function returned an error", zap.String("function", name), zap.Error(*errp))
		} else {
			log.Debug("function executed successfully", zap.String("function", name))
		}
	}
}

func (c *Collector) observe(log *zap.Logger, name string, elapsed time.Duration, failed bool) {
	seconds := elapsed.Seconds()
	c.store.Record(name, seconds, failed)
	c.sink.Push(MetricSample{
		Identifier:      name,
		DurationSeconds: seconds,
		Failed:          failed,
		ObservedAt:      time.Now().UTC(),
	})
	log.Debug("function execution time",
		zap.String("function", name),
		zap.Duration("elapsed", elapsed),
		zap.Bool("failed", failed))
}

// Metrics returns the current aggregate for identifier. It never fails;
// unknown identifiers report zeros.
func (c *Collector) Metrics(identifier string) Report {
	rec := c.store.Snapshot(identifier)
	return Report{
		Identifier:      identifier,
		CallCount:       rec.CallCount,
		AverageDuration: rec.AverageDuration(),
		ErrorCount:      rec.ErrorCount,
	}
}

// AllMetrics reports every identifier observed so far.
func (c *Collector) AllMetrics() []Report {
	ids := c.store.Identifiers()
	out := make([]Report, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.Metrics(id))
	}
	return out
}

// Store exposes the aggregate store, e.g. for metric exporters.
func (c *Collector) Store() *Store { return c.store }
