package loyalty

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/warp/loyalty-engine/loyalty"

// Metrics receives engine observations. See metrics.Prometheus.
type Metrics interface {
	ObserveOperation(op string, elapsed time.Duration, err error)
	SpendClamped()
	ConflictRetried(op string)
	PublishFailed()
}

type nopMetrics struct{}

func (nopMetrics) ObserveOperation(string, time.Duration, error) {}
func (nopMetrics) SpendClamped()                                {}
func (nopMetrics) ConflictRetried(string)                       {}
func (nopMetrics) PublishFailed()                               {}

// core is shared by Engine and RatingEngine.
type core struct {
	store       TxStore
	locker      Locker
	feed        Publisher
	metrics     Metrics
	logger      zerolog.Logger
	tracer      trace.Tracer
	now         func() time.Time
	newID       func() string
	maxAttempts int
	backoff     time.Duration
	parallelism int
}

// Option configures an Engine or RatingEngine.
type Option func(*core)

// WithLocker replaces the in-process KeyedMutex, e.g. with a distributed lock.
func WithLocker(l Locker) Option { return func(r *core) { r.locker = l } }

func WithPublisher(p Publisher) Option { return func(r *core) { r.feed = p } }

func WithMetrics(m Metrics) Option { return func(r *core) { r.metrics = m } }

func WithLogger(l zerolog.Logger) Option { return func(r *core) { r.logger = l } }

func WithClock(now func() time.Time) Option { return func(r *core) { r.now = now } }

func WithIDGenerator(f func() string) Option { return func(r *core) { r.newID = f } }

// WithMaxAttempts bounds the conflict retry loop. Values below 1 mean 1.
func WithMaxAttempts(n int) Option {
	return func(r *core) {
		if n < 1 {
			n = 1
		}
		r.maxAttempts = n
	}
}

// WithBackoff sets the base delay between conflict retries (linear).
func WithBackoff(d time.Duration) Option { return func(r *core) { r.backoff = d } }

// WithParallelism bounds RecomputeAll concurrency.
func WithParallelism(n int) Option {
	return func(r *core) {
		if n > 0 {
			r.parallelism = n
		}
	}
}

func newCore(store TxStore, opts []Option) core {
	r := core{
		store:       store,
		locker:      NewKeyedMutex(),
		feed:        discard{},
		metrics:     nopMetrics{},
		logger:      zerolog.Nop(),
		tracer:      otel.Tracer(tracerName),
		now:         func() time.Time { return time.Now().UTC() },
		newID:       uuid.NewString,
		maxAttempts: 5,
		backoff:     5 * time.Millisecond,
		parallelism: 8,
	}
	for _, opt := range opts {
		opt(&r)
	}
	return r
}

// start opens a span for op and returns a finish func recording the outcome.
func (r *core) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(*error)) {
	began := time.Now()
	ctx, span := r.tracer.Start(ctx, "loyalty."+op, trace.WithAttributes(attrs...))
	return ctx, func(errp *error) {
		err := *errp
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		r.metrics.ObserveOperation(op, time.Since(began), err)
	}
}

// mutate runs fn as one locked, retried read-modify-write on key and
// publishes the events fn produced once the write has committed.
func (r *core) mutate(ctx context.Context, op, key string, fn func(tx Store) ([]Event, error)) error {
	unlock, err := r.locker.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	var events []Event
	for attempt := 1; ; attempt++ {
		events = nil
		err = r.store.WithTx(ctx, func(tx Store) error {
			var ferr error
			events, ferr = fn(tx)
			return ferr
		})
		if err == nil || !IsRetryable(err) || attempt >= r.maxAttempts {
			break
		}

		r.metrics.ConflictRetried(op)
		r.logger.Debug().Str("op", op).Str("key", key).Int("attempt", attempt).Err(err).Msg("retrying after write conflict")

		select {
		case <-time.After(r.backoff * time.Duration(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}

	for _, e := range events {
		r.publish(ctx, e)
	}
	return nil
}

func (r *core) publish(ctx context.Context, e Event) {
	if err := r.feed.Publish(ctx, e); err != nil {
		r.metrics.PublishFailed()
		r.logger.Error().Err(err).Str("event", string(e.Type)).Str("key", e.Key()).Msg("change feed publish failed")
	}
}
