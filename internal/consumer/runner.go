package consumer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"changefeed/internal/domain/event"
	"changefeed/internal/infrastructure/postgres"
	"changefeed/internal/retry"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/kafka-go"
)

var (
	recordsPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "consumer_records_persisted_total",
		Help: "The total number of records durably written to the store",
	})
	persistRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "consumer_persist_retries_total",
		Help: "The total number of retried store writes",
	})
	deadLettered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "consumer_dead_letter_total",
		Help: "The total number of records routed to the dead-letter path",
	})
	persistDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "consumer_persist_duration_seconds",
		Help:    "Time taken to persist one record",
		Buckets: []float64{0.005, 0.025, 0.1, 0.5, 2},
	})
)

// recentDeadLetters bounds the ring of dead letters kept for /status.
const recentDeadLetters = 20

// Fetcher is the broker side of the loop; satisfied by
// infrastructure/kafka.Consumer.
type Fetcher interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Sink persists one record; satisfied by postgres.EventRepository.
type Sink interface {
	Save(ctx context.Context, key string, payload []byte) (postgres.Outcome, error)
}

// DeadLetter records one permanently unprocessable message. The offset
// still advances past it so a single poison record cannot stall the
// partition.
type DeadLetter struct {
	ID        string    `json:"id"`
	Partition int       `json:"partition"`
	Offset    int64     `json:"offset"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

// Stats is the consumer's inspectable state, served over the status
// endpoint.
type Stats struct {
	Persisted    int64        `json:"persisted"`
	Duplicates   int64        `json:"duplicates"`
	DeadLettered int64        `json:"dead_lettered"`
	Committed    int64        `json:"committed"`
	RecentDead   []DeadLetter `json:"recent_dead_letters,omitempty"`
}

// Runner owns the poll-persist-commit loop. A record's offset is committed
// only after the sink reports it durable (or it is dead-lettered after the
// retry budget), so a crash redelivers at most the uncommitted tail, which
// the sink's idempotent insert absorbs.
type Runner struct {
	broker     Fetcher
	sink       Sink
	maxRetries int
	backoff    retry.Backoff

	mu    sync.Mutex
	stats Stats
}

func NewRunner(broker Fetcher, sink Sink, maxRetries int, backoff retry.Backoff) *Runner {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Runner{broker: broker, sink: sink, maxRetries: maxRetries, backoff: backoff}
}

// Snapshot returns a copy of the current consumer stats.
func (r *Runner) Snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.stats
	st.RecentDead = append([]DeadLetter(nil), r.stats.RecentDead...)
	return st
}

// Run processes records until ctx is cancelled. Records are handled
// strictly in fetch order, which preserves the broker's per-partition
// ordering.
func (r *Runner) Run(ctx context.Context) error {
	for {
		msg, err := r.broker.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("failed to fetch message", "error", err)
			if retry.Sleep(ctx, time.Second) != nil {
				return nil
			}
			continue
		}

		if err := r.process(ctx, msg); err != nil {
			// Shutdown mid-record: leave the offset uncommitted so the
			// record is redelivered.
			return nil
		}

		if err := r.broker.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("failed to commit offset", "partition", msg.Partition,
				"offset", msg.Offset, "error", err)
			continue
		}
		r.update(func(st *Stats) { st.Committed++ })
	}
}

// process drives one record to a terminal outcome: durable, duplicate, or
// dead-lettered. Only a cancelled context returns an error.
func (r *Runner) process(ctx context.Context, msg kafka.Message) error {
	key := event.NaturalKey(msg.Value)

	for attempt := 0; ; attempt++ {
		started := time.Now()
		outcome, err := r.sink.Save(ctx, key, msg.Value)
		if outcome == postgres.Durable || outcome == postgres.Duplicate {
			persistDuration.Observe(time.Since(started).Seconds())
		}

		switch outcome {
		case postgres.Durable:
			recordsPersisted.Inc()
			r.update(func(st *Stats) { st.Persisted++ })
			return nil

		case postgres.Duplicate:
			r.update(func(st *Stats) { st.Duplicates++ })
			slog.Info("duplicate record absorbed", "partition", msg.Partition,
				"offset", msg.Offset, "key", key)
			return nil

		case postgres.PermanentFailure:
			r.deadLetter(msg, err)
			return nil

		default: // TransientFailure
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if attempt == r.maxRetries {
				r.deadLetter(msg, err)
				return nil
			}
			persistRetries.Inc()
			slog.Warn("transient store failure, retrying record",
				"partition", msg.Partition, "offset", msg.Offset,
				"attempt", attempt+1, "max", r.maxRetries, "error", err)
			if err := r.backoff.Wait(ctx, attempt+1); err != nil {
				return err
			}
		}
	}
}

func (r *Runner) deadLetter(msg kafka.Message, cause error) {
	dl := DeadLetter{
		ID:        uuid.NewString(),
		Partition: msg.Partition,
		Offset:    msg.Offset,
		At:        time.Now().UTC(),
	}
	if cause != nil {
		dl.Reason = cause.Error()
	}

	deadLettered.Inc()
	r.update(func(st *Stats) {
		st.DeadLettered++
		st.RecentDead = append(st.RecentDead, dl)
		if len(st.RecentDead) > recentDeadLetters {
			st.RecentDead = st.RecentDead[len(st.RecentDead)-recentDeadLetters:]
		}
	})

	slog.Error("DLQ: dropping record after retries", "dead_letter_id", dl.ID,
		"partition", msg.Partition, "offset", msg.Offset, "error", cause)
}

func (r *Runner) update(fn func(st *Stats)) {
	r.mu.Lock()
	fn(&r.stats)
	r.mu.Unlock()
}
