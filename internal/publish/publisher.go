package publish

import (
	"context"
	"fmt"
	"log/slog"

	"changefeed/internal/retry"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_messages_published_total",
		Help: "The total number of messages acked by the broker",
	})
	publishRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_publish_retries_total",
		Help: "The total number of retried publish attempts",
	})
)

// Sender is the broker write the publisher wraps; satisfied by
// infrastructure/kafka.Producer.
type Sender interface {
	SendMessage(ctx context.Context, key, value []byte) error
}

// Publisher sends one message at a time with a bounded attempt budget and
// exponential backoff between attempts. It holds no per-message state, so a
// single instance is shared freely.
type Publisher struct {
	sender      Sender
	maxAttempts int
	backoff     retry.Backoff
}

func New(sender Sender, maxAttempts int, backoff retry.Backoff) *Publisher {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Publisher{sender: sender, maxAttempts: maxAttempts, backoff: backoff}
}

// Publish blocks until the broker acks the message or the attempt budget is
// exhausted. A nil return means the message is durable on the broker; a
// non-nil return is final for this message and it was never silently
// dropped.
func (p *Publisher) Publish(ctx context.Context, key, value []byte) error {
	var last error

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if last = p.sender.SendMessage(ctx, key, value); last == nil {
			messagesPublished.Inc()
			return nil
		}

		if attempt == p.maxAttempts {
			break
		}

		publishRetries.Inc()
		slog.Warn("publish attempt failed, backing off",
			"attempt", attempt, "max", p.maxAttempts, "error", last)
		if err := p.backoff.Wait(ctx, attempt); err != nil {
			return err
		}
	}

	return fmt.Errorf("publish failed after %d attempts: %w", p.maxAttempts, last)
}
