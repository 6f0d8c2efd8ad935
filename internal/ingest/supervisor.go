package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"changefeed/internal/checkpoint"
	"changefeed/internal/domain/event"
	"changefeed/internal/feed"
	"changefeed/internal/retry"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_events_total",
		Help: "The total number of feed events forwarded to the broker",
	})
	reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_reconnects_total",
		Help: "The total number of feed reconnect attempts after a failure",
	})
	phaseGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ingest_phase",
		Help: "Current supervisor phase (0 disconnected, 1 connecting, 2 streaming, 3 backoff, 4 closed)",
	})
	failureGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ingest_consecutive_failures",
		Help: "Consecutive transient failures since the last streaming period",
	})
)

type Phase string

const (
	PhaseDisconnected Phase = "disconnected"
	PhaseConnecting   Phase = "connecting"
	PhaseStreaming    Phase = "streaming"
	PhaseBackoff      Phase = "backoff"
	PhaseClosed       Phase = "closed"
)

var phaseOrdinal = map[Phase]float64{
	PhaseDisconnected: 0,
	PhaseConnecting:   1,
	PhaseStreaming:    2,
	PhaseBackoff:      3,
	PhaseClosed:       4,
}

// EventStream is one live feed connection; satisfied by feed.Stream.
type EventStream interface {
	Recv() (event.FeedEvent, error)
	Close() error
}

// Opener reopens the feed; satisfied via NewFeedOpener.
type Opener interface {
	Open(ctx context.Context, lastResumeToken string) (EventStream, error)
}

// Publisher delivers one message durably to the broker or fails it.
type Publisher interface {
	Publish(ctx context.Context, key, value []byte) error
}

type feedOpener struct {
	client *feed.Client
}

func (o feedOpener) Open(ctx context.Context, lastResumeToken string) (EventStream, error) {
	return o.client.Open(ctx, lastResumeToken)
}

func NewFeedOpener(client *feed.Client) Opener {
	return feedOpener{client: client}
}

// State is the supervisor's inspectable connection state, served over the
// status endpoint.
type State struct {
	Phase               Phase     `json:"phase"`
	LastResumeToken     string    `json:"last_resume_token,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	NextRetryAt         time.Time `json:"next_retry_at"`
}

// Supervisor owns the feed connection lifecycle: it opens the stream,
// forwards each event to the publisher in arrival order, and on transient
// failure reconnects with exponential backoff, resuming from the token of
// the last event the broker acked. It is the only writer of State.
type Supervisor struct {
	opener      Opener
	publisher   Publisher
	checkpoints checkpoint.Store
	backoff     retry.Backoff

	mu    sync.Mutex
	state State
}

func NewSupervisor(opener Opener, publisher Publisher, checkpoints checkpoint.Store, backoff retry.Backoff) *Supervisor {
	if checkpoints == nil {
		checkpoints = checkpoint.Disabled{}
	}
	return &Supervisor{
		opener:      opener,
		publisher:   publisher,
		checkpoints: checkpoints,
		backoff:     backoff,
		state:       State{Phase: PhaseDisconnected},
	}
}

// Snapshot returns a copy of the current connection state.
func (s *Supervisor) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run drives the state machine until ctx is cancelled or a fatal error
// occurs. A nil return means a clean shutdown; a non-nil return is terminal
// and left for the operator to act on.
func (s *Supervisor) Run(ctx context.Context) error {
	if token, err := s.checkpoints.Load(ctx); err != nil {
		slog.Warn("resume checkpoint unavailable, starting without token", "error", err)
	} else if token != "" {
		s.update(func(st *State) { st.LastResumeToken = token })
		slog.Info("resuming from checkpoint", "token", token)
	}

	for {
		if ctx.Err() != nil {
			s.close()
			return nil
		}

		s.update(func(st *State) { st.Phase = PhaseConnecting })
		stream, err := s.opener.Open(ctx, s.Snapshot().LastResumeToken)
		if err != nil {
			if ctx.Err() != nil {
				s.close()
				return nil
			}
			if feed.IsFatal(err) {
				s.close()
				return fmt.Errorf("feed connection is unrecoverable: %w", err)
			}
			slog.Warn("feed connect failed", "error", err)
			if stop := s.enterBackoff(ctx); stop {
				s.close()
				return nil
			}
			continue
		}

		err = s.stream(ctx, stream)
		stream.Close()

		if ctx.Err() != nil {
			s.close()
			return nil
		}
		if feed.IsFatal(err) {
			s.close()
			return fmt.Errorf("feed stream is unrecoverable: %w", err)
		}

		slog.Warn("streaming interrupted", "error", err,
			"resume_token", s.Snapshot().LastResumeToken)
		if stop := s.enterBackoff(ctx); stop {
			s.close()
			return nil
		}
	}
}

// stream pumps events until the connection or a publish fails. Events are
// handled one at a time in arrival order so the resume token only ever
// moves forward.
func (s *Supervisor) stream(ctx context.Context, stream EventStream) error {
	first := true

	for {
		ev, err := stream.Recv()
		if err != nil {
			return err
		}

		if first {
			first = false
			s.update(func(st *State) {
				st.Phase = PhaseStreaming
				st.ConsecutiveFailures = 0
				st.NextRetryAt = time.Time{}
			})
		}

		var key []byte
		if k := event.NaturalKey(ev.Data); k != "" {
			key = []byte(k)
		}

		if err := s.publisher.Publish(ctx, key, ev.Data); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("publish: %w", err)
		}
		eventsIngested.Inc()

		// The token advances only after the broker ack, so a reconnect
		// never skips past an event the broker has not seen.
		if ev.ResumeToken != "" {
			s.update(func(st *State) { st.LastResumeToken = ev.ResumeToken })
			if err := s.checkpoints.Save(ctx, ev.ResumeToken); err != nil {
				slog.Warn("failed to checkpoint resume token", "error", err)
			}
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// enterBackoff waits out the next retry interval. Returns true when the
// wait was cut short by shutdown.
func (s *Supervisor) enterBackoff(ctx context.Context) (stop bool) {
	var (
		attempt int
		delay   time.Duration
	)
	s.update(func(st *State) {
		st.Phase = PhaseBackoff
		st.ConsecutiveFailures++
		attempt = st.ConsecutiveFailures
		delay = s.backoff.Delay(attempt)
		st.NextRetryAt = time.Now().Add(delay)
	})
	reconnects.Inc()

	slog.Info("backing off before reconnect",
		"consecutive_failures", attempt, "delay", delay)
	return retry.Sleep(ctx, delay) != nil
}

func (s *Supervisor) close() {
	s.update(func(st *State) {
		st.Phase = PhaseClosed
		st.NextRetryAt = time.Time{}
	})
	slog.Info("ingest supervisor closed")
}

func (s *Supervisor) update(fn func(st *State)) {
	s.mu.Lock()
	fn(&s.state)
	phaseGauge.Set(phaseOrdinal[s.state.Phase])
	failureGauge.Set(float64(s.state.ConsecutiveFailures))
	s.mu.Unlock()
}
