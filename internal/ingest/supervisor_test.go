package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"changefeed/internal/domain/event"
	"changefeed/internal/feed"
	"changefeed/internal/retry"
)

var (
	errDrop   = &feed.Error{Kind: feed.Transient, Op: "recv", Err: errors.New("connection reset")}
	errDenied = &feed.Error{Kind: feed.Fatal, Op: "open", Err: errors.New("403 forbidden")}
)

// step is one scripted Recv result.
type step struct {
	ev  event.FeedEvent
	err error
}

type scriptedStream struct {
	steps []step
	ctx   context.Context
}

func (s *scriptedStream) Recv() (event.FeedEvent, error) {
	if len(s.steps) == 0 {
		// Quiet stream: block until shutdown.
		<-s.ctx.Done()
		return event.FeedEvent{}, s.ctx.Err()
	}
	st := s.steps[0]
	s.steps = s.steps[1:]
	return st.ev, st.err
}

func (s *scriptedStream) Close() error { return nil }

type scriptedOpener struct {
	mu      sync.Mutex
	tokens  []string
	streams []func(ctx context.Context) (EventStream, error)
}

func (o *scriptedOpener) Open(ctx context.Context, lastResumeToken string) (EventStream, error) {
	o.mu.Lock()
	o.tokens = append(o.tokens, lastResumeToken)
	n := len(o.tokens) - 1
	o.mu.Unlock()

	if n >= len(o.streams) {
		return nil, errDenied
	}
	return o.streams[n](ctx)
}

func (o *scriptedOpener) openTokens() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.tokens...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	calls  int
	values []string
	fail   func(call int) error
}

func (p *recordingPublisher) Publish(ctx context.Context, key, value []byte) error {
	p.mu.Lock()
	call := p.calls
	p.calls++
	p.mu.Unlock()

	if p.fail != nil {
		if err := p.fail(call); err != nil {
			return err
		}
	}

	p.mu.Lock()
	p.values = append(p.values, string(value))
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.values...)
}

type memCheckpoint struct {
	mu    sync.Mutex
	token string
}

func (m *memCheckpoint) Load(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token, nil
}

func (m *memCheckpoint) Save(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
	return nil
}

// gatedStream yields steps as the test feeds them, so each supervisor
// phase can be observed before the next transition.
type gatedStream struct {
	steps <-chan step
	ctx   context.Context
}

func (s *gatedStream) Recv() (event.FeedEvent, error) {
	select {
	case st := <-s.steps:
		return st.ev, st.err
	case <-s.ctx.Done():
		return event.FeedEvent{}, s.ctx.Err()
	}
}

func (s *gatedStream) Close() error { return nil }

// failingCheckpoint fails every load but still accepts saves.
type failingCheckpoint struct {
	memCheckpoint
	loadErr error
}

func (f *failingCheckpoint) Load(context.Context) (string, error) {
	return "", f.loadErr
}

func fastBackoff() retry.Backoff {
	return retry.New(time.Millisecond, time.Millisecond, 0)
}

func events(steps ...step) func(ctx context.Context) (EventStream, error) {
	return func(ctx context.Context) (EventStream, error) {
		return &scriptedStream{steps: steps, ctx: ctx}, nil
	}
}

func openErr(err error) func(ctx context.Context) (EventStream, error) {
	return func(ctx context.Context) (EventStream, error) {
		return nil, err
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSupervisor_ReconnectResumesFromLastPublishedToken(t *testing.T) {
	opener := &scriptedOpener{streams: []func(ctx context.Context) (EventStream, error){
		events(
			step{ev: event.FeedEvent{ResumeToken: "1", Data: []byte("A")}},
			step{ev: event.FeedEvent{ResumeToken: "2", Data: []byte("B")}},
			step{err: errDrop},
		),
		events(
			step{ev: event.FeedEvent{ResumeToken: "3", Data: []byte("C")}},
			step{err: errDrop},
		),
		// third open ends the run with a fatal error
	}}
	pub := &recordingPublisher{}

	s := NewSupervisor(opener, pub, nil, fastBackoff())
	err := s.Run(context.Background())
	if err == nil {
		t.Fatal("expected terminal error from fatal open")
	}

	tokens := opener.openTokens()
	want := []string{"", "2", "3"}
	if len(tokens) != len(want) {
		t.Fatalf("open tokens=%v want %v", tokens, want)
	}
	for i := range want {
		if tokens[i] != want[i] {
			t.Fatalf("open %d token=%q want %q", i, tokens[i], want[i])
		}
	}

	got := pub.published()
	if len(got) != 3 || got[0] != "A" || got[1] != "B" || got[2] != "C" {
		t.Fatalf("published=%v want [A B C]", got)
	}

	if s.Snapshot().Phase != PhaseClosed {
		t.Fatalf("phase=%s want closed", s.Snapshot().Phase)
	}
}

func TestSupervisor_FatalOpenCloses(t *testing.T) {
	opener := &scriptedOpener{streams: []func(ctx context.Context) (EventStream, error){
		openErr(errDenied),
	}}
	s := NewSupervisor(opener, &recordingPublisher{}, nil, fastBackoff())

	err := s.Run(context.Background())
	if err == nil {
		t.Fatal("expected terminal error")
	}
	if got := s.Snapshot().Phase; got != PhaseClosed {
		t.Fatalf("phase=%s want closed", got)
	}
	if n := len(opener.openTokens()); n != 1 {
		t.Fatalf("open calls=%d want 1 (fatal must not retry)", n)
	}
}

func TestSupervisor_TransientOpenBacksOffAndCountsFailures(t *testing.T) {
	opener := &scriptedOpener{streams: []func(ctx context.Context) (EventStream, error){
		openErr(errDrop),
		openErr(errDrop),
		events(step{ev: event.FeedEvent{ResumeToken: "9", Data: []byte("X")}}),
	}}
	pub := &recordingPublisher{}
	s := NewSupervisor(opener, pub, nil, fastBackoff())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// Two failed opens, then a streaming period resets the failure count.
	waitFor(t, "streaming phase", func() bool {
		return s.Snapshot().Phase == PhaseStreaming
	})
	if st := s.Snapshot(); st.ConsecutiveFailures != 0 {
		t.Fatalf("consecutive failures=%d want 0 after recovery", st.ConsecutiveFailures)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if got := pub.published(); len(got) != 1 || got[0] != "X" {
		t.Fatalf("published=%v want [X]", got)
	}
}

func TestSupervisor_BackoffStateIsObservable(t *testing.T) {
	opener := &scriptedOpener{streams: []func(ctx context.Context) (EventStream, error){
		openErr(errDrop),
		openErr(errDrop),
		openErr(errDrop),
	}}
	s := NewSupervisor(opener, &recordingPublisher{}, nil,
		retry.New(200*time.Millisecond, time.Second, 0))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitFor(t, "backoff phase", func() bool {
		st := s.Snapshot()
		return st.Phase == PhaseBackoff && st.ConsecutiveFailures >= 1 && !st.NextRetryAt.IsZero()
	})

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if got := s.Snapshot().Phase; got != PhaseClosed {
		t.Fatalf("phase=%s want closed after cancel", got)
	}
}

func TestSupervisor_PublishFailureTriggersReconnect(t *testing.T) {
	opener := &scriptedOpener{streams: []func(ctx context.Context) (EventStream, error){
		events(
			step{ev: event.FeedEvent{ResumeToken: "5", Data: []byte("A")}},
		),
		events(
			step{ev: event.FeedEvent{ResumeToken: "5", Data: []byte("A")}},
			step{err: errDrop},
		),
	}}
	pub := &recordingPublisher{fail: func(call int) error {
		if call == 0 {
			return errors.New("attempts exhausted")
		}
		return nil
	}}
	s := NewSupervisor(opener, pub, nil, fastBackoff())

	err := s.Run(context.Background())
	if err == nil {
		t.Fatal("expected terminal error from scripted fatal open")
	}

	tokens := opener.openTokens()
	if len(tokens) != 3 {
		t.Fatalf("open calls=%d want 3", len(tokens))
	}
	// The failed publish must not advance the resume token.
	if tokens[1] != "" {
		t.Fatalf("token after failed publish=%q want \"\"", tokens[1])
	}
	if tokens[2] != "5" {
		t.Fatalf("token after acked publish=%q want 5", tokens[2])
	}
}

func TestSupervisor_CheckpointRoundTrip(t *testing.T) {
	ckpt := &memCheckpoint{token: "41"}
	opener := &scriptedOpener{streams: []func(ctx context.Context) (EventStream, error){
		events(
			step{ev: event.FeedEvent{ResumeToken: "42", Data: []byte("A")}},
			step{err: errDrop},
		),
	}}
	s := NewSupervisor(opener, &recordingPublisher{}, ckpt, fastBackoff())

	if err := s.Run(context.Background()); err == nil {
		t.Fatal("expected terminal error from scripted fatal open")
	}

	tokens := opener.openTokens()
	if tokens[0] != "41" {
		t.Fatalf("first open token=%q want checkpointed 41", tokens[0])
	}
	if saved, _ := ckpt.Load(context.Background()); saved != "42" {
		t.Fatalf("checkpoint=%q want 42", saved)
	}
}

func TestSupervisor_CheckpointLoadFailureStartsTokenless(t *testing.T) {
	ckpt := &failingCheckpoint{loadErr: errors.New("redis: connection refused")}
	opener := &scriptedOpener{streams: []func(ctx context.Context) (EventStream, error){
		events(
			step{ev: event.FeedEvent{ResumeToken: "7", Data: []byte("A")}},
			step{err: errDrop},
		),
	}}
	pub := &recordingPublisher{}
	s := NewSupervisor(opener, pub, ckpt, fastBackoff())

	// An unreachable checkpoint store must not stop ingestion.
	if err := s.Run(context.Background()); err == nil {
		t.Fatal("expected terminal error from scripted fatal open")
	}

	tokens := opener.openTokens()
	if tokens[0] != "" {
		t.Fatalf("first open token=%q want empty after load failure", tokens[0])
	}
	if got := pub.published(); len(got) != 1 || got[0] != "A" {
		t.Fatalf("published=%v want [A]", got)
	}
	if saved, _ := ckpt.memCheckpoint.Load(context.Background()); saved != "7" {
		t.Fatalf("checkpoint after ack=%q want 7", saved)
	}
}

func TestSupervisor_PhaseSequenceAcrossReconnect(t *testing.T) {
	recv1 := make(chan step, 3)
	recv2 := make(chan step, 3)
	openGate := make(chan struct{})

	opener := &scriptedOpener{streams: []func(ctx context.Context) (EventStream, error){
		func(ctx context.Context) (EventStream, error) {
			<-openGate
			return &gatedStream{steps: recv1, ctx: ctx}, nil
		},
		func(ctx context.Context) (EventStream, error) {
			<-openGate
			return &gatedStream{steps: recv2, ctx: ctx}, nil
		},
		// third open ends the run with a fatal error
	}}
	pub := &recordingPublisher{}
	s := NewSupervisor(opener, pub, nil,
		retry.New(150*time.Millisecond, 150*time.Millisecond, 0))

	if got := s.Snapshot().Phase; got != PhaseDisconnected {
		t.Fatalf("phase before run=%s want disconnected", got)
	}

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	waitFor(t, "connecting phase", func() bool {
		return s.Snapshot().Phase == PhaseConnecting
	})
	openGate <- struct{}{}

	recv1 <- step{ev: event.FeedEvent{ResumeToken: "1", Data: []byte("A")}}
	waitFor(t, "streaming phase", func() bool {
		return s.Snapshot().Phase == PhaseStreaming
	})
	recv1 <- step{ev: event.FeedEvent{ResumeToken: "2", Data: []byte("B")}}
	waitFor(t, "second publish", func() bool {
		return len(pub.published()) == 2
	})

	recv1 <- step{err: errDrop}
	waitFor(t, "backoff phase", func() bool {
		return s.Snapshot().Phase == PhaseBackoff
	})

	waitFor(t, "reconnecting phase", func() bool {
		return s.Snapshot().Phase == PhaseConnecting
	})
	openGate <- struct{}{}

	recv2 <- step{ev: event.FeedEvent{ResumeToken: "3", Data: []byte("C")}}
	waitFor(t, "streaming phase after reconnect", func() bool {
		return s.Snapshot().Phase == PhaseStreaming
	})
	recv2 <- step{err: errDrop}

	if err := <-done; err == nil {
		t.Fatal("expected terminal error from fatal open")
	}
	if got := s.Snapshot().Phase; got != PhaseClosed {
		t.Fatalf("phase=%s want closed", got)
	}

	tokens := opener.openTokens()
	want := []string{"", "2", "3"}
	if len(tokens) != len(want) {
		t.Fatalf("open tokens=%v want %v", tokens, want)
	}
	for i := range want {
		if tokens[i] != want[i] {
			t.Fatalf("open %d token=%q want %q", i, tokens[i], want[i])
		}
	}

	if got := pub.published(); len(got) != 3 || got[0] != "A" || got[1] != "B" || got[2] != "C" {
		t.Fatalf("published=%v want [A B C]", got)
	}
}
