package publish

import (
	"context"
	"errors"
	"testing"
	"time"

	"changefeed/internal/retry"
)

type fakeSender struct {
	calls    int
	failures int
	err      error
}

func (f *fakeSender) SendMessage(ctx context.Context, key, value []byte) error {
	f.calls++
	if f.calls <= f.failures {
		return f.err
	}
	return nil
}

func fastBackoff() retry.Backoff {
	return retry.New(time.Nanosecond, time.Nanosecond, 0)
}

func TestPublisher_AcksFirstTry(t *testing.T) {
	s := &fakeSender{}
	p := New(s, 3, fastBackoff())

	if err := p.Publish(context.Background(), nil, []byte("a")); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if s.calls != 1 {
		t.Fatalf("calls=%d want=1", s.calls)
	}
}

func TestPublisher_RetriesThenAcks(t *testing.T) {
	s := &fakeSender{failures: 2, err: errors.New("broker unavailable")}
	p := New(s, 5, fastBackoff())

	if err := p.Publish(context.Background(), []byte("k"), []byte("a")); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if s.calls != 3 {
		t.Fatalf("calls=%d want=3", s.calls)
	}
}

func TestPublisher_ExhaustsBudget(t *testing.T) {
	sentinel := errors.New("broker unavailable")
	s := &fakeSender{failures: 100, err: sentinel}
	p := New(s, 4, fastBackoff())

	err := p.Publish(context.Background(), nil, []byte("a"))
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
	if s.calls != 4 {
		t.Fatalf("calls=%d want=4", s.calls)
	}
}

func TestPublisher_RespectsCancel(t *testing.T) {
	s := &fakeSender{failures: 100, err: errors.New("broker unavailable")}
	p := New(s, 100, retry.New(time.Hour, time.Hour, 0))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- p.Publish(ctx, nil, []byte("a"))
	}()

	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("publish did not unblock on cancel")
	}
}
