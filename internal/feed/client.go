package feed

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"changefeed/internal/domain/event"
)

// maxFrameSize bounds a single SSE frame; recentchange payloads run a few
// KB, so 1MB leaves plenty of headroom.
const maxFrameSize = 1 << 20

// Client attaches to a server-sent-events endpoint. It performs no retries
// itself: a broken stream surfaces as an error from Recv and reconnecting
// with the last resume token is the supervisor's job.
type Client struct {
	url        string
	httpClient *http.Client
}

func NewClient(url string, connectTimeout time.Duration) *Client {
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	return &Client{
		url: url,
		httpClient: &http.Client{
			Transport: &http.Transport{
				// Bound the handshake only; the body is an unbounded stream.
				ResponseHeaderTimeout: connectTimeout,
			},
		},
	}
}

// Open establishes the streaming connection. A non-empty lastResumeToken is
// sent as Last-Event-ID so the feed replays from that point. Cancelling ctx
// aborts both the handshake and all subsequent reads from the stream.
func (c *Client) Open(ctx context.Context, lastResumeToken string) (*Stream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fatalErr("open", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if lastResumeToken != "" {
		req.Header.Set("Last-Event-ID", lastResumeToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, transientErr("open", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		err := fmt.Errorf("unexpected status %s", resp.Status)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, fatalErr("open", err)
		}
		return nil, transientErr("open", err)
	}

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		resp.Body.Close()
		return nil, fatalErr("open", fmt.Errorf("not an event stream: content-type %q", ct))
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), maxFrameSize)
	return &Stream{body: resp.Body, scanner: sc, ctx: ctx}, nil
}

// Stream is one live connection. Recv yields frames strictly in arrival
// order; once it returns an error the stream is dead and must be reopened.
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	ctx     context.Context
}

// Recv blocks until the next complete frame. Frames without a data field
// (comments, keepalives) are skipped. The returned ResumeToken is empty when
// the frame carried no id field.
func (s *Stream) Recv() (event.FeedEvent, error) {
	var (
		token string
		data  []string
	)

	for s.scanner.Scan() {
		line := s.scanner.Text()

		if line == "" {
			// Frame boundary. Keepalive frames have no data; keep reading.
			if len(data) == 0 {
				token = ""
				continue
			}
			return event.FeedEvent{
				ResumeToken: token,
				Data:        []byte(strings.Join(data, "\n")),
			}, nil
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "id":
			token = value
		case "data":
			data = append(data, value)
		}
		// "event" and "retry" fields are irrelevant here.
	}

	if err := s.ctx.Err(); err != nil {
		return event.FeedEvent{}, err
	}
	if err := s.scanner.Err(); err != nil {
		// An oversized frame would be replayed verbatim on every
		// reconnect, so retrying cannot make progress.
		if errors.Is(err, bufio.ErrTooLong) {
			return event.FeedEvent{}, fatalErr("recv",
				fmt.Errorf("frame exceeds %d bytes: %w", maxFrameSize, err))
		}
		return event.FeedEvent{}, transientErr("recv", err)
	}
	// Clean EOF: the server closed the stream.
	return event.FeedEvent{}, transientErr("recv", io.EOF)
}

func (s *Stream) Close() error {
	return s.body.Close()
}
