// Package webhook posts structured event embeds to the configured logical
// channels. Pre-execution posts are synchronous and must succeed before the
// described action runs; post-execution posts go through a bounded worker
// pool and are fire-and-forget.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Channel is a logical webhook destination.
type Channel string

const (
	ChannelCommands      Channel = "commands"
	ChannelAPI           Channel = "api"
	ChannelFileChanges   Channel = "file-changes"
	ChannelConsciousness Channel = "consciousness"
	ChannelAlerts        Channel = "alerts"
	ChannelHashChain     Channel = "hash-chain"
)

// Field is one name/value pair inside an embed.
type Field struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

// Embed is the wire shape posted to a sink URL.
type Embed struct {
	Title     string  `json:"title"`
	Color     int     `json:"color"`
	Fields    []Field `json:"fields,omitempty"`
	Footer    string  `json:"footer,omitempty"`
	Timestamp string  `json:"timestamp"`
}

type body struct {
	Embeds []Embed `json:"embeds"`
}

// Severity colors used across the runtime.
const (
	ColorInfo     = 0x3498db
	ColorSuccess  = 0x2ecc71
	ColorWarning  = 0xf39c12
	ColorCritical = 0xe74c3c
)

const (
	postTimeout  = 3 * time.Second
	queueDepth   = 256
	channelRate  = 5 // posts per second per channel
	channelBurst = 10
)

// Sink posts embeds to per-channel URLs. Channels with no configured URL
// accept and drop posts silently; the sink is best-effort except where a
// caller awaits Post directly.
type Sink struct {
	urls    map[Channel]string
	client  *http.Client
	logger  *slog.Logger
	clock   func() time.Time
	queues  map[Channel]chan Embed
	limits  map[Channel]*rate.Limiter
	wg      sync.WaitGroup
	mu      sync.Mutex
	closed  bool
	dropped int64
}

// NewSink creates a sink over the given channel → URL map.
func NewSink(urls map[Channel]string, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sink{
		urls:   urls,
		client: &http.Client{Timeout: postTimeout},
		logger: logger.With("component", "webhook"),
		clock:  time.Now,
		queues: make(map[Channel]chan Embed),
		limits: make(map[Channel]*rate.Limiter),
	}
	for ch := range urls {
		q := make(chan Embed, queueDepth)
		s.queues[ch] = q
		s.limits[ch] = rate.NewLimiter(rate.Limit(channelRate), channelBurst)
		s.wg.Add(1)
		go s.worker(ch, q)
	}
	return s
}

// WithClock overrides the clock for deterministic testing.
func (s *Sink) WithClock(clock func() time.Time) *Sink {
	s.clock = clock
	return s
}

// WithHTTPClient overrides the HTTP client, for tests.
func (s *Sink) WithHTTPClient(c *http.Client) *Sink {
	s.client = c
	return s
}

// Post synchronously delivers an embed to the channel. This is the
// pre-execution path: the caller must not act until Post returns nil.
// An unconfigured channel is not an error; there is nothing to fail.
func (s *Sink) Post(ctx context.Context, ch Channel, e Embed) error {
	url, ok := s.urls[ch]
	if !ok || url == "" {
		return nil
	}
	if err := s.limits[ch].Wait(ctx); err != nil {
		return fmt.Errorf("webhook: limiter wait: %w", err)
	}
	return s.deliver(ctx, url, e)
}

// Enqueue schedules an embed for asynchronous delivery. When a queue is
// full the new post is dropped and counted; post-execution records are
// best-effort by contract.
func (s *Sink) Enqueue(ch Channel, e Embed) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	q, ok := s.queues[ch]
	if !ok {
		return
	}
	select {
	case q <- e:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		s.logger.Warn("queue full, post dropped", "channel", string(ch))
	}
}

// Dropped reports how many async posts were discarded due to backpressure.
func (s *Sink) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Sink) worker(ch Channel, q chan Embed) {
	defer s.wg.Done()
	url := s.urls[ch]
	for e := range q {
		ctx, cancel := context.WithTimeout(context.Background(), postTimeout)
		if err := s.limits[ch].Wait(ctx); err == nil {
			if err := s.deliver(ctx, url, e); err != nil {
				s.logger.Warn("async post failed", "channel", string(ch), "error", err)
			}
		}
		cancel()
	}
}

func (s *Sink) deliver(ctx context.Context, url string, e Embed) error {
	if e.Timestamp == "" {
		e.Timestamp = s.clock().UTC().Format(time.RFC3339)
	}
	raw, err := json.Marshal(body{Embeds: []Embed{e}})
	if err != nil {
		return fmt.Errorf("webhook: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: sink returned %d", resp.StatusCode)
	}
	return nil
}

// Close stops the workers after draining queued posts.
func (s *Sink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	for _, q := range s.queues {
		close(q)
	}
	s.wg.Wait()
}
