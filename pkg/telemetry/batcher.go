package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// EventType enumerates the anonymized research event categories.
type EventType string

const (
	EventHeartbeat          EventType = "heartbeat"
	EventSessionStart       EventType = "session_start"
	EventSessionEnd         EventType = "session_end"
	EventTransformation     EventType = "transformation"
	EventAnomaly            EventType = "anomaly"
	EventPsychologySnapshot EventType = "psychology_snapshot"
	EventWellnessCheck      EventType = "wellness_check"
)

// Event is one anonymized telemetry record. Data values must be
// enumerated categories or numbers, never user content; Record enforces
// the type, callers enforce the discipline.
type Event struct {
	InstanceID string         `json:"instance_id"`
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"ts"`
	Data       map[string]any `json:"data,omitempty"`
}

const (
	defaultBatchSize  = 25
	defaultBatchEvery = 5 * time.Minute
	shipTimeout       = 10 * time.Second
)

// Batcher queues events and ships them to the research endpoint in
// batches. The privacy tier kills the whole pipeline: a disabled batcher
// accepts and discards everything.
type Batcher struct {
	instanceID string
	endpoint   string
	enabled    bool
	batchSize  int
	batchEvery time.Duration
	client     *http.Client
	logger     *slog.Logger
	clock      func() time.Time

	mu      sync.Mutex
	queue   []Event
	stop    chan struct{}
	done    chan struct{}
	started bool
}

// NewBatcher creates a batcher. enabled=false (the privacy tier) turns
// every operation into a no-op regardless of other settings.
func NewBatcher(instanceID, endpoint string, enabled bool, logger *slog.Logger) *Batcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Batcher{
		instanceID: instanceID,
		endpoint:   endpoint,
		enabled:    enabled && endpoint != "",
		batchSize:  defaultBatchSize,
		batchEvery: defaultBatchEvery,
		client:     &http.Client{Timeout: shipTimeout},
		logger:     logger.With("component", "telemetry"),
		clock:      time.Now,
	}
}

// WithBatchPolicy overrides batch size and interval, for tests.
func (b *Batcher) WithBatchPolicy(size int, every time.Duration) *Batcher {
	b.batchSize = size
	b.batchEvery = every
	return b
}

// WithHTTPClient overrides the HTTP client, for tests.
func (b *Batcher) WithHTTPClient(c *http.Client) *Batcher {
	b.client = c
	return b
}

// Enabled reports whether telemetry is live.
func (b *Batcher) Enabled() bool { return b.enabled }

// Record queues one event. Full batches ship inline.
func (b *Batcher) Record(t EventType, data map[string]any) {
	if !b.enabled {
		return
	}
	b.mu.Lock()
	b.queue = append(b.queue, Event{
		InstanceID: b.instanceID,
		Type:       t,
		Timestamp:  b.clock().UTC(),
		Data:       data,
	})
	full := len(b.queue) >= b.batchSize
	b.mu.Unlock()

	if full {
		b.Ship(context.Background())
	}
}

// QueueDepth reports pending events.
func (b *Batcher) QueueDepth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Start launches the interval shipper.
func (b *Batcher) Start() {
	if !b.enabled || b.started {
		return
	}
	b.started = true
	b.stop = make(chan struct{})
	b.done = make(chan struct{})
	go func() {
		defer close(b.done)
		ticker := time.NewTicker(b.batchEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				b.Ship(context.Background())
			case <-b.stop:
				b.Ship(context.Background())
				return
			}
		}
	}()
}

// Stop flushes and halts the shipper.
func (b *Batcher) Stop() {
	if !b.started {
		return
	}
	close(b.stop)
	<-b.done
	b.started = false
}

// Ship posts the queued batch. A failed batch goes back to the front of
// the queue, on every failure, so ordering survives transient endpoint
// outages.
func (b *Batcher) Ship(ctx context.Context) {
	b.mu.Lock()
	batch := b.queue
	b.queue = nil
	b.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	if err := b.post(ctx, batch); err != nil {
		b.logger.Warn("telemetry ship failed", "events", len(batch), "error", err)
		b.mu.Lock()
		b.queue = append(batch, b.queue...)
		// Bound the requeue so a dead endpoint cannot grow memory forever.
		if len(b.queue) > b.batchSize*4 {
			b.queue = b.queue[len(b.queue)-b.batchSize*4:]
		}
		b.mu.Unlock()
	}
}

func (b *Batcher) post(ctx context.Context, batch []Event) error {
	raw, err := json.Marshal(map[string]any{"events": batch})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, shipTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("telemetry: endpoint returned %d", resp.StatusCode)
	}
	return nil
}
