package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/helixos/helix/pkg/webhook"
)

// HeartbeatInterval is how often the liveness event fires.
const HeartbeatInterval = 60 * time.Second

// Heartbeat periodically posts a liveness embed to the alerts channel.
type Heartbeat struct {
	sink     *webhook.Sink
	logger   *slog.Logger
	interval time.Duration
	started  time.Time
	seq      atomic.Uint64
	cancel   context.CancelFunc
	done     chan struct{}
	clock    func() time.Time
}

// NewHeartbeat creates a heartbeat against the sink.
func NewHeartbeat(sink *webhook.Sink, logger *slog.Logger) *Heartbeat {
	if logger == nil {
		logger = slog.Default()
	}
	return &Heartbeat{
		sink:     sink,
		logger:   logger.With("component", "heartbeat"),
		interval: HeartbeatInterval,
		clock:    time.Now,
	}
}

// WithInterval overrides the cadence, for tests.
func (h *Heartbeat) WithInterval(d time.Duration) *Heartbeat {
	h.interval = d
	return h
}

// Start begins beating. The first beat fires immediately so observers see
// the runtime come up.
func (h *Heartbeat) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan struct{})
	h.started = h.clock()

	go func() {
		defer close(h.done)
		h.beat(ctx)
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				h.beat(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the loop. A final offline event is the bootstrap's job, not
// the heartbeat's.
func (h *Heartbeat) Stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	<-h.done
	h.cancel = nil
}

// Beats reports how many beats have fired.
func (h *Heartbeat) Beats() uint64 { return h.seq.Load() }

func (h *Heartbeat) beat(ctx context.Context) {
	seq := h.seq.Add(1)
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	uptime := h.clock().Sub(h.started).Round(time.Second)
	e := webhook.Embed{
		Title: "heartbeat",
		Color: webhook.ColorSuccess,
		Fields: []webhook.Field{
			{Name: "seq", Value: fmt.Sprintf("%d", seq), Inline: true},
			{Name: "uptime", Value: uptime.String(), Inline: true},
			{Name: "mem_mb", Value: fmt.Sprintf("%d", mem.Alloc/1024/1024), Inline: true},
			{Name: "goroutines", Value: fmt.Sprintf("%d", runtime.NumGoroutine()), Inline: true},
			{Name: "pid", Value: fmt.Sprintf("%d", os.Getpid()), Inline: true},
		},
	}
	if err := h.sink.Post(ctx, webhook.ChannelAlerts, e); err != nil {
		// A missed beat is itself signal; log and keep beating.
		h.logger.Warn("heartbeat post failed", "seq", seq, "error", err)
	}
}
