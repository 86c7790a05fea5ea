package registry

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// HealthProbe periodically checks provider health endpoints and updates
// descriptor health. A provider that answers revives its models; one that
// does not marks them down.
type HealthProbe struct {
	registry  *Registry
	endpoints map[string]string // provider id → health URL
	interval  time.Duration
	client    *http.Client
	logger    *slog.Logger
	stop      chan struct{}
	done      chan struct{}
}

// NewHealthProbe creates a probe. endpoints maps provider ids to URLs; a
// provider with no entry is left alone.
func NewHealthProbe(r *Registry, endpoints map[string]string, logger *slog.Logger) *HealthProbe {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthProbe{
		registry:  r,
		endpoints: endpoints,
		interval:  5 * time.Minute,
		client:    &http.Client{Timeout: 5 * time.Second},
		logger:    logger.With("component", "healthprobe"),
	}
}

// WithInterval overrides the probe cadence, for tests.
func (p *HealthProbe) WithInterval(d time.Duration) *HealthProbe {
	p.interval = d
	return p
}

// WithHTTPClient overrides the HTTP client, for tests.
func (p *HealthProbe) WithHTTPClient(c *http.Client) *HealthProbe {
	p.client = c
	return p
}

// Start launches the probe loop with an immediate first sweep.
func (p *HealthProbe) Start() {
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		p.Sweep(context.Background())
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.Sweep(context.Background())
			case <-p.stop:
				return
			}
		}
	}()
}

// Stop halts the loop.
func (p *HealthProbe) Stop() {
	if p.stop == nil {
		return
	}
	close(p.stop)
	<-p.done
	p.stop = nil
}

// Sweep probes every configured provider once.
func (p *HealthProbe) Sweep(ctx context.Context) {
	for providerID, url := range p.endpoints {
		up := p.check(ctx, url)
		p.registry.setProviderHealth(providerID, up)
		if !up {
			p.logger.Warn("provider unhealthy", "provider", providerID)
		}
	}
}

func (p *HealthProbe) check(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode < 500
}

// setProviderHealth flips every model of the provider. A healthy answer
// restores degraded and down models to up.
func (r *Registry) setProviderHealth(providerID string, up bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.models {
		if d.ProviderID != providerID {
			continue
		}
		if up {
			d.Health = HealthUp
		} else {
			d.Health = HealthDown
		}
	}
}
