package observability

import (
	"context"
	"sync"
	"time"

	"github.com/ensemble-run/ensemble/internal/provider"
	"github.com/ensemble-run/ensemble/internal/store"
)

// MetricsSnapshot is the JSON body for GET /metrics (spec §6): aggregate
// totals and per-agent/per-model breakdowns over the trailing 24h.
type MetricsSnapshot struct {
	Since   time.Time          `json:"since"`
	Overall store.Totals       `json:"overall"`
	ByAgent []store.Breakdown  `json:"by_agent"`
	ByModel []store.Breakdown  `json:"by_model"`
}

// BuildMetricsSnapshot queries st for the GET /metrics response body.
func BuildMetricsSnapshot(ctx context.Context, st *store.Store) (*MetricsSnapshot, error) {
	overall, byAgent, byModel, err := st.Stats24h(ctx)
	if err != nil {
		return nil, err
	}
	return &MetricsSnapshot{
		Since:   time.Now().UTC().Add(-24 * time.Hour),
		Overall: overall,
		ByAgent: byAgent,
		ByModel: byModel,
	}, nil
}

// HealthStatus is the tri-state classification of GET /health (spec §6).
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// MemoryHealth reports the Conversation Store's reachability and size.
type MemoryHealth struct {
	Connected          bool       `json:"connected"`
	TotalConversations int64      `json:"total_conversations"`
	DBSizeMB           float64    `json:"db_size_mb"`
	LastConversationAt *time.Time `json:"last_conversation_at"`
}

// HealthSnapshot is the JSON body for GET /health (spec §6).
type HealthSnapshot struct {
	Status        HealthStatus              `json:"status"`
	Providers     map[string]provider.Status `json:"providers"`
	Memory        MemoryHealth              `json:"memory"`
	UptimeSeconds float64                   `json:"uptime_seconds"`
	LastRequestAt *time.Time                `json:"last_request_at"`
	Stats24h      store.Totals              `json:"stats_24h"`
}

// Uptime tracks process start time and the most recent request timestamp,
// for GET /health's uptime_seconds and last_request_at fields.
type Uptime struct {
	started time.Time

	mu          sync.Mutex
	lastRequest *time.Time
}

// NewUptime starts the clock from now.
func NewUptime(now time.Time) *Uptime {
	return &Uptime{started: now}
}

// Touch records a request as having just landed.
func (u *Uptime) Touch(now time.Time) {
	u.mu.Lock()
	defer u.mu.Unlock()
	t := now
	u.lastRequest = &t
}

// Since returns (elapsed since start, last request time, if any).
func (u *Uptime) Since(now time.Time) (float64, *time.Time) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return now.Sub(u.started).Seconds(), u.lastRequest
}

// BuildHealthSnapshot composes the GET /health response (spec §6):
// unhealthy if no providers are enabled; degraded if fewer than 2
// providers are enabled or the store is unreachable; healthy otherwise.
func BuildHealthSnapshot(ctx context.Context, st *store.Store, providers *provider.Registry, uptime *Uptime, now time.Time) (*HealthSnapshot, error) {
	if st.Ping(ctx) != nil {
		elapsed, lastRequest := uptime.Since(now)
		status := HealthDegraded
		if providers.EnabledCount() == 0 {
			status = HealthUnhealthy
		}
		return &HealthSnapshot{Status: status, Providers: providers.Health(), UptimeSeconds: elapsed, LastRequestAt: lastRequest}, nil
	}

	overall, _, _, err := st.Stats24h(ctx)
	if err != nil {
		return nil, err
	}

	connected := st.Ping(ctx) == nil
	total, err := st.CountConversations(ctx)
	if err != nil {
		return nil, err
	}
	sizeBytes, err := st.SizeBytes()
	if err != nil {
		return nil, err
	}
	lastConv, err := st.LastConversationAt(ctx)
	if err != nil {
		return nil, err
	}

	elapsed, lastRequest := uptime.Since(now)

	enabled := providers.EnabledCount()
	status := HealthHealthy
	switch {
	case enabled == 0:
		status = HealthUnhealthy
	case enabled < 2 || !connected:
		status = HealthDegraded
	}

	return &HealthSnapshot{
		Status:    status,
		Providers: providers.Health(),
		Memory: MemoryHealth{
			Connected:          connected,
			TotalConversations: total,
			DBSizeMB:           float64(sizeBytes) / (1024 * 1024),
			LastConversationAt: lastConv,
		},
		UptimeSeconds: elapsed,
		LastRequestAt: lastRequest,
		Stats24h:      overall,
	}, nil
}
