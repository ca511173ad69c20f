// Package coordinator provides the nameserver's authoritative cluster state.
// This file implements health monitoring for registered tablet endpoints.
package coordinator

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dreamware/nameserver/internal/cluster"
	"github.com/dreamware/nameserver/internal/metrics"
)

// Endpoint health states.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// EndpointHealth tracks the health status of a single tablet endpoint.
// It maintains the current status, last contact times, and failure count.
// Thread-safe: Protected by HealthMonitor's mutex when accessed.
type EndpointHealth struct {
	LastCheck        time.Time // Timestamp of the last probe attempt
	LastHeartbeat    time.Time // Timestamp of the last heartbeat or successful probe
	Endpoint         string    // Network identity of the tablet
	Status           string    // Current status: "healthy" or "unhealthy"
	ConsecutiveFails int       // Number of consecutive failed probes
}

// HealthMonitor tracks liveness of every registered tablet endpoint using
// heartbeats pushed by the tablets and periodic probes issued by the monitor.
//
// Hysteresis:
//   - An endpoint is marked unhealthy only after maxFailures consecutive failed
//     probes AND no heartbeat for the silence window.
//   - An unhealthy endpoint is marked healthy again only by a successful probe.
//     Heartbeats alone refresh the contact time but never flip the status back.
//
// Transitions invoke the onUnhealthy/onRecovered callbacks synchronously after
// the monitor's lock is released, in the order they were observed.
// Thread-safe: All methods are safe for concurrent access.
type HealthMonitor struct {
	endpoints   map[string]*EndpointHealth                    // Current health status per endpoint
	httpClient  *http.Client                                  // HTTP client for default probes
	checkFunc   func(ctx context.Context, endpoint string) error // Function to perform a probe
	onUnhealthy func(endpoint string)                         // Callback when an endpoint becomes unhealthy
	onRecovered func(endpoint string)                         // Callback when an endpoint becomes healthy again
	now         func() time.Time                              // Clock, replaceable in tests
	ctx         context.Context                               // Context for cancellation
	cancel      context.CancelFunc                            // Cancel function for shutdown
	interval    time.Duration                                 // How often to probe endpoints
	timeout     time.Duration                                 // Timeout for a single probe
	silence     time.Duration                                 // Heartbeat silence required before unhealthy
	mu          sync.RWMutex                                  // Protects endpoints map and callbacks
	wg          sync.WaitGroup                                // Wait group for graceful shutdown
	maxFailures int                                           // Failed probes before marking unhealthy
}

// NewHealthMonitor creates a new health monitor with the specified probe interval.
// The monitor probes each endpoint's /health path every interval.
// Endpoints are marked unhealthy after 3 consecutive failures and 3 intervals
// without a heartbeat.
//
// Parameters:
//   - interval: How often to probe endpoints (recommended: 2s)
//
// Returns:
//   - *HealthMonitor: Configured health monitor ready to start
//
// Example:
//
//	monitor := NewHealthMonitor(2 * time.Second)
//	monitor.Register("127.0.0.1:9520")
//	go monitor.Start(ctx)
func NewHealthMonitor(interval time.Duration) *HealthMonitor {
	ctx, cancel := context.WithCancel(context.Background())

	h := &HealthMonitor{
		interval:    interval,
		timeout:     2 * time.Second,
		maxFailures: 3,
		silence:     3 * interval,
		endpoints:   make(map[string]*EndpointHealth),
		httpClient: &http.Client{
			Timeout: 2 * time.Second,
		},
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}
	h.checkFunc = h.defaultHealthCheck
	return h
}

// SetOnUnhealthy sets the callback invoked when an endpoint becomes unhealthy.
// The failover controller registers here to start leader failover.
//
// Example:
//
//	monitor.SetOnUnhealthy(func(endpoint string) {
//	    controller.Notify(endpoint, false)
//	})
func (h *HealthMonitor) SetOnUnhealthy(callback func(endpoint string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onUnhealthy = callback
}

// SetOnRecovered sets the callback invoked when an unhealthy endpoint passes a probe.
func (h *HealthMonitor) SetOnRecovered(callback func(endpoint string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onRecovered = callback
}

// SetCheckFunction allows overriding the default probe.
// This is useful for testing or for probing through a TabletClient.
//
// Example:
//
//	monitor.SetCheckFunction(func(ctx context.Context, endpoint string) error {
//	    return client.Ping(ctx, endpoint)
//	})
func (h *HealthMonitor) SetCheckFunction(checkFunc func(ctx context.Context, endpoint string) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkFunc = checkFunc
}

// SetThresholds overrides the failure count and heartbeat silence window.
// A non-positive value keeps the current setting.
func (h *HealthMonitor) SetThresholds(maxFailures int, silence, timeout time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if maxFailures > 0 {
		h.maxFailures = maxFailures
	}
	if silence > 0 {
		h.silence = silence
	}
	if timeout > 0 {
		h.timeout = timeout
		h.httpClient.Timeout = timeout
	}
}

// Register adds an endpoint to monitoring. A newly registered endpoint is
// healthy: registration is itself a successful contact. Registering a known
// endpoint refreshes its heartbeat without changing its status.
//
// Returns:
//   - bool: true if the endpoint was not known before
func (h *HealthMonitor) Register(endpoint string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	health, exists := h.endpoints[endpoint]
	if exists {
		health.LastHeartbeat = now
		return false
	}
	h.endpoints[endpoint] = &EndpointHealth{
		Endpoint:      endpoint,
		Status:        StatusHealthy,
		LastCheck:     now,
		LastHeartbeat: now,
	}
	metrics.EndpointHealthy.WithLabelValues(endpoint).Set(1)
	log.Info().Str("endpoint", endpoint).Msg("endpoint registered")
	return true
}

// Heartbeat records a heartbeat from an endpoint, registering it if unknown.
func (h *HealthMonitor) Heartbeat(endpoint string) {
	h.Register(endpoint)
}

// Deregister removes an endpoint from monitoring. It reports whether the
// endpoint was registered. A later heartbeat registers it again.
func (h *HealthMonitor) Deregister(endpoint string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.endpoints[endpoint]; !ok {
		return false
	}
	delete(h.endpoints, endpoint)
	metrics.EndpointHealthy.DeleteLabelValues(endpoint)
	log.Info().Str("endpoint", endpoint).Msg("endpoint removed from health monitoring")
	return true
}

// Start begins the health monitoring process in the current goroutine.
// It periodically probes all registered endpoints.
// This method blocks until the context or the monitor is canceled.
//
// Example:
//
//	go monitor.Start(ctx)
func (h *HealthMonitor) Start(ctx context.Context) {
	h.wg.Add(1)
	defer h.wg.Done()

	if ctx == nil {
		ctx = h.ctx
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(h.ctx, cancel)
	defer stop()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", h.interval).Msg("health monitor started")

	h.CheckAll(ctx)

	for {
		select {
		case <-ticker.C:
			h.CheckAll(ctx)
		case <-ctx.Done():
			log.Info().Msg("health monitor stopping due to context cancellation")
			return
		case <-h.ctx.Done():
			log.Info().Msg("health monitor stopping due to internal cancellation")
			return
		}
	}
}

// Stop gracefully shuts down the health monitor.
// It cancels the monitoring goroutine and waits for it to complete.
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
	log.Info().Msg("health monitor stopped")
}

// CheckAll probes every registered endpoint once. It stops early once ctx
// is done.
func (h *HealthMonitor) CheckAll(ctx context.Context) {
	for _, endpoint := range h.Endpoints() {
		if ctx.Err() != nil {
			return
		}
		h.checkEndpoint(ctx, endpoint)
	}
}

// checkEndpoint probes a single endpoint and applies the hysteresis rules.
//
// Implementation:
//  1. Perform the probe without holding the lock
//  2. Success: reset failures, refresh heartbeat, flip unhealthy to healthy
//  3. Failure: count it; flip to unhealthy once both thresholds are exceeded
//  4. Fire the matching callback after releasing the lock
func (h *HealthMonitor) checkEndpoint(ctx context.Context, endpoint string) {
	h.mu.RLock()
	check := h.checkFunc
	timeout := h.timeout
	h.mu.RUnlock()

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	err := check(probeCtx, endpoint)
	cancel()
	if err != nil && ctx.Err() != nil {
		// The probe was cut short by shutdown, not by the endpoint.
		return
	}

	h.mu.Lock()
	health, exists := h.endpoints[endpoint]
	if !exists {
		h.mu.Unlock()
		return
	}

	now := h.now()
	health.LastCheck = now
	var callback func(string)

	if err != nil {
		health.ConsecutiveFails++
		log.Debug().Err(err).Str("endpoint", endpoint).
			Int("attempt", health.ConsecutiveFails).Int("max", h.maxFailures).
			Msg("health probe failed")

		silent := now.Sub(health.LastHeartbeat) >= h.silence
		if health.ConsecutiveFails >= h.maxFailures && silent && health.Status != StatusUnhealthy {
			health.Status = StatusUnhealthy
			callback = h.onUnhealthy
			metrics.EndpointHealthy.WithLabelValues(endpoint).Set(0)
			metrics.HealthTransitions.WithLabelValues(StatusUnhealthy).Inc()
			log.Warn().Str("endpoint", endpoint).Int("failures", health.ConsecutiveFails).
				Msg("endpoint marked unhealthy")
		}
	} else {
		health.ConsecutiveFails = 0
		health.LastHeartbeat = now
		if health.Status != StatusHealthy {
			health.Status = StatusHealthy
			callback = h.onRecovered
			metrics.EndpointHealthy.WithLabelValues(endpoint).Set(1)
			metrics.HealthTransitions.WithLabelValues(StatusHealthy).Inc()
			log.Info().Str("endpoint", endpoint).Msg("endpoint recovered and is now healthy")
		}
	}
	h.mu.Unlock()

	if callback != nil {
		callback(endpoint)
	}
}

// defaultHealthCheck performs an HTTP GET request to the endpoint's /health path.
func (h *HealthMonitor) defaultHealthCheck(ctx context.Context, endpoint string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cluster.BaseURL(endpoint)+cluster.PathHealth, nil)
	if err != nil {
		return err
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// GetEndpointHealth returns a copy of the current health record of an endpoint.
// Returns nil if the endpoint is not being monitored.
func (h *HealthMonitor) GetEndpointHealth(endpoint string) *EndpointHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.endpoints[endpoint]
	if !exists {
		return nil
	}
	c := *health
	return &c
}

// GetAllEndpointHealth returns copies of all health records keyed by endpoint.
func (h *HealthMonitor) GetAllEndpointHealth() map[string]*EndpointHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make(map[string]*EndpointHealth, len(h.endpoints))
	for endpoint, health := range h.endpoints {
		c := *health
		result[endpoint] = &c
	}
	return result
}

// Endpoints returns all monitored endpoints in lexicographic order.
func (h *HealthMonitor) Endpoints() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]string, 0, len(h.endpoints))
	for endpoint := range h.endpoints {
		out = append(out, endpoint)
	}
	sort.Strings(out)
	return out
}

// IsHealthy returns whether an endpoint is known and currently healthy.
// Returns false if the endpoint is not being monitored.
//
// Example:
//
//	if !monitor.IsHealthy(des) {
//	    return ErrDesUnhealthy
//	}
func (h *HealthMonitor) IsHealthy(endpoint string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.endpoints[endpoint]
	if !exists {
		return false
	}
	return health.Status == StatusHealthy
}
