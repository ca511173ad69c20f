package nameserver

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dreamware/nameserver/internal/cluster"
	"github.com/dreamware/nameserver/internal/metrics"
	"github.com/dreamware/nameserver/internal/ops"
)

// HealthEvent is one endpoint health transition.
type HealthEvent struct {
	Endpoint string
	Healthy  bool
}

// FailoverController reacts to endpoint health transitions by submitting
// ops through the nameserver's op manager, so failover and administrative
// commands on the same partition are serialized.
//
// On an endpoint going unhealthy:
//   - partitions it leads get a ChangeLeader op when auto_failover is on,
//     otherwise an OfflineReplica op
//   - partitions it follows get an OfflineReplica op
//
// On an endpoint recovering with auto_recover_table on, every replica it
// hosts that is not alive gets a RecoverReplica op.
type FailoverController struct {
	ns     *NameServer
	events chan HealthEvent
	done   chan struct{}
	once   sync.Once
}

// NewFailoverController creates a controller with a bounded event buffer.
func NewFailoverController(ns *NameServer, buffer int) *FailoverController {
	if buffer <= 0 {
		buffer = 64
	}
	return &FailoverController{ns: ns, events: make(chan HealthEvent, buffer), done: make(chan struct{})}
}

// Notify queues a health transition. While Run is active it blocks when the
// buffer is full so transitions are never dropped or reordered. Once Run has
// returned, events are discarded.
func (c *FailoverController) Notify(endpoint string, healthy bool) {
	select {
	case c.events <- HealthEvent{Endpoint: endpoint, Healthy: healthy}:
	case <-c.done:
		log.Debug().Str("endpoint", endpoint).Bool("healthy", healthy).Msg("failover controller stopped, event dropped")
	}
}

// Run evaluates queued events until ctx is done.
func (c *FailoverController) Run(ctx context.Context) error {
	defer c.once.Do(func() { close(c.done) })
	log.Info().Msg("failover controller started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("failover controller stopping")
			return nil
		case ev := <-c.events:
			c.Evaluate(ctx, ev)
		}
	}
}

// Evaluate handles one health event and returns the ops it submitted. The
// runtime flags are read fresh on every call.
func (c *FailoverController) Evaluate(ctx context.Context, ev HealthEvent) []ops.Op {
	flags := c.ns.runtime.Flags()
	logger := log.With().Str("endpoint", ev.Endpoint).Bool("healthy", ev.Healthy).
		Bool("auto_failover", flags.AutoFailover).Bool("auto_recover_table", flags.AutoRecoverTable).Logger()

	var payloads []ops.Payload
	for _, ref := range c.ns.tables.EndpointPartitions(ev.Endpoint) {
		switch {
		case !ev.Healthy && ref.Role == cluster.RoleLeader && flags.AutoFailover:
			payloads = append(payloads, ops.ChangeLeader{Name: ref.Table, PID: ref.PID, Auto: true})
			metrics.Failovers.Inc()
		case !ev.Healthy && ref.Alive:
			payloads = append(payloads, ops.OfflineReplica{Name: ref.Table, PID: ref.PID, Endpoint: ev.Endpoint})
		case ev.Healthy && !ref.Alive && flags.AutoRecoverTable:
			payloads = append(payloads, ops.RecoverReplica{Name: ref.Table, PID: ref.PID, Endpoint: ev.Endpoint})
		}
	}

	var submitted []ops.Op
	for _, p := range payloads {
		op, err := c.ns.ops.Submit(ctx, p)
		if err != nil {
			logger.Error().Err(err).Str("kind", string(p.Kind())).Str("table", p.Target().Table).
				Uint32("pid", p.Target().PID).Msg("failed to submit failover op")
			continue
		}
		submitted = append(submitted, op)
	}
	logger.Info().Int("ops", len(submitted)).Msg("health transition evaluated")
	return submitted
}
