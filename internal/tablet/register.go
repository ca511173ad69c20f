package tablet

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

// Membership is the nameserver surface a tablet reports to.
type Membership interface {
	Register(ctx context.Context, endpoint string) error
	Heartbeat(ctx context.Context, endpoint string) error
}

// RunHeartbeats registers endpoint with the nameserver, retrying with
// exponential backoff until it succeeds, then sends a heartbeat every
// interval until ctx is done. A failed heartbeat is logged and the loop goes
// on; the nameserver's health monitor decides what a gap means.
func RunHeartbeats(ctx context.Context, ns Membership, endpoint string, interval time.Duration) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = 0

	err := backoff.RetryNotify(func() error {
		rctx, cancel := context.WithTimeout(ctx, interval+time.Second)
		defer cancel()
		return ns.Register(rctx, endpoint)
	}, backoff.WithContext(policy, ctx), func(err error, next time.Duration) {
		log.Warn().Err(err).Dur("retry_in", next).Msg("register with nameserver failed")
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	log.Info().Str("endpoint", endpoint).Msg("registered with nameserver")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			hctx, cancel := context.WithTimeout(ctx, interval)
			if err := ns.Heartbeat(hctx, endpoint); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("heartbeat failed")
			}
			cancel()
		}
	}
}
