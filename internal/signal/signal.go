// Package signal turns process termination signals into an error so a
// run group shuts down cleanly.
package signal

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
)

var ErrSignal = errors.New("received the quit signal")

// Handler blocks until SIGINT/SIGTERM arrives, returning ErrSignal, or until
// ctx is done, returning nil.
func Handler(ctx context.Context) error {
	sigint := make(chan os.Signal, 1)
	signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigint)

	select {
	case <-ctx.Done():
		log.Debug().Msg("signal handler: upstream context cancelled")
	case s := <-sigint:
		log.Info().Str("signal", s.String()).Msg("signal handler: os signal received")
		return ErrSignal
	}
	return nil
}
