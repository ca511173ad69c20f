// Package main implements nsclient, the administrative command line for the
// nameserver.
//
// Every command prints one reply line (or a table for the show commands). A
// failed command prints its failure message instead; scripts decide the
// outcome from the text, so the process exits 0 whenever the nameserver
// answered.
//
// Example usage:
//
//	nsclient --endpoint 127.0.0.1:9620 create ./t1.yaml
//	nsclient migrate 127.0.0.1:9521 t1 1-3 127.0.0.1:9522
//	nsclient makesnapshot t1 0
//	nsclient showtable t1
package main

import (
	"context"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := newCommand().Run(context.Background(), os.Args); err != nil {
		log.Fatal().Err(err).Msg("nsclient")
	}
}
