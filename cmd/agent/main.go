// Package main runs the sync agent: the client-side process that owns the
// offline operation queue and replays it against the handoff server.
package main

import (
	"os"

	"go.uber.org/fx"

	"github.com/sbarhandoff/backend/internal/config"
	"github.com/sbarhandoff/backend/internal/logging"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logging.Error("Invalid configuration", err)
		os.Exit(1)
	}

	fx.New(
		fx.Supply(cfg),
		appOptions(),
	).Run()
}
