// Package logging provides the shared, per-subsystem leveled loggers used
// across crosstown, following the same backend-and-subsystem convention the
// teacher daemon uses for ltndLog, peerLog, srvrLog, and friends.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/btcsuite/btclog"
)

// backend is the single log backend every subsystem logger is carved out
// of. It defaults to stderr so a node run from a terminal is never silent
// before SetLogWriter is called by the entrypoint.
var backend = btclog.NewBackend(os.Stderr)

var (
	registryMu sync.Mutex
	registry   = make(map[string]btclog.Logger)
)

// SetLogWriter redirects all future subsystem loggers to w. It must be
// called, if at all, before the subsystem loggers below are handed to their
// packages, since btclog.Backend fixes its writer at construction time.
func SetLogWriter(w io.Writer) {
	backend = btclog.NewBackend(w)
}

// NewSubsystemLogger returns a leveled logger tagged with the given
// subsystem name, e.g. "BLS", "RLAY", "BOOT", "CONN", "EVST", and records
// it so a later SetLevel can reach every subsystem without the entrypoint
// having to import each package just to grab its logger variable.
func NewSubsystemLogger(subsystem string) btclog.Logger {
	l := backend.Logger(subsystem)
	registryMu.Lock()
	registry[subsystem] = l
	registryMu.Unlock()
	return l
}

// SetLevels applies lvl to every logger named in loggers. Unknown level
// strings are ignored and leave the logger at its previous level.
func SetLevels(lvl string, loggers ...btclog.Logger) {
	level, ok := btclog.LevelFromString(lvl)
	if !ok {
		return
	}
	for _, l := range loggers {
		l.SetLevel(level)
	}
}

// SetLevel applies lvl to every subsystem logger created so far via
// NewSubsystemLogger. The entrypoint calls this once after config.Load
// resolves the configured log level.
func SetLevel(lvl string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	level, ok := btclog.LevelFromString(lvl)
	if !ok {
		return
	}
	for _, l := range registry {
		l.SetLevel(level)
	}
}
