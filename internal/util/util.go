package util

import (
	"github.com/claude-code-gateway/gateway/internal/config"
	log "github.com/sirupsen/logrus"
)

// SetLogLevel applies the log level the configuration implies: debug mode
// selects DebugLevel, everything else InfoLevel. Level changes are logged;
// repeated calls with the same outcome are silent, so config hot reload can
// call this unconditionally.
func SetLogLevel(cfg *config.Config) {
	level := log.InfoLevel
	if cfg.Debug {
		level = log.DebugLevel
	}

	prev := log.GetLevel()
	if prev == level {
		return
	}
	log.SetLevel(level)
	log.WithFields(log.Fields{"from": prev.String(), "to": level.String()}).Info("log level changed")
}
