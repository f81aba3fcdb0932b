package harness

import (
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

func init() {
	// Discard until ApplyLogging enables a level
	log.SetOutput(io.Discard)
}

// ApplyLogging routes logrus to stderr at level. "off", "none" and the empty
// string discard all output. Unknown levels fall back to debug.
func ApplyLogging(level string) {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "" || level == "off" || level == "none" {
		log.SetOutput(io.Discard)
		return
	}
	log.SetOutput(os.Stderr)
	switch level {
	case "trace":
		log.SetLevel(log.TraceLevel)
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	default:
		log.SetLevel(log.DebugLevel)
	}
}
