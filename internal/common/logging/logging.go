package logging

import (
	"os"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/weaveworks/promrus"
)

// DebugEnvVar turns on debug logging and keeps temporary directories around for inspection.
const DebugEnvVar = "HITHER_DEBUG"

var promHookOnce sync.Once

// ConfigureLogging is used by long-running commands. Log messages are also counted per level in the
// default prometheus registry.
func ConfigureLogging() {
	log.SetFormatter(&log.TextFormatter{ForceColors: true, FullTimestamp: true})
	log.SetOutput(os.Stdout)
	promHookOnce.Do(func() {
		log.AddHook(promrus.MustNewPrometheusHook())
	})
	if DebugEnabled() {
		log.SetLevel(log.DebugLevel)
	}
}

// ConfigureCommandLineLogging is used by the processes hither launches itself (pool children, batch
// workers, container entry points), whose stdout is captured and replayed by the parent.
func ConfigureCommandLineLogging() {
	log.SetFormatter(&CommandLineFormatter{})
	log.SetOutput(os.Stderr)
	if DebugEnabled() {
		log.SetLevel(log.DebugLevel)
	}
}

func DebugEnabled() bool {
	return strings.EqualFold(os.Getenv(DebugEnvVar), "TRUE")
}
