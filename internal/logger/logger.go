package logger

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
)

// Init configures the standard logrus logger for JSON output on stdout.
func Init(level string, pretty bool) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	log.SetFormatter(&log.JSONFormatter{
		PrettyPrint: pretty,
	})
	log.SetReportCaller(true)
	log.SetLevel(lvl)

	log.SetOutput(os.Stdout)
	return nil
}
