// Package common provides the shared logging and error-handling
// infrastructure used by every component of the collaboration server.
//
// The logger routes error-level lines to stderr and everything else to
// stdout so container runtimes and log collectors can treat the two
// streams differently.
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log lines to stdout or stderr based on
// their level. It operates on the final formatted output, so it works with
// both the text and JSON formatters.
type OutputSplitter struct{}

// Write sends error-level lines to stderr and everything else to stdout.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte(`"level":"error"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the process-global logger. All packages log through it so that
// formatting, level filtering, and stream routing stay uniform.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}

// ConfigureLogger applies the level and format from configuration.
// Unknown levels fall back to info.
func ConfigureLogger(level, format string) {
	if lvl, err := logrus.ParseLevel(level); err == nil {
		Logger.SetLevel(lvl)
	} else {
		Logger.SetLevel(logrus.InfoLevel)
	}
	if format == "json" {
		Logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}
