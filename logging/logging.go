// Package logging contains the structured logger shared by every role of the
// orchestrator and the helpers that name and wrap its outputs.
package logging

import (
	"fmt"
	golog "log"
	"net/http"
	"os"
	"path/filepath"

	"github.com/apex/log"
	"github.com/apex/log/handlers/json"
	"github.com/gorilla/handlers"
)

// Logger is a logger that logs messages on the standard error
// in a structured JSON format, to simplify processing. Spawned clients
// inherit the standard error redirected into their own log file.
var Logger = log.Logger{
	Handler: json.New(os.Stderr),
	Level:   log.DebugLevel,
}

// SetVerbosity maps the classic 0..5 verbosity scale onto log levels.
func SetVerbosity(v int) {
	Logger.Level = LevelFor(v)
}

// LevelFor returns the log level used for verbosity v.
func LevelFor(v int) log.Level {
	switch {
	case v <= 1:
		return log.FatalLevel
	case v == 2:
		return log.ErrorLevel
	case v == 3:
		return log.WarnLevel
	case v == 4:
		return log.InfoLevel
	default:
		return log.DebugLevel
	}
}

// ForNode returns a log entry tagged with the role and node id of the caller.
func ForNode(role string, id int32) *log.Entry {
	return Logger.WithFields(log.Fields{"role": role, "node": id})
}

// ClientLogName is the name of the log file of client id.
func ClientLogName(id int32) string {
	return fmt.Sprintf("client%d.log", id)
}

// ClientLogPath is the path of the log file of client id below dir.
func ClientLogPath(dir string, id int32) string {
	return filepath.Join(dir, ClientLogName(id))
}

// MakeAccessLogHandler wraps |handler| with another handler that logs
// access to each resource on the standard output. We do not emit JSON
// access logs, because access logs are a fairly standard format that
// has been around for a long time now, so better to follow such standard.
func MakeAccessLogHandler(handler http.Handler) http.Handler {
	return handlers.LoggingHandler(golog.Writer(), handler)
}
