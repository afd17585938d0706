// Package pylonlog initializes the application and access loggers.
//
// It follows the split skipper uses in its own logging package: one
// logrus logger for application/diagnostic output, and a second,
// independently configured logrus logger for the access log line
// emitted once per proxied request.
package pylonlog

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Options configure the application and access loggers.
type Options struct {
	// Level is the application log level ("debug", "info", "warn", "error").
	Level string

	// Output receives application log entries. Defaults to os.Stderr.
	Output io.Writer

	// AccessOutput receives access log entries. Defaults to os.Stdout.
	AccessOutput io.Writer
}

var accessLog = logrus.New()

// Init configures the package-level application logger (logrus'
// standard logger) and the dedicated access logger.
func Init(o Options) {
	if o.Output == nil {
		o.Output = os.Stderr
	}
	logrus.SetOutput(o.Output)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	lvl, err := logrus.ParseLevel(o.Level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)

	if o.AccessOutput == nil {
		o.AccessOutput = os.Stdout
	}
	accessLog.Out = o.AccessOutput
	accessLog.Formatter = &logrus.JSONFormatter{DisableTimestamp: false}
	accessLog.Level = logrus.InfoLevel
}

// AccessEntry describes one completed proxy request for the access log.
type AccessEntry struct {
	KeyID      string
	KeyPrefix  string
	API        string
	Method     string
	Path       string
	Status     int
	DurationMS int64
	ClientAddr string
	IsSSE      bool
	SSEMsgs    int
	Reason     string
}

// Access writes one structured access log line.
func Access(e AccessEntry) {
	fields := logrus.Fields{
		"key_id":      e.KeyID,
		"key_prefix":  e.KeyPrefix,
		"api":         e.API,
		"method":      e.Method,
		"path":        e.Path,
		"status":      e.Status,
		"duration_ms": e.DurationMS,
		"client":      e.ClientAddr,
		"is_sse":      e.IsSSE,
	}
	if e.IsSSE {
		fields["sse_messages"] = e.SSEMsgs
	}
	if e.Reason != "" {
		fields["reason"] = e.Reason
	}

	entry := accessLog.WithFields(fields)
	if e.Status >= 500 {
		entry.Error("request")
	} else if e.Status >= 400 {
		entry.Warn("request")
	} else {
		entry.Info("request")
	}
}
