// Package tsilog is the TSI's structured logger, adapted from the
// gravwell ingest/log package: a Level-gated writer with RFC5424 syslog
// framing, but trimmed to what a single privileged worker needs — one
// active writer, a per-worker identity tag, and per-request correlation
// fields instead of the teacher's relay/multi-writer fan-out.
package tsilog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/crewjam/rfc5424"
	"github.com/google/uuid"
)

type Level int

const (
	OFF Level = iota
	DEBUG
	INFO
	WARN
	ERROR
	CRITICAL
)

func (l Level) String() string {
	switch l {
	case OFF:
		return "OFF"
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case CRITICAL:
		return "CRITICAL"
	}
	return "UNKNOWN"
}

func (l Level) priority() rfc5424.Priority {
	switch l {
	case DEBUG:
		return rfc5424.User | rfc5424.Debug
	case INFO:
		return rfc5424.User | rfc5424.Info
	case WARN:
		return rfc5424.User | rfc5424.Warning
	case ERROR:
		return rfc5424.User | rfc5424.Error
	case CRITICAL:
		return rfc5424.User | rfc5424.Crit
	}
	return rfc5424.User | rfc5424.Debug
}

// LevelFromString parses a config value into a Level, case-insensitively.
func LevelFromString(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "OFF", "":
		return OFF, nil
	case "DEBUG":
		return DEBUG, nil
	case "INFO":
		return INFO, nil
	case "WARN", "WARNING":
		return WARN, nil
	case "ERROR":
		return ERROR, nil
	case "CRITICAL":
		return CRITICAL, nil
	}
	return OFF, fmt.Errorf("invalid log level %q", s)
}

// Logger writes level-gated log lines to a single writer, either as
// plain text (the default, easy to tail on a login node) or as RFC5424
// syslog records when syslog framing is requested.
type Logger struct {
	mtx      sync.Mutex
	wtr      io.Writer
	lvl      Level
	hostname string
	appname  string
	syslog   bool
}

// New creates a Logger writing to wtr at INFO level.
func New(wtr io.Writer) *Logger {
	host, _ := os.Hostname()
	return &Logger{wtr: wtr, lvl: INFO, hostname: host, appname: "tsi"}
}

// NewDiscard creates a Logger that drops everything.
func NewDiscard() *Logger {
	return New(io.Discard)
}

// NewFile opens (creating if necessary, append mode) a plain-text log file.
func NewFile(path string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
	if err != nil {
		return nil, err
	}
	return New(f), nil
}

func (l *Logger) SetLevel(lvl Level) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.lvl = lvl
}

func (l *Logger) EnableSyslogFraming(enable bool) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.syslog = enable
}

func (l *Logger) SetAppName(name string) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if name != "" {
		l.appname = name
	}
}

// Field is one key/value tag passed to the *Fields logging methods; it
// is written as "key=value" (or, in syslog mode, an RFC5424 SD-PARAM).
type Field struct {
	Key   string
	Value string
}

func F(key, value string) Field { return Field{Key: key, Value: value} }

// NewCorrelationID generates a request-scoped identifier for log correlation.
func NewCorrelationID() string {
	return uuid.NewString()
}

func (l *Logger) Debugf(f string, args ...interface{})            { l.logf(DEBUG, nil, f, args...) }
func (l *Logger) Infof(f string, args ...interface{})              { l.logf(INFO, nil, f, args...) }
func (l *Logger) Warnf(f string, args ...interface{})              { l.logf(WARN, nil, f, args...) }
func (l *Logger) Errorf(f string, args ...interface{})             { l.logf(ERROR, nil, f, args...) }
func (l *Logger) Criticalf(f string, args ...interface{})          { l.logf(CRITICAL, nil, f, args...) }

func (l *Logger) DebugfFields(fields []Field, f string, args ...interface{}) {
	l.logf(DEBUG, fields, f, args...)
}
func (l *Logger) InfofFields(fields []Field, f string, args ...interface{}) {
	l.logf(INFO, fields, f, args...)
}
func (l *Logger) WarnfFields(fields []Field, f string, args ...interface{}) {
	l.logf(WARN, fields, f, args...)
}
func (l *Logger) ErrorfFields(fields []Field, f string, args ...interface{}) {
	l.logf(ERROR, fields, f, args...)
}

// Fatalf logs at CRITICAL and terminates the process. Reserved for
// startup failures and RestoreError, which must kill the worker.
func (l *Logger) Fatalf(f string, args ...interface{}) {
	l.logf(CRITICAL, nil, f, args...)
	os.Exit(1)
}

func (l *Logger) logf(lvl Level, fields []Field, f string, args ...interface{}) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if l.lvl == OFF || lvl < l.lvl {
		return
	}
	msg := fmt.Sprintf(f, args...)
	ts := time.Now()
	var line string
	if l.syslog {
		line = l.rfcLine(ts, lvl, msg, fields)
	} else {
		line = l.plainLine(ts, lvl, msg, fields)
	}
	io.WriteString(l.wtr, line+"\n")
}

func (l *Logger) plainLine(ts time.Time, lvl Level, msg string, fields []Field) string {
	var b strings.Builder
	b.WriteString(ts.UTC().Format(time.RFC3339))
	b.WriteByte(' ')
	b.WriteString(lvl.String())
	b.WriteByte(' ')
	b.WriteString(msg)
	for _, fl := range fields {
		fmt.Fprintf(&b, " %s=%s", fl.Key, fl.Value)
	}
	return b.String()
}

func (l *Logger) rfcLine(ts time.Time, lvl Level, msg string, fields []Field) string {
	m := rfc5424.Message{
		Priority:  lvl.priority(),
		Timestamp: ts,
		Hostname:  l.hostname,
		AppName:   l.appname,
		Message:   []byte(msg),
	}
	if len(fields) > 0 {
		params := make([]rfc5424.SDParam, 0, len(fields))
		for _, fl := range fields {
			params = append(params, rfc5424.SDParam{Name: fl.Key, Value: fl.Value})
		}
		m.StructuredData = []rfc5424.StructuredData{{ID: "tsi@1", Parameters: params}}
	}
	b, err := m.MarshalBinary()
	if err != nil || len(b) == 0 {
		return msg
	}
	return string(b)
}

var ErrInvalidLevel = errors.New("invalid log level")
