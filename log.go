package mesh

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Logger is what every layer logs through. Drops log at debug, lifecycle at
// info, retries at warn and failed sessions at error.
type Logger interface {
	Info(...interface{})
	Debug(...interface{})
	Error(...interface{})
	Warn(...interface{})

	Infof(string, ...interface{})
	Debugf(string, ...interface{})
	Errorf(string, ...interface{})
	Warnf(string, ...interface{})

	ChildLogger(tags Fields) Logger
}

// Fields tag a child logger.
type Fields map[string]interface{}

var logger Logger
var loggerMu sync.Mutex

// SetLogLevel changes the level of the default logger. It is a no-op
// (with an error line) when a custom logger has been installed.
func SetLogLevel(level logrus.Level) {
	if lg, ok := defaultBackend(); ok {
		lg.SetLevel(level)
	}
}

func SetLogLevelMax() {
	SetLogLevel(logrus.TraceLevel)
}

// SetLogOutput redirects the default logger, optionally as JSON lines.
func SetLogOutput(w io.Writer, json bool) {
	lg, ok := defaultBackend()
	if !ok {
		return
	}
	lg.SetOutput(w)
	if json {
		lg.SetFormatter(&logrus.JSONFormatter{})
	} else {
		lg.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	}
}

func defaultBackend() (*logrus.Logger, bool) {
	l := GetLogger()
	if lg, ok := l.(*defaultLogger); ok {
		return lg.Entry.Logger, true
	}
	l.Error("non-default logger, don't know how to configure it")
	return nil, false
}

func SetLogger(l Logger) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	logger = l
}

func GetLogger() Logger {
	loggerMu.Lock()
	defer loggerMu.Unlock()

	if logger == nil {
		logger = buildDefaultLogger()
	}

	return logger
}

// LayerLogger returns a child of the package logger tagged with the layer
// name and any extra tags.
func LayerLogger(layer string, tags ...Fields) Logger {
	ff := Fields{"layer": layer}
	for _, t := range tags {
		for k, v := range t {
			ff[k] = v
		}
	}
	return GetLogger().ChildLogger(ff)
}

type defaultLogger struct {
	*logrus.Entry
}

func buildDefaultLogger() Logger {
	l := &logrus.Logger{
		Formatter: &logrus.TextFormatter{DisableTimestamp: true},
		Level:     logrus.InfoLevel,
		Out:       os.Stderr,
		Hooks:     make(logrus.LevelHooks),
	}

	return &defaultLogger{Entry: l.WithFields(logrus.Fields{})}
}

func (d *defaultLogger) ChildLogger(ff Fields) Logger {
	return &defaultLogger{d.Entry.WithFields(logrus.Fields(ff))}
}
