package logger

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger wraps a logrus.Entry carrying the fields every log line of a
// component shares. With* methods derive new loggers and never mutate the
// receiver, so a Logger is safe to share across goroutines.
type Logger struct {
	entry *logrus.Entry
}

// Init configures the global logrus instance. Call once at startup, before
// components create their loggers.
func Init(level logrus.Level) {
	logrus.SetFormatter(&logrus.JSONFormatter{
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})
	logrus.SetOutput(os.Stdout)
	logrus.SetLevel(level)
}

// SetOutput redirects the global log stream, e.g. to a file or io.Discard
// when embedding the library in a host that owns stdout.
func SetOutput(w io.Writer) {
	logrus.SetOutput(w)
}

// New returns a logger scoped to one component, e.g. "TaskManager".
func New(component string) *Logger {
	return &Logger{entry: logrus.WithField("component", component)}
}

// Discard returns a logger that drops everything. Meant for tests.
func Discard() *Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return &Logger{entry: logrus.NewEntry(l)}
}

// WithTask attaches a task id to every line.
func (l *Logger) WithTask(id string) *Logger {
	return &Logger{entry: l.entry.WithField("task_id", id)}
}

// WithBatch attaches a batch job id to every line.
func (l *Logger) WithBatch(id string) *Logger {
	return &Logger{entry: l.entry.WithField("batch_id", id)}
}

// WithOperation attaches the name of the operation being performed.
func (l *Logger) WithOperation(name string) *Logger {
	return &Logger{entry: l.entry.WithField("operation", name)}
}

// WithError attaches the error message. A nil error is a no-op.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return &Logger{entry: l.entry.WithField("error", err.Error())}
}

// WithFields attaches arbitrary structured fields.
func (l *Logger) WithFields(fields map[string]any) *Logger {
	return &Logger{entry: l.entry.WithFields(logrus.Fields(fields))}
}

func (l *Logger) Debug(message string) {
	l.entry.Debug(message)
}

func (l *Logger) Info(message string) {
	l.entry.Info(message)
}

func (l *Logger) Warn(message string) {
	l.entry.Warn(message)
}

func (l *Logger) Error(message string) {
	l.entry.Error(message)
}
