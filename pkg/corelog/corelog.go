// Package corelog is the structured logging wrapper used across the core:
// every fatal-assertion path in buddy and kseg logs through here before
// panicking, so a crash dump always has the failing component, the
// memspace/CPU it happened on, and the offending values attached.
package corelog

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

var base = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// SetLevel adjusts the package-wide log level (e.g. for -v style debug
// builds of cmd/memdiag).
func SetLevel(level logrus.Level) {
	base.SetLevel(level)
}

// Fields is an alias for logrus.Fields, re-exported so callers don't need
// to import logrus directly just to build a log line.
type Fields = logrus.Fields

// DebugLevel is re-exported so callers (cmd/memdiag's -v flag) don't need
// to import logrus directly just to call SetLevel.
const DebugLevel = logrus.DebugLevel

// WithFields starts a structured log entry scoped to component and its
// extra fields.
func WithFields(component string, fields Fields) *logrus.Entry {
	if fields == nil {
		fields = Fields{}
	}
	fields["component"] = component
	return base.WithFields(fields)
}

// Debugf logs at debug level, unscoped; use WithFields for anything that
// should carry structured context.
func Debugf(format string, args ...interface{}) {
	base.Debugf(format, args...)
}

// Fatalf logs a structured fatal entry and then panics. It is the only
// sanctioned way to hit the fatal-assertion paths documented in spec §4.1.4,
// §4.2.4 and §7: corruption and exhausted invariants crash the process, but
// never silently.
func Fatalf(component, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	base.WithField("component", component).Error(msg)
	panic(fmt.Sprintf("%s: %s", component, msg))
}
