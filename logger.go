package kdns

import "github.com/sirupsen/logrus"

// Logger is the subset of *logrus.Logger this package calls. Kept as an
// interface, the way the teacher's logger.go does, so tests can swap in a
// silent implementation without pulling logrus formatting into test output.
type Logger interface {
	WithFields(fields logrus.Fields) *logrus.Entry
	Debug(args ...interface{})
	Debugf(format string, args ...interface{})
	Info(args ...interface{})
	Infof(format string, args ...interface{})
	Warn(args ...interface{})
	Warnf(format string, args ...interface{})
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
}

// Log is the package-wide logger. cmd/koala-dns installs a configured
// *logrus.Logger over this at startup; until then it defaults to logrus's
// standard logger writing to stderr.
var Log Logger = logrus.StandardLogger()

type silentLogger struct{}

func (silentLogger) WithFields(logrus.Fields) *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}
func (silentLogger) Debug(...interface{})                   {}
func (silentLogger) Debugf(string, ...interface{})           {}
func (silentLogger) Info(...interface{})                     {}
func (silentLogger) Infof(string, ...interface{})            {}
func (silentLogger) Warn(...interface{})                     {}
func (silentLogger) Warnf(string, ...interface{})             {}
func (silentLogger) Error(...interface{})                    {}
func (silentLogger) Errorf(string, ...interface{})            {}

// SilentLogger returns a Logger that discards everything, for tests that
// don't want to assert on or be slowed down by log output.
func SilentLogger() Logger { return silentLogger{} }
