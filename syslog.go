package kdns

import (
	"os"

	"github.com/RackSec/srslog"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ConfigureLogging builds the *logrus.Logger cmd/koala-dns installs over
// Log, choosing a destination from the KOALA_DNS_LOG environment variable
// (spec.md §6: "Logging destination is controlled by an environment
// variable"). "" or "stderr" (the default) logs to stderr; "syslog" adds a
// syslog hook via RackSec/srslog, grounded on the teacher's syslog.go use
// of the same library; any other value is treated as a file path to
// append to.
func ConfigureLogging(levelName string) (*logrus.Logger, error) {
	logger := logrus.New()
	level, err := logrus.ParseLevel(levelName)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	logger.SetOutput(os.Stderr)

	switch os.Getenv("KOALA_DNS_LOG") {
	case "", "stderr":
		// already stderr
	case "syslog":
		hook, err := newSyslogHook()
		if err != nil {
			return nil, err
		}
		logger.AddHook(hook)
	default:
		path := os.Getenv("KOALA_DNS_LOG")
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, errors.Wrapf(err, "opening log file %q", path)
		}
		logger.SetOutput(f)
	}
	return logger, nil
}

// syslogHook forwards logrus entries to a local syslog daemon.
type syslogHook struct {
	writer *srslog.Writer
}

func newSyslogHook() (*syslogHook, error) {
	w, err := srslog.Dial("", "", srslog.LOG_INFO|srslog.LOG_DAEMON, "koala-dns")
	if err != nil {
		return nil, errors.Wrap(err, "dialing syslog")
	}
	return &syslogHook{writer: w}, nil
}

func (h *syslogHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *syslogHook) Fire(entry *logrus.Entry) error {
	line, err := entry.String()
	if err != nil {
		return err
	}
	switch entry.Level {
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		return h.writer.Err(line)
	case logrus.WarnLevel:
		return h.writer.Warning(line)
	case logrus.DebugLevel, logrus.TraceLevel:
		return h.writer.Debug(line)
	default:
		return h.writer.Info(line)
	}
}
