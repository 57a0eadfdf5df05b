package palai

import (
	"os"

	"github.com/sirupsen/logrus"
)

func defaultLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.WarnLevel)
	return l
}

// NewLogger builds a text logger at the named level ("debug", "info", ...).
// Unknown levels fall back to warn.
func NewLogger(level string) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.WarnLevel
	}
	l.SetLevel(lvl)
	return l
}
