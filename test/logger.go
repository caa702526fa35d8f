package test

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

// NewLogger returns a logger that is silent unless TEST_LOGS is set.
// TEST_LOGS=2 enables debug and TEST_LOGS=3 enables trace output.
func NewLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(level())

	if os.Getenv("TEST_LOGS") == "" {
		l.SetOutput(io.Discard)
	}

	return l
}

// NewCaptureLogger returns a debug level logger whose entries are kept by the
// returned hook so tests can assert on them.
func NewCaptureLogger() (*logrus.Logger, *logtest.Hook) {
	l, hook := logtest.NewNullLogger()
	l.SetLevel(logrus.DebugLevel)
	return l, hook
}

func level() logrus.Level {
	switch os.Getenv("TEST_LOGS") {
	case "", "2":
		return logrus.DebugLevel
	case "3":
		return logrus.TraceLevel
	default:
		return logrus.InfoLevel
	}
}
