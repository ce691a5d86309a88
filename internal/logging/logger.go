// Package logging configures the process-wide logrus logger.
//
// The numeric levels follow the proxy convention: 0 silent, 1 errors,
// 2 adds warnings, 3 adds notices (mapped to logrus info), 4 adds info
// (mapped to logrus debug). 4 is the default.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

func Setup(level int) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	switch {
	case level <= 0:
		logger.SetOutput(io.Discard)
		logger.SetLevel(logrus.PanicLevel)
	case level == 1:
		logger.SetLevel(logrus.ErrorLevel)
	case level == 2:
		logger.SetLevel(logrus.WarnLevel)
	case level == 3:
		logger.SetLevel(logrus.InfoLevel)
	default:
		logger.SetLevel(logrus.DebugLevel)
	}
	return logger
}
