// Package obs holds small logging helpers shared by the models.
package obs

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Time logs the duration of an operation when the returned func is called,
// typically deferred with a pointer to the named error result.
func Time(log logrus.FieldLogger, op string) func(errp *error) {
	start := time.Now()
	return func(errp *error) {
		entry := log.WithFields(logrus.Fields{"op": op, "dur_ms": time.Since(start).Milliseconds()})
		if errp != nil && *errp != nil {
			entry.WithError(*errp).Error("operation failed")
			return
		}
		entry.Info("operation finished")
	}
}

// NewLogger builds the text logger used by the command line tools.
func NewLogger(level string) *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05"})
	lv, err := logrus.ParseLevel(level)
	if err != nil {
		lv = logrus.InfoLevel
	}
	l.SetLevel(lv)
	return l
}
