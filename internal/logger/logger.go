package logger

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// New builds the process logger. format is "json" or "text".
func New(level, format string) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)

	lvl, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)

	if strings.EqualFold(format, "json") {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}

// AsynqAdapter satisfies asynq.Logger on top of logrus.
type AsynqAdapter struct {
	Log logrus.FieldLogger
}

func (a AsynqAdapter) Debug(args ...interface{}) { a.Log.Debug(args...) }
func (a AsynqAdapter) Info(args ...interface{})  { a.Log.Info(args...) }
func (a AsynqAdapter) Warn(args ...interface{})  { a.Log.Warn(args...) }
func (a AsynqAdapter) Error(args ...interface{}) { a.Log.Error(args...) }
func (a AsynqAdapter) Fatal(args ...interface{}) { a.Log.Fatal(args...) }
