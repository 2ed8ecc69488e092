// Package mxlog provides the structured logging conventions shared by every
// driver component: one logrus.Entry per component, tagged with its name.
package mxlog

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	once sync.Once
	root *logrus.Logger
)

func root_() *logrus.Logger {
	once.Do(func() {
		root = logrus.New()
		root.SetOutput(os.Stderr)
		root.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	})
	return root
}

// SetLevel adjusts the verbosity of every component logger.
func SetLevel(level logrus.Level) {
	root_().SetLevel(level)
}

// For returns a component-scoped logger, e.g. mxlog.For("ring.tx").
func For(component string) *logrus.Entry {
	return root_().WithField("component", component)
}
