// Package obslog provides the structured logging convention used
// across every component: a JSON-formatted logrus logger scoped to a
// component name via WithField, the same discipline the upstream
// exchange adapters use ("component"/"exchange" fields on a
// *logrus.Entry).
package obslog

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New creates the root logger for the process. Called once from
// cmd/relay/main.go and threaded through the Engine.
func New(level string) *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	l.SetOutput(os.Stdout)
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	return l
}

// For scopes a logger to a component, mirroring
// exchange.NewBaseExchange's logrus.WithField("exchange", ...) idiom.
func For(l *logrus.Logger, component string) *logrus.Entry {
	return l.WithField("component", component)
}
