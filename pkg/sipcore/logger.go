package sipcore

import "go.uber.org/zap"

// Logger is an interface that wraps the basic logging methods
// and can be used to bridge [Endpoint] with a real logger implementation
// (e.g., zap's SugaredLogger, logrus, etc.).
type Logger interface {
	Debugf(template string, args ...interface{})
	Infof(template string, args ...interface{})
	Warnf(template string, args ...interface{})
	Errorf(template string, args ...interface{})
}

// nopLogger is a no-op implementation of [Logger] (does nothing)
type nopLogger struct{}

func (n *nopLogger) Debugf(_ string, _ ...interface{}) {}
func (n *nopLogger) Infof(_ string, _ ...interface{})  {}
func (n *nopLogger) Warnf(_ string, _ ...interface{})  {}
func (n *nopLogger) Errorf(_ string, _ ...interface{}) {}

// zap's SugaredLogger satisfies Logger as is.
var _ Logger = (*zap.SugaredLogger)(nil)

// NopLogger returns a [Logger] that discards everything.
func NopLogger() Logger { return &nopLogger{} }
