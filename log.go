package amqp

import "go.uber.org/zap"

// namedLogger returns l (or a no-op logger if l is nil) tagged with a
// component field, the pattern the rest of the fleet uses to thread a
// *zap.Logger through constructors.
func namedLogger(l *zap.Logger, component string) *zap.Logger {
	if l == nil {
		l = zap.NewNop()
	}
	return l.With(zap.String("component", component))
}
