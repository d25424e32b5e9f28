package types

// Logger is the leveled logging surface every engine component takes at
// construction time. The default implementation lives in internal/logging
// and wraps logrus; tests may substitute their own.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})

	// WithField returns a derived logger carrying the given key/value for
	// every subsequent call, used to tag log lines with a peer address,
	// RPC id or socket port without formatting it into every message.
	WithField(key string, value interface{}) Logger
}
