package topiary

// Field is one key/value pair attached to a log message.
type Field struct {
	Key   string
	Value interface{}
}

// Logger is the structured logging surface the engine writes to. Adapters
// for concrete backends live under logger/ (see logger/zerolog); anything
// satisfying these four methods plugs in via Config.Logger.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// NoopLogger discards all messages. Used when Config.Logger is unset.
type NoopLogger struct{}

func (n *NoopLogger) Debug(msg string, fields ...Field) {}
func (n *NoopLogger) Info(msg string, fields ...Field)  {}
func (n *NoopLogger) Warn(msg string, fields ...Field)  {}
func (n *NoopLogger) Error(msg string, fields ...Field) {}
