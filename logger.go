package querycache

// Fields carries structured context for one log line. The client uses the
// keys "key" (canonical token), "version", "attempt", "mutation" and "err".
type Fields map[string]any

// Logger is the leveled logger the client writes to. Adapters for zap,
// logrus and slog live under log/; a nil Options.Logger disables logging.
// Fetch dispatch and dropped results log at Debug, failed fetches and
// persistence failures at Warn, listener panics at Error.
type Logger interface {
	Debug(msg string, f Fields)
	Info(msg string, f Fields)
	Warn(msg string, f Fields)
	Error(msg string, f Fields)
}

type NopLogger struct{}

var _ Logger = NopLogger{}

func (NopLogger) Debug(string, Fields) {}
func (NopLogger) Info(string, Fields)  {}
func (NopLogger) Warn(string, Fields)  {}
func (NopLogger) Error(string, Fields) {}
