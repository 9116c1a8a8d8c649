package transport

import (
	"encoding/json"

	applog "doppler/internal/log"
)

// LoggingTransport writes every event to the debug log.
type LoggingTransport struct {
	log *applog.Logger
}

// NewLoggingTransport creates a new LoggingTransport instance.
func NewLoggingTransport() *LoggingTransport {
	return &LoggingTransport{log: applog.New("events")}
}

// Send logs the received data as JSON, or with %+v when it cannot be
// marshalled.
func (lt *LoggingTransport) Send(data any) error {
	if applog.GetLevel() > applog.LevelDebug {
		return nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		lt.log.Debugf("(%T) %+v", data, data)
		return nil
	}
	lt.log.Debugf("%s", b)
	return nil
}

// Close is a no-op for LoggingTransport.
func (lt *LoggingTransport) Close() error {
	return nil
}

// Ensure LoggingTransport satisfies the interface at compile time.
var _ Transport = (*LoggingTransport)(nil)
