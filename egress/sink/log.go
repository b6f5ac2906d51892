package sink

import (
	"github.com/rs/zerolog/log"

	"github.com/gridfeed/gridfeed/cfg"
	"github.com/gridfeed/gridfeed/egress"
)

func init() {
	egress.RegisterSink("log", func(cfg.SinkConfiguration) (egress.Sink, error) {
		return &LogSink{}, nil
	})
}

// LogSink writes records to the process log. Useful for development
// and for tracing the egress path without external infrastructure.
type LogSink struct{}

// Publish logs the record
func (l *LogSink) Publish(topic, key string, value []byte) error {
	log.Info().
		Str("topic", topic).
		Str("key", key).
		RawJSON("record", value).
		Msg("Egress record")
	return nil
}

// Close is a no-op for LogSink
func (l *LogSink) Close() error {
	return nil
}
