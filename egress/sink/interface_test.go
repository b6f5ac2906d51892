package sink

import "github.com/gridfeed/gridfeed/egress"

// Compile-time interface verification
var (
	_ egress.Sink = (*NatsSink)(nil)
	_ egress.Sink = (*KafkaSink)(nil)
	_ egress.Sink = (*LogSink)(nil)
	_ egress.Sink = (*MockSink)(nil)
)
