package egress

// Sink represents a destination for change records (e.g., Kafka, NATS)
type Sink interface {
	// Publish sends an encoded record to the sink
	Publish(topic string, key string, value []byte) error
	// Close releases any resources held by the sink
	Close() error
}

// Filter determines whether a change record should be published
type Filter interface {
	// Match returns true if records for the plant should be published
	Match(plantID string) bool
}
