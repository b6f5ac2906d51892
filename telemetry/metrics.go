package telemetry

// HTTPDurationBuckets for REST snapshot/backfill handlers
var HTTPDurationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}

// Realtime routing metrics
var (
	// ConnectionsActive tracks currently connected websocket sessions
	ConnectionsActive Gauge = NoopStat{}

	// RecordsRouted counts change records delivered to subscribers, by kind
	RecordsRouted CounterVec = noopCounterVec{}

	// SendsDropped counts per-connection deliveries dropped because the
	// outbound buffer was full
	SendsDropped Counter = NoopStat{}

	// JoinsTotal counts join requests by result (joined, rejected)
	JoinsTotal CounterVec = noopCounterVec{}

	// AuthFailuresTotal counts rejected connection credentials
	AuthFailuresTotal Counter = NoopStat{}
)

// Notification bridge metrics
var (
	// BridgeReconnects counts upstream LISTEN resubscriptions
	BridgeReconnects Counter = NoopStat{}

	// MalformedPayloads counts dropped undecodable notifications
	MalformedPayloads Counter = NoopStat{}

	// BridgeRecords counts records received from the upstream channel
	BridgeRecords Counter = NoopStat{}
)

// Egress metrics
var (
	// EgressPublished counts records published per sink
	EgressPublished CounterVec = noopCounterVec{}

	// EgressDropped counts records dropped per sink (buffer full)
	EgressDropped CounterVec = noopCounterVec{}

	// EgressFailures counts publish attempts that errored per sink
	EgressFailures CounterVec = noopCounterVec{}
)

// HTTP metrics
var (
	// HTTPDurationSeconds measures REST handler latency by route
	HTTPDurationSeconds HistogramVec = noopHistogramVec{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	ConnectionsActive = NewGauge(
		"connections_active",
		"Number of connected websocket sessions",
	)
	RecordsRouted = NewCounterVec(
		"records_routed_total",
		"Change records delivered to subscribers by kind",
		[]string{"kind"},
	)
	SendsDropped = NewCounter(
		"sends_dropped_total",
		"Deliveries dropped due to full per-connection buffers",
	)
	JoinsTotal = NewCounterVec(
		"joins_total",
		"Join requests by result",
		[]string{"result"},
	)
	AuthFailuresTotal = NewCounter(
		"auth_failures_total",
		"Rejected connection credentials",
	)

	BridgeReconnects = NewCounter(
		"bridge_reconnects_total",
		"Upstream LISTEN resubscriptions",
	)
	MalformedPayloads = NewCounter(
		"bridge_malformed_payloads_total",
		"Dropped undecodable notifications",
	)
	BridgeRecords = NewCounter(
		"bridge_records_total",
		"Records received from the upstream channel",
	)

	EgressPublished = NewCounterVec(
		"egress_published_total",
		"Records published per sink",
		[]string{"sink"},
	)
	EgressDropped = NewCounterVec(
		"egress_dropped_total",
		"Records dropped per sink due to a full buffer",
		[]string{"sink"},
	)
	EgressFailures = NewCounterVec(
		"egress_failures_total",
		"Errored publish attempts per sink",
		[]string{"sink"},
	)

	HTTPDurationSeconds = NewHistogramVec(
		"http_duration_seconds",
		"REST handler latency by route",
		[]string{"route"},
		HTTPDurationBuckets,
	)
}
