package egress

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gridfeed/gridfeed/common"
	"github.com/gridfeed/gridfeed/telemetry"
)

const (
	// Default per-worker record buffer
	DefaultBuffer = 256
	// Default initial retry delay for failed publish operations
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 30 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
	// Maximum number of retry attempts before a record is dropped
	DefaultMaxRetries = 5
)

// WorkerConfig configures one egress worker
type WorkerConfig struct {
	Name            string        // Sink name (for logs and metrics)
	Sink            Sink          // Destination sink
	Filter          Filter        // Plant filter
	TopicPrefix     string        // Topic prefix (e.g., "gridfeed.records")
	Buffer          int           // Record buffer size
	RetryInitial    time.Duration // Initial retry delay
	RetryMax        time.Duration // Max retry delay
	RetryMultiplier float64       // Backoff multiplier
	MaxRetries      int           // Retry attempts before the record is dropped
}

// Worker drains its record buffer into a sink. Delivery is at most
// once: records are dropped when the buffer is full or when retries
// are exhausted, so a slow sink never stalls the change feed.
type Worker struct {
	config      WorkerConfig
	recordCh    chan *common.ChangeRecord
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex // Protects Start/Stop lifecycle operations
}

// NewWorker creates a new egress worker
func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("worker name is required")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.Filter == nil {
		return nil, fmt.Errorf("filter is required")
	}

	if config.Buffer <= 0 {
		config.Buffer = DefaultBuffer
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 0 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}

	return &Worker{
		config:   config,
		recordCh: make(chan *common.ChangeRecord, config.Buffer),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start starts the worker goroutine
func (w *Worker) Start() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running.Load() {
		return // Already running
	}

	w.running.Store(true)
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	log.Info().
		Str("worker", w.config.Name).
		Int("buffer", w.config.Buffer).
		Msg("Starting egress worker")

	go w.drainLoop()
}

// Stop stops the worker gracefully and closes its sink
func (w *Worker) Stop() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running.Load() {
		return // Not running
	}

	log.Info().Str("worker", w.config.Name).Msg("Stopping egress worker")

	close(w.stopCh)
	<-w.doneCh // Wait for goroutine to finish
	w.running.Store(false)

	if err := w.config.Sink.Close(); err != nil {
		log.Warn().Err(err).Str("worker", w.config.Name).Msg("Failed to close sink")
	}

	log.Info().Str("worker", w.config.Name).Msg("Egress worker stopped")
}

// Offer hands a record to the worker without blocking. Records offered
// while the buffer is full are dropped and counted.
func (w *Worker) Offer(rec *common.ChangeRecord) {
	if !w.running.Load() {
		return
	}

	select {
	case w.recordCh <- rec:
	default:
		telemetry.EgressDropped.With(w.config.Name).Inc()
		log.Warn().
			Str("worker", w.config.Name).
			Str("plant", rec.PlantID).
			Msg("Egress buffer full, dropping record")
	}
}

// drainLoop is the main worker loop
func (w *Worker) drainLoop() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		case rec := <-w.recordCh:
			w.processRecord(rec)
		}
	}
}

// processRecord filters, encodes and publishes one record
func (w *Worker) processRecord(rec *common.ChangeRecord) {
	if !w.config.Filter.Match(rec.PlantID) {
		return
	}

	data, err := json.Marshal(rec)
	if err != nil {
		log.Error().
			Err(err).
			Str("worker", w.config.Name).
			Str("plant", rec.PlantID).
			Msg("Failed to encode record")
		return
	}

	topic := w.buildTopic(rec.PlantID)

	if err := w.publishWithRetry(topic, rec.EntityID, data); err != nil {
		telemetry.EgressFailures.With(w.config.Name).Inc()
		log.Error().
			Err(err).
			Str("worker", w.config.Name).
			Str("topic", topic).
			Msg("Dropping record after failed publish")
		return
	}

	telemetry.EgressPublished.With(w.config.Name).Inc()
}

// buildTopic builds the topic name for a record
func (w *Worker) buildTopic(plantID string) string {
	if w.config.TopicPrefix == "" {
		return plantID
	}
	return fmt.Sprintf("%s.%s", w.config.TopicPrefix, plantID)
}

// publishWithRetry publishes data with exponential backoff retry
// Returns error if max retries exhausted or worker stopped
func (w *Worker) publishWithRetry(topic, key string, data []byte) error {
	delay := w.config.RetryInitial
	attempts := 0

	for {
		err := w.config.Sink.Publish(topic, key, data)
		if err == nil {
			return nil
		}

		attempts++

		if attempts >= w.config.MaxRetries {
			return fmt.Errorf("exhausted max retries (%d) for topic %s: %w", w.config.MaxRetries, topic, err)
		}

		log.Warn().
			Err(err).
			Str("worker", w.config.Name).
			Str("topic", topic).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Failed to publish record, retrying")

		// Sleep with stop check
		if !w.sleep(delay) {
			return fmt.Errorf("worker stopped during retry")
		}

		// Exponential backoff
		delay = time.Duration(float64(delay) * w.config.RetryMultiplier)
		if delay > w.config.RetryMax {
			delay = w.config.RetryMax
		}
	}
}

// sleep sleeps for the given duration, checking stopCh
// Returns true if sleep completed, false if stopped
func (w *Worker) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-w.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
