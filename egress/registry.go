package egress

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gridfeed/gridfeed/cfg"
	"github.com/gridfeed/gridfeed/common"
)

// Registry manages the lifecycle of all egress workers
type Registry struct {
	workers []*Worker
	running atomic.Bool
	mu      sync.Mutex
}

// NewRegistry creates a worker for each configured sink
func NewRegistry(sinkConfigs []cfg.SinkConfiguration) (*Registry, error) {
	registry := &Registry{
		workers: make([]*Worker, 0, len(sinkConfigs)),
	}

	for _, sinkCfg := range sinkConfigs {
		if err := registry.AddSink(sinkCfg); err != nil {
			// Cleanup on error: close all worker sinks
			for _, worker := range registry.workers {
				worker.config.Sink.Close()
			}
			return nil, fmt.Errorf("failed to add sink %q: %w", sinkCfg.Name, err)
		}
	}

	log.Info().
		Int("workers", len(registry.workers)).
		Msg("Egress registry initialized")

	return registry, nil
}

// AddSink creates and adds a new worker for the given sink configuration
func (r *Registry) AddSink(config cfg.SinkConfiguration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snk, err := createSink(config)
	if err != nil {
		return fmt.Errorf("failed to create sink: %w", err)
	}

	filter, err := NewGlobFilter(config.FilterPlants)
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create filter: %w", err)
	}

	worker, err := NewWorker(WorkerConfig{
		Name:         config.Name,
		Sink:         snk,
		Filter:       filter,
		TopicPrefix:  config.TopicPrefix,
		Buffer:       config.Buffer,
		RetryInitial: time.Duration(config.RetryInitMS) * time.Millisecond,
		RetryMax:     time.Duration(config.RetryMaxMS) * time.Millisecond,
		MaxRetries:   config.MaxRetries,
	})
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create worker: %w", err)
	}

	r.workers = append(r.workers, worker)

	log.Info().
		Str("sink", config.Name).
		Str("type", config.Type).
		Msg("Added egress sink")

	return nil
}

// Start starts all workers
func (r *Registry) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running.Load() {
		return fmt.Errorf("registry already running")
	}

	log.Info().Int("workers", len(r.workers)).Msg("Starting egress registry")

	for _, worker := range r.workers {
		worker.Start()
	}

	r.running.Store(true)

	return nil
}

// Stop stops all workers
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running.Swap(false) {
		return // Already stopped
	}

	log.Info().Msg("Stopping egress registry")

	for _, worker := range r.workers {
		worker.Stop()
	}

	log.Info().Msg("Egress registry stopped")
}

// Dispatch offers a record to every worker. Never blocks; workers with
// full buffers drop the record.
func (r *Registry) Dispatch(rec *common.ChangeRecord) {
	if !r.running.Load() {
		return
	}
	for _, worker := range r.workers {
		worker.Offer(rec)
	}
}

// createSink creates a sink based on the configuration
func createSink(config cfg.SinkConfiguration) (Sink, error) {
	factoryMu.RLock()
	factory, exists := sinkFactories[config.Type]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown sink type: %s", config.Type)
	}

	return factory(config)
}

// SinkFactory is a function that creates a Sink from a configuration
type SinkFactory func(cfg.SinkConfiguration) (Sink, error)

var (
	sinkFactories = make(map[string]SinkFactory)
	factoryMu     sync.RWMutex
)

// RegisterSink registers a sink factory for a type
func RegisterSink(sinkType string, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[sinkType] = factory
}
