package egress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridfeed/gridfeed/cfg"
)

func registerMockSink(t *testing.T) *mockSink {
	t.Helper()
	snk := &mockSink{}
	RegisterSink("mock", func(cfg.SinkConfiguration) (Sink, error) {
		return snk, nil
	})
	return snk
}

func TestRegistryRejectsUnknownSinkType(t *testing.T) {
	r, err := NewRegistry([]cfg.SinkConfiguration{
		{Name: "bad", Type: "carrier-pigeon"},
	})
	assert.Error(t, err)
	assert.Nil(t, r)
}

func TestRegistryRejectsInvalidFilter(t *testing.T) {
	registerMockSink(t)

	r, err := NewRegistry([]cfg.SinkConfiguration{
		{Name: "s1", Type: "mock", FilterPlants: []string{"plant-["}},
	})
	assert.Error(t, err)
	assert.Nil(t, r)
}

func TestRegistryDispatchReachesAllWorkers(t *testing.T) {
	snk := registerMockSink(t)

	r, err := NewRegistry([]cfg.SinkConfiguration{
		{Name: "s1", Type: "mock", TopicPrefix: "a"},
		{Name: "s2", Type: "mock", TopicPrefix: "b"},
	})
	require.NoError(t, err)
	require.NoError(t, r.Start())
	defer r.Stop()

	r.Dispatch(testRecord("plant-1", "1"))
	waitForCalls(t, snk, 2)

	topics := map[string]bool{}
	for _, c := range snk.getCalls() {
		topics[c.topic] = true
	}
	assert.True(t, topics["a.plant-1"])
	assert.True(t, topics["b.plant-1"])
}

func TestRegistryDispatchBeforeStartIsNoop(t *testing.T) {
	snk := registerMockSink(t)

	r, err := NewRegistry([]cfg.SinkConfiguration{
		{Name: "s1", Type: "mock"},
	})
	require.NoError(t, err)

	r.Dispatch(testRecord("plant-1", "1"))
	assert.Zero(t, snk.callCount())

	require.NoError(t, r.Start())
	r.Stop()
	r.Stop()
}

func TestRegistrySinkRetryConfig(t *testing.T) {
	registerMockSink(t)

	r, err := NewRegistry([]cfg.SinkConfiguration{
		{Name: "s1", Type: "mock", Buffer: 32, RetryInitMS: 50, RetryMaxMS: 500, MaxRetries: 7},
		{Name: "s2", Type: "mock"},
	})
	require.NoError(t, err)

	assert.Equal(t, 32, r.workers[0].config.Buffer)
	assert.Equal(t, 50*time.Millisecond, r.workers[0].config.RetryInitial)
	assert.Equal(t, 500*time.Millisecond, r.workers[0].config.RetryMax)
	assert.Equal(t, 7, r.workers[0].config.MaxRetries)

	// Unset knobs fall back to the worker defaults.
	assert.Equal(t, DefaultMaxRetries, r.workers[1].config.MaxRetries)
}

func TestRegistryStartTwiceFails(t *testing.T) {
	registerMockSink(t)

	r, err := NewRegistry([]cfg.SinkConfiguration{
		{Name: "s1", Type: "mock"},
	})
	require.NoError(t, err)
	require.NoError(t, r.Start())
	defer r.Stop()

	assert.Error(t, r.Start())
}
