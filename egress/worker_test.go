package egress

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridfeed/gridfeed/common"
)

// Mock implementations for testing

type mockSink struct {
	mu        sync.Mutex
	calls     []mockPublishCall
	failCount atomic.Int32 // Number of times to fail before succeeding
	closed    atomic.Bool
}

type mockPublishCall struct {
	topic string
	key   string
	value []byte
}

func (m *mockSink) Publish(topic, key string, value []byte) error {
	if m.failCount.Load() > 0 {
		m.failCount.Add(-1)
		return fmt.Errorf("mock publish failure")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, mockPublishCall{topic: topic, key: key, value: value})
	return nil
}

func (m *mockSink) Close() error {
	m.closed.Store(true)
	return nil
}

func (m *mockSink) getCalls() []mockPublishCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]mockPublishCall, len(m.calls))
	copy(result, m.calls)
	return result
}

func (m *mockSink) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

type allowFilter struct{}

func (allowFilter) Match(string) bool { return true }

func waitForCalls(t *testing.T, snk *mockSink, n int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for snk.callCount() < n {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d publishes, got %d", n, snk.callCount())
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func testRecord(plantID, entityID string) *common.ChangeRecord {
	return &common.ChangeRecord{
		Kind:     common.KindInsert,
		PlantID:  plantID,
		EntityID: entityID,
		Fields:   map[string]interface{}{"value": 1.5},
	}
}

func TestNewWorkerValidation(t *testing.T) {
	tests := []struct {
		name        string
		config      WorkerConfig
		expectError bool
	}{
		{
			name:        "missing name",
			config:      WorkerConfig{Sink: &mockSink{}, Filter: allowFilter{}},
			expectError: true,
		},
		{
			name:        "missing sink",
			config:      WorkerConfig{Name: "test", Filter: allowFilter{}},
			expectError: true,
		},
		{
			name:        "missing filter",
			config:      WorkerConfig{Name: "test", Sink: &mockSink{}},
			expectError: true,
		},
		{
			name:        "valid",
			config:      WorkerConfig{Name: "test", Sink: &mockSink{}, Filter: allowFilter{}},
			expectError: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := NewWorker(tt.config)
			if tt.expectError {
				assert.Error(t, err)
			} else {
				require.NoError(t, err)
				assert.Equal(t, DefaultBuffer, w.config.Buffer)
				assert.Equal(t, DefaultRetryInitial, w.config.RetryInitial)
			}
		})
	}
}

func TestWorkerPublishesOfferedRecords(t *testing.T) {
	snk := &mockSink{}
	w, err := NewWorker(WorkerConfig{
		Name:        "test",
		Sink:        snk,
		Filter:      allowFilter{},
		TopicPrefix: "gridfeed.records",
	})
	require.NoError(t, err)

	w.Start()
	defer w.Stop()

	w.Offer(testRecord("plant-1", "11"))
	w.Offer(testRecord("plant-2", "22"))
	waitForCalls(t, snk, 2)

	calls := snk.getCalls()
	assert.Equal(t, "gridfeed.records.plant-1", calls[0].topic)
	assert.Equal(t, "11", calls[0].key)
	assert.Contains(t, string(calls[0].value), `"plantId":"plant-1"`)
	assert.Equal(t, "gridfeed.records.plant-2", calls[1].topic)
}

func TestWorkerFiltersPlants(t *testing.T) {
	snk := &mockSink{}
	filter, err := NewGlobFilter([]string{"plant-1"})
	require.NoError(t, err)

	w, err := NewWorker(WorkerConfig{Name: "test", Sink: snk, Filter: filter})
	require.NoError(t, err)

	w.Start()
	defer w.Stop()

	w.Offer(testRecord("plant-2", "1"))
	w.Offer(testRecord("plant-1", "2"))
	waitForCalls(t, snk, 1)

	calls := snk.getCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "plant-1", calls[0].topic)
}

func TestWorkerRetriesTransientFailures(t *testing.T) {
	snk := &mockSink{}
	snk.failCount.Store(2)

	w, err := NewWorker(WorkerConfig{
		Name:         "test",
		Sink:         snk,
		Filter:       allowFilter{},
		RetryInitial: time.Millisecond,
		RetryMax:     5 * time.Millisecond,
		MaxRetries:   10,
	})
	require.NoError(t, err)

	w.Start()
	defer w.Stop()

	w.Offer(testRecord("plant-1", "1"))
	waitForCalls(t, snk, 1)
}

func TestWorkerDropsAfterRetriesExhausted(t *testing.T) {
	snk := &mockSink{}
	snk.failCount.Store(3)

	w, err := NewWorker(WorkerConfig{
		Name:         "test",
		Sink:         snk,
		Filter:       allowFilter{},
		RetryInitial: time.Millisecond,
		RetryMax:     2 * time.Millisecond,
		MaxRetries:   3,
	})
	require.NoError(t, err)

	w.Start()
	defer w.Stop()

	w.Offer(testRecord("plant-1", "1"))
	w.Offer(testRecord("plant-1", "2"))

	// First record burns all three attempts and is dropped; the second
	// publishes cleanly.
	waitForCalls(t, snk, 1)
	assert.Equal(t, "2", snk.getCalls()[0].key)
}

func TestWorkerDropsWhenBufferFull(t *testing.T) {
	snk := &mockSink{}
	w, err := NewWorker(WorkerConfig{
		Name:   "test",
		Sink:   snk,
		Filter: allowFilter{},
		Buffer: 1,
	})
	require.NoError(t, err)

	// Not started: nothing drains the buffer, so only one record fits.
	w.running.Store(true)
	for i := 0; i < 10; i++ {
		w.Offer(testRecord("plant-1", fmt.Sprintf("%d", i)))
	}

	assert.Len(t, w.recordCh, 1)
}

func TestWorkerStopClosesSink(t *testing.T) {
	snk := &mockSink{}
	w, err := NewWorker(WorkerConfig{Name: "test", Sink: snk, Filter: allowFilter{}})
	require.NoError(t, err)

	w.Start()
	w.Stop()
	assert.True(t, snk.closed.Load())

	// Stop is idempotent
	w.Stop()
}

func TestWorkerStopDuringRetry(t *testing.T) {
	snk := &mockSink{}
	snk.failCount.Store(1000)

	w, err := NewWorker(WorkerConfig{
		Name:         "test",
		Sink:         snk,
		Filter:       allowFilter{},
		RetryInitial: time.Hour,
		RetryMax:     time.Hour,
		MaxRetries:   1000,
	})
	require.NoError(t, err)

	w.Start()
	w.Offer(testRecord("plant-1", "1"))

	// Give the worker a moment to enter the retry sleep, then make
	// sure Stop does not hang on it.
	time.Sleep(10 * time.Millisecond)
	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on retry sleep")
	}
}
