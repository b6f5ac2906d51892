package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridfeed/gridfeed/common"
)

// fakeSource feeds scripted notifications and failures to the listener.
type fakeSource struct {
	connectErr error
	events     chan fakeEvent
}

type fakeEvent struct {
	n   *Notification
	err error
}

func newFakeSource() *fakeSource {
	return &fakeSource{events: make(chan fakeEvent, 16)}
}

func (f *fakeSource) notify(payload string) {
	f.events <- fakeEvent{n: &Notification{Channel: "readings_channel", Payload: payload}}
}

func (f *fakeSource) fail(err error) {
	f.events <- fakeEvent{err: err}
}

func (f *fakeSource) Connect(ctx context.Context) error {
	return f.connectErr
}

func (f *fakeSource) Wait(ctx context.Context) (*Notification, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case ev := <-f.events:
		return ev.n, ev.err
	}
}

func (f *fakeSource) Close(ctx context.Context) error {
	return nil
}

// recorder collects handled records for assertions.
type recorder struct {
	mu      sync.Mutex
	records []*common.ChangeRecord
}

func (r *recorder) handle(rec *common.ChangeRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

func (r *recorder) snapshot() []*common.ChangeRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*common.ChangeRecord(nil), r.records...)
}

func (r *recorder) waitFor(t *testing.T, n int) []*common.ChangeRecord {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if recs := r.snapshot(); len(recs) >= n {
			return recs
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d records, have %d", n, len(r.snapshot()))
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func newTestListener(t *testing.T, factory SourceFactory, h Handler) *Listener {
	t.Helper()
	l, err := NewListener(ListenerConfig{
		Factory:      factory,
		Handler:      h,
		RetryInitial: time.Millisecond,
		RetryMax:     5 * time.Millisecond,
	})
	require.NoError(t, err)
	return l
}

func TestNewListenerValidation(t *testing.T) {
	_, err := NewListener(ListenerConfig{Handler: func(*common.ChangeRecord) {}})
	assert.Error(t, err)

	_, err = NewListener(ListenerConfig{Factory: func() Source { return newFakeSource() }})
	assert.Error(t, err)
}

func TestStartFailsWhenUpstreamUnreachable(t *testing.T) {
	src := newFakeSource()
	src.connectErr = errors.New("connection refused")

	l := newTestListener(t, func() Source { return src }, func(*common.ChangeRecord) {})
	err := l.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "change feed subscription")
}

func TestRecordsDispatchedInOrder(t *testing.T) {
	src := newFakeSource()
	rec := &recorder{}

	l := newTestListener(t, func() Source { return src }, rec.handle)
	require.NoError(t, l.Start())
	defer l.Stop()

	src.notify(`{"type":"insert","id":1,"plantId":"p1","value":1}`)
	src.notify(`{"type":"update","id":1,"plantId":"p1","status":"hot"}`)
	src.notify(`{"type":"insert","id":2,"plantId":"p2","value":2}`)

	got := rec.waitFor(t, 3)
	assert.Equal(t, "1", got[0].EntityID)
	assert.Equal(t, common.KindInsert, got[0].Kind)
	assert.Equal(t, common.KindUpdate, got[1].Kind)
	assert.Equal(t, "2", got[2].EntityID)
}

func TestMalformedPayloadDoesNotStopStream(t *testing.T) {
	src := newFakeSource()
	rec := &recorder{}

	l := newTestListener(t, func() Source { return src }, rec.handle)
	require.NoError(t, l.Start())
	defer l.Stop()

	src.notify(`{"type":"insert"`)                               // malformed JSON
	src.notify(`{"type":"insert","id":3}`)                       // missing plant id
	src.notify(`{"type":"insert","id":4,"plantId":"p1"}`)        // good
	src.notify(`{"type":"custom","id":5,"plantId":"p1","x":"y"}`) // unknown kind forwarded

	got := rec.waitFor(t, 2)
	assert.Equal(t, "4", got[0].EntityID)
	assert.Equal(t, "custom", got[1].Kind)
}

func TestResubscribeAfterUpstreamLoss(t *testing.T) {
	first := newFakeSource()
	second := newFakeSource()

	sources := make(chan *fakeSource, 2)
	sources <- first
	sources <- second

	rec := &recorder{}
	l := newTestListener(t, func() Source { return <-sources }, rec.handle)
	require.NoError(t, l.Start())
	defer l.Stop()

	first.notify(`{"type":"insert","id":1,"plantId":"p1"}`)
	first.fail(errors.New("server closed the connection"))
	second.notify(`{"type":"insert","id":2,"plantId":"p1"}`)

	got := rec.waitFor(t, 2)
	assert.Equal(t, "1", got[0].EntityID)
	assert.Equal(t, "2", got[1].EntityID)
}

func TestStopWhileWaiting(t *testing.T) {
	src := newFakeSource()
	l := newTestListener(t, func() Source { return src }, func(*common.ChangeRecord) {})
	require.NoError(t, l.Start())

	done := make(chan struct{})
	go func() {
		l.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return while listener was waiting")
	}

	// Stop is idempotent
	l.Stop()
}
