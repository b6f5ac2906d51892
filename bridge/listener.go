package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gridfeed/gridfeed/common"
	"github.com/gridfeed/gridfeed/telemetry"
)

const (
	// Default initial delay before resubscribing after upstream loss
	DefaultRetryInitial = time.Second
	// Default resubscription delay cap (exponential backoff)
	DefaultRetryMax = 30 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
)

// Handler receives each parsed change record in upstream order.
// Handlers must not block; routing fan-out is fire-and-forget downstream.
type Handler func(*common.ChangeRecord)

// ListenerConfig configures the notification listener
type ListenerConfig struct {
	Factory         SourceFactory // Produces upstream subscriptions
	Handler         Handler       // Receives parsed records
	RetryInitial    time.Duration // Initial resubscribe delay
	RetryMax        time.Duration // Max resubscribe delay
	RetryMultiplier float64       // Backoff multiplier
}

// Listener owns the single upstream subscription to the change feed and
// translates each notification into a ChangeRecord. A lost subscription
// degrades real-time delivery but never stops the process; the listener
// resubscribes with bounded backoff while REST reads stay available.
type Listener struct {
	config      ListenerConfig
	ctx         context.Context
	cancel      context.CancelFunc
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex
}

// NewListener creates a new notification listener
func NewListener(config ListenerConfig) (*Listener, error) {
	if config.Factory == nil {
		return nil, fmt.Errorf("source factory is required")
	}
	if config.Handler == nil {
		return nil, fmt.Errorf("record handler is required")
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

	return &Listener{config: config}, nil
}

// Start connects the first subscription and spawns the receive loop.
// Fails if the upstream cannot be reached on the initial attempt; later
// disconnections are retried internally.
func (l *Listener) Start() error {
	l.lifecycleMu.Lock()
	defer l.lifecycleMu.Unlock()

	if l.running.Load() {
		return fmt.Errorf("listener already running")
	}

	l.ctx, l.cancel = context.WithCancel(context.Background())
	l.doneCh = make(chan struct{})

	src := l.config.Factory()
	if err := src.Connect(l.ctx); err != nil {
		l.cancel()
		return fmt.Errorf("failed to open change feed subscription: %w", err)
	}

	l.running.Store(true)
	log.Info().Msg("Change feed subscription established")

	go l.receiveLoop(src)

	return nil
}

// Stop cancels the subscription and waits for the loop to exit
func (l *Listener) Stop() {
	l.lifecycleMu.Lock()
	defer l.lifecycleMu.Unlock()

	if !l.running.Load() {
		return
	}

	log.Info().Msg("Stopping change feed listener")

	l.cancel()
	<-l.doneCh
	l.running.Store(false)
}

// receiveLoop waits for notifications one at a time, preserving upstream
// order. No buffering, no dedup across resubscription; the client-side
// backfill covers any gap an outage opens.
func (l *Listener) receiveLoop(src Source) {
	defer close(l.doneCh)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		src.Close(closeCtx)
	}()

	for {
		n, err := src.Wait(l.ctx)
		if err != nil {
			if l.ctx.Err() != nil {
				return
			}

			log.Warn().Err(err).Msg("Change feed subscription lost, real-time delivery degraded")

			src = l.resubscribe(src)
			if src == nil {
				return // Stopped while reconnecting
			}
			continue
		}

		l.dispatch(n)
	}
}

// dispatch parses a notification and hands it to the handler. A single
// bad payload is dropped with a diagnostic; it never interrupts the
// stream.
func (l *Listener) dispatch(n *Notification) {
	telemetry.BridgeRecords.Inc()

	rec, err := common.ParseRecord([]byte(n.Payload))
	if err != nil {
		telemetry.MalformedPayloads.Inc()
		if errors.Is(err, common.ErrMissingPlant) {
			log.Warn().
				Str("channel", n.Channel).
				Str("payload", n.Payload).
				Msg("Undeliverable change record without plant id, dropped")
		} else {
			log.Warn().
				Err(err).
				Str("channel", n.Channel).
				Msg("Malformed change payload, dropped")
		}
		return
	}

	l.config.Handler(rec)
}

// resubscribe replaces a dead subscription with bounded exponential
// backoff. Returns nil if the listener was stopped while waiting.
func (l *Listener) resubscribe(old Source) Source {
	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	old.Close(closeCtx)
	cancel()

	delay := l.config.RetryInitial

	for {
		if !l.sleep(delay) {
			return nil
		}

		src := l.config.Factory()
		err := src.Connect(l.ctx)
		if err == nil {
			telemetry.BridgeReconnects.Inc()
			log.Info().Msg("Change feed subscription re-established")
			return src
		}

		if l.ctx.Err() != nil {
			return nil
		}

		log.Warn().
			Err(err).
			Dur("retry_delay", delay).
			Msg("Failed to resubscribe to change feed, retrying")

		delay = time.Duration(float64(delay) * l.config.RetryMultiplier)
		if delay > l.config.RetryMax {
			delay = l.config.RetryMax
		}
	}
}

// sleep waits for the given duration unless the listener is stopped.
// Returns false if stopped.
func (l *Listener) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-l.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
