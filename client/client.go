package client

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/gridfeed/gridfeed/common"
	"github.com/gridfeed/gridfeed/hub"
)

const (
	// Default initial reconnect delay after a transport drop
	DefaultReconnectInitial = time.Second
	// Default maximum reconnect delay (exponential backoff cap)
	DefaultReconnectMax = 30 * time.Second
	// Default exponential backoff multiplier
	DefaultReconnectMultiplier = 2.0
	// Timeout for snapshot and backfill requests
	defaultRequestTimeout = 10 * time.Second
)

// Config configures a reconciling client for one plant.
type Config struct {
	BaseURL             string // e.g. "http://localhost:4000"
	Token               string // Bearer credential; empty in open mode
	Plant               string // Plant to follow
	ReconnectInitial    time.Duration
	ReconnectMax        time.Duration
	ReconnectMultiplier float64

	// OnChange is invoked with the new view after every change that
	// altered it. Called from the client goroutine; must not block.
	OnChange func(View)
}

// Client keeps a live, reconciled view of one plant's readings. It
// dials the realtime endpoint, joins the plant, seeds the view from a
// REST snapshot and folds pushed records through the view reducer.
// After any gap (reconnect, missed dependency) it backfills from the
// view's cursor.
type Client struct {
	config Config
	httpc  *http.Client

	mu   sync.Mutex
	view View

	stopCh      chan struct{}
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex
}

// NewClient validates the config and creates a client.
func NewClient(config Config) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if config.Plant == "" {
		return nil, fmt.Errorf("plant is required")
	}
	if config.ReconnectInitial <= 0 {
		config.ReconnectInitial = DefaultReconnectInitial
	}
	if config.ReconnectMax <= 0 {
		config.ReconnectMax = DefaultReconnectMax
	}
	if config.ReconnectMultiplier <= 0 {
		config.ReconnectMultiplier = DefaultReconnectMultiplier
	}

	return &Client{
		config: config,
		httpc:  &http.Client{Timeout: defaultRequestTimeout},
		view:   NewView(config.Plant),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// Start begins the connect loop.
func (c *Client) Start() {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.running.Load() {
		return
	}

	c.running.Store(true)
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})

	log.Info().Str("plant", c.config.Plant).Msg("Starting realtime client")

	go c.runLoop()
}

// Stop shuts the client down and waits for its goroutine.
func (c *Client) Stop() {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if !c.running.Load() {
		return
	}

	close(c.stopCh)
	<-c.doneCh
	c.running.Store(false)

	log.Info().Str("plant", c.config.Plant).Msg("Realtime client stopped")
}

// View returns the current reconciled view.
func (c *Client) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view
}

// runLoop dials, serves one session, and reconnects with backoff.
func (c *Client) runLoop() {
	defer close(c.doneCh)

	delay := c.config.ReconnectInitial
	for {
		err := c.session()
		if err == nil {
			// Stop requested
			return
		}

		log.Warn().
			Err(err).
			Str("plant", c.config.Plant).
			Dur("retry_delay", delay).
			Msg("Realtime session ended, reconnecting")

		if !c.sleep(delay) {
			return
		}

		delay = time.Duration(float64(delay) * c.config.ReconnectMultiplier)
		if delay > c.config.ReconnectMax {
			delay = c.config.ReconnectMax
		}
	}
}

// session runs one websocket connection to completion. Returns nil only
// when the client is stopping.
func (c *Client) session() error {
	conn, err := c.dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	// Releases the reader goroutine on every exit path, not just Stop.
	done := make(chan struct{})
	defer close(done)

	// Every connection starts from a join; membership never survives
	// a transport drop.
	if err := conn.WriteJSON(&hub.ClientFrame{Action: hub.ActionJoin, PlantID: c.config.Plant}); err != nil {
		return fmt.Errorf("failed to send join: %w", err)
	}

	frames := make(chan *hub.ServerFrame)
	readErr := make(chan error, 1)
	go func() {
		for {
			var frame hub.ServerFrame
			if err := conn.ReadJSON(&frame); err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- &frame:
			case <-done:
				return
			}
		}
	}()

	joined := false
	for {
		select {
		case <-c.stopCh:
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		case err := <-readErr:
			return fmt.Errorf("transport closed: %w", err)
		case frame := <-frames:
			if !joined {
				if frame.Event == hub.EventRejected {
					return fmt.Errorf("join rejected: %s", frame.Reason)
				}
				if frame.Event == hub.EventJoined {
					joined = true
					if err := c.seed(); err != nil {
						return err
					}
				}
				continue
			}
			c.handleFrame(frame)
		}
	}
}

// seed initializes or repairs the view once a join is confirmed. A
// fresh view gets a full snapshot; a view that already has a cursor
// only needs the gap since it.
func (c *Client) seed() error {
	c.mu.Lock()
	cursor := c.view.Cursor
	empty := len(c.view.Entries) == 0
	c.mu.Unlock()

	if empty && cursor.IsZero() {
		readings, err := c.fetchSnapshot()
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.view = Snapshot(c.config.Plant, readings)
		next := c.view
		c.mu.Unlock()
		c.notify(next)
		return nil
	}

	return c.backfill(cursor)
}

// handleFrame folds one pushed record into the view.
func (c *Client) handleFrame(frame *hub.ServerFrame) {
	if frame.Record == nil {
		return
	}

	c.mu.Lock()
	next, outcome := c.view.Apply(frame.Record)
	c.view = next
	cursor := next.Cursor
	c.mu.Unlock()

	switch outcome {
	case OutcomeApplied:
		c.notify(next)
	case OutcomeNeedBackfill:
		// An update referenced a row the snapshot never delivered.
		if err := c.backfill(cursor); err != nil {
			log.Warn().
				Err(err).
				Str("plant", c.config.Plant).
				Msg("Backfill failed, waiting for next trigger")
		}
	}
}

// backfill merges everything newer than the cursor into the view.
func (c *Client) backfill(since time.Time) error {
	readings, err := c.fetchSince(since)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.view = c.view.Merge(readings)
	next := c.view
	c.mu.Unlock()

	if len(readings) > 0 {
		c.notify(next)
	}
	return nil
}

func (c *Client) notify(v View) {
	if c.config.OnChange != nil {
		c.config.OnChange(v)
	}
}

func (c *Client) dial() (*websocket.Conn, error) {
	header := http.Header{}
	if c.config.Token != "" {
		header.Set("Authorization", "Bearer "+c.config.Token)
	}

	conn, resp, err := websocket.DefaultDialer.Dial(c.realtimeURL(), header)
	if resp != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dial realtime endpoint: %w", err)
	}
	return conn, nil
}

func (c *Client) realtimeURL() string {
	base := strings.TrimSuffix(c.config.BaseURL, "/")
	if strings.HasPrefix(base, "https") {
		base = "wss" + strings.TrimPrefix(base, "https")
	} else {
		base = "ws" + strings.TrimPrefix(base, "http")
	}
	return base + "/realtime"
}

func (c *Client) fetchSnapshot() ([]common.Reading, error) {
	endpoint := fmt.Sprintf("%s/plants/%s/readings",
		strings.TrimSuffix(c.config.BaseURL, "/"), url.PathEscape(c.config.Plant))
	return c.fetchReadings(endpoint)
}

func (c *Client) fetchSince(since time.Time) ([]common.Reading, error) {
	endpoint := fmt.Sprintf("%s/plants/%s/readings/since?since=%s",
		strings.TrimSuffix(c.config.BaseURL, "/"),
		url.PathEscape(c.config.Plant),
		url.QueryEscape(since.Format(time.RFC3339Nano)))
	return c.fetchReadings(endpoint)
}

func (c *Client) fetchReadings(endpoint string) ([]common.Reading, error) {
	req, err := http.NewRequest(http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("readings request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("readings request returned %d", resp.StatusCode)
	}

	var readings []common.Reading
	if err := json.NewDecoder(resp.Body).Decode(&readings); err != nil {
		return nil, fmt.Errorf("failed to decode readings: %w", err)
	}
	return readings, nil
}

// sleep sleeps for the given duration, checking stopCh
// Returns true if sleep completed, false if stopped
func (c *Client) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-c.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
