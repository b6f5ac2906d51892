package hub

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/gridfeed/gridfeed/telemetry"
)

const writeTimeout = 10 * time.Second

// Session is one live authenticated connection. It holds no membership
// state; the hub owns that. The send channel decouples routing from the
// socket: pushes are non-blocking and dropped when the buffer is full.
type Session struct {
	id       uint64
	identity *Identity
	conn     *websocket.Conn
	hub      *Hub

	sendCh chan *ServerFrame
	done   chan struct{}
	closed atomic.Bool
}

func newSession(h *Hub, conn *websocket.Conn, identity *Identity, buffer int) *Session {
	return &Session{
		id:       h.nextID.Add(1),
		identity: identity,
		conn:     conn,
		hub:      h,
		sendCh:   make(chan *ServerFrame, buffer),
		done:     make(chan struct{}),
	}
}

// Identity returns the decoded credential for this session.
func (s *Session) Identity() *Identity {
	return s.identity
}

// push queues a frame without blocking. Frames to a closed or saturated
// session are dropped; the client's backfill covers the gap.
func (s *Session) push(frame *ServerFrame) {
	select {
	case <-s.done:
	default:
		select {
		case s.sendCh <- frame:
		case <-s.done:
		default:
			telemetry.SendsDropped.Inc()
			log.Warn().
				Uint64("conn_id", s.id).
				Str("event", frame.Event).
				Msg("Dropped frame for slow consumer")
		}
	}
}

// close makes the session unreachable for pushes. Idempotent; the send
// channel is never closed, writers just stop draining it.
func (s *Session) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.done)
		if s.conn != nil {
			s.conn.Close()
		}
	}
}

// readLoop consumes inbound frames until the transport drops. Malformed
// frames are ignored with no state change; only the originating session
// ever sees the outcome of its own requests.
func (s *Session) readLoop(readLimit int64) {
	defer func() {
		s.hub.Disconnect(s)
		log.Debug().Uint64("conn_id", s.id).Msg("Session disconnected")
	}()

	s.conn.SetReadLimit(readLimit)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Debug().Uint64("conn_id", s.id).Msg("Ignoring malformed client frame")
			continue
		}

		s.handle(&frame)
	}
}

func (s *Session) handle(frame *ClientFrame) {
	switch frame.Action {
	case ActionJoin:
		if frame.PlantID == "" {
			return
		}
		if err := s.hub.Join(s, frame.PlantID); err != nil {
			s.push(&ServerFrame{Event: EventRejected, PlantID: frame.PlantID, Reason: ReasonForbidden})
			return
		}
		s.push(&ServerFrame{Event: EventJoined, PlantID: frame.PlantID})

	case ActionLeave:
		left, ok := s.hub.Leave(s, frame.PlantID)
		if !ok {
			left = frame.PlantID
		}
		s.push(&ServerFrame{Event: EventLeft, PlantID: left})

	default:
		// Unknown actions are ignored, matching malformed frames.
	}
}

// writeLoop drains the send channel onto the socket and keeps the
// connection alive with pings.
func (s *Session) writeLoop(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case frame := <-s.sendCh:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteJSON(frame); err != nil {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-s.done:
			s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
