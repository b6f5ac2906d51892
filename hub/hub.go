package hub

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/gridfeed/gridfeed/common"
	"github.com/gridfeed/gridfeed/telemetry"
)

// ErrForbidden is returned by Join when the identity is not authorized
// for the requested plant.
var ErrForbidden = errors.New("forbidden")

// Hub owns all plant membership state. Membership mutation (join, leave,
// disconnect) and membership reads (route) go through one RWMutex, so a
// connection is never observed in two plants and routing sees a
// consistent member set. Sessions hold no membership state of their own.
type Hub struct {
	mu        sync.RWMutex
	members   map[string]map[uint64]*Session // plant id -> session id -> session
	connPlant map[uint64]string              // session id -> current plant

	sessions *xsync.MapOf[uint64, *Session]
	nextID   atomic.Uint64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		members:   make(map[string]map[uint64]*Session),
		connPlant: make(map[uint64]string),
		sessions:  xsync.NewMapOf[uint64, *Session](),
	}
}

// register admits an authenticated session.
func (h *Hub) register(s *Session) {
	h.sessions.Store(s.id, s)
	telemetry.ConnectionsActive.Inc()

	log.Debug().
		Uint64("conn_id", s.id).
		Str("subject", s.identity.Subject).
		Msg("Session registered")
}

// Join moves the session into the given plant. Any previous membership
// is dropped in the same critical section; there is no window where the
// session is in two plants or in none while switching.
func (h *Hub) Join(s *Session, plantID string) error {
	if !s.identity.MayJoin(plantID) {
		telemetry.JoinsTotal.With("rejected").Inc()
		return ErrForbidden
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if prev, ok := h.connPlant[s.id]; ok {
		h.removeMemberLocked(prev, s.id)
	}

	plant := h.members[plantID]
	if plant == nil {
		plant = make(map[uint64]*Session)
		h.members[plantID] = plant
	}
	plant[s.id] = s
	h.connPlant[s.id] = plantID

	telemetry.JoinsTotal.With("joined").Inc()
	return nil
}

// Leave removes the session from plantID, or from whatever plant it
// occupies when plantID is empty. Leaving a plant the session is not in
// is a no-op. Returns the plant actually left, if any.
func (h *Hub) Leave(s *Session, plantID string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	current, ok := h.connPlant[s.id]
	if !ok {
		return "", false
	}
	if plantID != "" && plantID != current {
		return "", false
	}

	h.removeMemberLocked(current, s.id)
	delete(h.connPlant, s.id)
	return current, true
}

// Route delivers the record to every session currently in its plant and
// to no others. Delivery is fire-and-forget per session; a slow consumer
// gets its frame dropped, never a stalled hub. An empty plant is a
// silent no-op.
func (h *Hub) Route(rec *common.ChangeRecord) {
	h.mu.RLock()
	plant := h.members[rec.PlantID]
	targets := make([]*Session, 0, len(plant))
	for _, s := range plant {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	frame := &ServerFrame{Event: rec.EventName(), Record: rec}
	for _, s := range targets {
		s.push(frame)
	}

	telemetry.RecordsRouted.With(rec.Kind).Add(float64(len(targets)))
}

// Disconnect tears the session down: membership released immediately, no
// frames delivered afterwards. Safe to call multiple times.
func (h *Hub) Disconnect(s *Session) {
	h.mu.Lock()
	if plant, ok := h.connPlant[s.id]; ok {
		h.removeMemberLocked(plant, s.id)
		delete(h.connPlant, s.id)
	}
	h.mu.Unlock()

	if _, loaded := h.sessions.LoadAndDelete(s.id); loaded {
		telemetry.ConnectionsActive.Dec()
	}

	s.close()
}

// PlantOf returns the session's current plant, if any.
func (h *Hub) PlantOf(s *Session) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	plant, ok := h.connPlant[s.id]
	return plant, ok
}

// MemberCount returns the number of sessions in a plant.
func (h *Hub) MemberCount(plantID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.members[plantID])
}

func (h *Hub) removeMemberLocked(plantID string, sessionID uint64) {
	plant := h.members[plantID]
	if plant == nil {
		return
	}
	delete(plant, sessionID)
	if len(plant) == 0 {
		delete(h.members, plantID)
	}
}
