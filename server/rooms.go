package server

import (
	"slices"
	"sync"

	"github.com/rs/zerolog"
)

// Rooms tracks which authenticated devices are in which rendezvous session.
// A device is in at most one session at a time.
type Rooms struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]*peer // sessionID -> deviceID -> peer
	logger zerolog.Logger
}

func NewRooms(logger zerolog.Logger) *Rooms {
	return &Rooms{
		rooms:  make(map[string]map[string]*peer),
		logger: logger,
	}
}

// Join adds p to sessionID, leaving any session it was in before. It returns
// the device ids now in the session, p's included, and the peers that were
// already there. left is the session p was moved out of, if any, with the
// peers remaining in it.
func (r *Rooms) Join(sessionID string, p *peer) (members []string, existing []*peer, left string, leftPeers []*peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev := p.session; prev != "" && prev != sessionID {
		leftPeers = r.removeLocked(prev, p)
		left = prev
	}

	room, ok := r.rooms[sessionID]
	if !ok {
		room = make(map[string]*peer)
		r.rooms[sessionID] = room
	}
	for id, other := range room {
		if id != p.deviceID {
			existing = append(existing, other)
		}
	}
	room[p.deviceID] = p
	p.session = sessionID

	members = make([]string, 0, len(room))
	for id := range room {
		members = append(members, id)
	}
	slices.Sort(members)

	r.logger.Debug().
		Str("session_id", sessionID).
		Str("device_id", p.deviceID).
		Int("members", len(room)).
		Msg("device joined session")
	return members, existing, left, leftPeers
}

// Leave removes p from its session and returns that session with the peers
// still in it. ok is false when p was in no session.
func (r *Rooms) Leave(p *peer) (sessionID string, remaining []*peer, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessionID = p.session
	if sessionID == "" {
		return "", nil, false
	}
	remaining = r.removeLocked(sessionID, p)
	return sessionID, remaining, true
}

func (r *Rooms) removeLocked(sessionID string, p *peer) []*peer {
	room := r.rooms[sessionID]
	if current, ok := room[p.deviceID]; ok && current == p {
		delete(room, p.deviceID)
	}
	if p.session == sessionID {
		p.session = ""
	}
	if len(room) == 0 {
		delete(r.rooms, sessionID)
		return nil
	}
	out := make([]*peer, 0, len(room))
	for _, other := range room {
		out = append(out, other)
	}
	return out
}

// Session returns the session p is in.
func (r *Rooms) Session(p *peer) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return p.session
}

// Lookup finds deviceID in sessionID.
func (r *Rooms) Lookup(sessionID, deviceID string) (*peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.rooms[sessionID][deviceID]
	return p, ok
}

// Others lists the peers in sessionID other than deviceID.
func (r *Rooms) Others(sessionID, deviceID string) []*peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*peer
	for id, p := range r.rooms[sessionID] {
		if id != deviceID {
			out = append(out, p)
		}
	}
	return out
}

// Count returns the number of live sessions.
func (r *Rooms) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
