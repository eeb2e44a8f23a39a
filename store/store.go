// Package store is the single source of truth for per-room client state. All
// mutation flows through Store.Apply, which feeds the pure Transition
// function and fans the resulting snapshot out to subscribers.
package store

import (
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/studyloop/studyloop-chat/globals"
	"github.com/studyloop/studyloop-chat/types"
)

const subscriberChannelSize = 64

type subscriber struct {
	id int
	ch chan types.Room
}

// Store maps room ids to room state. Room entries are created lazily on
// first use and never removed; connection teardown only resets the status.
type Store struct {
	mu     sync.RWMutex
	rooms  map[string]*types.Room
	subs   map[string][]subscriber
	nextID int
	logger hclog.Logger
}

func NewStore() *Store {
	return &Store{
		rooms:  make(map[string]*types.Room),
		subs:   make(map[string][]subscriber),
		logger: globals.AppLogger.Named("store"),
	}
}

// Apply runs one event through the transition function and returns the
// resulting snapshot. Holding one lock across read-transition-replace is what
// serializes interleaved socket callbacks and history completions. The fan-out
// stays under the same lock so subscribers observe snapshots in transition
// order; the sends are non-blocking, a slow subscriber drops snapshots instead
// of stalling Apply.
func (s *Store) Apply(roomID string, ev Event) types.Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		created := types.NewRoom(roomID)
		room = &created
		s.rooms[roomID] = room
	}
	next := Transition(room.Clone(), ev)
	next.LastEventAt = time.Now()
	s.rooms[roomID] = &next
	snap := next.Clone()

	for _, sub := range s.subs[roomID] {
		select {
		case sub.ch <- snap.Clone():
		default:
			s.logger.Warn("subscriber not keeping up, dropping snapshot", "room", roomID)
		}
	}
	return snap
}

// Snapshot returns a copy of the room state, if the room exists.
func (s *Store) Snapshot(roomID string) (types.Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return types.Room{}, false
	}
	return room.Clone(), true
}

// Rooms lists the ids of all known rooms.
func (s *Store) Rooms() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		ids = append(ids, id)
	}
	return ids
}

// Subscribe registers for state snapshots of one room. Every consumer of the
// same room observes the same underlying state, snapshots are just copies of
// it. The returned cancel function must be called when done.
func (s *Store) Subscribe(roomID string) (<-chan types.Room, func()) {
	s.mu.Lock()
	s.nextID++
	sub := subscriber{id: s.nextID, ch: make(chan types.Room, subscriberChannelSize)}
	s.subs[roomID] = append(s.subs[roomID], sub)
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		subs := s.subs[roomID]
		for i := range subs {
			if subs[i].id == sub.id {
				s.subs[roomID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
	}
	return sub.ch, cancel
}
