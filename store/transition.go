package store

import (
	"fmt"

	"github.com/studyloop/studyloop-chat/types"
)

// Event is one state-changing occurrence for a room: a subscriber action, a
// socket lifecycle change, inbound traffic, or history loader progress.
type Event interface {
	isRoomEvent()
}

// JoinEvent increments the refcount and merges the subscriber's metadata
// additively into the room metadata.
type JoinEvent struct {
	Metadata map[string]string
}

// LeaveEvent decrements the refcount; at zero the room goes back to idle
// (messages and users are retained for a fast rejoin).
type LeaveEvent struct{}

// ConnectingEvent marks the start of a socket dial.
type ConnectingEvent struct{}

// OpenEvent marks a successfully opened socket.
type OpenEvent struct{}

// TransportErrorEvent records a connection-level failure.
type TransportErrorEvent struct {
	Err string
}

// ClosedEvent records the socket close; Clean distinguishes a normal closure
// from a failure close.
type ClosedEvent struct {
	Clean bool
	Code  int
}

// MessagesEvent merges inbound live messages; History marks frames that carry
// a bulk/history collection.
type MessagesEvent struct {
	Messages []types.Message
	History  bool
}

// PresenceEvent replaces the active-user set (presence is a full snapshot,
// not a delta).
type PresenceEvent struct {
	Users []types.ActiveUser
}

// MetadataEvent shallow-merges server-pushed metadata into room metadata.
type MetadataEvent struct {
	Metadata map[string]string
}

// ErrorEvent records a server-announced error.
type ErrorEvent struct {
	Err string
}

// HistoryStartedEvent, HistoryLoadedEvent and HistoryFailedEvent track one
// history fetch through the loader.
type HistoryStartedEvent struct{}

type HistoryLoadedEvent struct {
	Messages []types.Message
}

type HistoryFailedEvent struct {
	Err string
}

// CacheLoadedEvent merges messages warmed from the local cache; it does not
// set the history flag, the network fetch still runs.
type CacheLoadedEvent struct {
	Messages []types.Message
}

func (JoinEvent) isRoomEvent()           {}
func (LeaveEvent) isRoomEvent()          {}
func (ConnectingEvent) isRoomEvent()     {}
func (OpenEvent) isRoomEvent()           {}
func (TransportErrorEvent) isRoomEvent() {}
func (ClosedEvent) isRoomEvent()         {}
func (MessagesEvent) isRoomEvent()       {}
func (PresenceEvent) isRoomEvent()       {}
func (MetadataEvent) isRoomEvent()       {}
func (ErrorEvent) isRoomEvent()          {}
func (HistoryStartedEvent) isRoomEvent() {}
func (HistoryLoadedEvent) isRoomEvent()  {}
func (HistoryFailedEvent) isRoomEvent()  {}
func (CacheLoadedEvent) isRoomEvent()    {}

// Transition computes the next room state for one event. It is the single
// place room state changes; callers pass a copy and must not rely on the
// input afterwards.
func Transition(room types.Room, ev Event) types.Room {
	switch e := ev.(type) {
	case JoinEvent:
		room.RefCount++
		for k, v := range e.Metadata {
			room.Metadata[k] = v
		}

	case LeaveEvent:
		if room.RefCount > 0 {
			room.RefCount--
		}
		if room.RefCount == 0 {
			room.Status = types.RoomStatusIdle
		}

	case ConnectingEvent:
		room.Status = types.RoomStatusConnecting

	case OpenEvent:
		room.Status = types.RoomStatusConnected
		room.Error = ""

	case TransportErrorEvent:
		room.Status = types.RoomStatusError
		room.Error = e.Err

	case ClosedEvent:
		if e.Clean {
			if room.RefCount == 0 {
				room.Status = types.RoomStatusIdle
			} else {
				room.Status = types.RoomStatusClosed
			}
		} else {
			room.Status = types.RoomStatusError
			if room.Error == "" { // first error wins
				room.Error = fmt.Sprintf("connection closed with code %d", e.Code)
			}
		}

	case MessagesEvent:
		room.Messages = MergeMessages(room.Messages, e.Messages)
		if e.History {
			room.HasHistory = true
		}
		roomIsLive(&room)

	case PresenceEvent:
		users := make(map[string]types.ActiveUser, len(e.Users))
		for _, u := range e.Users {
			users[u.IdentityKey()] = u
		}
		room.ActiveUsers = users
		roomIsLive(&room)

	case MetadataEvent:
		for k, v := range e.Metadata {
			room.Metadata[k] = v
		}
		roomIsLive(&room)

	case ErrorEvent:
		room.Status = types.RoomStatusError
		room.Error = e.Err
		room.IsFetchingHistory = false

	case HistoryStartedEvent:
		room.IsFetchingHistory = true
		if room.Status == types.RoomStatusIdle {
			room.Status = types.RoomStatusLoadingHistory
		}

	case HistoryLoadedEvent:
		room.Messages = MergeMessages(room.Messages, e.Messages)
		room.HasHistory = true
		roomIsLive(&room)

	case HistoryFailedEvent:
		room.IsFetchingHistory = false
		// a connected room never regresses over a history hiccup
		if room.Status == types.RoomStatusLoadingHistory {
			room.Status = types.RoomStatusError
			room.Error = e.Err
		}

	case CacheLoadedEvent:
		room.Messages = MergeMessages(room.Messages, e.Messages)
	}
	return room
}

// any inbound traffic or completed fetch implies the room is live again
func roomIsLive(room *types.Room) {
	room.IsFetchingHistory = false
	if room.Status == types.RoomStatusLoadingHistory {
		room.Status = types.RoomStatusIdle
	}
}
