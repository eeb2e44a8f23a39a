package types

import "time"

type RoomStatus string

const (
	RoomStatusIdle           RoomStatus = "idle"
	RoomStatusConnecting     RoomStatus = "connecting"
	RoomStatusConnected      RoomStatus = "connected"
	RoomStatusLoadingHistory RoomStatus = "loading-history"
	RoomStatusError          RoomStatus = "error"
	RoomStatusClosed         RoomStatus = "closed"
)

// Room is the per-room client state. One entry per room id lives in the
// store; entries are created lazily on first join and never removed, only the
// connection is torn down when the refcount drops to zero.
type Room struct {
	Id                string                `json:"id"`
	Status            RoomStatus            `json:"status"`
	Error             string                `json:"error,omitempty"`
	Messages          []Message             `json:"messages"`
	ActiveUsers       map[string]ActiveUser `json:"active_users"`
	Metadata          JSONStringMap         `json:"metadata"`
	RefCount          int                   `json:"ref_count"`
	HasHistory        bool                  `json:"has_history"`
	IsFetchingHistory bool                  `json:"is_fetching_history"`
	LastEventAt       time.Time             `json:"last_event_at"`
}

func NewRoom(id string) Room {
	return Room{
		Id:          id,
		Status:      RoomStatusIdle,
		Messages:    make([]Message, 0),
		ActiveUsers: make(map[string]ActiveUser),
		Metadata:    make(JSONStringMap),
	}
}

// Clone returns a deep copy, so snapshots handed to consumers never alias the
// slices and maps the store keeps mutating.
func (r Room) Clone() Room {
	out := r
	out.Messages = make([]Message, len(r.Messages))
	copy(out.Messages, r.Messages)
	out.ActiveUsers = make(map[string]ActiveUser, len(r.ActiveUsers))
	for k, v := range r.ActiveUsers {
		out.ActiveUsers[k] = v
	}
	out.Metadata = make(JSONStringMap, len(r.Metadata))
	for k, v := range r.Metadata {
		out.Metadata[k] = v
	}
	return out
}
