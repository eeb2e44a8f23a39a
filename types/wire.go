package types

// Logical wire event names. Servers may qualify these with dotted or
// colon-separated namespaces ("chat.message", "room:users"), the dispatcher
// matches on the bare segment.
const (
	WireEventJoin     = "join"
	WireEventMessage  = "message"
	WireEventChat     = "chat"
	WireEventMessages = "messages"
	WireEventHistory  = "history"
	WireEventUsers    = "users"
	WireEventPresence = "presence"
	WireEventMetadata = "metadata"
	WireEventError    = "error"
	WireEventSystem   = "system"
)

// OutboundFrame is what this client writes to the wire: the join control
// frame after connect and every sent chat message. Inbound frames are not
// given a struct: the dispatcher works on the decoded map directly, since
// backends disagree on envelope keys and nesting.
type OutboundFrame struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}
