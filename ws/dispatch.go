package ws

import (
	"encoding/json"
	"strings"

	"github.com/studyloop/studyloop-chat/filter"
	"github.com/studyloop/studyloop-chat/normalize"
	"github.com/studyloop/studyloop-chat/store"
	"github.com/studyloop/studyloop-chat/types"
)

// keys under which servers put bulk message collections
var collectionKeys = []string{"messages", "history", "items", "entries"}

// keys under which servers put presence collections
var userCollectionKeys = []string{"users", "active_users", "activeUsers", "members", "participants", "online"}

// dispatch parses one inbound frame and routes it into room state. Frames may
// arrive as JSON objects or as JSON-encoded strings wrapping such objects;
// malformed frames are logged and dropped, never raised.
func (m *Manager) dispatch(roomID string, raw []byte) {
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		m.logger.Debug("dropping unparseable frame", "room", roomID, "error", err)
		return
	}
	if s, ok := decoded.(string); ok {
		// double-encoded frame
		if err := json.Unmarshal([]byte(s), &decoded); err != nil {
			m.logger.Debug("dropping unparseable frame", "room", roomID, "error", err)
			return
		}
	}
	frame, ok := decoded.(map[string]interface{})
	if !ok {
		m.logger.Debug("dropping non-object frame", "room", roomID)
		return
	}
	m.dispatchFrame(roomID, frame)
}

// dispatchFrame evaluates the recognized frame shapes in priority order,
// first match wins:
//
//  1. bulk message collections
//  2. single message event (tagged or implicit)
//  3. history event
//  4. presence event (tagged or implicit)
//  5. metadata event
//  6. error event
//  7. system message event
//  8. fallback: content-bearing payload treated as a single message
func (m *Manager) dispatchFrame(roomID string, frame map[string]interface{}) {
	typ := frameType(frame)
	payload := framePayload(frame)

	// 1. bulk collections, wherever they sit
	if items := collectionIn(payload, collectionKeys); len(items) > 0 {
		m.mergeMessages(roomID, normalize.Messages(items), true)
		return
	}
	if items := collectionIn(frame, collectionKeys); len(items) > 0 {
		m.mergeMessages(roomID, normalize.Messages(items), true)
		return
	}

	// 2. single message, explicitly tagged or untagged content
	if matchType(typ, types.WireEventMessage, types.WireEventChat) || (typ == "" && hasContent(payload)) {
		if msg := normalize.Message(payload); msg != nil {
			m.mergeMessages(roomID, []types.Message{*msg}, false)
		}
		return
	}

	// 3. explicit history tag whose collection shape was not caught above
	if matchType(typ, types.WireEventHistory, types.WireEventMessages) {
		if items, ok := payloadArray(frame); ok {
			m.mergeMessages(roomID, normalize.Messages(items), true)
		}
		return
	}

	// 4. presence snapshot, tagged or implicit
	if matchType(typ, types.WireEventUsers, types.WireEventPresence) {
		m.replaceUsers(roomID, payload, frame)
		return
	}
	if users := collectionIn(payload, userCollectionKeys); len(users) > 0 {
		if normalized := normalize.Users(users); len(normalized) > 0 {
			m.store.Apply(roomID, store.PresenceEvent{Users: normalized})
			return
		}
	}

	// 5. metadata
	if matchType(typ, types.WireEventMetadata, "meta") {
		m.store.Apply(roomID, store.MetadataEvent{Metadata: stringifyMap(payload)})
		return
	}

	// 6. error
	if matchType(typ, types.WireEventError) {
		m.store.Apply(roomID, store.ErrorEvent{Err: errorText(payload)})
		return
	}

	// 7. server-injected notice
	if matchType(typ, types.WireEventSystem, "notice") {
		if msg := normalize.Message(payload); msg != nil {
			msg.System = true
			if msg.Role == "" {
				msg.Role = "system"
				if msg.Username == normalize.GuestName {
					msg.Username = normalize.SystemName
				}
			}
			m.mergeMessages(roomID, []types.Message{*msg}, false)
		}
		return
	}

	// 8. fallback: a tagged frame we do not recognize but which carries
	// content, in its payload or at the top level, is still a message
	if hasContent(payload) || hasContent(frame) {
		body := payload
		if !hasContent(body) {
			body = frame
		}
		if msg := normalize.Message(body); msg != nil {
			m.mergeMessages(roomID, []types.Message{*msg}, false)
		}
		return
	}

	m.logger.Debug("dropping unrecognized frame", "room", roomID, "type", typ)
}

func (m *Manager) mergeMessages(roomID string, msgs []types.Message, history bool) {
	if m.inbound != nil {
		snap, _ := m.store.Snapshot(roomID)
		kept := msgs[:0]
		for _, msg := range msgs {
			if filter.Accept(m.inbound, msg, snap.Metadata) {
				kept = append(kept, msg)
			}
		}
		msgs = kept
	}
	m.store.Apply(roomID, store.MessagesEvent{Messages: msgs, History: history})
}

func (m *Manager) replaceUsers(roomID string, payload, frame map[string]interface{}) {
	users := collectionIn(payload, userCollectionKeys)
	if users == nil {
		users = collectionIn(frame, userCollectionKeys)
	}
	if users == nil {
		if arr, ok := payloadArray(frame); ok {
			users = arr
		}
	}
	m.store.Apply(roomID, store.PresenceEvent{Users: normalize.Users(users)})
}

// frameType extracts the event tag from "type" or "event".
func frameType(frame map[string]interface{}) string {
	if s, ok := frame["type"].(string); ok {
		return s
	}
	if s, ok := frame["event"].(string); ok {
		return s
	}
	return ""
}

// framePayload unwraps "payload"/"data" when they hold an object, otherwise
// the frame itself is the payload.
func framePayload(frame map[string]interface{}) map[string]interface{} {
	for _, key := range []string{"payload", "data"} {
		if child, ok := frame[key].(map[string]interface{}); ok {
			return child
		}
	}
	return frame
}

// payloadArray returns "payload"/"data" when they hold an array directly.
func payloadArray(frame map[string]interface{}) ([]interface{}, bool) {
	for _, key := range []string{"payload", "data"} {
		if arr, ok := frame[key].([]interface{}); ok {
			return arr, true
		}
	}
	return nil, false
}

// matchType reports whether the wire tag names one of the logical events. The
// tag is lowercased and split on dots, colons and slashes, so "chat.message",
// "room:message" and "message" all match "message".
func matchType(raw string, names ...string) bool {
	if raw == "" {
		return false
	}
	segments := strings.FieldsFunc(strings.ToLower(raw), func(r rune) bool {
		return r == '.' || r == ':' || r == '/'
	})
	for _, seg := range segments {
		for _, name := range names {
			if seg == name {
				return true
			}
		}
	}
	return false
}

func collectionIn(m map[string]interface{}, keys []string) []interface{} {
	if m == nil {
		return nil
	}
	for _, key := range keys {
		if arr, ok := m[key].([]interface{}); ok && len(arr) > 0 {
			return arr
		}
	}
	return nil
}

func hasContent(m map[string]interface{}) bool {
	if m == nil {
		return false
	}
	for _, key := range []string{"content", "message", "text"} {
		if s, ok := m[key].(string); ok && strings.TrimSpace(s) != "" {
			return true
		}
	}
	return false
}

func errorText(payload map[string]interface{}) string {
	for _, key := range []string{"error", "message", "reason", "detail"} {
		if s, ok := payload[key].(string); ok && s != "" {
			return s
		}
	}
	return "server reported an error"
}

func stringifyMap(payload map[string]interface{}) map[string]string {
	out := make(map[string]string, len(payload))
	for k, v := range payload {
		switch val := v.(type) {
		case string:
			out[k] = val
		case float64, bool, int64:
			out[k] = strings.TrimSpace(strings.Trim(jsonScalar(val), `"`))
		}
	}
	return out
}

func jsonScalar(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
