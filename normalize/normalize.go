// Package normalize converts arbitrarily-shaped inbound payloads into the
// canonical Message and ActiveUser records. It is pure: no state, no I/O.
package normalize

import (
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/studyloop/studyloop-chat/globals"
	"github.com/studyloop/studyloop-chat/types"
)

// Role-based fallback display names. A normalized message never carries an
// empty username.
const (
	AssistantName = "StudyLoop Assistant"
	SystemName    = "System"
	StudentName   = "Student"
	GuestName     = "Guest"
)

// Message normalizes a raw wire payload into a canonical record. It returns
// nil only when the payload carries neither content nor any identity-bearing
// field, i.e. it is not message-shaped at all.
func Message(raw interface{}) *types.Message {
	m, ok := raw.(map[string]interface{})
	if !ok {
		return nil
	}
	m = unwrap(m)

	msg := types.Message{}
	// the common flat fields in one weak decode, the heterogeneous ones via
	// the path rules below
	if err := mapstructure.WeakDecode(m, &msg); err != nil {
		globals.AppLogger.Debug("could not decode message payload", "error", err)
	}

	content := msg.Content
	if content == "" {
		content = extractContent(m)
	}
	username := firstString(m, usernamePaths)
	if msg.Id == "" {
		msg.Id = firstString(m, idPaths)
	}
	if msg.UserId == "" {
		msg.UserId = firstString(m, userIdPaths)
	}

	if content == "" && msg.Id == "" && username == "" && msg.UserId == "" {
		return nil
	}

	role := strings.ToLower(msg.Role)
	if role == "" {
		role = extractRole(m)
	}
	if sys, ok := m["system"].(bool); ok && sys {
		msg.System = true
	}
	if role == "system" {
		msg.System = true
	}
	if username == "" {
		switch role {
		case "assistant":
			username = AssistantName
		case "system":
			username = SystemName
		case "user":
			username = StudentName
		default:
			username = GuestName
		}
	}

	created := extractTime(m, createdAtPaths)
	if created.IsZero() {
		created = time.Now()
	}

	msg.Username = username
	msg.Content = content
	msg.Role = role
	msg.CreatedAt = created
	if msg.Domain == "" {
		msg.Domain = firstString(m, domainPaths)
	}
	if msg.Area == "" {
		msg.Area = firstString(m, areaPaths)
	}
	if msg.ConversationId == "" {
		msg.ConversationId = firstString(m, conversationIdPaths)
	}
	return &msg
}

// Messages normalizes a collection, skipping anything that is not
// message-shaped.
func Messages(raw []interface{}) []types.Message {
	out := make([]types.Message, 0, len(raw))
	for _, item := range raw {
		if msg := Message(item); msg != nil {
			out = append(out, *msg)
		}
	}
	return out
}

// User normalizes one presence record. Unlike Message there is no synthetic
// fallback: a record with no derivable username is dropped (nil), a phantom
// "Unknown" user in the sidebar is worse than an omitted one.
func User(raw interface{}) *types.ActiveUser {
	m, ok := raw.(map[string]interface{})
	if !ok {
		return nil
	}
	m = unwrap(m)

	user := types.ActiveUser{}
	if err := mapstructure.WeakDecode(m, &user); err != nil {
		globals.AppLogger.Debug("could not decode user payload", "error", err)
	}
	if user.Username == "" {
		user.Username = firstString(m, userUsernamePaths)
	}
	if strings.TrimSpace(user.Username) == "" {
		return nil
	}
	if user.Id == "" {
		user.Id = firstString(m, idPaths)
	}
	if user.Avatar == "" {
		user.Avatar = firstString(m, avatarPaths)
	}
	if user.Domain == "" {
		user.Domain = firstString(m, domainPaths)
	}
	if user.Area == "" {
		user.Area = firstString(m, areaPaths)
	}
	if user.Status == "" {
		user.Status = types.UserStatusOnline
	}
	return &user
}

// Users normalizes a presence collection, dropping unidentifiable records.
func Users(raw []interface{}) []types.ActiveUser {
	out := make([]types.ActiveUser, 0, len(raw))
	for _, item := range raw {
		if user := User(item); user != nil {
			out = append(out, *user)
		}
	}
	return out
}
