package normalize

import (
	"strconv"
	"strings"
	"time"
)

// The heterogeneous backends this client talks to do not agree on field
// names. Each concern below is an ordered list of candidate paths; the first
// non-empty match wins. The order is authoritative (it mirrors the behavior
// the backends were tested against), not derived from any schema.

var wrapperKeys = []string{"payload", "data", "message", "entry"}

var contentPaths = [][]string{
	{"content"},
	{"message"},
	{"text"},
	{"body"},
	{"value"},
	{"prompt"},
	{"output"},
	{"summary"},
	{"data", "content"},
}

// multi-part content: arrays whose elements are strings or objects carrying
// one of these keys
var partKeys = []string{"content", "text", "value"}

var usernamePaths = [][]string{
	{"username"},
	{"user_name"},
	{"nick"},
	{"sender"},
	{"sender_name"},
	{"author"},
	{"from"},
	{"user", "username"},
	{"user", "name"},
	{"name"},
}

var rolePaths = [][]string{
	{"role"},
	{"sender_role"},
	{"user", "role"},
	{"author_role"},
}

var idPaths = [][]string{
	{"id"},
	{"_id"},
	{"message_id"},
	{"messageId"},
	{"uuid"},
}

var createdAtPaths = [][]string{
	{"created_at"},
	{"createdAt"},
	{"timestamp"},
	{"time"},
	{"sent_at"},
	{"date"},
}

var userIdPaths = [][]string{
	{"user_id"},
	{"userId"},
	{"user", "id"},
	{"sender_id"},
}

var conversationIdPaths = [][]string{
	{"conversation_id"},
	{"conversationId"},
	{"room_id"},
	{"room"},
	{"channel"},
}

var domainPaths = [][]string{
	{"domain"},
	{"subject"},
}

var areaPaths = [][]string{
	{"area"},
	{"topic"},
}

var avatarPaths = [][]string{
	{"avatar"},
	{"avatar_url"},
	{"picture"},
	{"image"},
}

var userUsernamePaths = [][]string{
	{"username"},
	{"user_name"},
	{"nick"},
	{"name"},
	{"display_name"},
	{"user", "username"},
	{"user", "name"},
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// unwrap descends through well-known envelope keys until the innermost
// message-shaped map is reached. A "message" wrapper is only followed when it
// holds a map, a string there is the content itself.
func unwrap(m map[string]interface{}) map[string]interface{} {
	for depth := 0; depth < 4; depth++ {
		descended := false
		for _, key := range wrapperKeys {
			if child, ok := m[key].(map[string]interface{}); ok {
				m = child
				descended = true
				break
			}
		}
		if !descended {
			return m
		}
	}
	return m
}

func lookup(m map[string]interface{}, path []string) (interface{}, bool) {
	var cur interface{} = m
	for _, seg := range path {
		mm, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = mm[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// firstString probes the paths in order and returns the first non-empty
// string value.
func firstString(m map[string]interface{}, paths [][]string) string {
	for _, path := range paths {
		if v, ok := lookup(m, path); ok {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				return s
			}
		}
	}
	return ""
}

// extractContent applies the content rules, then falls back to multi-part
// arrays ("parts" or an array-valued "content") whose elements are strings or
// objects with a content/text/value key.
func extractContent(m map[string]interface{}) string {
	if s := firstString(m, contentPaths); s != "" {
		return s
	}
	for _, key := range []string{"parts", "content", "messages"} {
		arr, ok := m[key].([]interface{})
		if !ok {
			continue
		}
		pieces := make([]string, 0, len(arr))
		for _, part := range arr {
			switch p := part.(type) {
			case string:
				if strings.TrimSpace(p) != "" {
					pieces = append(pieces, p)
				}
			case map[string]interface{}:
				for _, pk := range partKeys {
					if s, ok := p[pk].(string); ok && strings.TrimSpace(s) != "" {
						pieces = append(pieces, s)
						break
					}
				}
			}
		}
		if len(pieces) > 0 {
			return strings.Join(pieces, "\n")
		}
	}
	return ""
}

// extractRole finds an explicit role, falling back to a "type" field when its
// value is one of the conversational roles.
func extractRole(m map[string]interface{}) string {
	if s := firstString(m, rolePaths); s != "" {
		return strings.ToLower(s)
	}
	if s, ok := m["type"].(string); ok {
		switch strings.ToLower(s) {
		case "assistant", "system", "user":
			return strings.ToLower(s)
		}
	}
	return ""
}

// extractTime probes the timestamp paths and parses strings against the known
// layouts and numbers as unix seconds or milliseconds. The zero time is
// returned when nothing parses.
func extractTime(m map[string]interface{}, paths [][]string) time.Time {
	for _, path := range paths {
		v, ok := lookup(m, path)
		if !ok {
			continue
		}
		switch t := v.(type) {
		case string:
			for _, layout := range timeLayouts {
				if ts, err := time.Parse(layout, t); err == nil {
					return ts
				}
			}
			if n, err := strconv.ParseInt(t, 10, 64); err == nil {
				return fromUnix(n)
			}
		case float64:
			return fromUnix(int64(t))
		case int64:
			return fromUnix(t)
		}
	}
	return time.Time{}
}

// values above ~year 33658 in seconds are taken as milliseconds
func fromUnix(n int64) time.Time {
	if n > 1e12 {
		return time.Unix(n/1000, (n%1000)*int64(time.Millisecond)).UTC()
	}
	return time.Unix(n, 0).UTC()
}
