package types

import (
	"strconv"
	"time"

	"github.com/mitchellh/hashstructure/v2"
)

// Message is the canonical shape every inbound payload is normalized into,
// regardless of which backend produced it.
type Message struct {
	Id             string    `json:"id,omitempty" mapstructure:"id"`
	Username       string    `json:"username" mapstructure:"username"`
	Content        string    `json:"content" mapstructure:"content"`
	Domain         string    `json:"domain,omitempty" mapstructure:"domain"`
	Area           string    `json:"area,omitempty" mapstructure:"area"`
	CreatedAt      time.Time `json:"created_at" mapstructure:"-" hash:"ignore"`
	System         bool      `json:"system,omitempty" mapstructure:"system"`
	Role           string    `json:"role,omitempty" mapstructure:"role"`
	UserId         string    `json:"user_id,omitempty" mapstructure:"user_id"`
	ConversationId string    `json:"conversation_id,omitempty" mapstructure:"conversation_id"`
}

// IdentityKey is the deduplication key used by the merge engine: the explicit
// id if present, otherwise a composite of username and timestamp. It must be
// pure so that normalizing the same payload twice merges into one entry.
func (m *Message) IdentityKey() string {
	if m.Id != "" {
		return m.Id
	}
	return m.Username + "|" + m.CreatedAt.UTC().Format(time.RFC3339Nano)
}

// CreateId stamps an id derived from a hash over the message fields
// (timestamp excluded from the hash itself, appended separately so two
// identical texts sent at different times stay distinct).
func (m *Message) CreateId() error {
	hash, err := hashstructure.Hash(m, hashstructure.FormatV2, nil)
	if err != nil {
		return err
	}
	m.Id = strconv.FormatUint(hash, 16) + "-" + strconv.FormatInt(m.CreatedAt.UnixNano(), 16)
	return nil
}
