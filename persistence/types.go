// Package persistence is the optional local message cache: merged room
// messages are flushed here and warmed back on the next join, so a rejoin
// renders instantly while the network fetch runs.
package persistence

import (
	"fmt"

	"github.com/studyloop/studyloop-chat/config"
	"github.com/studyloop/studyloop-chat/types"
)

type Persister interface {
	StoreMessages(roomID string, messages []types.Message) error
	GetMessages(roomID string, limit int) ([]types.Message, error)
	StoreRoomMetadata(roomID string, metadata types.JSONStringMap) error
	GetRoomMetadata(roomID string) (types.JSONStringMap, error)
	Close() error
}

// NewPersister picks the cache backend from the configuration. An empty type
// disables caching (nil, nil).
func NewPersister(cfg *config.Config) (Persister, error) {
	switch cfg.PersistenceConfig.Type {
	case "":
		return nil, nil
	case "buntdb":
		return NewBuntPersister(cfg)
	case "sqlite", "postgres":
		return NewGormPersister(cfg)
	}
	return nil, fmt.Errorf("unknown persistence type %q", cfg.PersistenceConfig.Type)
}
