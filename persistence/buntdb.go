package persistence

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/studyloop/studyloop-chat/config"
	"github.com/studyloop/studyloop-chat/globals"
	"github.com/studyloop/studyloop-chat/types"
	"github.com/tidwall/buntdb"
)

type BuntDBPersist struct {
	db *buntdb.DB
}

func NewBuntPersister(cfg *config.Config) (Persister, error) {
	if cfg.PersistenceConfig.DSN == "" {
		return nil, nil // no or wrong configuration, ignore the persister
	}
	db, err := buntdb.Open(cfg.PersistenceConfig.DSN)
	if err != nil {
		return nil, err
	}
	err = db.CreateIndex("messagests", "message:*", buntdb.IndexJSON("created_at"))
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BuntDBPersist{db: db}, nil
}

func messageKey(roomID string, msg *types.Message) string {
	return "message:" + roomID + ":" + msg.IdentityKey()
}

func (p *BuntDBPersist) StoreMessages(roomID string, messages []types.Message) error {
	return p.db.Update(func(tx *buntdb.Tx) error {
		for i := range messages {
			data, err := json.Marshal(&messages[i])
			if err != nil {
				globals.AppLogger.Error("could not marshal message", "error", err)
				return err
			}
			_, _, err = tx.Set(messageKey(roomID, &messages[i]), string(data), nil)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// GetMessages returns the cached messages for one room in timestamp order,
// newest first up to limit, re-sorted ascending by the caller's merge.
func (p *BuntDBPersist) GetMessages(roomID string, limit int) ([]types.Message, error) {
	messages := make([]types.Message, 0)
	prefix := "message:" + roomID + ":"
	err := p.db.View(func(tx *buntdb.Tx) error {
		count := 0
		return tx.Descend("messagests", func(key, val string) bool {
			if !strings.HasPrefix(key, prefix) {
				return true
			}
			msg := types.Message{}
			if err := json.Unmarshal([]byte(val), &msg); err == nil {
				messages = append(messages, msg)
				count++
			}
			return limit <= 0 || count < limit
		})
	})
	return messages, err
}

func (p *BuntDBPersist) StoreRoomMetadata(roomID string, metadata types.JSONStringMap) error {
	data, err := json.Marshal(metadata)
	if err != nil {
		return err
	}
	return p.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set("room:"+roomID, string(data), nil)
		return err
	})
}

func (p *BuntDBPersist) GetRoomMetadata(roomID string) (types.JSONStringMap, error) {
	if roomID == "" {
		return nil, fmt.Errorf("no room id")
	}
	metadata := types.JSONStringMap{}
	err := p.db.View(func(tx *buntdb.Tx) error {
		val, err := tx.Get("room:" + roomID)
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(val), &metadata)
	})
	if err != nil {
		return nil, err
	}
	return metadata, nil
}

func (p *BuntDBPersist) Close() error {
	return p.db.Close()
}
