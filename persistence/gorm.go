package persistence

import (
	"fmt"
	"time"

	"github.com/studyloop/studyloop-chat/config"
	"github.com/studyloop/studyloop-chat/types"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CachedMessage is the gorm model of one cached message, keyed by the merge
// identity key so flushes are idempotent upserts.
type CachedMessage struct {
	Key            string `gorm:"primaryKey"`
	RoomId         string `gorm:"index"`
	MessageId      string
	Username       string
	Content        string
	Domain         string
	Area           string
	Role           string
	UserId         string
	ConversationId string
	System         bool
	CreatedAt      time.Time `gorm:"index"`
}

// CachedRoom keeps the merged join metadata per room.
type CachedRoom struct {
	Id       string `gorm:"primaryKey"`
	Metadata types.JSONStringMap
}

type GormPersist struct {
	db *gorm.DB
}

func NewGormPersister(cfg *config.Config) (Persister, error) {
	db, err := setupGormDB(cfg)
	if err != nil {
		return nil, err
	}
	if db == nil {
		return nil, nil // no or wrong configuration, ignore the persister
	}
	p := GormPersist{db: db}
	return &p, nil
}

func setupGormDB(cfg *config.Config) (*gorm.DB, error) {
	if cfg.PersistenceConfig.DSN == "" {
		return nil, nil
	}
	var dial gorm.Dialector
	switch cfg.PersistenceConfig.Type {
	case "postgres":
		dial = postgres.Open(cfg.PersistenceConfig.DSN)

	case "sqlite":
		dial = sqlite.Open(cfg.PersistenceConfig.DSN)

	default:
		return nil, fmt.Errorf("invalid gorm configuration")
	}
	db, err := gorm.Open(dial, &gorm.Config{})
	if err != nil {
		return nil, err
	}
	db.Migrator().AutoMigrate(&CachedMessage{}, &CachedRoom{})
	return db, nil
}

func (p *GormPersist) StoreMessages(roomID string, messages []types.Message) error {
	if len(messages) == 0 {
		return nil
	}
	rows := make([]CachedMessage, 0, len(messages))
	for i := range messages {
		rows = append(rows, toCached(roomID, &messages[i]))
	}
	return p.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&rows).Error
}

func (p *GormPersist) GetMessages(roomID string, limit int) ([]types.Message, error) {
	rows := make([]CachedMessage, 0)
	q := p.db.Where("room_id = ?", roomID).Order("created_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	messages := make([]types.Message, 0, len(rows))
	for i := range rows {
		messages = append(messages, fromCached(&rows[i]))
	}
	return messages, nil
}

func (p *GormPersist) StoreRoomMetadata(roomID string, metadata types.JSONStringMap) error {
	row := CachedRoom{Id: roomID, Metadata: metadata}
	return p.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

func (p *GormPersist) GetRoomMetadata(roomID string) (types.JSONStringMap, error) {
	row := CachedRoom{Id: roomID}
	if err := p.db.First(&row).Error; err != nil {
		return nil, err
	}
	return row.Metadata, nil
}

func (p *GormPersist) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toCached(roomID string, msg *types.Message) CachedMessage {
	return CachedMessage{
		Key:            msg.IdentityKey(),
		RoomId:         roomID,
		MessageId:      msg.Id,
		Username:       msg.Username,
		Content:        msg.Content,
		Domain:         msg.Domain,
		Area:           msg.Area,
		Role:           msg.Role,
		UserId:         msg.UserId,
		ConversationId: msg.ConversationId,
		System:         msg.System,
		CreatedAt:      msg.CreatedAt,
	}
}

func fromCached(row *CachedMessage) types.Message {
	return types.Message{
		Id:             row.MessageId,
		Username:       row.Username,
		Content:        row.Content,
		Domain:         row.Domain,
		Area:           row.Area,
		Role:           row.Role,
		UserId:         row.UserId,
		ConversationId: row.ConversationId,
		System:         row.System,
		CreatedAt:      row.CreatedAt,
	}
}
