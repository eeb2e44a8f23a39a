package persistence

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyloop/studyloop-chat/config"
	"github.com/studyloop/studyloop-chat/types"
)

func testMessages() []types.Message {
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	return []types.Message{
		{Id: "m-1", Username: "alice", Content: "first", CreatedAt: base},
		{Id: "m-2", Username: "bob", Content: "second", Role: "assistant", CreatedAt: base.Add(time.Minute)},
		{Id: "m-3", Username: "alice", Content: "third", Domain: "math", Area: "algebra", CreatedAt: base.Add(2 * time.Minute)},
	}
}

func openPersister(t *testing.T, typ, dsn string) Persister {
	cfg := &config.Config{}
	cfg.PersistenceConfig.Type = typ
	cfg.PersistenceConfig.DSN = dsn
	p, err := NewPersister(cfg)
	require.NoError(t, err)
	require.NotNil(t, p)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func eachPersister(t *testing.T, fn func(t *testing.T, p Persister)) {
	t.Run("buntdb", func(t *testing.T) {
		fn(t, openPersister(t, "buntdb", ":memory:"))
	})
	t.Run("sqlite", func(t *testing.T) {
		fn(t, openPersister(t, "sqlite", filepath.Join(t.TempDir(), "cache.db")))
	})
}

func TestNoPersisterConfigured(t *testing.T) {
	p, err := NewPersister(&config.Config{})
	require.NoError(t, err)
	assert.Nil(t, p)

	cfg := &config.Config{}
	cfg.PersistenceConfig.Type = "cassandra"
	_, err = NewPersister(cfg)
	assert.Error(t, err)
}

func TestMessageRoundtrip(t *testing.T) {
	eachPersister(t, func(t *testing.T, p Persister) {
		require.NoError(t, p.StoreMessages("general", testMessages()))

		got, err := p.GetMessages("general", 0)
		require.NoError(t, err)
		require.Len(t, got, 3)

		// newest first
		assert.Equal(t, "third", got[0].Content)
		assert.Equal(t, "first", got[2].Content)
		assert.Equal(t, "assistant", got[1].Role)
		assert.Equal(t, "math", got[0].Domain)
		assert.Equal(t, "algebra", got[0].Area)
	})
}

func TestGetMessagesLimit(t *testing.T) {
	eachPersister(t, func(t *testing.T, p Persister) {
		require.NoError(t, p.StoreMessages("general", testMessages()))

		got, err := p.GetMessages("general", 2)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "third", got[0].Content)
		assert.Equal(t, "second", got[1].Content)
	})
}

func TestStoreMessagesIdempotent(t *testing.T) {
	eachPersister(t, func(t *testing.T, p Persister) {
		msgs := testMessages()
		require.NoError(t, p.StoreMessages("general", msgs))

		msgs[0].Content = "first, edited"
		require.NoError(t, p.StoreMessages("general", msgs))

		got, err := p.GetMessages("general", 0)
		require.NoError(t, err)
		require.Len(t, got, 3, "re-flushing the same identities must not duplicate rows")
		assert.Equal(t, "first, edited", got[2].Content)
	})
}

func TestMessagesScopedByRoom(t *testing.T) {
	eachPersister(t, func(t *testing.T, p Persister) {
		require.NoError(t, p.StoreMessages("general", testMessages()[:2]))
		require.NoError(t, p.StoreMessages("domain:math", []types.Message{
			{Id: "other-1", Username: "carol", Content: "elsewhere", CreatedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
		}))

		got, err := p.GetMessages("general", 0)
		require.NoError(t, err)
		assert.Len(t, got, 2)
		for _, m := range got {
			assert.NotEqual(t, "elsewhere", m.Content)
		}
	})
}

func TestGetMessagesEmptyRoom(t *testing.T) {
	eachPersister(t, func(t *testing.T, p Persister) {
		got, err := p.GetMessages("never-seen", 10)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestRoomMetadataRoundtrip(t *testing.T) {
	eachPersister(t, func(t *testing.T, p Persister) {
		meta := types.JSONStringMap{"nick": "alice", "domain": "math"}
		require.NoError(t, p.StoreRoomMetadata("general", meta))

		got, err := p.GetRoomMetadata("general")
		require.NoError(t, err)
		assert.Equal(t, meta, got)

		// overwrite wins
		require.NoError(t, p.StoreRoomMetadata("general", types.JSONStringMap{"nick": "bob"}))
		got, err = p.GetRoomMetadata("general")
		require.NoError(t, err)
		assert.Equal(t, "bob", got["nick"])
	})
}

func TestGetRoomMetadataMissing(t *testing.T) {
	eachPersister(t, func(t *testing.T, p Persister) {
		_, err := p.GetRoomMetadata("never-seen")
		assert.Error(t, err)
	})
}
