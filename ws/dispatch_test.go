package ws

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/studyloop/studyloop-chat/config"
	"github.com/studyloop/studyloop-chat/normalize"
	"github.com/studyloop/studyloop-chat/store"
	"github.com/studyloop/studyloop-chat/types"
)

func newTestManager(t *testing.T, cfg *config.Config) (*Manager, *store.Store) {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{}
	}
	st := store.NewStore()
	m, err := NewManager(cfg, st)
	require.NoError(t, err)
	return m, st
}

func TestDispatchSingleMessage(t *testing.T) {
	m, st := newTestManager(t, nil)
	m.dispatch("general", []byte(`{"type":"message","payload":{"content":"hi","username":"alice"}}`))
	snap, ok := st.Snapshot("general")
	require.True(t, ok)
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "alice", snap.Messages[0].Username)
	assert.Equal(t, "hi", snap.Messages[0].Content)
}

func TestDispatchTolerantTypeMatching(t *testing.T) {
	for _, typ := range []string{"message", "chat.message", "room:message", "v1/chat/message", "MESSAGE"} {
		m, st := newTestManager(t, nil)
		m.dispatch("general", []byte(`{"type":"`+typ+`","payload":{"content":"hi","username":"alice"}}`))
		snap, _ := st.Snapshot("general")
		assert.Len(t, snap.Messages, 1, typ)
	}
}

func TestDispatchBulkCollection(t *testing.T) {
	m, st := newTestManager(t, nil)
	m.dispatch("general", []byte(`{"messages":[{"content":"a","username":"u1"},{"content":"b","username":"u2"}]}`))
	snap, _ := st.Snapshot("general")
	assert.Len(t, snap.Messages, 2)
	assert.True(t, snap.HasHistory)
}

func TestDispatchHistoryEvent(t *testing.T) {
	m, st := newTestManager(t, nil)
	m.dispatch("general", []byte(`{"type":"history","payload":{"messages":[{"content":"old","username":"u"}]}}`))
	snap, _ := st.Snapshot("general")
	require.Len(t, snap.Messages, 1)
	assert.True(t, snap.HasHistory)

	// history payload as a bare array
	m.dispatch("general", []byte(`{"type":"history","payload":[{"content":"older","username":"u2"}]}`))
	snap, _ = st.Snapshot("general")
	assert.Len(t, snap.Messages, 2)
}

func TestDispatchPresence(t *testing.T) {
	m, st := newTestManager(t, nil)
	m.dispatch("general", []byte(`{"type":"users","payload":{"users":[{"username":"alice"},{"username":"bob"}]}}`))
	snap, _ := st.Snapshot("general")
	assert.Len(t, snap.ActiveUsers, 2)

	// presence is a snapshot, not a delta
	m.dispatch("general", []byte(`{"type":"users","payload":{"users":[{"username":"bob"}]}}`))
	snap, _ = st.Snapshot("general")
	assert.Len(t, snap.ActiveUsers, 1)
}

func TestDispatchImplicitPresence(t *testing.T) {
	m, st := newTestManager(t, nil)
	m.dispatch("general", []byte(`{"payload":{"participants":[{"username":"eve"}]}}`))
	snap, _ := st.Snapshot("general")
	require.Len(t, snap.ActiveUsers, 1)
	_, ok := snap.ActiveUsers["eve"]
	assert.True(t, ok)
}

func TestDispatchMetadata(t *testing.T) {
	m, st := newTestManager(t, nil)
	m.dispatch("general", []byte(`{"type":"metadata","payload":{"domain":"math","limit":5}}`))
	snap, _ := st.Snapshot("general")
	assert.Equal(t, "math", snap.Metadata["domain"])
	assert.Equal(t, "5", snap.Metadata["limit"])
}

func TestDispatchError(t *testing.T) {
	m, st := newTestManager(t, nil)
	m.dispatch("general", []byte(`{"type":"error","payload":{"message":"room is locked"}}`))
	snap, _ := st.Snapshot("general")
	assert.Equal(t, types.RoomStatusError, snap.Status)
	assert.Equal(t, "room is locked", snap.Error)
}

func TestDispatchSystemMessage(t *testing.T) {
	m, st := newTestManager(t, nil)
	m.dispatch("general", []byte(`{"type":"system","payload":{"text":"maintenance at noon"}}`))
	snap, _ := st.Snapshot("general")
	require.Len(t, snap.Messages, 1)
	assert.True(t, snap.Messages[0].System)
	assert.Equal(t, normalize.SystemName, snap.Messages[0].Username)
}

func TestDispatchFallbackContent(t *testing.T) {
	m, st := newTestManager(t, nil)
	m.dispatch("general", []byte(`{"type":"something.new","content":"still a message","username":"alice"}`))
	snap, _ := st.Snapshot("general")
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "still a message", snap.Messages[0].Content)
}

func TestDispatchFallbackContentInPayload(t *testing.T) {
	m, st := newTestManager(t, nil)
	m.dispatch("general", []byte(`{"type":"note.new","payload":{"content":"hi","username":"alice"}}`))
	snap, ok := st.Snapshot("general")
	require.True(t, ok)
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "hi", snap.Messages[0].Content)
	assert.Equal(t, "alice", snap.Messages[0].Username)
}

func TestDispatchUntaggedContent(t *testing.T) {
	m, st := newTestManager(t, nil)
	m.dispatch("general", []byte(`{"content":"hello","username":"alice"}`))
	snap, _ := st.Snapshot("general")
	assert.Len(t, snap.Messages, 1)
}

func TestDispatchMalformedFramesDropped(t *testing.T) {
	m, st := newTestManager(t, nil)
	m.dispatch("general", []byte(`{not json`))
	m.dispatch("general", []byte(`42`))
	m.dispatch("general", []byte(`[1,2,3]`))
	m.dispatch("general", []byte(`{"type":"unknown","payload":{"foo":"bar"}}`))
	_, ok := st.Snapshot("general")
	assert.False(t, ok, "malformed frames must not create room state")
}

func TestDispatchDoubleEncodedFrame(t *testing.T) {
	m, st := newTestManager(t, nil)
	m.dispatch("general", []byte(`"{\"type\":\"message\",\"payload\":{\"content\":\"hi\",\"username\":\"alice\"}}"`))
	snap, _ := st.Snapshot("general")
	assert.Len(t, snap.Messages, 1)
}

func TestDispatchClearsHistoryFetchFlag(t *testing.T) {
	m, st := newTestManager(t, nil)
	st.Apply("general", store.HistoryStartedEvent{})
	m.dispatch("general", []byte(`{"type":"message","payload":{"content":"hi","username":"alice"}}`))
	snap, _ := st.Snapshot("general")
	assert.False(t, snap.IsFetchingHistory)
	assert.Equal(t, types.RoomStatusIdle, snap.Status)
}

func TestDispatchInboundFilter(t *testing.T) {
	cfg := &config.Config{}
	cfg.FilterConfig.Inbound = `Username != "spammer"`
	m, st := newTestManager(t, cfg)
	m.dispatch("general", []byte(`{"type":"message","payload":{"content":"buy now","username":"spammer"}}`))
	m.dispatch("general", []byte(`{"type":"message","payload":{"content":"hi","username":"alice"}}`))
	snap, _ := st.Snapshot("general")
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "alice", snap.Messages[0].Username)
}

func TestDispatchDedupAcrossHistoryAndLive(t *testing.T) {
	m, st := newTestManager(t, nil)
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC).Format(time.RFC3339)
	live := []byte(`{"type":"message","payload":{"id":"m1","content":"hi","username":"alice","created_at":"` + at + `"}}`)
	bulk := []byte(`{"messages":[{"id":"m1","content":"hi","username":"alice","created_at":"` + at + `"}]}`)
	m.dispatch("general", live)
	m.dispatch("general", bulk)
	m.dispatch("general", live)
	snap, _ := st.Snapshot("general")
	assert.Len(t, snap.Messages, 1)
}
