package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyloop/studyloop-chat/config"
	"github.com/studyloop/studyloop-chat/history"
	"github.com/studyloop/studyloop-chat/types"
)

// chatBackend fakes the whole server side: the room websocket endpoint, the
// history endpoint and the room directory.
type chatBackend struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string][]*websocket.Conn

	rejectNext   int64 // handshakes to refuse before accepting again
	historyBody  string
	historyCalls int64

	frames    chan []byte
	connected chan string
}

func newChatBackend(t *testing.T) *chatBackend {
	b := &chatBackend{
		t:           t,
		conns:       make(map[string][]*websocket.Conn),
		historyBody: `[]`,
		frames:      make(chan []byte, 16),
		connected:   make(chan string, 16),
	}
	router := mux.NewRouter()
	router.HandleFunc("/chat/{room}", b.handleRoom)
	router.HandleFunc("/history", b.handleHistory).Methods(http.MethodGet)
	router.HandleFunc("/rooms", b.handleRooms).Methods(http.MethodGet)
	b.srv = httptest.NewServer(router)
	t.Cleanup(b.srv.Close)
	return b
}

func (b *chatBackend) handleRoom(w http.ResponseWriter, r *http.Request) {
	room := mux.Vars(r)["room"]
	if atomic.LoadInt64(&b.rejectNext) > 0 {
		atomic.AddInt64(&b.rejectNext, -1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	c, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	b.mu.Lock()
	b.conns[room] = append(b.conns[room], c)
	b.mu.Unlock()
	b.connected <- room
	go func() {
		for {
			_, raw, err := c.ReadMessage()
			if err != nil {
				return
			}
			b.frames <- raw
		}
	}()
}

func (b *chatBackend) handleHistory(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&b.historyCalls, 1)
	_, _ = w.Write([]byte(b.historyBody))
}

func (b *chatBackend) handleRooms(w http.ResponseWriter, r *http.Request) {
	_, _ = w.Write([]byte(`{"general":{"id":"general","name":"General"},"domains":[{"id":"domain:math","domain":"math"}]}`))
}

func (b *chatBackend) config() *config.Config {
	cfg := &config.Config{}
	cfg.ServerConfig.WebsocketURL = "ws" + strings.TrimPrefix(b.srv.URL, "http") + "/chat"
	cfg.ServerConfig.HistoryURL = b.srv.URL + "/history"
	cfg.ServerConfig.RoomsURL = b.srv.URL + "/rooms"
	cfg.HistoryConfig.PageSize = 50
	return cfg
}

func (b *chatBackend) connCount(room string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns[room])
}

func (b *chatBackend) push(room string, data string) {
	b.mu.Lock()
	conns := b.conns[room]
	b.mu.Unlock()
	require.NotEmpty(b.t, conns)
	err := conns[len(conns)-1].WriteMessage(websocket.TextMessage, []byte(data))
	require.NoError(b.t, err)
}

func newTestCoordinator(t *testing.T, cfg *config.Config) *Coordinator {
	c, err := NewCoordinator(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestSendOnNeverJoinedRoom(t *testing.T) {
	b := newChatBackend(t)
	c := newTestCoordinator(t, b.config())

	err := c.Send("never-joined", types.Message{Username: "alice", Content: "hi"})
	assert.ErrorIs(t, err, ErrNotConnected)
	_, ok := c.Room("never-joined")
	assert.False(t, ok, "a failed send leaves no room state behind")
}

func TestJoinConnectsAndLoadsHistory(t *testing.T) {
	b := newChatBackend(t)
	b.historyBody = `{"messages":[{"content":"older","username":"bob","created_at":"2024-03-01T10:00:00Z"}]}`
	c := newTestCoordinator(t, b.config())

	require.NoError(t, c.Join(context.Background(), "general", map[string]string{"nick": "alice"}))
	<-b.connected

	assert.Eventually(t, func() bool {
		snap, ok := c.Room("general")
		return ok && snap.HasHistory && len(snap.Messages) == 1
	}, 2*time.Second, 10*time.Millisecond)

	snap, _ := c.Room("general")
	assert.Equal(t, types.RoomStatusConnected, snap.Status)
	assert.Equal(t, 1, snap.RefCount)
	assert.Equal(t, "alice", snap.Metadata["nick"])
}

func TestInboundMessageObservedBySubscriber(t *testing.T) {
	b := newChatBackend(t)
	c := newTestCoordinator(t, b.config())

	updates, cancel := c.Subscribe("general")
	defer cancel()

	require.NoError(t, c.Join(context.Background(), "general", nil))
	<-b.connected
	b.push("general", `{"type":"message","payload":{"content":"what is a derivative?","username":"student-1"}}`)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap := <-updates:
			if len(snap.Messages) == 1 && snap.Messages[0].Content == "what is a derivative?" {
				return
			}
		case <-deadline:
			t.Fatal("message never reached the subscriber")
		}
	}
}

func TestTwoConsumersShareOneConnection(t *testing.T) {
	b := newChatBackend(t)
	c := newTestCoordinator(t, b.config())

	require.NoError(t, c.Join(context.Background(), "general", nil))
	<-b.connected
	require.NoError(t, c.Join(context.Background(), "general", nil))

	assert.Equal(t, 1, b.connCount("general"))
	snap, _ := c.Room("general")
	assert.Equal(t, 2, snap.RefCount)

	// first leave keeps the shared connection alive
	c.Leave("general")
	snap, _ = c.Room("general")
	assert.Equal(t, 1, snap.RefCount)
	assert.Equal(t, types.RoomStatusConnected, snap.Status)

	// last leave closes it and settles the room back to idle
	c.Leave("general")
	snap, _ = c.Room("general")
	assert.Equal(t, 0, snap.RefCount)
	assert.Equal(t, types.RoomStatusIdle, snap.Status)
}

func TestFailedJoinLeavesNoPhantomConsumer(t *testing.T) {
	b := newChatBackend(t)
	atomic.StoreInt64(&b.rejectNext, 1)
	c := newTestCoordinator(t, b.config())

	err := c.Join(context.Background(), "general", nil)
	require.Error(t, err)
	snap, ok := c.Room("general")
	require.True(t, ok)
	assert.Equal(t, 0, snap.RefCount, "a failed join registers no consumer")

	// retry succeeds and the refcount starts balanced
	require.NoError(t, c.Join(context.Background(), "general", nil))
	<-b.connected
	snap, _ = c.Room("general")
	assert.Equal(t, 1, snap.RefCount)
	assert.Equal(t, types.RoomStatusConnected, snap.Status)

	// one leave now closes the connection
	c.Leave("general")
	snap, _ = c.Room("general")
	assert.Equal(t, 0, snap.RefCount)
	assert.Equal(t, types.RoomStatusIdle, snap.Status)
	err = c.Send("general", types.Message{Username: "alice", Content: "hi"})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestMessagesRetainedAfterLastLeave(t *testing.T) {
	b := newChatBackend(t)
	c := newTestCoordinator(t, b.config())

	require.NoError(t, c.Join(context.Background(), "general", nil))
	<-b.connected
	b.push("general", `{"type":"message","payload":{"content":"hello","username":"alice"}}`)
	assert.Eventually(t, func() bool {
		snap, _ := c.Room("general")
		return len(snap.Messages) == 1
	}, 2*time.Second, 10*time.Millisecond)

	c.Leave("general")
	snap, _ := c.Room("general")
	assert.Len(t, snap.Messages, 1, "room state survives for a fast rejoin")
}

func TestRejoinSkipsHistoryReload(t *testing.T) {
	b := newChatBackend(t)
	b.historyBody = `[{"content":"older","username":"bob"}]`
	c := newTestCoordinator(t, b.config())

	require.NoError(t, c.Join(context.Background(), "general", nil))
	<-b.connected
	assert.Eventually(t, func() bool {
		snap, _ := c.Room("general")
		return snap.HasHistory
	}, 2*time.Second, 10*time.Millisecond)

	c.Leave("general")
	require.NoError(t, c.Join(context.Background(), "general", nil))
	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt64(&b.historyCalls), "history is fetched once per room")
}

func TestSendStampsMessage(t *testing.T) {
	b := newChatBackend(t)
	c := newTestCoordinator(t, b.config())

	require.NoError(t, c.Join(context.Background(), "general", nil))
	<-b.connected
	require.NoError(t, c.Send("general", types.Message{Username: "alice", Content: "hello"}))

	select {
	case raw := <-b.frames:
		var frame struct {
			Type    string        `json:"type"`
			Payload types.Message `json:"payload"`
		}
		require.NoError(t, json.Unmarshal(raw, &frame))
		assert.Equal(t, types.WireEventMessage, frame.Type)
		assert.Equal(t, "hello", frame.Payload.Content)
		assert.Equal(t, "general", frame.Payload.ConversationId)
		assert.NotEmpty(t, frame.Payload.Id)
		assert.False(t, frame.Payload.CreatedAt.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("frame never reached the server")
	}
}

func TestManualHistoryRequestsNotDeduplicated(t *testing.T) {
	b := newChatBackend(t)
	b.historyBody = `[]`
	c := newTestCoordinator(t, b.config())

	_, err := c.RequestHistory(context.Background(), "general", history.Options{})
	require.NoError(t, err)
	_, err = c.RequestHistory(context.Background(), "general", history.Options{})
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt64(&b.historyCalls), "each manual request gets a fresh id")
}

func TestRoomsDirectory(t *testing.T) {
	b := newChatBackend(t)
	c := newTestCoordinator(t, b.config())

	dir, err := c.Rooms(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "general", dir.General.Id)
	require.Len(t, dir.Domains, 1)
	assert.Equal(t, "domain:math", dir.Domains[0].Id)
}

func TestFlushAndWarmFromCache(t *testing.T) {
	b := newChatBackend(t)
	dsn := filepath.Join(t.TempDir(), "cache.db")

	cfg := b.config()
	cfg.PersistenceConfig.Type = "buntdb"
	cfg.PersistenceConfig.DSN = dsn

	first, err := NewCoordinator(cfg)
	require.NoError(t, err)
	require.NoError(t, first.Join(context.Background(), "general", nil))
	<-b.connected
	b.push("general", `{"type":"message","payload":{"content":"remember me","username":"alice","id":"m-1"}}`)
	assert.Eventually(t, func() bool {
		snap, _ := first.Room("general")
		return len(snap.Messages) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, first.Close())

	second := newTestCoordinator(t, cfg)
	require.NoError(t, second.Join(context.Background(), "general", nil))
	<-b.connected

	assert.Eventually(t, func() bool {
		snap, ok := second.Room("general")
		if !ok {
			return false
		}
		for _, m := range snap.Messages {
			if m.Id == "m-1" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "cached messages are warmed into a fresh session")
}
