// Package ws owns the live transport: one websocket connection per room id,
// multiplexed behind the coordinator's reference counting, and the dispatch
// of inbound frames into room state.
package ws

import (
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"sync"

	"github.com/antonmedv/expr/vm"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/studyloop/studyloop-chat/config"
	"github.com/studyloop/studyloop-chat/filter"
	"github.com/studyloop/studyloop-chat/globals"
	"github.com/studyloop/studyloop-chat/store"
	"github.com/studyloop/studyloop-chat/types"
)

// ErrNotConnected is returned by Send when no open connection exists for the
// room. There is no client-side queueing of unsent messages.
var ErrNotConnected = errors.New("no open connection for room")

// Manager keeps at most one live connection per room id. Two consumers
// joining the same room share exactly one transport.
type Manager struct {
	mu      sync.Mutex
	conns   map[string]*conn
	dialing map[string]struct{}
	store   *store.Store
	dialer  *websocket.Dialer
	baseURL string
	inbound *vm.Program
	logger  hclog.Logger
}

func NewManager(cfg *config.Config, st *store.Store) (*Manager, error) {
	prog, err := filter.Compile(cfg.FilterConfig.Inbound)
	if err != nil {
		return nil, err
	}
	return &Manager{
		conns:   make(map[string]*conn),
		dialing: make(map[string]struct{}),
		store:   st,
		dialer:  websocket.DefaultDialer,
		baseURL: cfg.ServerConfig.WebsocketURL,
		inbound: prog,
		logger:  globals.AppLogger.Named("ws"),
	}, nil
}

// Connect opens the connection for a room if none exists (no-op otherwise,
// including while a dial for the room is still in flight). The lock is not
// held across the dial, so a slow endpoint on one room never blocks Send,
// Connected or Close on the others. Join metadata is serialized as query
// parameters and, when non-empty, also sent as a join control frame after
// open; servers tolerate redundant joins.
func (m *Manager) Connect(roomID string, metadata map[string]string) error {
	m.mu.Lock()
	if _, ok := m.conns[roomID]; ok {
		m.mu.Unlock()
		return nil
	}
	if _, ok := m.dialing[roomID]; ok {
		m.mu.Unlock()
		return nil
	}
	m.dialing[roomID] = struct{}{}
	m.mu.Unlock()

	m.store.Apply(roomID, store.ConnectingEvent{})

	endpoint, err := roomURL(m.baseURL, roomID, metadata)
	if err != nil {
		m.abortDial(roomID, err)
		return err
	}
	m.logger.Debug("dialing", "room", roomID, "url", endpoint)
	wsConn, _, err := m.dialer.Dial(endpoint, nil)
	if err != nil {
		m.abortDial(roomID, err)
		return err
	}

	m.mu.Lock()
	if _, ok := m.dialing[roomID]; !ok {
		// a Close raced in while we were dialing, discard the fresh socket
		m.mu.Unlock()
		wsConn.Close()
		return nil
	}
	delete(m.dialing, roomID)
	c := newConn(roomID, wsConn)
	m.conns[roomID] = c
	m.mu.Unlock()
	m.store.Apply(roomID, store.OpenEvent{})

	go c.writeLoop()
	go c.readLoop(m)

	if len(metadata) > 0 {
		joinFrame, err := json.Marshal(types.OutboundFrame{Type: types.WireEventJoin, Payload: metadata})
		if err == nil {
			select {
			case c.send <- joinFrame:
			default:
				m.logger.Warn("could not queue join frame", "room", roomID)
			}
		}
	}
	return nil
}

// abortDial clears the dial marker and records the failure in room state.
func (m *Manager) abortDial(roomID string, err error) {
	m.mu.Lock()
	delete(m.dialing, roomID)
	m.mu.Unlock()
	m.store.Apply(roomID, store.TransportErrorEvent{Err: err.Error()})
}

// Send transmits one serialized frame. It fails fast: ErrNotConnected when no
// connection is registered, an error when the outbound buffer is full.
func (m *Manager) Send(roomID string, data []byte) error {
	m.mu.Lock()
	c, ok := m.conns[roomID]
	m.mu.Unlock()
	if !ok {
		return ErrNotConnected
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errors.New("outbound buffer full")
	}
}

// Connected reports whether a connection is registered for the room.
func (m *Manager) Connected(roomID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.conns[roomID]
	return ok
}

// Close closes the room's connection, best effort: a socket already in a
// terminal state must not raise. The registry entry is always removed; a dial
// still in flight is marked for discard and its room state closed here.
func (m *Manager) Close(roomID string, code int, reason string) {
	m.mu.Lock()
	c, ok := m.conns[roomID]
	delete(m.conns, roomID)
	_, wasDialing := m.dialing[roomID]
	delete(m.dialing, roomID)
	m.mu.Unlock()
	if !ok && !wasDialing {
		return
	}
	if ok {
		deadline := websocket.FormatCloseMessage(code, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, deadline, writeControlDeadline())
		c.close()
	}
	m.store.Apply(roomID, store.ClosedEvent{Clean: code == websocket.CloseNormalClosure, Code: code})
}

// CloseAll tears down every live connection (process shutdown).
func (m *Manager) CloseAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.conns)+len(m.dialing))
	for id := range m.conns {
		ids = append(ids, id)
	}
	for id := range m.dialing {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Close(id, websocket.CloseNormalClosure, "shutting down")
	}
}

// handleDisconnect reacts to a read-loop failure: the registry entry is
// dropped and the close is reflected into room state. A clean close keeps any
// previously recorded error untouched (first error wins).
func (m *Manager) handleDisconnect(c *conn, err error) {
	m.mu.Lock()
	if cur, ok := m.conns[c.roomID]; !ok || cur != c {
		// Close already removed us, state is settled
		m.mu.Unlock()
		return
	}
	delete(m.conns, c.roomID)
	m.mu.Unlock()

	code := websocket.CloseAbnormalClosure
	clean := false
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		code = closeErr.Code
		clean = code == websocket.CloseNormalClosure || code == websocket.CloseGoingAway
	}
	if !clean {
		m.logger.Debug("transport error", "room", c.roomID, "error", err)
		m.store.Apply(c.roomID, store.TransportErrorEvent{Err: err.Error()})
	}
	m.store.Apply(c.roomID, store.ClosedEvent{Clean: clean, Code: code})
}

// roomURL builds the room-scoped endpoint: base path + room id, with the room
// id and all metadata repeated as query parameters.
func roomURL(base, roomID string, metadata map[string]string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + url.PathEscape(roomID)
	q := u.Query()
	q.Set("room", roomID)
	for k, v := range metadata {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
