package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/studyloop/studyloop-chat/globals"
)

const (
	maxMessageSize  = 4096
	pongWait        = 2 * time.Minute
	pingPeriod      = time.Minute
	writeWait       = 10 * time.Second
	sendChannelSize = 256
)

// conn wraps one websocket connection for one room. The read and write pumps
// follow the usual gorilla pattern: at most one reader and one writer per
// connection, pings from the write loop, read deadline refreshed on pong.
type conn struct {
	roomID string
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

func writeControlDeadline() time.Time {
	return time.Now().Add(writeWait)
}

func newConn(roomID string, wsConn *websocket.Conn) *conn {
	return &conn{
		roomID: roomID,
		ws:     wsConn,
		send:   make(chan []byte, sendChannelSize),
		done:   make(chan struct{}),
	}
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// readLoop pumps inbound frames into the dispatcher until the connection
// dies, then reports the close to the manager.
func (c *conn) readLoop(m *Manager) {
	defer c.close()
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error { c.ws.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			m.handleDisconnect(c, err)
			return
		}
		m.dispatch(c.roomID, raw)
	}
}

// writeLoop pumps outbound frames from the send channel to the wire and keeps
// the connection alive with pings.
func (c *conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case message := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.ws.NextWriter(websocket.TextMessage)
			if err != nil {
				globals.AppLogger.Debug("could not write to connection, exiting write loop", "room", c.roomID)
				return
			}
			_, _ = w.Write(message)
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				globals.AppLogger.Debug("could not send ping, exiting write loop", "room", c.roomID)
				return
			}

		case <-c.done:
			return
		}
	}
}
