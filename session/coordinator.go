// Package session exposes the consumer-facing contract of the room
// coordinator: join, leave, send, history requests and reactive room-state
// snapshots. One Coordinator instance serves the whole application session;
// the connection registry and the in-flight request cache are instance
// fields, not globals.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/robfig/cron/v3"
	"github.com/studyloop/studyloop-chat/config"
	"github.com/studyloop/studyloop-chat/globals"
	"github.com/studyloop/studyloop-chat/history"
	"github.com/studyloop/studyloop-chat/persistence"
	"github.com/studyloop/studyloop-chat/store"
	"github.com/studyloop/studyloop-chat/types"
	"github.com/studyloop/studyloop-chat/ws"
)

// ErrNotConnected is returned by Send when the room has no open connection.
var ErrNotConnected = ws.ErrNotConnected

const initialHistoryRequestID = "initial"

// Coordinator multiplexes any number of consumers over one connection per
// room. Joining increments the room's refcount and opens the connection on
// the first subscriber; leaving closes it when the last subscriber is gone.
type Coordinator struct {
	cfg       *config.Config
	store     *store.Store
	manager   *ws.Manager
	loader    *history.Loader
	rest      *history.Client
	persister persistence.Persister
	cron      *cron.Cron
	logger    hclog.Logger

	warmMu sync.Mutex
	warmed map[string]struct{}
}

func NewCoordinator(cfg *config.Config) (*Coordinator, error) {
	st := store.NewStore()
	manager, err := ws.NewManager(cfg, st)
	if err != nil {
		return nil, err
	}
	rest, err := history.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	persister, err := persistence.NewPersister(cfg)
	if err != nil {
		return nil, err
	}
	c := &Coordinator{
		cfg:       cfg,
		store:     st,
		manager:   manager,
		loader:    history.NewLoader(cfg, st, rest),
		rest:      rest,
		persister: persister,
		logger:    globals.AppLogger.Named("session"),
		warmed:    make(map[string]struct{}),
	}
	if persister != nil && cfg.PersistenceConfig.FlushSpec != "" {
		c.cron = cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
		if _, err := c.cron.AddFunc(cfg.PersistenceConfig.FlushSpec, c.Flush); err != nil {
			return nil, err
		}
		c.cron.Start()
	}
	return c, nil
}

// Join registers one consumer for a room. The first subscriber opens the
// connection and triggers the initial history load; later subscribers share
// the existing transport, their metadata is merged additively. A failed join
// registers no consumer: the refcount increment is compensated, so the caller
// owes no Leave and a later successful join starts balanced.
func (c *Coordinator) Join(ctx context.Context, roomID string, metadata map[string]string) error {
	snap := c.store.Apply(roomID, store.JoinEvent{Metadata: metadata})
	c.warmFromCache(roomID)

	if !c.manager.Connected(roomID) {
		if err := c.manager.Connect(roomID, snap.Metadata); err != nil {
			c.store.Apply(roomID, store.LeaveEvent{})
			return err
		}
	}

	go func() {
		_, err := c.loader.Load(ctx, roomID, history.Options{
			RequestID:    initialHistoryRequestID,
			SkipIfLoaded: true,
		})
		if err != nil {
			c.logger.Warn("initial history load failed", "room", roomID, "error", err)
		}
	}()
	return nil
}

// Leave unregisters one consumer. When the refcount reaches zero the
// connection is closed; room state is retained for a fast rejoin.
func (c *Coordinator) Leave(roomID string) {
	snap := c.store.Apply(roomID, store.LeaveEvent{})
	if snap.RefCount == 0 {
		c.manager.Close(roomID, websocket.CloseNormalClosure, "all consumers left")
	}
}

// Send transmits one message to the room. It fails fast with ErrNotConnected
// when no open connection exists; there is no offline queueing. The message
// is stamped with timestamp, conversation id and a deterministic id before
// serialization.
func (c *Coordinator) Send(roomID string, msg types.Message) error {
	if !c.manager.Connected(roomID) {
		return ErrNotConnected
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if msg.ConversationId == "" {
		msg.ConversationId = roomID
	}
	if msg.Id == "" {
		if err := msg.CreateId(); err != nil {
			return err
		}
	}
	data, err := json.Marshal(types.OutboundFrame{Type: types.WireEventMessage, Payload: msg})
	if err != nil {
		return err
	}
	return c.manager.Send(roomID, data)
}

// RequestHistory exposes the history loader for manual pagination ("load
// older messages"), independent of the automatic initial load. An empty
// request id gets a generated one, so distinct manual requests are never
// deduplicated against each other.
func (c *Coordinator) RequestHistory(ctx context.Context, roomID string, opts history.Options) ([]types.Message, error) {
	if opts.RequestID == "" {
		opts.RequestID = uuid.New().String()
	}
	return c.loader.Load(ctx, roomID, opts)
}

// Rooms fetches the room directory from the REST collaborator.
func (c *Coordinator) Rooms(ctx context.Context) (*history.Directory, error) {
	return c.rest.FetchChatRooms(ctx)
}

// Room returns a snapshot of the room state.
func (c *Coordinator) Room(roomID string) (types.Room, bool) {
	return c.store.Snapshot(roomID)
}

// Subscribe returns a channel of state snapshots for a room and a cancel
// function. All subscribers of a room observe the same underlying state.
func (c *Coordinator) Subscribe(roomID string) (<-chan types.Room, func()) {
	return c.store.Subscribe(roomID)
}

// Flush writes every room's merged messages and metadata to the local cache.
// Runs on the configured cron schedule and on Close.
func (c *Coordinator) Flush() {
	if c.persister == nil {
		return
	}
	for _, roomID := range c.store.Rooms() {
		snap, ok := c.store.Snapshot(roomID)
		if !ok {
			continue
		}
		if len(snap.Messages) > 0 {
			if err := c.persister.StoreMessages(roomID, snap.Messages); err != nil {
				c.logger.Error("could not flush messages", "room", roomID, "error", err)
			}
		}
		if len(snap.Metadata) > 0 {
			if err := c.persister.StoreRoomMetadata(roomID, snap.Metadata); err != nil {
				c.logger.Error("could not flush metadata", "room", roomID, "error", err)
			}
		}
	}
}

// Close flushes the cache, stops the flush schedule and tears down all
// connections.
func (c *Coordinator) Close() error {
	if c.cron != nil {
		c.cron.Stop()
	}
	c.Flush()
	c.manager.CloseAll()
	if c.persister != nil {
		return c.persister.Close()
	}
	return nil
}

// warmFromCache merges cached messages into the room once per process. The
// history flag stays unset, the network fetch still runs.
func (c *Coordinator) warmFromCache(roomID string) {
	if c.persister == nil {
		return
	}
	c.warmMu.Lock()
	if _, ok := c.warmed[roomID]; ok {
		c.warmMu.Unlock()
		return
	}
	c.warmed[roomID] = struct{}{}
	c.warmMu.Unlock()

	msgs, err := c.persister.GetMessages(roomID, c.cfg.HistoryConfig.PageSize)
	if err != nil {
		c.logger.Debug("no cached messages", "room", roomID, "error", err)
		return
	}
	if len(msgs) > 0 {
		c.store.Apply(roomID, store.CacheLoadedEvent{Messages: msgs})
	}
}
