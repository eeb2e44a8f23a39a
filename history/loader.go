package history

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/hashstructure/v2"
	"github.com/studyloop/studyloop-chat/config"
	"github.com/studyloop/studyloop-chat/globals"
	"github.com/studyloop/studyloop-chat/normalize"
	"github.com/studyloop/studyloop-chat/store"
	"github.com/studyloop/studyloop-chat/types"
)

// Options controls one history fetch. RequestID plus Params form the dedup
// key together with the room id; SkipIfLoaded turns the call into a no-op
// when at least one page was already merged for the room.
type Options struct {
	RequestID    string
	Params       map[string]string
	SkipIfLoaded bool
}

type inflight struct {
	done     chan struct{}
	messages []types.Message
	err      error
}

// Loader fetches history pages, normalizes and merges them into room state,
// and deduplicates concurrent identical requests: a second caller for the
// same (room, request id, params) attaches to the first caller's completion
// instead of issuing another network call.
type Loader struct {
	mu       sync.Mutex
	requests map[uint64]*inflight
	store    *store.Store
	client   *Client
	pageSize int
	logger   hclog.Logger
}

func NewLoader(cfg *config.Config, st *store.Store, client *Client) *Loader {
	return &Loader{
		requests: make(map[uint64]*inflight),
		store:    st,
		client:   client,
		pageSize: cfg.HistoryConfig.PageSize,
		logger:   globals.AppLogger.Named("history"),
	}
}

// Load fetches one page of history for a room. On success the page is
// normalized, merged into the room and the room's history flag is set. On
// failure the error is recorded in room state only when the room was still in
// its initial loading phase, and returned either way. A nil, nil return means
// the fetch was skipped because history was already loaded.
func (l *Loader) Load(ctx context.Context, roomID string, opts Options) ([]types.Message, error) {
	if opts.SkipIfLoaded {
		if snap, ok := l.store.Snapshot(roomID); ok && snap.HasHistory {
			l.logger.Debug("history already loaded, skipping", "room", roomID)
			return nil, nil
		}
	}

	key, err := requestKey(roomID, opts)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	if f, ok := l.requests[key]; ok {
		l.mu.Unlock()
		select {
		case <-f.done:
			return f.messages, f.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f := &inflight{done: make(chan struct{})}
	l.requests[key] = f
	l.mu.Unlock()

	// the cache entry is dropped before completion is signalled, so a retry
	// after failure is never blocked by a stale entry
	defer func() {
		l.mu.Lock()
		delete(l.requests, key)
		l.mu.Unlock()
		close(f.done)
	}()

	l.store.Apply(roomID, store.HistoryStartedEvent{})

	params := make(map[string]string, len(opts.Params)+1)
	if _, ok := opts.Params["limit"]; !ok {
		params["limit"] = strconv.Itoa(l.pageSize)
	}
	for k, v := range opts.Params {
		params[k] = v
	}

	raw, err := l.client.FetchChatHistory(ctx, roomID, params)
	if err != nil {
		f.err = fmt.Errorf("could not fetch history for room %s: %w", roomID, err)
		l.store.Apply(roomID, store.HistoryFailedEvent{Err: f.err.Error()})
		return nil, f.err
	}

	msgs := normalize.Messages(raw)
	l.store.Apply(roomID, store.HistoryLoadedEvent{Messages: msgs})
	l.logger.Debug("history page merged", "room", roomID, "count", len(msgs))
	f.messages = msgs
	return msgs, nil
}

func requestKey(roomID string, opts Options) (uint64, error) {
	return hashstructure.Hash(struct {
		Room      string
		RequestID string
		Params    map[string]string
	}{roomID, opts.RequestID, opts.Params}, hashstructure.FormatV2, nil)
}
