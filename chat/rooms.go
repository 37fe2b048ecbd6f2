package chat

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/halyard-im/halyard-go/channels"
)

// Rooms is the top-level room registry: at most one live Room per id.
// Concurrent Get calls deduplicate, Get after Release waits for the release
// to finish, and a second Release aborts any Get still queued behind the
// first.
type Rooms struct {
	log             zerolog.Logger
	channels        *channels.Registry
	clientID        string
	retryDelay      time.Duration
	transientWindow time.Duration

	mu        sync.Mutex
	entries   map[string]*roomEntry
	releasing map[string]chan struct{}
}

// roomEntry is the per-id bookkeeping: the (possibly still pending) room,
// the options it was requested with and a nonce for log correlation.
type roomEntry struct {
	nonce   string
	opts    *RoomOptions
	pending bool
	aborted bool
	room    *Room
	err     error
	// done is nil for entries resolved synchronously; otherwise it closes
	// once room/err are final.
	done chan struct{}
}

func newRooms(reg *channels.Registry, clientID string, log zerolog.Logger, retryDelay, transientWindow time.Duration) *Rooms {
	return &Rooms{
		log:             log,
		channels:        reg,
		clientID:        clientID,
		retryDelay:      retryDelay,
		transientWindow: transientWindow,
		entries:         make(map[string]*roomEntry),
		releasing:       make(map[string]chan struct{}),
	}
}

// Get returns the room for id, creating it if needed. A second Get with
// equal options returns the same Room; different options are a conflict,
// never a merge. If a release for id is still running, the new room is
// created only after it completes.
func (r *Rooms) Get(ctx context.Context, id string, opts *RoomOptions) (*Room, error) {
	r.mu.Lock()
	if e, ok := r.entries[id]; ok {
		if !equalRoomOptions(e.opts, opts) {
			r.mu.Unlock()
			return nil, newError(CodeRoomOptionsConflict,
				"room %q already requested with different options", id)
		}
		r.mu.Unlock()
		return r.awaitEntry(ctx, e)
	}

	relDone, releasePending := r.releasing[id]
	if !releasePending {
		room, err := newRoom(id, opts, r.clientID, r.channels, r.log, r.retryDelay, r.transientWindow)
		if err != nil {
			r.mu.Unlock()
			return nil, err
		}
		e := &roomEntry{nonce: uuid.NewString(), opts: opts, room: room}
		r.entries[id] = e
		r.mu.Unlock()
		r.log.Debug().Str("module", "chat").Str("room", id).Str("nonce", e.nonce).Msg("room created")
		return room, nil
	}

	// A release for this id is still running; queue the construction
	// behind it.
	e := &roomEntry{
		nonce:   uuid.NewString(),
		opts:    opts,
		pending: true,
		done:    make(chan struct{}),
	}
	r.entries[id] = e
	r.mu.Unlock()
	r.log.Debug().Str("module", "chat").Str("room", id).Str("nonce", e.nonce).Msg("get queued behind release")

	go r.resolveAfterRelease(id, e, relDone)
	return r.awaitEntry(ctx, e)
}

// Release tears down the room for id and forgets it. No-op when nothing is
// registered; joins an in-flight release instead of starting a second one;
// aborts a Get still queued behind a prior release.
func (r *Rooms) Release(ctx context.Context, id string) error {
	r.mu.Lock()
	e, hasEntry := r.entries[id]
	relDone, releasePending := r.releasing[id]

	if !hasEntry {
		r.mu.Unlock()
		if !releasePending {
			return nil
		}
		return waitClosed(ctx, relDone)
	}

	if e.pending {
		// Abort the queued get; this caller rides on the prior release.
		delete(r.entries, id)
		e.aborted = true
		e.pending = false
		e.err = newError(CodeRoomReleasedBeforeOperation,
			"room %q was released before the pending get could complete", id)
		close(e.done)
		r.mu.Unlock()
		r.log.Debug().Str("module", "chat").Str("room", id).Str("nonce", e.nonce).Msg("pending get aborted by release")
		if relDone == nil {
			return nil
		}
		return waitClosed(ctx, relDone)
	}

	// Real release: hide the room immediately so concurrent Gets queue
	// behind us instead of finding a half-dead room.
	delete(r.entries, id)
	done := make(chan struct{})
	r.releasing[id] = done
	room := e.room
	r.mu.Unlock()
	r.log.Debug().Str("module", "chat").Str("room", id).Str("nonce", e.nonce).Msg("room release started")

	err := room.Release(ctx)

	r.mu.Lock()
	delete(r.releasing, id)
	r.mu.Unlock()
	close(done)
	r.log.Debug().Str("module", "chat").Str("room", id).Msg("room release finished")
	return err
}

func (r *Rooms) awaitEntry(ctx context.Context, e *roomEntry) (*Room, error) {
	if e.done != nil {
		select {
		case <-e.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return e.room, e.err
}

func (r *Rooms) resolveAfterRelease(id string, e *roomEntry, relDone chan struct{}) {
	<-relDone
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.aborted {
		return
	}
	e.room, e.err = newRoom(id, e.opts, r.clientID, r.channels, r.log, r.retryDelay, r.transientWindow)
	e.pending = false
	close(e.done)
	r.log.Debug().Str("module", "chat").Str("room", id).Str("nonce", e.nonce).Msg("queued get resolved")
}

func waitClosed(ctx context.Context, ch chan struct{}) error {
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
