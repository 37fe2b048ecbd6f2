// Package channels deduplicates transport channel handles by name and
// collects per-feature channel option requirements before a channel is
// first handed out. Options freeze at the first Get: features may declare
// what they need in any order, but never reconfigure a channel mid-flight.
package channels

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/halyard-im/halyard-go/transport"
)

// ErrAlreadyRequested is returned by MergeOptions once the channel has been
// handed out and its options are frozen.
var ErrAlreadyRequested = errors.New("channel already requested, options are frozen")

type entry struct {
	opts      *transport.ChannelOptions
	requested bool
	ch        transport.Channel
}

// Registry caches channel handles by name on top of a transport.Conn.
type Registry struct {
	log  zerolog.Logger
	conn transport.Conn

	mu      sync.Mutex
	entries map[string]*entry
}

func New(conn transport.Conn, log zerolog.Logger) *Registry {
	return &Registry{
		log:     log,
		conn:    conn,
		entries: make(map[string]*entry),
	}
}

// MergeOptions composes merge onto the options registered for name so far.
// Fails with ErrAlreadyRequested after the channel has been handed out.
func (r *Registry) MergeOptions(name string, merge func(*transport.ChannelOptions)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entry(name)
	if e.requested {
		return ErrAlreadyRequested
	}
	merge(e.opts)
	return nil
}

// Get returns the channel for name, creating it with the merged options on
// first call. Repeated calls return the same handle.
func (r *Registry) Get(name string) transport.Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entry(name)
	if !e.requested {
		e.requested = true
		e.ch = r.conn.Channel(name, e.opts)
		r.log.Debug().Str("module", "channels").Str("channel", name).Msg("channel requested")
	}
	return e.ch
}

// Release unmarks the channel, drops its stored options and releases the
// underlying transport resource. Must be called at most once per feature
// lifetime; a later Get starts from blank options.
func (r *Registry) Release(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; !ok {
		return
	}
	delete(r.entries, name)
	r.conn.ReleaseChannel(name)
	r.log.Debug().Str("module", "channels").Str("channel", name).Msg("channel released")
}

// entry must be called with the registry mutex held.
func (r *Registry) entry(name string) *entry {
	e, ok := r.entries[name]
	if !ok {
		e = &entry{opts: &transport.ChannelOptions{}}
		r.entries[name] = e
	}
	return e
}
