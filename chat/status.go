package chat

import "sync"

// RoomStatus is the aggregate lifecycle state of a room.
type RoomStatus int

const (
	RoomInitialized RoomStatus = iota
	RoomAttaching
	RoomAttached
	RoomDetaching
	RoomDetached
	RoomSuspended
	RoomFailed
	RoomReleasing
	RoomReleased
)

func (s RoomStatus) String() string {
	switch s {
	case RoomInitialized:
		return "initialized"
	case RoomAttaching:
		return "attaching"
	case RoomAttached:
		return "attached"
	case RoomDetaching:
		return "detaching"
	case RoomDetached:
		return "detached"
	case RoomSuspended:
		return "suspended"
	case RoomFailed:
		return "failed"
	case RoomReleasing:
		return "releasing"
	case RoomReleased:
		return "released"
	default:
		return "unknown"
	}
}

// StatusChange is delivered to room status listeners.
type StatusChange struct {
	Current  RoomStatus
	Previous RoomStatus
	Err      error
}

// statusMonitor holds a room's current status and last error. The lifecycle
// coordinator is its sole mutator. Public listeners and internal one-shot
// waits are kept in separate sets so OffAll never cancels an internal wait.
type statusMonitor struct {
	mu       sync.Mutex
	current  RoomStatus
	err      error
	nextID   int
	public   map[int]func(StatusChange)
	internal map[int]*statusWait
}

type statusWait struct {
	states []RoomStatus
	ch     chan StatusChange
}

func newStatusMonitor() *statusMonitor {
	return &statusMonitor{
		current:  RoomInitialized,
		public:   make(map[int]func(StatusChange)),
		internal: make(map[int]*statusWait),
	}
}

func (m *statusMonitor) Current() RoomStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *statusMonitor) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// set applies a status transition and fans it out. Transitions into the
// status already current with the same error are dropped, so listeners never
// see duplicate consecutive changes.
func (m *statusMonitor) set(status RoomStatus, err error) {
	m.mu.Lock()
	if status == m.current && err == m.err {
		m.mu.Unlock()
		return
	}
	change := StatusChange{Current: status, Previous: m.current, Err: err}
	m.current = status
	m.err = err

	listeners := make([]func(StatusChange), 0, len(m.public))
	for _, fn := range m.public {
		listeners = append(listeners, fn)
	}
	for id, w := range m.internal {
		if containsStatus(w.states, status) {
			w.ch <- change
			delete(m.internal, id)
		}
	}
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(change)
	}
}

// subscribe registers a public listener and returns its disposer.
func (m *statusMonitor) subscribe(fn func(StatusChange)) (off func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.public[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.public, id)
	}
}

// offAll removes every public listener. Internal waits are untouched.
func (m *statusMonitor) offAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.public = make(map[int]func(StatusChange))
}

// waitFor returns a one-shot channel that receives the first transition into
// any of states. The buffer is 1 so set never blocks on a slow waiter.
func (m *statusMonitor) waitFor(states ...RoomStatus) <-chan StatusChange {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := &statusWait{states: states, ch: make(chan StatusChange, 1)}
	id := m.nextID
	m.nextID++
	m.internal[id] = w
	return w.ch
}

func containsStatus(states []RoomStatus, s RoomStatus) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}
