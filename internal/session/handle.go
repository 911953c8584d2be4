package session

import (
	"sync"
	"time"

	"dynamon/internal/target"

	"github.com/google/uuid"
)

// State is the lifecycle state of a detached session.
type State string

const (
	StateAttaching State = "attaching"
	StateAttached  State = "attached"
	StateEnded     State = "ended"
	StateFailed    State = "failed"
)

// Handle tracks one detached attach. It carries no way to steer the
// session; it only reports what happened to it.
type Handle struct {
	ID      string
	Target  target.Target
	Started time.Time

	mu    sync.Mutex
	state State
	err   error
	done  chan struct{}
}

func newHandle(t target.Target) *Handle {
	return &Handle{
		ID:      uuid.NewString(),
		Target:  t,
		Started: time.Now(),
		state:   StateAttaching,
		done:    make(chan struct{}),
	}
}

// State returns the current state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Err returns the error that ended the session, if any.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Done is closed once the session has ended.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) ended() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *Handle) attached() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateAttaching {
		h.state = StateAttached
	}
}

func (h *Handle) finish(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.done:
		return
	default:
	}
	h.err = err
	if err != nil {
		h.state = StateFailed
	} else {
		h.state = StateEnded
	}
	close(h.done)
}
