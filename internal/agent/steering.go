package agent

import (
	"context"
	"sync"
)

// SteeringBus is the per-session keyed registry from the design: each
// session gets a single active loop at a time, guarded by a per-session
// lock, plus a buffered channel callers can use to inject a message
// that the loop drains at its next iteration boundary.
type SteeringBus struct {
	mu sync.Mutex
	locks map[string]*sync.Mutex
	running map[string]bool
	chans map[string]chan string
}

func NewSteeringBus() *SteeringBus {
	return &SteeringBus{
		locks: make(map[string]*sync.Mutex),
		running: make(map[string]bool),
		chans: make(map[string]chan string),
	}
}

func (b *SteeringBus) lockFor(sessionID string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		b.locks[sessionID] = l
	}
	return l
}

func (b *SteeringBus) channelFor(sessionID string) chan string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.chans[sessionID]
	if !ok {
		ch = make(chan string, 16)
		b.chans[sessionID] = ch
	}
	return ch
}

// TryAcquire claims the session's loop slot. It returns false if a loop
// is already running for this session, "at most one
// active loop per session"; the caller should route the message into
// Steer instead of starting a second loop.
func (b *SteeringBus) TryAcquire(sessionID string) (release func(), ok bool) {
	lock := b.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	b.mu.Lock()
	if b.running[sessionID] {
		b.mu.Unlock()
		return nil, false
	}
	b.running[sessionID] = true
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		b.running[sessionID] = false
		b.mu.Unlock()
	}, true
}

// IsRunning reports whether a loop currently holds the session's slot.
func (b *SteeringBus) IsRunning(sessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running[sessionID]
}

// Steer enqueues a message for the session's running loop to pick up at
// its next iteration boundary. It never blocks: a full buffer drops the
// oldest pending message, since steering messages supersede rather than
// queue indefinitely.
func (b *SteeringBus) Steer(sessionID, message string) {
	ch := b.channelFor(sessionID)
	select {
	case ch <- message:
	default:
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- message:
		default:
		}
	}
}

// DrainSteering returns every message enqueued for sessionID since the
// last drain, without blocking. The loop calls this strictly between
// iterations, never mid-iteration, ordering invariant.
func (b *SteeringBus) DrainSteering(sessionID string) []string {
	ch := b.channelFor(sessionID)
	var out []string
	for {
		select {
		case m := <-ch:
			out = append(out, m)
		default:
			return out
		}
	}
}

// WaitSteering blocks for one steering message or until ctx is done,
// used by a paused/idle loop waiting for external input.
func (b *SteeringBus) WaitSteering(ctx context.Context, sessionID string) (string, bool) {
	ch := b.channelFor(sessionID)
	select {
	case m := <-ch:
		return m, true
	case <-ctx.Done():
		return "", false
	}
}
