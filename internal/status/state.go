package status

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/wabridge/internal/bus"
	"github.com/matheus3301/wabridge/internal/failure"
)

// State represents a messaging session state.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Initializing State = "INITIALIZING"
	PairingReady State = "PAIRING_READY"
	Ready        State = "READY"
	Error        State = "ERROR"
)

// validTransitions defines allowed state transitions. PairingReady may
// re-enter itself when the network rotates the QR code.
var validTransitions = map[State][]State{
	Disconnected: {Initializing},
	Initializing: {PairingReady, Ready, Error, Disconnected},
	PairingReady: {PairingReady, Ready, Error, Disconnected},
	Ready:        {Error, Disconnected},
	Error:        {Initializing, Disconnected},
}

// Snapshot is a consistent copy of a session's externally visible state.
type Snapshot struct {
	UserID         string
	State          State
	PairingPayload string
	Identity       string
	LastError      string
	ErrorKind      failure.Kind
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Option amends the snapshot produced by a transition.
type Option func(*Snapshot)

// WithPairingPayload attaches the pairing payload (only kept in PairingReady).
func WithPairingPayload(payload string) Option {
	return func(s *Snapshot) { s.PairingPayload = payload }
}

// WithIdentity records the paired account identity.
func WithIdentity(identity string) Option {
	return func(s *Snapshot) { s.Identity = identity }
}

// WithError records the reason for entering Error.
func WithError(err error) Option {
	return func(s *Snapshot) {
		s.LastError = failure.Reason(err)
		s.ErrorKind = failure.KindOf(err)
	}
}

// Machine tracks and enforces one session's state transitions. Every
// successful transition publishes exactly one bus event and wakes waiters.
type Machine struct {
	mu      sync.RWMutex
	snap    Snapshot
	changed chan struct{}
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Disconnected state.
func NewMachine(userID string, b *bus.Bus) *Machine {
	now := time.Now()
	return &Machine{
		snap: Snapshot{
			UserID:    userID,
			State:     Disconnected,
			CreatedAt: now,
			UpdatedAt: now,
		},
		changed: make(chan struct{}),
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap.State
}

// Snapshot returns a copy of the current session state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

// Changed returns a channel closed on the next successful transition.
func (m *Machine) Changed() <-chan struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.changed
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State, opts ...Option) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.snap.State]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.snap.State, to)
	}

	from := m.snap.State
	next := m.snap
	next.State = to
	next.PairingPayload = ""
	next.UpdatedAt = time.Now()
	if to != Error {
		next.LastError = ""
		next.ErrorKind = failure.Unknown
	}
	if to != Ready {
		next.Identity = ""
	}
	for _, opt := range opts {
		opt(&next)
	}
	if to != PairingReady {
		next.PairingPayload = ""
	}
	m.snap = next

	close(m.changed)
	m.changed = make(chan struct{})

	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      eventKind(next),
			UserID:    next.UserID,
			Timestamp: next.UpdatedAt,
			Payload: StatusChange{
				From:     from,
				To:       to,
				Snapshot: next,
			},
		})
	}
	return nil
}

// Wait blocks until done reports true for the current snapshot or ctx ends.
// On ctx expiry the latest snapshot is returned together with ctx.Err().
func (m *Machine) Wait(ctx context.Context, done func(Snapshot) bool) (Snapshot, error) {
	for {
		m.mu.RLock()
		snap, changed := m.snap, m.changed
		m.mu.RUnlock()
		if done(snap) {
			return snap, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return snap, ctx.Err()
		}
	}
}

func eventKind(s Snapshot) string {
	switch s.State {
	case Initializing:
		return bus.KindInitializing
	case PairingReady:
		return bus.KindPairingReady
	case Ready:
		return bus.KindSessionReady
	case Error:
		if s.ErrorKind == failure.AuthenticationFailure {
			return bus.KindAuthFailure
		}
		return bus.KindSessionError
	default:
		return bus.KindDisconnected
	}
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From     State
	To       State
	Snapshot Snapshot
}
