// Package registry owns the per-user messaging sessions.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/wabridge/internal/bus"
	"github.com/matheus3301/wabridge/internal/failure"
	"github.com/matheus3301/wabridge/internal/pairing"
	"github.com/matheus3301/wabridge/internal/paths"
	"github.com/matheus3301/wabridge/internal/status"
	"github.com/matheus3301/wabridge/internal/wa"
)

// Runner drives a session until its context is cancelled.
// *pairing.Controller is the production runner.
type Runner interface {
	Run(ctx context.Context, sess pairing.Session)
}

// Config bounds the registry's waits.
type Config struct {
	// Watchdog is how long a session may stay Initializing before the next
	// Initialize replaces it.
	Watchdog time.Duration
	// InitializeWait is how long Initialize waits for the session to leave
	// Initializing.
	InitializeWait time.Duration
	// DisconnectTimeout bounds the wait for a session's runner to exit and
	// for the logout round-trip.
	DisconnectTimeout time.Duration
}

// Session is one user's live session.
type Session struct {
	userID  string
	machine *status.Machine
	cancel  context.CancelFunc
	done    chan struct{}

	mu     sync.Mutex
	client wa.Client
}

func (s *Session) UserID() string           { return s.userID }
func (s *Session) Machine() *status.Machine { return s.machine }

// SetClient records the network client opened for the session.
func (s *Session) SetClient(c wa.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.client = c
}

// Client returns the session's network client, or nil before it is opened.
func (s *Session) Client() wa.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// Registry maps user ids to sessions. At most one live session exists per
// user; the map lock is only held for lookups, inserts and deletes.
type Registry struct {
	runner Runner
	bus    *bus.Bus
	cfg    Config
	logger *zap.Logger

	base context.Context
	stop context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Session
}

// New creates an empty registry.
func New(runner Runner, b *bus.Bus, cfg Config, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	base, stop := context.WithCancel(context.Background())
	return &Registry{
		runner:   runner,
		bus:      b,
		cfg:      cfg,
		logger:   logger,
		base:     base,
		stop:     stop,
		sessions: make(map[string]*Session),
	}
}

// Initialize returns the user's session state, starting a session if there
// is none. A session in Error, or stuck in Initializing past the watchdog,
// is replaced. The call waits up to InitializeWait for the session to get
// past Initializing so callers usually see the QR code or Ready directly.
func (r *Registry) Initialize(ctx context.Context, userID string) (status.Snapshot, error) {
	if err := paths.ValidateUserID(userID); err != nil {
		return status.Snapshot{}, failure.Wrap(failure.InvalidRequest, err, "initialize")
	}

	r.mu.Lock()
	sess, ok := r.sessions[userID]
	var stale *Session
	if ok && r.replaceable(sess.machine.Snapshot()) {
		stale, ok = sess, false
	}
	if !ok {
		sess = r.start(userID)
		r.sessions[userID] = sess
	}
	r.mu.Unlock()

	if stale != nil {
		r.logger.Info("replacing session",
			zap.String("user", userID),
			zap.String("state", string(stale.machine.Current())))
		go r.teardown(stale, false)
	}
	return r.wait(ctx, sess)
}

func (r *Registry) replaceable(snap status.Snapshot) bool {
	switch snap.State {
	case status.Error, status.Disconnected:
		return true
	case status.Initializing:
		return r.cfg.Watchdog > 0 && time.Since(snap.UpdatedAt) > r.cfg.Watchdog
	default:
		return false
	}
}

// start creates a session in Initializing and launches its runner. Called
// with r.mu held.
func (r *Registry) start(userID string) *Session {
	ctx, cancel := context.WithCancel(r.base)
	sess := &Session{
		userID:  userID,
		machine: status.NewMachine(userID, r.bus),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	_ = sess.machine.Transition(status.Initializing)
	r.logger.Info("session started", zap.String("user", userID))

	go func() {
		defer close(sess.done)
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("panic in session runner", zap.String("user", userID), zap.Any("panic", rec))
				_ = sess.machine.Transition(status.Error,
					status.WithError(failure.New(failure.Unknown, "internal error")))
			}
		}()
		r.runner.Run(ctx, sess)
	}()
	return sess
}

func (r *Registry) wait(ctx context.Context, sess *Session) (status.Snapshot, error) {
	wctx, cancel := context.WithTimeout(ctx, r.cfg.InitializeWait)
	defer cancel()
	snap, err := sess.machine.Wait(wctx, func(s status.Snapshot) bool {
		return s.State != status.Initializing
	})
	if err != nil && ctx.Err() != nil {
		return snap, ctx.Err()
	}
	return snap, nil
}

// GetStatus returns the user's session state without touching the network.
// Unknown users are Disconnected.
func (r *Registry) GetStatus(userID string) status.Snapshot {
	r.mu.Lock()
	sess, ok := r.sessions[userID]
	r.mu.Unlock()
	if !ok {
		return status.Snapshot{UserID: userID, State: status.Disconnected}
	}
	return sess.machine.Snapshot()
}

// ReadyClient returns the network client of a Ready session.
func (r *Registry) ReadyClient(userID string) (wa.Client, error) {
	r.mu.Lock()
	sess, ok := r.sessions[userID]
	r.mu.Unlock()
	if !ok {
		return nil, failure.New(failure.NotReady, "WhatsApp session not initialized, initialize first")
	}
	client := sess.Client()
	if sess.machine.Current() != status.Ready || client == nil {
		return nil, failure.New(failure.NotReady, "WhatsApp is not ready, scan the QR code first")
	}
	return client, nil
}

// Disconnect ends the user's session: it is removed at once, its work is
// stopped and the device is logged out on a best-effort basis. Reports
// whether there was a session. Teardown errors are only logged.
func (r *Registry) Disconnect(ctx context.Context, userID string) bool {
	r.mu.Lock()
	sess, ok := r.sessions[userID]
	delete(r.sessions, userID)
	r.mu.Unlock()
	if !ok {
		return false
	}
	r.teardown(sess, true)
	return true
}

// teardown stops the runner, waits a bounded time for it and releases the
// client. Logout unlinks the device and is only done on explicit disconnect.
func (r *Registry) teardown(sess *Session, logout bool) {
	logger := r.logger.With(zap.String("user", sess.userID))
	sess.cancel()

	select {
	case <-sess.done:
	case <-time.After(r.cfg.DisconnectTimeout):
		logger.Warn("session runner did not stop in time")
	}

	if client := sess.Client(); client != nil {
		if logout {
			ctx, cancel := context.WithTimeout(context.Background(), r.cfg.DisconnectTimeout)
			if err := client.Logout(ctx); err != nil {
				logger.Info("logout failed, ignoring", zap.Error(err))
			}
			cancel()
		}
		client.Close()
	}

	if err := sess.machine.Transition(status.Disconnected); err != nil {
		logger.Debug("session already disconnected", zap.Error(err))
	}
	logger.Info("session closed", zap.Bool("logout", logout))
}

// Sessions returns a snapshot of every live session, ordered by user id.
func (r *Registry) Sessions() []status.Snapshot {
	r.mu.Lock()
	list := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.Unlock()

	out := make([]status.Snapshot, len(list))
	for i, s := range list {
		out[i] = s.machine.Snapshot()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Shutdown stops every session without logging out, so paired devices
// reconnect on the next start.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	list := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		list = append(list, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range list {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.teardown(s, false)
		}()
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn("shutdown interrupted", zap.Error(ctx.Err()))
	}
	r.stop()
}
