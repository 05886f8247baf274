package sync

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/wabridge/internal/failure"
	"github.com/matheus3301/wabridge/internal/store"
	"github.com/matheus3301/wabridge/internal/wa"
)

// minTriggerGap throttles passes requested through Trigger.
const minTriggerGap = 10 * time.Second

// Refresher keeps a Ready user's cache close to the network by re-running a
// light backfill on a ticker and on request.
type Refresher struct {
	store    *store.Store
	opts     BackfillOptions
	interval time.Duration
	gap      time.Duration
	logger   *zap.Logger

	mu    sync.Mutex
	users map[string]*refreshState
}

type refreshState struct {
	kick    chan struct{}
	full    bool
	chats   map[string]struct{}
	lastRun time.Time
}

// NewRefresher creates a refresher. opts bound every pass; NewOnly is always
// set so known chats only get their metadata refreshed.
func NewRefresher(s *store.Store, opts BackfillOptions, interval time.Duration, logger *zap.Logger) *Refresher {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.NewOnly = true
	opts.Only = ""
	return &Refresher{
		store:    s,
		opts:     opts,
		interval: interval,
		gap:      minTriggerGap,
		logger:   logger,
		users:    make(map[string]*refreshState),
	}
}

// Run refreshes userID's cache until ctx is done. Only one Run per user is
// expected at a time; the session that owns client calls it.
func (r *Refresher) Run(ctx context.Context, userID string, client wa.Client) {
	st := &refreshState{kick: make(chan struct{}, 1), chats: make(map[string]struct{}), lastRun: time.Now()}
	r.mu.Lock()
	r.users[userID] = st
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		if r.users[userID] == st {
			delete(r.users, userID)
		}
		r.mu.Unlock()
	}()

	var tick <-chan time.Time
	if r.interval > 0 {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			r.pass(ctx, userID, client, "")
			r.mu.Lock()
			st.lastRun = time.Now()
			st.full = false
			r.mu.Unlock()
		case <-st.kick:
			r.mu.Lock()
			full := st.full && time.Since(st.lastRun) >= r.gap
			chats := make([]string, 0, len(st.chats))
			for id := range st.chats {
				chats = append(chats, id)
			}
			st.full = false
			clear(st.chats)
			r.mu.Unlock()

			if full {
				r.pass(ctx, userID, client, "")
				r.mu.Lock()
				st.lastRun = time.Now()
				r.mu.Unlock()
			}
			for _, id := range chats {
				if ctx.Err() != nil {
					return
				}
				r.pass(ctx, userID, client, id)
			}
		}
	}
}

// Trigger asks for a refresh of userID's chat list. Requests coalesce and
// are ignored when the user has no running refresher.
func (r *Refresher) Trigger(userID string) {
	r.request(userID, "")
}

// RefreshChat asks for one chat's history to be pulled again.
func (r *Refresher) RefreshChat(userID, contactID string) {
	r.request(userID, contactID)
}

func (r *Refresher) request(userID, contactID string) {
	r.mu.Lock()
	st, ok := r.users[userID]
	if ok {
		if contactID == "" {
			st.full = true
		} else {
			st.chats[contactID] = struct{}{}
		}
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	select {
	case st.kick <- struct{}{}:
	default:
	}
}

func (r *Refresher) pass(ctx context.Context, userID string, client wa.Client, only string) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic in refresh", zap.String("user", userID), zap.Any("panic", rec))
		}
	}()

	opts := r.opts
	opts.Only = only
	res, err := Backfill(ctx, r.store, userID, client, opts, r.logger)
	switch {
	case err == nil:
	case failure.Is(err, failure.PartialBackfillFailure):
		r.logger.Warn("refresh incomplete", zap.String("user", userID), zap.Error(err))
	case ctx.Err() != nil:
		return
	default:
		r.logger.Warn("refresh failed", zap.String("user", userID), zap.Error(err))
		return
	}
	r.logger.Debug("refresh done",
		zap.String("user", userID),
		zap.String("chat", only),
		zap.Int("chats", res.Chats),
		zap.Int("messages", res.Messages))
}
