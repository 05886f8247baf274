// Package pairing drives a user's session from a fresh client to Ready.
package pairing

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"

	qrcode "github.com/skip2/go-qrcode"
	"go.uber.org/zap"

	"github.com/matheus3301/wabridge/internal/bus"
	"github.com/matheus3301/wabridge/internal/failure"
	"github.com/matheus3301/wabridge/internal/status"
	"github.com/matheus3301/wabridge/internal/store"
	intsync "github.com/matheus3301/wabridge/internal/sync"
	"github.com/matheus3301/wabridge/internal/wa"
)

const qrSize = 256

// Session is the part of a registry session the controller drives.
type Session interface {
	UserID() string
	Machine() *status.Machine
	SetClient(wa.Client)
}

// Controller runs the pairing flow, the initial backfill and the refresher
// for one session at a time.
type Controller struct {
	network   wa.Network
	store     *store.Store
	bus       *bus.Bus
	refresher *intsync.Refresher
	engine    *intsync.Engine
	backfill  intsync.BackfillOptions
	logger    *zap.Logger
}

// NewController creates a controller. refresher and engine may be nil.
func NewController(network wa.Network, s *store.Store, b *bus.Bus, refresher *intsync.Refresher, engine *intsync.Engine, backfill intsync.BackfillOptions, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		network:   network,
		store:     s,
		bus:       b,
		refresher: refresher,
		engine:    engine,
		backfill:  backfill,
		logger:    logger,
	}
}

// Run drives sess until ctx is cancelled or the session fails. The session
// must already be Initializing. Background work started after Ready is
// stopped and waited for before Run returns.
func (c *Controller) Run(ctx context.Context, sess Session) {
	userID := sess.UserID()
	m := sess.Machine()
	logger := c.logger.With(zap.String("user", userID))

	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic in pairing controller", zap.Any("panic", r))
			c.fail(m, failure.New(failure.Unknown, "internal error: %v", r))
		}
	}()

	// Live traffic is followed before connecting so no early event is missed.
	if c.engine != nil {
		ingest := c.engine.Follow(ctx, userID)
		defer func() {
			cancel()
			<-ingest
		}()
	}

	client, err := c.network.Open(ctx, userID)
	if err != nil {
		c.fail(m, failure.Wrap(failure.Unknown, err, "open client"))
		return
	}
	sess.SetClient(client)

	events, err := client.Connect(ctx)
	if err != nil {
		c.fail(m, failure.Wrap(failure.TransportDisconnected, err, "connect"))
		return
	}
	logger.Info("connecting")

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if done := c.handle(ctx, &wg, sess, client, evt, logger); done {
				return
			}
		}
	}
}

// handle applies one lifecycle event and reports whether the flow ended.
func (c *Controller) handle(ctx context.Context, wg *sync.WaitGroup, sess Session, client wa.Client, evt wa.SessionEvent, logger *zap.Logger) bool {
	m := sess.Machine()
	switch evt.Kind {
	case wa.EventQRCode:
		payload, err := qrDataURL(evt.Code)
		if err != nil {
			logger.Error("failed to render QR code", zap.Error(err))
			return false
		}
		if err := m.Transition(status.PairingReady, status.WithPairingPayload(payload)); err != nil {
			logger.Debug("ignoring QR code", zap.Error(err))
			return false
		}
		logger.Info("QR code ready")

	case wa.EventPaired:
		logger.Info("device paired", zap.String("identity", evt.Identity))
		c.bus.Publish(bus.NewEvent(bus.KindAuthenticated, sess.UserID(), evt.Identity))

	case wa.EventConnected:
		if m.Current() == status.Ready {
			return false
		}
		identity := evt.Identity
		if identity == "" {
			identity = client.Identity()
		}
		if err := m.Transition(status.Ready, status.WithIdentity(identity)); err != nil {
			logger.Warn("cannot enter ready", zap.Error(err))
			return false
		}
		logger.Info("session ready", zap.String("identity", identity))
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.afterReady(ctx, sess.UserID(), client, logger)
		}()

	case wa.EventPairFailed:
		reason := "pairing failed"
		if evt.Err != nil {
			reason = evt.Err.Error()
		}
		c.fail(m, failure.New(failure.AuthenticationFailure, "%s", reason))
		return true

	case wa.EventPairTimeout:
		c.fail(m, failure.New(failure.PairingTimeout, "QR code was not scanned in time"))
		return true

	case wa.EventLoggedOut:
		c.fail(m, failure.New(failure.AuthenticationFailure, "logged out from phone"))
		return true

	case wa.EventDisconnected:
		if m.Current() != status.Ready {
			logger.Info("disconnected before ready", zap.Error(evt.Err))
			return false
		}
		c.fail(m, failure.New(failure.TransportDisconnected, "connection lost, initialize again to reconnect"))
		return true
	}
	return false
}

// afterReady backfills the cache and then keeps it fresh until ctx ends.
func (c *Controller) afterReady(ctx context.Context, userID string, client wa.Client, logger *zap.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic after ready", zap.Any("panic", r))
		}
	}()

	res, err := intsync.Backfill(ctx, c.store, userID, client, c.backfill, c.logger)
	switch {
	case ctx.Err() != nil:
		return
	case err != nil && !failure.Is(err, failure.PartialBackfillFailure):
		logger.Warn("backfill failed", zap.Error(err))
	default:
		logger.Info("backfill done",
			zap.Int("chats", res.Chats),
			zap.Int("skipped", res.Skipped),
			zap.Int("failed", res.Failed),
			zap.Int("messages", res.Messages))
	}

	if c.refresher != nil {
		c.refresher.Run(ctx, userID, client)
	}
}

func (c *Controller) fail(m *status.Machine, err error) {
	if tErr := m.Transition(status.Error, status.WithError(err)); tErr != nil {
		c.logger.Debug("cannot record session error", zap.Error(tErr), zap.String("cause", err.Error()))
	}
}

// qrDataURL renders a pairing code as a PNG data URL.
func qrDataURL(code string) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, qrSize)
	if err != nil {
		return "", fmt.Errorf("encode qr: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
