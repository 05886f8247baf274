package wa

import (
	"context"
	"fmt"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/whatsmeow"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.uber.org/zap"

	"github.com/matheus3301/wabridge/internal/bus"
	"github.com/matheus3301/wabridge/internal/logging"
)

// DeviceRouter remembers which whatsmeow device belongs to which user.
type DeviceRouter interface {
	Device(ctx context.Context, userID string) (string, error)
	SetDevice(ctx context.Context, userID, jid string) error
	DeleteDevice(ctx context.Context, userID string) error
}

// NetworkConfig selects the whatsmeow device store.
type NetworkConfig struct {
	Dialect string // sqlite3 or postgres
	DSN     string
	OSName  string
}

// WhatsmeowNetwork opens whatsmeow clients, one device per user, all kept
// in a single device store container.
type WhatsmeowNetwork struct {
	container *sqlstore.Container
	devices   DeviceRouter
	bus       *bus.Bus
	logger    *zap.Logger
}

// NewWhatsmeowNetwork opens the device store and upgrades its schema.
func NewWhatsmeowNetwork(ctx context.Context, cfg NetworkConfig, devices DeviceRouter, b *bus.Bus, logger *zap.Logger) (*WhatsmeowNetwork, error) {
	if cfg.OSName != "" {
		// Device name shown on the phone's linked devices list.
		wastore.SetOSInfo(cfg.OSName, [3]uint32{0, 1, 0})
	}
	container, err := sqlstore.New(ctx, cfg.Dialect, cfg.DSN, logging.WhatsApp(logger, "devices"))
	if err != nil {
		return nil, fmt.Errorf("open device store: %w", err)
	}
	return &WhatsmeowNetwork{
		container: container,
		devices:   devices,
		bus:       b,
		logger:    logger,
	}, nil
}

// Open creates a client for userID, reusing the user's paired device when
// one is known.
func (n *WhatsmeowNetwork) Open(ctx context.Context, userID string) (Client, error) {
	device, err := n.device(ctx, userID)
	if err != nil {
		return nil, err
	}
	cli := whatsmeow.NewClient(device, logging.WhatsApp(n.logger, "whatsmeow").Sub(userID))
	// A dropped session surfaces as an error state; the caller decides when
	// to initialize again.
	cli.EnableAutoReconnect = false

	a := newAdapter(userID, cli, n.devices, n.bus, n.logger.With(zap.String("user", userID)))
	cli.AddEventHandler(a.handle)
	return a, nil
}

func (n *WhatsmeowNetwork) device(ctx context.Context, userID string) (*wastore.Device, error) {
	raw, err := n.devices.Device(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("lookup device: %w", err)
	}
	if raw == "" {
		return n.container.NewDevice(), nil
	}
	jid, err := types.ParseJID(raw)
	if err != nil {
		n.logger.Warn("dropping unparsable device route", zap.String("user", userID), zap.String("jid", raw))
		_ = n.devices.DeleteDevice(ctx, userID)
		return n.container.NewDevice(), nil
	}
	device, err := n.container.GetDevice(ctx, jid)
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	if device == nil {
		n.logger.Info("paired device gone, starting fresh pairing", zap.String("user", userID))
		_ = n.devices.DeleteDevice(ctx, userID)
		return n.container.NewDevice(), nil
	}
	return device, nil
}

// Close closes the device store.
func (n *WhatsmeowNetwork) Close() error {
	return n.container.Close()
}
