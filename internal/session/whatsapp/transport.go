// Package whatsapp implements the WhatsApp transport on top of whatsmeow.
// Linked-device credentials live in a shared SQLite container; the
// tenant-to-device mapping lives in Postgres.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"

	_ "github.com/mattn/go-sqlite3" // credential store driver

	"github.com/wirelead/wirelead/internal/config"
	"github.com/wirelead/wirelead/internal/session"
)

// Transport dials whatsmeow clients per tenant.
type Transport struct {
	container  *sqlstore.Container
	pool       *pgxpool.Pool
	logger     *slog.Logger
	deviceName string
}

// NewTransport opens the credential container and prepares the transport.
func NewTransport(ctx context.Context, log *slog.Logger, cfg config.WhatsAppConfig, pool *pgxpool.Pool) (*Transport, error) {
	if log == nil {
		log = slog.Default()
	}
	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", cfg.StorePath),
		waLog.Noop)
	if err != nil {
		return nil, fmt.Errorf("opening credential store: %w", err)
	}

	// Device name shown in the phone's linked devices list.
	store.SetOSInfo(cfg.DeviceName, [3]uint32{1, 0, 0})

	return &Transport{
		container:  container,
		pool:       pool,
		logger:     log.With(slog.String("component", "whatsapp")),
		deviceName: cfg.DeviceName,
	}, nil
}

// Dial creates a client for the tenant's device and connects it. Unlinked
// tenants go through the pairing flow: codes stream onto the event channel
// until the phone scans one or the window expires.
func (t *Transport) Dial(ctx context.Context, tenantID string, events chan<- session.TransportEvent) (session.Conn, error) {
	device, err := t.device(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("loading device: %w", err)
	}

	client := whatsmeow.NewClient(device, waLog.Noop)
	// Reconnects are decided by the session manager, not the library.
	client.EnableAutoReconnect = false

	emit := func(evt session.TransportEvent) {
		select {
		case events <- evt:
		case <-ctx.Done():
		}
	}
	client.AddEventHandler(t.eventHandler(ctx, tenantID, client, emit))

	if client.Store.ID == nil {
		qrChan, err := client.GetQRChannel(ctx)
		if err != nil {
			return nil, fmt.Errorf("pairing channel: %w", err)
		}
		if err := client.Connect(); err != nil {
			return nil, fmt.Errorf("connecting for pairing: %w", err)
		}
		go t.pumpPairing(ctx, tenantID, qrChan, emit)
		return &conn{client: client, logger: t.logger}, nil
	}

	if err := client.Connect(); err != nil {
		return nil, fmt.Errorf("connecting: %w", err)
	}
	return &conn{client: client, logger: t.logger}, nil
}

func (t *Transport) pumpPairing(ctx context.Context, tenantID string, qrChan <-chan whatsmeow.QRChannelItem, emit func(session.TransportEvent)) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-qrChan:
			if !ok {
				return
			}
			switch evt.Event {
			case "code":
				emit(session.PairingEvent{Code: evt.Code})
			case "success":
				// The Connected event carries the ready signal.
				return
			case "timeout":
				t.logger.Info("pairing window expired", slog.String("tenant_id", tenantID))
				emit(session.ClosedEvent{Reason: session.CloseOther, Detail: "pairing window expired"})
				return
			default:
				if evt.Error != nil {
					emit(session.ClosedEvent{Reason: session.CloseOther, Detail: evt.Error.Error()})
					return
				}
			}
		}
	}
}

// HasCredentials reports whether the tenant has a linked device.
func (t *Transport) HasCredentials(ctx context.Context, tenantID string) (bool, error) {
	jid, err := t.deviceJID(ctx, tenantID)
	if err != nil {
		return false, err
	}
	return jid != "", nil
}

// EraseCredentials deletes the tenant's device from the credential store
// and drops the tenant mapping.
func (t *Transport) EraseCredentials(ctx context.Context, tenantID string) error {
	jidStr, err := t.deviceJID(ctx, tenantID)
	if err != nil {
		return err
	}
	if jidStr != "" {
		jid, err := types.ParseJID(jidStr)
		if err == nil {
			device, err := t.container.GetDevice(ctx, jid)
			if err == nil && device != nil {
				if err := device.Delete(ctx); err != nil {
					t.logger.Warn("device delete failed",
						slog.String("tenant_id", tenantID), slog.Any("error", err))
				}
			}
		}
	}
	_, err = t.pool.Exec(ctx, `DELETE FROM wa_devices WHERE tenant_id = $1`, tenantID)
	return err
}

// CredentialedTenants lists tenants with a linked device, for restore on boot.
func (t *Transport) CredentialedTenants(ctx context.Context) ([]string, error) {
	rows, err := t.pool.Query(ctx, `SELECT tenant_id::text FROM wa_devices ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var tenantID string
		if err := rows.Scan(&tenantID); err != nil {
			return nil, err
		}
		tenants = append(tenants, tenantID)
	}
	return tenants, rows.Err()
}

// device loads the tenant's stored device, or creates a fresh unlinked one.
func (t *Transport) device(ctx context.Context, tenantID string) (*store.Device, error) {
	jidStr, err := t.deviceJID(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if jidStr != "" {
		jid, err := types.ParseJID(jidStr)
		if err == nil {
			device, err := t.container.GetDevice(ctx, jid)
			if err == nil && device != nil {
				return device, nil
			}
		}
		t.logger.Warn("stored device not found, relinking required",
			slog.String("tenant_id", tenantID), slog.String("jid", jidStr))
	}
	return t.container.NewDevice(), nil
}

func (t *Transport) deviceJID(ctx context.Context, tenantID string) (string, error) {
	var jid string
	err := t.pool.QueryRow(ctx,
		`SELECT jid FROM wa_devices WHERE tenant_id = $1`, tenantID).Scan(&jid)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return jid, nil
}

func (t *Transport) saveDeviceJID(ctx context.Context, tenantID, jid string) {
	_, err := t.pool.Exec(ctx, `
		INSERT INTO wa_devices (tenant_id, jid)
		VALUES ($1, $2)
		ON CONFLICT (tenant_id) DO UPDATE SET jid = EXCLUDED.jid, updated_at = now()`,
		tenantID, jid)
	if err != nil {
		t.logger.Error("save device mapping failed",
			slog.String("tenant_id", tenantID), slog.Any("error", err))
	}
}
