package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"

	"github.com/wirelead/wirelead/internal/session"
)

// conn wraps a whatsmeow client as a session.Conn.
type conn struct {
	client *whatsmeow.Client
	logger *slog.Logger
}

func (c *conn) SendText(ctx context.Context, toJID, body string) (string, time.Time, error) {
	jid, err := parseJID(toJID)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("invalid recipient %q: %w", toJID, err)
	}
	resp, err := c.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(body),
	})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sending message: %w", err)
	}
	return string(resp.ID), resp.Timestamp, nil
}

func (c *conn) MarkRead(ctx context.Context, chatJID string, externalIDs []string) error {
	jid, err := parseJID(chatJID)
	if err != nil {
		return err
	}
	ids := make([]types.MessageID, len(externalIDs))
	for i, id := range externalIDs {
		ids[i] = types.MessageID(id)
	}
	return c.client.MarkRead(ctx, ids, time.Now(), jid, jid)
}

func (c *conn) Presence(ctx context.Context) error {
	return c.client.SendPresence(ctx, types.PresenceAvailable)
}

func (c *conn) AvatarURL(ctx context.Context, jidStr string) (string, error) {
	jid, err := parseJID(jidStr)
	if err != nil {
		return "", err
	}
	pic, err := c.client.GetProfilePictureInfo(ctx, jid, &whatsmeow.GetProfilePictureParams{Preview: true})
	if err != nil {
		return "", err
	}
	if pic == nil {
		return "", nil
	}
	return pic.URL, nil
}

func (c *conn) Contacts(ctx context.Context) ([]session.RosterEntry, error) {
	all, err := c.client.Store.Contacts.GetAllContacts(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading contacts: %w", err)
	}
	entries := make([]session.RosterEntry, 0, len(all))
	for jid, info := range all {
		if jid.Server != types.DefaultUserServer {
			continue
		}
		fullName := info.FullName
		if fullName == "" {
			fullName = info.FirstName
		}
		if fullName == "" {
			fullName = info.BusinessName
		}
		entries = append(entries, session.RosterEntry{
			JID:      jid.ToNonAD().String(),
			FullName: fullName,
			PushName: info.PushName,
		})
	}
	return entries, nil
}

func (c *conn) Authenticated() bool {
	return c.client.Store.ID != nil
}

func (c *conn) Connected() bool {
	return c.client.IsConnected()
}

func (c *conn) Disconnect() {
	c.client.Disconnect()
}

// parseJID accepts a full JID ("5511999999999@s.whatsapp.net", group ids)
// or a bare phone number, which is normalized to the user server.
func parseJID(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.JID{}, fmt.Errorf("empty JID")
	}
	if strings.Contains(s, "@") {
		return types.ParseJID(s)
	}

	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if len(digits) < 10 {
		return types.JID{}, fmt.Errorf("phone number too short: %s", s)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}
