package whatsapp

import (
	"context"
	"fmt"
	"log/slog"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/wirelead/wirelead/internal/extract"
	"github.com/wirelead/wirelead/internal/session"
)

// eventHandler translates whatsmeow events into transport events for one
// tenant's session loop.
func (t *Transport) eventHandler(ctx context.Context, tenantID string, client *whatsmeow.Client, emit func(session.TransportEvent)) func(any) {
	return func(raw any) {
		switch evt := raw.(type) {
		case *events.PairSuccess:
			t.saveDeviceJID(ctx, tenantID, evt.ID.ToNonAD().String())

		case *events.Connected:
			if client.Store.ID == nil {
				return
			}
			selfJID := client.Store.ID.ToNonAD().String()
			t.saveDeviceJID(ctx, tenantID, selfJID)
			emit(session.ReadyEvent{SelfJID: selfJID})

		case *events.Message:
			if msg, ok := t.translateMessage(ctx, client, evt); ok {
				emit(session.MessageEvent{Message: msg})
			}

		case *events.HistorySync:
			if entries := rosterFromHistory(evt); len(entries) > 0 {
				emit(session.RosterEvent{Entries: entries})
			}

		case *events.Disconnected:
			emit(session.ClosedEvent{Reason: session.CloseConnectionClosed})

		case *events.StreamReplaced:
			emit(session.ClosedEvent{
				Reason: session.CloseRestartRequired,
				Detail: "stream replaced by another client",
			})

		case *events.LoggedOut:
			emit(session.ClosedEvent{
				Reason: session.CloseLoggedOut,
				Detail: evt.Reason.String(),
			})

		case *events.ConnectFailure:
			reason := session.CloseOther
			if evt.Reason == events.ConnectFailureLoggedOut {
				reason = session.CloseLoggedOut
			}
			emit(session.ClosedEvent{Reason: reason, Detail: evt.Message})

		case *events.TemporaryBan:
			emit(session.ClosedEvent{
				Reason: session.CloseOther,
				Detail: fmt.Sprintf("temporary ban: %s (expires %s)", evt.Code, evt.Expire),
			})

		case *events.KeepAliveTimeout:
			t.logger.Warn("keepalive timeout",
				slog.String("tenant_id", tenantID),
				slog.Int("error_count", evt.ErrorCount))
		}
	}
}

// translateMessage normalizes a whatsmeow message event. Unsupported
// payload types (video, stickers, polls) are dropped.
func (t *Transport) translateMessage(ctx context.Context, client *whatsmeow.Client, evt *events.Message) (session.InboundMessage, bool) {
	info := evt.Info
	if info.Chat.Server == types.BroadcastServer {
		return session.InboundMessage{}, false
	}

	msg := session.InboundMessage{
		ExternalID: string(info.ID),
		ChatJID:    info.Chat.ToNonAD().String(),
		SenderJID:  info.Sender.ToNonAD().String(),
		PushName:   info.PushName,
		FromSelf:   info.IsFromMe,
		Timestamp:  info.Timestamp,
	}

	waMsg := evt.Message
	if waMsg == nil {
		return msg, false
	}

	switch {
	case waMsg.GetConversation() != "":
		msg.Text = waMsg.GetConversation()

	case waMsg.ExtendedTextMessage != nil:
		msg.Text = waMsg.ExtendedTextMessage.GetText()

	case waMsg.ReactionMessage != nil:
		reaction := waMsg.ReactionMessage
		msg.Reaction = &session.Reaction{
			TargetExternalID: reaction.GetKey().GetID(),
			Emoji:            reaction.GetText(),
		}

	case waMsg.AudioMessage != nil:
		audio := waMsg.AudioMessage
		msg.Attachment = t.download(ctx, client, audio, extract.KindAudio, audio.GetMimetype(), "")

	case waMsg.ImageMessage != nil:
		img := waMsg.ImageMessage
		msg.Text = img.GetCaption()
		msg.Attachment = t.download(ctx, client, img, extract.KindImage, img.GetMimetype(), "")

	case waMsg.DocumentMessage != nil:
		doc := waMsg.DocumentMessage
		msg.Text = doc.GetCaption()
		msg.Attachment = t.download(ctx, client, doc, extract.KindDocument, doc.GetMimetype(), doc.GetFileName())

	default:
		t.logger.Debug("dropping unsupported message type",
			slog.String("external_id", msg.ExternalID),
			slog.String("chat_jid", msg.ChatJID))
		return msg, false
	}

	return msg, true
}

func (t *Transport) download(ctx context.Context, client *whatsmeow.Client, media whatsmeow.DownloadableMessage, kind extract.Kind, mime, fileName string) *extract.Attachment {
	data, err := client.Download(ctx, media)
	if err != nil {
		t.logger.Warn("media download failed",
			slog.String("kind", string(kind)), slog.Any("error", err))
		// Keep the attachment shell so the message still lands as media
		// with a fallback body instead of vanishing.
		return &extract.Attachment{Kind: kind, Mime: mime, FileName: fileName}
	}
	return &extract.Attachment{Kind: kind, Mime: mime, FileName: fileName, Data: data}
}

// rosterFromHistory extracts contact names pushed during history sync.
func rosterFromHistory(evt *events.HistorySync) []session.RosterEntry {
	pushnames := evt.Data.GetPushnames()
	entries := make([]session.RosterEntry, 0, len(pushnames))
	for _, pn := range pushnames {
		if pn.GetID() == "" {
			continue
		}
		entries = append(entries, session.RosterEntry{
			JID:      pn.GetID(),
			PushName: pn.GetPushname(),
		})
	}
	return entries
}
