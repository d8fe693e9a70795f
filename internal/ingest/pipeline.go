// Package ingest turns transport messages into persisted conversation
// state: dedup, media extraction, lead capture, and automated replies.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/wirelead/wirelead/internal/conversation"
	"github.com/wirelead/wirelead/internal/dedupe"
	"github.com/wirelead/wirelead/internal/events"
	"github.com/wirelead/wirelead/internal/extract"
	"github.com/wirelead/wirelead/internal/leads"
	"github.com/wirelead/wirelead/internal/persona"
	"github.com/wirelead/wirelead/internal/ratelimit"
	"github.com/wirelead/wirelead/internal/reply"
	"github.com/wirelead/wirelead/internal/session"
)

// liveWindow separates live traffic from history replays. Replayed
// messages are persisted but never trigger replies or lead capture.
const liveWindow = 5 * time.Minute

// avatarTimeout bounds the profile picture lookup when a conversation is
// first created. Avatar fetches are best-effort and must never stall intake.
const avatarTimeout = 5 * time.Second

// ConversationStore is the slice of the conversation store the pipeline uses.
type ConversationStore interface {
	GetByExternalID(ctx context.Context, tenantID, externalID string) (conversation.Conversation, error)
	Create(ctx context.Context, params conversation.CreateParams) (conversation.Conversation, error)
	InsertMessage(ctx context.Context, params conversation.InsertMessageParams) (conversation.Message, error)
	TouchActivity(ctx context.Context, params conversation.TouchParams) error
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]conversation.Message, error)
	GetMessageByExternalID(ctx context.Context, conversationID, externalID string) (conversation.Message, error)
}

// LeadStore captures leads from inbound conversations.
type LeadStore interface {
	EnsureDefaultBucket(ctx context.Context, tenantID string) (leads.Bucket, error)
	EnsureLead(ctx context.Context, params leads.EnsureLeadParams) (leads.Lead, bool, error)
}

// PersonaResolver picks the reply persona and tenant settings.
type PersonaResolver interface {
	Resolve(ctx context.Context, tenantID, conversationPersonaID string) (persona.Persona, error)
	SettingsFor(ctx context.Context, tenantID string) (persona.Settings, error)
}

// AttachmentDescriber turns media into text.
type AttachmentDescriber interface {
	Describe(ctx context.Context, att extract.Attachment) extract.Result
}

// ConnSource returns the live connection for outbound sends.
type ConnSource interface {
	Conn(tenantID string) (session.Conn, error)
}

// Pipeline processes inbound messages for all tenants.
type Pipeline struct {
	logger        *slog.Logger
	conversations ConversationStore
	leads         LeadStore
	personas      PersonaResolver
	describer     AttachmentDescriber
	generator     reply.Generator
	limiter       *ratelimit.Limiter
	cache         *dedupe.Cache
	hub           events.Publisher
	conns         ConnSource
	historyLimit  int

	now func() time.Time
}

// NewPipeline wires the ingestion pipeline.
func NewPipeline(
	log *slog.Logger,
	conversations ConversationStore,
	leadStore LeadStore,
	personas PersonaResolver,
	describer AttachmentDescriber,
	generator reply.Generator,
	limiter *ratelimit.Limiter,
	cache *dedupe.Cache,
	hub events.Publisher,
	conns ConnSource,
	historyLimit int,
) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		logger:        log.With(slog.String("component", "ingest")),
		conversations: conversations,
		leads:         leadStore,
		personas:      personas,
		describer:     describer,
		generator:     generator,
		limiter:       limiter,
		cache:         cache,
		hub:           hub,
		conns:         conns,
		historyLimit:  historyLimit,
		now:           time.Now,
	}
}

type messagePayload struct {
	ConversationID string               `json:"conversation_id"`
	Message        conversation.Message `json:"message"`
}

// Ingest processes one inbound message. Persistence failures are returned;
// everything downstream of persistence (leads, replies) is best-effort.
func (p *Pipeline) Ingest(ctx context.Context, tenantID string, msg session.InboundMessage) error {
	conv, err := p.resolveConversation(ctx, tenantID, msg)
	if err != nil {
		return fmt.Errorf("resolving conversation: %w", err)
	}

	if msg.Reaction != nil {
		p.handleReaction(ctx, tenantID, conv, msg)
		return nil
	}

	if p.cache.Seen(conv.ID, msg.ExternalID) {
		return nil
	}

	body := msg.Text
	kind := conversation.MessageText
	if msg.Attachment != nil {
		kind = conversation.MessageMedia
		if body == "" {
			result := p.describer.Describe(ctx, *msg.Attachment)
			body = result.Text
		}
	}
	if body == "" {
		return nil
	}

	sender := conversation.SenderContact
	if msg.FromSelf {
		sender = conversation.SenderSelf
	}

	stored, err := p.conversations.InsertMessage(ctx, conversation.InsertMessageParams{
		ConversationID: conv.ID,
		Sender:         sender,
		Kind:           kind,
		Body:           body,
		ExternalID:     msg.ExternalID,
		SentAt:         msg.Timestamp,
	})
	if errors.Is(err, conversation.ErrDuplicateMessage) {
		p.cache.Remember(conv.ID, msg.ExternalID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("persisting message: %w", err)
	}
	p.cache.Remember(conv.ID, msg.ExternalID)

	if err := p.conversations.TouchActivity(ctx, conversation.TouchParams{
		ConversationID:  conv.ID,
		LastMessageAt:   p.messageTime(msg),
		LastExternalID:  msg.ExternalID,
		IncrementUnread: !msg.FromSelf,
	}); err != nil {
		p.logger.Warn("touch activity failed",
			slog.String("conversation_id", conv.ID), slog.Any("error", err))
	}

	p.publish(tenantID, events.KindNewMessage,
		events.JSON(messagePayload{ConversationID: conv.ID, Message: stored}))

	if !p.isLive(msg) || msg.FromSelf {
		return nil
	}

	if conv.Kind == conversation.KindIndividual {
		p.captureLead(ctx, tenantID, conv, msg, body)
	}
	if conv.AIEnabled && conv.Kind == conversation.KindIndividual {
		p.autoReply(ctx, tenantID, conv, body)
	}
	return nil
}

// resolveConversation finds or creates the chat thread for a message.
func (p *Pipeline) resolveConversation(ctx context.Context, tenantID string, msg session.InboundMessage) (conversation.Conversation, error) {
	conv, err := p.conversations.GetByExternalID(ctx, tenantID, msg.ChatJID)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, conversation.ErrNotFound) {
		return conversation.Conversation{}, err
	}

	displayName := ""
	if !msg.FromSelf {
		displayName = msg.PushName
	}
	conv, err = p.conversations.Create(ctx, conversation.CreateParams{
		TenantID:    tenantID,
		ExternalID:  msg.ChatJID,
		Kind:        conversation.KindForExternalID(msg.ChatJID),
		DisplayName: displayName,
		AvatarURL:   p.lookupAvatar(ctx, tenantID, msg.ChatJID),
		AIEnabled:   true,
	})
	if err != nil {
		return conversation.Conversation{}, err
	}

	p.publish(tenantID, events.KindNewContact, events.JSON(events.ContactPayload{
		ConversationID: conv.ID,
		ExternalID:     conv.ExternalID,
		DisplayName:    conv.DisplayName,
		AvatarURL:      conv.AvatarURL,
		Kind:           string(conv.Kind),
	}))
	return conv, nil
}

// lookupAvatar fetches the chat's profile picture URL if a live session
// is available. Failures leave the conversation without an avatar.
func (p *Pipeline) lookupAvatar(ctx context.Context, tenantID, chatJID string) string {
	conn, err := p.conns.Conn(tenantID)
	if err != nil {
		return ""
	}
	avatarCtx, cancel := context.WithTimeout(ctx, avatarTimeout)
	defer cancel()
	url, err := conn.AvatarURL(avatarCtx, chatJID)
	if err != nil {
		p.logger.Debug("avatar lookup failed",
			slog.String("chat_jid", chatJID), slog.Any("error", err))
		return ""
	}
	return url
}

// handleReaction publishes a reaction to a tracked message. Reactions to
// messages we never stored are dropped.
func (p *Pipeline) handleReaction(ctx context.Context, tenantID string, conv conversation.Conversation, msg session.InboundMessage) {
	target, err := p.conversations.GetMessageByExternalID(ctx, conv.ID, msg.Reaction.TargetExternalID)
	if errors.Is(err, conversation.ErrNotFound) {
		p.logger.Debug("reaction to untracked message",
			slog.String("conversation_id", conv.ID),
			slog.String("target_external_id", msg.Reaction.TargetExternalID))
		return
	}
	if err != nil {
		p.logger.Warn("reaction lookup failed",
			slog.String("conversation_id", conv.ID), slog.Any("error", err))
		return
	}
	p.publish(tenantID, events.KindMessageReaction, events.JSON(events.ReactionPayload{
		ConversationID: conv.ID,
		MessageID:      target.ID,
		TargetExternal: msg.Reaction.TargetExternalID,
		Emoji:          msg.Reaction.Emoji,
		Removed:        msg.Reaction.Emoji == "",
	}))
}

// captureLead records the contact as a lead in the default bucket. At most
// one lead per conversation; failures never block ingestion.
func (p *Pipeline) captureLead(ctx context.Context, tenantID string, conv conversation.Conversation, msg session.InboundMessage, body string) {
	bucket, err := p.leads.EnsureDefaultBucket(ctx, tenantID)
	if err != nil {
		p.logger.Warn("ensure default bucket failed",
			slog.String("tenant_id", tenantID), slog.Any("error", err))
		return
	}

	name := msg.PushName
	if name == "" {
		name = conv.DisplayName
	}
	phone, _, _ := strings.Cut(msg.ChatJID, "@")

	lead, created, err := p.leads.EnsureLead(ctx, leads.EnsureLeadParams{
		TenantID:       tenantID,
		ConversationID: conv.ID,
		BucketID:       bucket.ID,
		Name:           name,
		Phone:          phone,
		Snippet:        body,
	})
	if err != nil {
		p.logger.Warn("lead capture failed",
			slog.String("conversation_id", conv.ID), slog.Any("error", err))
		return
	}
	if created {
		p.publish(tenantID, events.KindLeadCreated, events.JSON(lead))
	}
}

// autoReply drafts and sends an assistant response. Every failure here is
// logged and swallowed: a reply is never worth failing ingestion over.
func (p *Pipeline) autoReply(ctx context.Context, tenantID string, conv conversation.Conversation, incoming string) {
	// A conversation-assigned persona replies on its own; the tenant-wide
	// switch only gates the default-persona fallback.
	var pers persona.Persona
	var err error
	if conv.PersonaID != "" {
		pers, err = p.personas.Resolve(ctx, tenantID, conv.PersonaID)
	} else {
		settings, serr := p.personas.SettingsFor(ctx, tenantID)
		if serr != nil {
			p.logger.Warn("loading reply settings failed",
				slog.String("tenant_id", tenantID), slog.Any("error", serr))
			return
		}
		if !settings.AutoReplyEnabled {
			return
		}
		pers, err = p.personas.Resolve(ctx, tenantID, "")
	}
	if errors.Is(err, persona.ErrNoPersona) {
		return
	}
	if err != nil {
		p.logger.Warn("resolving persona failed",
			slog.String("conversation_id", conv.ID), slog.Any("error", err))
		return
	}

	history, err := p.conversations.RecentMessages(ctx, conv.ID, p.historyLimit)
	if err != nil {
		p.logger.Warn("loading history failed",
			slog.String("conversation_id", conv.ID), slog.Any("error", err))
		return
	}
	entries := make([]reply.HistoryEntry, 0, len(history))
	for _, m := range history {
		entries = append(entries, reply.HistoryEntry{
			FromContact: m.Sender == conversation.SenderContact,
			Body:        m.Body,
		})
	}

	if err := p.limiter.Allow(tenantID); err != nil {
		p.logger.Warn("reply suppressed",
			slog.String("tenant_id", tenantID), slog.Any("error", err))
		return
	}

	conn, err := p.conns.Conn(tenantID)
	if err != nil {
		p.logger.Warn("reply skipped, session not connected",
			slog.String("tenant_id", tenantID), slog.Any("error", err))
		return
	}

	text, err := p.generator.Generate(ctx, reply.Request{
		Persona:  pers,
		Incoming: incoming,
		History:  entries,
	})
	if err != nil {
		p.logger.Warn("reply generation failed",
			slog.String("conversation_id", conv.ID), slog.Any("error", err))
		return
	}

	externalID, sentAt, err := conn.SendText(ctx, conv.ExternalID, text)
	if err != nil {
		p.logger.Error("reply send failed",
			slog.String("conversation_id", conv.ID), slog.Any("error", err))
		return
	}

	stored, err := p.conversations.InsertMessage(ctx, conversation.InsertMessageParams{
		ConversationID: conv.ID,
		Sender:         conversation.SenderAssistant,
		Kind:           conversation.MessageText,
		Body:           text,
		ExternalID:     externalID,
		SentAt:         sentAt,
	})
	if err != nil {
		p.logger.Warn("persisting reply failed",
			slog.String("conversation_id", conv.ID), slog.Any("error", err))
		return
	}
	if err := p.conversations.TouchActivity(ctx, conversation.TouchParams{
		ConversationID: conv.ID,
		LastMessageAt:  sentAt,
		LastExternalID: externalID,
	}); err != nil {
		p.logger.Warn("touch activity failed",
			slog.String("conversation_id", conv.ID), slog.Any("error", err))
	}
	p.publish(tenantID, events.KindNewMessage,
		events.JSON(messagePayload{ConversationID: conv.ID, Message: stored}))
}

// messageTime falls back to arrival time when the transport sent none.
func (p *Pipeline) messageTime(msg session.InboundMessage) time.Time {
	if msg.Timestamp.IsZero() {
		return p.now()
	}
	return msg.Timestamp
}

// isLive reports whether the message is current traffic rather than a
// history replay.
func (p *Pipeline) isLive(msg session.InboundMessage) bool {
	if msg.Timestamp.IsZero() {
		return true
	}
	return p.now().Sub(msg.Timestamp) <= liveWindow
}

func (p *Pipeline) publish(tenantID string, kind events.Kind, data []byte) {
	if p.hub == nil {
		return
	}
	p.hub.Publish(events.Event{Kind: kind, TenantID: tenantID, Data: data})
}
