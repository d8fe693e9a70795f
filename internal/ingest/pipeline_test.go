package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
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

type fakeConvStore struct {
	mu       sync.Mutex
	nextID   int
	convs    map[string]conversation.Conversation
	messages []conversation.Message
	touches  []conversation.TouchParams
	seen     map[string]bool
}

func newFakeConvStore() *fakeConvStore {
	return &fakeConvStore{
		convs: map[string]conversation.Conversation{},
		seen:  map[string]bool{},
	}
}

func (f *fakeConvStore) GetByExternalID(ctx context.Context, tenantID, externalID string) (conversation.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.convs[tenantID+"/"+externalID]
	if !ok {
		return conversation.Conversation{}, conversation.ErrNotFound
	}
	return conv, nil
}

func (f *fakeConvStore) Create(ctx context.Context, params conversation.CreateParams) (conversation.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	conv := conversation.Conversation{
		ID:          fmt.Sprintf("conv-%d", f.nextID),
		TenantID:    params.TenantID,
		ExternalID:  params.ExternalID,
		Kind:        params.Kind,
		DisplayName: params.DisplayName,
		AvatarURL:   params.AvatarURL,
		AIEnabled:   params.AIEnabled,
	}
	f.convs[params.TenantID+"/"+params.ExternalID] = conv
	return conv, nil
}

func (f *fakeConvStore) InsertMessage(ctx context.Context, params conversation.InsertMessageParams) (conversation.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if params.ExternalID != "" {
		key := params.ConversationID + "/" + params.ExternalID
		if f.seen[key] {
			return conversation.Message{}, conversation.ErrDuplicateMessage
		}
		f.seen[key] = true
	}
	f.nextID++
	msg := conversation.Message{
		ID:             fmt.Sprintf("msg-%d", f.nextID),
		ConversationID: params.ConversationID,
		Sender:         params.Sender,
		Kind:           params.Kind,
		Body:           params.Body,
		ExternalID:     params.ExternalID,
		SentAt:         params.SentAt,
	}
	f.messages = append(f.messages, msg)
	return msg, nil
}

func (f *fakeConvStore) TouchActivity(ctx context.Context, params conversation.TouchParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touches = append(f.touches, params)
	return nil
}

func (f *fakeConvStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]conversation.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []conversation.Message
	for _, m := range f.messages {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeConvStore) GetMessageByExternalID(ctx context.Context, conversationID, externalID string) (conversation.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.messages {
		if m.ConversationID == conversationID && m.ExternalID == externalID {
			return m, nil
		}
	}
	return conversation.Message{}, conversation.ErrNotFound
}

func (f *fakeConvStore) messageCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

type fakeLeadStore struct {
	mu       sync.Mutex
	captured map[string]leads.Lead
}

func newFakeLeadStore() *fakeLeadStore {
	return &fakeLeadStore{captured: map[string]leads.Lead{}}
}

func (f *fakeLeadStore) EnsureDefaultBucket(ctx context.Context, tenantID string) (leads.Bucket, error) {
	return leads.Bucket{ID: "bucket-1", TenantID: tenantID, Name: leads.DefaultBucketName, IsDefault: true}, nil
}

func (f *fakeLeadStore) EnsureLead(ctx context.Context, params leads.EnsureLeadParams) (leads.Lead, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.captured[params.ConversationID]; ok {
		return existing, false, nil
	}
	lead := leads.Lead{
		ID:             "lead-" + params.ConversationID,
		TenantID:       params.TenantID,
		ConversationID: params.ConversationID,
		BucketID:       params.BucketID,
		Name:           params.Name,
		Phone:          params.Phone,
		Snippet:        params.Snippet,
	}
	f.captured[params.ConversationID] = lead
	return lead, true, nil
}

type fakePersonas struct {
	mu           sync.Mutex
	settings     persona.Settings
	persona      persona.Persona
	err          error
	lastResolved string
}

func (f *fakePersonas) SettingsFor(ctx context.Context, tenantID string) (persona.Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings, nil
}

func (f *fakePersonas) Resolve(ctx context.Context, tenantID, conversationPersonaID string) (persona.Persona, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastResolved = conversationPersonaID
	if f.err != nil {
		return persona.Persona{}, f.err
	}
	return f.persona, nil
}

type fakeDescriber struct {
	describeFunc func(ctx context.Context, att extract.Attachment) extract.Result
}

func (f *fakeDescriber) Describe(ctx context.Context, att extract.Attachment) extract.Result {
	return f.describeFunc(ctx, att)
}

type fakeGenerator struct {
	generateFunc func(ctx context.Context, req reply.Request) (string, error)
}

func (f *fakeGenerator) Generate(ctx context.Context, req reply.Request) (string, error) {
	if f.generateFunc == nil {
		return "", errors.New("not implemented")
	}
	return f.generateFunc(ctx, req)
}

type fakeConn struct {
	mu        sync.Mutex
	sent      []string
	to        []string
	fail      error
	seq       int
	avatar    string
	avatarErr error
}

func (f *fakeConn) SendText(ctx context.Context, toJID, body string) (string, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return "", time.Time{}, f.fail
	}
	f.seq++
	f.sent = append(f.sent, body)
	f.to = append(f.to, toJID)
	return fmt.Sprintf("out-%d", f.seq), time.Now(), nil
}

func (f *fakeConn) MarkRead(ctx context.Context, chatJID string, externalIDs []string) error {
	return nil
}
func (f *fakeConn) Presence(ctx context.Context) error { return nil }
func (f *fakeConn) AvatarURL(ctx context.Context, jid string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.avatar, f.avatarErr
}
func (f *fakeConn) Contacts(ctx context.Context) ([]session.RosterEntry, error) {
	return nil, nil
}
func (f *fakeConn) Authenticated() bool { return true }
func (f *fakeConn) Connected() bool     { return true }
func (f *fakeConn) Disconnect()         {}

func (f *fakeConn) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeConnSource struct {
	conn *fakeConn
	err  error
}

func (f *fakeConnSource) Conn(tenantID string) (session.Conn, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.conn, nil
}

type recordingHub struct {
	mu     sync.Mutex
	events []events.Event
}

func (h *recordingHub) Publish(evt events.Event) {
	h.mu.Lock()
	h.events = append(h.events, evt)
	h.mu.Unlock()
}

func (h *recordingHub) count(kind events.Kind) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, evt := range h.events {
		if evt.Kind == kind {
			n++
		}
	}
	return n
}

type pipelineFixture struct {
	pipeline *Pipeline
	convs    *fakeConvStore
	leads    *fakeLeadStore
	personas *fakePersonas
	conn     *fakeConn
	hub      *recordingHub
}

func newFixture() *pipelineFixture {
	convs := newFakeConvStore()
	leadStore := newFakeLeadStore()
	personas := &fakePersonas{
		settings: persona.Settings{AutoReplyEnabled: true, DefaultPersonaID: "p1"},
		persona:  persona.Persona{ID: "p1", Instructions: "be helpful"},
	}
	describer := &fakeDescriber{describeFunc: func(ctx context.Context, att extract.Attachment) extract.Result {
		return extract.Result{Text: "[Audio transcribed: hi]", Extracted: true}
	}}
	generator := &fakeGenerator{generateFunc: func(ctx context.Context, req reply.Request) (string, error) {
		return "thanks for reaching out", nil
	}}
	conn := &fakeConn{}
	hub := &recordingHub{}

	p := NewPipeline(nil, convs, leadStore, personas, describer, generator,
		ratelimit.New(60, 10), dedupe.NewCache(time.Hour), hub, &fakeConnSource{conn: conn}, 10)
	return &pipelineFixture{pipeline: p, convs: convs, leads: leadStore, personas: personas, conn: conn, hub: hub}
}

func inbound(externalID, text string) session.InboundMessage {
	return session.InboundMessage{
		ExternalID: externalID,
		ChatJID:    "15550001111@s.whatsapp.net",
		SenderJID:  "15550001111@s.whatsapp.net",
		PushName:   "Ada",
		Timestamp:  time.Now(),
		Text:       text,
	}
}

func TestIngestFreshConversation(t *testing.T) {
	t.Parallel()

	fx := newFixture()
	if err := fx.pipeline.Ingest(context.Background(), "tenant-a", inbound("m1", "hello there")); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	if got := fx.hub.count(events.KindNewContact); got != 1 {
		t.Fatalf("expected 1 new-contact event, got %d", got)
	}
	if got := fx.hub.count(events.KindLeadCreated); got != 1 {
		t.Fatalf("expected 1 lead-created event, got %d", got)
	}
	// Inbound message plus the assistant reply.
	if got := fx.hub.count(events.KindNewMessage); got != 2 {
		t.Fatalf("expected 2 new-message events, got %d", got)
	}
	if got := fx.conn.sentCount(); got != 1 {
		t.Fatalf("expected 1 reply sent, got %d", got)
	}
	if got := fx.convs.messageCount(); got != 2 {
		t.Fatalf("expected 2 persisted messages, got %d", got)
	}
}

func TestIngestDropsReplayedDeliveries(t *testing.T) {
	t.Parallel()

	fx := newFixture()
	msg := inbound("m1", "hello")
	if err := fx.pipeline.Ingest(context.Background(), "tenant-a", msg); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	before := fx.convs.messageCount()

	if err := fx.pipeline.Ingest(context.Background(), "tenant-a", msg); err != nil {
		t.Fatalf("replayed ingest: %v", err)
	}
	if got := fx.convs.messageCount(); got != before {
		t.Fatalf("replay persisted a duplicate: %d -> %d messages", before, got)
	}
}

func TestIngestDatabaseBackstopCatchesDuplicates(t *testing.T) {
	t.Parallel()

	fx := newFixture()
	msg := inbound("m1", "hello")
	if err := fx.pipeline.Ingest(context.Background(), "tenant-a", msg); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	before := fx.convs.messageCount()

	// Simulate a cold cache: the unique index is the durable backstop.
	fresh := NewPipeline(nil, fx.convs, fx.leads, fx.personas,
		&fakeDescriber{describeFunc: func(ctx context.Context, att extract.Attachment) extract.Result {
			return extract.Result{}
		}},
		&fakeGenerator{}, ratelimit.New(60, 10), dedupe.NewCache(time.Hour),
		fx.hub, &fakeConnSource{conn: fx.conn}, 10)

	if err := fresh.Ingest(context.Background(), "tenant-a", msg); err != nil {
		t.Fatalf("replayed ingest: %v", err)
	}
	if got := fx.convs.messageCount(); got != before {
		t.Fatalf("backstop missed a duplicate: %d -> %d messages", before, got)
	}
}

func TestIngestExtractsMediaWithoutText(t *testing.T) {
	t.Parallel()

	fx := newFixture()
	msg := inbound("m1", "")
	msg.Attachment = &extract.Attachment{Kind: extract.KindAudio, Mime: "audio/ogg", Data: []byte("x")}

	if err := fx.pipeline.Ingest(context.Background(), "tenant-a", msg); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	fx.convs.mu.Lock()
	first := fx.convs.messages[0]
	fx.convs.mu.Unlock()
	if first.Body != "[Audio transcribed: hi]" {
		t.Fatalf("unexpected body: %q", first.Body)
	}
	if first.Kind != conversation.MessageMedia {
		t.Fatalf("expected media kind, got %s", first.Kind)
	}
}

func TestIngestUndownloadedMediaPersistsFallback(t *testing.T) {
	t.Parallel()

	fx := newFixture()
	fx.personas.settings.AutoReplyEnabled = false
	fx.pipeline.describer = &fakeDescriber{describeFunc: func(ctx context.Context, att extract.Attachment) extract.Result {
		return extract.Result{Text: "[Audio received but could not be transcribed: media unavailable]"}
	}}

	msg := inbound("m1", "")
	msg.Attachment = &extract.Attachment{Kind: extract.KindAudio, Mime: "audio/ogg"}

	if err := fx.pipeline.Ingest(context.Background(), "tenant-a", msg); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if got := fx.convs.messageCount(); got != 1 {
		t.Fatalf("fallback message not persisted, got %d", got)
	}

	fx.convs.mu.Lock()
	first := fx.convs.messages[0]
	fx.convs.mu.Unlock()
	if first.Kind != conversation.MessageMedia {
		t.Fatalf("expected media kind, got %s", first.Kind)
	}
	if !strings.Contains(first.Body, "could not be transcribed") {
		t.Fatalf("unexpected body: %q", first.Body)
	}
}

func TestIngestHistoryReplayNeverRepliesOrCapturesLeads(t *testing.T) {
	t.Parallel()

	fx := newFixture()
	msg := inbound("m1", "old message")
	msg.Timestamp = time.Now().Add(-time.Hour)

	if err := fx.pipeline.Ingest(context.Background(), "tenant-a", msg); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	if got := fx.convs.messageCount(); got != 1 {
		t.Fatalf("history message must still persist, got %d messages", got)
	}
	if got := fx.conn.sentCount(); got != 0 {
		t.Fatalf("history replay triggered a reply")
	}
	if got := fx.hub.count(events.KindLeadCreated); got != 0 {
		t.Fatalf("history replay captured a lead")
	}
}

func TestIngestSelfMessagesSkipLeadAndReply(t *testing.T) {
	t.Parallel()

	fx := newFixture()
	msg := inbound("m1", "note to customer")
	msg.FromSelf = true

	if err := fx.pipeline.Ingest(context.Background(), "tenant-a", msg); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if got := fx.conn.sentCount(); got != 0 {
		t.Fatalf("self message triggered a reply")
	}
	if got := fx.hub.count(events.KindLeadCreated); got != 0 {
		t.Fatalf("self message captured a lead")
	}

	fx.convs.mu.Lock()
	touch := fx.convs.touches[0]
	fx.convs.mu.Unlock()
	if touch.IncrementUnread {
		t.Fatalf("self message must not increment unread")
	}
}

func TestIngestReactionToUntrackedMessage(t *testing.T) {
	t.Parallel()

	fx := newFixture()
	msg := inbound("r1", "")
	msg.Reaction = &session.Reaction{TargetExternalID: "missing", Emoji: "👍"}

	if err := fx.pipeline.Ingest(context.Background(), "tenant-a", msg); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if got := fx.hub.count(events.KindMessageReaction); got != 0 {
		t.Fatalf("reaction to untracked message was published")
	}
	if got := fx.convs.messageCount(); got != 0 {
		t.Fatalf("reaction persisted as a message")
	}
}

func TestIngestReactionToTrackedMessage(t *testing.T) {
	t.Parallel()

	fx := newFixture()
	if err := fx.pipeline.Ingest(context.Background(), "tenant-a", inbound("m1", "hello")); err != nil {
		t.Fatalf("seed ingest: %v", err)
	}

	msg := inbound("r1", "")
	msg.Reaction = &session.Reaction{TargetExternalID: "m1", Emoji: "❤️"}
	if err := fx.pipeline.Ingest(context.Background(), "tenant-a", msg); err != nil {
		t.Fatalf("reaction ingest: %v", err)
	}
	if got := fx.hub.count(events.KindMessageReaction); got != 1 {
		t.Fatalf("expected 1 reaction event, got %d", got)
	}
}

func TestIngestRespectsDisabledAutoReply(t *testing.T) {
	t.Parallel()

	fx := newFixture()
	fx.personas.settings.AutoReplyEnabled = false

	if err := fx.pipeline.Ingest(context.Background(), "tenant-a", inbound("m1", "hello")); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if got := fx.conn.sentCount(); got != 0 {
		t.Fatalf("auto-reply sent while disabled")
	}
}

func TestIngestAssignedPersonaRepliesDespiteTenantSwitch(t *testing.T) {
	t.Parallel()

	fx := newFixture()
	fx.personas.settings.AutoReplyEnabled = false
	fx.convs.convs["tenant-a/15550001111@s.whatsapp.net"] = conversation.Conversation{
		ID:         "conv-assigned",
		TenantID:   "tenant-a",
		ExternalID: "15550001111@s.whatsapp.net",
		Kind:       conversation.KindIndividual,
		AIEnabled:  true,
		PersonaID:  "p9",
	}

	if err := fx.pipeline.Ingest(context.Background(), "tenant-a", inbound("m1", "hello")); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if got := fx.conn.sentCount(); got != 1 {
		t.Fatalf("assigned persona must reply, got %d sends", got)
	}
	fx.personas.mu.Lock()
	resolved := fx.personas.lastResolved
	fx.personas.mu.Unlock()
	if resolved != "p9" {
		t.Fatalf("resolved persona %q, want the conversation's", resolved)
	}
}

func TestIngestNewConversationCarriesAvatar(t *testing.T) {
	t.Parallel()

	fx := newFixture()
	fx.conn.avatar = "https://pps.whatsapp.net/v/avatar.jpg"

	if err := fx.pipeline.Ingest(context.Background(), "tenant-a", inbound("m1", "hello")); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	conv, err := fx.convs.GetByExternalID(context.Background(), "tenant-a", "15550001111@s.whatsapp.net")
	if err != nil {
		t.Fatalf("conversation not created: %v", err)
	}
	if conv.AvatarURL != "https://pps.whatsapp.net/v/avatar.jpg" {
		t.Fatalf("avatar_url = %q", conv.AvatarURL)
	}
}

func TestIngestAvatarFailureStillCreatesConversation(t *testing.T) {
	t.Parallel()

	fx := newFixture()
	fx.conn.avatarErr = errors.New("no picture set")

	if err := fx.pipeline.Ingest(context.Background(), "tenant-a", inbound("m1", "hello")); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	conv, err := fx.convs.GetByExternalID(context.Background(), "tenant-a", "15550001111@s.whatsapp.net")
	if err != nil {
		t.Fatalf("conversation not created: %v", err)
	}
	if conv.AvatarURL != "" {
		t.Fatalf("avatar_url = %q, want empty", conv.AvatarURL)
	}
}

func TestIngestReplyFailureDoesNotFailIngestion(t *testing.T) {
	t.Parallel()

	fx := newFixture()
	fx.conn.fail = errors.New("socket closed")

	if err := fx.pipeline.Ingest(context.Background(), "tenant-a", inbound("m1", "hello")); err != nil {
		t.Fatalf("ingest must not propagate reply errors: %v", err)
	}
	if got := fx.convs.messageCount(); got != 1 {
		t.Fatalf("inbound message not persisted, got %d", got)
	}
}
