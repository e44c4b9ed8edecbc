package pipeline

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fathima-sithara/realtime-service/internal/apperr"
	"github.com/fathima-sithara/realtime-service/internal/domain"
)

type fakeMessages struct {
	byID     map[string]*domain.Message
	byDedupe map[string]*domain.Message
	failWith error
}

func newFakeMessages() *fakeMessages {
	return &fakeMessages{byID: map[string]*domain.Message{}, byDedupe: map[string]*domain.Message{}}
}

func (f *fakeMessages) Insert(_ context.Context, m *domain.Message) error {
	if f.failWith != nil {
		return f.failWith
	}
	if _, ok := f.byDedupe[m.DedupeKey]; ok {
		return apperr.New(apperr.CodeFailedPrecondition, "message already persisted")
	}
	cp := *m
	f.byID[m.ID] = &cp
	f.byDedupe[m.DedupeKey] = &cp
	return nil
}

func (f *fakeMessages) FindByID(_ context.Context, id string) (*domain.Message, error) {
	m, ok := f.byID[id]
	if !ok {
		return nil, apperr.NotFound("message not found")
	}
	cp := *m
	return &cp, nil
}

func (f *fakeMessages) FindByDedupeKey(_ context.Context, key string) (*domain.Message, error) {
	if m, ok := f.byDedupe[key]; ok {
		cp := *m
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeMessages) SetContent(_ context.Context, id, content string) error {
	m, ok := f.byID[id]
	if !ok {
		return apperr.NotFound("message not found")
	}
	m.Content = content
	m.IsEdited = true
	return nil
}

func (f *fakeMessages) MarkDeleted(_ context.Context, id string) error {
	m, ok := f.byID[id]
	if !ok {
		return apperr.NotFound("message not found")
	}
	m.IsDeleted = true
	return nil
}

type fakeDeliveries struct {
	rows     map[string]domain.DeliveryState // messageID|userID -> state
	failOnce error                           // next InsertSent fails, then clears
}

func newFakeDeliveries() *fakeDeliveries {
	return &fakeDeliveries{rows: map[string]domain.DeliveryState{}}
}

func (f *fakeDeliveries) InsertSent(_ context.Context, messageID string, recipients []string) error {
	if f.failOnce != nil {
		err := f.failOnce
		f.failOnce = nil
		return err
	}
	for _, u := range recipients {
		key := messageID + "|" + u
		if _, ok := f.rows[key]; !ok {
			f.rows[key] = domain.DeliverySent
		}
	}
	return nil
}

func (f *fakeDeliveries) Advance(_ context.Context, messageID, userID string, to domain.DeliveryState) (bool, error) {
	key := messageID + "|" + userID
	cur, ok := f.rows[key]
	if !ok {
		return false, apperr.NotFound("delivery status not found")
	}
	if cur.Rank() >= to.Rank() {
		return false, nil
	}
	f.rows[key] = to
	return true, nil
}

type fakeIdentity struct {
	users   map[string]bool
	members map[string][]string
}

func (f *fakeIdentity) UserExists(_ context.Context, id string) (bool, error) {
	return f.users[id], nil
}

func (f *fakeIdentity) IsMember(_ context.Context, groupID, userID string) (bool, error) {
	for _, m := range f.members[groupID] {
		if m == userID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeIdentity) Members(_ context.Context, groupID string) ([]string, error) {
	return f.members[groupID], nil
}

type fakePublisher struct {
	events []*domain.PushEvent
}

func (f *fakePublisher) PublishPush(_ context.Context, ev *domain.PushEvent) error {
	f.events = append(f.events, ev)
	return nil
}

type fixture struct {
	p          *Pipeline
	messages   *fakeMessages
	deliveries *fakeDeliveries
	identity   *fakeIdentity
	published  *fakePublisher
}

func newFixture() *fixture {
	f := &fixture{
		messages:   newFakeMessages(),
		deliveries: newFakeDeliveries(),
		identity: &fakeIdentity{
			users:   map[string]bool{"alice": true, "bob": true, "carol": true},
			members: map[string][]string{"g1": {"alice", "bob", "carol"}},
		},
		published: &fakePublisher{},
	}
	f.p = New(f.messages, f.deliveries, f.identity, f.published, 15*time.Minute, zap.NewNop().Sugar())
	return f
}

func sendEnvelope(t *testing.T, dedupe string, payload domain.SendMessagePayload) *domain.Envelope {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return &domain.Envelope{
		ID: "env-" + dedupe, Type: domain.OpMessageSend,
		Data: data, DedupeKey: dedupe, Timestamp: time.Now().UTC(),
	}
}

func TestSendDirectMessage(t *testing.T) {
	f := newFixture()
	env := sendEnvelope(t, "dk1", domain.SendMessagePayload{
		SenderID: "alice", RecipientID: "bob", Content: "hello",
	})

	require.NoError(t, f.p.Handle(context.Background(), env))

	require.Len(t, f.messages.byID, 1)
	assert.Equal(t, domain.DeliverySent, f.deliveries.rows[messageID(f)+"|bob"])

	require.Len(t, f.published.events, 1)
	ev := f.published.events[0]
	assert.Equal(t, domain.EventMessageUpdate, ev.Event)
	assert.ElementsMatch(t, []string{"alice", "bob"}, ev.Targets)
}

func TestSendGroupMessageRecipients(t *testing.T) {
	f := newFixture()
	env := sendEnvelope(t, "dk2", domain.SendMessagePayload{
		SenderID: "alice", GroupID: "g1", Content: "hi all",
	})

	require.NoError(t, f.p.Handle(context.Background(), env))

	id := messageID(f)
	assert.Contains(t, f.deliveries.rows, id+"|bob")
	assert.Contains(t, f.deliveries.rows, id+"|carol")
	assert.NotContains(t, f.deliveries.rows, id+"|alice", "sender gets no delivery row")
}

func TestSendRejectsNonMember(t *testing.T) {
	f := newFixture()
	env := sendEnvelope(t, "dk3", domain.SendMessagePayload{
		SenderID: "mallory", GroupID: "g1", Content: "hi",
	})

	err := f.p.Handle(context.Background(), env)
	require.Error(t, err)
	assert.Equal(t, apperr.CodePermissionDenied, apperr.CodeOf(err))
	assert.False(t, apperr.Retryable(err))
	assert.Empty(t, f.messages.byID)
}

func TestSendRejectsUnknownRecipient(t *testing.T) {
	f := newFixture()
	env := sendEnvelope(t, "dk4", domain.SendMessagePayload{
		SenderID: "alice", RecipientID: "nobody", Content: "hi",
	})

	err := f.p.Handle(context.Background(), env)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
	assert.False(t, apperr.Retryable(err))
}

func TestSendValidation(t *testing.T) {
	f := newFixture()
	cases := []struct {
		name    string
		payload domain.SendMessagePayload
	}{
		{"empty content", domain.SendMessagePayload{SenderID: "alice", RecipientID: "bob"}},
		{"no target", domain.SendMessagePayload{SenderID: "alice", Content: "x"}},
		{"both targets", domain.SendMessagePayload{SenderID: "alice", RecipientID: "bob", GroupID: "g1", Content: "x"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := f.p.Handle(context.Background(), sendEnvelope(t, "dk-"+tc.name, tc.payload))
			require.Error(t, err)
			assert.Equal(t, apperr.CodeInvalidArgument, apperr.CodeOf(err))
			assert.False(t, apperr.Retryable(err))
		})
	}
}

// Redelivering the same envelope must leave exactly one persisted
// message and one set of delivery rows. The push may repeat (delivery
// is at-least-once) but never multiplies the stored state.
func TestSendIdempotentUnderRedelivery(t *testing.T) {
	f := newFixture()
	env := sendEnvelope(t, "dk-replay", domain.SendMessagePayload{
		SenderID: "alice", RecipientID: "bob", Content: "once",
	})

	require.NoError(t, f.p.Handle(context.Background(), env))
	redelivered := *env
	redelivered.RetryCount = 1
	require.NoError(t, f.p.Handle(context.Background(), &redelivered))

	assert.Len(t, f.messages.byID, 1)
	assert.Len(t, f.deliveries.rows, 1)
	assert.Equal(t, domain.DeliverySent, f.deliveries.rows[messageID(f)+"|bob"])
}

// A first attempt that persists the message but dies before the
// delivery rows go in must be completed by the redelivery, not
// acknowledged away on the dedupe hit.
func TestSendRedeliveryResumesAfterPartialFailure(t *testing.T) {
	f := newFixture()
	f.deliveries.failOnce = apperr.Unavailable("delivery write", assert.AnError)
	env := sendEnvelope(t, "dk-partial", domain.SendMessagePayload{
		SenderID: "alice", RecipientID: "bob", Content: "hi",
	})

	err := f.p.Handle(context.Background(), env)
	require.Error(t, err)
	assert.True(t, apperr.Retryable(err))
	require.Len(t, f.messages.byID, 1, "message persisted before the failure")
	assert.Empty(t, f.deliveries.rows)
	assert.Empty(t, f.published.events)

	redelivered := *env
	redelivered.RetryCount = 1
	require.NoError(t, f.p.Handle(context.Background(), &redelivered))

	assert.Len(t, f.messages.byID, 1)
	assert.Equal(t, domain.DeliverySent, f.deliveries.rows[messageID(f)+"|bob"])
	require.Len(t, f.published.events, 1, "fan-out completed on resume")
	assert.ElementsMatch(t, []string{"alice", "bob"}, f.published.events[0].Targets)
}

func TestSendTransientStoreErrorIsRetryable(t *testing.T) {
	f := newFixture()
	f.messages.failWith = apperr.Unavailable("mongo down", assert.AnError)
	env := sendEnvelope(t, "dk5", domain.SendMessagePayload{
		SenderID: "alice", RecipientID: "bob", Content: "hi",
	})

	err := f.p.Handle(context.Background(), env)
	require.Error(t, err)
	assert.True(t, apperr.Retryable(err))
}

func TestEditMessage(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.p.Handle(context.Background(), sendEnvelope(t, "dk6", domain.SendMessagePayload{
		SenderID: "alice", RecipientID: "bob", Content: "orig",
	})))
	id := messageID(f)

	t.Run("by sender within window", func(t *testing.T) {
		env := editEnvelope(t, domain.EditMessagePayload{MessageID: id, SenderID: "alice", Content: "fixed"})
		require.NoError(t, f.p.Handle(context.Background(), env))
		m, _ := f.messages.FindByID(context.Background(), id)
		assert.Equal(t, "fixed", m.Content)
		assert.True(t, m.IsEdited)
	})

	t.Run("by other user", func(t *testing.T) {
		env := editEnvelope(t, domain.EditMessagePayload{MessageID: id, SenderID: "bob", Content: "nope"})
		err := f.p.Handle(context.Background(), env)
		assert.Equal(t, apperr.CodePermissionDenied, apperr.CodeOf(err))
	})

	t.Run("outside edit window", func(t *testing.T) {
		f.p.now = func() time.Time { return time.Now().UTC().Add(16 * time.Minute) }
		defer func() { f.p.now = func() time.Time { return time.Now().UTC() } }()
		env := editEnvelope(t, domain.EditMessagePayload{MessageID: id, SenderID: "alice", Content: "late"})
		err := f.p.Handle(context.Background(), env)
		assert.Equal(t, apperr.CodeFailedPrecondition, apperr.CodeOf(err))
	})

	t.Run("missing message", func(t *testing.T) {
		env := editEnvelope(t, domain.EditMessagePayload{MessageID: "gone", SenderID: "alice", Content: "x"})
		err := f.p.Handle(context.Background(), env)
		assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
	})
}

func TestDeleteMessage(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.p.Handle(context.Background(), sendEnvelope(t, "dk7", domain.SendMessagePayload{
		SenderID: "alice", RecipientID: "bob", Content: "bye",
	})))
	id := messageID(f)

	env := deleteEnvelope(t, domain.DeleteMessagePayload{MessageID: id, SenderID: "alice"})
	require.NoError(t, f.p.Handle(context.Background(), env))
	m, _ := f.messages.FindByID(context.Background(), id)
	assert.True(t, m.IsDeleted)

	// second delete is a no-op, not an error
	before := len(f.published.events)
	require.NoError(t, f.p.Handle(context.Background(), env))
	assert.Len(t, f.published.events, before)
}

func TestStatusAdvances(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.p.Handle(context.Background(), sendEnvelope(t, "dk8", domain.SendMessagePayload{
		SenderID: "alice", RecipientID: "bob", Content: "hi",
	})))
	id := messageID(f)

	require.NoError(t, f.p.Handle(context.Background(), statusEnvelope(t, domain.OpStatusDelivered, id, "bob")))
	assert.Equal(t, domain.DeliveryDelivered, f.deliveries.rows[id+"|bob"])

	require.NoError(t, f.p.Handle(context.Background(), statusEnvelope(t, domain.OpStatusRead, id, "bob")))
	assert.Equal(t, domain.DeliveryRead, f.deliveries.rows[id+"|bob"])

	// regression attempt: delivered after read is silently absorbed
	before := len(f.published.events)
	require.NoError(t, f.p.Handle(context.Background(), statusEnvelope(t, domain.OpStatusDelivered, id, "bob")))
	assert.Equal(t, domain.DeliveryRead, f.deliveries.rows[id+"|bob"])
	assert.Len(t, f.published.events, before, "no event for a non-advance")
}

func TestUnknownEnvelopeType(t *testing.T) {
	f := newFixture()
	err := f.p.Handle(context.Background(), &domain.Envelope{Type: "message.unknown", Data: json.RawMessage(`{}`)})
	require.Error(t, err)
	assert.False(t, apperr.Retryable(err))
}

func messageID(f *fixture) string {
	for id := range f.messages.byID {
		return id
	}
	return ""
}

func editEnvelope(t *testing.T, p domain.EditMessagePayload) *domain.Envelope {
	t.Helper()
	data, err := json.Marshal(p)
	require.NoError(t, err)
	return &domain.Envelope{ID: "env-edit", Type: domain.OpMessageEdit, Data: data, DedupeKey: "dk-edit", Timestamp: time.Now().UTC()}
}

func deleteEnvelope(t *testing.T, p domain.DeleteMessagePayload) *domain.Envelope {
	t.Helper()
	data, err := json.Marshal(p)
	require.NoError(t, err)
	return &domain.Envelope{ID: "env-del", Type: domain.OpMessageDelete, Data: data, DedupeKey: "dk-del", Timestamp: time.Now().UTC()}
}

func statusEnvelope(t *testing.T, op, messageID, userID string) *domain.Envelope {
	t.Helper()
	data, err := json.Marshal(domain.StatusUpdatePayload{MessageID: messageID, UserID: userID})
	require.NoError(t, err)
	return &domain.Envelope{ID: "env-status", Type: op, Data: data, DedupeKey: "dk-status", Timestamp: time.Now().UTC()}
}
