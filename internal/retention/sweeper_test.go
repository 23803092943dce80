package retention

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"dm-service/internal/mocks"
	"dm-service/internal/models"
	"dm-service/internal/repositories"
	"dm-service/internal/telemetry"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

type auditLog struct {
	actions []string
}

func (a *auditLog) Emit(_ context.Context, rec telemetry.AuditRecord) {
	a.actions = append(a.actions, rec.Action)
}

type announced struct {
	ids []int
}

func (a *announced) Announce(_ context.Context, msg models.Message) error {
	a.ids = append(a.ids, msg.ID)
	return nil
}

type fixture struct {
	store   *repositories.MemoryStore
	pub     *mocks.PublisherMock
	audit   *auditLog
	sweeper *Sweeper
	conv    models.Conversation
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: repositories.NewMemoryStore(),
		pub:   new(mocks.PublisherMock),
		audit: &auditLog{},
		now:   t0,
	}
	f.store.SetClock(func() time.Time { return f.now })
	f.sweeper = NewSweeper(f.store, f.store, f.pub, f.audit, Options{Batch: 10, MaxRetries: 3, ReconcileAfter: 30 * time.Second})
	f.sweeper.SetClock(func() time.Time { return f.now })

	conv, err := f.store.CreateDirect(context.Background(), 1, 2, false)
	require.NoError(t, err)
	f.conv = conv
	return f
}

func (f *fixture) send(t *testing.T, corr string, mutate func(*models.Message)) models.Message {
	t.Helper()
	msg := models.Message{
		ConversationID: f.conv.ID,
		SenderID:       1,
		CorrelationID:  corr,
		Type:           models.TypeText,
		Content:        models.Envelope{Plaintext: "hello"},
	}
	if mutate != nil {
		mutate(&msg)
	}
	stored, created, err := f.store.Append(context.Background(), msg)
	require.NoError(t, err)
	require.True(t, created)
	_, err = f.store.ApplyMessage(context.Background(), stored)
	require.NoError(t, err)
	return stored
}

func TestExpiryScrubsContentAndKeepsStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	msg := f.send(t, "c1", func(m *models.Message) {
		m.Expiry = models.ExpiresAt{At: t0.Add(time.Hour)}
	})
	ok, err := f.store.AdvanceStatus(ctx, msg.ID, []models.DeliveryStatus{models.StatusSent}, models.StatusDelivered)
	require.NoError(t, err)
	require.True(t, ok)

	f.now = t0.Add(30 * time.Minute)
	assert.Equal(t, 0, f.sweeper.SweepOnce(ctx).Expired)

	f.now = t0.Add(2 * time.Hour)
	report := f.sweeper.SweepOnce(ctx)
	assert.Equal(t, 1, report.Expired)

	got, err := f.store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.IsType(t, models.Expired{}, got.Expiry)
	assert.True(t, got.Content.Empty())
	assert.Equal(t, models.StatusDelivered, got.Status)

	assert.Equal(t, 0, f.sweeper.SweepOnce(ctx).Expired)
	f.pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestExpiredMediaIsPurged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	msg := f.send(t, "c1", func(m *models.Message) {
		m.Type = models.TypeImage
		m.MediaRef = "blob://img-1"
		m.Expiry = models.ExpiresAt{At: t0.Add(time.Minute)}
	})

	f.pub.On("Publish", mock.Anything, mediaPurgeRoutingKey, mock.MatchedBy(func(p MediaPurge) bool {
		return p.MessageID == msg.ID && p.MediaRef == "blob://img-1" && p.Reason == "expired"
	}), mock.Anything).Return(nil).Once()

	f.now = t0.Add(time.Hour)
	assert.Equal(t, 1, f.sweeper.SweepOnce(ctx).Expired)
	f.pub.AssertExpectations(t)

	got, err := f.store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Empty(t, got.MediaRef)
}

func TestHardDeleteAfterGrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	msg := f.send(t, "c1", nil)
	changed, err := f.store.MarkDeletedForEveryone(ctx, msg.ID, 1, t0, t0.Add(24*time.Hour))
	require.NoError(t, err)
	require.True(t, changed)

	f.now = t0.Add(23 * time.Hour)
	assert.Equal(t, 0, f.sweeper.SweepOnce(ctx).HardDeleted)

	f.now = t0.Add(25 * time.Hour)
	report := f.sweeper.SweepOnce(ctx)
	assert.Equal(t, 1, report.HardDeleted)
	assert.Equal(t, []string{"message.hard_deleted"}, f.audit.actions)

	got, err := f.store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.IsType(t, models.HardDeleted{}, got.Deletion)
	assert.True(t, got.Content.Empty())

	assert.Equal(t, 0, f.sweeper.SweepOnce(ctx).HardDeleted)
}

func TestFailedPurgeRetriesThenDeadLetters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	msg := f.send(t, "c1", func(m *models.Message) {
		m.Type = models.TypeFile
		m.MediaRef = "blob://doc"
	})
	_, err := f.store.MarkDeletedForEveryone(ctx, msg.ID, 1, t0, t0.Add(time.Hour))
	require.NoError(t, err)

	f.pub.On("Publish", mock.Anything, mediaPurgeRoutingKey, mock.Anything, mock.Anything).Return(errors.New("broker down")).Times(3)

	f.now = t0.Add(2 * time.Hour)
	for i := 0; i < 2; i++ {
		report := f.sweeper.SweepOnce(ctx)
		assert.Equal(t, 1, report.Failed)
		assert.Equal(t, 0, report.DeadLettered)
	}
	report := f.sweeper.SweepOnce(ctx)
	assert.Equal(t, 1, report.DeadLettered)
	assert.Equal(t, []string{"message.hard_delete_dead_lettered"}, f.audit.actions)

	got, err := f.store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	d, ok := got.Deletion.(models.DeletedForEveryone)
	require.True(t, ok)
	assert.True(t, d.DeadLettered)
	assert.Equal(t, "blob://doc", got.MediaRef)

	assert.Equal(t, Report{}, f.sweeper.SweepOnce(ctx))
	f.pub.AssertExpectations(t)
}

func TestReconcileAppliesStrandedMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	stranded, _, err := f.store.Append(ctx, models.Message{
		ConversationID: f.conv.ID,
		SenderID:       1,
		CorrelationID:  "c1",
		Type:           models.TypeText,
		Content:        models.Envelope{Plaintext: "lost"},
	})
	require.NoError(t, err)
	pushed := &announced{}
	f.sweeper.SetAnnouncer(pushed)

	f.now = t0.Add(10 * time.Second)
	assert.Equal(t, 0, f.sweeper.SweepOnce(ctx).Reconciled)
	assert.Empty(t, pushed.ids)

	f.now = t0.Add(time.Minute)
	assert.Equal(t, 1, f.sweeper.SweepOnce(ctx).Reconciled)

	conv, err := f.store.GetConversation(ctx, f.conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, conv.Unread[2])
	require.NotNil(t, conv.LastMessage)
	assert.Equal(t, stranded.ID, conv.LastMessage.MessageID)
	assert.Equal(t, []int{stranded.ID}, pushed.ids)

	assert.Equal(t, 0, f.sweeper.SweepOnce(ctx).Reconciled)
	assert.Equal(t, []int{stranded.ID}, pushed.ids)
}
