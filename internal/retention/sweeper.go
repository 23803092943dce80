// Package retention enforces message expiry, finishes grace-period hard
// deletes and repairs conversation aggregates that a send left behind.
package retention

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"dm-service/internal/logging"
	"dm-service/internal/models"
	"dm-service/internal/observability"
	"dm-service/internal/repositories"
	"dm-service/internal/telemetry"
)

const mediaPurgeRoutingKey = "media.purge"

// Publisher sends media purge requests to the blob store.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error
}

// Auditor records irreversible actions.
type Auditor interface {
	Emit(ctx context.Context, rec telemetry.AuditRecord)
}

// Announcer pushes a message to the conversation's live sessions.
type Announcer interface {
	Announce(ctx context.Context, msg models.Message) error
}

// MediaPurge asks the blob store to drop a media object.
type MediaPurge struct {
	MessageID      int       `json:"message_id"`
	ConversationID int       `json:"conversation_id"`
	MediaRef       string    `json:"media_ref"`
	Reason         string    `json:"reason"`
	RequestedAt    time.Time `json:"requested_at"`
}

// Options tunes the sweep.
type Options struct {
	Interval       time.Duration
	Batch          int
	MaxRetries     int
	ReconcileAfter time.Duration
}

// Report counts what one sweep did.
type Report struct {
	Expired      int
	HardDeleted  int
	Failed       int
	DeadLettered int
	Reconciled   int
}

// Sweeper runs the periodic retention pass.
type Sweeper struct {
	messages      repositories.MessageRepository
	conversations repositories.ConversationRepository
	purger        Publisher
	auditor       Auditor
	announcer     Announcer
	opts          Options

	now func() time.Time
	log *logrus.Entry
}

// NewSweeper wires a Sweeper. purger and auditor may be nil.
func NewSweeper(messages repositories.MessageRepository, conversations repositories.ConversationRepository, purger Publisher, auditor Auditor, opts Options) *Sweeper {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.Batch <= 0 {
		opts.Batch = 100
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	return &Sweeper{
		messages:      messages,
		conversations: conversations,
		purger:        purger,
		auditor:       auditor,
		opts:          opts,
		now:           time.Now,
		log:           logging.For("retention"),
	}
}

// SetClock replaces the sweeper clock.
func (s *Sweeper) SetClock(now func() time.Time) {
	s.now = now
}

// SetAnnouncer makes the reconcile pass push the messages it applies.
func (s *Sweeper) SetAnnouncer(a Announcer) {
	s.announcer = a
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	s.log.WithField("interval", s.opts.Interval.String()).Info("retention sweeper started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info("retention sweeper stopped")
			return
		case <-ticker.C:
			report := s.SweepOnce(ctx)
			if report != (Report{}) {
				s.log.WithFields(logrus.Fields{
					"expired":       report.Expired,
					"hard_deleted":  report.HardDeleted,
					"failed":        report.Failed,
					"dead_lettered": report.DeadLettered,
					"reconciled":    report.Reconciled,
				}).Info("retention sweep finished")
			}
		}
	}
}

// SweepOnce runs the expiry, hard-delete and reconcile passes once.
func (s *Sweeper) SweepOnce(ctx context.Context) Report {
	now := s.now().UTC()
	var report Report
	s.expire(ctx, now, &report)
	s.hardDelete(ctx, now, &report)
	s.reconcile(ctx, now, &report)
	return report
}

func (s *Sweeper) expire(ctx context.Context, now time.Time, report *Report) {
	expired, err := s.messages.ExpireDue(ctx, now, s.opts.Batch)
	if err != nil {
		s.log.WithError(err).Error("expire due messages")
		observability.IncRetention("expire", "error")
		return
	}
	for _, m := range expired {
		report.Expired++
		observability.IncRetention("expire", "ok")
		if m.MediaRef == "" {
			continue
		}
		if err := s.purge(ctx, m.ID, m.ConversationID, m.MediaRef, "expired", now); err != nil {
			// The reference is already scrubbed, so the blob has to be
			// collected by the blob store's own orphan scan.
			s.log.WithError(err).WithFields(logrus.Fields{
				"message_id": m.ID,
				"media_ref":  m.MediaRef,
			}).Error("media purge for expired message failed")
			observability.IncRetention("expire_purge", "error")
		}
	}
}

func (s *Sweeper) hardDelete(ctx context.Context, now time.Time, report *Report) {
	due, err := s.messages.DueForHardDelete(ctx, now, s.opts.Batch)
	if err != nil {
		s.log.WithError(err).Error("load messages due for hard delete")
		observability.IncRetention("hard_delete", "error")
		return
	}
	for _, m := range due {
		entry := s.log.WithFields(logrus.Fields{"message_id": m.ID, "conversation_id": m.ConversationID})

		err := s.finish(ctx, m, now)
		if err == nil {
			report.HardDeleted++
			observability.IncRetention("hard_delete", "ok")
			s.audit(ctx, "message.hard_deleted", "message content removed after grace period", m)
			continue
		}

		report.Failed++
		observability.IncRetention("hard_delete", "retry")
		retries, dead, recErr := s.messages.RecordGraceFailure(ctx, m.ID, s.opts.MaxRetries)
		if recErr != nil {
			entry.WithError(recErr).Error("record hard delete failure")
			continue
		}
		entry = entry.WithError(err).WithField("retries", retries)
		if !dead {
			entry.Warn("hard delete failed, will retry")
			continue
		}
		report.DeadLettered++
		observability.IncRetention("hard_delete", "dead_letter")
		entry.Error("hard delete dead-lettered")
		s.audit(ctx, "message.hard_delete_dead_lettered", "hard delete gave up after repeated failures", m)
	}
}

// finish purges the media object, when there is one, before removing the
// message content so a failed purge is retried with the reference intact.
func (s *Sweeper) finish(ctx context.Context, m models.Message, now time.Time) error {
	if m.MediaRef != "" {
		if err := s.purge(ctx, m.ID, m.ConversationID, m.MediaRef, "hard_delete", now); err != nil {
			return err
		}
	}
	_, err := s.messages.HardDelete(ctx, m.ID, now)
	return err
}

func (s *Sweeper) reconcile(ctx context.Context, now time.Time, report *Report) {
	if s.conversations == nil || s.opts.ReconcileAfter <= 0 {
		return
	}
	pending, err := s.messages.Unaggregated(ctx, now.Add(-s.opts.ReconcileAfter), s.opts.Batch)
	if err != nil {
		s.log.WithError(err).Error("load unaggregated messages")
		observability.IncRetention("reconcile", "error")
		return
	}
	for _, m := range pending {
		applied, err := s.conversations.ApplyMessage(ctx, m)
		if err != nil {
			s.log.WithError(err).WithField("message_id", m.ID).Warn("apply pending message")
			observability.IncRetention("reconcile", "error")
			continue
		}
		if !applied {
			continue
		}
		report.Reconciled++
		observability.IncRetention("reconcile", "ok")
		if s.announcer == nil {
			continue
		}
		if err := s.announcer.Announce(ctx, m); err != nil {
			s.log.WithError(err).WithField("message_id", m.ID).Warn("announce reconciled message")
		}
	}
}

func (s *Sweeper) purge(ctx context.Context, messageID, conversationID int, mediaRef, reason string, now time.Time) error {
	if s.purger == nil {
		return nil
	}
	return s.purger.Publish(ctx, mediaPurgeRoutingKey, MediaPurge{
		MessageID:      messageID,
		ConversationID: conversationID,
		MediaRef:       mediaRef,
		Reason:         reason,
		RequestedAt:    now,
	}, nil)
}

func (s *Sweeper) audit(ctx context.Context, action, text string, m models.Message) {
	if s.auditor == nil {
		return
	}
	s.auditor.Emit(ctx, telemetry.AuditRecord{
		Level:          "INFO",
		Action:         action,
		Text:           text,
		MessageID:      m.ID,
		ConversationID: m.ConversationID,
	})
}
