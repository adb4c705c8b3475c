package attendance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"qrattend/internal/identity"
	"qrattend/internal/metrics"
	"qrattend/internal/notify"
	"qrattend/internal/store"
)

// ReviewPatch is the one mutation allowed on an existing record.
type ReviewPatch struct {
	Status       string
	ReviewerID   string
	ReviewerName string
	ReviewNotes  string
	ReviewedAt   time.Time
}

// Store persists records. TransitionReview must apply the patch only while
// the record is still pending, as one conditional update; a record that
// exists but is no longer pending is reported as store.ErrPreconditionFailed.
type Store interface {
	Insert(ctx context.Context, r Record) (Record, error)
	Get(ctx context.Context, id string) (Record, error)
	List(ctx context.Context, f Filter) ([]Record, error)
	TransitionReview(ctx context.Context, id string, patch ReviewPatch) (Record, error)
}

// Filter narrows List results. Zero values mean "any".
type Filter struct {
	UserID     string
	Status     string
	Method     string
	Department string
	From       time.Time
	To         time.Time
	Limit      int
	Offset     int
}

// Input carries the caller-supplied fields of a check-in/check-out request.
// For location-method records the location reading is validated by the
// location collaborator before this service is invoked; it is persisted as
// given. For qr-method records the session must already have been consumed.
type Input struct {
	Method     string
	Location   string
	Notes      string
	Department string
	SessionID  string
}

// Service enforces the record lifecycle and coordinates its side effects.
type Service struct {
	store    Store
	notifier notify.Dispatcher
	now      func() time.Time
	log      *zap.Logger
}

// NewService creates the lifecycle manager. now may be nil for the wall clock.
func NewService(st Store, notifier notify.Dispatcher, now func() time.Time, log *zap.Logger) *Service {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: st, notifier: notifier, now: now, log: log}
}

// RecordCheckIn creates exactly one new check-in record, or nothing.
func (s *Service) RecordCheckIn(ctx context.Context, subject identity.Subject, in Input) (Record, error) {
	return s.record(ctx, subject, in, StatusCheckedIn)
}

// RecordCheckOut creates exactly one new check-out record, or nothing.
func (s *Service) RecordCheckOut(ctx context.Context, subject identity.Subject, in Input) (Record, error) {
	return s.record(ctx, subject, in, StatusCheckedOut)
}

func (s *Service) record(ctx context.Context, subject identity.Subject, in Input, selfStatus string) (Record, error) {
	if !subject.Resolved() {
		return Record{}, identity.ErrNotAuthenticated
	}
	if !ValidMethod(in.Method) {
		return Record{}, fmt.Errorf("%w: %q", ErrUnknownMethod, in.Method)
	}

	// Manual entries always require review, regardless of check-in or
	// check-out intent. Every other method is self-certifying.
	status := selfStatus
	if in.Method == MethodManual {
		status = StatusPending
	}

	rec := Record{
		UserID:     subject.ID,
		UserName:   subject.DisplayName,
		UserEmail:  subject.Email,
		Method:     in.Method,
		Status:     status,
		OccurredAt: s.now().UTC(),
		Location:   in.Location,
		Notes:      in.Notes,
		Department: in.Department,
		SessionID:  in.SessionID,
	}
	created, err := s.store.Insert(ctx, rec)
	if err != nil {
		return Record{}, err
	}

	metrics.CheckinsTotal.WithLabelValues(created.Method, created.Status).Inc()
	s.log.Info("attendance recorded",
		zap.String("record", created.ID),
		zap.String("user", created.UserID),
		zap.String("method", created.Method),
		zap.String("status", created.Status))

	if status == StatusPending {
		s.notifyBestEffort(ctx, notify.Notification{
			SubjectID: created.UserID,
			Kind:      notify.KindSubmitted,
			Title:     "Attendance submitted",
			Message:   "Your manual attendance entry was submitted and is pending approval.",
			Data:      map[string]string{"record_id": created.ID},
		})
	}
	return created, nil
}

// Approve moves a pending record to approved, stamping the reviewer.
func (s *Service) Approve(ctx context.Context, reviewer identity.Subject, recordID, reviewNotes string) (Record, error) {
	rec, err := s.review(ctx, reviewer, recordID, ReviewPatch{
		Status:      StatusApproved,
		ReviewNotes: reviewNotes,
	})
	if err != nil {
		return Record{}, err
	}
	metrics.ReviewsTotal.WithLabelValues("approve").Inc()
	s.notifyBestEffort(ctx, notify.Notification{
		SubjectID: rec.UserID,
		Kind:      notify.KindApproved,
		Title:     "Attendance approved",
		Message:   fmt.Sprintf("Your attendance was approved by %s.", reviewerLabel(reviewer)),
		Data:      map[string]string{"record_id": rec.ID},
	})
	return rec, nil
}

// Reject moves a pending record to rejected. A reason is required.
func (s *Service) Reject(ctx context.Context, reviewer identity.Subject, recordID, reason string) (Record, error) {
	if reason == "" {
		return Record{}, ErrReasonRequired
	}
	rec, err := s.review(ctx, reviewer, recordID, ReviewPatch{
		Status:      StatusRejected,
		ReviewNotes: reason,
	})
	if err != nil {
		return Record{}, err
	}
	metrics.ReviewsTotal.WithLabelValues("reject").Inc()
	s.notifyBestEffort(ctx, notify.Notification{
		SubjectID: rec.UserID,
		Kind:      notify.KindRejected,
		Title:     "Attendance rejected",
		Message:   fmt.Sprintf("Your attendance was rejected: %s", reason),
		Data:      map[string]string{"record_id": rec.ID},
	})
	return rec, nil
}

func (s *Service) review(ctx context.Context, reviewer identity.Subject, recordID string, patch ReviewPatch) (Record, error) {
	if !reviewer.Resolved() {
		return Record{}, identity.ErrNotAuthenticated
	}
	if !reviewer.Elevated() {
		return Record{}, identity.ErrInsufficientPermissions
	}
	patch.ReviewerID = reviewer.ID
	patch.ReviewerName = reviewer.DisplayName
	patch.ReviewedAt = s.now().UTC()

	rec, err := s.store.TransitionReview(ctx, recordID, patch)
	if errors.Is(err, store.ErrPreconditionFailed) {
		return Record{}, ErrInvalidState
	}
	if err != nil {
		return Record{}, err
	}
	s.log.Info("record reviewed",
		zap.String("record", rec.ID),
		zap.String("status", rec.Status),
		zap.String("reviewer", reviewer.ID))
	return rec, nil
}

// Get returns a single record.
func (s *Service) Get(ctx context.Context, subject identity.Subject, id string) (Record, error) {
	if !subject.Resolved() {
		return Record{}, identity.ErrNotAuthenticated
	}
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return Record{}, err
	}
	if rec.UserID != subject.ID && !subject.Elevated() {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// List returns records matching the filter, newest first. Non-elevated
// subjects only see their own records.
func (s *Service) List(ctx context.Context, subject identity.Subject, f Filter) ([]Record, error) {
	if !subject.Resolved() {
		return nil, identity.ErrNotAuthenticated
	}
	if !subject.Elevated() {
		f.UserID = subject.ID
	}
	return s.store.List(ctx, f)
}

// Notification delivery is best effort; a dispatch failure never fails the
// operation that triggered it.
func (s *Service) notifyBestEffort(ctx context.Context, n notify.Notification) {
	if err := s.notifier.Notify(ctx, n); err != nil {
		s.log.Warn("notification dispatch failed",
			zap.String("subject", n.SubjectID),
			zap.String("kind", n.Kind),
			zap.Error(err))
	}
}

func reviewerLabel(sub identity.Subject) string {
	if sub.DisplayName != "" {
		return sub.DisplayName
	}
	return sub.ID
}
