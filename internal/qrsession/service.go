package qrsession

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"qrattend/internal/identity"
	"qrattend/internal/metrics"
	"qrattend/internal/store"
)

// Store persists sessions. Consume must be an atomic conditional update: the
// usage increment and the used-by insertion happen together or not at all,
// guarded by the session still being consumable by that user. A guard miss is
// reported as store.ErrPreconditionFailed.
type Store interface {
	Insert(ctx context.Context, s Session) (Session, error)
	Get(ctx context.Context, id string) (Session, error)
	// GetByCode looks up among active sessions only.
	GetByCode(ctx context.Context, code string) (Session, error)
	Consume(ctx context.Context, code, userID string, now time.Time) (Session, error)
	Deactivate(ctx context.Context, id string) error
	SweepExpired(ctx context.Context, now time.Time) (int, error)
	List(ctx context.Context, creatorID string, activeOnly bool) ([]Session, error)
}

// CreateInput carries the admin's parameters for a new session.
type CreateInput struct {
	Name     string
	Location string
	MaxUsage *int
	Type     string
	TTL      time.Duration
	Metadata map[string]string
}

// Service issues, validates, consumes and retires sessions.
type Service struct {
	store      Store
	defaultTTL time.Duration
	now        func() time.Time
	log        *zap.Logger
}

// NewService creates a session service. now may be nil for the wall clock.
func NewService(st Store, defaultTTL time.Duration, now func() time.Time, log *zap.Logger) *Service {
	if defaultTTL <= 0 {
		defaultTTL = 60 * time.Minute
	}
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: st, defaultTTL: defaultTTL, now: now, log: log}
}

// Create issues a new session on behalf of an elevated subject.
func (s *Service) Create(ctx context.Context, admin identity.Subject, in CreateInput) (Session, error) {
	if !admin.Resolved() {
		return Session{}, identity.ErrNotAuthenticated
	}
	if !admin.Elevated() {
		return Session{}, identity.ErrInsufficientPermissions
	}
	if in.MaxUsage != nil && *in.MaxUsage <= 0 {
		return Session{}, errors.New("max usage must be positive")
	}
	ttl := in.TTL
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	typ := in.Type
	if typ == "" {
		typ = TypeGeneral
	}
	switch typ {
	case TypeCheckIn, TypeCheckOut, TypeEvent, TypeMeeting, TypeGeneral:
	default:
		return Session{}, fmt.Errorf("unknown session type %q", typ)
	}

	now := s.now().UTC()
	sess := Session{
		CreatorID: admin.ID,
		Name:      in.Name,
		Location:  in.Location,
		MaxUsage:  in.MaxUsage,
		UsedBy:    []string{},
		Active:    true,
		Type:      typ,
		Metadata:  in.Metadata,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	// Codes collide once in 36^8 draws; retry a couple of times anyway
	// rather than trusting the space.
	for attempt := 0; attempt < 3; attempt++ {
		code, err := GenerateCode()
		if err != nil {
			return Session{}, err
		}
		sess.Code = code
		created, err := s.store.Insert(ctx, sess)
		if errors.Is(err, ErrCodeTaken) {
			continue
		}
		if err != nil {
			return Session{}, err
		}
		s.log.Info("session created",
			zap.String("session", created.ID),
			zap.String("type", created.Type),
			zap.String("creator", admin.ID))
		return created, nil
	}
	return Session{}, ErrCodeTaken
}

// Validate returns the session for a code without consuming it.
func (s *Service) Validate(ctx context.Context, code string) (Session, error) {
	sess, err := s.store.GetByCode(ctx, code)
	if err != nil {
		return Session{}, err
	}
	if sess.Expired(s.now()) {
		return Session{}, ErrExpired
	}
	if sess.UsageExhausted() {
		return Session{}, ErrUsageLimitReached
	}
	return sess, nil
}

// Consume redeems one unit of the session's usage budget for userID and
// returns the post-update snapshot. Each user may consume a session once.
func (s *Service) Consume(ctx context.Context, code, userID string) (Session, error) {
	if userID == "" {
		return Session{}, identity.ErrNotAuthenticated
	}
	sess, err := s.store.GetByCode(ctx, code)
	if err != nil {
		return Session{}, err
	}
	// A repeat scan reports AlreadyUsed even when the budget is also
	// exhausted; only expiry outranks it.
	switch {
	case sess.Expired(s.now()):
		return Session{}, ErrExpired
	case sess.UsedByUser(userID):
		return Session{}, ErrAlreadyUsed
	case sess.UsageExhausted():
		return Session{}, ErrUsageLimitReached
	}

	updated, err := s.store.Consume(ctx, code, userID, s.now())
	if errors.Is(err, store.ErrPreconditionFailed) {
		// Lost a race. Re-read once to report the real reason; if the
		// session still looks consumable the caller should retry the
		// whole operation.
		return Session{}, s.classifyConsumeConflict(ctx, code, userID, err)
	}
	if err != nil {
		return Session{}, err
	}
	metrics.SessionConsumptionsTotal.Inc()
	s.log.Info("session consumed",
		zap.String("session", updated.ID),
		zap.String("user", userID),
		zap.Int("usage", updated.CurrentUsage))
	return updated, nil
}

func (s *Service) classifyConsumeConflict(ctx context.Context, code, userID string, orig error) error {
	sess, err := s.store.GetByCode(ctx, code)
	if err != nil {
		return err
	}
	switch {
	case sess.Expired(s.now()):
		return ErrExpired
	case sess.UsedByUser(userID):
		return ErrAlreadyUsed
	case sess.UsageExhausted():
		return ErrUsageLimitReached
	default:
		return orig
	}
}

// Deactivate retires a session. Deactivating an already-inactive session is
// a no-op success; there is no double-application bug to surface here.
func (s *Service) Deactivate(ctx context.Context, admin identity.Subject, sessionID string) error {
	if !admin.Resolved() {
		return identity.ErrNotAuthenticated
	}
	if !admin.Elevated() {
		return identity.ErrInsufficientPermissions
	}
	if _, err := s.store.Get(ctx, sessionID); err != nil {
		return err
	}
	if err := s.store.Deactivate(ctx, sessionID); err != nil {
		return err
	}
	s.log.Info("session deactivated",
		zap.String("session", sessionID),
		zap.String("admin", admin.ID))
	return nil
}

// SweepExpired deactivates every active session whose time budget ran out.
// Each flag flip is independent and atomic; a partial sweep just leaves the
// rest for the next tick.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	n, err := s.store.SweepExpired(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.SessionsSweptTotal.Add(float64(n))
		s.log.Info("expired sessions swept", zap.Int("count", n))
	}
	return n, nil
}

// List returns sessions, newest first, optionally filtered by creator and
// active flag.
func (s *Service) List(ctx context.Context, admin identity.Subject, creatorID string, activeOnly bool) ([]Session, error) {
	if !admin.Resolved() {
		return nil, identity.ErrNotAuthenticated
	}
	if !admin.Elevated() {
		return nil, identity.ErrInsufficientPermissions
	}
	return s.store.List(ctx, creatorID, activeOnly)
}
