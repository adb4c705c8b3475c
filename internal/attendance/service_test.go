package attendance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"qrattend/internal/identity"
	"qrattend/internal/notify"
	"qrattend/internal/store"
)

// ── test helpers ──

type memStore struct {
	mu      sync.Mutex
	records map[string]*Record
	nextID  int
}

func newMemStore() *memStore {
	return &memStore{records: map[string]*Record{}}
}

func (m *memStore) Insert(_ context.Context, r Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	r.ID = fmt.Sprintf("rec-%d", m.nextID)
	r.CreatedAt = time.Now().UTC()
	cp := r
	m.records[r.ID] = &cp
	return r, nil
}

func (m *memStore) Get(_ context.Context, id string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return *r, nil
}

// TransitionReview mirrors the guarded single-statement update of the
// Postgres store: the pending check and the patch happen under one lock.
func (m *memStore) TransitionReview(_ context.Context, id string, patch ReviewPatch) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	if r.Status != StatusPending {
		return Record{}, store.ErrPreconditionFailed
	}
	r.Status = patch.Status
	r.ReviewerID = patch.ReviewerID
	r.ReviewerName = patch.ReviewerName
	r.ReviewNotes = patch.ReviewNotes
	t := patch.ReviewedAt
	r.ReviewedAt = &t
	return *r, nil
}

func (m *memStore) List(_ context.Context, f Filter) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, r := range m.records {
		if f.UserID != "" && r.UserID != f.UserID {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		out = append(out, *r)
	}
	return out, nil
}

type captureNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
	fail error
}

func (c *captureNotifier) Notify(_ context.Context, n notify.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.sent = append(c.sent, n)
	return nil
}

func (c *captureNotifier) all() []notify.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]notify.Notification(nil), c.sent...)
}

var (
	worker = identity.Subject{ID: "u-7", DisplayName: "Wendy Worker", Email: "wendy@example.com", Role: identity.RoleUser}
	admin  = identity.Subject{ID: "a-1", DisplayName: "Ada Admin", Role: identity.RoleAdmin}
)

func setup(t *testing.T) (*Service, *memStore, *captureNotifier) {
	t.Helper()
	st := newMemStore()
	n := &captureNotifier{}
	now := func() time.Time { return time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC) }
	return NewService(st, n, now, nil), st, n
}

// ── recording ──

func TestCheckInSelfCertifyingMethods(t *testing.T) {
	for _, method := range []string{MethodQR, MethodFace, MethodLocation, MethodBiometric} {
		t.Run(method, func(t *testing.T) {
			svc, _, n := setup(t)
			rec, err := svc.RecordCheckIn(context.Background(), worker, Input{Method: method})
			if err != nil {
				t.Fatalf("RecordCheckIn failed: %v", err)
			}
			if rec.Status != StatusCheckedIn {
				t.Errorf("status = %q, want %q", rec.Status, StatusCheckedIn)
			}
			if len(n.all()) != 0 {
				t.Error("self-certifying check-in should not notify")
			}
		})
	}
}

func TestCheckOutSelfCertifyingMethods(t *testing.T) {
	svc, _, _ := setup(t)
	rec, err := svc.RecordCheckOut(context.Background(), worker, Input{Method: MethodQR})
	if err != nil {
		t.Fatalf("RecordCheckOut failed: %v", err)
	}
	if rec.Status != StatusCheckedOut {
		t.Errorf("status = %q, want %q", rec.Status, StatusCheckedOut)
	}
}

func TestManualAlwaysStartsPending(t *testing.T) {
	svc, _, n := setup(t)

	in, err := svc.RecordCheckIn(context.Background(), worker, Input{Method: MethodManual, Notes: "forgot my badge"})
	if err != nil {
		t.Fatalf("manual check-in failed: %v", err)
	}
	out, err := svc.RecordCheckOut(context.Background(), worker, Input{Method: MethodManual})
	if err != nil {
		t.Fatalf("manual check-out failed: %v", err)
	}
	if in.Status != StatusPending || out.Status != StatusPending {
		t.Errorf("manual statuses = %q/%q, want pending for both intents", in.Status, out.Status)
	}

	sent := n.all()
	if len(sent) != 2 {
		t.Fatalf("got %d notifications, want 2", len(sent))
	}
	if sent[0].Kind != notify.KindSubmitted || sent[0].SubjectID != worker.ID {
		t.Errorf("unexpected notification %+v", sent[0])
	}
}

func TestRecordRequiresSubject(t *testing.T) {
	svc, _, _ := setup(t)
	if _, err := svc.RecordCheckIn(context.Background(), identity.Subject{}, Input{Method: MethodQR}); !errors.Is(err, identity.ErrNotAuthenticated) {
		t.Fatalf("err = %v, want ErrNotAuthenticated", err)
	}
}

func TestRecordRejectsUnknownMethod(t *testing.T) {
	svc, st, _ := setup(t)
	if _, err := svc.RecordCheckIn(context.Background(), worker, Input{Method: "telepathy"}); !errors.Is(err, ErrUnknownMethod) {
		t.Fatalf("err = %v, want ErrUnknownMethod", err)
	}
	if len(st.records) != 0 {
		t.Error("failed request must not leave a partial record")
	}
}

func TestRecordDenormalizesSubject(t *testing.T) {
	svc, _, _ := setup(t)
	rec, err := svc.RecordCheckIn(context.Background(), worker, Input{Method: MethodFace, Department: "ops"})
	if err != nil {
		t.Fatalf("RecordCheckIn failed: %v", err)
	}
	if rec.UserName != worker.DisplayName || rec.UserEmail != worker.Email {
		t.Errorf("denormalized identity missing: %+v", rec)
	}
	if rec.Department != "ops" {
		t.Errorf("department = %q, want ops", rec.Department)
	}
}

func TestQRRecordKeepsSessionReference(t *testing.T) {
	svc, _, _ := setup(t)
	rec, err := svc.RecordCheckIn(context.Background(), worker, Input{Method: MethodQR, SessionID: "sess-42"})
	if err != nil {
		t.Fatalf("RecordCheckIn failed: %v", err)
	}
	if rec.SessionID != "sess-42" {
		t.Errorf("session id = %q, want sess-42", rec.SessionID)
	}
}

func TestNotificationFailureDoesNotFailCheckIn(t *testing.T) {
	svc, _, n := setup(t)
	n.fail = errors.New("push provider down")

	if _, err := svc.RecordCheckIn(context.Background(), worker, Input{Method: MethodManual}); err != nil {
		t.Fatalf("check-in must succeed despite notify failure, got %v", err)
	}
}

// ── review ──

func pendingRecord(t *testing.T, svc *Service) Record {
	t.Helper()
	rec, err := svc.RecordCheckIn(context.Background(), worker, Input{Method: MethodManual})
	if err != nil {
		t.Fatalf("seeding pending record failed: %v", err)
	}
	return rec
}

func TestApprovePendingRecord(t *testing.T) {
	svc, st, n := setup(t)
	rec := pendingRecord(t, svc)

	got, err := svc.Approve(context.Background(), admin, rec.ID, "looks fine")
	if err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	if got.Status != StatusApproved {
		t.Errorf("status = %q, want approved", got.Status)
	}
	if got.ReviewerID != admin.ID || got.ReviewerName != admin.DisplayName {
		t.Errorf("reviewer not stamped: %+v", got)
	}
	if got.ReviewedAt == nil {
		t.Error("review timestamp not stamped")
	}

	stored, _ := st.Get(context.Background(), rec.ID)
	if stored.Status != StatusApproved {
		t.Errorf("stored status = %q", stored.Status)
	}

	sent := n.all()
	last := sent[len(sent)-1]
	if last.Kind != notify.KindApproved || last.SubjectID != worker.ID {
		t.Errorf("approval notification wrong: %+v", last)
	}
}

func TestRejectRequiresReason(t *testing.T) {
	svc, _, _ := setup(t)
	rec := pendingRecord(t, svc)

	if _, err := svc.Reject(context.Background(), admin, rec.ID, ""); !errors.Is(err, ErrReasonRequired) {
		t.Fatalf("err = %v, want ErrReasonRequired", err)
	}
}

func TestRejectPendingRecord(t *testing.T) {
	svc, _, n := setup(t)
	rec := pendingRecord(t, svc)

	got, err := svc.Reject(context.Background(), admin, rec.ID, "no shift scheduled")
	if err != nil {
		t.Fatalf("Reject failed: %v", err)
	}
	if got.Status != StatusRejected {
		t.Errorf("status = %q, want rejected", got.Status)
	}

	sent := n.all()
	last := sent[len(sent)-1]
	if last.Kind != notify.KindRejected {
		t.Errorf("kind = %q, want rejected", last.Kind)
	}
	if last.Message != "Your attendance was rejected: no shift scheduled" {
		t.Errorf("message = %q", last.Message)
	}
}

func TestReviewRequiresElevatedRole(t *testing.T) {
	svc, _, _ := setup(t)
	rec := pendingRecord(t, svc)

	if _, err := svc.Approve(context.Background(), worker, rec.ID, ""); !errors.Is(err, identity.ErrInsufficientPermissions) {
		t.Fatalf("err = %v, want ErrInsufficientPermissions", err)
	}
}

func TestApproveMissingRecord(t *testing.T) {
	svc, _, _ := setup(t)

	if _, err := svc.Approve(context.Background(), admin, "nope", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestApproveTwiceFails(t *testing.T) {
	svc, _, n := setup(t)
	rec := pendingRecord(t, svc)

	if _, err := svc.Approve(context.Background(), admin, rec.ID, ""); err != nil {
		t.Fatalf("first approve failed: %v", err)
	}
	before := len(n.all())
	if _, err := svc.Approve(context.Background(), admin, rec.ID, ""); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState on re-approve", err)
	}
	if len(n.all()) != before {
		t.Error("failed re-approve must not notify")
	}
}

func TestRejectApprovedRecordFails(t *testing.T) {
	svc, st, _ := setup(t)
	rec := pendingRecord(t, svc)

	if _, err := svc.Approve(context.Background(), admin, rec.ID, ""); err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	if _, err := svc.Reject(context.Background(), admin, rec.ID, "changed my mind"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState", err)
	}

	stored, _ := st.Get(context.Background(), rec.ID)
	if stored.Status != StatusApproved {
		t.Errorf("record changed by failed reject: %q", stored.Status)
	}
}

func TestReviewOnSelfCertifiedRecordFails(t *testing.T) {
	svc, _, _ := setup(t)
	rec, err := svc.RecordCheckIn(context.Background(), worker, Input{Method: MethodQR})
	if err != nil {
		t.Fatalf("check-in failed: %v", err)
	}
	if _, err := svc.Approve(context.Background(), admin, rec.ID, ""); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState for checked_in record", err)
	}
}

// ── queries ──

func TestListScopesNonElevatedToSelf(t *testing.T) {
	svc, _, _ := setup(t)
	other := identity.Subject{ID: "u-8", Role: identity.RoleUser}
	if _, err := svc.RecordCheckIn(context.Background(), worker, Input{Method: MethodQR}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.RecordCheckIn(context.Background(), other, Input{Method: MethodFace}); err != nil {
		t.Fatal(err)
	}

	mine, err := svc.List(context.Background(), worker, Filter{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	for _, r := range mine {
		if r.UserID != worker.ID {
			t.Errorf("non-elevated list leaked record of %q", r.UserID)
		}
	}

	all, err := svc.List(context.Background(), admin, Filter{})
	if err != nil {
		t.Fatalf("admin List failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("admin sees %d records, want 2", len(all))
	}
}

func TestGetHidesOthersRecords(t *testing.T) {
	svc, _, _ := setup(t)
	other := identity.Subject{ID: "u-8", Role: identity.RoleUser}
	rec, err := svc.RecordCheckIn(context.Background(), worker, Input{Method: MethodQR})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := svc.Get(context.Background(), other, rec.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound for foreign record", err)
	}
	if _, err := svc.Get(context.Background(), admin, rec.ID); err != nil {
		t.Fatalf("admin Get failed: %v", err)
	}
}
