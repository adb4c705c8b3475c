package attendance

import (
	"errors"
	"time"
)

// Check-in methods. A record's method is immutable after creation.
const (
	MethodQR        = "qr"
	MethodFace      = "face"
	MethodManual    = "manual"
	MethodLocation  = "location"
	MethodBiometric = "biometric"
)

// Record statuses. Transitions are one-directional: only pending records can
// move, and only to approved or rejected. Self-certifying methods land on
// checked_in/checked_out and stay there.
const (
	StatusPending    = "pending"
	StatusCheckedIn  = "checked_in"
	StatusCheckedOut = "checked_out"
	StatusApproved   = "approved"
	StatusRejected   = "rejected"
)

var (
	// ErrNotFound means no record with that id exists.
	ErrNotFound = errors.New("attendance record not found")
	// ErrInvalidState means the record is not pending, so it cannot be
	// reviewed. A second approve on the same record lands here too, which
	// surfaces double-submission bugs instead of hiding them.
	ErrInvalidState = errors.New("this record is not awaiting review")
	// ErrReasonRequired means a rejection was attempted without a reason.
	ErrReasonRequired = errors.New("a reason is required to reject a record")
	// ErrUnknownMethod means the check-in method is not recognized.
	ErrUnknownMethod = errors.New("unknown check-in method")
)

// ValidMethod reports whether m is a recognized check-in method.
func ValidMethod(m string) bool {
	switch m {
	case MethodQR, MethodFace, MethodManual, MethodLocation, MethodBiometric:
		return true
	}
	return false
}

// Record is a single timestamped check-in or check-out event. User name and
// email are denormalized so reports need no join against the user store.
type Record struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	UserName     string     `json:"user_name,omitempty"`
	UserEmail    string     `json:"user_email,omitempty"`
	Method       string     `json:"method"`
	Status       string     `json:"status"`
	OccurredAt   time.Time  `json:"occurred_at"`
	Location     string     `json:"location,omitempty"`
	Notes        string     `json:"notes,omitempty"`
	Department   string     `json:"department,omitempty"`
	SessionID    string     `json:"session_id,omitempty"`
	ReviewerID   string     `json:"reviewer_id,omitempty"`
	ReviewerName string     `json:"reviewer_name,omitempty"`
	ReviewNotes  string     `json:"review_notes,omitempty"`
	ReviewedAt   *time.Time `json:"reviewed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Pending reports whether the record is still awaiting review.
func (r Record) Pending() bool {
	return r.Status == StatusPending
}
