package qrsession

import (
	"crypto/rand"
	"errors"
	"time"
)

// Session types describe what a code is handed out for.
const (
	TypeCheckIn  = "check_in"
	TypeCheckOut = "check_out"
	TypeEvent    = "event"
	TypeMeeting  = "meeting"
	TypeGeneral  = "general"
)

var (
	// ErrNotFound means no active session matches the code.
	ErrNotFound = errors.New("QR code not found or no longer active")
	// ErrExpired means the session's time budget ran out.
	ErrExpired = errors.New("this QR code has expired")
	// ErrUsageLimitReached means the session's usage budget ran out.
	ErrUsageLimitReached = errors.New("this QR code has reached its usage limit")
	// ErrAlreadyUsed means this user already consumed the session.
	ErrAlreadyUsed = errors.New("you have already used this QR code")
	// ErrCodeTaken is returned by stores when a generated code collides.
	ErrCodeTaken = errors.New("session code already taken")
)

// Session is an admin-issued, time- and usage-bounded shared check-in token.
// Sessions are never deleted; retired ones stay for audit.
type Session struct {
	ID           string            `json:"id"`
	Code         string            `json:"code"`
	CreatorID    string            `json:"creator_id"`
	Name         string            `json:"name,omitempty"`
	Location     string            `json:"location,omitempty"`
	MaxUsage     *int              `json:"max_usage,omitempty"`
	CurrentUsage int               `json:"current_usage"`
	UsedBy       []string          `json:"used_by"`
	Active       bool              `json:"active"`
	Type         string            `json:"type"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	ExpiresAt    time.Time         `json:"expires_at"`
}

// Expired reports whether the time budget ran out at the given instant.
func (s Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// UsageExhausted reports whether the usage budget ran out.
func (s Session) UsageExhausted() bool {
	return s.MaxUsage != nil && s.CurrentUsage >= *s.MaxUsage
}

// UsedByUser reports whether the user already consumed this session.
func (s Session) UsedByUser(userID string) bool {
	for _, id := range s.UsedBy {
		if id == userID {
			return true
		}
	}
	return false
}

// CanBeUsed reports whether a consumption could succeed at the given instant.
func (s Session) CanBeUsed(now time.Time) bool {
	return s.Active && !s.Expired(now) && !s.UsageExhausted()
}

const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// CodeLength is the length of generated session codes. 36^8 codes makes a
// collision per draw astronomically unlikely, but insertion still retries on
// a unique-index conflict rather than assuming the space guarantees it.
const CodeLength = 8

// GenerateCode returns a short random human-enterable code drawn uniformly
// from the code alphabet.
func GenerateCode() (string, error) {
	// 252 is the largest multiple of 36 below 256; rejecting bytes above it
	// keeps the draw uniform.
	const limit = 252
	out := make([]byte, 0, CodeLength)
	buf := make([]byte, CodeLength)
	for len(out) < CodeLength {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			out = append(out, codeAlphabet[int(b)%len(codeAlphabet)])
			if len(out) == CodeLength {
				break
			}
		}
	}
	return string(out), nil
}
