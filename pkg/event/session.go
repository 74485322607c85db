package event

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the health state of a session.
type SessionStatus string

const (
	SessionOK       SessionStatus = "ok"
	SessionExited   SessionStatus = "exited"
	SessionCrashed  SessionStatus = "crashed"
	SessionErrored  SessionStatus = "errored"
	SessionAbnormal SessionStatus = "abnormal"
)

// SessionAttributes are fixed for the life of a session.
type SessionAttributes struct {
	Release     string `json:"release"`
	Environment string `json:"environment,omitempty"`
	IPAddress   string `json:"ip_address,omitempty"`
	UserAgent   string `json:"user_agent,omitempty"`
}

// Session tracks release health for one logical user session. A session
// is created by NewSession, mutated by RecordError while active, and
// becomes immutable once End is called.
//
// Safe for concurrent use.
type Session struct {
	mu       sync.Mutex
	sid      string
	did      string
	init     bool
	started  time.Time
	updated  time.Time
	status   SessionStatus
	errors   int
	duration time.Duration
	ended    bool
	attrs    SessionAttributes
}

// SessionUpdate is the wire form of a session.
type SessionUpdate struct {
	SID       string            `json:"sid"`
	DID       string            `json:"did,omitempty"`
	Init      bool              `json:"init"`
	Started   time.Time         `json:"started"`
	Timestamp time.Time         `json:"timestamp"`
	Status    SessionStatus     `json:"status"`
	Errors    int               `json:"errors"`
	Duration  float64           `json:"duration,omitempty"`
	Attrs     SessionAttributes `json:"attrs"`
}

// NewSession starts a session at now.
func NewSession(attrs SessionAttributes, distinctID string, now time.Time) *Session {
	return &Session{
		sid:     uuid.NewString(),
		did:     distinctID,
		init:    true,
		started: now.UTC(),
		updated: now.UTC(),
		status:  SessionOK,
		attrs:   attrs,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.sid
}

// Release returns the release the session belongs to.
func (s *Session) Release() string {
	return s.attrs.Release
}

// Status returns the current status.
func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Errors returns the number of errors recorded.
func (s *Session) Errors() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errors
}

// Ended reports whether End has been called.
func (s *Session) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// SetDistinctID sets the distinct user id if none is set yet.
func (s *Session) SetDistinctID(did string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended && s.did == "" {
		s.did = did
	}
}

// RecordError counts an error against the session. crashed marks the
// session as crashed. It returns true when the status changed from ok or
// the session crashed, which is when an update should be sent.
func (s *Session) RecordError(crashed bool, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}

	firstError := s.status == SessionOK && s.errors == 0
	s.errors++
	s.updated = now.UTC()
	if crashed {
		s.status = SessionCrashed
		return true
	}
	if s.status == SessionOK {
		s.status = SessionErrored
	}
	return firstError
}

// End finalizes the session. An ok or errored session becomes exited
// unless status overrides it. Calling End twice has no effect.
func (s *Session) End(status SessionStatus, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	switch {
	case status != "":
		s.status = status
	case s.status == SessionOK || s.status == SessionErrored:
		s.status = SessionExited
	}
	s.updated = now.UTC()
	s.duration = s.updated.Sub(s.started)
	s.ended = true
}

// Snapshot returns the wire form. The init flag is reported true only on
// the first snapshot.
func (s *Session) Snapshot() SessionUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	update := SessionUpdate{
		SID:       s.sid,
		DID:       s.did,
		Init:      s.init,
		Started:   s.started,
		Timestamp: s.updated,
		Status:    s.status,
		Errors:    s.errors,
		Duration:  s.duration.Seconds(),
		Attrs:     s.attrs,
	}
	s.init = false
	return update
}
