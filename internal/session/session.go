package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status represents a session lifecycle state.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusPermission   Status = "permission"
	StatusRecording    Status = "recording"
	StatusPaused       Status = "paused"
	StatusReconnecting Status = "reconnecting"
	StatusProcessing   Status = "processing"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
)

// Source identifies the audio capture source declared by the client.
type Source string

const (
	SourceMicrophone Source = "microphone"
	SourceSharedTab  Source = "shared-tab"
)

// ErrorKind classifies the failure attached to a terminal failed transition.
type ErrorKind string

const (
	ErrorNone                 ErrorKind = ""
	ErrorAuthExpired          ErrorKind = "auth_expired"
	ErrorSequenceGap          ErrorKind = "sequence_gap"
	ErrorTransportFailure     ErrorKind = "transient_transport_failure"
	ErrorTranscriptionFailure ErrorKind = "transcription_service_failure"
	ErrorSummarizationFailure ErrorKind = "summarization_failure"
	ErrorPermissionDenied     ErrorKind = "permission_denied"
	ErrorReconnectExhausted   ErrorKind = "reconnect_exhausted"
)

// Session is the authoritative record of one recording session. It is
// created on the start request, mutated only through the state machine, and
// immutable once a terminal status is reached.
type Session struct {
	ID        uuid.UUID
	UserID    string
	Source    Source
	Status    Status
	StartedAt time.Time
	EndedAt   *time.Time
	Duration  time.Duration
	LastError ErrorKind
}

// New creates a session in the initial idle state.
func New(userID string, source Source) *Session {
	return &Session{
		ID:        uuid.New(),
		UserID:    userID,
		Source:    source,
		Status:    StatusIdle,
		StartedAt: time.Now(),
	}
}

// IsTerminal reports whether the status permits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsValid reports whether the status is one of the known lifecycle states.
func (s Status) IsValid() bool {
	switch s {
	case StatusIdle, StatusPermission, StatusRecording, StatusPaused,
		StatusReconnecting, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// IsValid reports whether the source is a known capture kind.
func (s Source) IsValid() bool {
	return s == SourceMicrophone || s == SourceSharedTab
}

// String returns a human-readable representation of the session.
func (s *Session) String() string {
	return fmt.Sprintf("Session{ID:%s, User:%s, Source:%s, Status:%s}",
		s.ID, s.UserID, s.Source, s.Status)
}
