package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// transitions is the authoritative lifecycle graph. A missing entry means
// the edge is forbidden.
var transitions = map[Status][]Status{
	StatusIdle:         {StatusPermission},
	StatusPermission:   {StatusRecording, StatusFailed},
	StatusRecording:    {StatusPaused, StatusReconnecting, StatusProcessing, StatusFailed},
	StatusPaused:       {StatusRecording, StatusReconnecting, StatusProcessing, StatusFailed},
	StatusReconnecting: {StatusRecording, StatusFailed},
	StatusProcessing:   {StatusCompleted, StatusFailed},
	StatusCompleted:    {},
	StatusFailed:       {},
}

// Transition records one audited state change.
type Transition struct {
	From      Status
	To        Status
	At        time.Time
	ErrorKind ErrorKind
}

// TransitionFunc observes committed transitions. Hooks run synchronously
// under the machine lock; they must not call back into the machine.
type TransitionFunc func(sess *Session, tr Transition)

// Machine is the authoritative lifecycle controller for one session. The
// client side holds only a read-only projection synchronized via
// state-changed control frames; it is never a source of truth.
type Machine struct {
	sess    *Session
	logger  *slog.Logger
	history []Transition
	hooks   []TransitionFunc
	mu      sync.Mutex
}

// NewMachine wraps a session in its lifecycle controller.
func NewMachine(sess *Session, logger *slog.Logger) *Machine {
	return &Machine{
		sess:   sess,
		logger: logger,
	}
}

// Session returns the controlled session.
func (m *Machine) Session() *Session {
	return m.sess
}

// Status returns the current lifecycle status.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess.Status
}

// OnTransition registers a hook invoked after every committed transition.
func (m *Machine) OnTransition(fn TransitionFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, fn)
}

// Transition moves the session to the target status. A transition to the
// current status is an idempotent no-op (duplicate stop frames and replayed
// controls are expected under reconnection). Transitions out of a terminal
// status are rejected.
func (m *Machine) Transition(to Status) error {
	return m.transition(to, ErrorNone)
}

// Fail moves the session to failed, attaching the error kind for
// diagnostics. Failing an already terminal session is a no-op.
func (m *Machine) Fail(kind ErrorKind) error {
	m.mu.Lock()
	if m.sess.Status.IsTerminal() {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	return m.transition(StatusFailed, kind)
}

func (m *Machine) transition(to Status, kind ErrorKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.sess.Status

	if from == to {
		m.logger.Debug("Ignoring re-entrant transition",
			slog.String("session_id", m.sess.ID.String()),
			slog.String("status", string(from)),
		)
		return nil
	}

	if from.IsTerminal() {
		return fmt.Errorf("session %s is terminal in %s, cannot transition to %s",
			m.sess.ID, from, to)
	}

	if !allowed(from, to) {
		return fmt.Errorf("invalid transition for session %s: %s -> %s", m.sess.ID, from, to)
	}

	now := time.Now()
	m.sess.Status = to
	if kind != ErrorNone {
		m.sess.LastError = kind
	}
	if to.IsTerminal() {
		m.sess.EndedAt = &now
		m.sess.Duration = now.Sub(m.sess.StartedAt)
	}

	tr := Transition{From: from, To: to, At: now, ErrorKind: kind}
	m.history = append(m.history, tr)

	m.logger.Info("Session state transition",
		slog.String("session_id", m.sess.ID.String()),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.String("error_kind", string(kind)),
		slog.Time("at", now),
	)

	for _, hook := range m.hooks {
		hook(m.sess, tr)
	}

	return nil
}

// History returns a copy of the audited transition log.
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

func allowed(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
