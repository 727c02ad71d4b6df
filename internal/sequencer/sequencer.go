package sequencer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/structaAI/scribe-ai/internal/audio"
	"github.com/structaAI/scribe-ai/internal/backoff"
	"github.com/structaAI/scribe-ai/internal/protocol"
	"github.com/structaAI/scribe-ai/internal/session"
)

// ErrDeliveryRejected is returned when the gateway refuses a chunk for a
// reason re-delivery cannot cure, or keeps refusing it past the bounded
// retry budget. The session cannot make progress past this point.
var ErrDeliveryRejected = errors.New("chunk delivery rejected by gateway")

// errDrained signals that production stopped and every buffered chunk was
// acknowledged.
var errDrained = errors.New("sequencer drained")

// Channel is the transport the sequencer delivers over. Implemented by
// transport.Client; faked in tests.
type Channel interface {
	// Connect dials and authenticates, returning the highest sequence the
	// gateway has durably accepted (or NoResumePoint for a fresh session).
	Connect(ctx context.Context) (resumeAfter uint64, err error)
	// Reconnect re-dials with bounded backoff under the same session
	// identity, re-authenticating with a renewed credential.
	Reconnect(ctx context.Context) (resumeAfter uint64, err error)
	SendChunk(ctx context.Context, chunk *audio.Chunk) error
	SendControl(ctx context.Context, controlType uint8) error
	Recv(ctx context.Context) (*protocol.Frame, error)
	Close() error
}

// NoResumePoint is reported by the gateway when no chunk has been accepted
// yet; delivery starts at sequence 0.
const NoResumePoint = protocol.NoResumePoint

// TranscriptFunc receives live transcript events for display.
type TranscriptFunc func(frame *protocol.TranscriptFrame)

// Config contains sequencer configuration.
type Config struct {
	SampleRate       int
	Channels         int
	MaxChunkDuration time.Duration
	BufferCapacity   int

	// Retry bounds rewind-and-resend after transient rejections. The zero
	// value selects a default policy.
	Retry backoff.Policy
}

// defaultRetry bounds transient rejection resends when Config.Retry is left
// zero.
var defaultRetry = backoff.Policy{
	MaxAttempts: 5,
	Initial:     200 * time.Millisecond,
	Max:         5 * time.Second,
}

// Sequencer slices a continuous capture into sequenced chunks and reliably
// delivers them over the transport channel: bounded backpressured buffering,
// in-order delivery, ack-driven eviction, and resume-after-reconnect without
// renumbering.
type Sequencer struct {
	config      Config
	builder     *audio.Builder
	buffer      *Buffer
	channel     Channel
	logger      *slog.Logger
	rejectRetry *backoff.State

	onTranscript TranscriptFunc

	// remoteStatus is a read-only projection of the authoritative gateway
	// state machine, synchronized via state-changed control frames.
	remoteStatus session.Status

	// Statistics
	chunksDelivered uint64
	chunksResent    uint64
	reconnects      uint64

	mu sync.Mutex
}

// Stats represents sequencer statistics for monitoring.
type Stats struct {
	Buffered        int            `json:"buffered"`
	ChunksDelivered uint64         `json:"chunks_delivered"`
	ChunksResent    uint64         `json:"chunks_resent"`
	Reconnects      uint64         `json:"reconnects"`
	RemoteStatus    session.Status `json:"remote_status"`
}

// New creates a sequencer for one session.
func New(sessionID uuid.UUID, config Config, channel Channel, logger *slog.Logger) (*Sequencer, error) {
	if config.Retry == (backoff.Policy{}) {
		config.Retry = defaultRetry
	}
	if err := config.Retry.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry policy: %w", err)
	}

	builder, err := audio.NewBuilder(audio.BuilderConfig{
		SessionID:   sessionID,
		SampleRate:  config.SampleRate,
		Channels:    config.Channels,
		MaxDuration: config.MaxChunkDuration,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create chunk builder: %w", err)
	}

	buffer, err := NewBuffer(config.BufferCapacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create chunk buffer: %w", err)
	}

	return &Sequencer{
		config:       config,
		builder:      builder,
		buffer:       buffer,
		channel:      channel,
		logger:       logger,
		rejectRetry:  backoff.New(config.Retry),
		remoteStatus: session.StatusIdle,
	}, nil
}

// OnTranscript registers the live transcript callback.
func (s *Sequencer) OnTranscript(fn TranscriptFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTranscript = fn
}

// RemoteStatus returns the last projected gateway state.
func (s *Sequencer) RemoteStatus() session.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteStatus
}

// Push accepts a raw capture slice. It blocks while the un-acknowledged
// buffer is full: this is the backpressure suspension point for the capture
// side.
func (s *Sequencer) Push(ctx context.Context, data []byte, capturedAtMs int64) error {
	for _, chunk := range s.builder.Append(data, capturedAtMs) {
		if err := s.buffer.Add(ctx, chunk); err != nil {
			return fmt.Errorf("failed to buffer chunk %d: %w", chunk.Sequence, err)
		}
	}
	return nil
}

// Pause flushes the partial chunk and signals pause. No chunk production
// happens while paused; buffered chunks keep draining.
func (s *Sequencer) Pause(ctx context.Context) error {
	if err := s.flushPending(ctx); err != nil {
		return err
	}
	return s.channel.SendControl(ctx, protocol.ControlPause)
}

// Resume signals resume after a pause.
func (s *Sequencer) Resume(ctx context.Context) error {
	return s.channel.SendControl(ctx, protocol.ControlResume)
}

// Stop flushes the partial chunk, signals stop, and closes the buffer for
// further production. Buffered chunks continue draining until acknowledged.
func (s *Sequencer) Stop(ctx context.Context) error {
	if err := s.flushPending(ctx); err != nil {
		return err
	}
	if err := s.channel.SendControl(ctx, protocol.ControlStop); err != nil {
		return err
	}
	s.buffer.Close()
	return nil
}

func (s *Sequencer) flushPending(ctx context.Context) error {
	if chunk := s.builder.Flush(); chunk != nil {
		if err := s.buffer.Add(ctx, chunk); err != nil {
			return fmt.Errorf("failed to buffer flushed chunk %d: %w", chunk.Sequence, err)
		}
	}
	return nil
}

// Run connects the channel and drives delivery and receive loops until the
// context is cancelled, the session drains after stop, reconnection is
// exhausted, or the gateway rejects delivery past recovery.
func (s *Sequencer) Run(ctx context.Context) error {
	resumeAfter, err := s.channel.Connect(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect transport channel: %w", err)
	}
	s.applyResumePoint(resumeAfter)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.deliverLoop(ctx) })
	g.Go(func() error { return s.recvLoop(ctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, errDrained) {
		return err
	}
	return nil
}

// deliverLoop sends pending chunks in ascending sequence order. It exits
// once production is closed and every chunk has been acknowledged.
func (s *Sequencer) deliverLoop(ctx context.Context) error {
	for {
		chunk := s.buffer.NextPending()
		if chunk == nil {
			if s.buffer.Drained() {
				return errDrained
			}
			select {
			case <-s.buffer.Wake():
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := s.channel.SendChunk(ctx, chunk); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := s.recover(ctx, err); err != nil {
				return err
			}
			continue
		}

		s.buffer.MarkSent(chunk.Sequence)

		s.mu.Lock()
		s.chunksDelivered++
		s.mu.Unlock()

		s.logger.Debug("Chunk delivered",
			slog.Uint64("sequence", chunk.Sequence),
			slog.Int("payload_bytes", len(chunk.Payload)),
			slog.Int("buffered", s.buffer.Len()),
		)
	}
}

// recvLoop consumes acknowledgement, rejection, transcript and state frames
// from the gateway.
func (s *Sequencer) recvLoop(ctx context.Context) error {
	for {
		frame, err := s.channel.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := s.recover(ctx, err); err != nil {
				return err
			}
			continue
		}

		switch frame.Type {
		case protocol.FrameTypeControl:
			if err := s.handleControl(ctx, frame.Control); err != nil {
				return err
			}
		case protocol.FrameTypeTranscript:
			s.mu.Lock()
			fn := s.onTranscript
			s.mu.Unlock()
			if fn != nil {
				fn(frame.Transcript)
			}
		default:
			s.logger.Warn("Unexpected frame type from gateway",
				slog.Int("frame_type", int(frame.Type)),
			)
		}
	}
}

func (s *Sequencer) handleControl(ctx context.Context, control *protocol.ControlFrame) error {
	switch control.ControlType {
	case protocol.ControlChunkAccepted:
		s.buffer.Ack(control.Sequence)
		s.rejectRetry.Reset()

	case protocol.ControlChunkRejected:
		return s.handleRejection(ctx, control)

	case protocol.ControlResumePoint:
		s.applyResumePoint(control.Sequence)

	case protocol.ControlStateChanged:
		status := session.Status(control.Reason)
		if status.IsValid() {
			s.mu.Lock()
			s.remoteStatus = status
			s.mu.Unlock()
		}

	default:
		s.logger.Debug("Ignoring control frame",
			slog.String("control_type", protocol.ControlTypeString(control.ControlType)),
		)
	}
	return nil
}

// handleRejection decides what a rejection means. Only a transient reason
// warrants rewind-and-resend, under the bounded retry budget with a delay
// between attempts; a reason re-delivery cannot cure, or an exhausted
// budget, ends the run.
func (s *Sequencer) handleRejection(ctx context.Context, control *protocol.ControlFrame) error {
	s.logger.Warn("Chunk rejected by gateway",
		slog.Uint64("sequence", control.Sequence),
		slog.String("reason", control.Reason),
	)

	switch control.Reason {
	case protocol.ReasonSequenceGap, protocol.ReasonAuthExpired, "":
		// Transient: a reconnect or resume-point rewind can cure these.
	default:
		return fmt.Errorf("%w: chunk %d (%s)",
			ErrDeliveryRejected, control.Sequence, control.Reason)
	}

	if err := s.rejectRetry.Wait(ctx); err != nil {
		if errors.Is(err, backoff.ErrExhausted) {
			return fmt.Errorf("%w: chunk %d still rejected after %d resends (%s)",
				ErrDeliveryRejected, control.Sequence, s.rejectRetry.Attempts(), control.Reason)
		}
		return err
	}

	s.mu.Lock()
	s.chunksResent++
	s.mu.Unlock()

	// Rewind so every chunk after the last accepted one is re-sent in
	// order, under its original sequence.
	if control.Sequence > 0 {
		s.buffer.Rewind(control.Sequence - 1)
	} else {
		s.buffer.ResetPending()
	}
	return nil
}

// recover transitions to a reconnecting posture without discarding
// un-acknowledged state, then resumes exactly after the gateway's reported
// resume point.
func (s *Sequencer) recover(ctx context.Context, cause error) error {
	s.logger.Warn("Transport channel failed, reconnecting",
		slog.String("error", cause.Error()),
		slog.Int("buffered", s.buffer.Len()),
	)

	resumeAfter, err := s.channel.Reconnect(ctx)
	if err != nil {
		return fmt.Errorf("reconnect failed: %w", err)
	}

	s.mu.Lock()
	s.reconnects++
	s.mu.Unlock()

	s.applyResumePoint(resumeAfter)
	return nil
}

func (s *Sequencer) applyResumePoint(resumeAfter uint64) {
	if resumeAfter == NoResumePoint {
		s.buffer.ResetPending()
		return
	}
	s.buffer.Rewind(resumeAfter)

	s.logger.Info("Delivery resuming after acknowledged sequence",
		slog.Uint64("resume_after", resumeAfter),
		slog.Int("buffered", s.buffer.Len()),
	)
}

// GetStats returns current sequencer statistics.
func (s *Sequencer) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		Buffered:        s.buffer.Len(),
		ChunksDelivered: s.chunksDelivered,
		ChunksResent:    s.chunksResent,
		Reconnects:      s.reconnects,
		RemoteStatus:    s.remoteStatus,
	}
}

// Drained reports whether every produced chunk has been acknowledged.
func (s *Sequencer) Drained() bool {
	return s.buffer.Len() == 0 && !s.builder.HasPending()
}

// IsBackpressured reports whether the buffer is at capacity.
func (s *Sequencer) IsBackpressured() bool {
	return s.buffer.Len() >= s.buffer.Capacity()
}
