package sequencer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/structaAI/scribe-ai/internal/audio"
	"github.com/structaAI/scribe-ai/internal/backoff"
	"github.com/structaAI/scribe-ai/internal/protocol"
	"github.com/structaAI/scribe-ai/internal/session"
)

// fakeChannel is an in-memory transport that acknowledges every successful
// send and replays the acknowledged high-water mark on reconnect, the way
// the gateway does.
type fakeChannel struct {
	mu         sync.Mutex
	attempts   []uint64
	delivered  []*audio.Chunk
	controls   []uint8
	failFor    map[uint64]int
	rejectWith map[uint64]string
	acceptedHi uint64
	hasHi      bool
	reconnects int
	frames     chan *protocol.Frame
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		failFor:    make(map[uint64]int),
		rejectWith: make(map[uint64]string),
		frames:     make(chan *protocol.Frame, 64),
	}
}

func (f *fakeChannel) resumePoint() uint64 {
	if !f.hasHi {
		return NoResumePoint
	}
	return f.acceptedHi
}

func (f *fakeChannel) Connect(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resumePoint(), nil
}

func (f *fakeChannel) Reconnect(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnects++
	return f.resumePoint(), nil
}

func (f *fakeChannel) SendChunk(ctx context.Context, chunk *audio.Chunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.attempts = append(f.attempts, chunk.Sequence)
	if f.failFor[chunk.Sequence] > 0 {
		f.failFor[chunk.Sequence]--
		return fmt.Errorf("connection reset during chunk %d", chunk.Sequence)
	}

	if reason, ok := f.rejectWith[chunk.Sequence]; ok {
		f.frames <- &protocol.Frame{
			Type: protocol.FrameTypeControl,
			Control: &protocol.ControlFrame{
				ControlType: protocol.ControlChunkRejected,
				SessionID:   chunk.SessionID,
				Sequence:    chunk.Sequence,
				Reason:      reason,
			},
		}
		return nil
	}

	f.delivered = append(f.delivered, chunk)
	if !f.hasHi || chunk.Sequence > f.acceptedHi {
		f.acceptedHi = chunk.Sequence
		f.hasHi = true
	}

	f.frames <- &protocol.Frame{
		Type: protocol.FrameTypeControl,
		Control: &protocol.ControlFrame{
			ControlType: protocol.ControlChunkAccepted,
			SessionID:   chunk.SessionID,
			Sequence:    chunk.Sequence,
		},
	}
	return nil
}

func (f *fakeChannel) SendControl(ctx context.Context, controlType uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.controls = append(f.controls, controlType)
	return nil
}

func (f *fakeChannel) Recv(ctx context.Context) (*protocol.Frame, error) {
	select {
	case frame := <-f.frames:
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeChannel) Close() error { return nil }

func (f *fakeChannel) sentControls() []uint8 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint8(nil), f.controls...)
}

func (f *fakeChannel) sendAttempts() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.attempts...)
}

func (f *fakeChannel) deliveredChunks() []*audio.Chunk {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*audio.Chunk(nil), f.delivered...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{
		SampleRate:       16000,
		Channels:         1,
		MaxChunkDuration: time.Second,
		BufferCapacity:   8,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func startSequencer(t *testing.T, fake *fakeChannel) (*Sequencer, context.CancelFunc) {
	t.Helper()

	s, err := New(uuid.New(), testConfig(), fake, testLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("Run did not return after cancel")
		}
	})

	return s, cancel
}

func TestDeliveryAndAckEviction(t *testing.T) {
	fake := newFakeChannel()
	s, _ := startSequencer(t, fake)

	// Two full one-second windows at 16kHz mono 16-bit.
	if err := s.Push(context.Background(), make([]byte, 2*32000), 0); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	waitFor(t, "both chunks acknowledged", func() bool {
		stats := s.GetStats()
		return stats.ChunksDelivered == 2 && stats.Buffered == 0
	})

	delivered := fake.deliveredChunks()
	if len(delivered) != 2 {
		t.Fatalf("Expected 2 delivered chunks, got %d", len(delivered))
	}
	for i, chunk := range delivered {
		if chunk.Sequence != uint64(i) {
			t.Errorf("Expected delivery order %d, got sequence %d", i, chunk.Sequence)
		}
	}
}

func TestReconnectResumesAfterAcknowledged(t *testing.T) {
	fake := newFakeChannel()
	// Chunk 2 is dropped by the transport twice before going through.
	fake.failFor[2] = 2

	s, _ := startSequencer(t, fake)

	if err := s.Push(context.Background(), make([]byte, 3*32000), 0); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	waitFor(t, "all chunks acknowledged across reconnects", func() bool {
		stats := s.GetStats()
		return stats.ChunksDelivered == 3 && stats.Buffered == 0 && stats.Reconnects == 2
	})

	attempts := fake.sendAttempts()
	want := []uint64{0, 1, 2, 2, 2}
	if len(attempts) != len(want) {
		t.Fatalf("Expected attempts %v, got %v", want, attempts)
	}
	for i := range want {
		if attempts[i] != want[i] {
			t.Fatalf("Expected attempts %v, got %v", want, attempts)
		}
	}

	// The retried chunk keeps its original sequence and capture range.
	delivered := fake.deliveredChunks()
	last := delivered[len(delivered)-1]
	if last.Sequence != 2 {
		t.Errorf("Expected final delivery of sequence 2, got %d", last.Sequence)
	}
	if last.StartedAtMs != 2000 || last.EndedAtMs != 3000 {
		t.Errorf("Expected original capture range [2000,3000), got [%d,%d)",
			last.StartedAtMs, last.EndedAtMs)
	}
}

func TestStopFlushesPartialAndClosesProduction(t *testing.T) {
	fake := newFakeChannel()
	s, _ := startSequencer(t, fake)

	// Half a window: no chunk emitted until the stop flush.
	if err := s.Push(context.Background(), make([]byte, 16000), 0); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	waitFor(t, "flushed chunk drained", func() bool {
		return s.Drained()
	})

	delivered := fake.deliveredChunks()
	if len(delivered) != 1 || len(delivered[0].Payload) != 16000 {
		t.Fatalf("Expected one flushed partial chunk of 16000 bytes, got %v", delivered)
	}

	var sawStop bool
	for _, ct := range fake.sentControls() {
		if ct == protocol.ControlStop {
			sawStop = true
		}
	}
	if !sawStop {
		t.Error("Expected stop control signal to be sent")
	}

	// Production is closed once stopped.
	err := s.Push(context.Background(), make([]byte, 32000), 1000)
	if !errors.Is(err, ErrBufferClosed) {
		t.Errorf("Expected ErrBufferClosed after stop, got %v", err)
	}
}

func TestPauseFlushesPartial(t *testing.T) {
	fake := newFakeChannel()
	s, _ := startSequencer(t, fake)

	if err := s.Push(context.Background(), make([]byte, 8000), 0); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if err := s.Pause(context.Background()); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}

	waitFor(t, "paused partial chunk drained", func() bool {
		return s.GetStats().Buffered == 0 && s.GetStats().ChunksDelivered == 1
	})

	controls := fake.sentControls()
	if len(controls) != 1 || controls[0] != protocol.ControlPause {
		t.Errorf("Expected single pause control, got %v", controls)
	}

	if err := s.Resume(context.Background()); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	waitFor(t, "resume control sent", func() bool {
		cs := fake.sentControls()
		return len(cs) == 2 && cs[1] == protocol.ControlResume
	})
}

// runSequencer starts Run in the background and returns the channel its
// result lands on.
func runSequencer(t *testing.T, s *Sequencer) <-chan error {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()
	return errCh
}

func awaitRunResult(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func TestRunReturnsAfterStopDrain(t *testing.T) {
	fake := newFakeChannel()
	s, err := New(uuid.New(), testConfig(), fake, testLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	errCh := runSequencer(t, s)

	if err := s.Push(context.Background(), make([]byte, 32000), 0); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if err := awaitRunResult(t, errCh); err != nil {
		t.Fatalf("Expected clean return after the stop drain, got %v", err)
	}
	if !s.Drained() {
		t.Error("Expected the sequencer to report drained")
	}
}

func TestTerminalRejectionStopsDelivery(t *testing.T) {
	fake := newFakeChannel()
	fake.rejectWith[0] = protocol.ReasonSessionTerminal

	s, err := New(uuid.New(), testConfig(), fake, testLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	errCh := runSequencer(t, s)

	if err := s.Push(context.Background(), make([]byte, 32000), 0); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	if err := awaitRunResult(t, errCh); !errors.Is(err, ErrDeliveryRejected) {
		t.Fatalf("Expected ErrDeliveryRejected, got %v", err)
	}

	// No resend of a chunk the gateway will never take.
	if attempts := fake.sendAttempts(); len(attempts) != 1 {
		t.Errorf("Expected a single delivery attempt, got %v", attempts)
	}
}

func TestPersistentRejectionExhaustsRetryBudget(t *testing.T) {
	fake := newFakeChannel()
	fake.rejectWith[0] = protocol.ReasonSequenceGap

	config := testConfig()
	config.Retry = backoff.Policy{
		MaxAttempts: 2,
		Initial:     time.Millisecond,
		Max:         2 * time.Millisecond,
	}
	s, err := New(uuid.New(), config, fake, testLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	errCh := runSequencer(t, s)

	if err := s.Push(context.Background(), make([]byte, 32000), 0); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	if err := awaitRunResult(t, errCh); !errors.Is(err, ErrDeliveryRejected) {
		t.Fatalf("Expected ErrDeliveryRejected after exhaustion, got %v", err)
	}

	// Initial delivery plus one resend per budgeted retry, no hot loop.
	if attempts := fake.sendAttempts(); len(attempts) != 3 {
		t.Errorf("Expected 3 bounded delivery attempts, got %v", attempts)
	}
}

func TestTranscriptCallbackAndStateProjection(t *testing.T) {
	fake := newFakeChannel()
	s, _ := startSequencer(t, fake)

	received := make(chan *protocol.TranscriptFrame, 1)
	s.OnTranscript(func(frame *protocol.TranscriptFrame) {
		received <- frame
	})

	fake.frames <- &protocol.Frame{
		Type: protocol.FrameTypeTranscript,
		Transcript: &protocol.TranscriptFrame{
			Sequence:   4,
			Confidence: 0.92,
			Final:      false,
			SpeakerTag: "speaker_0",
			Text:       "still talking",
		},
	}

	select {
	case frame := <-received:
		if frame.Text != "still talking" || frame.Final {
			t.Errorf("Unexpected transcript frame: %+v", frame)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Transcript callback was not invoked")
	}

	fake.frames <- &protocol.Frame{
		Type: protocol.FrameTypeControl,
		Control: &protocol.ControlFrame{
			ControlType: protocol.ControlStateChanged,
			Reason:      string(session.StatusRecording),
		},
	}

	waitFor(t, "remote state projection", func() bool {
		return s.RemoteStatus() == session.StatusRecording
	})
}
