package protocol

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/google/uuid"
)

// Frame type constants
const (
	FrameTypeChunk      = 0x01
	FrameTypeControl    = 0x02
	FrameTypeTranscript = 0x03

	// Control signal types
	ControlPause         = 0x01
	ControlResume        = 0x02
	ControlStop          = 0x03
	ControlChunkAccepted = 0x10
	ControlChunkRejected = 0x11
	ControlResumePoint   = 0x12
	ControlStateChanged  = 0x13

	// Frame structure sizes
	SessionIDSize     = 16
	ChunkHeaderSize   = 1 + SessionIDSize + 8 + 4 + 2 + 8 + 8 + 4 // 51 bytes
	ControlMinSize    = 1 + 1 + SessionIDSize + 8 + 2             // 28 bytes
	TranscriptMinSize = 1 + SessionIDSize + 8 + 4 + 1 + 1 + 4     // 35 bytes

	// MaxPayloadSize bounds a single chunk frame payload (30s of 48kHz
	// stereo 16-bit PCM plus headroom).
	MaxPayloadSize = 8 << 20
)

// NoResumePoint is the Sequence value of a resume-point control frame when
// the gateway has not durably accepted any chunk yet.
const NoResumePoint = ^uint64(0)

// Rejection reasons carried by ControlChunkRejected frames
const (
	ReasonSequenceGap     = "sequence_gap"
	ReasonAuthExpired     = "auth_expired"
	ReasonSessionTerminal = "session_terminal"
	ReasonSessionScope    = "session_scope"
	ReasonBadFormat       = "unsupported_format"
)

// ChunkFrame carries one sequenced audio chunk from the sequencer to the
// gateway. Layout after the frame type byte:
// [SessionID:16][Sequence:8][SampleRate:4][Channels:2][StartedAtMs:8][EndedAtMs:8][PayloadLen:4][Payload:N]
type ChunkFrame struct {
	SessionID   uuid.UUID
	Sequence    uint64
	SampleRate  uint32
	Channels    uint16
	StartedAtMs int64
	EndedAtMs   int64
	Payload     []byte
}

// ControlFrame carries lifecycle signals and chunk acknowledgements in both
// directions. Sequence is meaningful only for chunk acks, rejections and
// resume-point frames; Reason is set on rejections and state changes.
// Layout: [ControlType:1][SessionID:16][Sequence:8][ReasonLen:2][Reason:N]
type ControlFrame struct {
	ControlType uint8
	SessionID   uuid.UUID
	Sequence    uint64
	Reason      string
}

// TranscriptFrame carries live partial and final transcript events from the
// gateway back to the client.
// Layout: [SessionID:16][Sequence:8][Confidence:4][Flags:1][SpeakerLen:1][Speaker][TextLen:4][Text]
type TranscriptFrame struct {
	SessionID  uuid.UUID
	Sequence   uint64
	Confidence float32
	Final      bool
	SpeakerTag string
	Text       string
}

// Frame is a fully parsed wire frame. Exactly one of the payload fields is
// set, matching Type.
type Frame struct {
	Type       uint8
	Chunk      *ChunkFrame
	Control    *ControlFrame
	Transcript *TranscriptFrame
}

const flagFinal = 0x01

// EncodeChunk serializes a chunk frame to wire format.
func EncodeChunk(f *ChunkFrame) ([]byte, error) {
	if err := ValidateChunk(f); err != nil {
		return nil, err
	}

	buf := make([]byte, ChunkHeaderSize+len(f.Payload))
	buf[0] = FrameTypeChunk
	copy(buf[1:17], f.SessionID[:])
	binary.BigEndian.PutUint64(buf[17:25], f.Sequence)
	binary.BigEndian.PutUint32(buf[25:29], f.SampleRate)
	binary.BigEndian.PutUint16(buf[29:31], f.Channels)
	binary.BigEndian.PutUint64(buf[31:39], uint64(f.StartedAtMs))
	binary.BigEndian.PutUint64(buf[39:47], uint64(f.EndedAtMs))
	binary.BigEndian.PutUint32(buf[47:51], uint32(len(f.Payload)))
	copy(buf[ChunkHeaderSize:], f.Payload)

	return buf, nil
}

// EncodeControl serializes a control frame to wire format.
func EncodeControl(f *ControlFrame) ([]byte, error) {
	if !IsValidControlType(f.ControlType) {
		return nil, fmt.Errorf("invalid control type: 0x%02x", f.ControlType)
	}
	if len(f.Reason) > math.MaxUint16 {
		return nil, fmt.Errorf("reason too long: %d bytes", len(f.Reason))
	}

	buf := make([]byte, ControlMinSize+len(f.Reason))
	buf[0] = FrameTypeControl
	buf[1] = f.ControlType
	copy(buf[2:18], f.SessionID[:])
	binary.BigEndian.PutUint64(buf[18:26], f.Sequence)
	binary.BigEndian.PutUint16(buf[26:28], uint16(len(f.Reason)))
	copy(buf[ControlMinSize:], f.Reason)

	return buf, nil
}

// EncodeTranscript serializes a transcript frame to wire format.
func EncodeTranscript(f *TranscriptFrame) ([]byte, error) {
	if len(f.SpeakerTag) > math.MaxUint8 {
		return nil, fmt.Errorf("speaker tag too long: %d bytes", len(f.SpeakerTag))
	}
	if len(f.Text) > MaxPayloadSize {
		return nil, fmt.Errorf("transcript text too long: %d bytes", len(f.Text))
	}

	buf := make([]byte, TranscriptMinSize+len(f.SpeakerTag)+len(f.Text))
	buf[0] = FrameTypeTranscript
	copy(buf[1:17], f.SessionID[:])
	binary.BigEndian.PutUint64(buf[17:25], f.Sequence)
	binary.BigEndian.PutUint32(buf[25:29], math.Float32bits(f.Confidence))
	if f.Final {
		buf[29] = flagFinal
	}
	buf[30] = uint8(len(f.SpeakerTag))
	off := 31 + copy(buf[31:], f.SpeakerTag)
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(f.Text)))
	copy(buf[off+4:], f.Text)

	return buf, nil
}

// ParseFrame parses a complete wire frame.
func ParseFrame(data []byte) (*Frame, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("empty frame")
	}

	switch data[0] {
	case FrameTypeChunk:
		chunk, err := parseChunk(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse chunk frame: %w", err)
		}
		return &Frame{Type: FrameTypeChunk, Chunk: chunk}, nil

	case FrameTypeControl:
		control, err := parseControl(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse control frame: %w", err)
		}
		return &Frame{Type: FrameTypeControl, Control: control}, nil

	case FrameTypeTranscript:
		transcript, err := parseTranscript(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse transcript frame: %w", err)
		}
		return &Frame{Type: FrameTypeTranscript, Transcript: transcript}, nil

	default:
		return nil, fmt.Errorf("unknown frame type: 0x%02x", data[0])
	}
}

func parseChunk(data []byte) (*ChunkFrame, error) {
	if len(data) < ChunkHeaderSize {
		return nil, fmt.Errorf("chunk frame too short: expected at least %d bytes, got %d",
			ChunkHeaderSize, len(data))
	}

	f := &ChunkFrame{
		Sequence:    binary.BigEndian.Uint64(data[17:25]),
		SampleRate:  binary.BigEndian.Uint32(data[25:29]),
		Channels:    binary.BigEndian.Uint16(data[29:31]),
		StartedAtMs: int64(binary.BigEndian.Uint64(data[31:39])),
		EndedAtMs:   int64(binary.BigEndian.Uint64(data[39:47])),
	}
	copy(f.SessionID[:], data[1:17])

	payloadLen := binary.BigEndian.Uint32(data[47:51])
	if payloadLen > MaxPayloadSize {
		return nil, fmt.Errorf("payload length %d exceeds maximum %d", payloadLen, MaxPayloadSize)
	}
	if len(data) != ChunkHeaderSize+int(payloadLen) {
		return nil, fmt.Errorf("chunk frame length mismatch: header says %d payload bytes, frame has %d",
			payloadLen, len(data)-ChunkHeaderSize)
	}

	if payloadLen > 0 {
		f.Payload = make([]byte, payloadLen)
		copy(f.Payload, data[ChunkHeaderSize:])
	}

	if err := ValidateChunk(f); err != nil {
		return nil, err
	}

	return f, nil
}

func parseControl(data []byte) (*ControlFrame, error) {
	if len(data) < ControlMinSize {
		return nil, fmt.Errorf("control frame too short: expected at least %d bytes, got %d",
			ControlMinSize, len(data))
	}

	f := &ControlFrame{
		ControlType: data[1],
		Sequence:    binary.BigEndian.Uint64(data[18:26]),
	}
	copy(f.SessionID[:], data[2:18])

	if !IsValidControlType(f.ControlType) {
		return nil, fmt.Errorf("invalid control type: 0x%02x", f.ControlType)
	}

	reasonLen := binary.BigEndian.Uint16(data[26:28])
	if len(data) != ControlMinSize+int(reasonLen) {
		return nil, fmt.Errorf("control frame length mismatch: header says %d reason bytes, frame has %d",
			reasonLen, len(data)-ControlMinSize)
	}
	f.Reason = string(data[ControlMinSize:])

	return f, nil
}

func parseTranscript(data []byte) (*TranscriptFrame, error) {
	if len(data) < TranscriptMinSize {
		return nil, fmt.Errorf("transcript frame too short: expected at least %d bytes, got %d",
			TranscriptMinSize, len(data))
	}

	f := &TranscriptFrame{
		Sequence:   binary.BigEndian.Uint64(data[17:25]),
		Confidence: math.Float32frombits(binary.BigEndian.Uint32(data[25:29])),
		Final:      data[29]&flagFinal != 0,
	}
	copy(f.SessionID[:], data[1:17])

	speakerLen := int(data[30])
	if len(data) < 31+speakerLen+4 {
		return nil, fmt.Errorf("transcript frame truncated in speaker tag")
	}
	f.SpeakerTag = string(data[31 : 31+speakerLen])

	off := 31 + speakerLen
	textLen := binary.BigEndian.Uint32(data[off : off+4])
	if len(data) != off+4+int(textLen) {
		return nil, fmt.Errorf("transcript frame length mismatch: header says %d text bytes, frame has %d",
			textLen, len(data)-off-4)
	}
	f.Text = string(data[off+4:])

	return f, nil
}

// ValidateChunk validates chunk frame fields.
func ValidateChunk(f *ChunkFrame) error {
	if f.SessionID == uuid.Nil {
		return fmt.Errorf("session id cannot be nil")
	}

	if f.SampleRate == 0 {
		return fmt.Errorf("sample rate cannot be zero")
	}

	if f.Channels == 0 {
		return fmt.Errorf("channel count cannot be zero")
	}

	if f.EndedAtMs < f.StartedAtMs {
		return fmt.Errorf("invalid capture range: endedAtMs %d before startedAtMs %d",
			f.EndedAtMs, f.StartedAtMs)
	}

	if len(f.Payload) > MaxPayloadSize {
		return fmt.Errorf("payload size %d exceeds maximum %d", len(f.Payload), MaxPayloadSize)
	}

	return nil
}

// IsValidControlType checks if the control type is known.
func IsValidControlType(ct uint8) bool {
	switch ct {
	case ControlPause, ControlResume, ControlStop,
		ControlChunkAccepted, ControlChunkRejected,
		ControlResumePoint, ControlStateChanged:
		return true
	}
	return false
}

// ControlTypeString converts a control type code to a human-readable name.
func ControlTypeString(ct uint8) string {
	switch ct {
	case ControlPause:
		return "pause"
	case ControlResume:
		return "resume"
	case ControlStop:
		return "stop"
	case ControlChunkAccepted:
		return "chunk:accepted"
	case ControlChunkRejected:
		return "chunk:rejected"
	case ControlResumePoint:
		return "resume-point"
	case ControlStateChanged:
		return "state-changed"
	default:
		return fmt.Sprintf("unknown(0x%02x)", ct)
	}
}

// String returns a human-readable representation of the chunk frame.
func (f *ChunkFrame) String() string {
	return fmt.Sprintf("ChunkFrame{Session:%s, Seq:%d, Rate:%d, Channels:%d, Range:[%d,%d), PayloadLen:%d}",
		f.SessionID, f.Sequence, f.SampleRate, f.Channels, f.StartedAtMs, f.EndedAtMs, len(f.Payload))
}

// String returns a human-readable representation of the control frame.
func (f *ControlFrame) String() string {
	return fmt.Sprintf("ControlFrame{Type:%s, Session:%s, Seq:%d, Reason:%q}",
		ControlTypeString(f.ControlType), f.SessionID, f.Sequence, f.Reason)
}

// String returns a human-readable representation of the transcript frame.
func (f *TranscriptFrame) String() string {
	return fmt.Sprintf("TranscriptFrame{Session:%s, Seq:%d, Final:%t, Speaker:%q, TextLen:%d}",
		f.SessionID, f.Sequence, f.Final, f.SpeakerTag, len(f.Text))
}
