// Package protocol implements the binary framing used on the session
// transport channel: audio chunk frames, lifecycle/acknowledgement control
// frames, and live transcript frames, with parsing and validation.
package protocol
