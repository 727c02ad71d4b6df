// Package session defines the recording session model and its authoritative
// lifecycle state machine, including the audited transition log and the
// terminal-state immutability guarantees.
package session
