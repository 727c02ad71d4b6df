// Package store provides durable SQLite persistence for sessions, accepted
// chunks, transcript segments, checkpoints and summaries.
package store
