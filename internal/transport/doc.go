// Package transport implements the persistent websocket channel between the
// client-side sequencer and the ingestion gateway, including credential
// renewal and the bounded reconnection window.
package transport
