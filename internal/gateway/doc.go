// Package gateway implements the ingestion authority: session lifecycle
// control, websocket chunk ingestion with sequence validation and
// deduplication, and the drain path from stop through transcription to the
// session summary.
package gateway
