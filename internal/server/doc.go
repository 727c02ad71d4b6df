// Package server implements the HTTP API: session lifecycle endpoints, the
// websocket ingest route and monitoring/management endpoints.
package server
