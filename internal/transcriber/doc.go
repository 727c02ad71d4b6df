// Package transcriber turns durably queued audio chunks into finalized
// transcript segments: serial per-session workers with bounded retry,
// checkpoint-driven resume, and a streaming service client.
package transcriber
