package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/structaAI/scribe-ai/internal/auth"
	"github.com/structaAI/scribe-ai/internal/backoff"
	"github.com/structaAI/scribe-ai/internal/config"
	"github.com/structaAI/scribe-ai/internal/gateway"
	"github.com/structaAI/scribe-ai/internal/metrics"
	"github.com/structaAI/scribe-ai/internal/queue"
	"github.com/structaAI/scribe-ai/internal/session"
	"github.com/structaAI/scribe-ai/internal/store"
	"github.com/structaAI/scribe-ai/internal/summarizer"
	"github.com/structaAI/scribe-ai/internal/transcriber"
)

var testMetrics = metrics.NewMetrics()

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubStream struct{}

func (stubStream) Transcribe(ctx context.Context, chunk *store.ChunkRecord, emit transcriber.EmitFunc) (*transcriber.Event, error) {
	return &transcriber.Event{
		Text:       fmt.Sprintf("segment %d", chunk.Sequence),
		SpeakerTag: "speaker_0",
		Confidence: 0.9,
		Final:      true,
	}, nil
}

type stubSummary struct{}

func (stubSummary) Summarize(ctx context.Context, segments []*store.SegmentRecord) (*summarizer.Result, error) {
	return &summarizer.Result{Overview: "overview"}, nil
}

func testAppConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Port:            8080,
			BindAddress:     "127.0.0.1",
			MaxSessions:     8,
			ShutdownTimeout: 5,
		},
		Auth: config.AuthConfig{Secret: "0123456789abcdef", TokenTTL: 60},
		Audio: config.AudioConfig{
			SampleRate:       16000,
			Channels:         1,
			BitDepth:         16,
			ChunkMaxDuration: 5,
			BufferCapacity:   16,
		},
		Checkpoint: config.CheckpointConfig{EveryChunks: 10, EverySecs: 30},
		Reconnect: config.ReconnectConfig{
			MaxAttempts: 3, InitialDelay: 0.01, MaxDelay: 0.05, SweepWindow: 30,
		},
		Transcription: config.TranscriptionConfig{
			Endpoint: "wss://transcribe.example.com/v1/listen", APIKey: "dg-secret-key",
			MaxRetries: 2, InitialDelay: 0.001, MaxDelay: 0.005,
		},
		Summarization: config.SummarizationConfig{
			Endpoint: "https://summarize.example.com/v1", APIKey: "sum-secret-key",
			Timeout: 5, MaxRetries: 2, InitialDelay: 0.001, MaxDelay: 0.005,
		},
		Store:   config.StoreConfig{Path: "test.sqlite"},
		Logging: config.LoggingConfig{Level: "info", Format: "text", Output: "stdout"},
	}
}

func newTestServer(t *testing.T) (*httptest.Server, *gateway.Gateway, *store.Store) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "scribe.sqlite"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	logger := testLogger()
	q := queue.New(st, logger)
	retry := backoff.Policy{MaxAttempts: 2, Initial: time.Millisecond, Max: 5 * time.Millisecond}

	sup, err := transcriber.NewSupervisor(transcriber.WorkerConfig{Retry: retry}, q, st, stubStream{}, testMetrics, logger)
	if err != nil {
		t.Fatalf("NewSupervisor failed: %v", err)
	}
	sum, err := summarizer.NewWorker(summarizer.WorkerConfig{Retry: retry}, st, stubSummary{}, testMetrics, logger)
	if err != nil {
		t.Fatalf("NewWorker failed: %v", err)
	}
	authority, err := auth.NewAuthority([]byte("0123456789abcdef"), time.Minute)
	if err != nil {
		t.Fatalf("NewAuthority failed: %v", err)
	}

	gw, err := gateway.New(gateway.Config{
		MaxSessions:         8,
		SampleRate:          16000,
		Channels:            1,
		ResumeEveryChunks:   10,
		ResumeEveryInterval: time.Minute,
		SweepWindow:         30 * time.Second,
	}, authority, st, q, sup, sum, testMetrics, logger)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(gw.Shutdown)

	h := NewHTTPServer(testAppConfig(), logger, gw, st, testMetrics)
	server := httptest.NewServer(h.server.Handler)
	t.Cleanup(server.Close)

	return server, gw, st
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return out
}

func TestStartSessionEndpoint(t *testing.T) {
	server, _, _ := newTestServer(t)

	resp := postJSON(t, server.URL+"/sessions", startSessionRequest{
		UserID: "user-1",
		Source: "microphone",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", resp.StatusCode)
	}

	body := decodeBody(t, resp)
	if body["token"] == "" || body["token"] == nil {
		t.Error("Expected a credential in the response")
	}
	sess, ok := body["session"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected session object, got %T", body["session"])
	}
	if sess["status"] != "idle" {
		t.Errorf("Expected idle, got %v", sess["status"])
	}
}

func TestStartSessionRejectsUnknownSource(t *testing.T) {
	server, _, _ := newTestServer(t)

	resp := postJSON(t, server.URL+"/sessions", startSessionRequest{
		UserID: "user-1",
		Source: "radio",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", resp.StatusCode)
	}
}

func TestPermissionEndpoint(t *testing.T) {
	server, gw, _ := newTestServer(t)

	sess, _, err := gw.StartSession(context.Background(), "user-1", session.SourceMicrophone)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	resp := postJSON(t, server.URL+"/sessions/"+sess.ID.String()+"/permission",
		map[string]bool{"granted": true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["status"] != "recording" {
		t.Errorf("Expected recording, got %v", body["status"])
	}
}

func TestPermissionDeniedEndpoint(t *testing.T) {
	server, gw, st := newTestServer(t)

	sess, _, err := gw.StartSession(context.Background(), "user-1", session.SourceMicrophone)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	resp := postJSON(t, server.URL+"/sessions/"+sess.ID.String()+"/permission",
		map[string]bool{"granted": false})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["status"] != "failed" {
		t.Errorf("Expected failed, got %v", body["status"])
	}

	stored, err := st.GetSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if stored.LastError != session.ErrorPermissionDenied {
		t.Errorf("Expected permission_denied, got %s", stored.LastError)
	}
}

func TestRenewTokenEndpoint(t *testing.T) {
	server, gw, _ := newTestServer(t)

	sess, _, err := gw.StartSession(context.Background(), "user-1", session.SourceMicrophone)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	resp := postJSON(t, server.URL+"/sessions/"+sess.ID.String()+"/token", map[string]string{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["token"] == "" || body["token"] == nil {
		t.Error("Expected a renewed credential")
	}
}

func TestSessionDetailEndpoint(t *testing.T) {
	server, _, st := newTestServer(t)

	ctx := context.Background()
	sess := session.New("user-1", session.SourceSharedTab)
	if err := st.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	for seq := uint64(0); seq < 2; seq++ {
		if err := st.AppendSegment(ctx, &store.SegmentRecord{
			SessionID:  sess.ID,
			Sequence:   seq,
			Text:       fmt.Sprintf("segment %d", seq),
			SpeakerTag: "speaker_0",
			Confidence: 0.9,
			CreatedAt:  time.Now(),
		}); err != nil {
			t.Fatalf("AppendSegment failed: %v", err)
		}
	}
	if _, err := st.InsertSummaryOnce(ctx, &store.SummaryRecord{
		SessionID: sess.ID,
		Overview:  "weekly sync",
		KeyPoints: []string{"k1"},
		CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("InsertSummaryOnce failed: %v", err)
	}

	resp, err := http.Get(server.URL + "/sessions/" + sess.ID.String())
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	body := decodeBody(t, resp)
	transcript, ok := body["transcript"].([]interface{})
	if !ok || len(transcript) != 2 {
		t.Errorf("Expected 2 transcript segments, got %v", body["transcript"])
	}
	summary, ok := body["summary"].(map[string]interface{})
	if !ok || summary["overview"] != "weekly sync" {
		t.Errorf("Expected summary overview, got %v", body["summary"])
	}
}

func TestSessionDetailNotFound(t *testing.T) {
	server, _, _ := newTestServer(t)

	resp, err := http.Get(server.URL + "/sessions/" + uuid.NewString())
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", resp.StatusCode)
	}

	resp, err = http.Get(server.URL + "/sessions/not-a-uuid")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", resp.StatusCode)
	}
}

func TestHealthEndpoint(t *testing.T) {
	server, _, _ := newTestServer(t)

	resp, err := http.Get(server.URL + "/health")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	body := decodeBody(t, resp)
	if body["status"] != "healthy" {
		t.Errorf("Expected healthy, got %v", body["status"])
	}
}

func TestConfigEndpointOmitsSecrets(t *testing.T) {
	server, _, _ := newTestServer(t)

	resp, err := http.Get(server.URL + "/config")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}

	for _, secret := range []string{"dg-secret-key", "sum-secret-key", "0123456789abcdef"} {
		if strings.Contains(string(raw), secret) {
			t.Errorf("Config response leaks secret %q", secret)
		}
	}
}

func TestStatsEndpoint(t *testing.T) {
	server, gw, _ := newTestServer(t)

	if _, _, err := gw.StartSession(context.Background(), "user-1", session.SourceMicrophone); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	resp, err := http.Get(server.URL + "/stats")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	body := decodeBody(t, resp)
	sessions, ok := body["sessions"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected sessions object, got %v", body["sessions"])
	}
	if sessions["active_count"].(float64) != 1 {
		t.Errorf("Expected 1 active session, got %v", sessions["active_count"])
	}
}

func TestStreamRouteRequiresCredential(t *testing.T) {
	server, _, _ := newTestServer(t)

	resp, err := http.Get(server.URL + "/v1/stream")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", resp.StatusCode)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	server, _, _ := newTestServer(t)

	req, err := http.NewRequest(http.MethodDelete, server.URL+"/sessions", nil)
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", resp.StatusCode)
	}
}
