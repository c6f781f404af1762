package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/schaermu/ddebsyncd/internal/config"
	"github.com/schaermu/ddebsyncd/internal/status"
)

// mockActions implements Actions for testing.
type mockActions struct {
	applyCalled  bool
	updateCalled bool
	runCalled    bool
	runArgs      string
	pauseCalled  bool
	resumeCalled bool
	err          error
}

func (m *mockActions) Apply(_ context.Context) error {
	m.applyCalled = true
	return m.err
}

func (m *mockActions) Update(_ context.Context) error {
	m.updateCalled = true
	return m.err
}

func (m *mockActions) Run(_ context.Context, args string) error {
	m.runCalled = true
	m.runArgs = args
	return m.err
}

func (m *mockActions) Pause(_ context.Context) error {
	m.pauseCalled = true
	return m.err
}

func (m *mockActions) Resume(_ context.Context) error {
	m.resumeCalled = true
	return m.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

const testSecret = "test-secret"

func newTestServer(t *testing.T) (*Server, *mockActions, *config.Config) {
	t.Helper()
	tmpDir := t.TempDir()

	secretFile := filepath.Join(tmpDir, "secret")
	if err := os.WriteFile(secretFile, []byte(testSecret+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{
		Paths: config.PathsConfig{
			InstallDir:       "/opt/ddeb-retriever",
			ArchiveDir:       "/srv/ddebs",
			StateDir:         filepath.Join(tmpDir, "state"),
			UnitDir:          "/etc/systemd/system",
			ApacheConfDir:    "/etc/apache2/conf-available",
			ApacheEnabledDir: "/etc/apache2/conf-enabled",
		},
		Serve: config.ServeConfig{
			Enabled:          true,
			ListenAddr:       "127.0.0.1:0",
			ActionSecretFile: secretFile,
		},
	}

	actions := &mockActions{}
	srv, err := NewServer(cfg, actions, testLogger())
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	return srv, actions, cfg
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func signedRequest(method, path string, body []byte) *http.Request {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set(SignatureHeader, sign(body))
	return req
}

func TestNewServer_MissingSecretFile(t *testing.T) {
	cfg := &config.Config{
		Serve: config.ServeConfig{
			ActionSecretFile: filepath.Join(t.TempDir(), "nonexistent"),
		},
	}
	if _, err := NewServer(cfg, &mockActions{}, testLogger()); err == nil {
		t.Fatal("expected error for missing secret file")
	}
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestAction_RequiresPOST(t *testing.T) {
	srv, actions, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/apply", nil))

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
	if actions.applyCalled {
		t.Error("action ran on GET request")
	}
}

func TestAction_RejectsUnsignedRequest(t *testing.T) {
	srv, actions, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/apply", nil))

	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
	if actions.applyCalled {
		t.Error("action ran without valid signature")
	}
}

func TestAction_RejectsBadSignature(t *testing.T) {
	srv, actions, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/actions/pause", nil)
	req.Header.Set(SignatureHeader, "sha256=deadbeef")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
	if actions.pauseCalled {
		t.Error("action ran with invalid signature")
	}
}

func TestAction_Apply(t *testing.T) {
	srv, actions, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, signedRequest(http.MethodPost, "/v1/apply", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !actions.applyCalled {
		t.Error("apply was not invoked")
	}
}

func TestAction_RunPassesArgs(t *testing.T) {
	srv, actions, _ := newTestServer(t)

	body := []byte(`{"args": "  -v  --dry-run "}`)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, signedRequest(http.MethodPost, "/v1/actions/run", body))

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !actions.runCalled {
		t.Fatal("run was not invoked")
	}
	if actions.runArgs != "  -v  --dry-run " {
		t.Errorf("args not passed through verbatim: %q", actions.runArgs)
	}
}

func TestAction_RunRejectsBadPayload(t *testing.T) {
	srv, actions, _ := newTestServer(t)

	body := []byte("{not json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, signedRequest(http.MethodPost, "/v1/actions/run", body))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
	if actions.runCalled {
		t.Error("run invoked with invalid payload")
	}
}

func TestAction_FailureReturns500(t *testing.T) {
	srv, actions, _ := newTestServer(t)
	actions.err = errors.New("fetch failed")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, signedRequest(http.MethodPost, "/v1/actions/update", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
	if !actions.updateCalled {
		t.Error("update was not invoked")
	}
}

func TestAction_PauseAndResume(t *testing.T) {
	srv, actions, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, signedRequest(http.MethodPost, "/v1/actions/pause", nil))
	if rec.Code != http.StatusOK || !actions.pauseCalled {
		t.Errorf("pause failed: code=%d called=%v", rec.Code, actions.pauseCalled)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, signedRequest(http.MethodPost, "/v1/actions/resume", nil))
	if rec.Code != http.StatusOK || !actions.resumeCalled {
		t.Errorf("resume failed: code=%d called=%v", rec.Code, actions.resumeCalled)
	}
}

func TestStatus_NotFoundBeforePublish(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/status", nil))

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestStatus_ReturnsPublished(t *testing.T) {
	srv, _, cfg := newTestServer(t)

	p := status.NewFilePublisher(cfg.StatusFilePath())
	if err := p.Publish(status.Blocked("Needs: gpg-key")); err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	got, err := status.Load(cfg.StatusFilePath())
	if err != nil {
		t.Fatal(err)
	}
	if got.State != status.StateBlocked {
		t.Errorf("expected blocked, got %s", got.State)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("blocked")) {
		t.Errorf("response does not carry the state: %s", rec.Body.String())
	}
}
