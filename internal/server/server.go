// Package server exposes the operator actions over HTTP. Requests are
// HMAC-signed; actions run synchronously and one at a time, the same
// single-run guarantee the triggering framework gives the one-shot commands.
package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/schaermu/ddebsyncd/internal/config"
	"github.com/schaermu/ddebsyncd/internal/status"
)

// SignatureHeader carries the HMAC-SHA256 of the request body, hex encoded
// with a sha256= prefix.
const SignatureHeader = "X-Ddebsyncd-Signature-256"

// Actions is the operation surface the server drives
type Actions interface {
	Apply(ctx context.Context) error
	Update(ctx context.Context) error
	Run(ctx context.Context, args string) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
}

// runRequest is the body of the run action
type runRequest struct {
	Args string `json:"args"`
}

// Server implements the action HTTP server
type Server struct {
	cfg     *config.Config
	actions Actions
	logger  *slog.Logger
	secret  []byte

	// mu serializes actions; overlapping convergence runs are unsupported.
	mu sync.Mutex
}

// NewServer creates a new action server
func NewServer(cfg *config.Config, actions Actions, logger *slog.Logger) (*Server, error) {
	secret, err := os.ReadFile(cfg.Serve.ActionSecretFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read action secret: %w", err)
	}
	secret = []byte(strings.TrimSpace(string(secret)))

	return &Server{
		cfg:     cfg,
		actions: actions,
		logger:  logger,
		secret:  secret,
	}, nil
}

// Handler returns the HTTP handler, exposed separately for tests
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/v1/status", s.handleStatus)
	mux.HandleFunc("/v1/apply", s.action("apply", func(ctx context.Context, _ []byte) error {
		return s.actions.Apply(ctx)
	}))
	mux.HandleFunc("/v1/actions/update", s.action("update", func(ctx context.Context, _ []byte) error {
		return s.actions.Update(ctx)
	}))
	mux.HandleFunc("/v1/actions/run", s.action("run", func(ctx context.Context, body []byte) error {
		var req runRequest
		if len(body) > 0 {
			if err := json.Unmarshal(body, &req); err != nil {
				return fmt.Errorf("invalid payload: %w", err)
			}
		}
		return s.actions.Run(ctx, req.Args)
	}))
	mux.HandleFunc("/v1/actions/pause", s.action("pause", func(ctx context.Context, _ []byte) error {
		return s.actions.Pause(ctx)
	}))
	mux.HandleFunc("/v1/actions/resume", s.action("resume", func(ctx context.Context, _ []byte) error {
		return s.actions.Resume(ctx)
	}))
	return mux
}

// Start performs an initial convergence run, then serves until the context is
// cancelled. When launched through systemd socket activation the inherited
// listener is used; otherwise the configured address is bound.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("performing initial convergence before serving")
	s.runLocked(ctx, "apply", func(ctx context.Context) error {
		return s.actions.Apply(ctx)
	})

	listener, err := s.listen()
	if err != nil {
		return err
	}

	server := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("action server starting", "addr", listener.Addr().String())
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		s.logger.Warn("sd_notify failed", "error", err)
	} else if sent {
		s.logger.Debug("notified systemd of readiness")
	}

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down action server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// listen prefers a socket-activated listener over binding the configured address
func (s *Server) listen() (net.Listener, error) {
	listeners, err := activation.Listeners()
	if err != nil {
		return nil, fmt.Errorf("failed to check socket activation: %w", err)
	}
	if len(listeners) > 0 {
		s.logger.Info("using socket-activated listener")
		return listeners[0], nil
	}
	return net.Listen("tcp", s.cfg.Serve.ListenAddr)
}

// action wraps an operation in method, signature and body handling
func (s *Server) action(name string, fn func(ctx context.Context, body []byte) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			s.logger.Warn("rejecting non-POST request", "action", name, "method", r.Method)
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MB limit
		if err != nil {
			s.logger.Error("failed to read request body", "error", err)
			http.Error(w, "Failed to read body", http.StatusInternalServerError)
			return
		}
		defer func() {
			_ = r.Body.Close()
		}()

		if !s.verifySignature(body, r.Header.Get(SignatureHeader)) {
			s.logger.Warn("rejecting request with invalid signature", "action", name)
			http.Error(w, "Invalid signature", http.StatusForbidden)
			return
		}

		if err := s.runLocked(r.Context(), name, func(ctx context.Context) error {
			return fn(ctx, body)
		}); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "%s completed\n", name)
	}
}

// runLocked executes one action at a time; the result is logged and returned
func (s *Server) runLocked(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.Info("running action", "action", name)
	if err := fn(ctx); err != nil {
		s.logger.Error("action failed", "action", name, "error", err)
		return err
	}
	s.logger.Info("action completed", "action", name)
	return nil
}

// verifySignature checks the request HMAC against the shared secret
func (s *Server) verifySignature(body []byte, signature string) bool {
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	signature = strings.TrimPrefix(signature, "sha256=")

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	// Constant-time comparison.
	return hmac.Equal([]byte(signature), []byte(expected))
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ok\n")
}

// handleStatus serves the last published status document
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	st, err := status.Load(s.cfg.StatusFilePath())
	if err != nil {
		if os.IsNotExist(err) {
			http.Error(w, "No status published yet", http.StatusNotFound)
			return
		}
		s.logger.Error("failed to load status", "error", err)
		http.Error(w, "Failed to load status", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(st)
}
