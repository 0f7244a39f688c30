// Package webhook runs the inventory daemon: a periodic daily run plus an
// HTTP endpoint that triggers one on demand.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/schaermu/cloudinv/internal/activation"
	"github.com/schaermu/cloudinv/internal/config"
	"github.com/schaermu/cloudinv/internal/metrics"
	"github.com/schaermu/cloudinv/internal/snapshot"
	cloudsync "github.com/schaermu/cloudinv/internal/sync"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body
const SignatureHeader = "X-Signature-256"

// Runner performs the daily workflow
type Runner interface {
	Daily(ctx context.Context) (*cloudsync.RunResult, error)
}

// TriggerEvent is the optional JSON body of a trigger request
type TriggerEvent struct {
	Reason string `json:"reason"`
}

// Status is served on /healthz
type Status struct {
	Status    string    `json:"status"`
	Running   bool      `json:"running"`
	LastRun   time.Time `json:"last_run,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// Server implements the trigger HTTP server
type Server struct {
	cfg         *config.Config
	runner      Runner
	metrics     *metrics.Metrics
	logger      *slog.Logger
	secret      []byte
	ctx         context.Context // passed to debounced runs
	syncMu      sync.Mutex      // guards syncRunning, syncPending and the last-run fields
	syncRunning bool            // whether a run is currently in progress
	syncPending bool            // whether another run is needed after the current one
	lastRun     time.Time
	lastErr     error
	debounce    *debouncer
}

// debouncer implements debouncing for trigger requests
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
}

// NewServer creates a new trigger server
func NewServer(cfg *config.Config, runner Runner, m *metrics.Metrics, logger *slog.Logger) (*Server, error) {
	secret, err := config.ReadSecret(cfg.Serve.TriggerSecretFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read trigger secret: %w", err)
	}
	if secret == "" {
		return nil, fmt.Errorf("trigger secret file %s is empty", cfg.Serve.TriggerSecretFile)
	}

	return &Server{
		cfg:      cfg,
		runner:   runner,
		metrics:  m,
		logger:   logger,
		secret:   []byte(secret),
		ctx:      context.Background(),
		debounce: &debouncer{delay: cfg.Serve.Debounce},
	}, nil
}

// Handler returns the HTTP routes of the daemon
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/trigger", s.handleTrigger)
	mux.HandleFunc("/healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	return mux
}

// Start performs an initial daily run, then serves triggers and runs
// the daily workflow every serve.interval until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.ctx = ctx

	listener, activated, err := activation.Listen(s.cfg.Serve.ListenAddr)
	if err != nil {
		return err
	}

	s.logger.Info("performing initial run before starting trigger server")
	s.performRun(ctx, "startup")

	server := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("trigger server starting", "addr", listener.Addr().String(), "socket_activated", activated)
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	go s.loop(ctx)

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down trigger server")
		s.debounce.stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// loop runs the daily workflow on every interval tick
func (s *Server) loop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Serve.Interval)
	defer ticker.Stop()

	s.logger.Info("scheduled runs enabled", "interval", s.cfg.Serve.Interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.metrics.Trigger("interval", "accepted")
			s.performRun(ctx, "interval")
		}
	}
}

// handleTrigger handles signed trigger requests
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.logger.Warn("rejecting non-POST request", "method", r.Method)
		s.metrics.Trigger("http", "rejected")
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
		s.logger.Warn("rejecting request with invalid signature", "remote", r.RemoteAddr)
		s.metrics.Trigger("http", "rejected")
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	var event TriggerEvent
	if len(strings.TrimSpace(string(body))) > 0 {
		if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
			s.logger.Warn("rejecting request with invalid content type", "content_type", ct)
			s.metrics.Trigger("http", "rejected")
			http.Error(w, "Invalid content type", http.StatusBadRequest)
			return
		}
		if err := json.Unmarshal(body, &event); err != nil {
			s.logger.Warn("failed to parse trigger payload", "error", err)
			s.metrics.Trigger("http", "rejected")
			http.Error(w, "Invalid payload", http.StatusBadRequest)
			return
		}
	}

	s.logger.Info("trigger accepted", "reason", event.Reason, "remote", r.RemoteAddr)
	s.metrics.Trigger("http", "accepted")

	s.debounce.trigger(func() {
		s.performRun(s.ctx, "http")
	})

	w.WriteHeader(http.StatusAccepted)
	_, _ = fmt.Fprintf(w, "Run triggered\n")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.syncMu.Lock()
	status := Status{
		Status:  "ok",
		Running: s.syncRunning,
		LastRun: s.lastRun,
	}
	if s.lastErr != nil {
		status.LastError = s.lastErr.Error()
	}
	s.syncMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}

// verifySignature checks a "sha256=<hex>" HMAC of the body
func (s *Server) verifySignature(body []byte, signature string) bool {
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	signature = strings.TrimPrefix(signature, "sha256=")

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	// Constant-time comparison
	return hmac.Equal([]byte(signature), []byte(expected))
}

// performRun executes the daily workflow with single-flight semantics.
// If a run is already in progress, at most one additional run is queued;
// further concurrent requests are dropped.
func (s *Server) performRun(ctx context.Context, source string) {
	s.syncMu.Lock()
	if s.syncRunning {
		s.syncPending = true
		s.syncMu.Unlock()
		s.logger.Info("run already in progress, queuing pending re-run", "source", source)
		return
	}
	s.syncRunning = true
	s.syncMu.Unlock()

	for {
		s.logger.Info("performing daily run", "source", source)

		res, err := s.runner.Daily(ctx)
		switch {
		case errors.Is(err, snapshot.ErrMissingHistory):
			s.logger.Info("snapshot captured, not enough history to analyze yet")
			err = nil
		case err != nil:
			s.logger.Error("daily run failed", "error", err)
		default:
			s.logger.Info("daily run completed successfully", "run_id", res.RunID, "summary", res.Delta.Summary())
		}

		// Atomically check whether another run was requested while we were
		// running. If not, release the running slot and stop; if yes, clear
		// the flag and loop to service that one pending request.
		s.syncMu.Lock()
		s.lastRun = time.Now()
		s.lastErr = err
		if !s.syncPending {
			s.syncRunning = false
			s.syncMu.Unlock()
			break
		}
		s.syncPending = false
		s.syncMu.Unlock()

		s.logger.Info("re-running due to pending request")
	}
}

// trigger schedules the callback to run after the debounce delay
func (d *debouncer) trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.callback = callback

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cb := d.callback
		d.mu.Unlock()

		if cb != nil {
			cb()
		}
	})
}

// stop cancels a scheduled callback
func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}
	d.callback = nil
}
