// Package autosave debounces editor changes into snapshot writes.
package autosave

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"voicecanvas/api/internal/coalesce"
	"voicecanvas/api/internal/metrics"
	"voicecanvas/api/internal/session"
	"voicecanvas/api/internal/store"
)

const DefaultDelay = 500 * time.Millisecond

type Status string

const (
	StatusIdle   Status = "idle"
	StatusSaving Status = "saving"
)

type Store interface {
	Save(ctx context.Context, ownerID string, req store.SaveRequest) error
}

type Document interface {
	Snapshot() json.RawMessage
	Subscribe(fn func()) func()
}

type IdentityGate interface {
	Require() (session.Identity, error)
}

type Config struct {
	DocumentID string
	Delay      time.Duration
	Timeout    time.Duration
	Store      Store
	Document   Document
	Identity   IdentityGate
	Logger     *slog.Logger
	// OnError receives every failed write. It must not block.
	OnError func(error)
}

// State is the user-facing save indicator.
type State struct {
	Status      Status     `json:"status"`
	LastSavedAt *time.Time `json:"lastSavedAt,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
}

type Engine struct {
	cfg         Config
	logger      *slog.Logger
	scheduler   *coalesce.Scheduler
	unsubscribe func()

	mu          sync.Mutex
	lastSavedAt time.Time
	lastErr     error
}

func New(cfg Config) *Engine {
	if cfg.Delay <= 0 {
		cfg.Delay = DefaultDelay
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		cfg:    cfg,
		logger: logger.With("component", "autosave", "document_id", cfg.DocumentID),
	}
	e.scheduler = coalesce.New(coalesce.Config{
		Name:   "autosave",
		Delay:  cfg.Delay,
		Run:    e.save,
		Logger: e.logger,
	})
	if cfg.Document != nil {
		e.unsubscribe = cfg.Document.Subscribe(e.OnDocumentChanged)
	}
	return e
}

// OnDocumentChanged marks the engine busy and re-arms the debounce timer.
func (e *Engine) OnDocumentChanged() {
	e.scheduler.Trigger()
}

func (e *Engine) Status() Status {
	if e.scheduler.Busy() {
		return StatusSaving
	}
	return StatusIdle
}

func (e *Engine) State() State {
	state := State{Status: e.Status()}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.lastSavedAt.IsZero() {
		saved := e.lastSavedAt
		state.LastSavedAt = &saved
	}
	if e.lastErr != nil {
		state.LastError = e.lastErr.Error()
	}
	return state
}

// OnStatusChange registers fn for Saving/Idle transitions.
func (e *Engine) OnStatusChange(fn func(Status)) {
	e.scheduler.OnChange(func(busy bool) {
		if busy {
			fn(StatusSaving)
			return
		}
		fn(StatusIdle)
	})
}

// Flush writes any pending change now. Used when the editor session ends.
func (e *Engine) Flush(ctx context.Context) error {
	err := e.scheduler.Flush(ctx)
	if errors.Is(err, coalesce.ErrClosed) {
		return nil
	}
	return err
}

// Close stops listening for changes and waits for an in-flight write.
func (e *Engine) Close() {
	if e.unsubscribe != nil {
		e.unsubscribe()
	}
	e.scheduler.Close()
}

func (e *Engine) save(ctx context.Context) {
	identity, err := e.cfg.Identity.Require()
	if err != nil {
		metrics.AutosaveWrites.WithLabelValues("skipped").Inc()
		e.logger.Warn("autosave skipped", "reason", "signed out")
		return
	}
	snapshot := e.cfg.Document.Snapshot()
	if len(snapshot) == 0 {
		metrics.AutosaveWrites.WithLabelValues("skipped").Inc()
		return
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	started := time.Now()
	err = e.cfg.Store.Save(ctx, identity.UserID, store.SaveRequest{
		ID:        e.cfg.DocumentID,
		Snapshot:  snapshot,
		UpdatedAt: started.UTC(),
		Version:   store.SnapshotVersion,
	})
	metrics.AutosaveDuration.Observe(time.Since(started).Seconds())

	e.mu.Lock()
	if err != nil {
		e.lastErr = err
	} else {
		e.lastErr = nil
		e.lastSavedAt = started.UTC()
	}
	e.mu.Unlock()

	if err != nil {
		metrics.AutosaveWrites.WithLabelValues("error").Inc()
		e.logger.Error("autosave failed", "error", err)
		if e.cfg.OnError != nil {
			e.cfg.OnError(err)
		}
		return
	}
	metrics.AutosaveWrites.WithLabelValues("ok").Inc()
	e.logger.Debug("autosave complete", "bytes", len(snapshot))
}
