package app

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"voicecanvas/api/internal/autosave"
	"voicecanvas/api/internal/capture"
	"voicecanvas/api/internal/livedoc"
	"voicecanvas/api/internal/session"
	"voicecanvas/api/internal/suggest"
	"voicecanvas/api/internal/thumbnail"
	"voicecanvas/api/internal/voice"
)

// errWorkspaceClosed is returned for changes that reach a workspace after its
// final save started.
var errWorkspaceClosed = errors.New("workspace closed")

type workspaceKey struct {
	ownerID    string
	documentID string
}

// Workspace is one open editor session: the live canvas and every component
// that reacts to it.
type Workspace struct {
	key       workspaceKey
	document  *livedoc.Document
	identity  *session.Context
	autosave  *autosave.Engine
	thumbnail *thumbnail.Pipeline
	device    *capture.StreamDevice
	voice     *voice.Orchestrator
	feed      *suggest.Feed

	mu       sync.Mutex
	lastSeen time.Time

	// use is held shared while a change is applied and exclusively to close
	use    sync.RWMutex
	closed bool
	done   chan struct{}
}

// WorkspaceStatus is what the editor polls for its indicators.
type WorkspaceStatus struct {
	DocumentID string         `json:"documentId"`
	Save       autosave.State `json:"save"`
	Thumbnail  string         `json:"thumbnail"`
	Voice      voice.State    `json:"voice"`
	Shapes     int            `json:"shapes"`
	SignedIn   bool           `json:"signedIn"`
}

func (s *Service) newWorkspace(key workspaceKey, record recordSeed, identity session.Identity) *Workspace {
	logger := s.logger.With("document_id", key.documentID, "owner_id", key.ownerID)
	ws := &Workspace{
		key:      key,
		document: livedoc.New(key.documentID, s.deps.Commands),
		identity: session.NewContext(identity),
		device:   capture.NewStreamDevice(),
		lastSeen: s.now(),
		done:     make(chan struct{}),
	}
	ws.document.Seed(record.snapshot)
	ws.identity.OnChange(func(identity session.Identity, present bool) {
		if !present {
			logger.Info("workspace signed out, persistence and voice gated")
			return
		}
		logger.Debug("workspace identity bound", "session_id", identity.SessionID)
	})

	ws.autosave = autosave.New(autosave.Config{
		DocumentID: key.documentID,
		Delay:      s.cfg.AutosaveDelay,
		Store:      s.deps.Store,
		Document:   ws.document,
		Identity:   ws.identity,
		Logger:     logger,
	})
	ws.thumbnail = thumbnail.New(thumbnail.Config{
		DocumentID: key.documentID,
		Delay:      s.cfg.ThumbnailDelay,
		Width:      s.cfg.ThumbnailWidth,
		Store:      s.deps.Store,
		Document:   ws.document,
		Identity:   ws.identity,
		Rasterizer: s.deps.Rasterizer,
		Logger:     logger,
	})

	path := &voice.CommandPath{
		DocumentID:  key.documentID,
		Interpreter: s.deps.Speech,
		Applier:     ws.document,
		Journal:     s.deps.Journal,
		Logger:      logger,
	}
	ws.voice = voice.New(voice.Config{
		DocumentID:  key.documentID,
		Identity:    ws.identity,
		Microphone:  ws.device,
		Transcriber: s.deps.Speech,
		Path:        path,
		MinBytes:    s.cfg.VoiceMinBytes,
		MaxBytes:    s.cfg.VoiceMaxBytes,
		MaxDuration: s.cfg.VoiceMaxDuration,
		Timeout:     s.cfg.SpeechTimeout,
		Logger:      logger,
	})
	ws.feed = suggest.New(suggest.Config{
		Source:   s.deps.Speech,
		Path:     path,
		Identity: ws.identity,
		Timeout:  s.cfg.SpeechTimeout,
		Logger:   logger,
	})
	return ws
}

type recordSeed struct {
	snapshot []byte
}

func (w *Workspace) touch(now time.Time) {
	w.mu.Lock()
	w.lastSeen = now
	w.mu.Unlock()
}

func (w *Workspace) idleSince() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSeen
}

func (w *Workspace) Status() WorkspaceStatus {
	thumb := "idle"
	if w.thumbnail.Busy() {
		thumb = "pending"
	}
	_, signedIn := w.identity.Identity()
	return WorkspaceStatus{
		DocumentID: w.key.documentID,
		Save:       w.autosave.State(),
		Thumbnail:  thumb,
		Voice:      w.voice.State(),
		Shapes:     w.document.ShapeCount(),
		SignedIn:   signedIn,
	}
}

// apply hands change to the live document unless the workspace is closing.
// A change that lands here is always covered by the final flush.
func (w *Workspace) apply(change livedoc.Change) error {
	w.use.RLock()
	defer w.use.RUnlock()
	if w.closed {
		return errWorkspaceClosed
	}
	return w.document.Apply(change)
}

func (w *Workspace) markClosed() {
	w.use.Lock()
	w.closed = true
	w.use.Unlock()
}

// close flushes the pending save and tears every component down. The device
// is released and no timer fires afterwards.
func (w *Workspace) close(ctx context.Context, logger *slog.Logger) {
	w.markClosed()
	// an in-flight voice command still applies before the flush
	w.voice.Close()
	if err := w.autosave.Flush(ctx); err != nil {
		logger.Warn("final autosave failed", "document_id", w.key.documentID, "error", err)
	}
	w.teardown()
}

// discard tears the workspace down without a final save.
func (w *Workspace) discard() {
	w.markClosed()
	w.teardown()
}

func (w *Workspace) teardown() {
	w.voice.Close()
	w.autosave.Close()
	w.thumbnail.Close()
	close(w.done)
}
