// Package suggest holds the on-demand list of candidate drawing commands.
package suggest

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"voicecanvas/api/internal/livedoc"
	"voicecanvas/api/internal/metrics"
	"voicecanvas/api/internal/session"
	"voicecanvas/api/internal/speech"
	"voicecanvas/api/internal/voice"
)

const (
	MessageEmpty       = "No suggestions found."
	MessageFetchFailed = "Failed to fetch suggestions"
	submitFailedPrefix = "Failed to add suggestion: "
)

var ErrEmptySuggestion = errors.New("empty suggestion")

type Source interface {
	Suggestions(ctx context.Context, promptContext string) ([]string, error)
}

type IdentityGate interface {
	Require() (session.Identity, error)
}

type Config struct {
	Source   Source
	Path     *voice.CommandPath
	Identity IdentityGate
	Timeout  time.Duration
	Logger   *slog.Logger
}

// State is what the suggestion panel shows.
type State struct {
	Suggestions []string `json:"suggestions"`
	Message     string   `json:"message,omitempty"`
	Loading     bool     `json:"loading"`
}

type Feed struct {
	cfg    Config
	logger *slog.Logger

	mu          sync.Mutex
	suggestions []string
	message     string
	loading     bool
	// gen identifies the newest Fetch; older results are dropped
	gen uint64
}

func New(cfg Config) *Feed {
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{cfg: cfg, logger: logger.With("component", "suggest")}
}

func (f *Feed) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return State{
		Suggestions: append([]string{}, f.suggestions...),
		Message:     f.message,
		Loading:     f.loading,
	}
}

// Fetch replaces the list with a fresh batch from the backend. An empty batch
// or a failure clears the list and leaves a message instead. When fetches
// overlap only the newest one updates the list.
func (f *Feed) Fetch(ctx context.Context) (State, error) {
	if _, err := f.cfg.Identity.Require(); err != nil {
		return f.State(), err
	}
	f.mu.Lock()
	f.gen++
	gen := f.gen
	f.loading = true
	f.message = ""
	f.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()
	batch, err := f.cfg.Source.Suggestions(ctx, "")

	f.mu.Lock()
	defer f.mu.Unlock()
	if gen != f.gen {
		metrics.SuggestionFetches.WithLabelValues("stale").Inc()
		return State{Suggestions: append([]string{}, f.suggestions...), Message: f.message, Loading: f.loading}, err
	}
	f.loading = false
	switch {
	case err != nil:
		metrics.SuggestionFetches.WithLabelValues("error").Inc()
		f.logger.Warn("fetch suggestions failed", "error", err)
		f.suggestions = nil
		f.message = MessageFetchFailed
		if msg, ok := speech.RemoteMessage(err); ok && msg != "" {
			f.message = msg
		}
	case len(batch) == 0:
		metrics.SuggestionFetches.WithLabelValues("empty").Inc()
		f.suggestions = nil
		f.message = MessageEmpty
	default:
		metrics.SuggestionFetches.WithLabelValues("ok").Inc()
		f.suggestions = append([]string{}, batch...)
	}
	return State{Suggestions: append([]string{}, f.suggestions...), Message: f.message}, err
}

// Submit sends text through interpretation and, when accepted, to the live
// document. The submitted entry leaves the list on success.
func (f *Feed) Submit(ctx context.Context, text string) (livedoc.Command, error) {
	identity, err := f.cfg.Identity.Require()
	if err != nil {
		return livedoc.Command{}, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return livedoc.Command{}, ErrEmptySuggestion
	}

	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()
	cmd, err := f.cfg.Path.Execute(ctx, identity.UserID, text, livedoc.SourceSuggestion, nil)
	if err != nil {
		kind := voice.Classify(err)
		metrics.VoiceErrors.WithLabelValues(string(kind)).Inc()
		f.logger.Warn("submit suggestion failed", "kind", kind, "error", err)
		return livedoc.Command{}, &voice.Error{Kind: kind, Message: submitFailedPrefix + voice.Detail(err), Err: err}
	}

	f.mu.Lock()
	for i, s := range f.suggestions {
		if s == text {
			f.suggestions = append(f.suggestions[:i:i], f.suggestions[i+1:]...)
			break
		}
	}
	f.mu.Unlock()
	return cmd, nil
}
