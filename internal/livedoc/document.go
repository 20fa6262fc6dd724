// Package livedoc mirrors the editor's live canvas on the server: the latest
// snapshot, its vector rendering and shape count, and a channel back to the
// editor for free-text drawing commands.
package livedoc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"voicecanvas/api/internal/util"
)

var ErrEmptyCommand = errors.New("empty command")

type Source string

const (
	SourceVoice      Source = "voice"
	SourceSuggestion Source = "suggestion"
)

// Change is one mutation notification from the editor. ShapeCount < 0 means
// the editor did not report it and it is derived from the snapshot.
type Change struct {
	Snapshot   json.RawMessage `json:"snapshot"`
	SVG        string          `json:"svg,omitempty"`
	Width      float64         `json:"width,omitempty"`
	Height     float64         `json:"height,omitempty"`
	ShapeCount int             `json:"shapeCount"`
}

// Render is the vector rendering of every shape on the page.
type Render struct {
	SVG    string
	Width  float64
	Height float64
}

// Command is a drawing instruction forwarded to the editor-side agent.
type Command struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"documentId"`
	Text       string    `json:"text"`
	Source     Source    `json:"source"`
	CreatedAt  time.Time `json:"createdAt"`
}

type CommandSink interface {
	Publish(ctx context.Context, cmd Command) error
}

type Document struct {
	id   string
	sink CommandSink

	mu          sync.RWMutex
	snapshot    json.RawMessage
	render      Render
	shapes      int
	nextSub     int
	subscribers map[int]func()
}

func New(id string, sink CommandSink) *Document {
	return &Document{
		id:          id,
		sink:        sink,
		subscribers: map[int]func(){},
	}
}

func (d *Document) ID() string {
	return d.id
}

// Seed installs the persisted snapshot without notifying subscribers.
func (d *Document) Seed(snapshot json.RawMessage) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.snapshot = cloneRaw(snapshot)
	d.shapes = CountShapes(snapshot)
}

// Apply records an editor mutation and notifies every subscriber.
func (d *Document) Apply(change Change) error {
	if len(change.Snapshot) == 0 || !json.Valid(change.Snapshot) {
		return fmt.Errorf("apply change: snapshot must be valid JSON")
	}
	shapes := change.ShapeCount
	if shapes < 0 {
		shapes = CountShapes(change.Snapshot)
	}

	d.mu.Lock()
	d.snapshot = cloneRaw(change.Snapshot)
	d.shapes = shapes
	if change.SVG != "" {
		d.render = Render{SVG: change.SVG, Width: change.Width, Height: change.Height}
	} else if shapes == 0 {
		d.render = Render{}
	}
	subscribers := make([]func(), 0, len(d.subscribers))
	for _, fn := range d.subscribers {
		subscribers = append(subscribers, fn)
	}
	d.mu.Unlock()

	for _, fn := range subscribers {
		fn()
	}
	return nil
}

// Subscribe registers fn for every change and returns its cancel func.
func (d *Document) Subscribe(fn func()) func() {
	d.mu.Lock()
	id := d.nextSub
	d.nextSub++
	d.subscribers[id] = fn
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.subscribers, id)
		d.mu.Unlock()
	}
}

// Snapshot returns a copy of the current serialized state.
func (d *Document) Snapshot() json.RawMessage {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return cloneRaw(d.snapshot)
}

func (d *Document) ShapeCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.shapes
}

// RenderSVG returns the latest rendering; ok is false when none is available.
func (d *Document) RenderSVG() (Render, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.render.SVG == "" {
		return Render{}, false
	}
	return d.render, true
}

// ApplyCommand forwards a free-text instruction to the editor.
func (d *Document) ApplyCommand(ctx context.Context, text string, source Source) (Command, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Command{}, ErrEmptyCommand
	}
	cmd := Command{
		ID:         util.NewID("cmd"),
		DocumentID: d.id,
		Text:       text,
		Source:     source,
		CreatedAt:  time.Now().UTC(),
	}
	if err := d.sink.Publish(ctx, cmd); err != nil {
		return Command{}, fmt.Errorf("publish command: %w", err)
	}
	return cmd, nil
}

// CountShapes counts shape records in an editor snapshot. Both the bare store
// form {"store":{...}} and the wrapped {"document":{"store":{...}}} are accepted.
func CountShapes(snapshot json.RawMessage) int {
	if len(snapshot) == 0 {
		return 0
	}
	var envelope struct {
		Store    map[string]json.RawMessage `json:"store"`
		Document struct {
			Store map[string]json.RawMessage `json:"store"`
		} `json:"document"`
	}
	if err := json.Unmarshal(snapshot, &envelope); err != nil {
		return 0
	}
	records := envelope.Store
	if len(records) == 0 {
		records = envelope.Document.Store
	}
	count := 0
	for _, raw := range records {
		var record struct {
			TypeName string `json:"typeName"`
		}
		if err := json.Unmarshal(raw, &record); err != nil {
			continue
		}
		if record.TypeName == "shape" {
			count++
		}
	}
	return count
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}
