package livedoc

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

type recordingSink struct {
	commands []Command
	err      error
}

func (s *recordingSink) Publish(_ context.Context, cmd Command) error {
	if s.err != nil {
		return s.err
	}
	s.commands = append(s.commands, cmd)
	return nil
}

func TestCountShapes(t *testing.T) {
	cases := []struct {
		name     string
		snapshot string
		want     int
	}{
		{"empty", ``, 0},
		{"invalid", `{`, 0},
		{"bare store", `{"store":{"shape:a":{"typeName":"shape"},"page:1":{"typeName":"page"}}}`, 1},
		{"wrapped", `{"document":{"store":{"shape:a":{"typeName":"shape"},"shape:b":{"typeName":"shape"}}}}`, 2},
		{"no shapes", `{"document":{"store":{"page:1":{"typeName":"page"}}}}`, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CountShapes(json.RawMessage(tc.snapshot)); got != tc.want {
				t.Fatalf("CountShapes = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestApplyNotifiesSubscribers(t *testing.T) {
	doc := New("cnv_1", &recordingSink{})
	calls := 0
	cancel := doc.Subscribe(func() { calls++ })

	if err := doc.Apply(Change{Snapshot: json.RawMessage(`{"a":1}`), SVG: "<svg/>", Width: 10, Height: 5, ShapeCount: 3}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 notification, got %d", calls)
	}
	if doc.ShapeCount() != 3 {
		t.Fatalf("shape count = %d", doc.ShapeCount())
	}
	render, ok := doc.RenderSVG()
	if !ok || render.Width != 10 || render.Height != 5 {
		t.Fatalf("unexpected render %+v %v", render, ok)
	}

	cancel()
	_ = doc.Apply(Change{Snapshot: json.RawMessage(`{"a":2}`), ShapeCount: 0})
	if calls != 1 {
		t.Fatalf("cancelled subscriber was notified")
	}
	if _, ok := doc.RenderSVG(); ok {
		t.Fatal("empty page should drop the rendering")
	}
}

func TestApplyRejectsInvalidSnapshot(t *testing.T) {
	doc := New("cnv_1", &recordingSink{})
	if err := doc.Apply(Change{Snapshot: json.RawMessage(`{`)}); err == nil {
		t.Fatal("expected error for invalid snapshot")
	}
}

func TestSeedDoesNotNotify(t *testing.T) {
	doc := New("cnv_1", &recordingSink{})
	doc.Subscribe(func() { t.Fatal("seed must not notify") })
	doc.Seed(json.RawMessage(`{"store":{"shape:a":{"typeName":"shape"}}}`))
	if doc.ShapeCount() != 1 {
		t.Fatalf("shape count = %d", doc.ShapeCount())
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	doc := New("cnv_1", &recordingSink{})
	doc.Seed(json.RawMessage(`{"a":1}`))
	snap := doc.Snapshot()
	snap[2] = 'b'
	if string(doc.Snapshot()) != `{"a":1}` {
		t.Fatal("caller mutated document snapshot")
	}
}

func TestApplyCommand(t *testing.T) {
	sink := &recordingSink{}
	doc := New("cnv_1", sink)

	if _, err := doc.ApplyCommand(context.Background(), "   ", SourceVoice); !errors.Is(err, ErrEmptyCommand) {
		t.Fatalf("expected ErrEmptyCommand, got %v", err)
	}

	cmd, err := doc.ApplyCommand(context.Background(), " draw a red circle ", SourceVoice)
	if err != nil {
		t.Fatalf("ApplyCommand: %v", err)
	}
	if cmd.Text != "draw a red circle" || cmd.DocumentID != "cnv_1" || cmd.Source != SourceVoice {
		t.Fatalf("unexpected command %+v", cmd)
	}
	if len(sink.commands) != 1 {
		t.Fatalf("expected one published command, got %d", len(sink.commands))
	}

	sink.err = errors.New("redis down")
	if _, err := doc.ApplyCommand(context.Background(), "draw", SourceSuggestion); err == nil {
		t.Fatal("expected publish error")
	}
}
