package journal

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

type memoryPutter struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func (m *memoryPutter) PutObject(_ context.Context, bucket, key string, body []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if contentType != "application/json" {
		return errors.New("unexpected content type " + contentType)
	}
	m.objects[bucket+"/"+key] = body
	return nil
}

func sampleEntry() Entry {
	return Entry{
		ID:         "cmd_1",
		DocumentID: "cnv_1",
		OwnerID:    "usr_1",
		Message:    "draw a red circle",
		Actions:    json.RawMessage(`[{"type":"circle"}]`),
		Source:     "voice",
		CreatedAt:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestKey(t *testing.T) {
	if got := Key(sampleEntry()); got != "journal/usr_1/cnv_1/cmd_1.json" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestEncodeRequiresIdentifiers(t *testing.T) {
	entry := sampleEntry()
	entry.OwnerID = ""
	if _, err := Encode(entry); err == nil {
		t.Fatal("expected error for missing owner")
	}
}

func TestRecordWritesObject(t *testing.T) {
	putter := &memoryPutter{objects: map[string][]byte{}}
	r := NewWithPutter(putter, Config{Bucket: "journal-test"})

	r.Record(sampleEntry())
	r.Wait()

	body, ok := putter.objects["journal-test/journal/usr_1/cnv_1/cmd_1.json"]
	if !ok {
		t.Fatalf("object not written: %v", putter.objects)
	}
	var decoded Entry
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Message != "draw a red circle" || decoded.Source != "voice" || string(decoded.Actions) != `[{"type":"circle"}]` {
		t.Fatalf("unexpected entry %+v", decoded)
	}
}

func TestRecordSwallowsFailures(t *testing.T) {
	putter := &memoryPutter{objects: map[string][]byte{}, err: errors.New("bucket gone")}
	r := NewWithPutter(putter, Config{Bucket: "journal-test"})
	r.Record(sampleEntry())
	r.Wait()
	if len(putter.objects) != 0 {
		t.Fatal("nothing should be stored")
	}
}

func TestDisabledRecorder(t *testing.T) {
	r, err := New(context.Background(), Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if r.Enabled() {
		t.Fatal("recorder without endpoint should be disabled")
	}
	r.Record(sampleEntry())
	r.Wait()
}
