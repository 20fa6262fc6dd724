package app

import (
	"net/http"
	"testing"
	"time"
)

const snapshotWithShape = `{"store":{"shape:1":{"typeName":"shape","id":"shape:1"},"page:1":{"typeName":"page"}}}`

func TestCanvasLifecycle(t *testing.T) {
	env := newTestEnv(t)
	token := env.signUp(t, "avery@example.com")

	id := env.createCanvas(t, token, "Floor plan")
	env.createCanvas(t, token, "Org chart")

	rr := env.do(t, http.MethodGet, "/api/canvases", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", rr.Code)
	}
	if list, _ := decodeMap(t, rr)["canvases"].([]any); len(list) != 2 {
		t.Fatalf("expected 2 canvases, got %v", list)
	}

	rr = env.do(t, http.MethodGet, "/api/canvases?q=floor", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("search: expected 200, got %d", rr.Code)
	}
	hits, _ := decodeMap(t, rr)["canvases"].([]any)
	if len(hits) != 1 {
		t.Fatalf("expected 1 hit, got %v", hits)
	}
	if hit, _ := hits[0].(map[string]any); hit["id"] != id {
		t.Fatalf("unexpected hit %v", hit)
	}

	rr = env.do(t, http.MethodPatch, "/api/canvases/"+id, token, map[string]string{"title": "Ground floor"})
	if rr.Code != http.StatusOK {
		t.Fatalf("rename: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if canvas, _ := decodeMap(t, rr)["canvas"].(map[string]any); canvas["title"] != "Ground floor" {
		t.Fatalf("unexpected renamed canvas %v", canvas)
	}

	rr = env.do(t, http.MethodPatch, "/api/canvases/"+id, token, map[string]string{"title": "  "})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("blank rename: expected 422, got %d", rr.Code)
	}

	rr = env.do(t, http.MethodDelete, "/api/canvases/"+id, token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d", rr.Code)
	}
	rr = env.do(t, http.MethodGet, "/api/canvases/"+id, token, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("get deleted: expected 404, got %d", rr.Code)
	}
}

func TestCreateCanvasDefaultsTitle(t *testing.T) {
	env := newTestEnv(t)
	token := env.signUp(t, "avery@example.com")

	id := env.createCanvas(t, token, "")
	if got := env.store.record(id).Title; got != "Untitled" {
		t.Fatalf("expected default title, got %q", got)
	}
}

func TestCanvasesAreScopedToOwner(t *testing.T) {
	env := newTestEnv(t)
	owner := env.signUp(t, "avery@example.com")
	other := env.signUp(t, "blake@example.com")

	id := env.createCanvas(t, owner, "Private")

	for _, tc := range []struct {
		method, path string
	}{
		{http.MethodGet, "/api/canvases/" + id},
		{http.MethodPost, "/api/canvases/" + id + "/open"},
		{http.MethodDelete, "/api/canvases/" + id},
	} {
		rr := env.do(t, tc.method, tc.path, other, nil)
		if rr.Code != http.StatusNotFound {
			t.Fatalf("%s %s: expected 404, got %d", tc.method, tc.path, rr.Code)
		}
	}

	rr := env.do(t, http.MethodGet, "/api/canvases", other, nil)
	if list, _ := decodeMap(t, rr)["canvases"].([]any); len(list) != 0 {
		t.Fatalf("expected no canvases for other user, got %v", list)
	}
}

func TestChangesAreAutosaved(t *testing.T) {
	env := newTestEnv(t)
	env.service.cfg.AutosaveDelay = 200 * time.Millisecond
	token := env.signUp(t, "avery@example.com")
	id := env.createCanvas(t, token, "Floor plan")

	rr := env.do(t, http.MethodPost, "/api/canvases/"+id+"/open", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("open: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if env.store.record(id).OpenedAt == nil {
		t.Fatalf("expected open to touch the canvas")
	}

	body := []byte(`{"snapshot":` + snapshotWithShape + `}`)
	rr = env.do(t, http.MethodPost, "/api/canvases/"+id+"/changes", token, body)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("changes: expected 202, got %d body=%s", rr.Code, rr.Body.String())
	}
	status := decodeMap(t, rr)
	if status["shapes"] != float64(1) {
		t.Fatalf("expected shape count derived from snapshot, got %v", status["shapes"])
	}
	if save, _ := status["save"].(map[string]any); save["status"] != "saving" {
		t.Fatalf("expected saving indicator right after a change, got %v", save)
	}

	waitFor(t, "autosave", func() bool {
		return string(env.store.record(id).Snapshot) == snapshotWithShape
	})

	waitFor(t, "idle indicator", func() bool {
		rr := env.do(t, http.MethodGet, "/api/canvases/"+id+"/status", token, nil)
		save, _ := decodeMap(t, rr)["save"].(map[string]any)
		return save["status"] == "idle" && save["lastSavedAt"] != nil
	})
}

func TestInvalidChangeIsRejected(t *testing.T) {
	env := newTestEnv(t)
	token := env.signUp(t, "avery@example.com")
	id := env.createCanvas(t, token, "Floor plan")

	rr := env.do(t, http.MethodPost, "/api/canvases/"+id+"/changes", token, []byte(`{"shapeCount":3}`))
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rr.Code)
	}
	if code := decodeMap(t, rr)["code"]; code != "INVALID_CHANGE" {
		t.Fatalf("expected INVALID_CHANGE, got %v", code)
	}
}

func TestGetCanvasReturnsLiveSnapshot(t *testing.T) {
	env := newTestEnv(t)
	env.service.cfg.AutosaveDelay = time.Hour
	token := env.signUp(t, "avery@example.com")
	id := env.createCanvas(t, token, "Floor plan")

	body := []byte(`{"snapshot":` + snapshotWithShape + `,"shapeCount":1}`)
	if rr := env.do(t, http.MethodPost, "/api/canvases/"+id+"/changes", token, body); rr.Code != http.StatusAccepted {
		t.Fatalf("changes: expected 202, got %d", rr.Code)
	}

	rr := env.do(t, http.MethodGet, "/api/canvases/"+id, token, nil)
	canvas, _ := decodeMap(t, rr)["canvas"].(map[string]any)
	if canvas["snapshot"] == nil {
		t.Fatalf("expected live snapshot before autosave ran, got %v", canvas)
	}
	if len(env.store.record(id).Snapshot) != 0 {
		t.Fatalf("autosave should not have run yet")
	}
}

func TestCloseFlushesPendingSave(t *testing.T) {
	env := newTestEnv(t)
	env.service.cfg.AutosaveDelay = time.Hour
	token := env.signUp(t, "avery@example.com")
	id := env.createCanvas(t, token, "Floor plan")

	body := []byte(`{"snapshot":` + snapshotWithShape + `}`)
	env.do(t, http.MethodPost, "/api/canvases/"+id+"/changes", token, body)

	rr := env.do(t, http.MethodPost, "/api/canvases/"+id+"/close", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("close: expected 200, got %d", rr.Code)
	}
	if got := string(env.store.record(id).Snapshot); got != snapshotWithShape {
		t.Fatalf("expected flushed snapshot, got %q", got)
	}
}

func TestUnknownRoute(t *testing.T) {
	env := newTestEnv(t)
	token := env.signUp(t, "avery@example.com")

	rr := env.do(t, http.MethodGet, "/api/nothing", token, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}
