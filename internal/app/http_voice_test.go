package app

import (
	"errors"
	"net/http"
	"testing"

	"voicecanvas/api/internal/speech"
	"voicecanvas/api/internal/voice"
)

func openCanvas(t *testing.T, env *testEnv) (token, base string) {
	t.Helper()
	token = env.signUp(t, "avery@example.com")
	id := env.createCanvas(t, token, "Floor plan")
	base = "/api/canvases/" + id
	if rr := env.do(t, http.MethodPost, base+"/open", token, nil); rr.Code != http.StatusOK {
		t.Fatalf("open: expected 200, got %d", rr.Code)
	}
	return token, base
}

func phaseOf(t *testing.T, payload map[string]any) any {
	t.Helper()
	return payload["phase"]
}

func errorDetails(t *testing.T, payload map[string]any) (state map[string]any, voiceErr map[string]any) {
	t.Helper()
	details, _ := payload["details"].(map[string]any)
	state, _ = details["state"].(map[string]any)
	voiceErr, _ = state["error"].(map[string]any)
	return state, voiceErr
}

func TestVoiceCommandRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	token, base := openCanvas(t, env)

	rr := env.do(t, http.MethodPost, base+"/voice/start", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("start: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if phase := phaseOf(t, decodeMap(t, rr)); phase != string(voice.PhaseRecording) {
		t.Fatalf("expected recording, got %v", phase)
	}

	for _, chunk := range []string{"RIFF", "data"} {
		rr = env.do(t, http.MethodPost, base+"/voice/chunks", token, []byte(chunk))
		if rr.Code != http.StatusAccepted {
			t.Fatalf("chunk: expected 202, got %d", rr.Code)
		}
	}
	if bytes := decodeMap(t, rr)["bytes"]; bytes != float64(8) {
		t.Fatalf("expected 8 buffered bytes, got %v", bytes)
	}

	rr = env.do(t, http.MethodPost, base+"/voice/stop", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("stop: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decodeMap(t, rr)
	result, _ := payload["result"].(map[string]any)
	if result["transcript"] != "draw a red circle" {
		t.Fatalf("unexpected result %v", result)
	}
	state, _ := payload["state"].(map[string]any)
	if state["phase"] != string(voice.PhaseIdle) || state["error"] != nil {
		t.Fatalf("expected clean idle state, got %v", state)
	}
	if got := string(env.speech.audio); got != "RIFFdata" {
		t.Fatalf("expected concatenated audio, got %q", got)
	}

	rr = env.do(t, http.MethodGet, base+"/commands", token, nil)
	commands, _ := decodeMap(t, rr)["commands"].([]any)
	if len(commands) != 1 {
		t.Fatalf("expected one queued command, got %v", commands)
	}
	command, _ := commands[0].(map[string]any)
	if command["text"] != "draw a red circle" || command["source"] != "voice" {
		t.Fatalf("unexpected command %v", command)
	}

	rr = env.do(t, http.MethodGet, base+"/commands", token, nil)
	if commands, _ := decodeMap(t, rr)["commands"].([]any); len(commands) != 0 {
		t.Fatalf("expected drained outbox, got %v", commands)
	}
}

func TestVoiceStartWhileBusy(t *testing.T) {
	env := newTestEnv(t)
	token, base := openCanvas(t, env)

	env.do(t, http.MethodPost, base+"/voice/start", token, nil)
	rr := env.do(t, http.MethodPost, base+"/voice/start", token, nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	if code := decodeMap(t, rr)["code"]; code != "VOICE_BUSY" {
		t.Fatalf("expected VOICE_BUSY, got %v", code)
	}
}

func TestVoiceStopWithoutRecording(t *testing.T) {
	env := newTestEnv(t)
	token, base := openCanvas(t, env)

	rr := env.do(t, http.MethodPost, base+"/voice/stop", token, nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	if code := decodeMap(t, rr)["code"]; code != "NOT_RECORDING" {
		t.Fatalf("expected NOT_RECORDING, got %v", code)
	}

	rr = env.do(t, http.MethodPost, base+"/voice/chunks", token, []byte("late"))
	if rr.Code != http.StatusConflict {
		t.Fatalf("chunk outside recording: expected 409, got %d", rr.Code)
	}
}

func TestVoiceShortRecording(t *testing.T) {
	env := newTestEnv(t)
	token, base := openCanvas(t, env)

	env.do(t, http.MethodPost, base+"/voice/start", token, nil)
	env.do(t, http.MethodPost, base+"/voice/chunks", token, []byte("hi"))
	rr := env.do(t, http.MethodPost, base+"/voice/stop", token, nil)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rr.Code)
	}
	payload := decodeMap(t, rr)
	if payload["code"] != "VOICE_VALIDATION" || payload["error"] != voice.MessageTooShort {
		t.Fatalf("unexpected error payload %v", payload)
	}
	state, voiceErr := errorDetails(t, payload)
	if state["phase"] != string(voice.PhaseIdle) || voiceErr["kind"] != string(voice.KindValidation) {
		t.Fatalf("unexpected state %v", state)
	}
	if env.speech.audio != nil {
		t.Fatalf("short recording must not reach transcription")
	}
}

func TestVoiceDeviceUnavailable(t *testing.T) {
	env := newTestEnv(t)
	token, base := openCanvas(t, env)

	rr := env.do(t, http.MethodPost, base+"/voice/device", token, map[string]bool{"available": false})
	if rr.Code != http.StatusOK {
		t.Fatalf("device: expected 200, got %d", rr.Code)
	}
	rr = env.do(t, http.MethodPost, base+"/voice/start", token, nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	payload := decodeMap(t, rr)
	if payload["code"] != "VOICE_DEVICE" || payload["error"] != voice.MessageDeviceDenied {
		t.Fatalf("unexpected error payload %v", payload)
	}
}

func TestVoiceDeviceErrorDuringRecording(t *testing.T) {
	env := newTestEnv(t)
	token, base := openCanvas(t, env)

	env.do(t, http.MethodPost, base+"/voice/start", token, nil)
	rr := env.do(t, http.MethodPost, base+"/voice/error", token, map[string]any{"message": "track ended"})
	if rr.Code != http.StatusOK {
		t.Fatalf("error: expected 200, got %d", rr.Code)
	}
	state := decodeMap(t, rr)
	voiceErr, _ := state["error"].(map[string]any)
	if state["phase"] != string(voice.PhaseIdle) || voiceErr["message"] != voice.MessageRecordingError {
		t.Fatalf("unexpected state %v", state)
	}

	// the device was released so a new recording can start
	rr = env.do(t, http.MethodPost, base+"/voice/start", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("restart: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	rr = env.do(t, http.MethodGet, base+"/voice", token, nil)
	if state := decodeMap(t, rr); state["phase"] != string(voice.PhaseRecording) || state["error"] != nil {
		t.Fatalf("expected fresh recording state, got %v", state)
	}
}

func TestVoiceTranscriptionFailures(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		status  int
		code    string
		message string
	}{
		{
			name:    "rejected",
			err:     &speech.RemoteError{Endpoint: "transcribe", Status: 200, Message: "no speech detected"},
			status:  http.StatusUnprocessableEntity,
			code:    "VOICE_REJECTED",
			message: "Transcription failed: no speech detected",
		},
		{
			name:    "empty transcript",
			err:     speech.ErrEmptyTranscript,
			status:  http.StatusUnprocessableEntity,
			code:    "VOICE_REJECTED",
			message: "Transcription failed: Unknown error",
		},
		{
			name:    "transport",
			err:     errors.New("connection reset"),
			status:  http.StatusBadGateway,
			code:    "VOICE_TRANSPORT",
			message: "Failed to transcribe audio: connection reset",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.speech.transcribe = tc.err
			token, base := openCanvas(t, env)

			env.do(t, http.MethodPost, base+"/voice/start", token, nil)
			env.do(t, http.MethodPost, base+"/voice/chunks", token, []byte("RIFFdata"))
			rr := env.do(t, http.MethodPost, base+"/voice/stop", token, nil)
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d body=%s", tc.status, rr.Code, rr.Body.String())
			}
			payload := decodeMap(t, rr)
			if payload["code"] != tc.code || payload["error"] != tc.message {
				t.Fatalf("unexpected error payload %v", payload)
			}

			rr = env.do(t, http.MethodGet, base+"/commands", token, nil)
			if commands, _ := decodeMap(t, rr)["commands"].([]any); len(commands) != 0 {
				t.Fatalf("failed command must not reach the editor, got %v", commands)
			}
		})
	}
}

func TestVoiceInterpretationRejected(t *testing.T) {
	env := newTestEnv(t)
	env.speech.interpret = &speech.RemoteError{Endpoint: "interpret", Status: 200, Message: "I could not understand that"}
	token, base := openCanvas(t, env)

	env.do(t, http.MethodPost, base+"/voice/start", token, nil)
	env.do(t, http.MethodPost, base+"/voice/chunks", token, []byte("RIFFdata"))
	rr := env.do(t, http.MethodPost, base+"/voice/stop", token, nil)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rr.Code)
	}
	payload := decodeMap(t, rr)
	if payload["error"] != "Drawing failed: I could not understand that" {
		t.Fatalf("unexpected message %v", payload["error"])
	}
	state, _ := errorDetails(t, payload)
	if state["transcript"] != "draw a red circle" {
		t.Fatalf("expected transcript kept for display, got %v", state)
	}
}

func TestSuggestionFeed(t *testing.T) {
	env := newTestEnv(t)
	env.speech.suggestions = []string{"add a legend", "draw a door"}
	token, base := openCanvas(t, env)

	rr := env.do(t, http.MethodPost, base+"/suggestions", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("fetch: expected 200, got %d", rr.Code)
	}
	if list, _ := decodeMap(t, rr)["suggestions"].([]any); len(list) != 2 {
		t.Fatalf("expected 2 suggestions, got %v", list)
	}

	rr = env.do(t, http.MethodPost, base+"/suggestions/submit", token, map[string]string{"text": "draw a door"})
	if rr.Code != http.StatusOK {
		t.Fatalf("submit: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	command, _ := decodeMap(t, rr)["command"].(map[string]any)
	if command["text"] != "draw a door" || command["source"] != "suggestion" {
		t.Fatalf("unexpected command %v", command)
	}

	rr = env.do(t, http.MethodGet, base+"/suggestions", token, nil)
	list, _ := decodeMap(t, rr)["suggestions"].([]any)
	if len(list) != 1 || list[0] != "add a legend" {
		t.Fatalf("expected submitted suggestion removed, got %v", list)
	}

	rr = env.do(t, http.MethodPost, base+"/suggestions/submit", token, map[string]string{"text": "  "})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("blank submit: expected 422, got %d", rr.Code)
	}
}

func TestSuggestionFeedMessages(t *testing.T) {
	env := newTestEnv(t)
	token, base := openCanvas(t, env)

	rr := env.do(t, http.MethodPost, base+"/suggestions", token, nil)
	if msg := decodeMap(t, rr)["message"]; msg != "No suggestions found." {
		t.Fatalf("expected empty message, got %v", msg)
	}

	env.speech.suggestErr = errors.New("backend down")
	rr = env.do(t, http.MethodPost, base+"/suggestions", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("failed fetch is reported in state, got %d", rr.Code)
	}
	if msg := decodeMap(t, rr)["message"]; msg != "Failed to fetch suggestions" {
		t.Fatalf("expected failure message, got %v", msg)
	}

	env.speech.interpret = &speech.RemoteError{Endpoint: "interpret", Status: 200, Message: "unsupported shape"}
	rr = env.do(t, http.MethodPost, base+"/suggestions/submit", token, map[string]string{"text": "draw a hexagon"})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rr.Code)
	}
	if msg := decodeMap(t, rr)["error"]; msg != "Failed to add suggestion: unsupported shape" {
		t.Fatalf("unexpected message %v", msg)
	}
}
