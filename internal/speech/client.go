// Package speech talks to the transcription and interpretation backend.
package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"voicecanvas/api/internal/metrics"
)

const (
	endpointTranscribe  = "transcribe"
	endpointProcess     = "process"
	endpointSuggestions = "suggestions"
)

// RemoteError is a well-formed response with success=false.
type RemoteError struct {
	Endpoint string
	Status   int
	Message  string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s rejected (status %d)", e.Endpoint, e.Status)
	}
	return fmt.Sprintf("%s rejected: %s", e.Endpoint, e.Message)
}

// RemoteMessage returns the backend's message when err is a rejection.
func RemoteMessage(err error) (string, bool) {
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote.Message, true
	}
	return "", false
}

var ErrEmptyTranscript = errors.New("empty transcript")

type envelope struct {
	Success     bool            `json:"success"`
	Transcript  string          `json:"transcript"`
	Actions     json.RawMessage `json:"actions"`
	Suggestions []string        `json:"suggestions"`
	Error       string          `json:"error"`
}

// Interpretation is the accepted result of the interpret call.
type Interpretation struct {
	Transcript string          `json:"transcript"`
	Actions    json.RawMessage `json:"actions,omitempty"`
}

type Config struct {
	BaseURL    string
	Timeout    time.Duration
	RPS        int
	HTTPClient *http.Client
}

type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	rps := cfg.RPS
	if rps <= 0 {
		rps = 5
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
	}
}

// Transcribe uploads recorded audio as multipart field "audio" named audio.webm.
func (c *Client) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	if mimeType == "" {
		mimeType = "audio/webm"
	}
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="audio"; filename="audio.webm"`)
	header.Set("Content-Type", mimeType)
	part, err := writer.CreatePart(header)
	if err != nil {
		return "", fmt.Errorf("build transcribe request: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return "", fmt.Errorf("build transcribe request: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("build transcribe request: %w", err)
	}

	result, err := c.do(ctx, endpointTranscribe, writer.FormDataContentType(), &body)
	if err != nil {
		return "", err
	}
	transcript := strings.TrimSpace(result.Transcript)
	if transcript == "" {
		return "", ErrEmptyTranscript
	}
	return transcript, nil
}

// Interpret asks the backend to turn a free-text instruction into drawing actions.
func (c *Client) Interpret(ctx context.Context, text string) (Interpretation, error) {
	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return Interpretation{}, fmt.Errorf("marshal process request: %w", err)
	}
	result, err := c.do(ctx, endpointProcess, "application/json", bytes.NewReader(payload))
	if err != nil {
		return Interpretation{}, err
	}
	transcript := result.Transcript
	if transcript == "" {
		transcript = text
	}
	return Interpretation{Transcript: transcript, Actions: result.Actions}, nil
}

// Suggestions fetches short drawing ideas. promptContext may be empty.
func (c *Client) Suggestions(ctx context.Context, promptContext string) ([]string, error) {
	payload, err := json.Marshal(map[string]string{"context": promptContext})
	if err != nil {
		return nil, fmt.Errorf("marshal suggestions request: %w", err)
	}
	result, err := c.do(ctx, endpointSuggestions, "application/json", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	suggestions := make([]string, 0, len(result.Suggestions))
	for _, s := range result.Suggestions {
		if s = strings.TrimSpace(s); s != "" {
			suggestions = append(suggestions, s)
		}
	}
	return suggestions, nil
}

func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("speech health: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("speech health: status %d", resp.StatusCode)
	}
	return nil
}

// do posts body and decodes the common envelope. Error bodies arrive with
// 4xx/5xx statuses, so the status code alone is not treated as failure.
func (c *Client) do(ctx context.Context, endpoint, contentType string, body io.Reader) (result envelope, err error) {
	started := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		metrics.SpeechRequests.WithLabelValues(endpoint, outcome).Observe(time.Since(started).Seconds())
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		return envelope{}, fmt.Errorf("%s: %w", endpoint, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+endpoint, body)
	if err != nil {
		return envelope{}, fmt.Errorf("build %s request: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return envelope{}, fmt.Errorf("%s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return envelope{}, fmt.Errorf("read %s response: %w", endpoint, err)
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return envelope{}, fmt.Errorf("decode %s response (status %d): %w", endpoint, resp.StatusCode, err)
	}
	if !result.Success {
		return envelope{}, &RemoteError{Endpoint: endpoint, Status: resp.StatusCode, Message: result.Error}
	}
	return result, nil
}
