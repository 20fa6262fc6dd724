package voice

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"voicecanvas/api/internal/livedoc"
	"voicecanvas/api/internal/metrics"
	"voicecanvas/api/internal/session"
)

const (
	DefaultMinBytes    = 100
	DefaultMaxBytes    = 10 << 20
	DefaultMaxDuration = 2 * time.Minute
)

// ChunkHandler receives audio from an open microphone. Implementations must
// not call back into the device while handling a chunk.
type ChunkHandler interface {
	OnChunk(data []byte)
	OnDeviceError(err error)
}

type Microphone interface {
	// Open acquires the device exclusively. It returns ErrDeviceUnavailable
	// (possibly wrapped) when access is denied or no device exists.
	Open(ctx context.Context, handler ChunkHandler) (Recording, error)
}

type Recording interface {
	// Stop finalizes the recording; every chunk captured before Stop has been
	// delivered when it returns.
	Stop(ctx context.Context) error
	// Release frees the device. Safe to call more than once.
	Release()
}

type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error)
}

type IdentityGate interface {
	Require() (session.Identity, error)
}

type Config struct {
	DocumentID  string
	Identity    IdentityGate
	Microphone  Microphone
	Transcriber Transcriber
	Path        *CommandPath
	MinBytes    int
	MaxBytes    int
	MaxDuration time.Duration
	// Timeout bounds transcription through apply.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Result describes a completed voice command.
type Result struct {
	Transcript string          `json:"transcript"`
	Command    livedoc.Command `json:"command"`
}

type Orchestrator struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	phase      Phase
	starting   bool
	closed     bool
	lastErr    *Error
	transcript string
	chunks     [][]byte
	size       int
	overflow   bool
	startedAt  time.Time
	recording  Recording
	limitTimer *time.Timer
	gen        uint64
	observers  []func(State)
	inflight   sync.WaitGroup
}

func New(cfg Config) *Orchestrator {
	if cfg.MinBytes <= 0 {
		cfg.MinBytes = DefaultMinBytes
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = DefaultMaxDuration
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:    cfg,
		logger: logger.With("component", "voice", "document_id", cfg.DocumentID),
		phase:  PhaseIdle,
	}
}

// OnTransition registers fn for every phase change.
func (o *Orchestrator) OnTransition(fn func(State)) {
	o.mu.Lock()
	o.observers = append(o.observers, fn)
	o.mu.Unlock()
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stateLocked()
}

// Start acquires the microphone and begins recording. It fails with ErrBusy
// unless the orchestrator is idle.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	if o.phase != PhaseIdle || o.starting {
		o.mu.Unlock()
		return ErrBusy
	}
	if _, err := o.cfg.Identity.Require(); err != nil {
		o.mu.Unlock()
		return err
	}
	o.starting = true
	o.lastErr = nil
	o.transcript = ""
	o.chunks = nil
	o.size = 0
	o.overflow = false
	o.gen++
	gen := o.gen
	o.mu.Unlock()

	rec, err := o.cfg.Microphone.Open(ctx, o)
	if err != nil {
		verr := &Error{Kind: KindDevice, Message: MessageDeviceDenied, Err: err}
		o.mu.Lock()
		o.starting = false
		notify := o.failLocked(verr)
		o.mu.Unlock()
		o.settle(verr, notify)
		return verr
	}

	o.mu.Lock()
	o.starting = false
	if o.closed || o.gen != gen || o.phase != PhaseIdle {
		// closed or aborted while the device was opening
		o.mu.Unlock()
		rec.Release()
		if o.isClosed() {
			return ErrClosed
		}
		return o.lastError()
	}
	o.recording = rec
	o.startedAt = time.Now().UTC()
	o.limitTimer = time.AfterFunc(o.cfg.MaxDuration, func() {
		o.abortRecording(gen, &Error{Kind: KindValidation, Message: MessageTooLong})
	})
	notify := o.setPhaseLocked(PhaseRecording)
	o.mu.Unlock()
	notify()
	return nil
}

// OnChunk appends a captured chunk. Empty chunks and chunks outside a
// recording are ignored.
func (o *Orchestrator) OnChunk(data []byte) {
	if len(data) == 0 {
		return
	}
	o.mu.Lock()
	if !(o.starting || o.phase == PhaseRecording || o.phase == PhaseStopping) {
		o.mu.Unlock()
		return
	}
	if o.size+len(data) > o.cfg.MaxBytes {
		if o.phase == PhaseStopping {
			// Stop owns the device now and fails the command
			o.overflow = true
			o.mu.Unlock()
			return
		}
		gen := o.gen
		o.mu.Unlock()
		o.abortRecording(gen, &Error{Kind: KindValidation, Message: MessageTooLong})
		return
	}
	chunk := make([]byte, len(data))
	copy(chunk, data)
	o.chunks = append(o.chunks, chunk)
	o.size += len(chunk)
	o.mu.Unlock()
}

// OnDeviceError aborts the recording in progress.
func (o *Orchestrator) OnDeviceError(err error) {
	o.mu.Lock()
	gen := o.gen
	o.mu.Unlock()
	o.abortRecording(gen, &Error{Kind: KindDevice, Message: MessageRecordingError, Err: err})
}

// Stop finalizes the recording and runs transcription, interpretation and
// apply in order. The returned error is an *Error for command failures.
// Cancelling ctx does not abort work already started.
func (o *Orchestrator) Stop(ctx context.Context) (Result, error) {
	o.mu.Lock()
	if o.phase != PhaseRecording {
		o.mu.Unlock()
		return Result{}, ErrNotRecording
	}
	rec := o.recording
	o.recording = nil
	if o.limitTimer != nil {
		o.limitTimer.Stop()
		o.limitTimer = nil
	}
	o.inflight.Add(1)
	notify := o.setPhaseLocked(PhaseStopping)
	o.mu.Unlock()
	notify()
	defer o.inflight.Done()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.Timeout)
	defer cancel()

	stopErr := rec.Stop(ctx)
	rec.Release()

	o.mu.Lock()
	audio := bytes.Join(o.chunks, nil)
	o.chunks = nil
	overflow := o.overflow
	o.mu.Unlock()

	if stopErr != nil {
		verr := &Error{Kind: KindDevice, Message: MessageRecordingError, Err: stopErr}
		o.fail(verr)
		return Result{}, verr
	}
	if overflow {
		verr := &Error{Kind: KindValidation, Message: MessageTooLong}
		o.fail(verr)
		return Result{}, verr
	}
	if len(audio) < o.cfg.MinBytes {
		verr := &Error{Kind: KindValidation, Message: MessageTooShort}
		o.fail(verr)
		return Result{}, verr
	}

	identity, err := o.cfg.Identity.Require()
	if err != nil {
		verr := &Error{Kind: KindUnauthorized, Message: "Signed out before the command finished.", Err: err}
		o.fail(verr)
		return Result{}, verr
	}

	o.transition(PhaseTranscribing)
	transcript, err := o.cfg.Transcriber.Transcribe(ctx, audio, "audio/webm")
	if err != nil {
		verr := &Error{Kind: Classify(err), Err: err}
		if verr.Kind == KindTransport {
			verr.Message = "Failed to transcribe audio: " + err.Error()
		} else {
			verr.Message = "Transcription failed: " + Detail(err)
		}
		o.fail(verr)
		return Result{}, verr
	}

	o.mu.Lock()
	o.transcript = transcript
	o.mu.Unlock()

	cmd, err := o.cfg.Path.Execute(ctx, identity.UserID, transcript, livedoc.SourceVoice, o.transition)
	if err != nil {
		verr := &Error{Kind: Classify(err), Message: "Drawing failed: " + Detail(err), Err: err}
		o.fail(verr)
		return Result{}, verr
	}

	o.transition(PhaseIdle)
	return Result{Transcript: transcript, Command: cmd}, nil
}

// Close releases the device if a recording is open and waits for an
// in-flight command to finish.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		o.inflight.Wait()
		return
	}
	o.closed = true
	o.gen++
	rec := o.recording
	o.recording = nil
	if o.limitTimer != nil {
		o.limitTimer.Stop()
		o.limitTimer = nil
	}
	notify := func() {}
	if o.phase == PhaseRecording {
		o.chunks = nil
		o.size = 0
		notify = o.setPhaseLocked(PhaseIdle)
	}
	o.mu.Unlock()
	if rec != nil {
		rec.Release()
	}
	notify()
	o.inflight.Wait()
}

func (o *Orchestrator) abortRecording(gen uint64, verr *Error) {
	o.mu.Lock()
	if o.gen != gen || !(o.starting || o.phase == PhaseRecording) {
		o.mu.Unlock()
		return
	}
	rec := o.recording
	o.recording = nil
	if o.limitTimer != nil {
		o.limitTimer.Stop()
		o.limitTimer = nil
	}
	if o.starting {
		// Start sees the generation change and releases the device itself
		o.gen++
	}
	notify := o.failLocked(verr)
	o.mu.Unlock()

	if rec != nil {
		rec.Release()
	}
	o.settle(verr, notify)
}

// fail moves through Error to Idle, keeping verr as the last error.
func (o *Orchestrator) fail(verr *Error) {
	o.mu.Lock()
	notify := o.failLocked(verr)
	o.mu.Unlock()
	o.settle(verr, notify)
}

// failLocked records verr and enters Error so no Start is admitted until
// settle returns to Idle.
func (o *Orchestrator) failLocked(verr *Error) func() {
	o.lastErr = verr
	o.chunks = nil
	o.size = 0
	o.overflow = false
	return o.setPhaseLocked(PhaseError)
}

func (o *Orchestrator) settle(verr *Error, notify func()) {
	metrics.VoiceErrors.WithLabelValues(string(verr.Kind)).Inc()
	o.logger.Warn("voice command failed", "kind", verr.Kind, "message", verr.Message, "error", verr.Err)
	notify()
	o.transition(PhaseIdle)
}

func (o *Orchestrator) transition(phase Phase) {
	o.mu.Lock()
	notify := o.setPhaseLocked(phase)
	o.mu.Unlock()
	notify()
}

func (o *Orchestrator) setPhaseLocked(phase Phase) func() {
	if o.phase == phase {
		return func() {}
	}
	o.phase = phase
	metrics.VoicePhases.WithLabelValues(string(phase)).Inc()
	state := o.stateLocked()
	observers := append([]func(State){}, o.observers...)
	return func() {
		for _, fn := range observers {
			fn(state)
		}
	}
}

func (o *Orchestrator) stateLocked() State {
	state := State{
		Phase:      o.phase,
		Error:      o.lastErr,
		Transcript: o.transcript,
		Bytes:      o.size,
	}
	if o.phase == PhaseRecording || o.phase == PhaseStopping {
		started := o.startedAt
		state.StartedAt = &started
	}
	return state
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func (o *Orchestrator) lastError() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lastErr != nil {
		return o.lastErr
	}
	return errors.New("recording aborted")
}
