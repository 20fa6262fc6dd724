// Package capture adapts audio chunks streamed by the browser into a
// voice.Microphone.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"voicecanvas/api/internal/voice"
)

var (
	ErrDeviceBusy   = fmt.Errorf("microphone already in use: %w", voice.ErrDeviceUnavailable)
	ErrNotRecording = errors.New("microphone is not recording")
)

// StreamDevice is one workspace's microphone. The editor reports device
// availability and pushes MediaRecorder chunks while a recording is open.
type StreamDevice struct {
	// deliver serializes chunk delivery so Stop returns only after every
	// accepted push reached the handler.
	deliver sync.Mutex

	mu        sync.Mutex
	available bool
	current   *recording
}

func NewStreamDevice() *StreamDevice {
	return &StreamDevice{available: true}
}

// SetAvailable records whether the browser granted microphone access.
func (d *StreamDevice) SetAvailable(available bool) {
	d.mu.Lock()
	d.available = available
	d.mu.Unlock()
}

func (d *StreamDevice) Open(_ context.Context, handler voice.ChunkHandler) (voice.Recording, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.available {
		return nil, voice.ErrDeviceUnavailable
	}
	if d.current != nil {
		return nil, ErrDeviceBusy
	}
	rec := &recording{device: d, handler: handler}
	d.current = rec
	return rec, nil
}

// Recording reports whether a recording is open.
func (d *StreamDevice) Recording() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current != nil
}

// Push delivers one chunk to the open recording.
func (d *StreamDevice) Push(data []byte) error {
	d.deliver.Lock()
	defer d.deliver.Unlock()

	rec := d.active()
	if rec == nil {
		return ErrNotRecording
	}
	if len(data) == 0 {
		return nil
	}
	rec.handler.OnChunk(data)
	return nil
}

// Fail reports a device error from the browser to the open recording.
func (d *StreamDevice) Fail(err error) error {
	rec := d.active()
	if rec == nil {
		return ErrNotRecording
	}
	if err == nil {
		err = errors.New("device error")
	}
	rec.handler.OnDeviceError(err)
	return nil
}

func (d *StreamDevice) active() *recording {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current == nil || d.current.stopped {
		return nil
	}
	return d.current
}

type recording struct {
	device  *StreamDevice
	handler voice.ChunkHandler
	stopped bool
}

// Stop waits for in-flight pushes and refuses later ones.
func (r *recording) Stop(context.Context) error {
	d := r.device
	d.deliver.Lock()
	defer d.deliver.Unlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current != r {
		return ErrNotRecording
	}
	r.stopped = true
	return nil
}

func (r *recording) Release() {
	d := r.device
	d.mu.Lock()
	defer d.mu.Unlock()
	r.stopped = true
	if d.current == r {
		d.current = nil
	}
}
