// Package thumbnail renders a small PNG preview of a canvas after edits settle.
// Every failure here is dropped: a stale preview is acceptable.
package thumbnail

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"math"
	"time"

	"voicecanvas/api/internal/coalesce"
	"voicecanvas/api/internal/livedoc"
	"voicecanvas/api/internal/metrics"
	"voicecanvas/api/internal/session"
)

const (
	DefaultDelay = 800 * time.Millisecond
	DefaultWidth = 300
)

var ErrZeroSize = errors.New("zero-sized thumbnail")

type Store interface {
	UpdateThumbnail(ctx context.Context, ownerID, id, image string) error
}

type Document interface {
	ShapeCount() int
	RenderSVG() (livedoc.Render, bool)
	Subscribe(fn func()) func()
}

type IdentityGate interface {
	Require() (session.Identity, error)
}

type Rasterizer interface {
	Rasterize(ctx context.Context, svg string, width, height int) ([]byte, error)
}

type Config struct {
	DocumentID string
	Delay      time.Duration
	Width      int
	Timeout    time.Duration
	Store      Store
	Document   Document
	Identity   IdentityGate
	Rasterizer Rasterizer
	Logger     *slog.Logger
}

type Pipeline struct {
	cfg         Config
	logger      *slog.Logger
	scheduler   *coalesce.Scheduler
	unsubscribe func()
}

func New(cfg Config) *Pipeline {
	if cfg.Delay <= 0 {
		cfg.Delay = DefaultDelay
	}
	if cfg.Width <= 0 {
		cfg.Width = DefaultWidth
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		cfg:    cfg,
		logger: logger.With("component", "thumbnail", "document_id", cfg.DocumentID),
	}
	p.scheduler = coalesce.New(coalesce.Config{
		Name:   "thumbnail",
		Delay:  cfg.Delay,
		Run:    p.render,
		Logger: p.logger,
	})
	if cfg.Document != nil {
		p.unsubscribe = cfg.Document.Subscribe(p.OnDocumentChanged)
	}
	return p
}

func (p *Pipeline) OnDocumentChanged() {
	p.scheduler.Trigger()
}

func (p *Pipeline) Busy() bool {
	return p.scheduler.Busy()
}

// Wait blocks until no render is armed or running.
func (p *Pipeline) Wait(ctx context.Context) error {
	return p.scheduler.Wait(ctx)
}

// Close invalidates a pending render. A render already running finishes.
func (p *Pipeline) Close() {
	if p.unsubscribe != nil {
		p.unsubscribe()
	}
	p.scheduler.Close()
}

func (p *Pipeline) render(ctx context.Context) {
	identity, err := p.cfg.Identity.Require()
	if err != nil {
		metrics.ThumbnailRenders.WithLabelValues("skipped_identity").Inc()
		return
	}
	if p.cfg.Document.ShapeCount() == 0 {
		metrics.ThumbnailRenders.WithLabelValues("skipped_empty").Inc()
		return
	}
	rendering, ok := p.cfg.Document.RenderSVG()
	if !ok {
		metrics.ThumbnailRenders.WithLabelValues("skipped_empty").Inc()
		return
	}

	srcW, srcH := rendering.Width, rendering.Height
	if srcW <= 0 || srcH <= 0 {
		srcW, srcH = SVGSize(rendering.SVG)
	}
	width, height, err := TargetSize(srcW, srcH, p.cfg.Width)
	if err != nil {
		p.drop("size", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	png, err := p.cfg.Rasterizer.Rasterize(ctx, rendering.SVG, width, height)
	if err != nil {
		p.drop("rasterize", err)
		return
	}
	if len(png) == 0 {
		p.drop("rasterize", ErrZeroSize)
		return
	}
	if err := p.cfg.Store.UpdateThumbnail(ctx, identity.UserID, p.cfg.DocumentID, DataURL(png)); err != nil {
		p.drop("store", err)
		return
	}
	metrics.ThumbnailRenders.WithLabelValues("ok").Inc()
}

func (p *Pipeline) drop(stage string, err error) {
	metrics.ThumbnailRenders.WithLabelValues("error").Inc()
	p.logger.Debug("thumbnail dropped", "stage", stage, "error", err)
}

// TargetSize scales (w, h) to width target keeping the aspect ratio.
func TargetSize(w, h float64, target int) (int, int, error) {
	if w <= 0 || h <= 0 || target <= 0 || math.IsNaN(w) || math.IsNaN(h) {
		return 0, 0, ErrZeroSize
	}
	height := int(math.Round(h * float64(target) / w))
	if height <= 0 {
		return 0, 0, ErrZeroSize
	}
	return target, height, nil
}

func DataURL(png []byte) string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
}
