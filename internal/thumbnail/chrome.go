package thumbnail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

var ErrChromeMissing = errors.New("chromium not installed")

var browserCandidates = []string{"chromium-browser", "chromium", "google-chrome", "headless-shell"}

// ChromeRasterizer turns SVG into PNG with one shared headless browser and a
// fresh tab per render.
type ChromeRasterizer struct {
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	timeout       time.Duration
	logger        *slog.Logger
}

// FindBrowser resolves the browser binary: the explicit path first, then PATH.
func FindBrowser(explicit string) (string, error) {
	if explicit != "" {
		if path, err := exec.LookPath(explicit); err == nil {
			return path, nil
		}
		return "", fmt.Errorf("%w: %s", ErrChromeMissing, explicit)
	}
	for _, name := range browserCandidates {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", ErrChromeMissing
}

func NewChromeRasterizer(execPath string, logger *slog.Logger) (*ChromeRasterizer, error) {
	path, err := FindBrowser(execPath)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.ExecPath(path),
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.Flag("hide-scrollbars", true),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	// start the browser now so the first render does not pay for it
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start chromium: %w", err)
	}

	logger.Info("thumbnail: chromium started", "path", path)
	return &ChromeRasterizer{
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		timeout:       15 * time.Second,
		logger:        logger,
	}, nil
}

// Rasterize renders svg on a white background at width x height pixels.
func (r *ChromeRasterizer) Rasterize(ctx context.Context, svg string, width, height int) ([]byte, error) {
	if width <= 0 || height <= 0 {
		return nil, ErrZeroSize
	}

	tabCtx, cancelTab := chromedp.NewContext(r.browserCtx)
	defer cancelTab()
	tabCtx, cancelTimeout := context.WithTimeout(tabCtx, r.timeout)
	defer cancelTimeout()

	// the caller's deadline also bounds the tab
	stop := context.AfterFunc(ctx, cancelTab)
	defer stop()

	var png []byte
	err := chromedp.Run(tabCtx,
		chromedp.EmulateViewport(int64(width), int64(height)),
		chromedp.Navigate("data:text/html;charset=utf-8,"+percentEncodeForDataURL(thumbnailPage(svg, width, height))),
		chromedp.WaitReady("#thumb"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			png, err = page.CaptureScreenshot().
				WithFormat(page.CaptureScreenshotFormatPng).
				WithClip(&page.Viewport{X: 0, Y: 0, Width: float64(width), Height: float64(height), Scale: 1}).
				Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("chrome screenshot failed: %w", err)
	}
	return png, nil
}

// Close shuts the browser down.
func (r *ChromeRasterizer) Close() {
	r.browserCancel()
	r.allocCancel()
}

// thumbnailPage embeds the SVG as an image so scripts inside it never run.
func thumbnailPage(svg string, width, height int) string {
	encoded := base64.StdEncoding.EncodeToString([]byte(svg))
	var b strings.Builder
	b.WriteString(`<!doctype html><html><head><style>html,body{margin:0;padding:0;background:#ffffff;overflow:hidden}</style></head><body>`)
	fmt.Fprintf(&b, `<img id="thumb" width="%d" height="%d" style="display:block" src="data:image/svg+xml;base64,%s">`, width, height, encoded)
	b.WriteString(`</body></html>`)
	return b.String()
}

// percentEncodeForDataURL encodes s for a data URL; spaces become %20, not +.
func percentEncodeForDataURL(s string) string {
	var result strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9',
			c == '-', c == '_', c == '.', c == '~':
			result.WriteByte(c)
		default:
			fmt.Fprintf(&result, "%%%02X", c)
		}
	}
	return result.String()
}

// Unavailable stands in when no browser is installed; every render fails.
type Unavailable struct{}

func (Unavailable) Rasterize(context.Context, string, int, int) ([]byte, error) {
	return nil, ErrChromeMissing
}
