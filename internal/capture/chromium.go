// Package capture snapshots the printable /calendar page with headless
// Chromium.
package capture

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/pkg/errors"

	appLog "coursecal/internal/log"
)

const (
	DefaultWidth   = 1200
	DefaultHeight  = 1600
	DefaultTimeout = 30 * time.Second

	// ReadySelector matches the page body once the agenda has rendered.
	ReadySelector = `[data-ready="true"]`
)

type Options struct {
	// URL of the page, e.g. "http://127.0.0.1:8080/calendar?days=7".
	URL string

	// OutputPath receives the PNG.
	OutputPath string

	Width   int
	Height  int
	Timeout time.Duration

	// BasicAuth is sent when the console is password protected.
	Username string
	Password string
}

func (o *Options) normalize() error {
	if o.URL == "" {
		return errors.New("capture: URL is required")
	}
	if o.OutputPath == "" {
		return errors.New("capture: output path is required")
	}
	if o.Width <= 0 {
		o.Width = DefaultWidth
	}
	if o.Height <= 0 {
		o.Height = DefaultHeight
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	return nil
}

// targetURL embeds basic auth credentials, which Chromium honours on
// navigation.
func (o Options) targetURL() (string, error) {
	u, err := url.Parse(o.URL)
	if err != nil {
		return "", errors.Wrap(err, "capture: parse URL")
	}
	if o.Username != "" {
		u.User = url.UserPassword(o.Username, o.Password)
	}
	return u.String(), nil
}

// CalendarPNG navigates to the calendar page, waits for ReadySelector and
// writes a full-page screenshot to opts.OutputPath.
func CalendarPNG(parent context.Context, opts Options) error {
	if err := opts.normalize(); err != nil {
		return err
	}
	target, err := opts.targetURL()
	if err != nil {
		return err
	}

	ctx, cancel := chromedp.NewContext(parent)
	defer cancel()
	ctx, timeoutCancel := context.WithTimeout(ctx, opts.Timeout)
	defer timeoutCancel()

	start := time.Now()
	var png []byte
	err = chromedp.Run(ctx,
		chromedp.EmulateViewport(int64(opts.Width), int64(opts.Height)),
		chromedp.Navigate(target),
		chromedp.WaitVisible(ReadySelector, chromedp.ByQuery),
		chromedp.FullScreenshot(&png, 100),
	)
	if err != nil {
		return errors.Wrap(err, "capture: chromedp run failed")
	}

	if dir := filepath.Dir(opts.OutputPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "capture: create output dir")
		}
	}
	if err := os.WriteFile(opts.OutputPath, png, 0o644); err != nil {
		return errors.Wrap(err, "capture: write PNG")
	}

	appLog.Info("calendar snapshot written", "path", opts.OutputPath, "bytes", len(png), "elapsed", time.Since(start))
	return nil
}
