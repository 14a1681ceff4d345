// Package browser provides scoped, exclusive browser sessions for interactive
// source adapters. A session wraps a headless Chrome tab with the navigation
// primitives the adapters need; at most one session per provider is live at a
// time, since interactive sites ban parallel sessions from one identity.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// ErrUnavailable means no session could be acquired: either one is already
// live or the browser failed to start.
var ErrUnavailable = errors.New("browser: session unavailable")

// Known tracker and ad hosts. Blocking them keeps anti-automation scripts
// quieter and speeds page loads.
var blockedURLPatterns = []string{
	"*googletagmanager.com*",
	"*google-analytics.com*",
	"*doubleclick.net*",
	"*facebook.net*",
	"*hotjar.com*",
	"*adnxs.com*",
	"*criteo.com*",
}

// Provider hands out browser sessions one at a time.
type Provider struct {
	logger    *slog.Logger
	userAgent string
	execPath  string
	headless  bool
	mu        sync.Mutex
}

// NewProvider creates a session provider. execPath may be empty; the binary is
// then located on PATH.
func NewProvider(execPath string, headless bool, logger *slog.Logger) *Provider {
	return &Provider{
		logger:    logger,
		execPath:  execPath,
		headless:  headless,
		userAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	}
}

// Acquire starts a browser session scoped to the given timeout. The caller
// must Close it on every exit path. Returns ErrUnavailable when a session is
// already live.
func (p *Provider) Acquire(ctx context.Context, timeout time.Duration) (*Session, error) {
	if !p.mu.TryLock() {
		return nil, fmt.Errorf("%w: session already in use", ErrUnavailable)
	}

	execPath := p.execPath
	if execPath == "" {
		execPath = findChromeBinary()
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", p.headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.UserAgent(p.userAgent),
	)
	if execPath != "" {
		opts = append(opts, chromedp.ExecPath(execPath))
	}

	runCtx, cancelTimeout := context.WithTimeout(ctx, timeout)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(runCtx, opts...)
	tabCtx, cancelTab := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(string, ...any) {}))

	sess := &Session{
		ctx:      tabCtx,
		logger:   p.logger,
		provider: p,
		cancel: func() {
			cancelTab()
			cancelAlloc()
			cancelTimeout()
		},
	}

	// Starting the browser happens lazily on the first action; block trackers
	// up front so it also proves the session is usable.
	if err := chromedp.Run(tabCtx,
		network.Enable(),
		network.SetBlockedURLS(blockedURLPatterns),
	); err != nil {
		sess.Close()
		return nil, fmt.Errorf("%w: start browser: %v", ErrUnavailable, err)
	}

	p.logger.Info("Browser session acquired", "headless", p.headless, "timeout", timeout.String())
	return sess, nil
}

// Session is one exclusive browser tab.
type Session struct {
	ctx      context.Context
	cancel   func()
	provider *Provider
	logger   *slog.Logger
	closed   bool
}

// Close tears the session down and releases the provider slot. Safe to call
// once per session on any exit path.
func (s *Session) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.cancel()
	s.provider.mu.Unlock()
	s.logger.Info("Browser session released")
}

// Navigate loads a URL and waits for the document to be ready.
func (s *Session) Navigate(url string) error {
	s.logger.Info("Browser navigation", "url", url)
	return chromedp.Run(s.ctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

// HTML returns the full serialized document.
func (s *Session) HTML() (string, error) {
	var html string
	err := chromedp.Run(s.ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	return html, err
}

// Click clicks the first node matching the selector.
func (s *Session) Click(selector string) error {
	return chromedp.Run(s.ctx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Click(selector, chromedp.ByQuery),
	)
}

// SelectOption sets a <select> element to the given value and fires a change
// event, as a user picking the option would.
func (s *Session) SelectOption(selector, value string) error {
	return chromedp.Run(s.ctx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.SetValue(selector, value, chromedp.ByQuery),
		chromedp.Evaluate(fmt.Sprintf(
			`document.querySelector(%q).dispatchEvent(new Event('change', {bubbles: true}))`, selector), nil),
	)
}

// SetChecked checks a checkbox or radio input.
func (s *Session) SetChecked(selector string) error {
	return chromedp.Run(s.ctx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Evaluate(fmt.Sprintf(
			`document.querySelector(%q).checked = true`, selector), nil),
	)
}

// Visible reports whether any node matches the selector right now.
func (s *Session) Visible(selector string) bool {
	var found bool
	err := chromedp.Run(s.ctx, chromedp.Evaluate(fmt.Sprintf(
		`document.querySelector(%q) !== null`, selector), &found))
	return err == nil && found
}

// Pause sleeps a random interval in [minMs, maxMs] to pace navigation like a
// human rather than a crawler.
func (s *Session) Pause(minMs, maxMs int) {
	delay := time.Duration(minMs+rand.Intn(maxMs-minMs+1)) * time.Millisecond
	select {
	case <-s.ctx.Done():
	case <-time.After(delay):
	}
}

func findChromeBinary() string {
	if bin := os.Getenv("CHROME_BIN"); bin != "" {
		return bin
	}

	names := []string{"google-chrome-stable", "google-chrome", "chromium", "chromium-browser"}
	for _, name := range names {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}

	paths := []string{
		"/usr/bin/google-chrome-stable",
		"/usr/bin/google-chrome",
		"/usr/bin/chromium-browser",
		"/usr/bin/chromium",
		"/snap/bin/chromium",
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	return ""
}
