// Package wgzimmer fetches room listings from wgzimmer.ch. The site sits
// behind anti-automation protection, so this adapter drives a real browser
// session: it fills the search form with human-like pacing, detects CAPTCHA
// interstitials, and walks the paginated result list.
package wgzimmer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"wg-radar/pkg/listing"
	"wg-radar/source"
)

const (
	defaultBaseURL = "https://www.wgzimmer.ch"
	searchPath     = "/wgzimmer/search/mate.html"

	// A challenge that survives this many fresh attempts is considered
	// unbeatable for this run.
	maxChallengeAttempts = 3
)

var counterRegex = regexp.MustCompile(`Seite\s*(\d+)/(\d+)`)

// Session is the browser capability this adapter needs. *browser.Session
// satisfies it.
type Session interface {
	Navigate(url string) error
	HTML() (string, error)
	Click(selector string) error
	SelectOption(selector, value string) error
	SetChecked(selector string) error
	Visible(selector string) bool
	Pause(minMs, maxMs int)
	Close()
}

// AcquireFunc hands out a scoped browser session.
type AcquireFunc func(ctx context.Context, timeout time.Duration) (Session, error)

// Config holds the search filters the adapter submits.
type Config struct {
	BaseURL        string
	Region         string // value of the wgState select, e.g. "zurich-stadt"
	MinPrice       int
	MaxPrice       int
	PermanentOnly  bool // "Nur Unbefristete"
	SessionTimeout time.Duration
}

// Adapter is the interactive source adapter for wgzimmer.ch.
type Adapter struct {
	acquire AcquireFunc
	logger  *slog.Logger
	cfg     Config
}

// New creates a wgzimmer adapter.
func New(acquire AcquireFunc, cfg Config, logger *slog.Logger) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = 5 * time.Minute
	}
	return &Adapter{acquire: acquire, logger: logger, cfg: cfg}
}

// Name implements source.Adapter.
func (a *Adapter) Name() listing.Source { return listing.SourceWGZimmer }

// Fetch acquires a browser session for the duration of the call, runs the
// search, and extracts every result page. The session is released on all exit
// paths.
func (a *Adapter) Fetch(ctx context.Context) ([]listing.Raw, error) {
	sess, err := a.acquire(ctx, a.cfg.SessionTimeout)
	if err != nil {
		return nil, &source.UnavailableError{Source: a.Name(), Reason: "no browser session", Err: err}
	}
	defer sess.Close()

	if err := a.runSearch(ctx, sess); err != nil {
		return nil, err
	}

	return a.collectResults(ctx, sess)
}

// runSearch navigates to the search form, submits it, and gets past the
// anti-automation front door or gives up.
func (a *Adapter) runSearch(ctx context.Context, sess Session) error {
	for attempt := 1; attempt <= maxChallengeAttempts; attempt++ {
		if ctx.Err() != nil {
			return &source.UnavailableError{Source: a.Name(), Reason: "cancelled", Err: ctx.Err()}
		}

		a.logger.Info("Starting search attempt", "source", a.Name(), "attempt", attempt)

		if err := sess.Navigate(a.cfg.BaseURL + searchPath); err != nil {
			return &source.UnavailableError{Source: a.Name(), Reason: "navigation failed", Err: err}
		}
		sess.Pause(2000, 4000)

		html, err := sess.HTML()
		if err != nil {
			return &source.UnavailableError{Source: a.Name(), Reason: "page extract failed", Err: err}
		}
		if isRejected(html) {
			return &source.AuthError{Source: a.Name(), Err: errors.New("access denied page served")}
		}

		// A saved previous search lands straight on its results; the
		// "Neue Suche" link leads back to the form.
		if !sess.Visible("form#searchMateForm") && sess.Visible(`a[href*="search/mate"]`) {
			if err := sess.Click(`a[href*="search/mate"]`); err == nil {
				sess.Pause(800, 1500)
			}
		}

		if err := a.fillForm(sess); err != nil {
			return &source.UnavailableError{Source: a.Name(), Reason: "form fill failed", Err: err}
		}

		if err := sess.Click(`form#searchMateForm input[type="button"][value="Suchen"]`); err != nil {
			return &source.UnavailableError{Source: a.Name(), Reason: "submit failed", Err: err}
		}
		sess.Pause(3000, 5000)

		html, err = sess.HTML()
		if err != nil {
			return &source.UnavailableError{Source: a.Name(), Reason: "page extract failed", Err: err}
		}

		switch {
		case isRejected(html):
			return &source.AuthError{Source: a.Name(), Err: errors.New("session rejected after submit")}
		case isChallenge(html):
			a.logger.Warn("Anti-automation challenge hit", "source", a.Name(), "attempt", attempt)
			// Back off before a fresh attempt; the challenge often clears.
			sess.Pause(5000*attempt, 8000*attempt)
		default:
			return nil
		}
	}

	return &source.UnavailableError{
		Source: a.Name(),
		Reason: fmt.Sprintf("challenge not bypassed after %d attempts", maxChallengeAttempts),
	}
}

func (a *Adapter) fillForm(sess Session) error {
	const form = "form#searchMateForm"

	if a.cfg.MinPrice > 0 {
		if err := sess.SelectOption(form+` select[name="priceMin"]`, strconv.Itoa(a.cfg.MinPrice)); err != nil {
			return fmt.Errorf("set min price: %w", err)
		}
		sess.Pause(300, 800)
	}
	if a.cfg.MaxPrice > 0 {
		if err := sess.SelectOption(form+` select[name="priceMax"]`, strconv.Itoa(a.cfg.MaxPrice)); err != nil {
			return fmt.Errorf("set max price: %w", err)
		}
		sess.Pause(300, 800)
	}
	if a.cfg.Region != "" {
		if err := sess.SelectOption(form+` select[name="wgState"]`, a.cfg.Region); err != nil {
			return fmt.Errorf("set region: %w", err)
		}
		sess.Pause(300, 800)
	}
	if a.cfg.PermanentOnly {
		if err := sess.SetChecked(form + ` input[name="permanent"][value="true"]`); err != nil {
			return fmt.Errorf("set permanent filter: %w", err)
		}
		sess.Pause(300, 800)
	}
	return nil
}

// collectResults walks every result page.
func (a *Adapter) collectResults(ctx context.Context, sess Session) ([]listing.Raw, error) {
	now := time.Now()
	var raws []listing.Raw

	for {
		if ctx.Err() != nil {
			return nil, &source.UnavailableError{Source: a.Name(), Reason: "cancelled", Err: ctx.Err()}
		}

		html, err := sess.HTML()
		if err != nil {
			return nil, &source.UnavailableError{Source: a.Name(), Reason: "page extract failed", Err: err}
		}

		page, err := ParseResultsPage(html, a.cfg.BaseURL, now)
		if err != nil {
			return nil, &source.UnavailableError{Source: a.Name(), Reason: "results unparsable", Err: err}
		}
		raws = append(raws, page.Listings...)

		a.logger.Info("Result page parsed",
			"source", a.Name(),
			"page", page.Current,
			"total_pages", page.Total,
			"listings_on_page", len(page.Listings))

		if page.Total == 0 || page.Current >= page.Total {
			break
		}

		if err := sess.Click("div.skip a.next"); err != nil {
			a.logger.Warn("Next page navigation failed, stopping pagination", "page", page.Current, "error", err)
			break
		}
		sess.Pause(1500, 3500)
	}

	return raws, nil
}

// Page is one parsed search result page.
type Page struct {
	Listings []listing.Raw
	Current  int
	Total    int
}

// ParseResultsPage extracts the pagination counter ("Seite X/Y") and the
// result entries from a search results document.
func ParseResultsPage(html, baseURL string, fetchedAt time.Time) (*Page, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse HTML: %w", err)
	}

	page := &Page{Current: 1}

	counter := strings.TrimSpace(doc.Find("div.skip span.counter").First().Text())
	if m := counterRegex.FindStringSubmatch(counter); m != nil {
		page.Current, _ = strconv.Atoi(m[1])
		page.Total, _ = strconv.Atoi(m[2])
	}

	entries := doc.Find("ul.list#search-result-list li.search-result-entry").Not(".search-result-entry-slot")
	if entries.Length() == 0 && page.Total == 0 {
		return nil, errors.New("no result list found")
	}

	entries.Each(func(_ int, item *goquery.Selection) {
		anchor := item.Find("a").First()
		href, ok := anchor.Attr("href")
		if !ok {
			return
		}
		absURL := resolveURL(baseURL, href)

		// The anchor wraps the whole entry; only its direct text nodes hold
		// the title.
		title := strings.TrimSpace(anchor.Contents().Not("*").Text())

		var addressParts []string
		item.Find("span.state.image span.thumbState").Contents().Each(func(_ int, s *goquery.Selection) {
			if text := strings.TrimSpace(s.Text()); text != "" {
				addressParts = append(addressParts, text)
			}
		})

		page.Listings = append(page.Listings, listing.Raw{
			Source:       listing.SourceWGZimmer,
			SourceID:     sourceIDFromURL(absURL),
			URL:          absURL,
			Title:        title,
			RawPrice:     strings.TrimSpace(item.Find("span.cost strong").First().Text()),
			RawAddress:   strings.Join(addressParts, " "),
			RawAvailable: strings.TrimSpace(item.Find("span.from-date strong").First().Text()),
			RawPostedAt:  strings.TrimSpace(item.Find("div.create-date strong").First().Text()),
			FetchedAt:    fetchedAt,
		})
	})

	return page, nil
}

func resolveURL(baseURL, href string) string {
	base, err := url.Parse(baseURL)
	if err != nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}

func sourceIDFromURL(absURL string) string {
	u, err := url.Parse(absURL)
	if err != nil {
		return absURL
	}
	return strings.TrimSuffix(path.Base(u.Path), ".html")
}

func isChallenge(html string) bool {
	lower := strings.ToLower(html)
	return strings.Contains(lower, "captcha") || strings.Contains(lower, "sind sie ein mensch")
}

func isRejected(html string) bool {
	lower := strings.ToLower(html)
	return strings.Contains(lower, "access denied") || strings.Contains(lower, "zugriff verweigert")
}
