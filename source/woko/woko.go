// Package woko fetches room listings from woko.ch, the ETH/UZH student
// housing cooperative. The site is plain server-rendered HTML: one index page
// of current offers plus a detail page per room.
package woko

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/codeGROOVE-dev/retry"

	"wg-radar/pkg/listing"
	"wg-radar/source"
)

const (
	defaultBaseURL = "https://www.woko.ch"
	indexPath      = "/de/nachmieter-gesucht"
)

var (
	availableRegex = regexp.MustCompile(`ab (\d{2}\.\d{2}\.\d{4})`)
	latRegex       = regexp.MustCompile(`"lat":\s*"?([\d.]+)"?`)
	lngRegex       = regexp.MustCompile(`"lng":\s*"?([\d.]+)"?`)
)

// Adapter is the static source adapter for woko.ch.
type Adapter struct {
	client  *http.Client
	logger  *slog.Logger
	baseURL string
}

// New creates a woko adapter. baseURL may be empty for the live site.
func New(client *http.Client, baseURL string, logger *slog.Logger) *Adapter {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Adapter{client: client, logger: logger, baseURL: baseURL}
}

// Name implements source.Adapter.
func (a *Adapter) Name() listing.Source { return listing.SourceWoko }

// Fetch pulls the offer index and every linked detail page. An unreachable
// index fails the source; a single broken detail page only drops that room.
func (a *Adapter) Fetch(ctx context.Context) ([]listing.Raw, error) {
	indexDoc, err := a.fetchDocument(ctx, a.baseURL+indexPath)
	if err != nil {
		return nil, &source.UnavailableError{Source: a.Name(), Reason: "index fetch failed", Err: err}
	}

	urls := parseIndex(indexDoc, a.baseURL)
	a.logger.Info("Offer index fetched", "source", a.Name(), "offers", len(urls))

	now := time.Now()
	raws := make([]listing.Raw, 0, len(urls))
	for _, u := range urls {
		if ctx.Err() != nil {
			return nil, &source.UnavailableError{Source: a.Name(), Reason: "cancelled", Err: ctx.Err()}
		}
		doc, err := a.fetchDocument(ctx, u)
		if err != nil {
			a.logger.Warn("Detail page fetch failed, skipping offer", "url", u, "error", err)
			continue
		}
		raw, err := parseDetail(doc, u, now)
		if err != nil {
			a.logger.Warn("Detail page unparsable, skipping offer", "url", u, "error", err)
			continue
		}
		raws = append(raws, raw)
	}

	return raws, nil
}

func (a *Adapter) fetchDocument(ctx context.Context, pageURL string) (*goquery.Document, error) {
	var doc *goquery.Document

	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, http.NoBody)
			if err != nil {
				return fmt.Errorf("create request: %w", err)
			}
			req.Header.Set("Accept-Language", "de-CH,de;q=0.9")

			startTime := time.Now()
			resp, err := a.client.Do(req)
			if err != nil {
				return fmt.Errorf("request: %w", err)
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					a.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			a.logger.Debug("HTTP request completed",
				"url", pageURL,
				"status_code", resp.StatusCode,
				"duration_ms", time.Since(startTime).Milliseconds())

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("HTTP %d", resp.StatusCode)
			}

			doc, err = goquery.NewDocumentFromReader(io.LimitReader(resp.Body, 4<<20))
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("parse HTML: %w", err))
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(2*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			a.logger.Info("Retrying fetch after error", "url", pageURL, "attempt", n, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("after retries: %w", err)
	}
	return doc, nil
}

// parseIndex extracts absolute detail page URLs from the offer index.
func parseIndex(doc *goquery.Document, baseURL string) []string {
	var urls []string
	seen := make(map[string]bool)
	doc.Find(`.inserat a[href*='/de/zimmer-in-zuerich-details/']`).Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok || seen[href] {
			return
		}
		seen[href] = true
		urls = append(urls, baseURL+href)
	})
	return urls
}

// parseDetail extracts one raw listing from a detail page. The page lays the
// facts out in three tables: availability/address/rent, contact, free text.
func parseDetail(doc *goquery.Document, pageURL string, fetchedAt time.Time) (listing.Raw, error) {
	tables := doc.Find(".inserat-details table")
	if tables.Length() == 0 {
		return listing.Raw{}, fmt.Errorf("no detail tables found")
	}

	raw := listing.Raw{
		Source:    listing.SourceWoko,
		SourceID:  sourceIDFromURL(pageURL),
		URL:       pageURL,
		FetchedAt: fetchedAt,
	}

	facts := tables.First()
	facts.Find("tr").Each(func(i int, row *goquery.Selection) {
		value := strings.TrimSpace(row.Find("td").Eq(1).Text())
		switch i {
		case 0: // availability: "per sofort" or "ab 01.08.2026"
			if m := availableRegex.FindStringSubmatch(value); m != nil {
				raw.RawAvailable = m[1]
			} else {
				raw.RawAvailable = value
			}
		case 1:
			raw.RawAddress = value
		case 2:
			raw.RawPrice = value
		}
	})

	if tables.Length() > 1 {
		if mailHref, ok := tables.Eq(1).Find(`a[href^='mailto:']`).Attr("href"); ok {
			raw.ContactEmail = strings.TrimPrefix(mailHref, "mailto:")
		}
	}
	if tables.Length() > 2 {
		desc := tables.Eq(2).Find("td").FilterFunction(func(_ int, s *goquery.Selection) bool {
			return strings.TrimSpace(s.Text()) == "Sonstiges"
		}).NextAll().First()
		raw.Description = strings.TrimSpace(desc.Text())
	}

	doc.Find(`.inserat-details a[target='_image']`).Each(func(_ int, s *goquery.Selection) {
		if href, ok := s.Attr("href"); ok {
			raw.ImageURLs = append(raw.ImageURLs, "https://www.woko.ch"+href)
		}
	})

	raw.Title = strings.TrimSpace(doc.Find("h1").First().Text())

	// The map marker script embeds the exact coordinates; use them so the
	// listing skips geocoding entirely.
	doc.Find("script").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := s.Text()
		if !strings.Contains(text, "var marker") {
			return true
		}
		latMatch := latRegex.FindStringSubmatch(text)
		lngMatch := lngRegex.FindStringSubmatch(text)
		if latMatch != nil && lngMatch != nil {
			lat := parseFloat(latMatch[1])
			lng := parseFloat(lngMatch[1])
			if lat != 0 && lng != 0 {
				raw.Coordinates = &listing.Coordinates{Latitude: lat, Longitude: lng}
			}
		}
		return false
	})

	if raw.RawPrice == "" || raw.RawAddress == "" {
		return listing.Raw{}, fmt.Errorf("mandatory fields missing (price=%q, address=%q)", raw.RawPrice, raw.RawAddress)
	}
	return raw, nil
}

func sourceIDFromURL(pageURL string) string {
	return path.Base(strings.TrimSuffix(pageURL, "/"))
}

func parseFloat(s string) float64 {
	var f float64
	_, _ = fmt.Sscanf(s, "%g", &f)
	return f
}
