// Package studentsch fetches shared-room listings from the students.ch
// housing board: a paginated index table linking to one detail page per room.
package studentsch

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"wg-radar/pkg/listing"
	"wg-radar/source"
)

const defaultIndexURL = "https://www.students.ch/wohnen/list/140?type=wg&price-range-min=0&price-range-max=1000"

var (
	postedRegex = regexp.MustCompile(`\d{2}\.\d{2}\.\d{4}`)
	freiAbRegex = regexp.MustCompile(`Frei ab:\s*([\d.]+)`)
	priceRegex  = regexp.MustCompile(`(\d+(?:['’]\d{3})*)\s*(?:CHF|Fr)`)
	idRegex     = regexp.MustCompile(`/wohnen/details/(\d+)`)
)

// Adapter is the static source adapter for students.ch, built on colly.
type Adapter struct {
	logger   *slog.Logger
	indexURL string
	timeout  time.Duration
}

// New creates a students.ch adapter. indexURL may be empty for the default
// WG search.
func New(indexURL string, timeout time.Duration, logger *slog.Logger) *Adapter {
	if indexURL == "" {
		indexURL = defaultIndexURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Adapter{logger: logger, indexURL: indexURL, timeout: timeout}
}

// Name implements source.Adapter.
func (a *Adapter) Name() listing.Source { return listing.SourceStudents }

// Fetch crawls the index table and visits each linked detail page. A failed
// index fetch fails the source; a single broken detail page drops that room.
func (a *Adapter) Fetch(ctx context.Context) ([]listing.Raw, error) {
	now := time.Now()

	var (
		mu       sync.Mutex
		raws     []listing.Raw
		indexErr error
	)

	collector := colly.NewCollector(
		colly.AllowedDomains("www.students.ch", "students.ch"),
		colly.UserAgent("Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"),
		colly.StdlibContext(ctx),
	)
	collector.SetRequestTimeout(a.timeout)

	// Index rows link to the detail pages.
	collector.OnHTML(`table.list_table a[href*="/wohnen/details/"]`, func(e *colly.HTMLElement) {
		detailURL := e.Request.AbsoluteURL(e.Attr("href"))
		if err := e.Request.Visit(detailURL); err != nil {
			a.logger.Debug("Skipping detail link", "url", detailURL, "error", err)
		}
	})

	collector.OnHTML("body", func(e *colly.HTMLElement) {
		pageURL := e.Request.URL.String()
		match := idRegex.FindStringSubmatch(pageURL)
		if match == nil {
			return // index page, handled above
		}

		raw, err := parseDetail(e.DOM, pageURL, match[1], now)
		if err != nil {
			a.logger.Warn("Detail page unparsable, skipping room", "url", pageURL, "error", err)
			return
		}

		mu.Lock()
		raws = append(raws, raw)
		mu.Unlock()
	})

	collector.OnError(func(r *colly.Response, err error) {
		if r.Request.URL.String() == a.indexURL {
			indexErr = err
			return
		}
		a.logger.Warn("Detail page fetch failed, skipping room",
			"url", r.Request.URL.String(),
			"status_code", r.StatusCode,
			"error", err)
	})

	collector.OnRequest(func(r *colly.Request) {
		a.logger.Debug("Crawling page", "source", a.Name(), "url", r.URL.String())
	})

	if err := collector.Visit(a.indexURL); err != nil {
		return nil, &source.UnavailableError{Source: a.Name(), Reason: "index fetch failed", Err: err}
	}
	collector.Wait()

	if indexErr != nil {
		return nil, &source.UnavailableError{Source: a.Name(), Reason: "index fetch failed", Err: indexErr}
	}

	a.logger.Info("Crawl finished", "source", a.Name(), "rooms", len(raws))
	return raws, nil
}

// parseDetail extracts one raw listing from a detail page selection.
func parseDetail(sel *goquery.Selection, pageURL, sourceID string, fetchedAt time.Time) (listing.Raw, error) {
	raw := listing.Raw{
		Source:    listing.SourceStudents,
		SourceID:  sourceID,
		URL:       pageURL,
		FetchedAt: fetchedAt,
	}

	// The address doubles as the listing heading.
	raw.RawAddress = strings.TrimSpace(sel.Find("h3").First().Text())
	raw.Title = raw.RawAddress

	// Posting date is the first dd.mm.yyyy on the page.
	raw.RawPostedAt = postedRegex.FindString(sel.Text())

	// "Details" block carries rent and size.
	details := blockAfterLabel(sel, "Details")
	if m := priceRegex.FindStringSubmatch(details); m != nil {
		raw.RawPrice = m[1]
	}

	// "Verfügbarkeit" block carries the move-in date.
	availability := blockAfterLabel(sel, "Verfügbarkeit")
	if m := freiAbRegex.FindStringSubmatch(availability); m != nil {
		raw.RawAvailable = m[1]
	} else if strings.Contains(strings.ToLower(availability), "sofort") {
		raw.RawAvailable = "ab sofort"
	}

	// Free-text description: everything in the large box after its heading.
	box := sel.Find("div.box_large").First()
	if box.Length() > 0 {
		parts := strings.SplitN(strings.TrimSpace(box.Text()), "\n", 2)
		if len(parts) == 2 {
			raw.Description = strings.TrimSpace(parts[1])
		}
	}

	sel.Find(".box_small a[data-lightbox]").Each(func(_ int, s *goquery.Selection) {
		if href, ok := s.Attr("href"); ok {
			raw.ImageURLs = append(raw.ImageURLs, href)
		}
	})

	if raw.RawPrice == "" || raw.RawAddress == "" {
		return listing.Raw{}, fmt.Errorf("mandatory fields missing (price=%q, address=%q)", raw.RawPrice, raw.RawAddress)
	}
	return raw, nil
}

// blockAfterLabel returns the text of the sibling following the div whose own
// text is exactly the label. The site renders fact blocks as label/value div
// pairs.
func blockAfterLabel(sel *goquery.Selection, label string) string {
	var value string
	sel.Find("div").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if strings.TrimSpace(s.Text()) != label {
			return true
		}
		value = s.Next().Text()
		return false
	})
	return value
}
