package studentsch

import (
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
)

const detailFixture = `
<html><body>
<h3>Irchelstrasse 5, 8057 Zürich</h3>
<p>Inseriert am 07.03.2026</p>
<div class="facts">
  <div>Details</div>
  <div>WG-Zimmer, 14m2, Miete 750 CHF</div>
  <div>Verfügbarkeit</div>
  <div>Frei ab: 01.08.2026</div>
</div>
<div class="box_large">Beschreibung
Grosses Zimmer in ruhiger 2er-WG, 5 Minuten zum Irchelpark.</div>
<div class="box_small">
  <a data-lightbox="gallery" href="https://www.students.ch/img/77-1.jpg">Foto</a>
  <a data-lightbox="gallery" href="https://www.students.ch/img/77-2.jpg">Foto</a>
</div>
</body></html>`

func selection(t *testing.T, html string) *goquery.Selection {
	t.Helper()
	d, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		t.Fatalf("parse fixture: %v", err)
	}
	return d.Selection
}

func TestParseDetail(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	pageURL := "https://www.students.ch/wohnen/details/77"

	raw, err := parseDetail(selection(t, detailFixture), pageURL, "77", now)
	if err != nil {
		t.Fatalf("parseDetail(): %v", err)
	}

	if raw.SourceID != "77" {
		t.Errorf("SourceID = %q", raw.SourceID)
	}
	if raw.RawAddress != "Irchelstrasse 5, 8057 Zürich" {
		t.Errorf("RawAddress = %q", raw.RawAddress)
	}
	if raw.Title != raw.RawAddress {
		t.Errorf("Title = %q, want same as address", raw.Title)
	}
	if raw.RawPostedAt != "07.03.2026" {
		t.Errorf("RawPostedAt = %q, want 07.03.2026", raw.RawPostedAt)
	}
	if raw.RawPrice != "750" {
		t.Errorf("RawPrice = %q, want 750 (not the room size)", raw.RawPrice)
	}
	if raw.RawAvailable != "01.08.2026" {
		t.Errorf("RawAvailable = %q, want 01.08.2026", raw.RawAvailable)
	}
	if !strings.Contains(raw.Description, "Grosses Zimmer") {
		t.Errorf("Description = %q", raw.Description)
	}
	if len(raw.ImageURLs) != 2 {
		t.Errorf("ImageURLs = %v", raw.ImageURLs)
	}
}

func TestParseDetailSofort(t *testing.T) {
	html := `<html><body>
<h3>Langstrasse 14, 8004 Zürich</h3>
<div>
  <div>Details</div>
  <div>Miete 600 CHF</div>
  <div>Verfügbarkeit</div>
  <div>Ab sofort verfügbar</div>
</div>
</body></html>`

	raw, err := parseDetail(selection(t, html), "https://www.students.ch/wohnen/details/88", "88", time.Now())
	if err != nil {
		t.Fatalf("parseDetail(): %v", err)
	}
	if raw.RawAvailable != "ab sofort" {
		t.Errorf("RawAvailable = %q, want ab sofort", raw.RawAvailable)
	}
	if raw.RawPrice != "600" {
		t.Errorf("RawPrice = %q, want 600", raw.RawPrice)
	}
}

func TestParseDetailMissingPrice(t *testing.T) {
	html := `<html><body><h3>Someplace 1</h3></body></html>`

	if _, err := parseDetail(selection(t, html), "https://www.students.ch/wohnen/details/9", "9", time.Now()); err == nil {
		t.Error("parseDetail() accepted a page without a price")
	}
}

func TestDetailIDRegex(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{url: "https://www.students.ch/wohnen/details/12345", want: "12345"},
		{url: "/wohnen/details/9", want: "9"},
		{url: "https://www.students.ch/wohnen/list/140", want: ""},
	}
	for _, tt := range tests {
		var got string
		if m := idRegex.FindStringSubmatch(tt.url); m != nil {
			got = m[1]
		}
		if got != tt.want {
			t.Errorf("idRegex(%q) = %q, want %q", tt.url, got, tt.want)
		}
	}
}
