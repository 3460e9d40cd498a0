package crawl

import (
	"bytes"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"pricewatch/monitor/logger"
)

// PageExtractor turns raw listing page content into candidate product
// URLs. Implementations are pure: same content, same URLs.
type PageExtractor interface {
	Extract(content []byte) []string
}

// ListingExtractor reads the JSON-LD ItemList a listing page embeds,
// falling back to anchor selectors when the structured data is missing.
type ListingExtractor struct {
	BaseURL      string
	LinkSelector string
}

// NewListingExtractor creates an extractor rooted at the given origin
func NewListingExtractor(baseURL, linkSelector string) *ListingExtractor {
	return &ListingExtractor{BaseURL: baseURL, LinkSelector: linkSelector}
}

type itemList struct {
	Type            string `json:"@type"`
	ItemListElement []struct {
		URL string `json:"url"`
	} `json:"itemListElement"`
}

// Extract returns the deduplicated product URLs found on a listing page
func (e *ListingExtractor) Extract(content []byte) []string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(content))
	if err != nil {
		logger.Warn("Failed to parse listing page: %v", err)
		return nil
	}

	urls := e.fromJSONLD(doc)
	if len(urls) == 0 {
		urls = e.fromAnchors(doc)
	}
	return dedupStrings(urls)
}

func (e *ListingExtractor) fromJSONLD(doc *goquery.Document) []string {
	var urls []string
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		var list itemList
		if err := json.Unmarshal([]byte(s.Text()), &list); err != nil {
			logger.Warn("Failed to parse JSON-LD on listing page: %v", err)
			return true
		}
		if list.Type != "ItemList" {
			return true
		}
		for _, item := range list.ItemListElement {
			if item.URL == "" || !strings.Contains(item.URL, "/p") {
				continue
			}
			urls = append(urls, e.join(item.URL))
		}
		return false
	})
	return urls
}

func (e *ListingExtractor) fromAnchors(doc *goquery.Document) []string {
	var urls []string
	doc.Find(e.LinkSelector).Each(func(_ int, s *goquery.Selection) {
		if href, ok := s.Attr("href"); ok && href != "" {
			urls = append(urls, e.join(href))
		}
	})
	return urls
}

func (e *ListingExtractor) join(href string) string {
	base, err := url.Parse(e.BaseURL)
	if err != nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}

func dedupStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
