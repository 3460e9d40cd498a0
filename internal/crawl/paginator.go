package crawl

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"pricewatch/monitor/config"
	"pricewatch/monitor/internal/product"
	"pricewatch/monitor/internal/state"
	"pricewatch/monitor/logger"
)

const (
	// MaxChunks caps the sub-page loop; origins that keep serving new
	// chunk parameters never run away
	MaxChunks = 8
	// MaxPageRequests is the per-category listing request budget
	MaxPageRequests = 50
	// minListingCount below which a chunk is treated as the end of the
	// listing
	minListingCount = 5
)

// Fetcher is the subset of the fetch client the paginator needs
type Fetcher interface {
	Fetch(ctx context.Context, url string) (io.Reader, error)
}

// Paginator walks a category's pages and chunks, deduplicates the
// discovered product URLs by identity and applies the per-category
// limits. Category listings are served in overlapping, re-orderable
// chunks; the subset/no-growth stop condition is the termination
// guarantee when the origin never signals a last page.
type Paginator struct {
	Fetcher   Fetcher
	Extractor PageExtractor
	DebugDir  string
}

// NewPaginator creates a paginator over the given fetcher and extractor
func NewPaginator(fetcher Fetcher, extractor PageExtractor) *Paginator {
	return &Paginator{Fetcher: fetcher, Extractor: extractor}
}

// Collect returns the deduplicated product URL set for a category plus
// the number of listing requests consumed. Identities already in seen
// are skipped unless forceRefresh is set. Fetch failures end the
// current page's chunk loop and are otherwise contained.
func (p *Paginator) Collect(ctx context.Context, cat config.Category, seen *state.SeenIDs, forceRefresh bool) ([]string, int) {
	urlByID := make(map[string]string)
	requests := 0

	for page := 1; page <= cat.MaxPages; page++ {
		pageURLByID := make(map[string]string)
		previousChunkIDs := make(map[string]bool)
		totalNewInPage := 0

		for chunk := 1; chunk <= MaxChunks; chunk++ {
			if requests >= MaxPageRequests {
				logger.Warn("Reached max page requests (%d) on page %d, chunk %d for %s", MaxPageRequests, page, chunk, cat.Name)
				break
			}
			if ctx.Err() != nil {
				return collectValues(urlByID), requests
			}

			listingURLs := p.fetchListing(ctx, cat.URL, page, chunk)
			requests++

			if len(listingURLs) < minListingCount {
				logger.Info("Low product count (%d) in page %d, chunk %d for %s", len(listingURLs), page, chunk, cat.Name)
				break
			}

			currentChunkIDs := make(map[string]bool)
			keptByID := make(map[string]string)
			for _, raw := range listingURLs {
				normalized := product.NormalizeURL(raw)
				id, err := product.Identity(normalized)
				if err != nil {
					logger.Error("Failed to extract product ID from URL: %s", normalized)
					continue
				}
				if !forceRefresh && seen.Contains(id) {
					continue
				}
				currentChunkIDs[id] = true
				keptByID[id] = normalized
			}

			for id := range currentChunkIDs {
				if !previousChunkIDs[id] {
					totalNewInPage++
				}
			}

			if isSubset(currentChunkIDs, previousChunkIDs) || totalNewInPage >= cat.MaxProductsPerPage {
				logger.Info("Reached %d products in page %d, chunk %d for %s. Stopping chunk loop.", totalNewInPage, page, chunk, cat.Name)
				break
			}

			for id, u := range keptByID {
				pageURLByID[id] = u
			}
			previousChunkIDs = currentChunkIDs
		}

		logger.Info("Total unique products on page %d (%s): %d", page, cat.Name, len(pageURLByID))
		for id, u := range pageURLByID {
			urlByID[id] = u
		}
	}

	all := collectValues(urlByID)
	logger.Info("Total unique products fetched for %s: %d, %d requests made", cat.Name, len(all), requests)
	return all, requests
}

// fetchListing gets one (page, chunk) of the category listing and
// extracts candidate product URLs. Empty extraction dumps the raw page
// for offline debugging.
func (p *Paginator) fetchListing(ctx context.Context, categoryURL string, page, chunk int) []string {
	pageURL := listingURL(categoryURL, page, chunk)
	logger.Debug("Fetching listing %s", pageURL)

	body, err := p.Fetcher.Fetch(ctx, pageURL)
	if err != nil {
		logger.Error("Failed to fetch listing %s: %v", pageURL, err)
		return nil
	}
	content, err := io.ReadAll(body)
	if err != nil {
		logger.Error("Failed to read listing %s: %v", pageURL, err)
		return nil
	}

	urls := p.Extractor.Extract(content)
	if len(urls) == 0 {
		p.dumpDebug(content, page, chunk)
		logger.Warn("No product links found on %s", pageURL)
		return nil
	}
	logger.Info("Found %d products on page %d, chunk %d", len(urls), page, chunk)
	return urls
}

func (p *Paginator) dumpDebug(content []byte, page, chunk int) {
	if p.DebugDir == "" {
		return
	}
	if err := os.MkdirAll(p.DebugDir, 0o755); err != nil {
		return
	}
	path := filepath.Join(p.DebugDir, fmt.Sprintf("debug_page_%d_chunk_%d.html", page, chunk))
	if err := os.WriteFile(path, content, 0o644); err != nil {
		logger.Warn("Failed to save debug page %s: %v", path, err)
		return
	}
	logger.Warn("Saved empty listing page to %s", path)
}

// listingURL builds the request URL; chunk 1 omits the chunk parameter
// so single-chunk categories keep stable URLs
func listingURL(categoryURL string, page, chunk int) string {
	sep := "?"
	if strings.Contains(categoryURL, "?") {
		sep = "&"
	}
	if chunk > 1 {
		return fmt.Sprintf("%s%spage=%d&chunk=%d", categoryURL, sep, page, chunk)
	}
	return fmt.Sprintf("%s%spage=%d", categoryURL, sep, page)
}

// isSubset reports whether a ⊆ b
func isSubset(a, b map[string]bool) bool {
	for id := range a {
		if !b[id] {
			return false
		}
	}
	return true
}

func collectValues(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}
