package resolve

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"pricewatch/monitor/config"
	"pricewatch/monitor/internal/product"
	"pricewatch/monitor/logger"
	errs "pricewatch/monitor/pkg/errors"
)

// ErrKeywordExcluded marks products dropped by the excluded-keyword
// filter; counted separately from other drops
var ErrKeywordExcluded = errors.New("product name contains excluded keyword")

// ErrBelowThreshold marks products whose discount is under the
// category's minimum
var ErrBelowThreshold = errors.New("discount below category threshold")

// Fetcher is the subset of the fetch client the resolver needs
type Fetcher interface {
	Fetch(ctx context.Context, url string) (io.Reader, error)
}

// Resolver turns a product URL into scraped facts. Pages carry a
// JSON-LD product object; selector fallbacks cover pages without one.
type Resolver struct {
	Fetcher          Fetcher
	ExcludedKeywords []string
}

// NewResolver creates a resolver over the given fetcher
func NewResolver(fetcher Fetcher, excludedKeywords []string) *Resolver {
	return &Resolver{Fetcher: fetcher, ExcludedKeywords: excludedKeywords}
}

// Resolve fetches and parses one product page. Filtered or unparseable
// products return a nil Facts with a typed error; the caller skips and
// continues.
func (r *Resolver) Resolve(ctx context.Context, url string, cat config.Category) (*product.Facts, error) {
	id, err := product.Identity(url)
	if err != nil {
		return nil, errs.NewIdentity(cat.Name, url)
	}

	body, err := r.Fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	content, err := io.ReadAll(body)
	if err != nil {
		return nil, errs.NewNetwork(cat.Name, "failed to read product page", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(content))
	if err != nil {
		return nil, errs.NewParsing(cat.Name, "failed to parse product page", err)
	}

	facts := r.parse(doc, cat.Name)
	facts.ID = id
	facts.URL = url
	facts.Category = cat.Name

	if r.isExcluded(facts.Name) {
		logger.Warn("Skipping %s (%s): contains excluded keyword", facts.Name, cat.Name)
		return nil, ErrKeywordExcluded
	}

	facts.Discount = product.Discount(facts.OriginalPrice, facts.CurrentPrice)
	if facts.Discount < cat.MinDiscount {
		logger.Warn("Skipping %s (%s): discount %.2f%% < %.2f%%", facts.Name, cat.Name, facts.Discount, cat.MinDiscount)
		return nil, ErrBelowThreshold
	}

	return facts, nil
}

// productLD is the JSON-LD product object embedded in product pages
type productLD struct {
	Name   string          `json:"name"`
	Image  json.RawMessage `json:"image"`
	Offers struct {
		Price        json.RawMessage `json:"price"`
		Availability string          `json:"availability"`
	} `json:"offers"`
}

func (r *Resolver) parse(doc *goquery.Document, category string) *product.Facts {
	facts := &product.Facts{StockStatus: product.StockUnknown}

	var ld productLD
	haveLD := false
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if err := json.Unmarshal([]byte(s.Text()), &ld); err != nil {
			logger.Warn("JSON decode error in product page (%s): %v", category, err)
			return true
		}
		if ld.Name == "" {
			return true
		}
		haveLD = true
		return false
	})

	if haveLD {
		facts.Name = ld.Name
		facts.Image = ldImage(ld.Image)
		facts.CurrentPrice = ldPrice(ld.Offers.Price)
		if facts.CurrentPrice == nil {
			facts.CurrentPrice = selectPrice(doc, ".prod-price__current", `span[data-testid="price-current"]`)
		}
		if strings.Contains(ld.Offers.Availability, "InStock") {
			facts.StockStatus = product.StockInStock
		} else {
			facts.StockStatus = product.StockOutOf
		}
	} else {
		logger.Warn("No JSON-LD found on product page (%s), using selector fallback", category)
		facts.Name = strings.TrimSpace(doc.Find("h1.product-header__name").First().Text())
		if facts.Name == "" {
			facts.Name = "Unknown Product"
		}
		facts.CurrentPrice = selectPrice(doc, ".prod-price__current", `span[data-testid="price-current"]`)
		if msg := strings.TrimSpace(doc.Find(".stock-availability-message, .prod-header__availability").First().Text()); msg != "" {
			facts.StockStatus = stockFromMessage(msg)
		} else {
			facts.StockStatus = product.StockNotListed
		}
		if src, ok := doc.Find("img.product-image").First().Attr("src"); ok {
			facts.Image = src
		}
	}

	facts.OriginalPrice = originalPrice(doc)
	facts.Sizes = sizes(doc)
	facts.Variants = variants(doc)
	return facts
}

func (r *Resolver) isExcluded(name string) bool {
	lower := strings.ToLower(name)
	for _, keyword := range r.ExcludedKeywords {
		if strings.Contains(lower, strings.ToLower(keyword)) {
			return true
		}
	}
	return false
}

// ldImage accepts both a plain string and an array of image URLs
func ldImage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return single
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil && len(many) > 0 {
		return many[0]
	}
	return ""
}

// ldPrice accepts both a JSON number and a numeric string
func ldPrice(raw json.RawMessage) *float64 {
	if len(raw) == 0 {
		return nil
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return &n
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			return &v
		}
	}
	return nil
}

func selectPrice(doc *goquery.Document, selectors ...string) *float64 {
	for _, sel := range selectors {
		if text := strings.TrimSpace(doc.Find(sel).First().Text()); text != "" {
			if v := product.CleanPrice(text); v != nil {
				return v
			}
		}
	}
	return nil
}

// originalPrice looks for the was-price in its usual spots: the
// price-prev testid, struck-through text, or was/original classes
func originalPrice(doc *goquery.Document) *float64 {
	if v := selectPrice(doc, `span[data-testid="price-prev"]`); v != nil {
		return v
	}
	if v := selectPrice(doc, ".prod-price__was", `[class*="price--was"]`, `[class*="price--original"]`); v != nil {
		return v
	}
	return selectPrice(doc, "s")
}

func sizes(doc *goquery.Document) []string {
	var out []string
	doc.Find(`a[data-testid="size:option:button"]`).Each(func(_ int, s *goquery.Selection) {
		if label := strings.TrimSpace(s.Text()); label != "" {
			out = append(out, product.NormalizeSize(label))
		}
	})
	if len(out) == 0 {
		doc.Find(".prod-size__option").Each(func(_ int, s *goquery.Selection) {
			if label := strings.TrimSpace(s.Text()); label != "" {
				out = append(out, product.NormalizeSize(label))
			}
		})
	}
	if len(out) == 0 {
		out = []string{"One Size"}
	}
	return out
}

func variants(doc *goquery.Document) []string {
	var out []string
	doc.Find(`a[data-testid^="colour:option"]`).Each(func(_ int, s *goquery.Selection) {
		if name := strings.TrimSpace(s.Text()); name != "" {
			out = append(out, name)
		}
	})
	return out
}

func stockFromMessage(msg string) product.StockStatus {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "out of stock"):
		return product.StockOutOf
	case strings.Contains(lower, "in stock"):
		return product.StockInStock
	default:
		return product.StockNotListed
	}
}
