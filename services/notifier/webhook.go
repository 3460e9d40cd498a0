package notifier

import (
	"fmt"
	mathrand "math/rand"
	"strings"
	"time"

	"resty.dev/v3"

	"pricewatch/monitor/internal/product"
	"pricewatch/monitor/logger"
	errs "pricewatch/monitor/pkg/errors"
)

const (
	webhookAttempts = 3
	colorInStock    = 0x00ff00
	colorOutOfStock = 0xff0000
)

// WebhookSink posts change events to a Discord-style webhook as rich
// embeds. Each delivery gets a short jitter delay and a bounded retry;
// failures are logged, never fatal.
type WebhookSink struct {
	URL    string
	client *resty.Client
	Sleep  func(time.Duration)
}

// NewWebhookSink creates a webhook sink for the given URL
func NewWebhookSink(url string) *WebhookSink {
	client := resty.New().
		SetTimeout(15 * time.Second).
		SetHeader("Content-Type", "application/json")
	return &WebhookSink{
		URL:    url,
		client: client,
		Sleep:  time.Sleep,
	}
}

// embed mirrors the webhook embed object layout
type embed struct {
	Title     string       `json:"title"`
	URL       string       `json:"url,omitempty"`
	Color     int          `json:"color"`
	Fields    []embedField `json:"fields,omitempty"`
	Thumbnail *embedMedia  `json:"thumbnail,omitempty"`
	Footer    *embedFooter `json:"footer,omitempty"`
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type embedMedia struct {
	URL string `json:"url"`
}

type embedFooter struct {
	Text string `json:"text"`
}

type webhookPayload struct {
	Content string  `json:"content,omitempty"`
	Embeds  []embed `json:"embeds,omitempty"`
}

// Notify delivers one change event as an embed
func (s *WebhookSink) Notify(event product.ChangeEvent) error {
	return s.deliver(webhookPayload{Embeds: []embed{buildEmbed(event)}})
}

// NotifyText delivers a plain message
func (s *WebhookSink) NotifyText(message string) error {
	return s.deliver(webhookPayload{Content: message})
}

// Close is a no-op for the webhook sink
func (s *WebhookSink) Close() error {
	return nil
}

func (s *WebhookSink) deliver(payload webhookPayload) error {
	if s.URL == "" {
		return nil
	}
	var lastErr error
	for attempt := 1; attempt <= webhookAttempts; attempt++ {
		s.Sleep(jitter(1*time.Second, 1500*time.Millisecond))

		resp, err := s.client.R().SetBody(payload).Post(s.URL)
		if err == nil && resp.IsSuccess() {
			return nil
		}
		if err == nil {
			err = fmt.Errorf("webhook returned status %d", resp.StatusCode())
		}
		lastErr = err
		logger.Error("Failed to send webhook (attempt %d/%d): %v", attempt, webhookAttempts, err)
		if attempt < webhookAttempts {
			s.Sleep(2 * time.Second)
		}
	}
	return errs.NewNotify("", fmt.Sprintf("webhook delivery failed after %d attempts", webhookAttempts), lastErr)
}

func buildEmbed(event product.ChangeEvent) embed {
	p := event.Product

	color := colorOutOfStock
	if p.StockStatus == product.StockInStock {
		color = colorInStock
	}

	e := embed{
		Title: truncate(p.Name, 256),
		URL:   p.URL,
		Color: color,
	}
	if p.Image != "" {
		e.Thumbnail = &embedMedia{URL: p.Image}
	}

	e.Fields = append(e.Fields, embedField{Name: "Current Price", Value: fmtPrice(p.CurrentPrice), Inline: true})

	if event.Type == product.EventPriceChange {
		e.Fields = append(e.Fields,
			embedField{Name: "Previous Price", Value: fmtPrice(event.PreviousPrice), Inline: true},
			embedField{Name: "Price Change", Value: fmtChange(event), Inline: true},
		)
	} else {
		e.Fields = append(e.Fields,
			embedField{Name: "Previous Price", Value: "N/A (New Product)", Inline: true},
			embedField{Name: "Price Change", Value: "N/A (New Product)", Inline: true},
		)
	}

	e.Fields = append(e.Fields,
		embedField{Name: "Original Price", Value: fmtPrice(p.OriginalPrice), Inline: true},
		embedField{Name: "Discount", Value: fmt.Sprintf("%.2f%%", p.Discount), Inline: true},
		embedField{Name: "Stock Status", Value: string(p.StockStatus), Inline: true},
		embedField{Name: "Category", Value: p.Category, Inline: true},
		embedField{Name: "Sizes", Value: truncate(strings.Join(p.Sizes, ", "), 1024)},
		embedField{Name: "Variants", Value: truncate(fmtVariants(p.Variants), 1024)},
		embedField{Name: "Link", Value: fmt.Sprintf("[View Product](%s)", p.URL)},
	)

	e.Footer = &embedFooter{Text: truncate(fmt.Sprintf("Event: %s | Category: %s", eventLabel(event), p.Category), 2048)}
	return e
}

func eventLabel(event product.ChangeEvent) string {
	if event.Type == product.EventNew {
		return "New Product"
	}
	return "Price " + capitalize(string(event.Direction))
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func fmtPrice(p *float64) string {
	if p == nil {
		return "No price found"
	}
	return fmt.Sprintf("£%.2f", *p)
}

func fmtChange(event product.ChangeEvent) string {
	if event.Diff == nil {
		return "N/A"
	}
	diff := *event.Diff
	if diff < 0 {
		diff = -diff
	}
	return fmt.Sprintf("%s by £%.2f", capitalize(string(event.Direction)), diff)
}

func fmtVariants(variants []string) string {
	if len(variants) == 0 {
		return "None"
	}
	return strings.Join(variants, ", ")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func jitter(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(mathrand.Int63n(int64(max-min)))
}
