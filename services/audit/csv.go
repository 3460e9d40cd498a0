package audit

import (
	"encoding/csv"
	"fmt"
	"os"
	"strings"
	"time"

	"pricewatch/monitor/internal/product"
	"pricewatch/monitor/logger"
	errs "pricewatch/monitor/pkg/errors"
)

// recentWindow is how many trailing rows the duplicate check scans
const recentWindow = 100

var header = []string{
	"Product ID", "Product Name", "Current Price", "Original Price",
	"Discount", "Stock Status", "Sizes", "URL", "Event Type",
	"Timestamp", "Image", "Category", "Variants",
}

// Log is the append-only CSV record of delivered change events. It
// doubles as the duplicate-suppression source: an event whose
// (name, url, id) triple already appears in the recent window is not
// re-notified.
type Log struct {
	Path string
	Now  func() time.Time
}

// NewLog creates an audit log at the given path
func NewLog(path string) *Log {
	return &Log{Path: path, Now: time.Now}
}

// IsDuplicate reports whether an identical record exists in the recent
// history window. Read errors fail open: better a duplicate
// notification than a silently dropped one.
func (l *Log) IsDuplicate(name, url, id string) bool {
	f, err := os.Open(l.Path)
	if err != nil {
		return false
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		logger.Error("Error checking audit log for duplicates: %v", err)
		return false
	}
	if len(rows) <= 1 {
		return false
	}

	rows = rows[1:] // header
	if len(rows) > recentWindow {
		rows = rows[len(rows)-recentWindow:]
	}
	for _, row := range rows {
		if len(row) < len(header) {
			continue
		}
		if row[0] == id && row[1] == name && row[7] == url {
			logger.Info("Skipping duplicate audit record: %s (ID: %s)", name, id)
			return true
		}
	}
	return false
}

// Append writes one delivered event to the log
func (l *Log) Append(event product.ChangeEvent) error {
	p := event.Product

	exists := false
	if info, err := os.Stat(l.Path); err == nil && info.Size() > 0 {
		exists = true
	}

	f, err := os.OpenFile(l.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errs.NewState(p.Category, "failed to open audit log", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if !exists {
		if err := w.Write(header); err != nil {
			return errs.NewState(p.Category, "failed to write audit header", err)
		}
	}

	row := []string{
		p.ID,
		p.Name,
		fmtPrice(p.CurrentPrice),
		fmtPrice(p.OriginalPrice),
		fmt.Sprintf("%.2f", p.Discount),
		string(p.StockStatus),
		strings.Join(p.Sizes, ", "),
		p.URL,
		string(event.Type),
		l.Now().Format("2006-01-02 15:04:05"),
		p.Image,
		p.Category,
		fmtVariants(p.Variants),
	}
	if err := w.Write(row); err != nil {
		return errs.NewState(p.Category, "failed to append audit row", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return errs.NewState(p.Category, "failed to flush audit log", err)
	}
	logger.Info("Appended to audit log: %s (%s) - ID: %s", p.Name, p.Category, p.ID)
	return nil
}

func fmtPrice(p *float64) string {
	if p == nil {
		return "N/A"
	}
	return fmt.Sprintf("%.2f", *p)
}

func fmtVariants(variants []string) string {
	if len(variants) == 0 {
		return "None"
	}
	return strings.Join(variants, ", ")
}
