package state

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"pricewatch/monitor/internal/product"
	"pricewatch/monitor/logger"
	errs "pricewatch/monitor/pkg/errors"
)

// Entry is the persisted snapshot of one product within a category.
// Unknown fields in older/newer files are ignored on load.
type Entry struct {
	Name          string              `json:"name"`
	URL           string              `json:"url"`
	OriginalPrice *float64            `json:"original_price"`
	LatestPrice   *float64            `json:"latest_price"`
	StockStatus   product.StockStatus `json:"stock_status"`
}

// CategoryState maps product identity to its last persisted snapshot
type CategoryState map[string]Entry

// EntryFromFacts builds the persisted form of freshly scraped facts
func EntryFromFacts(f product.Facts) Entry {
	return Entry{
		Name:          f.Name,
		URL:           f.URL,
		OriginalPrice: f.OriginalPrice,
		LatestPrice:   f.CurrentPrice,
		StockStatus:   f.StockStatus,
	}
}

// Store owns the on-disk state representation: one JSON object per
// category plus a global seen-identity list.
type Store struct {
	// ReportError surfaces non-fatal persistence problems (verify
	// mismatches, write failures) to an external channel
	ReportError func(message string)
}

// NewStore creates a file-backed store
func NewStore() *Store {
	return &Store{}
}

func (s *Store) report(message string) {
	logger.Error("%s", message)
	if s.ReportError != nil {
		s.ReportError(message)
	}
}

// LoadCategory reads a category state file. A missing file is an empty
// state, not an error; malformed entries are skipped individually.
func (s *Store) LoadCategory(path string) CategoryState {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Warn("No state file at %s. Starting fresh.", path)
		} else {
			logger.Error("Error reading state file %s: %v. Starting fresh.", path, err)
		}
		return CategoryState{}
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		logger.Error("Malformed state file %s: %v. Starting fresh.", path, err)
		return CategoryState{}
	}

	cleaned := make(CategoryState, len(raw))
	for id, msg := range raw {
		var entry Entry
		if err := json.Unmarshal(msg, &entry); err != nil {
			logger.Error("Skipping invalid state entry for product ID %s in %s: %v", id, path, err)
			continue
		}
		if id == "" || entry.URL == "" {
			logger.Error("Skipping state entry with missing id or url in %s", path)
			continue
		}
		if entry.StockStatus == "" {
			entry.StockStatus = product.StockUnknown
		}
		cleaned[id] = entry
	}
	logger.Info("Loaded category state from %s with %d items", path, len(cleaned))
	return cleaned
}

// SaveCategory merges the freshly observed entries over the previously
// persisted state, prunes products that vanished from the crawl while
// confirmed Out of Stock, writes atomically and verifies the write.
// Entries that vanished without an Out of Stock confirmation are kept;
// they may reappear.
func (s *Store) SaveCategory(path string, updates CategoryState, currentIDs map[string]bool) error {
	merged := s.LoadCategory(path)
	for id, entry := range updates {
		merged[id] = entry
	}

	for id, entry := range merged {
		if currentIDs[id] {
			continue
		}
		if entry.StockStatus == product.StockOutOf {
			logger.Info("Removing product ID %s from state: Out of Stock", id)
			delete(merged, id)
		}
	}

	if err := writeJSONAtomic(path, merged); err != nil {
		s.report("Failed to save state file " + path + ": " + err.Error())
		return errs.NewState("", "failed to save state file "+path, err)
	}

	// Re-read to catch truncated or partial writes
	saved := s.LoadCategory(path)
	if len(saved) != len(merged) {
		s.report("State file mismatch in " + path)
		return nil
	}
	logger.Info("Saved and verified category state in %s with %d items", path, len(merged))
	return nil
}

// seenFile is the persisted form of the global identity list
type seenFile struct {
	SeenProductIDs []string `json:"seen_product_ids"`
}

// LoadSeen reads the global seen-identity list; missing file means empty
func (s *Store) LoadSeen(path string) *SeenIDs {
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("No global state file at %s. Starting fresh.", path)
		return NewSeenIDs()
	}
	var f seenFile
	if err := json.Unmarshal(data, &f); err != nil {
		logger.Error("Error loading global state from %s: %v. Starting fresh.", path, err)
		return NewSeenIDs()
	}
	seen := NewSeenIDs()
	for _, id := range f.SeenProductIDs {
		seen.Add(id)
	}
	logger.Info("Loaded global state with %d seen product IDs", seen.Len())
	return seen
}

// SaveSeen persists the global seen-identity list
func (s *Store) SaveSeen(path string, seen *SeenIDs) error {
	if err := writeJSONAtomic(path, seenFile{SeenProductIDs: seen.Slice()}); err != nil {
		s.report("Failed to save global state to " + path + ": " + err.Error())
		return errs.NewState("", "failed to save global state", err)
	}
	logger.Info("Saved global state with %d seen product IDs", seen.Len())
	return nil
}

func writeJSONAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
