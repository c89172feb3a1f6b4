package keypool

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const dateLayout = "2006-01-02"

// usageDoc is the on-disk daily usage record of one pool.
type usageDoc struct {
	Date         string         `json:"date"`
	Usage        map[string]int `json:"usage"`
	CurrentIndex int            `json:"currentIndex"`
	Model        string         `json:"model"`
	DailyLimit   int            `json:"dailyLimit"`
}

func newUsageDoc(date, model string, limit int) *usageDoc {
	return &usageDoc{Date: date, Usage: map[string]int{}, Model: model, DailyLimit: limit}
}

// loadUsage reads the usage file. A missing file is a fresh day; an unreadable
// one is replaced by a fresh day and reported.
func loadUsage(path, today, model string, limit int) (*usageDoc, error) {
	if path == "" {
		return newUsageDoc(today, model, limit), nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return newUsageDoc(today, model, limit), nil
	}
	if err != nil {
		return newUsageDoc(today, model, limit), fmt.Errorf("read usage file: %w", err)
	}
	var doc usageDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return newUsageDoc(today, model, limit), fmt.Errorf("parse usage file %s: %w", path, err)
	}
	if doc.Usage == nil {
		doc.Usage = map[string]int{}
	}
	if doc.Date != today {
		doc.Date = today
		doc.Usage = map[string]int{}
	}
	doc.Model = model
	doc.DailyLimit = limit
	return &doc, nil
}

// save writes the document next to its final path and renames it into place,
// so a reader never sees a half-written file.
func (u *usageDoc) save(path string) error {
	if path == "" {
		return nil
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create usage dir: %w", err)
	}
	data, err := json.MarshalIndent(u, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal usage: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp usage file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp usage file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp usage file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename usage file: %w", err)
	}
	return nil
}
