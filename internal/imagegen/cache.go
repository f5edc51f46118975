package imagegen

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/lox/skiverify/internal/models"
)

// CardCache keeps rendered cards on disk, one file per forecast.
type CardCache struct {
	dir string
}

// NewCardCache creates a card cache in the specified directory.
func NewCardCache(dir string) *CardCache {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Printf("imagegen: could not create card cache directory: %v", err)
	}
	return &CardCache{dir: dir}
}

func (c *CardCache) path(postDate models.Date) string {
	return filepath.Join(c.dir, fmt.Sprintf("%s.png", postDate))
}

// Get returns the cached card for postDate unless it was written before
// generatedAt, the time the run it shows was produced.
func (c *CardCache) Get(postDate models.Date, generatedAt time.Time) ([]byte, bool) {
	path := c.path(postDate)
	info, err := os.Stat(path)
	if err != nil {
		return nil, false
	}
	if info.ModTime().Before(generatedAt) {
		return nil, false
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	return data, true
}

func (c *CardCache) Set(postDate models.Date, data []byte) error {
	return os.WriteFile(c.path(postDate), data, 0o644)
}

// List returns the post dates with a cached card.
func (c *CardCache) List() []models.Date {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil
	}

	var dates []models.Date
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".png" {
			continue
		}
		if d, err := models.ParseDate(name[:len(name)-4]); err == nil {
			dates = append(dates, d)
		}
	}
	return dates
}
