package knowledge

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const catalogFile = "index.json"

// catalogEntry mirrors one corpus file in index.json.
type catalogEntry struct {
	Title     string   `json:"title"`
	Category  string   `json:"category"`
	Tags      []string `json:"tags"`
	CreatedAt string   `json:"created_at"`
	UpdatedAt string   `json:"updated_at"`
}

// catalog is the JSON index kept next to the corpus. It is flushed on every
// mutation and reloaded on startup.
type catalog struct {
	mu          sync.Mutex
	Files       map[string]catalogEntry `json:"files"`
	Tags        map[string][]string     `json:"tags"`
	Categories  map[string][]string     `json:"categories"`
	LastUpdated string                  `json:"last_updated"`
}

func loadCatalog(root string) *catalog {
	c := &catalog{
		Files:      map[string]catalogEntry{},
		Tags:       map[string][]string{},
		Categories: map[string][]string{},
	}
	raw, err := os.ReadFile(filepath.Join(root, catalogFile))
	if err != nil {
		return c
	}
	// Corrupt catalogs start fresh rather than failing startup.
	_ = json.Unmarshal(raw, c)
	if c.Files == nil {
		c.Files = map[string]catalogEntry{}
	}
	if c.Tags == nil {
		c.Tags = map[string][]string{}
	}
	if c.Categories == nil {
		c.Categories = map[string][]string{}
	}
	return c
}

func (c *catalog) add(relPath, title, category string, tags []string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	stamp := now.Format(time.RFC3339)
	c.Files[relPath] = catalogEntry{
		Title:     title,
		Category:  category,
		Tags:      tags,
		CreatedAt: stamp,
		UpdatedAt: stamp,
	}
	for _, tag := range tags {
		c.Tags[tag] = appendUnique(c.Tags[tag], relPath)
	}
	c.Categories[category] = appendUnique(c.Categories[category], relPath)
}

func (c *catalog) touch(relPath string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.Files[relPath]; ok {
		entry.UpdatedAt = time.Now().Format(time.RFC3339)
		c.Files[relPath] = entry
	}
}

func (c *catalog) flush(root string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.LastUpdated = time.Now().Format(time.RFC3339)
	raw, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(root, catalogFile), raw, 0o644)
}

func (c *catalog) stats() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	categories := map[string]int{}
	for category, files := range c.Categories {
		categories[category] = len(files)
	}
	return map[string]any{
		"total_files":  len(c.Files),
		"categories":   categories,
		"last_updated": c.LastUpdated,
	}
}

func appendUnique(list []string, item string) []string {
	for _, existing := range list {
		if existing == item {
			return list
		}
	}
	return append(list, item)
}
