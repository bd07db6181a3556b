// Package imagecache stores generated images on disk with JSON sidecar
// metadata.
//
// Every cached generation is a pair of files named by the save timestamp:
// <unix-nanos>.png holds the image, <unix-nanos>.json the metadata. The
// pair naming keeps the cache browsable with plain filesystem tools and
// makes cleanup a matter of comparing names.
package imagecache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound is returned when the requested cache entry does not exist.
var ErrNotFound = errors.New("cache entry not found")

// Meta is the sidecar metadata stored next to each cached image.
type Meta struct {
	Prompt     string `json:"prompt"`
	Negative   string `json:"negative,omitempty"`
	Style      string `json:"style,omitempty"`
	Model      string `json:"model,omitempty"`
	Seed       int64  `json:"seed"`
	JobHandle  string `json:"job_handle"`
	SourceFile string `json:"source_file"` // filename on the server
}

// Entry is one cached generation.
type Entry struct {
	Name      string // base name without extension, the save timestamp
	ImagePath string
	MetaPath  string
	SavedAt   time.Time
	Meta      Meta
}

// Cache is a directory of image+sidecar pairs.
type Cache struct {
	dir string
}

// New opens the cache at dir, creating the directory if needed.
func New(dir string) (*Cache, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("cache directory is empty")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &Cache{dir: dir}, nil
}

// Dir returns the cache directory.
func (c *Cache) Dir() string {
	return c.dir
}

// Save writes an image and its sidecar. The entry name is the current time
// in unix nanoseconds, which keeps names unique and sortable by age.
func (c *Cache) Save(image []byte, meta Meta) (*Entry, error) {
	now := time.Now()
	name := strconv.FormatInt(now.UnixNano(), 10)

	imagePath := filepath.Join(c.dir, name+".png")
	metaPath := filepath.Join(c.dir, name+".json")

	if err := os.WriteFile(imagePath, image, 0600); err != nil {
		return nil, fmt.Errorf("failed to write cached image: %w", err)
	}

	metaData, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		os.Remove(imagePath)
		return nil, fmt.Errorf("failed to encode sidecar: %w", err)
	}
	if err := os.WriteFile(metaPath, metaData, 0600); err != nil {
		os.Remove(imagePath)
		return nil, fmt.Errorf("failed to write sidecar: %w", err)
	}

	return &Entry{
		Name:      name,
		ImagePath: imagePath,
		MetaPath:  metaPath,
		SavedAt:   now,
		Meta:      meta,
	}, nil
}

// List returns all cache entries, newest first. Images without a readable
// sidecar are listed with empty metadata rather than hidden; the image is
// the part worth keeping.
func (c *Cache) List() ([]Entry, error) {
	dirEntries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read cache directory: %w", err)
	}

	var entries []Entry
	for _, de := range dirEntries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".png") {
			continue
		}
		name := strings.TrimSuffix(de.Name(), ".png")
		nanos, err := strconv.ParseInt(name, 10, 64)
		if err != nil {
			continue // foreign file, not ours to manage
		}

		entry := Entry{
			Name:      name,
			ImagePath: filepath.Join(c.dir, de.Name()),
			MetaPath:  filepath.Join(c.dir, name+".json"),
			SavedAt:   time.Unix(0, nanos),
		}
		if data, err := os.ReadFile(entry.MetaPath); err == nil {
			json.Unmarshal(data, &entry.Meta)
		}
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, k int) bool {
		return entries[i].SavedAt.After(entries[k].SavedAt)
	})
	return entries, nil
}

// Get returns one entry by name.
func (c *Cache) Get(name string) (*Entry, error) {
	entries, err := c.List()
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].Name == name {
			return &entries[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
}

// Delete removes one entry and its sidecar.
func (c *Cache) Delete(name string) error {
	if _, err := strconv.ParseInt(name, 10, 64); err != nil {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	imagePath := filepath.Join(c.dir, name+".png")
	if err := os.Remove(imagePath); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return fmt.Errorf("failed to delete cached image: %w", err)
	}
	os.Remove(filepath.Join(c.dir, name+".json"))
	return nil
}

// Cleanup removes entries older than maxAge and sidecars whose image is
// gone. Returns the number of entries removed.
func (c *Cache) Cleanup(maxAge time.Duration) (int, error) {
	dirEntries, err := os.ReadDir(c.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read cache directory: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0

	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		ext := filepath.Ext(de.Name())
		name := strings.TrimSuffix(de.Name(), ext)
		nanos, err := strconv.ParseInt(name, 10, 64)
		if err != nil {
			continue
		}

		switch ext {
		case ".png":
			if time.Unix(0, nanos).Before(cutoff) {
				if err := os.Remove(filepath.Join(c.dir, de.Name())); err == nil {
					removed++
				}
				os.Remove(filepath.Join(c.dir, name+".json"))
			}
		case ".json":
			// Orphaned sidecar: its image was deleted out from under us.
			if _, err := os.Stat(filepath.Join(c.dir, name+".png")); os.IsNotExist(err) {
				os.Remove(filepath.Join(c.dir, de.Name()))
			}
		}
	}

	return removed, nil
}
