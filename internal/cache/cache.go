// Package cache provides build caching for the compiled unit.
//
// wasm-pack is slow even when nothing changed, so compiled package
// directories are cached per input fingerprint:
//
//  1. The cache key combines a fingerprint of the crate sources
//     (Cargo.toml, Cargo.lock, build.rs, src/) with the feature hash and the
//     build profile
//  2. Metadata is stored in BoltDB, artifacts in the filesystem under
//     artifacts/<key>/
//  3. A hit restores the package directory without invoking the compiler
package cache

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

const (
	// bucketName is the BoltDB bucket name for cache entries
	bucketName = "builds"
)

// Cache manages build artifacts and metadata using BoltDB
type Cache struct {
	db   *bbolt.DB
	root string // Root directory for cache (.wasmbundle-cache/)
}

// New creates a new cache instance rooted at cacheDir
func New(cacheDir string) (*Cache, error) {
	if cacheDir == "" {
		return nil, fmt.Errorf("cache directory is required")
	}

	// Ensure cache directory exists
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	// Open BoltDB
	dbPath := filepath.Join(cacheDir, "cache.db")
	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	// Create bucket if it doesn't exist
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create cache bucket: %w", err)
	}

	return &Cache{
		db:   db,
		root: cacheDir,
	}, nil
}

// Close closes the cache database
func (c *Cache) Close() error {
	if c.db != nil {
		return c.db.Close()
	}

	return nil
}

// Root returns the cache directory
func (c *Cache) Root() string {
	return c.root
}

// Get retrieves a cache entry by key
// Returns nil if cache miss
func (c *Cache) Get(key string) (*Entry, error) {
	var entry Entry
	err := c.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))

		data := b.Get([]byte(key))
		if data == nil {
			return nil // Cache miss
		}

		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return nil, err
	}

	if entry.Key == "" {
		return nil, nil // Cache miss
	}

	// Artifacts removed behind our back count as a miss
	if entry.Success {
		for _, output := range entry.Outputs {
			if _, err := os.Stat(filepath.Join(c.artifactDir(entry.Key), filepath.FromSlash(output))); err != nil {
				return nil, nil
			}
		}
	}

	return &entry, nil
}

// Store saves a cache entry and copies its outputs from sourceDir
func (c *Cache) Store(entry Entry, sourceDir string) error {
	if entry.Key == "" {
		return fmt.Errorf("cache entry has no key")
	}

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	// Copy artifacts first so a stored entry always has its files
	if entry.Success && len(entry.Outputs) > 0 {
		artifactDir := c.artifactDir(entry.Key)
		if err := os.RemoveAll(artifactDir); err != nil {
			return fmt.Errorf("failed to reset artifact directory: %w", err)
		}

		if err := CopyArtifacts(sourceDir, artifactDir, entry.Outputs); err != nil {
			return fmt.Errorf("failed to copy artifacts: %w", err)
		}
	}

	// Store metadata in BoltDB
	err := c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))

		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}

		return b.Put([]byte(entry.Key), data)
	})
	if err != nil {
		return fmt.Errorf("failed to store cache entry: %w", err)
	}

	return nil
}

// Restore copies cached artifacts into destDir
func (c *Cache) Restore(entry *Entry, destDir string) error {
	if !entry.Success || len(entry.Outputs) == 0 {
		return fmt.Errorf("cannot restore failed build or build with no outputs")
	}

	return RestoreArtifacts(c.artifactDir(entry.Key), destDir, entry.Outputs)
}

// Clear removes all cache entries and artifacts
func (c *Cache) Clear() error {
	// Clear BoltDB
	err := c.db.Update(func(tx *bbolt.Tx) error {
		return tx.DeleteBucket([]byte(bucketName))
	})
	if err != nil {
		return err
	}

	// Recreate bucket
	err = c.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucket([]byte(bucketName))
		return err
	})
	if err != nil {
		return err
	}

	// Remove artifacts directory
	artifactsDir := filepath.Join(c.root, "artifacts")
	if err := os.RemoveAll(artifactsDir); err != nil {
		return fmt.Errorf("failed to remove artifacts: %w", err)
	}

	return nil
}

// Stats returns the number of entries and the total artifact size
func (c *Cache) Stats() (int, int64, error) {
	var count int
	var totalSize int64

	err := c.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))

		count = b.Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, 0, err
	}

	// Calculate total artifact size
	artifactsDir := filepath.Join(c.root, "artifacts")
	_ = filepath.WalkDir(artifactsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // Skip errors
		}

		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				totalSize += info.Size()
			}
		}

		return nil
	})

	return count, totalSize, nil
}

// artifactDir returns the directory path for a given cache key
func (c *Cache) artifactDir(key string) string {
	return filepath.Join(c.root, "artifacts", key)
}
