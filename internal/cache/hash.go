package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Norgate-AV/wasmbundle/internal/utils"
)

// FeatureHash fingerprints a compiler feature set. The set is normalized
// first, so {"a","b"} and {"b","a"} hash identically.
func FeatureHash(features []string) string {
	h := sha256.New()
	h.Write([]byte(strings.Join(utils.NormalizeFeatures(features), "\n")))

	return hex.EncodeToString(h.Sum(nil))
}

// HashTree fingerprints the given files and directories under root.
// Entries are relative to root; missing entries are skipped. Directory
// contents are walked recursively and hashed in sorted path order.
func HashTree(root string, entries []string) (string, error) {
	var files []string

	for _, entry := range entries {
		abs := filepath.Join(root, entry)

		info, err := os.Stat(abs)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to stat %s: %w", abs, err)
		}

		if !info.IsDir() {
			files = append(files, abs)
			continue
		}

		err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.Type().IsRegular() {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return "", fmt.Errorf("failed to walk %s: %w", abs, err)
		}
	}

	rels := make([]string, 0, len(files))
	for _, f := range files {
		rel, err := filepath.Rel(root, f)
		if err != nil {
			return "", err
		}
		rels = append(rels, filepath.ToSlash(rel))
	}

	sort.Strings(rels)

	h := sha256.New()
	for _, rel := range rels {
		writeField(h, []byte(rel))

		if err := hashFileInto(h, filepath.Join(root, filepath.FromSlash(rel))); err != nil {
			return "", fmt.Errorf("failed to hash %s: %w", rel, err)
		}
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// Key combines the inputs of one compilation into a cache key
func Key(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		writeField(h, []byte(p))
	}

	return hex.EncodeToString(h.Sum(nil))
}

// HashFile creates a hash of a file's content
func HashFile(path string) (string, error) {
	h := sha256.New()
	if err := hashFileInto(h, path); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

func hashFileInto(h hash.Hash, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	var size [8]byte
	binary.BigEndian.PutUint64(size[:], uint64(info.Size()))
	h.Write(size[:])

	_, err = io.Copy(h, f)
	return err
}

// writeField length-prefixes data so adjacent fields cannot run together
func writeField(h hash.Hash, data []byte) {
	var size [8]byte
	binary.BigEndian.PutUint64(size[:], uint64(len(data)))
	h.Write(size[:])
	h.Write(data)
}
