// Package manifest records which contributor produced each output file.
package manifest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/Norgate-AV/wasmbundle/internal/builderr"
)

// FileName is the manifest written at the root of the output directory
const FileName = ".wasmbundle-manifest.json"

// SourceManifest names the manifest itself as a contributor
const SourceManifest = "manifest"

const formatVersion = 1

// Entry is one output file
type Entry struct {
	Path   string `json:"path"`
	Source string `json:"source"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// Manifest maps output-relative paths to their contributors. Entries are
// kept sorted by path.
type Manifest struct {
	Version int     `json:"version"`
	Entries []Entry `json:"entries"`
}

// Contribution is the set of paths one source writes into the output
type Contribution struct {
	Source string
	Paths  []string
}

// Merge combines contributions into one manifest. Two contributions naming
// the same path is a *builderr.CollisionError; nothing is silently replaced.
func Merge(contributions ...Contribution) (*Manifest, error) {
	owner := map[string]string{FileName: SourceManifest}

	for _, c := range contributions {
		for _, p := range c.Paths {
			clean, err := cleanPath(p)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", c.Source, err)
			}

			if prev, ok := owner[clean]; ok {
				return nil, &builderr.CollisionError{Path: clean, Sources: [2]string{prev, c.Source}}
			}

			owner[clean] = c.Source
		}
	}

	delete(owner, FileName)

	m := &Manifest{Version: formatVersion, Entries: make([]Entry, 0, len(owner))}
	for p, src := range owner {
		m.Entries = append(m.Entries, Entry{Path: p, Source: src})
	}

	m.sort()

	return m, nil
}

// cleanPath normalizes an output-relative path and rejects escapes
func cleanPath(p string) (string, error) {
	clean := path.Clean(filepath.ToSlash(p))
	if clean == "." || path.IsAbs(clean) || clean == ".." || len(clean) > 2 && clean[:3] == "../" {
		return "", fmt.Errorf("invalid output path %q", p)
	}

	return clean, nil
}

func (m *Manifest) sort() {
	sort.Slice(m.Entries, func(i, j int) bool { return m.Entries[i].Path < m.Entries[j].Path })
}

// Digest fills in size and checksum of every entry from the files under root
func (m *Manifest) Digest(root string) error {
	for i := range m.Entries {
		e := &m.Entries[i]
		full := filepath.Join(root, filepath.FromSlash(e.Path))

		size, sum, err := hashFile(full)
		if err != nil {
			return builderr.IO("digest", full, err)
		}

		e.Size = size
		e.SHA256 = sum
	}

	return nil
}

func hashFile(p string) (int64, string, error) {
	f, err := os.Open(p)
	if err != nil {
		return 0, "", err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return 0, "", err
	}

	return n, hex.EncodeToString(h.Sum(nil)), nil
}

// Paths returns every managed path, manifest file excluded
func (m *Manifest) Paths() []string {
	if m == nil {
		return nil
	}

	paths := make([]string, len(m.Entries))
	for i, e := range m.Entries {
		paths[i] = e.Path
	}

	return paths
}

// Contains reports whether p is managed by m. The manifest file itself is
// always managed.
func (m *Manifest) Contains(p string) bool {
	if p == FileName {
		return true
	}

	if m == nil {
		return false
	}

	i := sort.Search(len(m.Entries), func(i int) bool { return m.Entries[i].Path >= p })

	return i < len(m.Entries) && m.Entries[i].Path == p
}

// Lookup returns the entry for p
func (m *Manifest) Lookup(p string) (Entry, bool) {
	if m == nil {
		return Entry{}, false
	}

	i := sort.Search(len(m.Entries), func(i int) bool { return m.Entries[i].Path >= p })
	if i < len(m.Entries) && m.Entries[i].Path == p {
		return m.Entries[i], true
	}

	return Entry{}, false
}

// Marshal renders m as deterministic JSON
func (m *Manifest) Marshal() ([]byte, error) {
	var buf bytes.Buffer

	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)

	if err := enc.Encode(m); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Write stores m as FileName in dir
func (m *Manifest) Write(dir string) error {
	data, err := m.Marshal()
	if err != nil {
		return err
	}

	p := filepath.Join(dir, FileName)

	return builderr.IO("write", p, os.WriteFile(p, data, 0o644))
}

// Load reads the manifest in dir. A missing manifest yields an empty one.
func Load(dir string) (*Manifest, error) {
	p := filepath.Join(dir, FileName)

	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return &Manifest{Version: formatVersion}, nil
	}
	if err != nil {
		return nil, builderr.IO("read", p, err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", p, err)
	}

	if m.Version != formatVersion {
		return nil, fmt.Errorf("unsupported manifest version %d in %s", m.Version, p)
	}

	m.sort()

	return &m, nil
}
