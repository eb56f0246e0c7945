package cache

import "time"

// Entry represents a cached compilation of the compiled unit
type Entry struct {
	// Key is the unique identifier for this cache entry
	// Computed from: source fingerprint + feature hash + build profile
	Key string `json:"key"`

	// Crate is the crate name the artifacts were produced for
	Crate string `json:"crate"`

	// FeatureHash fingerprints the feature set used for this build
	FeatureHash string `json:"feature_hash"`

	// SourceHash fingerprints Cargo.toml, Cargo.lock and src/
	SourceHash string `json:"source_hash"`

	// Features are the normalized compiler features
	Features []string `json:"features"`

	// Timestamp when this entry was created
	Timestamp time.Time `json:"timestamp"`

	// Outputs lists the package directory files (slash-separated, relative)
	Outputs []string `json:"outputs"`

	// Success indicates if the build was successful
	Success bool `json:"success"`
}
