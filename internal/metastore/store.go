// Package metastore persists per-repository scan metadata in a single JSON
// document. Every write is read-modify-write over the latest on-disk state
// and lands via an atomic rename, so readers never observe a torn store and
// a crash mid-write leaves the previous snapshot intact.
package metastore

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/renameio/v2"
)

// DefaultTTL is how long repository-level stats stay fresh. Scanned release
// records never expire: content-addressed scans cannot go stale.
const DefaultTTL = 6 * time.Hour

type Config struct {
	// Path of the canonical JSON document.
	Path string
	// TTL for repository stats; DefaultTTL when zero.
	TTL time.Duration
	// Logger for corruption warnings; log.Default() when nil.
	Logger *log.Logger
}

// Store serializes writers with an in-process mutex plus a cross-process
// file lock; lost updates between concurrent batch runs are the hazard.
type Store struct {
	path string
	ttl  time.Duration
	log  *log.Logger

	mu    sync.Mutex
	flock *flock.Flock
}

func New(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("metastore: path is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &Store{
		path:  cfg.Path,
		ttl:   cfg.TTL,
		log:   cfg.Logger,
		flock: flock.New(cfg.Path + ".lock"),
	}, nil
}

// TTL returns the configured stats freshness window.
func (s *Store) TTL() time.Duration { return s.ttl }

// Get returns the metadata for slug ("owner/repo"), or ok=false when the
// repository has never been seen.
func (s *Store) Get(slug string) (*RepositoryMetadata, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return nil, false, err
	}
	m, ok := doc[slug]
	if !ok {
		return nil, false, nil
	}
	return m.clone(), true, nil
}

// Fresh reports whether slug's repository stats were fetched within the TTL.
func (s *Store) Fresh(slug string, now time.Time) bool {
	m, ok, err := s.Get(slug)
	if err != nil || !ok {
		return false
	}
	return now.Sub(m.StatsFetchedAt) < s.ttl
}

// ScannedFor returns the release record already scanned for the given commit
// SHA, if any. This is the idempotency check: at most one authoritative scan
// per (owner, repo, contentSha).
func (s *Store) ScannedFor(slug, sha string) (*ReleaseRecord, bool, error) {
	m, ok, err := s.Get(slug)
	if err != nil || !ok {
		return nil, false, err
	}
	for _, rec := range m.Releases {
		if rec.Scanned && rec.HasSHA(sha) {
			out := rec
			return &out, true, nil
		}
	}
	return nil, false, nil
}

// UpsertRepositoryStats merges freshly fetched stats into the store.
// Existing release scan state is preserved unless the release's commit SHA
// moved, in which case the record is reset to unscanned: a moved tag is a
// new scan target, never "the same action with a new commit".
func (s *Store) UpsertRepositoryStats(slug string, stats *RepositoryMetadata) error {
	return s.update(func(doc map[string]*RepositoryMetadata) {
		fresh := stats.clone()
		if fresh.Releases == nil {
			fresh.Releases = map[string]ReleaseRecord{}
		}
		if fresh.StatsFetchedAt.IsZero() {
			fresh.StatsFetchedAt = time.Now()
		}
		old, ok := doc[slug]
		if !ok {
			doc[slug] = fresh
			return
		}
		for name, rec := range fresh.Releases {
			prev, seen := old.Releases[name]
			if !seen {
				continue
			}
			if prev.CommitSHA != "" && rec.CommitSHA != "" && prev.CommitSHA != rec.CommitSHA {
				// Tag moved: reset scan state, remember both SHAs.
				rec.Scanned = false
				rec.Safe = true
				rec.ScanReport = ""
				rec.SHAs = unionSHAs(prev.SHAs, rec.SHAs)
				fresh.Releases[name] = rec
				continue
			}
			rec.Scanned = prev.Scanned
			rec.Safe = prev.Safe
			rec.ScanReport = prev.ScanReport
			rec.SHAs = unionSHAs(prev.SHAs, rec.SHAs)
			fresh.Releases[name] = rec
		}
		// Releases the API no longer reports stay on record.
		for name, prev := range old.Releases {
			if _, seen := fresh.Releases[name]; !seen {
				fresh.Releases[name] = prev
			}
		}
		doc[slug] = fresh
	})
}

// UpsertReleaseRecord applies mutate to the current record for (slug,
// version), or to a fresh default when none exists. This is the sole
// mutation path for release scan state.
func (s *Store) UpsertReleaseRecord(slug, version string, mutate func(ReleaseRecord) ReleaseRecord) error {
	return s.update(func(doc map[string]*RepositoryMetadata) {
		m, ok := doc[slug]
		if !ok {
			m = &RepositoryMetadata{Releases: map[string]ReleaseRecord{}}
			doc[slug] = m
		}
		if m.Releases == nil {
			m.Releases = map[string]ReleaseRecord{}
		}
		cur, ok := m.Releases[version]
		if !ok {
			cur = ReleaseRecord{Version: version, Safe: true}
		}
		next := mutate(cur)
		if next.Version == "" {
			next.Version = version
		}
		if next.CommitSHA != "" && !contains(next.SHAs, next.CommitSHA) {
			next.SHAs = append(next.SHAs, next.CommitSHA)
		}
		m.Releases[version] = next
	})
}

// update runs fn against the latest persisted document and writes the whole
// store back atomically, holding both locks for the duration.
func (s *Store) update(fn func(doc map[string]*RepositoryMetadata)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.flock.Lock(); err != nil {
		return fmt.Errorf("metastore: acquire file lock: %w", err)
	}
	defer s.flock.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	fn(doc)
	return s.persist(doc)
}

// load reads the canonical file. A missing file is an empty store; an
// unreadable one is rebuilt from empty with a loud warning, since stats are
// re-derivable and aborting a whole run over a corrupt cache is worse.
func (s *Store) load() (map[string]*RepositoryMetadata, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*RepositoryMetadata{}, nil
		}
		return nil, fmt.Errorf("metastore: read %s: %w", s.path, err)
	}
	doc := map[string]*RepositoryMetadata{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		s.log.Printf("WARNING: metadata store %s is corrupt (%v); rebuilding from empty", s.path, err)
		return map[string]*RepositoryMetadata{}, nil
	}
	return doc, nil
}

func (s *Store) persist(doc map[string]*RepositoryMetadata) error {
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("metastore: encode: %w", err)
	}
	if err := renameio.WriteFile(s.path, raw, 0o644); err != nil {
		return fmt.Errorf("metastore: write %s: %w", s.path, err)
	}
	return nil
}

func unionSHAs(a, b []string) []string {
	out := append([]string(nil), a...)
	for _, s := range b {
		if !contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
