package metastore

import "time"

// Repository holds the repository-level stats refreshed on a TTL.
type Repository struct {
	Owner        string `json:"owner"`
	Name         string `json:"name"`
	CreatedAt    string `json:"created_at,omitempty"`
	Stars        int    `json:"stars"`
	Issues       int    `json:"issues"`
	Contributors int    `json:"contributors"`
}

// ReleaseRecord tracks the scan state of one release/tag. It is created on
// first sight (Scanned=false) and flips to Scanned=true at most once per
// distinct commit SHA; a SHA change resets it to unscanned.
type ReleaseRecord struct {
	Version     string `json:"version"`
	PublishedAt string `json:"published_at,omitempty"`
	// CommitSHA is the SHA the release currently points at.
	CommitSHA string `json:"commit_sha"`
	// SHAs accumulates every SHA this release has ever pointed at.
	SHAs       []string `json:"shas,omitempty"`
	Scanned    bool     `json:"scanned"`
	Safe       bool     `json:"safe"`
	ScanReport string   `json:"scan_report,omitempty"`
}

// RepositoryMetadata is the per-repository document in the store, keyed by
// "owner/repo".
type RepositoryMetadata struct {
	Repository     Repository               `json:"repository"`
	Releases       map[string]ReleaseRecord `json:"releases"`
	StatsFetchedAt time.Time                `json:"stats_fetched_at"`
}

// HasSHA reports whether the record has ever pointed at sha, by exact or
// prefix match (short SHAs are common in action pins).
func (r ReleaseRecord) HasSHA(sha string) bool {
	if sha == "" {
		return false
	}
	for _, s := range r.SHAs {
		if s == sha || (len(sha) >= 7 && len(s) > len(sha) && s[:len(sha)] == sha) {
			return true
		}
	}
	return r.CommitSHA == sha
}

func (m *RepositoryMetadata) clone() *RepositoryMetadata {
	if m == nil {
		return nil
	}
	out := *m
	out.Releases = make(map[string]ReleaseRecord, len(m.Releases))
	for k, v := range m.Releases {
		v.SHAs = append([]string(nil), v.SHAs...)
		out.Releases[k] = v
	}
	return &out
}
