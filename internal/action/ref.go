// Package action models GitHub Action references and their resolved form.
package action

import (
	"fmt"
	"strings"
)

// Ref is an immutable pointer to an action, as written by a user:
// "owner/repo@version". Version may be a tag, a branch, a commit SHA,
// or empty (meaning "latest").
type Ref struct {
	Owner   string
	Repo    string
	Version string
}

// Resolved is a Ref pinned to the content it pointed at when resolved.
// CommitSHA is the identity used for caching: a mutable tag can move,
// the SHA cannot.
type Resolved struct {
	Ref
	// Version after resolution ("latest" replaced by a concrete tag or
	// default branch).
	Version string
	// CommitSHA may be empty when the hosting API could not supply one
	// (e.g. version resolved to a branch head).
	CommitSHA string
}

// latestAliases are version specs that mean "whatever is current".
var latestAliases = map[string]bool{
	"":           true,
	"latest":     true,
	"main":       true,
	"master":     true,
	"prod":       true,
	"production": true,
}

// Parse parses an action reference. Accepted forms:
//
//	owner/repo
//	owner/repo@version
//	https://github.com/owner/repo
func Parse(s string) (Ref, error) {
	raw := strings.TrimSpace(s)
	var ownerRepo, version string

	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		_, rest, found := strings.Cut(raw, "github.com/")
		if !found {
			return Ref{}, fmt.Errorf("action: unsupported URL %q", s)
		}
		ownerRepo = strings.Trim(rest, "/")
		version = "latest"
	} else if at := strings.Index(raw, "@"); at >= 0 {
		ownerRepo, version = raw[:at], raw[at+1:]
	} else {
		ownerRepo = raw
		version = "latest"
	}

	parts := strings.Split(ownerRepo, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Ref{}, fmt.Errorf("action: invalid reference %q (want owner/repo[@version])", s)
	}
	return Ref{Owner: parts[0], Repo: parts[1], Version: version}, nil
}

// Slug returns the "owner/repo" key used throughout the metadata store.
func (r Ref) Slug() string { return r.Owner + "/" + r.Repo }

// WantsLatest reports whether the reference asks for the newest release
// rather than a specific tag, branch or commit.
func (r Ref) WantsLatest() bool { return latestAliases[strings.ToLower(r.Version)] }

func (r Ref) String() string {
	if r.Version == "" {
		return r.Slug()
	}
	return r.Slug() + "@" + r.Version
}

// SafeName returns a filesystem-safe stem for report files, e.g.
// "actions/checkout@v4" -> "actions-checkout_v4".
func (r Resolved) SafeName() string {
	name := r.Slug() + "@" + r.Version
	repl := strings.NewReplacer("/", "-", "@", "_", ":", "_")
	return repl.Replace(name)
}

func (r Resolved) String() string { return r.Slug() + "@" + r.Version }
