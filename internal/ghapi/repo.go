package ghapi

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"actionsguard/internal/action"
	"actionsguard/internal/metastore"
)

// Page caps keep pathological repositories from eating the whole quota:
// 50 pages of 100 tags, 20 pages of releases, 50 pages of contributors.
const (
	maxTagPages         = 50
	maxReleasePages     = 20
	maxContributorPages = 50
)

var hexRe = regexp.MustCompile(`^[0-9a-fA-F]{7,40}$`)

type repoInfo struct {
	CreatedAt     string `json:"created_at"`
	Stars         int    `json:"stargazers_count"`
	OpenIssues    int    `json:"open_issues_count"`
	DefaultBranch string `json:"default_branch"`
}

// RepositoryStats fetches the repository profile, contributor count and the
// full tag/release history, shaped as fresh store metadata. Release records
// come back unscanned; the store's merge preserves existing scan state.
func (c *Client) RepositoryStats(ctx context.Context, owner, repo string) (*metastore.RepositoryMetadata, error) {
	var info repoInfo
	if err := c.getJSON(ctx, c.base+"/repos/"+owner+"/"+repo, &info); err != nil {
		return nil, err
	}

	contributors, err := c.contributorCount(ctx, owner, repo)
	if err != nil {
		return nil, err
	}

	releases, err := c.releaseRecords(ctx, owner, repo)
	if err != nil {
		return nil, err
	}

	return &metastore.RepositoryMetadata{
		Repository: metastore.Repository{
			Owner:        owner,
			Name:         repo,
			CreatedAt:    info.CreatedAt,
			Stars:        info.Stars,
			Issues:       info.OpenIssues,
			Contributors: contributors,
		},
		Releases:       releases,
		StatsFetchedAt: time.Now(),
	}, nil
}

func (c *Client) contributorCount(ctx context.Context, owner, repo string) (int, error) {
	count := 0
	url := c.base + "/repos/" + owner + "/" + repo + "/contributors?per_page=100&anon=true"
	err := c.paginate(ctx, url, maxContributorPages, func(body []byte) (bool, error) {
		var page []json.RawMessage
		if err := json.Unmarshal(body, &page); err != nil {
			return false, fmt.Errorf("ghapi: decode contributors for %s/%s: %w", owner, repo, err)
		}
		count += len(page)
		return len(page) > 0, nil
	})
	return count, err
}

// releaseRecords merges the tag list (which carries commit SHAs) with the
// release list (which carries published dates). Tags without a release are
// kept; dates stay empty for them.
func (c *Client) releaseRecords(ctx context.Context, owner, repo string) (map[string]metastore.ReleaseRecord, error) {
	records := map[string]metastore.ReleaseRecord{}

	tagsURL := c.base + "/repos/" + owner + "/" + repo + "/tags?per_page=100"
	err := c.paginate(ctx, tagsURL, maxTagPages, func(body []byte) (bool, error) {
		var page []struct {
			Name   string `json:"name"`
			Commit struct {
				SHA string `json:"sha"`
			} `json:"commit"`
		}
		if err := json.Unmarshal(body, &page); err != nil {
			return false, fmt.Errorf("ghapi: decode tags for %s/%s: %w", owner, repo, err)
		}
		for _, t := range page {
			records[t.Name] = metastore.ReleaseRecord{
				Version:   t.Name,
				CommitSHA: t.Commit.SHA,
				SHAs:      []string{t.Commit.SHA},
				Scanned:   false,
				Safe:      true,
			}
		}
		return len(page) > 0, nil
	})
	if err != nil {
		return nil, err
	}

	relURL := c.base + "/repos/" + owner + "/" + repo + "/releases?per_page=100"
	err = c.paginate(ctx, relURL, maxReleasePages, func(body []byte) (bool, error) {
		var page []struct {
			TagName     string `json:"tag_name"`
			PublishedAt string `json:"published_at"`
		}
		if err := json.Unmarshal(body, &page); err != nil {
			return false, fmt.Errorf("ghapi: decode releases for %s/%s: %w", owner, repo, err)
		}
		for _, r := range page {
			if rec, ok := records[r.TagName]; ok {
				rec.PublishedAt = r.PublishedAt
				records[r.TagName] = rec
			}
		}
		return len(page) > 0, nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// ResolveVersion pins a reference to a concrete version and, when known, the
// commit SHA behind it. Explicit versions resolve from the supplied metadata
// first (tag name, then SHA prefix); "latest" resolves to the newest release
// by published date, falling back to the releases/latest endpoint and then
// the default branch.
func (c *Client) ResolveVersion(ctx context.Context, ref action.Ref, existing *metastore.RepositoryMetadata) (*action.Resolved, error) {
	if !ref.WantsLatest() {
		return resolveExplicit(ref, existing), nil
	}

	if r, ok := latestFromMetadata(ref, existing); ok {
		return r, nil
	}

	var rel struct {
		TagName         string `json:"tag_name"`
		TargetCommitish string `json:"target_commitish"`
	}
	err := c.getJSON(ctx, c.base+"/repos/"+ref.Owner+"/"+ref.Repo+"/releases/latest", &rel)
	if err == nil && rel.TagName != "" {
		sha := ""
		if existing != nil {
			if rec, ok := existing.Releases[rel.TagName]; ok {
				sha = rec.CommitSHA
			}
		}
		// target_commitish is usually a branch name; only trust a full SHA.
		if sha == "" && len(rel.TargetCommitish) == 40 && hexRe.MatchString(rel.TargetCommitish) {
			sha = rel.TargetCommitish
		}
		return &action.Resolved{Ref: ref, Version: rel.TagName, CommitSHA: sha}, nil
	}

	// No releases published: fall back to the default branch. A missing
	// repository surfaces as NotFound here.
	var info repoInfo
	if err := c.getJSON(ctx, c.base+"/repos/"+ref.Owner+"/"+ref.Repo, &info); err != nil {
		return nil, err
	}
	branch := info.DefaultBranch
	if branch == "" {
		branch = "main"
	}
	return &action.Resolved{Ref: ref, Version: branch}, nil
}

func resolveExplicit(ref action.Ref, existing *metastore.RepositoryMetadata) *action.Resolved {
	if existing != nil {
		if rec, ok := existing.Releases[ref.Version]; ok {
			return &action.Resolved{Ref: ref, Version: ref.Version, CommitSHA: rec.CommitSHA}
		}
		// The version may be a commit pin of a known release.
		for _, rec := range existing.Releases {
			if !rec.HasSHA(ref.Version) {
				continue
			}
			sha := rec.CommitSHA
			for _, s := range rec.SHAs {
				if s == ref.Version || (len(ref.Version) >= 7 && len(s) >= len(ref.Version) && s[:len(ref.Version)] == ref.Version) {
					sha = s
					break
				}
			}
			return &action.Resolved{Ref: ref, Version: rec.Version, CommitSHA: sha}
		}
	}
	r := &action.Resolved{Ref: ref, Version: ref.Version}
	if len(ref.Version) == 40 && hexRe.MatchString(ref.Version) {
		r.CommitSHA = ref.Version
	}
	return r
}

func latestFromMetadata(ref action.Ref, existing *metastore.RepositoryMetadata) (*action.Resolved, bool) {
	if existing == nil {
		return nil, false
	}
	var best *metastore.ReleaseRecord
	var bestAt time.Time
	for _, rec := range existing.Releases {
		if rec.PublishedAt == "" {
			continue
		}
		at, err := time.Parse(time.RFC3339, rec.PublishedAt)
		if err != nil {
			continue
		}
		if best == nil || at.After(bestAt) {
			r := rec
			best = &r
			bestAt = at
		}
	}
	if best == nil {
		return nil, false
	}
	return &action.Resolved{Ref: ref, Version: best.Version, CommitSHA: best.CommitSHA}, true
}
