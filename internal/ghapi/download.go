package ghapi

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var tagShapeRe = regexp.MustCompile(`^v?\d+(\.\d+)*(-\w+)*$`)

// DownloadSource fetches the repository archive for a version and extracts it
// into a temp directory, returning the extracted root. The version shape
// decides the first URL tried; on 404 the remaining candidates (tag, branch,
// commit) are tried in turn. cleanup removes everything and is safe to call
// even when err is non-nil.
func (c *Client) DownloadSource(ctx context.Context, owner, repo, version string) (dir string, cleanup func(), err error) {
	tmp, err := os.MkdirTemp("", "actionsguard_")
	if err != nil {
		return "", func() {}, err
	}
	cleanup = func() { os.RemoveAll(tmp) }

	zipPath := filepath.Join(tmp, "source.zip")
	var lastErr error
	for _, url := range c.archiveCandidates(owner, repo, version) {
		lastErr = c.downloadZip(ctx, url, zipPath)
		if lastErr == nil {
			break
		}
		if !errors.Is(lastErr, ErrNotFound) {
			return "", cleanup, lastErr
		}
	}
	if lastErr != nil {
		return "", cleanup, fmt.Errorf("download %s/%s@%s: %w", owner, repo, version, lastErr)
	}

	root, err := extractZip(zipPath, filepath.Join(tmp, "src"))
	if err != nil {
		return "", cleanup, fmt.Errorf("extract %s/%s@%s: %w", owner, repo, version, err)
	}
	return root, cleanup, nil
}

// archiveCandidates orders the codeload URL forms by how version looks:
// semver-ish strings are tried as tags first, hex strings as commits, and
// everything else as branches.
func (c *Client) archiveCandidates(owner, repo, version string) []string {
	prefix := c.archiveBase + "/" + owner + "/" + repo + "/archive/"
	tag := prefix + "refs/tags/" + version + ".zip"
	branch := prefix + "refs/heads/" + version + ".zip"
	commit := prefix + version + ".zip"

	switch {
	case hexRe.MatchString(version):
		return []string{commit, tag, branch}
	case tagShapeRe.MatchString(version):
		return []string{tag, branch}
	default:
		if len(version) >= 7 {
			return []string{branch, tag, commit}
		}
		return []string{branch, tag}
	}
}

func (c *Client) downloadZip(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	c.auth.Apply(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("GET %s: %w", url, ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("ghapi: archive download %s: unexpected %d", url, resp.StatusCode)
	}

	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		return fmt.Errorf("ghapi: save archive: %w", err)
	}
	return nil
}

// extractZip unpacks the archive under destRoot and returns the single
// top-level directory GitHub archives always contain ("repo-ref/").
func extractZip(zipPath, destRoot string) (string, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return "", err
	}
	defer r.Close()

	if err := os.MkdirAll(destRoot, 0o755); err != nil {
		return "", err
	}

	for _, f := range r.File {
		target := filepath.Join(destRoot, filepath.Clean(f.Name))
		// Reject entries that escape the extraction root.
		if !strings.HasPrefix(target, filepath.Clean(destRoot)+string(os.PathSeparator)) {
			return "", fmt.Errorf("zip entry escapes archive root: %s", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return "", err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return "", err
		}
		if err := writeZipEntry(f, target); err != nil {
			return "", err
		}
	}

	entries, err := os.ReadDir(destRoot)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if e.IsDir() {
			return filepath.Join(destRoot, e.Name()), nil
		}
	}
	return destRoot, nil
}

func writeZipEntry(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, f.Mode().Perm()|0o200)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, rc)
	return err
}
