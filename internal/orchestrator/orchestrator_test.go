package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"actionsguard/internal/action"
	"actionsguard/internal/analyzer"
	"actionsguard/internal/ghapi"
	"actionsguard/internal/metastore"
	"actionsguard/internal/pricing"
	"actionsguard/internal/report"
	"actionsguard/internal/verdict"
)

const testSHA = "abcdef0123456789abcdef0123456789abcdef01"

// fakeGitHub serves canned metadata and a synthetic source tree.
type fakeGitHub struct {
	stats      *metastore.RepositoryMetadata
	statsErr   error
	statsCalls int

	resolveErr error
	sha        string

	srcFiles     map[string]string
	downloadErr  error
	downloadN    int
	missingRepos map[string]bool
}

func (f *fakeGitHub) RepositoryStats(ctx context.Context, owner, repo string) (*metastore.RepositoryMetadata, error) {
	f.statsCalls++
	if f.missingRepos[owner+"/"+repo] {
		return nil, fmt.Errorf("GET /repos/%s/%s: %w", owner, repo, ghapi.ErrNotFound)
	}
	if f.statsErr != nil {
		return nil, f.statsErr
	}
	if f.stats != nil {
		return f.stats, nil
	}
	return &metastore.RepositoryMetadata{
		Repository: metastore.Repository{Owner: owner, Name: repo, Stars: 10},
		Releases: map[string]metastore.ReleaseRecord{
			"v1": {Version: "v1", CommitSHA: f.sha, SHAs: []string{f.sha}, Safe: true},
		},
		StatsFetchedAt: time.Now(),
	}, nil
}

func (f *fakeGitHub) ResolveVersion(ctx context.Context, ref action.Ref, existing *metastore.RepositoryMetadata) (*action.Resolved, error) {
	if f.missingRepos[ref.Slug()] {
		return nil, fmt.Errorf("GET /repos/%s: %w", ref.Slug(), ghapi.ErrNotFound)
	}
	if f.resolveErr != nil {
		return nil, f.resolveErr
	}
	version := ref.Version
	if ref.WantsLatest() {
		version = "v1"
	}
	return &action.Resolved{Ref: ref, Version: version, CommitSHA: f.sha}, nil
}

func (f *fakeGitHub) DownloadSource(ctx context.Context, owner, repo, version string) (string, func(), error) {
	f.downloadN++
	if f.downloadErr != nil {
		return "", func() {}, f.downloadErr
	}
	dir, err := os.MkdirTemp("", "fakegh_")
	if err != nil {
		return "", func() {}, err
	}
	files := f.srcFiles
	if files == nil {
		files = map[string]string{
			"action.yml": "name: demo\nruns:\n  using: node20\n",
			"index.js":   "console.log('hi')\n",
		}
	}
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", func() {}, err
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return "", func() {}, err
		}
	}
	return dir, func() { os.RemoveAll(dir) }, nil
}

func testPricing(t *testing.T) *pricing.Table {
	t.Helper()
	path := filepath.Join(t.TempDir(), "costs.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"fake": {"models": {"fake-1": {
			"pricing_type": "simple",
			"input_cost_per_million": 1.0,
			"output_cost_per_million": 2.0
		}}}
	}`), 0o644))
	table, err := pricing.Load(path)
	require.NoError(t, err)
	return table
}

func newTestOrchestrator(t *testing.T, gh *fakeGitHub, prov analyzer.Provider) (*Orchestrator, *metastore.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := metastore.New(metastore.Config{Path: filepath.Join(dir, "stats.json")})
	require.NoError(t, err)
	writer, err := report.NewWriter(filepath.Join(dir, "reports"), "", nil)
	require.NoError(t, err)

	o, err := New(Config{
		Client:   gh,
		Store:    store,
		Provider: prov,
		Pricing:  testPricing(t),
		Reports:  writer,
		Model:    "fake-1",
		Prompt:   "analyze this action",
		Logger:   log.New(os.Stderr, "", 0),
	})
	require.NoError(t, err)
	return o, store
}

func scanOutput() string {
	return `{"checks": [{"title": "Pinned actions", "status": "safe"}], "Security-Issues": []}`
}

func TestScanFreshAction(t *testing.T) {
	gh := &fakeGitHub{sha: testSHA}
	prov := &analyzer.Fake{Responses: []analyzer.FakeResponse{{
		Output: scanOutput(),
		Usage:  analyzer.TokenUsage{Input: 1_000_000, Output: 500_000, Total: 1_500_000},
	}}}
	o, store := newTestOrchestrator(t, gh, prov)

	out := o.Scan(context.Background(), action.Ref{Owner: "acme", Repo: "widget", Version: "v1"}, Options{})
	require.Equal(t, StatusScanned, out.Status, "err: %v", out.Err)
	require.True(t, out.Analyzed)
	require.FileExists(t, out.ReportPath)

	// $1/M input + $2/M output.
	require.InDelta(t, 2.0, out.Usage.Cost, 1e-9)

	rec, ok, err := store.ScannedFor("acme/widget", testSHA)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, out.ReportPath, rec.ScanReport)

	raw, err := os.ReadFile(out.ReportPath)
	require.NoError(t, err)
	var rep verdict.Report
	require.NoError(t, json.Unmarshal(raw, &rep))
	require.Equal(t, "acme/widget", rep.RepoName)
	require.Equal(t, testSHA, rep.SHA)
}

func TestScanRepeatUsesCache(t *testing.T) {
	gh := &fakeGitHub{sha: testSHA}
	prov := &analyzer.Fake{Responses: []analyzer.FakeResponse{{Output: scanOutput()}}}
	o, _ := newTestOrchestrator(t, gh, prov)

	ref := action.Ref{Owner: "acme", Repo: "widget", Version: "v1"}
	first := o.Scan(context.Background(), ref, Options{})
	require.Equal(t, StatusScanned, first.Status, "err: %v", first.Err)

	second := o.Scan(context.Background(), ref, Options{})
	require.Equal(t, StatusCached, second.Status)
	require.False(t, second.Analyzed)
	require.Equal(t, first.ReportPath, second.ReportPath)

	// The provider ran exactly once across both scans.
	require.Equal(t, 1, prov.Calls())
	// Stats were fresh the second time around.
	require.Equal(t, 1, gh.statsCalls)
}

func TestScanForceRescan(t *testing.T) {
	gh := &fakeGitHub{sha: testSHA}
	prov := &analyzer.Fake{Responses: []analyzer.FakeResponse{{Output: scanOutput()}}}
	o, _ := newTestOrchestrator(t, gh, prov)

	ref := action.Ref{Owner: "acme", Repo: "widget", Version: "v1"}
	require.Equal(t, StatusScanned, o.Scan(context.Background(), ref, Options{}).Status)

	out := o.Scan(context.Background(), ref, Options{ForceRescan: true})
	require.Equal(t, StatusScanned, out.Status, "err: %v", out.Err)
	require.Equal(t, 2, prov.Calls())
	// A forced rescan also refetches stats regardless of TTL.
	require.Equal(t, 2, gh.statsCalls)
}

func TestScanSkipAnalysis(t *testing.T) {
	gh := &fakeGitHub{sha: testSHA}
	prov := &analyzer.Fake{}
	o, store := newTestOrchestrator(t, gh, prov)

	out := o.Scan(context.Background(), action.Ref{Owner: "acme", Repo: "widget", Version: "v1"}, Options{SkipAnalysis: true})
	require.Equal(t, StatusSkipped, out.Status, "err: %v", out.Err)
	require.False(t, out.Analyzed)
	require.NotNil(t, out.Resolved)
	require.Equal(t, testSHA, out.Resolved.CommitSHA)
	require.Equal(t, 0, prov.Calls())

	// The dry run stops at resolution: no source was fetched.
	require.Equal(t, 0, gh.downloadN)

	// Nothing was marked scanned.
	_, ok, err := store.ScannedFor("acme/widget", testSHA)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestScanValidationFailureIsVisible(t *testing.T) {
	gh := &fakeGitHub{sha: testSHA}
	prov := &analyzer.Fake{Responses: []analyzer.FakeResponse{{
		Output: "I am sorry, I cannot analyze this action.",
	}}}
	o, store := newTestOrchestrator(t, gh, prov)

	out := o.Scan(context.Background(), action.Ref{Owner: "acme", Repo: "widget", Version: "v1"}, Options{})
	require.Equal(t, StatusFailed, out.Status)
	require.Equal(t, FailValidation, out.Kind)

	// The raw output is preserved in a report file.
	require.FileExists(t, out.ReportPath)
	raw, err := os.ReadFile(out.ReportPath)
	require.NoError(t, err)
	var rep verdict.Report
	require.NoError(t, json.Unmarshal(raw, &rep))
	require.Equal(t, verdict.ScanStatusTextOutput, rep.ScanStatus)
	require.Contains(t, rep.RawContent, "cannot analyze")

	// The release record points at the report but never counts as scanned.
	meta, ok, err := store.Get("acme/widget")
	require.NoError(t, err)
	require.True(t, ok)
	rec := meta.Releases["v1"]
	require.False(t, rec.Scanned)
	require.Equal(t, out.ReportPath, rec.ScanReport)

	_, scanned, err := store.ScannedFor("acme/widget", testSHA)
	require.NoError(t, err)
	require.False(t, scanned)
}

func TestScanNotFound(t *testing.T) {
	gh := &fakeGitHub{sha: testSHA, missingRepos: map[string]bool{"acme/gone": true}}
	o, _ := newTestOrchestrator(t, gh, &analyzer.Fake{})

	out := o.Scan(context.Background(), action.Ref{Owner: "acme", Repo: "gone", Version: "v1"}, Options{})
	require.Equal(t, StatusFailed, out.Status)
	require.Equal(t, FailNotFound, out.Kind)
}

func TestScanProviderFailure(t *testing.T) {
	gh := &fakeGitHub{sha: testSHA}
	prov := &analyzer.Fake{Responses: []analyzer.FakeResponse{{Err: fmt.Errorf("model overloaded")}}}
	o, _ := newTestOrchestrator(t, gh, prov)

	out := o.Scan(context.Background(), action.Ref{Owner: "acme", Repo: "widget", Version: "v1"}, Options{})
	require.Equal(t, StatusFailed, out.Status)
	require.Equal(t, FailProvider, out.Kind)
}

func TestScanBatchIsolatesFailures(t *testing.T) {
	gh := &fakeGitHub{sha: testSHA, missingRepos: map[string]bool{"acme/gone": true}}
	prov := &analyzer.Fake{Responses: []analyzer.FakeResponse{{Output: scanOutput()}}}
	o, _ := newTestOrchestrator(t, gh, prov)

	refs := []action.Ref{
		{Owner: "acme", Repo: "widget", Version: "v1"},
		{Owner: "acme", Repo: "gone", Version: "v1"},
		{Owner: "acme", Repo: "widget", Version: "v1"},
	}
	// Sequential so the duplicate reference deterministically hits the
	// cache left by the first scan.
	outcomes := o.ScanBatch(context.Background(), refs, Options{}, 1)
	require.Len(t, outcomes, 3)

	require.Equal(t, refs[0], outcomes[0].Ref)
	require.Equal(t, refs[1], outcomes[1].Ref)
	require.Equal(t, StatusFailed, outcomes[1].Status)
	require.Equal(t, FailNotFound, outcomes[1].Kind)

	require.Equal(t, StatusScanned, outcomes[0].Status, "err: %v", outcomes[0].Err)
	require.Equal(t, StatusCached, outcomes[2].Status)
	require.Equal(t, 1, prov.Calls())
}

func TestScanBatchHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	gh := &fakeGitHub{sha: testSHA}
	o, _ := newTestOrchestrator(t, gh, &analyzer.Fake{})

	refs := []action.Ref{
		{Owner: "acme", Repo: "widget", Version: "v1"},
		{Owner: "acme", Repo: "widget", Version: "v2"},
	}
	outcomes := o.ScanBatch(ctx, refs, Options{}, 1)
	require.Len(t, outcomes, 2)
	for _, out := range outcomes {
		require.Equal(t, StatusFailed, out.Status)
	}
}
