package report

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"actionsguard/internal/action"
	"actionsguard/internal/verdict"
)

func resolved(owner, repo, version, sha string) *action.Resolved {
	return &action.Resolved{
		Ref:       action.Ref{Owner: owner, Repo: repo, Version: version},
		Version:   version,
		CommitSHA: sha,
	}
}

func TestWriteReportStampsMetadata(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, "", nil)
	require.NoError(t, err)

	rep := &verdict.Report{
		Issues: []verdict.Issue{{Severity: "high", Title: "curl | sh in entrypoint"}},
		Checks: []verdict.Check{{Title: "Pinned actions", Status: "safe"}},
	}
	res := resolved("acme", "widget", "v2", "abcdef0123456789abcdef0123456789abcdef01")

	path, err := w.WriteReport(res, rep, Usage{TotalTokens: 1500, Cost: 0.0123})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "acme-widget_v2.json"), path)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var got verdict.Report
	require.NoError(t, json.Unmarshal(raw, &got))
	require.Equal(t, "acme/widget", got.RepoName)
	require.Equal(t, "v2", got.Version)
	require.Equal(t, "abcdef0123456789abcdef0123456789abcdef01", got.SHA)
	require.Len(t, got.Issues, 1)

	// Usage sidecar lands next to the report.
	meta, err := os.ReadFile(filepath.Join(dir, "acme-widget_v2-metadata.txt"))
	require.NoError(t, err)
	require.Contains(t, string(meta), "Total tokens used: 1500")
	require.Contains(t, string(meta), "$0.0123")
}

func TestWriteReportDoesNotEscapeHTML(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, "", nil)
	require.NoError(t, err)

	rep := &verdict.Report{
		Issues: []verdict.Issue{{Severity: "critical", Title: "curl http://x | sh > /dev/null"}},
	}
	path, err := w.WriteReport(resolved("a", "b", "v1", ""), rep, Usage{})
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(raw), "| sh > /dev/null")
	require.NotContains(t, string(raw), `>`)
}

func TestWriteFailureReportKeepsRawOutput(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, "", nil)
	require.NoError(t, err)

	rep := FailureReport("the model said something unparseable", "no JSON object in output")
	path, err := w.WriteReport(resolved("a", "b", "v1", ""), rep, Usage{})
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var got verdict.Report
	require.NoError(t, json.Unmarshal(raw, &got))
	require.Equal(t, verdict.ScanStatusTextOutput, got.ScanStatus)
	require.Equal(t, "the model said something unparseable", got.RawContent)
	require.Empty(t, got.Issues)
	require.Empty(t, got.Checks)
}

func TestGenerateOverview(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, "", nil)
	require.NoError(t, err)

	repB := &verdict.Report{
		ActionName: "Widget",
		Issues: []verdict.Issue{
			{Severity: "critical", Title: "a"},
			{Severity: "high", Title: "b"},
			{Severity: "shrug", Title: "unknown severity is dropped"},
		},
		Checks: []verdict.Check{
			{Title: "x", Status: "safe"},
			{Title: "y", Status: "unsafe"},
			{Title: "z", Status: "safe"},
		},
	}
	_, err = w.WriteReport(resolved("zeta", "widget", "v1", "abcdef0123456789abcdef0123456789abcdef01"), repB, Usage{})
	require.NoError(t, err)

	repA := &verdict.Report{ActionName: "Alpha", Checks: []verdict.Check{{Title: "x", Status: "safe"}}}
	_, err = w.WriteReport(resolved("alpha", "tool", "v3", ""), repA, Usage{})
	require.NoError(t, err)

	// A stray non-report file must not poison the overview.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "junk.json"), []byte("not json"), 0o644))

	path, err := w.GenerateOverview("overview.json")
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var items []OverviewItem
	require.NoError(t, json.Unmarshal(raw, &items))

	require.Len(t, items, 2)
	require.Equal(t, "Alpha", items[0].ActionName)
	require.Equal(t, "Widget", items[1].ActionName)
	require.Equal(t, "abcdef0", items[1].SHA)
	require.Equal(t, 2, items[1].SafeChecks)
	require.Equal(t, 1, items[1].UnsafeChecks)
	require.Equal(t, 1, items[1].CriticalIssues)
	require.Equal(t, 1, items[1].HighIssues)
	require.Equal(t, 0, items[1].MediumIssues)

	// Regeneration includes the overview dir unchanged: the overview file
	// itself is never counted as a scan result.
	path2, err := w.GenerateOverview("overview.json")
	require.NoError(t, err)
	raw2, err := os.ReadFile(path2)
	require.NoError(t, err)
	var items2 []OverviewItem
	require.NoError(t, json.Unmarshal(raw2, &items2))
	require.Len(t, items2, 2)
}
