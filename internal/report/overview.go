package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"actionsguard/internal/verdict"
)

// OverviewItem is one row of the dashboard summary.
type OverviewItem struct {
	ActionName     string `json:"actionName"`
	RepoName       string `json:"repoName"`
	SHA            string `json:"sha"`
	SafeChecks     int    `json:"safeChecks"`
	UnsafeChecks   int    `json:"unsafeChecks"`
	CriticalIssues int    `json:"criticalIssues"`
	HighIssues     int    `json:"highIssues"`
	MediumIssues   int    `json:"mediumIssues"`
	LowIssues      int    `json:"lowIssues"`
	File           string `json:"file"`
}

// GenerateOverview recomputes the overview from every scan result in dir and
// writes it as overviewFile in the same directory. The overview is always
// derived, never incrementally patched, so a deleted or rewritten report is
// reflected on the next run. Unreadable results are skipped, not fatal.
func (w *Writer) GenerateOverview(overviewFile string) (string, error) {
	entries, err := os.ReadDir(w.Dir)
	if err != nil {
		return "", fmt.Errorf("report: read %s: %w", w.Dir, err)
	}

	items := []OverviewItem{}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == overviewFile || !strings.HasSuffix(name, ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(w.Dir, name))
		if err != nil {
			w.log.Printf("WARNING: report: skipping %s: %v", name, err)
			continue
		}
		var rep verdict.Report
		if err := json.Unmarshal(raw, &rep); err != nil {
			w.log.Printf("WARNING: report: skipping %s: %v", name, err)
			continue
		}
		items = append(items, overviewItem(&rep, name))
	}

	sort.Slice(items, func(i, j int) bool {
		return strings.ToLower(items[i].ActionName) < strings.ToLower(items[j].ActionName)
	})

	raw, err := marshalNoEscape(items)
	if err != nil {
		return "", fmt.Errorf("report: encode overview: %w", err)
	}
	path := filepath.Join(w.Dir, overviewFile)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", fmt.Errorf("report: write %s: %w", path, err)
	}
	return path, nil
}

func overviewItem(rep *verdict.Report, filename string) OverviewItem {
	actionName := rep.ActionName
	if actionName == "" {
		actionName = actionNameFromFilename(filename)
	}
	repoName := rep.RepoName
	if repoName == "" {
		repoName = "Unknown Repository"
	}

	safe, unsafe := rep.CheckCounts()
	sev := rep.SeverityCounts()

	return OverviewItem{
		ActionName:     actionName,
		RepoName:       repoName,
		SHA:            shortSHA(rep.SHA),
		SafeChecks:     safe,
		UnsafeChecks:   unsafe,
		CriticalIssues: sev[verdict.SeverityCritical],
		HighIssues:     sev[verdict.SeverityHigh],
		MediumIssues:   sev[verdict.SeverityMedium],
		LowIssues:      sev[verdict.SeverityLow],
		File:           filename,
	}
}

// actionNameFromFilename reverses the safe-name mangling far enough for
// display: "actions-checkout_v4.json" -> "actions/checkout_v4".
func actionNameFromFilename(filename string) string {
	stem := strings.TrimSuffix(filename, ".json")
	if owner, rest, ok := strings.Cut(stem, "-"); ok {
		return owner + "/" + rest
	}
	return stem
}

func shortSHA(sha string) string {
	if sha == "" || sha == "N/A" {
		return "Unknown"
	}
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
