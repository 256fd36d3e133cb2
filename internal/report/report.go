// Package report persists per-action scan results and the aggregated
// overview consumed by the dashboard.
package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"actionsguard/internal/action"
	"actionsguard/internal/verdict"
)

// Usage is what one analysis cost.
type Usage struct {
	InputTokens   int
	OutputTokens  int
	ContextTokens int
	TotalTokens   int
	Cost          float64
}

type Writer struct {
	// Dir receives the scan result JSON files.
	Dir string
	// MetadataDir receives the usage sidecars; Dir when empty.
	MetadataDir string

	log *log.Logger
}

func NewWriter(dir, metadataDir string, logger *log.Logger) (*Writer, error) {
	if dir == "" {
		return nil, fmt.Errorf("report: output dir is required")
	}
	if metadataDir == "" {
		metadataDir = dir
	}
	if logger == nil {
		logger = log.Default()
	}
	for _, d := range []string{dir, metadataDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("report: create %s: %w", d, err)
		}
	}
	return &Writer{Dir: dir, MetadataDir: metadataDir, log: logger}, nil
}

// FailureReport wraps model output that never became valid JSON so the scan
// still produces a visible artifact.
func FailureReport(raw, reason string) *verdict.Report {
	return &verdict.Report{
		ScanStatus: verdict.ScanStatusTextOutput,
		Issues:     []verdict.Issue{},
		Checks:     []verdict.Check{},
		RawContent: raw,
		Note:       "analysis output could not be parsed as JSON: " + reason,
	}
}

// WriteReport stamps the resolved reference onto rep and writes it as
// <safe-name>.json, plus a usage sidecar. Reports are written for failed
// validations too; only the write itself can error.
func (w *Writer) WriteReport(res *action.Resolved, rep *verdict.Report, usage Usage) (string, error) {
	rep.RepoName = res.Slug()
	rep.Version = res.Version
	if res.CommitSHA != "" {
		rep.SHA = res.CommitSHA
	} else if rep.SHA == "" {
		rep.SHA = "N/A"
	}
	if rep.ActionName == "" {
		rep.ActionName = res.Repo
	}
	if rep.Issues == nil {
		rep.Issues = []verdict.Issue{}
	}
	if rep.Checks == nil {
		rep.Checks = []verdict.Check{}
	}

	raw, err := marshalNoEscape(rep)
	if err != nil {
		return "", fmt.Errorf("report: encode %s: %w", res, err)
	}
	path := filepath.Join(w.Dir, res.SafeName()+".json")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", fmt.Errorf("report: write %s: %w", path, err)
	}

	if err := w.writeUsage(res, usage); err != nil {
		// The scan result is the artifact that matters; a sidecar
		// failure is not worth failing the scan over.
		w.log.Printf("WARNING: report: usage sidecar for %s: %v", res, err)
	}
	return path, nil
}

func (w *Writer) writeUsage(res *action.Resolved, usage Usage) error {
	var b strings.Builder
	fmt.Fprintf(&b, "GitHub URL: https://github.com/%s\n", res.Slug())
	fmt.Fprintf(&b, "Version: %s\n", res.Version)
	fmt.Fprintf(&b, "Total tokens used: %d\n", usage.TotalTokens)
	fmt.Fprintf(&b, "Cost of operation: $%.4f\n", usage.Cost)
	fmt.Fprintf(&b, "Scan timestamp: %s\n", time.Now().Format(time.RFC3339))
	path := filepath.Join(w.MetadataDir, res.SafeName()+"-metadata.txt")
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

// marshalNoEscape keeps <, > and & literal; shell snippets inside findings
// should read back the way the model wrote them.
func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
