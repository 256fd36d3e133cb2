// Package verdict decodes the analysis model's JSON output into the report
// schema, repairing the almost-JSON that models routinely emit before giving
// up on a response.
package verdict

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Severity levels, lowest to highest.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Check statuses.
const (
	StatusSafe   = "safe"
	StatusUnsafe = "unsafe"
)

// ScanStatusTextOutput marks a report whose model output never became valid
// JSON; the raw text is preserved instead of dropped.
const ScanStatusTextOutput = "completed_with_text_output"

// StringOrNumber tolerates fields the model emits as either a JSON string or
// a bare number (line numbers, scores).
type StringOrNumber string

func (s *StringOrNumber) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		*s = StringOrNumber(str)
		return nil
	}
	if bytes.Equal(b, []byte("null")) {
		*s = ""
		return nil
	}
	*s = StringOrNumber(b)
	return nil
}

func (s StringOrNumber) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// Issue is one security finding.
type Issue struct {
	Severity    string         `json:"severity"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	File        string         `json:"file,omitempty"`
	Line        StringOrNumber `json:"line,omitempty"`
	Remediation string         `json:"remediation,omitempty"`
}

// Check is one pass/fail control the model evaluated.
type Check struct {
	ID       string         `json:"id,omitempty"`
	Title    string         `json:"title"`
	Status   string         `json:"status"`
	Score    StringOrNumber `json:"score,omitempty"`
	Analysis string         `json:"analysis,omitempty"`
}

type Recommendation struct {
	Verdict     string `json:"verdict,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

type Mitigation struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

// Report is the decoded scan result. The JSON tags are the canonical output
// keys; Decode additionally accepts the aliases models tend to produce
// ("issues" for "Security-Issues", capitalized "Recommendations", the
// historical "mitigation-stratagy" spelling).
type Report struct {
	ActionName     string `json:"action-name,omitempty"`
	RepoName       string `json:"repo-name,omitempty"`
	Version        string `json:"version,omitempty"`
	SHA            string `json:"SHA,omitempty"`
	ScanStatus     string `json:"scan_status,omitempty"`
	RiskAssessment string `json:"risk-assessment,omitempty"`

	Issues          []Issue          `json:"Security-Issues"`
	Checks          []Check          `json:"checks"`
	Recommendations []Recommendation `json:"recommendations,omitempty"`
	Mitigations     []Mitigation     `json:"mitigation-strategies,omitempty"`

	// RawContent carries the unparseable model output on validation
	// failure so nothing is silently lost.
	RawContent string `json:"raw_content,omitempty"`
	Note       string `json:"note,omitempty"`
}

// ValidationError means the model output could not be turned into a report
// even after repair. The raw output is kept for the failure report.
type ValidationError struct {
	Raw    string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("verdict: invalid analysis output: %s", e.Reason)
}

// wire accepts every key spelling seen in the wild.
type wire struct {
	ActionName     string `json:"action-name"`
	RepoName       string `json:"repo-name"`
	Version        string `json:"version"`
	SHA            string `json:"SHA"`
	ScanStatus     string `json:"scan_status"`
	RiskAssessment string `json:"risk-assessment"`

	SecurityIssues []Issue `json:"Security-Issues"`
	Issues         []Issue `json:"issues"`
	Checks         []Check `json:"checks"`

	Recommendations    []Recommendation `json:"recommendations"`
	RecommendationsCap []Recommendation `json:"Recommendations"`

	Mitigations    []Mitigation `json:"mitigation-strategies"`
	MitigationsOld []Mitigation `json:"mitigation-stratagy"`
}

func (w *wire) report() *Report {
	r := &Report{
		ActionName:      w.ActionName,
		RepoName:        w.RepoName,
		Version:         w.Version,
		SHA:             w.SHA,
		ScanStatus:      w.ScanStatus,
		RiskAssessment:  w.RiskAssessment,
		Issues:          w.SecurityIssues,
		Checks:          w.Checks,
		Recommendations: w.Recommendations,
		Mitigations:     w.Mitigations,
	}
	if r.Issues == nil {
		r.Issues = w.Issues
	}
	if r.Recommendations == nil {
		r.Recommendations = w.RecommendationsCap
	}
	if r.Mitigations == nil {
		r.Mitigations = w.MitigationsOld
	}
	if r.Issues == nil {
		r.Issues = []Issue{}
	}
	if r.Checks == nil {
		r.Checks = []Check{}
	}
	return r
}

// contentKeys are the fields that make an object a report at all. An empty
// list still counts: "no findings" is a result, a missing key is not.
var contentKeys = []string{
	"Security-Issues", "issues", "checks",
	"recommendations", "Recommendations",
	"mitigation-strategies", "mitigation-stratagy",
}

func hasContentKey(raw []byte) bool {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(raw, &keys); err != nil {
		return false
	}
	for _, k := range contentKeys {
		if _, ok := keys[k]; ok {
			return true
		}
	}
	return false
}

// CheckCounts returns how many checks came back safe and unsafe.
func (r *Report) CheckCounts() (safe, unsafe int) {
	for _, c := range r.Checks {
		switch strings.ToLower(c.Status) {
		case StatusSafe:
			safe++
		case StatusUnsafe:
			unsafe++
		}
	}
	return safe, unsafe
}

// SeverityCounts buckets the issues by lowercased severity; unknown
// severities are dropped rather than guessed at.
func (r *Report) SeverityCounts() map[string]int {
	counts := map[string]int{
		SeverityCritical: 0,
		SeverityHigh:     0,
		SeverityMedium:   0,
		SeverityLow:      0,
	}
	for _, issue := range r.Issues {
		sev := strings.ToLower(issue.Severity)
		if _, ok := counts[sev]; ok {
			counts[sev]++
		}
	}
	return counts
}

// Decode parses raw model output into a Report: a strict parse first, then a
// parse of the repaired text. A parse that succeeds but carries none of the
// content keys (issues, checks, recommendations, mitigations) is still a
// validation failure.
func Decode(raw string) (*Report, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, &ValidationError{Raw: raw, Reason: "empty output"}
	}

	r, err := parse(trimmed)
	if err == nil {
		return r, nil
	}

	repaired, rerr := Repair(trimmed)
	if rerr != nil {
		return nil, &ValidationError{Raw: raw, Reason: fmt.Sprintf("parse: %v; repair: %v", err, rerr)}
	}
	r, perr := parse(repaired)
	if perr != nil {
		return nil, &ValidationError{Raw: raw, Reason: fmt.Sprintf("after repair: %v", perr)}
	}
	return r, nil
}

func parse(s string) (*Report, error) {
	var w wire
	if err := json.Unmarshal([]byte(s), &w); err != nil {
		return nil, err
	}
	if !hasContentKey([]byte(s)) {
		return nil, fmt.Errorf("no issues, checks, recommendations or mitigations present")
	}
	return w.report(), nil
}
