package verdict

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const validOutput = `{
  "action-name": "Checkout",
  "Security-Issues": [
    {"severity": "High", "title": "Unpinned dependency", "file": "action.yml", "line": 12},
    {"severity": "low", "title": "Verbose logging"}
  ],
  "checks": [
    {"title": "Pinned actions", "status": "unsafe", "score": 3},
    {"title": "No curl-pipe-sh", "status": "safe", "score": "10"}
  ]
}`

func TestDecodeStrictJSON(t *testing.T) {
	r, err := Decode(validOutput)
	require.NoError(t, err)
	require.Equal(t, "Checkout", r.ActionName)
	require.Len(t, r.Issues, 2)
	require.Len(t, r.Checks, 2)

	// Numbers and strings both land as text.
	require.Equal(t, StringOrNumber("12"), r.Issues[0].Line)
	require.Equal(t, StringOrNumber("3"), r.Checks[0].Score)
	require.Equal(t, StringOrNumber("10"), r.Checks[1].Score)

	safe, unsafe := r.CheckCounts()
	require.Equal(t, 1, safe)
	require.Equal(t, 1, unsafe)

	counts := r.SeverityCounts()
	require.Equal(t, 1, counts[SeverityHigh])
	require.Equal(t, 1, counts[SeverityLow])
	require.Equal(t, 0, counts[SeverityCritical])
}

func TestDecodeAcceptsAliasKeys(t *testing.T) {
	r, err := Decode(`{
		"issues": [{"severity": "medium", "title": "x"}],
		"Recommendations": [{"title": "pin versions"}],
		"mitigation-stratagy": [{"title": "restrict token"}]
	}`)
	require.NoError(t, err)
	require.Len(t, r.Issues, 1)
	require.Len(t, r.Recommendations, 1)
	require.Len(t, r.Mitigations, 1)
}

func TestDecodeRepairsFencedOutput(t *testing.T) {
	fenced := "Here is the analysis:\n```json\n" + validOutput + "\n```\nLet me know if you need more."
	r, err := Decode(fenced)
	require.NoError(t, err)
	require.Len(t, r.Issues, 2)
}

func TestDecodeRepairsTrailingCommas(t *testing.T) {
	r, err := Decode(`{"checks": [{"title": "a", "status": "safe"},], "Security-Issues": [],}`)
	require.NoError(t, err)
	require.Len(t, r.Checks, 1)
}

func TestDecodeRepairsTruncatedOutput(t *testing.T) {
	// Cut mid-string, as if the model hit its output token limit.
	truncated := `{"checks": [{"title": "Pinned actions", "status": "safe"}, {"title": "Secrets in lo`
	r, err := Decode(truncated)
	require.NoError(t, err)
	require.Len(t, r.Checks, 2)
	require.Equal(t, "Pinned actions", r.Checks[0].Title)
	require.Equal(t, "Secrets in lo", r.Checks[1].Title)
}

func TestDecodeEscapesRawNewlinesInStrings(t *testing.T) {
	r, err := Decode("{\"Security-Issues\": [{\"severity\": \"high\", \"title\": \"line one\nline two\"}]}")
	require.NoError(t, err)
	require.Equal(t, "line one\nline two", r.Issues[0].Title)
}

func TestDecodeAcceptsEmptyFindings(t *testing.T) {
	r, err := Decode(`{"issues": [], "checks": []}`)
	require.NoError(t, err)
	require.Empty(t, r.Issues)
	require.Empty(t, r.Checks)
}

func TestDecodeRejectsContentFreeObject(t *testing.T) {
	_, err := Decode(`{"summary": "looks fine to me"}`)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Contains(t, verr.Raw, "looks fine")
}

func TestDecodeRejectsProse(t *testing.T) {
	_, err := Decode("I could not analyze this action, sorry.")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestDecodeRejectsEmpty(t *testing.T) {
	_, err := Decode("   \n")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestRepairLeavesValidJSONAlone(t *testing.T) {
	got, err := Repair(`{"checks": []}`)
	require.NoError(t, err)
	require.JSONEq(t, `{"checks": []}`, got)
}

func TestRepairIgnoresBracesInsideStrings(t *testing.T) {
	in := `{"checks": [{"title": "uses {{ matrix.os }}", "status": "safe"}]}`
	got, err := Repair(in)
	require.NoError(t, err)
	require.JSONEq(t, in, got)
}
