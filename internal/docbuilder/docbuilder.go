// Package docbuilder merges a file record with its upstream file
// fragment into the file-centric document projected into the search
// index (spec.md §4.4, L4).
package docbuilder

import (
	"strings"
	"unicode"

	"github.com/zeebo/errs"

	"github.com/icgc-argo/files-service/internal/filemodel"
)

// Error is the error class for the docbuilder package.
var Error = errs.Class("docbuilder")

// ErrNoDonors is returned when the upstream fragment carries zero
// donors; spec.md §4.4 requires at least one.
var ErrNoDonors = errs.New("upstream fragment has no donors")

// Donor is one donor attribution on an upstream file fragment.
type Donor struct {
	DonorID string `json:"donorId"`
}

// Metrics is the alignment-metrics fragment attached only to "Aligned
// Reads" files produced by the "DNA Seq Alignment" workflow.
type Metrics map[string]interface{}

// UpstreamFragment is the subset of the analysis-to-file transform
// service's output (spec.md §6) that the builder reads, plus a
// passthrough Extra bag for every other upstream field: upstream
// payloads carry open-ended extra keys (spec.md §9), and unknown keys
// must traverse into the indexed document unchanged (after key-case
// rewriting).
type UpstreamFragment struct {
	ObjectID   string                 `json:"objectId"`
	StudyID    string                 `json:"studyId"`
	Analysis   map[string]interface{} `json:"analysis"`
	Donors     []Donor                `json:"donors"`
	DataType   string                 `json:"dataType"`
	Workflow   string                 `json:"workflow"`
	Metrics    Metrics                `json:"metrics,omitempty"`
	Extra      map[string]interface{} `json:"-"`
}

// hasAlignmentMetrics reports whether this fragment qualifies for the
// "Aligned Reads" + "DNA Seq Alignment" metrics attachment.
func (f *UpstreamFragment) hasAlignmentMetrics() bool {
	return f.DataType == "Aligned Reads" && f.Workflow == "DNA Seq Alignment" && f.Metrics != nil
}

// Warning is a non-fatal condition surfaced alongside a built document.
type Warning string

// Known warnings.
const MultipleDonorsWarning Warning = "fragment has multiple donors; the first is attributed as donorId"

// BuildResult bundles the built document with any warnings raised while
// building it.
type BuildResult struct {
	Document map[string]interface{}
	Warnings []Warning
}

// Build merges dbFile and fragment into a file-centric document.
func Build(dbFile *filemodel.File, fragment *UpstreamFragment) (BuildResult, error) {
	if len(fragment.Donors) == 0 {
		return BuildResult{}, Error.Wrap(ErrNoDonors)
	}

	var warnings []Warning
	if len(fragment.Donors) > 1 {
		warnings = append(warnings, MultipleDonorsWarning)
	}

	doc := map[string]interface{}{}
	for k, v := range fragment.Extra {
		doc[k] = v
	}

	doc["objectId"] = fragment.ObjectID
	doc["studyId"] = fragment.StudyID
	doc["analysis"] = fragment.Analysis
	donors := make([]interface{}, len(fragment.Donors))
	for i, d := range fragment.Donors {
		donors[i] = map[string]interface{}{"donorId": d.DonorID}
	}
	doc["donors"] = donors
	doc["donorId"] = fragment.Donors[0].DonorID

	if fragment.hasAlignmentMetrics() {
		doc["metrics"] = map[string]interface{}(fragment.Metrics)
	}

	doc["fileId"] = dbFile.SurfacedFileID()
	doc["embargoStage"] = string(dbFile.EmbargoStage)
	doc["releaseState"] = string(dbFile.ReleaseState)
	doc["meta"] = map[string]interface{}{
		"embargoStage": string(dbFile.EmbargoStage),
		"releaseState": string(dbFile.ReleaseState),
	}

	return BuildResult{Document: SnakeCaseKeys(doc).(map[string]interface{}), Warnings: warnings}, nil
}

// SnakeCaseKeys recursively converts every camelCase map key (at every
// nesting level, including within slices of maps) to snake_case before
// the document is written to the index, per spec.md §4.4.
func SnakeCaseKeys(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, inner := range val {
			out[camelToSnake(k)] = SnakeCaseKeys(inner)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, inner := range val {
			out[i] = SnakeCaseKeys(inner)
		}
		return out
	default:
		return v
	}
}

// camelToSnake converts a single camelCase identifier to snake_case.
// Consecutive uppercase runs (e.g. an acronym) are treated as one word,
// so "ID" in "objectID" becomes "_id" rather than "_i_d".
func camelToSnake(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			prevLower := i > 0 && !unicode.IsUpper(runes[i-1])
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if i > 0 && (prevLower || nextLower) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
