package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Severity levels used by the review capability.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Rating values for a structure review.
const (
	RatingGood             = "good"
	RatingNeedsImprovement = "needs_improvement"
	RatingPoor             = "poor"
)

// Issue is a single finding.
type Issue struct {
	Line       *LineNumber `json:"line,omitempty"`
	Type       string      `json:"type"`
	Severity   string      `json:"severity"`
	Message    string      `json:"message"`
	Suggestion string      `json:"suggestion"`
}

// LineNumber accepts both 10 and "10" when decoding model output.
type LineNumber int

func (l *LineNumber) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		return nil
	}
	raw = strings.Trim(raw, `"`)
	if raw == "" {
		return nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("line %q is not a number", raw)
	}
	*l = LineNumber(n)
	return nil
}

// StructureReview is the critique of the repository layout.
type StructureReview struct {
	OverallRating   string   `json:"overall_rating"`
	Issues          []Issue  `json:"issues"`
	Strengths       []string `json:"strengths"`
	Recommendations []string `json:"recommendations"`
}

// Summary counts a file's issues by severity.
type Summary struct {
	TotalIssues int `json:"total_issues"`
	Critical    int `json:"critical"`
	Warnings    int `json:"warnings"`
	Info        int `json:"info"`
}

// SummarizeIssues counts issues by severity. Unknown severities count as info.
func SummarizeIssues(issues []Issue) Summary {
	s := Summary{TotalIssues: len(issues)}
	for _, is := range issues {
		switch is.Severity {
		case SeverityCritical:
			s.Critical++
		case SeverityWarning:
			s.Warnings++
		default:
			s.Info++
		}
	}
	return s
}

// FileReview is the critique of one file.
type FileReview struct {
	Filename string  `json:"filename"`
	Issues   []Issue `json:"issues"`
	Summary  Summary `json:"summary"`
}

// FileReviewEntry pairs a path with its review.
type FileReviewEntry struct {
	Path   string
	Review FileReview
}

// FileReviews maps file paths to reviews and remembers insertion order.
// It encodes as a JSON object whose keys appear in processing order.
type FileReviews []FileReviewEntry

// Set replaces the review for path, or appends it if the path is new.
func (f *FileReviews) Set(path string, review FileReview) {
	for i := range *f {
		if (*f)[i].Path == path {
			(*f)[i].Review = review
			return
		}
	}
	*f = append(*f, FileReviewEntry{Path: path, Review: review})
}

// Get returns the review recorded for path.
func (f FileReviews) Get(path string) (FileReview, bool) {
	for _, e := range f {
		if e.Path == path {
			return e.Review, true
		}
	}
	return FileReview{}, false
}

// Paths returns the recorded paths in insertion order.
func (f FileReviews) Paths() []string {
	out := make([]string, 0, len(f))
	for _, e := range f {
		out = append(out, e.Path)
	}
	return out
}

func (f FileReviews) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range f {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(e.Path)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(e.Review)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (f *FileReviews) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*f = nil
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("file_reviews: expected object, got %v", tok)
	}
	out := FileReviews{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("file_reviews: expected string key, got %v", keyTok)
		}
		var review FileReview
		if err := dec.Decode(&review); err != nil {
			return fmt.Errorf("file_reviews[%s]: %w", key, err)
		}
		out.Set(key, review)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*f = out
	return nil
}

// Stats aggregates issue counts across a result.
type Stats struct {
	TotalIssues   int `json:"total_issues"`
	Critical      int `json:"critical"`
	Warnings      int `json:"warnings"`
	Info          int `json:"info"`
	FilesReviewed int `json:"files_reviewed"`
}

// Stats sums file summaries and counts structure issues by severity.
func (r Result) Stats() Stats {
	st := Stats{FilesReviewed: len(r.FileReviews)}
	for _, e := range r.FileReviews {
		st.TotalIssues += e.Review.Summary.TotalIssues
		st.Critical += e.Review.Summary.Critical
		st.Warnings += e.Review.Summary.Warnings
		st.Info += e.Review.Summary.Info
	}
	if r.StructureReview != nil {
		s := SummarizeIssues(r.StructureReview.Issues)
		st.TotalIssues += s.TotalIssues
		st.Critical += s.Critical
		st.Warnings += s.Warnings
		st.Info += s.Info
	}
	return st
}
