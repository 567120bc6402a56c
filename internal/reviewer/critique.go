package reviewer

import (
	"encoding/json"
	"fmt"
	"strings"

	"git-reviewer/internal/models"
)

// ParseErrorKind classifies why a response could not be used.
type ParseErrorKind string

const (
	KindMalformed    ParseErrorKind = "malformed"
	KindMissingField ParseErrorKind = "missing_field"
)

// ParseError is returned when a model response is not valid JSON or lacks required fields.
type ParseError struct {
	Kind  ParseErrorKind
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	if e.Kind == KindMissingField {
		return fmt.Sprintf("review response missing required field %q", e.Field)
	}
	return fmt.Sprintf("review response is not valid JSON: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

type rawStructureReview struct {
	OverallRating   *string         `json:"overall_rating"`
	Issues          *[]models.Issue `json:"issues"`
	Strengths       []string        `json:"strengths"`
	Recommendations []string        `json:"recommendations"`
}

type rawFileReview struct {
	Filename *string         `json:"filename"`
	Issues   *[]models.Issue `json:"issues"`
	Summary  *models.Summary `json:"summary"`
}

// ParseStructureReview validates a structure critique. overall_rating and issues are required.
func ParseStructureReview(text string) (models.StructureReview, error) {
	var raw rawStructureReview
	if err := decode(text, &raw); err != nil {
		return models.StructureReview{}, err
	}
	if raw.OverallRating == nil {
		return models.StructureReview{}, &ParseError{Kind: KindMissingField, Field: "overall_rating"}
	}
	if raw.Issues == nil {
		return models.StructureReview{}, &ParseError{Kind: KindMissingField, Field: "issues"}
	}
	return models.StructureReview{
		OverallRating:   *raw.OverallRating,
		Issues:          nonNilIssues(*raw.Issues),
		Strengths:       nonNilStrings(raw.Strengths),
		Recommendations: nonNilStrings(raw.Recommendations),
	}, nil
}

// ParseFileReview validates a file critique. filename and issues are required; a missing
// summary is computed from the issues.
func ParseFileReview(text string) (models.FileReview, error) {
	var raw rawFileReview
	if err := decode(text, &raw); err != nil {
		return models.FileReview{}, err
	}
	if raw.Filename == nil {
		return models.FileReview{}, &ParseError{Kind: KindMissingField, Field: "filename"}
	}
	if raw.Issues == nil {
		return models.FileReview{}, &ParseError{Kind: KindMissingField, Field: "issues"}
	}
	review := models.FileReview{
		Filename: *raw.Filename,
		Issues:   nonNilIssues(*raw.Issues),
	}
	if raw.Summary != nil {
		review.Summary = *raw.Summary
	} else {
		review.Summary = models.SummarizeIssues(review.Issues)
	}
	return review, nil
}

// DefaultStructureReview is recorded when every structure attempt failed.
func DefaultStructureReview() models.StructureReview {
	return models.StructureReview{
		OverallRating:   models.RatingNeedsImprovement,
		Issues:          []models.Issue{},
		Strengths:       []string{},
		Recommendations: []string{"Unable to complete full analysis"},
	}
}

// EmptyFileReview is recorded when every attempt returned unusable output.
func EmptyFileReview(path string) models.FileReview {
	return models.FileReview{
		Filename: path,
		Issues:   []models.Issue{},
		Summary:  models.Summary{},
	}
}

// DegradedFileReview is recorded when the capability kept failing for path.
func DegradedFileReview(path string, cause error) models.FileReview {
	issues := []models.Issue{{
		Type:       "bug",
		Severity:   models.SeverityWarning,
		Message:    fmt.Sprintf("Review failed: %v", cause),
		Suggestion: "Manual review recommended",
	}}
	return models.FileReview{
		Filename: path,
		Issues:   issues,
		Summary:  models.SummarizeIssues(issues),
	}
}

func decode(text string, out any) error {
	body := stripFences(text)
	if body == "" {
		return &ParseError{Kind: KindMalformed, Err: fmt.Errorf("empty response")}
	}
	if err := json.Unmarshal([]byte(body), out); err != nil {
		return &ParseError{Kind: KindMalformed, Err: err}
	}
	return nil
}

// stripFences removes a surrounding markdown code fence some models add despite JSON mode.
func stripFences(text string) string {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = strings.TrimPrefix(s, "json")
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func nonNilIssues(in []models.Issue) []models.Issue {
	if in == nil {
		return []models.Issue{}
	}
	return in
}

func nonNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
