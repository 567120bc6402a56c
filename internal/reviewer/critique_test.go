package reviewer

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git-reviewer/internal/models"
)

func TestParseStructureReview(t *testing.T) {
	review, err := ParseStructureReview(`{"overall_rating":"good","issues":[{"type":"naming","severity":"info","message":"m","suggestion":"s"}]}`)
	require.NoError(t, err)
	assert.Equal(t, models.RatingGood, review.OverallRating)
	assert.Len(t, review.Issues, 1)
	assert.NotNil(t, review.Strengths)
	assert.NotNil(t, review.Recommendations)
}

func TestParseStructureReviewMissingFields(t *testing.T) {
	_, err := ParseStructureReview(`{"issues":[]}`)
	var perr *ParseError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, KindMissingField, perr.Kind)
	assert.Equal(t, "overall_rating", perr.Field)

	_, err = ParseStructureReview(`{"overall_rating":"poor"}`)
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "issues", perr.Field)

	_, err = ParseStructureReview(`{"overall_rating":"poor","issues":null}`)
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "issues", perr.Field)
}

func TestParseMalformed(t *testing.T) {
	for _, text := range []string{"", "not json", `{"filename": "a.py", "issues": [`, `{"filename":"a.py","issues":[{"line":"top"}]}`} {
		_, err := ParseFileReview(text)
		var perr *ParseError
		require.True(t, errors.As(err, &perr), text)
		assert.Equal(t, KindMalformed, perr.Kind, text)
	}
}

func TestParseFileReviewStripsFencesAndFillsSummary(t *testing.T) {
	text := "```json\n{\"filename\":\"a.py\",\"issues\":[{\"line\":3,\"type\":\"bug\",\"severity\":\"critical\",\"message\":\"m\",\"suggestion\":\"s\"},{\"type\":\"style\",\"severity\":\"info\",\"message\":\"m\",\"suggestion\":\"s\"}]}\n```"

	review, err := ParseFileReview(text)
	require.NoError(t, err)
	assert.Equal(t, "a.py", review.Filename)
	require.Len(t, review.Issues, 2)
	require.NotNil(t, review.Issues[0].Line)
	assert.Equal(t, models.LineNumber(3), *review.Issues[0].Line)
	assert.Equal(t, models.Summary{TotalIssues: 2, Critical: 1, Info: 1}, review.Summary)
}

func TestParseFileReviewKeepsReportedSummary(t *testing.T) {
	review, err := ParseFileReview(`{"filename":"a.py","issues":[],"summary":{"total_issues":0,"critical":0,"warnings":0,"info":0}}`)
	require.NoError(t, err)
	assert.Empty(t, review.Issues)
	assert.Equal(t, models.Summary{}, review.Summary)
}

func TestFallbackReviews(t *testing.T) {
	def := DefaultStructureReview()
	assert.Equal(t, models.RatingNeedsImprovement, def.OverallRating)
	assert.Empty(t, def.Issues)
	assert.Equal(t, []string{"Unable to complete full analysis"}, def.Recommendations)

	degraded := DegradedFileReview("a.py", errors.New("boom"))
	require.Len(t, degraded.Issues, 1)
	assert.Equal(t, "Review failed: boom", degraded.Issues[0].Message)
	assert.Equal(t, models.Summary{TotalIssues: 1, Warnings: 1}, degraded.Summary)

	empty := EmptyFileReview("a.py")
	assert.Empty(t, empty.Issues)
	assert.Equal(t, "a.py", empty.Filename)
}

func TestPrompts(t *testing.T) {
	p := FilePrompt("src/a.py", "print(1)")
	assert.Contains(t, p, "File: src/a.py")
	assert.Contains(t, p, `"filename": "src/a.py"`)
	assert.Contains(t, p, "print(1)")

	s := StructurePrompt("a.py\nb.md")
	assert.Contains(t, s, "File Structure:\na.py\nb.md\n")
	assert.Contains(t, s, `"overall_rating"`)
}

func TestTruncate(t *testing.T) {
	out, cut := Truncate("héllo", 3)
	assert.True(t, cut)
	assert.Equal(t, "hél", out)

	out, cut = Truncate("abc", 3)
	assert.False(t, cut)
	assert.Equal(t, "abc", out)

	out, cut = Truncate("abc", 0)
	assert.False(t, cut)
	assert.Equal(t, "abc", out)
}
