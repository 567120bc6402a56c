package archive

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git-reviewer/internal/config"
	"git-reviewer/internal/models"
)

func TestLocalArchive(t *testing.T) {
	dir := t.TempDir()
	var reviews models.FileReviews
	reviews.Set("a.py", models.FileReview{Filename: "a.py", Issues: []models.Issue{}, Summary: models.Summary{TotalIssues: 2, Warnings: 2}})
	job := models.Job{
		ID:                  "job-1",
		OwnerID:             "owner-1",
		RepositoryReference: "octo/app",
		Status:              models.StatusCompleted,
		Progress:            100,
		Result:              models.Result{FileTree: []string{"a.py"}, FileReviews: reviews, TotalFilesReviewed: 1},
	}

	path, err := NewLocal(dir).Archive(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "reviews", "job-1.json"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var report Report
	require.NoError(t, json.Unmarshal(data, &report))
	assert.Equal(t, "octo/app", report.RepositoryReference)
	assert.Equal(t, 1, report.Result.TotalFilesReviewed)
	assert.Equal(t, 2, report.Stats.Warnings)
}

func TestNewSelectsArchiver(t *testing.T) {
	a, err := New(context.Background(), config.Config{})
	require.NoError(t, err)
	assert.Nil(t, a)

	a, err = New(context.Background(), config.Config{ArchiveDir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &Local{}, a)
}
