package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"git-reviewer/internal/github"
)

// ErrTreeNotFound is returned when no candidate branch resolves to a tree.
var ErrTreeNotFound = errors.New("could not find repository tree")

// Progress bounds of the file review stage.
const (
	fileStageStart = 30
	fileStageSpan  = 60
)

// StageProgress is the progress reported when starting file i of total:
// 30 + floor(i/total*60). It is always in [30, 90) for 0 <= i < total.
func StageProgress(i, total int) int {
	if total <= 0 {
		return fileStageStart
	}
	return fileStageStart + i*fileStageSpan/total
}

// SelectFiles keeps blob entries whose path avoids every excluded segment and ends with a
// reviewable extension, in tree order, stopping after limit entries when limit > 0.
func SelectFiles(entries []github.TreeEntry, extensions, excludedDirs []string, limit int) []github.TreeEntry {
	var out []github.TreeEntry
	for _, e := range entries {
		if e.Type != github.EntryBlob {
			continue
		}
		if containsAny(e.Path, excludedDirs) {
			continue
		}
		if !hasAnySuffix(e.Path, extensions) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// blobPaths lists every file of the tree in tree order.
func blobPaths(tree github.Tree) []string {
	paths := make([]string, 0, len(tree.Entries))
	for _, e := range tree.Entries {
		if e.Type == github.EntryBlob {
			paths = append(paths, e.Path)
		}
	}
	return paths
}

func containsAny(path string, segments []string) bool {
	for _, s := range segments {
		if s != "" && strings.Contains(path, s) {
			return true
		}
	}
	return false
}

func hasAnySuffix(path string, suffixes []string) bool {
	for _, s := range suffixes {
		if s != "" && strings.HasSuffix(path, s) {
			return true
		}
	}
	return false
}

// probeTree tries each candidate branch in order. A not-found answer moves on to the next
// candidate; any other failure aborts immediately.
func probeTree(ctx context.Context, repos RepositoryClient, token string, ref github.Reference, branches []string) (github.Tree, string, error) {
	for _, branch := range branches {
		tree, err := repos.GetTree(ctx, token, ref.Owner, ref.Name, branch)
		if err == nil {
			return tree, branch, nil
		}
		if errors.Is(err, github.ErrNotFound) {
			continue
		}
		return github.Tree{}, "", &TransportError{Err: fmt.Errorf("fetch tree for branch %s: %w", branch, err)}
	}
	return github.Tree{}, "", fmt.Errorf("%w. Tried branches: %s", ErrTreeNotFound, strings.Join(branches, ", "))
}
