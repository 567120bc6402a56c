package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"git-reviewer/internal/config"
	"git-reviewer/internal/github"
	"git-reviewer/internal/models"
	"git-reviewer/internal/store"
)

type memStore struct {
	mu      sync.Mutex
	jobs    map[string]models.Job
	saves   []models.Job
	audits  []string
	saveErr error
}

func newMemStore(jobs ...models.Job) *memStore {
	s := &memStore{jobs: map[string]models.Job{}}
	for _, j := range jobs {
		s.jobs[j.ID] = j
	}
	return s
}

func (s *memStore) ClaimJob(_ context.Context, id, workerID string) (models.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return models.Job{}, false, fmt.Errorf("%w: %s", store.ErrJobNotFound, id)
	}
	if job.Status != models.StatusPending {
		return job, false, nil
	}
	job.Status = models.StatusProcessing
	job.Progress = 0
	job.WorkerID = &workerID
	s.jobs[id] = job
	return job, true, nil
}

func (s *memStore) SaveJob(_ context.Context, job models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	if s.jobs[job.ID].Status != models.StatusProcessing {
		return store.ErrNotProcessing
	}
	// Round trip through JSON so later in-place edits do not leak into the history.
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	var snap models.Job
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	s.jobs[job.ID] = snap
	s.saves = append(s.saves, snap)
	return nil
}

func (s *memStore) AppendAudit(_ context.Context, jobID, event, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, event)
	return nil
}

func (s *memStore) job(id string) models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id]
}

type staticCredentials map[string]string

func (c staticCredentials) OwnerToken(_ context.Context, ownerID string) (string, error) {
	if tok, ok := c[ownerID]; ok {
		return tok, nil
	}
	return "", store.ErrOwnerNotFound
}

type fakeRepos struct {
	mu        sync.Mutex
	trees     map[string]github.Tree
	treeErr   map[string]error
	contents  map[string]string
	blobErr   map[string]error
	treeCalls []string
	blobCalls int
}

func (f *fakeRepos) GetTree(_ context.Context, token, owner, repo, branch string) (github.Tree, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.treeCalls = append(f.treeCalls, branch)
	if err := f.treeErr[branch]; err != nil {
		return github.Tree{}, err
	}
	if tree, ok := f.trees[branch]; ok {
		return tree, nil
	}
	return github.Tree{}, fmt.Errorf("tree %s: %w", branch, github.ErrNotFound)
}

func (f *fakeRepos) GetFileContent(_ context.Context, token, blobURL string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blobCalls++
	if err := f.blobErr[blobURL]; err != nil {
		return "", err
	}
	return f.contents[blobURL], nil
}

// scriptedReviewer answers prompts by matching a substring of the prompt.
type scriptedReviewer struct {
	mu      sync.Mutex
	answer  func(prompt string, call int) (string, error)
	calls   int
	prompts []string
}

func (r *scriptedReviewer) Review(_ context.Context, prompt string) (string, error) {
	r.mu.Lock()
	r.calls++
	call := r.calls
	r.prompts = append(r.prompts, prompt)
	r.mu.Unlock()
	return r.answer(prompt, call)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.ProgressEvent
}

func (p *recordingPublisher) Publish(_ context.Context, jobID string, ev models.ProgressEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) stages() []models.Stage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.Stage, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Status)
	}
	return out
}

const (
	structureOK = `{"overall_rating":"good","issues":[],"strengths":["tidy"],"recommendations":[]}`
)

func fileOK(name string) string {
	return fmt.Sprintf(`{"filename":%q,"issues":[{"line":3,"type":"style","severity":"info","message":"long line","suggestion":"wrap"}],"summary":{"total_issues":1,"critical":0,"warnings":0,"info":1}}`, name)
}

func blob(path string) github.TreeEntry {
	return github.TreeEntry{Path: path, Type: github.EntryBlob, URL: "blob://" + path}
}

func pendingJob(id string) models.Job {
	return models.Job{ID: id, OwnerID: "owner-1", RepositoryReference: "https://github.com/octo/app", Status: models.StatusPending}
}

type harness struct {
	store    *memStore
	repos    *fakeRepos
	reviewer *scriptedReviewer
	pub      *recordingPublisher
	pipeline *Pipeline
}

func newHarness(t *testing.T, job models.Job, repos *fakeRepos, answer func(string, int) (string, error)) *harness {
	t.Helper()
	h := &harness{
		store:    newMemStore(job),
		repos:    repos,
		reviewer: &scriptedReviewer{answer: answer},
		pub:      &recordingPublisher{},
	}
	h.pipeline = NewPipeline(Dependencies{
		Store:       h.store,
		Credentials: staticCredentials{"owner-1": "tok"},
		Repos:       h.repos,
		Reviewer:    h.reviewer,
		Publisher:   h.pub,
	}, Settings{
		MaxFilesToReview:     20,
		MaxContentLength:     5000,
		MaxRetries:           3,
		ReviewableExtensions: config.DefaultReviewableExtensions,
		ExcludedDirs:         config.DefaultExcludedDirs,
		CandidateBranches:    config.DefaultCandidateBranches,
	}, "worker-test")
	return h
}

func happyAnswer(prompt string, _ int) (string, error) {
	if strings.Contains(prompt, "File:") {
		for _, name := range []string{"a.py", "src/b.go", "c.js"} {
			if strings.Contains(prompt, "File: "+name) {
				return fileOK(name), nil
			}
		}
	}
	return structureOK, nil
}

func TestExecuteReviewsOnlySelectedFiles(t *testing.T) {
	repos := &fakeRepos{
		trees: map[string]github.Tree{"main": {Entries: []github.TreeEntry{
			blob("a.py"),
			blob("b.md"),
			blob("node_modules/x.js"),
			{Path: "src", Type: github.EntryTree},
		}}},
		contents: map[string]string{"blob://a.py": "print('hi')\n"},
	}
	h := newHarness(t, pendingJob("job-1"), repos, happyAnswer)

	status, err := h.pipeline.Execute(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, status)

	job := h.store.job("job-1")
	assert.Equal(t, models.StatusCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	assert.Nil(t, job.Error)
	assert.Equal(t, []string{"a.py", "b.md", "node_modules/x.js"}, job.Result.FileTree)
	assert.Equal(t, []string{"a.py"}, job.Result.FileReviews.Paths())
	assert.Equal(t, 1, job.Result.TotalFilesReviewed)
	require.NotNil(t, job.Result.StructureReview)
	assert.Equal(t, "good", job.Result.StructureReview.OverallRating)

	assert.Equal(t, []models.Stage{
		models.StageFetchingFiles,
		models.StageAnalyzingStructure,
		models.StageStructureComplete,
		models.StageReviewingFile,
		models.StageFileComplete,
		models.StageCompleted,
	}, h.pub.stages())
	assert.Equal(t, 1, h.repos.blobCalls)
	assert.Equal(t, 2, h.reviewer.calls)
	assert.Equal(t, []string{"claimed", "completed"}, h.store.audits)
}

func TestExecuteEventProgressValues(t *testing.T) {
	repos := &fakeRepos{
		trees: map[string]github.Tree{"main": {Entries: []github.TreeEntry{blob("a.py"), blob("src/b.go"), blob("c.js")}}},
		contents: map[string]string{
			"blob://a.py": "x", "blob://src/b.go": "y", "blob://c.js": "z",
		},
	}
	h := newHarness(t, pendingJob("job-1"), repos, happyAnswer)

	_, err := h.pipeline.Execute(context.Background(), "job-1")
	require.NoError(t, err)

	var got []int
	for _, ev := range h.pub.events {
		got = append(got, ev.Progress)
		assert.Equal(t, "job-1", ev.JobID)
		assert.False(t, ev.Timestamp.IsZero())
	}
	assert.Equal(t, []int{10, 20, 30, 30, 31, 50, 51, 70, 71, 100}, got)

	reviewing := h.pub.events[5]
	require.Equal(t, models.StageReviewingFile, reviewing.Status)
	assert.Equal(t, "src/b.go", reviewing.CurrentFile)
	require.NotNil(t, reviewing.Completed)
	require.NotNil(t, reviewing.Total)
	assert.Equal(t, 1, *reviewing.Completed)
	assert.Equal(t, 3, *reviewing.Total)

	last := h.pub.events[len(h.pub.events)-1]
	require.NotNil(t, last.TotalFilesReviewed)
	assert.Equal(t, 3, *last.TotalFilesReviewed)
	assert.Equal(t, []string{"a.py", "src/b.go", "c.js"}, h.store.job("job-1").Result.FileReviews.Paths())
}

func TestExecutePersistedProgressIsMonotonic(t *testing.T) {
	var entries []github.TreeEntry
	contents := map[string]string{}
	for i := 0; i < 70; i++ {
		e := blob(fmt.Sprintf("pkg/f%02d.go", i))
		entries = append(entries, e)
		contents[e.URL] = "package pkg"
	}
	repos := &fakeRepos{trees: map[string]github.Tree{"main": {Entries: entries}}, contents: contents}
	h := newHarness(t, pendingJob("job-1"), repos, func(prompt string, _ int) (string, error) {
		if strings.Contains(prompt, "File: ") {
			return `{"filename":"x","issues":[]}`, nil
		}
		return structureOK, nil
	})
	h.pipeline.settings.MaxFilesToReview = 70

	status, err := h.pipeline.Execute(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, status)

	prev := 0
	for i, saved := range h.store.saves {
		assert.GreaterOrEqual(t, saved.Progress, prev, "save %d", i)
		if saved.Progress == 100 {
			assert.Equal(t, models.StatusCompleted, saved.Status)
		} else {
			assert.Equal(t, models.StatusProcessing, saved.Status)
		}
		prev = saved.Progress
	}
	assert.Equal(t, 70, h.store.job("job-1").Result.TotalFilesReviewed)
}

func TestExecuteProbesBranchesInOrder(t *testing.T) {
	repos := &fakeRepos{
		trees:    map[string]github.Tree{"master": {Entries: []github.TreeEntry{blob("main.go")}}},
		contents: map[string]string{"blob://main.go": "package main"},
	}
	h := newHarness(t, pendingJob("job-1"), repos, func(prompt string, _ int) (string, error) {
		if strings.Contains(prompt, "File: ") {
			return fileOK("main.go"), nil
		}
		return structureOK, nil
	})

	status, err := h.pipeline.Execute(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, status)
	assert.Equal(t, []string{"main", "master"}, repos.treeCalls)
}

func TestExecuteFailsWhenNoBranchResolves(t *testing.T) {
	repos := &fakeRepos{}
	h := newHarness(t, pendingJob("job-1"), repos, happyAnswer)

	status, err := h.pipeline.Execute(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, status)

	job := h.store.job("job-1")
	require.NotNil(t, job.Error)
	assert.Equal(t, "could not find repository tree. Tried branches: main, master, develop, dev", *job.Error)
	assert.Equal(t, 10, job.Progress)
	assert.Equal(t, []string{"main", "master", "develop", "dev"}, repos.treeCalls)
	assert.Zero(t, h.reviewer.calls)

	stages := h.pub.stages()
	assert.Equal(t, models.StageFailed, stages[len(stages)-1])
	assert.Equal(t, *job.Error, h.pub.events[len(h.pub.events)-1].Error)
}

func TestExecuteAbortsProbeOnTransportError(t *testing.T) {
	repos := &fakeRepos{treeErr: map[string]error{"main": &github.StatusError{Op: "get tree", StatusCode: 500}}}
	h := newHarness(t, pendingJob("job-1"), repos, happyAnswer)

	status, err := h.pipeline.Execute(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, status)
	assert.Equal(t, []string{"main"}, repos.treeCalls)

	job := h.store.job("job-1")
	require.NotNil(t, job.Error)
	assert.True(t, strings.HasPrefix(*job.Error, "Failed to fetch repository data:"), *job.Error)
}

func TestExecuteAbortsProbeOnForbiddenBranch(t *testing.T) {
	repos := &fakeRepos{treeErr: map[string]error{"develop": &github.StatusError{Op: "get tree", StatusCode: 403}}}
	h := newHarness(t, pendingJob("job-1"), repos, happyAnswer)

	status, err := h.pipeline.Execute(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, status)
	assert.Equal(t, []string{"main", "master", "develop"}, repos.treeCalls)
	assert.Zero(t, h.reviewer.calls)

	job := h.store.job("job-1")
	require.NotNil(t, job.Error)
	assert.Contains(t, *job.Error, "Failed to fetch repository data:")
	assert.Contains(t, *job.Error, "status 403")
}

func TestExecuteRejectsInvalidReference(t *testing.T) {
	job := pendingJob("job-1")
	job.RepositoryReference = "not a repository"
	repos := &fakeRepos{}
	h := newHarness(t, job, repos, happyAnswer)

	status, err := h.pipeline.Execute(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, status)
	assert.Empty(t, repos.treeCalls)
	assert.Zero(t, h.reviewer.calls)

	stored := h.store.job("job-1")
	require.NotNil(t, stored.Error)
	assert.Equal(t, "Invalid repository URL: not a repository", *stored.Error)
	assert.Equal(t, []models.Stage{models.StageFailed}, h.pub.stages())
}

func TestExecuteUsesDefaultStructureAfterExhaustion(t *testing.T) {
	repos := &fakeRepos{
		trees:    map[string]github.Tree{"main": {Entries: []github.TreeEntry{blob("a.py")}}},
		contents: map[string]string{"blob://a.py": "x"},
	}
	structureCalls := 0
	h := newHarness(t, pendingJob("job-1"), repos, func(prompt string, _ int) (string, error) {
		if strings.Contains(prompt, "File: ") {
			return fileOK("a.py"), nil
		}
		structureCalls++
		return "", errors.New("upstream unavailable")
	})

	status, err := h.pipeline.Execute(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, status)
	assert.Equal(t, 3, structureCalls)

	job := h.store.job("job-1")
	require.NotNil(t, job.Result.StructureReview)
	assert.Equal(t, models.RatingNeedsImprovement, job.Result.StructureReview.OverallRating)
	assert.Equal(t, []string{"Unable to complete full analysis"}, job.Result.StructureReview.Recommendations)
	assert.Equal(t, 1, job.Result.TotalFilesReviewed)
}

func TestExecuteIsolatesFileFailures(t *testing.T) {
	repos := &fakeRepos{
		trees: map[string]github.Tree{"main": {Entries: []github.TreeEntry{
			blob("a.py"), blob("broken.py"), blob("garbled.py"), blob("gone.py"), blob("c.js"),
		}}},
		contents: map[string]string{
			"blob://a.py": "a", "blob://broken.py": "b", "blob://garbled.py": "g", "blob://c.js": "c",
		},
		blobErr: map[string]error{"blob://gone.py": &github.StatusError{Op: "get blob", StatusCode: 502}},
	}
	h := newHarness(t, pendingJob("job-1"), repos, func(prompt string, _ int) (string, error) {
		switch {
		case strings.Contains(prompt, "File: broken.py"):
			return "", errors.New("rate limited")
		case strings.Contains(prompt, "File: garbled.py"):
			return "this is not json", nil
		case strings.Contains(prompt, "File: a.py"):
			return fileOK("a.py"), nil
		case strings.Contains(prompt, "File: c.js"):
			return fileOK("c.js"), nil
		}
		return structureOK, nil
	})

	status, err := h.pipeline.Execute(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, status)

	job := h.store.job("job-1")
	assert.Equal(t, []string{"a.py", "broken.py", "garbled.py", "c.js"}, job.Result.FileReviews.Paths())
	assert.Equal(t, 4, job.Result.TotalFilesReviewed)

	broken, ok := job.Result.FileReviews.Get("broken.py")
	require.True(t, ok)
	require.Len(t, broken.Issues, 1)
	assert.Equal(t, "Review failed: rate limited", broken.Issues[0].Message)
	assert.Equal(t, models.SeverityWarning, broken.Issues[0].Severity)
	assert.Equal(t, "Manual review recommended", broken.Issues[0].Suggestion)

	garbled, ok := job.Result.FileReviews.Get("garbled.py")
	require.True(t, ok)
	assert.Empty(t, garbled.Issues)
	assert.Equal(t, models.Summary{}, garbled.Summary)

	// Each failing file consumed exactly its retry budget.
	perFile := map[string]int{}
	for _, p := range h.reviewer.prompts {
		for _, name := range []string{"broken.py", "garbled.py"} {
			if strings.Contains(p, "File: "+name) {
				perFile[name]++
			}
		}
	}
	assert.Equal(t, map[string]int{"broken.py": 3, "garbled.py": 3}, perFile)
}

func TestExecuteTruncatesLongContent(t *testing.T) {
	repos := &fakeRepos{
		trees:    map[string]github.Tree{"main": {Entries: []github.TreeEntry{blob("a.py")}}},
		contents: map[string]string{"blob://a.py": strings.Repeat("x", 100) + "TAIL"},
	}
	h := newHarness(t, pendingJob("job-1"), repos, happyAnswer)
	h.pipeline.settings.MaxContentLength = 100

	_, err := h.pipeline.Execute(context.Background(), "job-1")
	require.NoError(t, err)

	var filePrompt string
	for _, p := range h.reviewer.prompts {
		if strings.Contains(p, "File: a.py") {
			filePrompt = p
		}
	}
	require.NotEmpty(t, filePrompt)
	assert.Contains(t, filePrompt, strings.Repeat("x", 100))
	assert.NotContains(t, filePrompt, "TAIL")
}

func TestExecuteSkipsJobThatIsNotPending(t *testing.T) {
	job := pendingJob("job-1")
	job.Status = models.StatusCompleted
	job.Progress = 100
	repos := &fakeRepos{}
	h := newHarness(t, job, repos, happyAnswer)

	status, err := h.pipeline.Execute(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, status)
	assert.Empty(t, repos.treeCalls)
	assert.Empty(t, h.pub.events)
	assert.Empty(t, h.store.saves)
}

func TestExecuteUnknownJob(t *testing.T) {
	h := newHarness(t, pendingJob("job-1"), &fakeRepos{}, happyAnswer)

	_, err := h.pipeline.Execute(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrJobNotFound)
}

func TestExecuteFailsWithoutCredential(t *testing.T) {
	job := pendingJob("job-1")
	job.OwnerID = "stranger"
	repos := &fakeRepos{}
	h := newHarness(t, job, repos, happyAnswer)

	status, err := h.pipeline.Execute(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, status)
	assert.Empty(t, repos.treeCalls)
	require.NotNil(t, h.store.job("job-1").Error)
	assert.Equal(t, "No repository credential for owner stranger", *h.store.job("job-1").Error)
}

func TestExecuteFallsBackToConfiguredToken(t *testing.T) {
	job := pendingJob("job-1")
	job.OwnerID = "stranger"
	repos := &fakeRepos{trees: map[string]github.Tree{"main": {}}}
	h := newHarness(t, job, repos, happyAnswer)
	h.pipeline.settings.FallbackToken = "service-token"

	status, err := h.pipeline.Execute(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, status)
	assert.Zero(t, h.store.job("job-1").Result.TotalFilesReviewed)
}

func TestExecuteRecoversPanics(t *testing.T) {
	repos := &fakeRepos{trees: map[string]github.Tree{"main": {Entries: []github.TreeEntry{blob("a.py")}}}}
	core, logs := observer.New(zap.ErrorLevel)
	h := newHarness(t, pendingJob("job-1"), repos, func(string, int) (string, error) {
		panic("boom")
	})
	h.pipeline.logger = zap.New(core)

	status, err := h.pipeline.Execute(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, status)
	require.NotNil(t, h.store.job("job-1").Error)
	assert.Equal(t, "An unexpected error occurred", *h.store.job("job-1").Error)
	assert.Equal(t, 1, logs.FilterMessage("pipeline panicked").Len())
}

func TestExecuteFailsOnCancellation(t *testing.T) {
	repos := &fakeRepos{
		trees:    map[string]github.Tree{"main": {Entries: []github.TreeEntry{blob("a.py"), blob("c.js")}}},
		contents: map[string]string{"blob://a.py": "a", "blob://c.js": "c"},
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := newHarness(t, pendingJob("job-1"), repos, func(prompt string, _ int) (string, error) {
		if strings.Contains(prompt, "File: a.py") {
			cancel()
			return fileOK("a.py"), nil
		}
		return structureOK, nil
	})

	status, err := h.pipeline.Execute(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, status)

	job := h.store.job("job-1")
	assert.Equal(t, models.StatusFailed, job.Status)
	assert.Equal(t, []string{"a.py"}, job.Result.FileReviews.Paths())
	assert.Equal(t, models.StageFailed, h.pub.stages()[len(h.pub.events)-1])
}

func TestExecuteFailsWhenPersistenceFails(t *testing.T) {
	repos := &fakeRepos{trees: map[string]github.Tree{"main": {}}}
	h := newHarness(t, pendingJob("job-1"), repos, happyAnswer)
	h.store.saveErr = errors.New("connection reset")

	status, err := h.pipeline.Execute(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, status)
	assert.Empty(t, repos.treeCalls)
	assert.Equal(t, []string{"claimed", "failed"}, h.store.audits)
}
