package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"git-reviewer/internal/archive"
	"git-reviewer/internal/config"
	"git-reviewer/internal/github"
	"git-reviewer/internal/models"
	"git-reviewer/internal/reviewer"
	"git-reviewer/internal/store"
	"git-reviewer/internal/telemetry"
)

// JobStore is the durable record of review jobs.
type JobStore interface {
	ClaimJob(ctx context.Context, id, workerID string) (models.Job, bool, error)
	SaveJob(ctx context.Context, job models.Job) error
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// Credentials resolves the repository host token of a job owner.
type Credentials interface {
	OwnerToken(ctx context.Context, ownerID string) (string, error)
}

// RepositoryClient reads trees and blobs from the repository host.
type RepositoryClient interface {
	GetTree(ctx context.Context, token, owner, repo, branch string) (github.Tree, error)
	GetFileContent(ctx context.Context, token, blobURL string) (string, error)
}

// ReviewCapability turns a prompt into a JSON critique, as text.
type ReviewCapability interface {
	Review(ctx context.Context, prompt string) (string, error)
}

// Publisher broadcasts progress events. It must not block the pipeline on failure.
type Publisher interface {
	Publish(ctx context.Context, jobID string, ev models.ProgressEvent)
}

// Settings tune one pipeline execution.
type Settings struct {
	MaxFilesToReview     int
	MaxContentLength     int
	MaxRetries           int
	RetryDelay           time.Duration
	ReviewableExtensions []string
	ExcludedDirs         []string
	CandidateBranches    []string
	// FallbackToken is used for owners without a stored credential.
	FallbackToken string
}

// SettingsFromConfig copies the pipeline knobs out of cfg.
func SettingsFromConfig(cfg config.Config) Settings {
	return Settings{
		MaxFilesToReview:     cfg.MaxFilesToReview,
		MaxContentLength:     cfg.MaxContentLength,
		MaxRetries:           cfg.MaxRetries,
		RetryDelay:           cfg.RetryDelay,
		ReviewableExtensions: cfg.ReviewableExtensions,
		ExcludedDirs:         cfg.ExcludedDirs,
		CandidateBranches:    cfg.CandidateBranches,
		FallbackToken:        cfg.GitHubToken,
	}
}

// Dependencies are the collaborators of a Pipeline. Archiver and Credentials are optional.
type Dependencies struct {
	Store       JobStore
	Credentials Credentials
	Repos       RepositoryClient
	Reviewer    ReviewCapability
	Publisher   Publisher
	Archiver    archive.Archiver
	Logger      *zap.Logger
}

// Pipeline executes review jobs end to end.
type Pipeline struct {
	deps     Dependencies
	settings Settings
	workerID string
	logger   *zap.Logger
}

// NewPipeline wires a pipeline.
func NewPipeline(deps Dependencies, settings Settings, workerID string) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(settings.CandidateBranches) == 0 {
		settings.CandidateBranches = config.DefaultCandidateBranches
	}
	if settings.MaxRetries < 1 {
		settings.MaxRetries = 1
	}
	return &Pipeline{
		deps:     deps,
		settings: settings,
		workerID: workerID,
		logger:   logger.Named("pipeline"),
	}
}

// Execute claims jobID and runs it to a terminal status. The returned error covers only
// failures to claim; job level failures are recorded on the job and reported via the status.
// A job that is not pending is left untouched.
func (p *Pipeline) Execute(ctx context.Context, jobID string) (models.Status, error) {
	job, claimed, err := p.deps.Store.ClaimJob(ctx, jobID, p.workerID)
	if err != nil {
		return "", fmt.Errorf("claim job %s: %w", jobID, err)
	}
	log := p.logger.With(zap.String("job_id", jobID))
	if !claimed {
		log.Info("skipping job that is not pending", zap.String("status", string(job.Status)))
		return job.Status, nil
	}
	p.audit(ctx, jobID, "claimed", "worker="+p.workerID)

	run := &execution{
		p:   p,
		job: job,
		log: log.With(zap.String("repository", job.RepositoryReference)),
	}
	start := time.Now()
	status := run.execute(ctx)

	telemetry.JobDuration.WithLabelValues(string(status)).Observe(time.Since(start).Seconds())
	if status == models.StatusCompleted {
		telemetry.JobsCompleted.Inc()
	} else {
		telemetry.JobsFailed.Inc()
	}
	return status, nil
}

func (p *Pipeline) audit(ctx context.Context, jobID, event, detail string) {
	if err := p.deps.Store.AppendAudit(context.WithoutCancel(ctx), jobID, event, detail); err != nil {
		p.logger.Warn("append audit failed", zap.String("job_id", jobID), zap.String("event", event), zap.Error(err))
	}
}

func (p *Pipeline) token(ctx context.Context, ownerID string) (string, error) {
	if p.deps.Credentials != nil {
		tok, err := p.deps.Credentials.OwnerToken(ctx, ownerID)
		switch {
		case err == nil && tok != "":
			return tok, nil
		case err != nil && !errors.Is(err, store.ErrOwnerNotFound):
			return "", fmt.Errorf("load owner credential: %w", err)
		}
	}
	if p.settings.FallbackToken != "" {
		return p.settings.FallbackToken, nil
	}
	return "", &InputError{Msg: fmt.Sprintf("No repository credential for owner %s", ownerID)}
}

// execution is the state of one claimed job.
type execution struct {
	p   *Pipeline
	job models.Job
	log *zap.Logger
}

func (r *execution) execute(ctx context.Context) (status models.Status) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("pipeline panicked", zap.Any("panic", rec), zap.Stack("stack"))
			r.fail(ctx, fmt.Errorf("%w: %v", errPanic, rec))
			status = models.StatusFailed
		}
	}()

	if err := r.run(ctx); err != nil {
		r.fail(ctx, err)
		return models.StatusFailed
	}
	return models.StatusCompleted
}

func (r *execution) run(ctx context.Context) error {
	settings := r.p.settings

	ref, err := github.ParseReference(r.job.RepositoryReference)
	if err != nil {
		return &InputError{Msg: fmt.Sprintf("Invalid repository URL: %s", r.job.RepositoryReference)}
	}
	token, err := r.p.token(ctx, r.job.OwnerID)
	if err != nil {
		return err
	}

	r.log.Info("starting review")
	r.emit(ctx, models.ProgressEvent{Status: models.StageFetchingFiles}, 10)
	if err := r.persist(ctx); err != nil {
		return err
	}

	tree, branch, err := probeTree(ctx, r.p.deps.Repos, token, ref, settings.CandidateBranches)
	if err != nil {
		return err
	}
	r.log.Info("fetched repository tree", zap.String("branch", branch), zap.Int("entries", len(tree.Entries)), zap.Bool("truncated", tree.Truncated))

	r.job.Result.FileTree = blobPaths(tree)
	fileTree := strings.Join(r.job.Result.FileTree, "\n")
	r.emit(ctx, models.ProgressEvent{Status: models.StageAnalyzingStructure, FileTree: &fileTree}, 20)
	if err := r.persist(ctx); err != nil {
		return err
	}

	structure := r.reviewStructure(ctx, fileTree)
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("review interrupted: %w", err)
	}
	r.job.Result.StructureReview = &structure
	r.emit(ctx, models.ProgressEvent{Status: models.StageStructureComplete, StructureReview: &structure}, 30)
	if err := r.persist(ctx); err != nil {
		return err
	}

	selected := SelectFiles(tree.Entries, settings.ReviewableExtensions, settings.ExcludedDirs, settings.MaxFilesToReview)
	total := len(selected)
	for i, entry := range selected {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("review interrupted: %w", err)
		}
		progress := StageProgress(i, total)
		completed := i
		r.emit(ctx, models.ProgressEvent{
			Status:      models.StageReviewingFile,
			CurrentFile: entry.Path,
			Completed:   &completed,
			Total:       &total,
		}, progress)

		review, ok := r.reviewFile(ctx, token, entry)
		if !ok {
			continue
		}
		r.job.Result.FileReviews.Set(entry.Path, review)
		r.job.Result.TotalFilesReviewed = len(r.job.Result.FileReviews)

		r.emit(ctx, models.ProgressEvent{Status: models.StageFileComplete, FileReview: &review}, progress+1)
		if err := r.persist(ctx); err != nil {
			return err
		}
	}

	return r.complete(ctx)
}

func (r *execution) complete(ctx context.Context) error {
	done := r.job
	done.Status = models.StatusCompleted
	done.Progress = 100
	done.Error = nil
	if err := r.p.deps.Store.SaveJob(ctx, done); err != nil {
		return fmt.Errorf("persist completed job: %w", err)
	}
	r.job = done

	reviewed := done.Result.TotalFilesReviewed
	r.publish(ctx, models.ProgressEvent{Status: models.StageCompleted, Progress: 100, TotalFilesReviewed: &reviewed})
	r.log.Info("review completed", zap.Int("files_reviewed", reviewed))
	r.p.audit(ctx, done.ID, "completed", fmt.Sprintf("files_reviewed=%d", reviewed))

	if r.p.deps.Archiver != nil {
		if location, err := r.p.deps.Archiver.Archive(ctx, done); err != nil {
			r.log.Warn("archive report failed", zap.Error(err))
		} else {
			r.log.Debug("archived report", zap.String("location", location))
		}
	}
	return nil
}

// fail records the terminal failure. It runs detached from ctx cancellation so that a job
// interrupted by shutdown is not left processing.
func (r *execution) fail(ctx context.Context, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	msg := failureMessage(cause)
	r.log.Error("review failed", zap.Error(cause))

	r.job.Status = models.StatusFailed
	r.job.Error = &msg
	if err := r.p.deps.Store.SaveJob(ctx, r.job); err != nil {
		r.log.Error("persist failed job", zap.Error(err))
	}
	r.publish(ctx, models.ProgressEvent{Status: models.StageFailed, Progress: r.job.Progress, Error: msg})
	r.p.audit(ctx, r.job.ID, "failed", msg)
}

// emit raises the job's progress to at least progress and publishes ev with it.
func (r *execution) emit(ctx context.Context, ev models.ProgressEvent, progress int) {
	if progress > r.job.Progress {
		r.job.Progress = progress
	}
	ev.Progress = r.job.Progress
	r.publish(ctx, ev)
}

func (r *execution) publish(ctx context.Context, ev models.ProgressEvent) {
	ev.JobID = r.job.ID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	r.p.deps.Publisher.Publish(ctx, r.job.ID, ev)
}

func (r *execution) persist(ctx context.Context) error {
	if err := r.p.deps.Store.SaveJob(ctx, r.job); err != nil {
		return fmt.Errorf("persist progress %d: %w", r.job.Progress, err)
	}
	return nil
}

func (r *execution) reviewStructure(ctx context.Context, fileTree string) models.StructureReview {
	prompt := reviewer.StructurePrompt(fileTree)
	out := reviewer.Retry(ctx, r.p.settings.MaxRetries, r.p.settings.RetryDelay,
		r.attemptHook("structure", r.log),
		func(ctx context.Context) (models.StructureReview, error) {
			text, err := r.p.deps.Reviewer.Review(ctx, prompt)
			if err != nil {
				return models.StructureReview{}, err
			}
			return reviewer.ParseStructureReview(text)
		})
	if out.Succeeded() {
		telemetry.ReviewAttempts.WithLabelValues("structure", "ok").Inc()
		return out.Value
	}
	telemetry.ReviewFallbacks.WithLabelValues("structure").Inc()
	r.log.Warn("structure analysis exhausted retries, using default", zap.Int("attempts", out.Attempts), zap.Error(out.Err))
	return reviewer.DefaultStructureReview()
}

// reviewFile returns false when the file must be left out of the result.
func (r *execution) reviewFile(ctx context.Context, token string, entry github.TreeEntry) (models.FileReview, bool) {
	log := r.log.With(zap.String("file", entry.Path))

	content, err := r.p.deps.Repos.GetFileContent(ctx, token, entry.URL)
	if err != nil {
		telemetry.FileOutcomes.WithLabelValues("skipped").Inc()
		log.Warn("skipping file, content fetch failed", zap.Error(err))
		return models.FileReview{}, false
	}
	content, truncated := reviewer.Truncate(content, r.p.settings.MaxContentLength)
	if truncated {
		log.Debug("content truncated before review", zap.Int("limit", r.p.settings.MaxContentLength))
	}

	prompt := reviewer.FilePrompt(entry.Path, content)
	out := reviewer.Retry(ctx, r.p.settings.MaxRetries, r.p.settings.RetryDelay,
		r.attemptHook("file", log),
		func(ctx context.Context) (models.FileReview, error) {
			text, err := r.p.deps.Reviewer.Review(ctx, prompt)
			if err != nil {
				return models.FileReview{}, err
			}
			return reviewer.ParseFileReview(text)
		})
	if out.Succeeded() {
		telemetry.ReviewAttempts.WithLabelValues("file", "ok").Inc()
		telemetry.FileOutcomes.WithLabelValues("reviewed").Inc()
		return out.Value, true
	}

	telemetry.ReviewFallbacks.WithLabelValues("file").Inc()
	telemetry.FileOutcomes.WithLabelValues("degraded").Inc()
	log.Warn("file review exhausted retries", zap.Int("attempts", out.Attempts), zap.Error(out.Err))
	var parseErr *reviewer.ParseError
	if errors.As(out.Err, &parseErr) {
		return reviewer.EmptyFileReview(entry.Path), true
	}
	return reviewer.DegradedFileReview(entry.Path, out.Err), true
}

func (r *execution) attemptHook(kind string, log *zap.Logger) reviewer.AttemptHook {
	return func(attempt int, err error) {
		result := "error"
		var parseErr *reviewer.ParseError
		if errors.As(err, &parseErr) {
			result = "malformed"
		}
		telemetry.ReviewAttempts.WithLabelValues(kind, result).Inc()
		log.Warn("review attempt failed", zap.String("kind", kind), zap.Int("attempt", attempt), zap.Error(err))
	}
}
