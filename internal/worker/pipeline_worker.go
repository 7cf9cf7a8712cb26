package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/gameview/processing/internal/client"
	"github.com/gameview/processing/internal/config"
	"github.com/gameview/processing/internal/model"
	"github.com/gameview/processing/internal/service"
	"github.com/gameview/processing/internal/store"
)

const (
	stderrTailSize = 4 << 10
	// cliWaitDelay bounds how long Wait blocks on output pipes held open
	// by children of a killed CLI.
	cliWaitDelay = 2 * time.Second
	// A task can arrive before the dispatcher records the handoff; the job
	// is still Queued for that window.
	handoffWait = 10 * time.Second
	handoffPoll = 100 * time.Millisecond
)

// errJobFinished means another writer (cancel, reaper) closed the job while
// this attempt was running. Nothing is written for the attempt.
var errJobFinished = errors.New("job finished elsewhere")

// errHandoffPending is retryable: the job never left Queued within
// handoffWait.
var errHandoffPending = errors.New("job not yet handed to the legacy worker")

// PipelineWorker runs legacy tasks: download the inputs, run the
// reconstruction CLI, upload the artifacts and complete the job.
type PipelineWorker struct {
	cfg        *config.LegacyConfig
	store      store.Store
	storage    client.StorageClient
	notifier   *service.Notifier
	limiter    *rate.Limiter
	httpClient *http.Client
	log        logrus.FieldLogger
	now        func() time.Time

	handoffWait time.Duration
	handoffPoll time.Duration
}

// NewPipelineWorker creates a pipeline worker. Task starts are limited to
// cfg.StartsPerMinute; zero disables the limit.
func NewPipelineWorker(cfg *config.LegacyConfig, st store.Store, storage client.StorageClient, notifier *service.Notifier, log logrus.FieldLogger) *PipelineWorker {
	limit := rate.Inf
	if cfg.StartsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(cfg.StartsPerMinute))
	}
	return &PipelineWorker{
		cfg:        cfg,
		store:      st,
		storage:    storage,
		notifier:   notifier,
		limiter:    rate.NewLimiter(limit, 1),
		httpClient: &http.Client{},
		log:        log,
		now:        time.Now,

		handoffWait: handoffWait,
		handoffPoll: handoffPoll,
	}
}

// RetryDelay is the asynq backoff for failed attempts: 10s doubling per
// retry, capped at ten minutes.
func RetryDelay(n int, _ error, _ *asynq.Task) time.Duration {
	if n > 6 {
		return 10 * time.Minute
	}
	d := 10 * time.Second << uint(n)
	if d > 10*time.Minute {
		d = 10 * time.Minute
	}
	return d
}

// ProcessTask handles a processing:legacy task
func (w *PipelineWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload service.LegacyTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %v: %w", err, asynq.SkipRetry)
	}
	log := w.log.WithField("job_id", payload.JobID)

	if err := w.limiter.Wait(ctx); err != nil {
		return err
	}

	job, err := w.store.Get(ctx, payload.JobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("job %s: %w", payload.JobID, asynq.SkipRetry)
		}
		return fmt.Errorf("failed to load job: %w", err)
	}
	job, err = w.awaitHandoff(ctx, job)
	if err != nil {
		if errors.Is(err, errHandoffPending) {
			log.Warn("job still queued, retrying task later")
		}
		return fmt.Errorf("job %s: %w", payload.JobID, err)
	}
	if job.Status != model.JobStatusProcessing {
		log.WithField("status", job.Status).Info("job is not processing, skipping task")
		return nil
	}

	retry, _ := asynq.GetRetryCount(ctx)
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		maxRetry = job.MaxRetries
	}
	job, err = w.store.Update(ctx, job.ID, func(j *model.Job) error {
		if j.Status != model.JobStatusProcessing {
			return model.ErrTerminal
		}
		j.RetryCount = retry
		return nil
	})
	if err != nil {
		if errors.Is(err, model.ErrTerminal) {
			return nil
		}
		return fmt.Errorf("failed to record attempt: %w", err)
	}

	log.WithFields(logrus.Fields{"attempt": retry + 1, "max_retry": maxRetry}).Info("starting legacy run")
	err = w.run(ctx, job, log)
	if err == nil {
		return nil
	}
	return w.handleFailure(ctx, job, retry, maxRetry, err, log)
}

// awaitHandoff waits for a Queued job to be started by the dispatcher.
// Any other status is returned as is.
func (w *PipelineWorker) awaitHandoff(ctx context.Context, job *model.Job) (*model.Job, error) {
	if job.Status != model.JobStatusQueued {
		return job, nil
	}
	deadline := time.NewTimer(w.handoffWait)
	defer deadline.Stop()
	ticker := time.NewTicker(w.handoffPoll)
	defer ticker.Stop()

	for job.Status == model.JobStatusQueued {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, errHandoffPending
		case <-ticker.C:
		}
		current, err := w.store.Get(ctx, job.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load job: %w", err)
		}
		job = current
	}
	return job, nil
}

func (w *PipelineWorker) run(ctx context.Context, job *model.Job, log logrus.FieldLogger) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	tr := &tracker{w: w, jobID: job.ID, stage: job.CurrentStage(), progress: job.Progress, cancel: cancel}

	if w.cfg.TempDir != "" {
		if err := os.MkdirAll(w.cfg.TempDir, 0o755); err != nil {
			return fmt.Errorf("create temp dir: %w", err)
		}
	}
	dir, err := os.MkdirTemp(w.cfg.TempDir, "job-"+job.ID+"-")
	if err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(dir)

	videos, err := w.download(runCtx, tr, job, filepath.Join(dir, "input"))
	if err != nil {
		return err
	}

	outDir := filepath.Join(dir, "output")
	if err := w.reconstruct(runCtx, tr, job, videos, outDir, log); err != nil {
		return err
	}

	outputs, keys, err := w.upload(runCtx, tr, job, outDir)
	if err != nil {
		return err
	}

	if err := tr.report(runCtx, model.StageFinalizing, model.UploadBandEnd, "Finalizing"); err != nil {
		w.discard(ctx, job.ID, keys)
		return err
	}
	updated, err := w.store.Update(ctx, job.ID, func(j *model.Job) error {
		return j.Complete(*outputs, w.now())
	})
	if err != nil {
		if errors.Is(err, model.ErrTerminal) {
			w.discard(ctx, job.ID, keys)
			return errJobFinished
		}
		return fmt.Errorf("failed to complete job: %w", err)
	}
	log.Info("legacy run completed")
	w.notifier.Finished(ctx, updated)
	return nil
}

// handleFailure decides between a retry and a terminal failure.
func (w *PipelineWorker) handleFailure(ctx context.Context, job *model.Job, retry, maxRetry int, runErr error, log logrus.FieldLogger) error {
	if errors.Is(runErr, errJobFinished) {
		log.Info("job was finished elsewhere, abandoning run")
		return nil
	}
	wctx := context.WithoutCancel(ctx)
	if ctx.Err() != nil {
		current, err := w.store.Get(wctx, job.ID)
		if err == nil && current.IsTerminal() {
			log.WithField("status", current.Status).Info("run stopped after job finished")
			return nil
		}
		// Shutdown or timeout. asynq puts the task back.
		log.WithError(runErr).Warn("run interrupted")
		return runErr
	}

	log = log.WithError(runErr)
	if retry < maxRetry {
		updated, err := w.store.Update(wctx, job.ID, func(j *model.Job) error {
			return j.Note(runErr.Error(), w.now())
		})
		if err != nil {
			if errors.Is(err, model.ErrTerminal) {
				return nil
			}
			log.Error("failed to record attempt error")
			return runErr
		}
		log.Warn("legacy run failed, will retry")
		w.notifier.Changed(wctx, updated, fmt.Sprintf("Attempt %d failed, retrying", retry+1))
		return runErr
	}

	updated, err := w.store.Update(wctx, job.ID, func(j *model.Job) error {
		return j.Fail(runErr.Error(), w.now())
	})
	if err != nil {
		if errors.Is(err, model.ErrTerminal) {
			return nil
		}
		log.Error("failed to mark job failed")
		return runErr
	}
	log.Error("legacy run failed, no retries left")
	w.notifier.Finished(wctx, updated)
	return fmt.Errorf("%v: %w", runErr, asynq.SkipRetry)
}

func (w *PipelineWorker) download(ctx context.Context, tr *tracker, job *model.Job, dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create input dir: %w", err)
	}
	paths := make([]string, 0, len(job.SourceInputs))
	for i, in := range job.SourceInputs {
		path := filepath.Join(dir, fmt.Sprintf("%02d-%s", i, filepath.Base(in.Filename)))
		if err := w.fetch(ctx, in.URL, path); err != nil {
			return nil, fmt.Errorf("download %s: %w", in.Filename, err)
		}
		paths = append(paths, path)
		if err := tr.report(ctx, model.StageDownloading, model.DownloadProgress(i+1, len(job.SourceInputs)), "Downloaded "+in.Filename); err != nil {
			return nil, err
		}
	}
	return paths, nil
}

func (w *PipelineWorker) fetch(ctx context.Context, url, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := w.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// cliArgs builds the reconstruction command line.
func cliArgs(job *model.Job, outDir string, videos []string) []string {
	s := job.Settings
	args := []string{
		"process",
		"--output", outDir,
		"--preset", string(s.Preset),
		"--steps", strconv.Itoa(s.TotalSteps),
		"--max-splats", strconv.Itoa(s.MaxSplats),
		"--image-percentage", strconv.Itoa(s.ImagePercentage),
		"--fps", strconv.FormatFloat(s.FPS, 'f', -1, 64),
	}
	if s.IsMotion() {
		args = append(args,
			"--motion",
			"--motion-fps", strconv.FormatFloat(s.Motion.FPS, 'f', -1, 64),
			"--max-frames", strconv.Itoa(s.Motion.MaxFrames),
			"--iterations", strconv.Itoa(s.Motion.Iterations),
		)
	}
	for _, v := range videos {
		args = append(args, "--video", v)
	}
	return args
}

type toolLine struct {
	Stage    string  `json:"stage"`
	Progress float64 `json:"progress"`
	Message  string  `json:"message"`
}

func (w *PipelineWorker) reconstruct(ctx context.Context, tr *tracker, job *model.Job, videos []string, outDir string, log logrus.FieldLogger) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	cmd := exec.CommandContext(ctx, w.cfg.CLIPath, cliArgs(job, outDir, videos)...)
	stderr := &tailBuffer{max: stderrTailSize}
	cmd.Stderr = stderr
	cmd.WaitDelay = cliWaitDelay
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start reconstruction: %w", err)
	}

	var reportErr error
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64<<10), 1<<20)
	for scanner.Scan() {
		var line toolLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			log.WithField("line", scanner.Text()).Debug("cli output")
			continue
		}
		stage, _ := model.StageFromTool(line.Stage)
		if err := tr.report(ctx, stage, model.RescaleToolProgress(line.Progress), line.Message); err != nil {
			reportErr = err
			break
		}
	}
	waitErr := cmd.Wait()

	if reportErr != nil {
		return reportErr
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if waitErr != nil {
		msg := stderr.String()
		if msg == "" {
			return fmt.Errorf("reconstruction failed: %w", waitErr)
		}
		return fmt.Errorf("reconstruction failed: %v: %s", waitErr, msg)
	}
	return nil
}

// tracker writes progress only when it changes and stops the run once the
// job is already terminal.
type tracker struct {
	w        *PipelineWorker
	jobID    string
	stage    model.Stage
	progress int
	cancel   context.CancelFunc
}

func (t *tracker) report(ctx context.Context, stage model.Stage, progress int, message string) error {
	if stage == "" {
		stage = t.stage
	}
	if stage == t.stage && progress <= t.progress {
		return nil
	}
	updated, err := t.w.store.Update(ctx, t.jobID, func(j *model.Job) error {
		return j.Advance(stage, progress, t.w.now())
	})
	if err != nil {
		if errors.Is(err, model.ErrTerminal) || errors.Is(err, model.ErrInvalidTransition) {
			t.cancel()
			return errJobFinished
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		t.w.log.WithError(err).WithField("job_id", t.jobID).Warn("failed to record progress")
		return nil
	}
	t.stage = updated.CurrentStage()
	t.progress = updated.Progress
	t.w.notifier.Changed(ctx, updated, message)
	return nil
}

type tailBuffer struct {
	max int
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.max {
		b.buf = b.buf[len(b.buf)-b.max:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	return strings.TrimSpace(string(b.buf))
}
