package service

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/gameview/processing/internal/model"
	"github.com/gameview/processing/internal/progress"
	"github.com/gameview/processing/internal/store"
	"github.com/gameview/processing/internal/store/sqlite"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type recordingChannel struct {
	mu     sync.Mutex
	events []model.ProgressEvent
}

func (c *recordingChannel) Publish(_ context.Context, ev model.ProgressEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *recordingChannel) Stream(context.Context, string, progress.Sink) error { return nil }

func (c *recordingChannel) Mode() string { return "recording" }

func (c *recordingChannel) Events() []model.ProgressEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.ProgressEvent(nil), c.events...)
}

type recordingHook struct {
	mu      sync.Mutex
	notices []model.CompletionNotice
}

func (h *recordingHook) JobFinished(_ context.Context, n model.CompletionNotice) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notices = append(h.notices, n)
	return nil
}

func (h *recordingHook) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.notices)
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	calls int
	opts  []asynq.Option
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.opts = opts
	if f.err != nil {
		return nil, f.err
	}
	info := &asynq.TaskInfo{Type: task.Type(), Payload: task.Payload()}
	for _, o := range opts {
		switch o.Type() {
		case asynq.TaskIDOpt:
			info.ID = o.Value().(string)
		case asynq.QueueOpt:
			info.Queue = o.Value().(string)
		}
	}
	return info, nil
}

func (f *fakeEnqueuer) option(t asynq.OptionType) interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.opts {
		if o.Type() == t {
			return o.Value()
		}
	}
	return nil
}

type fakeInspector struct {
	state     asynq.TaskState
	getErr    error
	deleted   []string
	cancelled []string
}

func (f *fakeInspector) GetTaskInfo(queue, id string) (*asynq.TaskInfo, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return &asynq.TaskInfo{ID: id, Queue: queue, State: f.state}, nil
}

func (f *fakeInspector) DeleteTask(_, id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeInspector) CancelProcessing(id string) error {
	f.cancelled = append(f.cancelled, id)
	return nil
}

type testEnv struct {
	store    store.Store
	channel  *recordingChannel
	hook     *recordingHook
	notifier *Notifier
	validate *validator.Validate
	log      logrus.FieldLogger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ch := &recordingChannel{}
	hook := &recordingHook{}
	log := quietLogger()
	return &testEnv{
		store:    st,
		channel:  ch,
		hook:     hook,
		notifier: NewNotifier(ch, hook, log),
		validate: validator.New(),
		log:      log,
	}
}

func (e *testEnv) createJob(t *testing.T, id string, settings model.Settings) *model.Job {
	t.Helper()
	job := model.NewJob(id, "exp-"+id, settings.WithDefaults(), []model.SourceInput{
		{URL: "https://cdn.example.com/a.mp4", Filename: "a.mp4", Size: 10},
	}, 3, time.Now())
	require.NoError(t, e.store.Create(context.Background(), job))
	return job
}

func (e *testEnv) startJob(t *testing.T, id string, settings model.Settings, strategy model.Strategy, identity string) *model.Job {
	t.Helper()
	e.createJob(t, id, settings)
	job, err := e.store.Update(context.Background(), id, func(j *model.Job) error {
		return j.Start(strategy, identity, time.Now())
	})
	require.NoError(t, err)
	return job
}

func (e *testEnv) get(t *testing.T, id string) *model.Job {
	t.Helper()
	job, err := e.store.Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

func validSubmit() *model.SubmitRequest {
	return &model.SubmitRequest{
		TargetID: "exp-1",
		SourceInputs: []model.SourceInput{
			{URL: "https://cdn.example.com/a.mp4", Filename: "a.mp4", Size: 10},
		},
	}
}
