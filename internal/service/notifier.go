package service

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/gameview/processing/internal/model"
	"github.com/gameview/processing/internal/progress"
)

// CompletionHook is the downstream side effect of a job reaching a
// terminal state.
type CompletionHook interface {
	JobFinished(ctx context.Context, notice model.CompletionNotice) error
}

// LogHook only logs; used when no completion URL is configured.
type LogHook struct {
	Log logrus.FieldLogger
}

func (h LogHook) JobFinished(_ context.Context, notice model.CompletionNotice) error {
	h.Log.WithFields(logrus.Fields{
		"job_id":    notice.JobID,
		"target_id": notice.TargetID,
		"status":    notice.Status,
	}).Info("job finished")
	return nil
}

// Notifier publishes progress events and runs the completion hook.
// Failures are logged; the job store already holds the truth.
type Notifier struct {
	channel progress.Channel
	hook    CompletionHook
	log     logrus.FieldLogger
}

func NewNotifier(channel progress.Channel, hook CompletionHook, log logrus.FieldLogger) *Notifier {
	if hook == nil {
		hook = LogHook{Log: log}
	}
	return &Notifier{channel: channel, hook: hook, log: log}
}

// Changed publishes the job's current state.
func (n *Notifier) Changed(ctx context.Context, job *model.Job, message string) {
	if err := n.channel.Publish(ctx, model.EventFromJob(job, message)); err != nil {
		n.log.WithError(err).WithField("job_id", job.ID).Warn("failed to publish progress event")
	}
}

// Finished publishes the terminal event and then calls the hook. Callers
// invoke it once per terminal write they won.
func (n *Notifier) Finished(ctx context.Context, job *model.Job) {
	n.Changed(ctx, job, "")
	if err := n.hook.JobFinished(ctx, model.NoticeFromJob(job)); err != nil {
		n.log.WithError(err).WithField("job_id", job.ID).Error("completion hook failed")
	}
}
