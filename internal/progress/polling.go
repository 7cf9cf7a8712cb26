package progress

import (
	"context"
	"time"

	"github.com/gameview/processing/internal/model"
	"github.com/gameview/processing/internal/store"
)

// Poller reads the job store on an interval and emits only when the
// observable state changed. The store itself is the channel.
type Poller struct {
	store store.Store
	opts  Options
}

func NewPoller(st store.Store, opts Options) *Poller {
	return &Poller{store: st, opts: opts.withDefaults()}
}

func (p *Poller) Mode() string { return ModePolling }

// Publish is a no-op; writers already updated the store.
func (p *Poller) Publish(context.Context, model.ProgressEvent) error {
	return nil
}

func (p *Poller) Stream(ctx context.Context, jobID string, sink Sink) error {
	lastKey := ""
	poll := func() (bool, error) {
		job, err := p.store.Get(ctx, jobID)
		if err != nil {
			return false, err
		}
		ev := model.EventFromJob(job, "")
		if ev.Key() == lastKey {
			return false, nil
		}
		lastKey = ev.Key()
		if err := sink.Event(ev); err != nil {
			return false, err
		}
		return ev.IsTerminal(), nil
	}

	done, err := poll()
	if err != nil || done {
		return err
	}

	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()
	heartbeat := time.NewTicker(p.opts.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			done, err := poll()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			if done {
				return nil
			}
		case <-heartbeat.C:
			if err := sink.Heartbeat(); err != nil {
				return err
			}
		}
	}
}
