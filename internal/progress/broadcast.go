package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gameview/processing/internal/model"
	"github.com/gameview/processing/internal/store"
)

// Broadcast publishes every event on one topic; each stream filters for
// its job.
type Broadcast struct {
	broker Broker
	store  store.Store
	opts   Options
	log    logrus.FieldLogger
}

func NewBroadcast(broker Broker, st store.Store, opts Options, log logrus.FieldLogger) *Broadcast {
	return &Broadcast{broker: broker, store: st, opts: opts.withDefaults(), log: log}
}

func (b *Broadcast) Mode() string { return ModeBroadcast }

func (b *Broadcast) Publish(ctx context.Context, ev model.ProgressEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal progress event: %w", err)
	}
	return b.broker.Publish(ctx, b.opts.Topic, data)
}

func (b *Broadcast) Stream(ctx context.Context, jobID string, sink Sink) error {
	// Subscribe before reading the snapshot so no event falls in between.
	sub, err := b.broker.Subscribe(ctx, b.opts.Topic)
	if err != nil {
		return err
	}
	defer sub.Close()

	job, err := b.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	last := model.EventFromJob(job, "")
	if err := sink.Event(last); err != nil {
		return err
	}
	if last.IsTerminal() {
		return nil
	}

	heartbeat := time.NewTicker(b.opts.HeartbeatInterval)
	defer heartbeat.Stop()

	var linger <-chan time.Time
	var lingerTimer *time.Timer
	defer func() {
		if lingerTimer != nil {
			lingerTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case data, ok := <-sub.Messages():
			if !ok {
				return errSubscriptionClosed
			}
			var ev model.ProgressEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				b.log.WithError(err).Warn("dropping malformed progress event")
				continue
			}
			if ev.JobID != jobID || behind(last, ev) {
				continue
			}
			if err := sink.Event(ev); err != nil {
				return err
			}
			last = ev
			if ev.IsTerminal() && lingerTimer == nil {
				lingerTimer = time.NewTimer(b.opts.TerminalLinger)
				linger = lingerTimer.C
			}

		case <-heartbeat.C:
			if err := sink.Heartbeat(); err != nil {
				return err
			}

		case <-linger:
			return nil
		}
	}
}

// behind reports whether ev is older than what the observer already saw.
// Events published just before the snapshot read arrive after it.
func behind(last, ev model.ProgressEvent) bool {
	if ev.IsTerminal() || last.Status != model.JobStatusProcessing {
		return false
	}
	return ev.Status == model.JobStatusQueued || ev.Progress < last.Progress
}
