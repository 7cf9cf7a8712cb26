// Package progress delivers job progress events to observers, either by
// fan-out over a message broker or by polling the job store.
package progress

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gameview/processing/internal/config"
	"github.com/gameview/processing/internal/model"
	"github.com/gameview/processing/internal/store"
)

const (
	ModeBroadcast = "broadcast"
	ModePolling   = "polling"
)

var errSubscriptionClosed = errors.New("progress subscription closed")

// Sink receives the frames of one stream. An error from either method
// means the observer is gone and the stream ends.
type Sink interface {
	Event(ev model.ProgressEvent) error
	Heartbeat() error
}

// Channel publishes and streams progress events.
type Channel interface {
	Publish(ctx context.Context, ev model.ProgressEvent) error
	// Stream blocks until the job is terminal, ctx is done or the sink
	// fails. An unknown job returns store.ErrNotFound before any frame.
	Stream(ctx context.Context, jobID string, sink Sink) error
	Mode() string
}

type Options struct {
	Topic             string
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	TerminalLinger    time.Duration
}

func (o Options) withDefaults() Options {
	if o.Topic == "" {
		o.Topic = "processing:progress"
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.TerminalLinger <= 0 {
		o.TerminalLinger = time.Second
	}
	return o
}

func OptionsFromConfig(cfg config.ProgressConfig) Options {
	return Options{
		Topic:             cfg.Topic,
		PollInterval:      cfg.PollInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
		TerminalLinger:    cfg.TerminalLinger,
	}
}

// New picks the delivery mode once. Broadcast needs a broker; without one
// the store is polled.
func New(cfg config.ProgressConfig, st store.Store, broker Broker, log logrus.FieldLogger) Channel {
	opts := OptionsFromConfig(cfg)
	if cfg.Mode != ModePolling && broker != nil {
		log.WithField("mode", ModeBroadcast).Info("progress channel selected")
		return NewBroadcast(broker, st, opts, log)
	}
	if cfg.Mode == ModeBroadcast {
		log.Warn("broadcast progress requested without a broker, falling back to polling")
	}
	log.WithField("mode", ModePolling).Info("progress channel selected")
	return NewPoller(st, opts)
}
