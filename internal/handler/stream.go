package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"

	"github.com/gameview/processing/internal/model"
	"github.com/gameview/processing/internal/progress"
	"github.com/gameview/processing/internal/store"
	"github.com/gameview/processing/pkg/response"
)

// JobReader looks up job snapshots.
type JobReader interface {
	Get(ctx context.Context, id string) (*model.Job, error)
}

// StreamHandler serves live progress over SSE and websocket. Streams run on
// a context owned by the handler; Close ends all of them.
type StreamHandler struct {
	channel progress.Channel
	jobs    JobReader
	log     logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc
}

func NewStreamHandler(channel progress.Channel, jobs JobReader, log logrus.FieldLogger) *StreamHandler {
	ctx, cancel := context.WithCancel(context.Background())
	return &StreamHandler{channel: channel, jobs: jobs, log: log, ctx: ctx, cancel: cancel}
}

// Close ends every open stream. Call it before shutting the app down so
// long-lived responses do not hold the shutdown timeout.
func (h *StreamHandler) Close() {
	h.cancel()
}

type sseSink struct {
	w *bufio.Writer
}

func (s sseSink) Event(ev model.ProgressEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	return s.w.Flush()
}

func (s sseSink) Heartbeat() error {
	if _, err := s.w.WriteString(": heartbeat\n\n"); err != nil {
		return err
	}
	return s.w.Flush()
}

// SSE handles GET /api/processing/progress/:jobId
func (h *StreamHandler) SSE(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}
	// Unknown jobs get a plain 404 before the stream starts.
	if _, err := h.jobs.Get(c.UserContext(), jobID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return response.NotFound(c, "Job not found")
		}
		return response.ServiceError(c, err.Error())
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	log := h.log.WithField("job_id", jobID)
	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		// fasthttp gives no disconnect signal here; a gone client surfaces
		// as a failed write on the next event or heartbeat.
		ctx, cancel := context.WithCancel(h.ctx)
		defer cancel()
		if err := h.channel.Stream(ctx, jobID, sseSink{w: w}); err != nil {
			log.WithError(err).Debug("progress stream ended")
		}
	}))
	return nil
}

type wsSink struct {
	conn *websocket.Conn
}

func (s wsSink) Event(ev model.ProgressEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s wsSink) Heartbeat() error {
	return s.conn.WriteMessage(websocket.PingMessage, nil)
}

// UpgradeRequired rejects plain HTTP requests on websocket routes.
func UpgradeRequired(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// WebSocket handles GET /ws/processing/:jobId
func (h *StreamHandler) WebSocket() fiber.Handler {
	return websocket.New(func(c *websocket.Conn) {
		jobID := c.Params("jobId")
		log := h.log.WithField("job_id", jobID)

		ctx, cancel := context.WithCancel(h.ctx)
		defer cancel()

		// The reader only notices the client going away.
		go func() {
			defer cancel()
			for {
				if _, _, err := c.ReadMessage(); err != nil {
					if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
						log.WithError(err).Debug("websocket read error")
					}
					return
				}
			}
		}()

		err := h.channel.Stream(ctx, jobID, wsSink{conn: c})
		code, reason := websocket.CloseNormalClosure, ""
		if errors.Is(err, store.ErrNotFound) {
			code, reason = websocket.ClosePolicyViolation, "job not found"
		} else if err != nil && ctx.Err() == nil {
			log.WithError(err).Warn("websocket stream failed")
			code, reason = websocket.CloseInternalServerErr, "stream failed"
		}
		_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	})
}
