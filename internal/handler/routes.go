package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/gameview/processing/pkg/response"
)

// NewApp creates the fiber app with the global middleware.
func NewApp() *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    4 * 1024 * 1024,
	})

	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))
	return app
}

// Routes groups everything Register mounts.
type Routes struct {
	Processing  *ProcessingHandler
	Callback    *CallbackHandler
	Stream      *StreamHandler
	Caps        Capabilities
	SubmitLimit fiber.Handler
}

func Register(app *fiber.App, r Routes) {
	app.Get("/health", Health(r.Caps))

	api := app.Group("/api/processing")
	submit := []fiber.Handler{r.Processing.Submit}
	if r.SubmitLimit != nil {
		submit = append([]fiber.Handler{r.SubmitLimit}, submit...)
	}
	api.Post("/submit", submit...)
	api.Post("/cancel", r.Processing.Cancel)
	api.Get("/jobs/:jobId", r.Processing.Job)
	api.Post("/jobs/:jobId/dispatch", r.Processing.Dispatch)
	api.Get("/progress/:jobId", r.Stream.SSE)
	api.Post("/progress", r.Callback.Progress)
	api.Post("/callback", r.Callback.Complete)

	app.Use("/ws", UpgradeRequired)
	app.Get("/ws/processing/:jobId", r.Stream.WebSocket())
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
		message = e.Message
	}

	return response.Error(c, code, response.CodeServiceError, message, nil)
}
