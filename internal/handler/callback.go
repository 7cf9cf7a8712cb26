package handler

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/gameview/processing/internal/service"
	"github.com/gameview/processing/pkg/response"
)

// CallbackHandler receives notices from execution backends. The callback
// token travels in the token query parameter of the URL we handed out.
type CallbackHandler struct {
	service *service.CallbackService
}

func NewCallbackHandler(svc *service.CallbackService) *CallbackHandler {
	return &CallbackHandler{service: svc}
}

// Complete handles POST /api/processing/callback
func (h *CallbackHandler) Complete(c *fiber.Ctx) error {
	return h.write(c, h.service.Receive(c.UserContext(), c.Query("token"), c.Body()))
}

// Progress handles POST /api/processing/progress
func (h *CallbackHandler) Progress(c *fiber.Ctx) error {
	return h.write(c, h.service.ReportProgress(c.UserContext(), c.Query("token"), c.Body()))
}

func (h *CallbackHandler) write(c *fiber.Ctx, res *service.CallbackResult) error {
	if res.HTTPStatus == http.StatusOK {
		return response.OK(c, res)
	}
	return response.Error(c, res.HTTPStatus, res.Code, res.Message, res.Details)
}
