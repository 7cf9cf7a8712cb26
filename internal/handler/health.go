package handler

import (
	"github.com/gofiber/fiber/v2"

	"github.com/gameview/processing/internal/config"
	"github.com/gameview/processing/internal/model"
	"github.com/gameview/processing/internal/service"
	"github.com/gameview/processing/pkg/response"
)

// Capabilities describes what this deployment can do.
type Capabilities struct {
	Store      string           `json:"store"`
	Progress   string           `json:"progress"`
	Managed    bool             `json:"managed"`
	Legacy     bool             `json:"legacy"`
	Storage    bool             `json:"storage"`
	Strategies []model.Strategy `json:"strategies"`
}

func NewCapabilities(cfg *config.Config, progressMode string, chain []service.Strategy) Capabilities {
	names := make([]model.Strategy, 0, len(chain))
	for _, s := range chain {
		names = append(names, s.Name())
	}
	return Capabilities{
		Store:      cfg.Store.Driver,
		Progress:   progressMode,
		Managed:    cfg.ManagedConfigured(),
		Legacy:     cfg.Legacy.Enabled,
		Storage:    cfg.StorageConfigured(),
		Strategies: names,
	}
}

// Health handles GET /health
func Health(caps Capabilities) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return response.OK(c, fiber.Map{
			"status":   "ok",
			"services": caps,
		})
	}
}
