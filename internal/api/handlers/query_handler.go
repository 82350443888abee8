package handlers

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/food-agent/backend/internal/middleware/validation"
	"github.com/food-agent/backend/internal/query"
	"github.com/food-agent/backend/pkg/logger"
)

const defaultColumnResults = 10

type QueryHandler struct {
	queryEngine *query.Engine
}

func NewQueryHandler(queryEngine *query.Engine) *QueryHandler {
	return &QueryHandler{
		queryEngine: queryEngine,
	}
}

// HandleQuery answers a question with the SQL agent. Expects the
// validation middleware in front of it.
func (h *QueryHandler) HandleQuery(c *fiber.Ctx) error {
	req, ok := validation.FromContext(c)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	response, err := h.queryEngine.ProcessQuery(c.UserContext(), query.QueryRequest{
		Question: req.Question,
		Lang:     req.Lang,
	})
	if err != nil {
		return respondError(c, "Failed to process query", err)
	}

	return c.JSON(response)
}

// HandleColumnSearch lists the catalogue columns closest to a question.
func (h *QueryHandler) HandleColumnSearch(c *fiber.Ctx) error {
	req, ok := validation.FromContext(c)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	k := req.K
	if k == 0 {
		k = defaultColumnResults
	}

	columns, err := h.queryEngine.SearchColumns(c.UserContext(), req.Question, k)
	if err != nil {
		return respondError(c, "Failed to search columns", err)
	}

	return c.JSON(fiber.Map{
		"question": req.Question,
		"columns":  columns,
	})
}

func respondError(c *fiber.Ctx, msg string, err error) error {
	if errors.Is(err, query.ErrEmptyQuestion) || errors.Is(err, query.ErrUnsupportedLang) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	logger.Error(msg, zap.Error(err), zap.String("path", c.Path()))
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": msg,
	})
}

// HealthInfo describes the loaded components for the health endpoint.
type HealthInfo struct {
	Model   string
	Columns int
	Cache   bool
	Graph   bool
	Web     bool
}

func HealthHandler(info HealthInfo) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "healthy",
			"time":    time.Now().Unix(),
			"model":   info.Model,
			"columns": info.Columns,
			"cache":   info.Cache,
			"graph":   info.Graph,
			"web":     info.Web,
		})
	}
}

// Register mounts the question endpoints under api.
func Register(api fiber.Router, h *QueryHandler, validate fiber.Handler, health HealthInfo) {
	api.Post("/query", validate, h.HandleQuery)
	api.Post("/columns/search", validate, h.HandleColumnSearch)
	api.Get("/health", HealthHandler(health))
}
