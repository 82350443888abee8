// Package validation checks API request bodies before they reach a handler.
package validation

import (
	"strings"
	"unicode/utf8"

	libinjection "github.com/corazawaf/libinjection-go"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/food-agent/backend/internal/models"
)

// LocalsKey is where the validated request is stored on the fiber context.
const LocalsKey = "validated_request"

// Request is the body shared by the question endpoints.
type Request struct {
	Question string `json:"question"`
	Lang     string `json:"lang"`
	K        int    `json:"k"`
}

type Config struct {
	MaxQuestionLength int
	MaxK              int
	Logger            *zap.Logger
}

// Middleware parses and checks a question body. Handlers read the result
// with FromContext.
func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxQuestionLength <= 0 {
		cfg.MaxQuestionLength = 1000
	}
	if cfg.MaxK <= 0 {
		cfg.MaxK = 50
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		if !strings.HasPrefix(c.Get(fiber.HeaderContentType), fiber.MIMEApplicationJSON) {
			return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
				"error": "Content-Type must be application/json",
			})
		}

		var req Request
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid JSON format",
			})
		}

		req.Question = sanitizeString(req.Question)
		if req.Question == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "question is required and must be a string",
			})
		}
		if utf8.RuneCountInString(req.Question) > cfg.MaxQuestionLength {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "question exceeds maximum length",
			})
		}
		if req.Lang != "" {
			if _, err := models.ParseLang(req.Lang); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": err.Error(),
				})
			}
		}
		if req.K < 0 || req.K > cfg.MaxK {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "k out of range",
			})
		}

		if libinjection.IsXSS(req.Question) {
			cfg.Logger.Warn("Potential XSS attempt",
				zap.String("ip", c.IP()),
				zap.String("path", c.Path()),
			)
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid question content",
			})
		}

		c.Locals(LocalsKey, req)
		return c.Next()
	}
}

// FromContext returns the request stored by Middleware.
func FromContext(c *fiber.Ctx) (Request, bool) {
	req, ok := c.Locals(LocalsKey).(Request)
	return req, ok
}

func sanitizeString(input string) string {
	input = strings.ReplaceAll(input, "\x00", "")
	return strings.TrimSpace(input)
}
