// Package httpapi exposes the ingestion endpoint the power meter posts to.
package httpapi

import (
	"encoding/json"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pmlab/pm-ingest/internal/app/ingest"
)

const (
	MsgReceived    = "Data received successfully"
	MsgInvalidData = "Invalid data"
	MsgInvalidJSON = "Invalid JSON"
)

type Options struct {
	BodyLimit    int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type handler struct {
	svc *ingest.Service
	log *zap.Logger
}

// New builds the fiber app serving POST /data and GET /healthz.
func New(svc *ingest.Service, logger *zap.Logger, opts Options) *fiber.App {
	if logger == nil {
		logger = zap.NewNop()
	}

	app := fiber.New(fiber.Config{
		AppName:               "pm-ingest",
		BodyLimit:             opts.BodyLimit,
		ReadTimeout:           opts.ReadTimeout,
		WriteTimeout:          opts.WriteTimeout,
		DisableStartupMessage: true,
	})

	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
		StackTraceHandler: func(c *fiber.Ctx, e interface{}) {
			logger.Error("recovered from panic", zap.Any("panic", e), zap.String("path", c.Path()))
		},
	}))
	app.Use(requestid.New(requestid.Config{Generator: uuid.NewString}))
	app.Use(requestLogger(logger))
	app.Use(permissiveCORS)
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: fiber.HeaderContentType,
	}))

	h := &handler{svc: svc, log: logger}
	app.Post("/data", h.postData)
	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})

	return app
}

// permissiveCORS stamps every response, including requests without an Origin
// header, the way the device firmware's backend always has.
func permissiveCORS(c *fiber.Ctx) error {
	c.Set(fiber.HeaderAccessControlAllowOrigin, "*")
	c.Set(fiber.HeaderAccessControlAllowHeaders, fiber.HeaderContentType)
	return c.Next()
}

func requestLogger(logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		method, path := c.Method(), c.OriginalURL()
		err := c.Next()
		logger.Info("request",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", c.Response().StatusCode()),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", requestID(c)),
		)
		return err
	}
}

func requestID(c *fiber.Ctx) string {
	if id, ok := c.Locals(requestid.ConfigDefault.ContextKey).(string); ok {
		return id
	}
	return ""
}

func (h *handler) postData(c *fiber.Ctx) error {
	var payload any
	if body := c.Body(); len(body) > 0 && c.Is("json") {
		if err := json.Unmarshal(body, &payload); err != nil {
			h.svc.RecordMalformed()
			h.log.Debug("malformed body", zap.Error(err), zap.String("request_id", requestID(c)))
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"message": MsgInvalidJSON})
		}
	} else {
		// no JSON body: validated as an empty object
		payload = map[string]any{}
	}

	_, pending, err := h.svc.Submit(payload)
	if err != nil {
		h.log.Debug("measurement rejected", zap.Error(err), zap.String("request_id", requestID(c)))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"message": MsgInvalidData})
	}

	go h.svc.Observe(pending)
	return c.JSON(fiber.Map{"message": MsgReceived})
}
